package domain

import (
	"math/rand"
	"time"
)

// BackoffDelay returns the base-doubling delay for a 1-based attempt,
// capped at the policy's maximum. Pure data: the supervisor owns the timer.
func (p RestartPolicy) BackoffDelay(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = DefaultRestartBackoffBase
	}
	cap := p.BackoffCap
	if cap <= 0 {
		cap = DefaultRestartBackoffCap
	}
	if cap < base {
		cap = base
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// Exhausted reports whether the attempt count has passed the policy bound.
func (p RestartPolicy) Exhausted(attempts int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultRestartMaxAttempts
	}
	return attempts >= max
}

// Jitter spreads a delay by ±25% so providers restarted together do not
// reconnect in lockstep.
func Jitter(d time.Duration, r *rand.Rand) time.Duration {
	if d <= 0 {
		return d
	}
	span := int64(d) / 2
	if span <= 0 {
		return d
	}
	var offset int64
	if r != nil {
		offset = r.Int63n(span)
	} else {
		offset = rand.Int63n(span)
	}
	return d - time.Duration(span/2) + time.Duration(offset)
}
