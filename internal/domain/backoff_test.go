package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRestartPolicy_BackoffDoublesToCap(t *testing.T) {
	p := RestartPolicy{BackoffBase: time.Second, BackoffCap: 8 * time.Second}

	delays := make([]time.Duration, 0, 6)
	for attempt := 1; attempt <= 6; attempt++ {
		delays = append(delays, p.BackoffDelay(attempt))
	}

	require.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}, delays)

	for i := 1; i < len(delays); i++ {
		require.GreaterOrEqual(t, delays[i], delays[i-1])
	}
}

func TestRestartPolicy_Defaults(t *testing.T) {
	var p RestartPolicy
	require.Equal(t, DefaultRestartBackoffBase, p.BackoffDelay(1))
	require.Equal(t, DefaultRestartBackoffCap, p.BackoffDelay(100))
	require.False(t, p.Exhausted(DefaultRestartMaxAttempts-1))
	require.True(t, p.Exhausted(DefaultRestartMaxAttempts))
}

func TestRestartPolicy_CapBelowBase(t *testing.T) {
	p := RestartPolicy{BackoffBase: 10 * time.Second, BackoffCap: time.Second}
	require.Equal(t, 10*time.Second, p.BackoffDelay(1))
	require.Equal(t, 10*time.Second, p.BackoffDelay(5))
}

func TestJitter_StaysNearDelay(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	d := 4 * time.Second
	for i := 0; i < 100; i++ {
		j := Jitter(d, r)
		require.GreaterOrEqual(t, j, 3*time.Second)
		require.LessOrEqual(t, j, 5*time.Second)
	}
}
