package orchestrator

import (
	"sync"

	"econd/internal/domain"
)

// sessionRegistry hands out per-user session entries. The entry mutex
// serializes turns for one user; different users never contend.
type sessionRegistry struct {
	historyLimit int
	summaryAfter int

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

type sessionEntry struct {
	mu      sync.Mutex
	session *domain.Session
}

func newSessionRegistry(historyLimit, summaryAfter int) *sessionRegistry {
	return &sessionRegistry{
		historyLimit: historyLimit,
		summaryAfter: summaryAfter,
		entries:      make(map[string]*sessionEntry),
	}
}

func (r *sessionRegistry) get(userID string) *sessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[userID]
	if !ok {
		entry = &sessionEntry{session: domain.NewSession(userID, r.historyLimit, r.summaryAfter)}
		r.entries[userID] = entry
	}
	return entry
}
