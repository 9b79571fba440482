package domain

import (
	"fmt"
	"strings"
	"time"
)

// TurnOutcome records how a turn was resolved.
type TurnOutcome string

const (
	OutcomeDirect      TurnOutcome = "direct"
	OutcomeToolSuccess TurnOutcome = "tool_success"
	OutcomeToolFailure TurnOutcome = "tool_failure"
	OutcomeRetrieval   TurnOutcome = "retrieval"
	OutcomeUnavailable TurnOutcome = "unavailable"
	OutcomeBudget      TurnOutcome = "budget_exceeded"
)

// Turn is one user exchange: input, the action taken, and its outcome.
type Turn struct {
	ID        string         `json:"id"`
	At        time.Time      `json:"at"`
	Input     string         `json:"input"`
	Action    DecisionAction `json:"action"`
	Tool      string         `json:"tool,omitempty"`
	Outcome   TurnOutcome    `json:"outcome"`
	Reply     string         `json:"reply"`
}

// Session is the per-user conversation state. Mutated only by the
// orchestrator goroutine that holds the session lock; never deleted
// automatically.
type Session struct {
	UserID     string
	Turns      []Turn
	Summary    string
	LastIntent DecisionAction
	UpdatedAt  time.Time

	historyLimit int
	summaryAfter int
}

func NewSession(userID string, historyLimit, summaryAfter int) *Session {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if summaryAfter <= 0 {
		summaryAfter = DefaultSummaryAfterTurns
	}
	return &Session{
		UserID:       userID,
		historyLimit: historyLimit,
		summaryAfter: summaryAfter,
	}
}

// Append records a finished turn, folding overflow into the rolling summary
// once the history exceeds its bound.
func (s *Session) Append(turn Turn) {
	s.Turns = append(s.Turns, turn)
	s.LastIntent = turn.Action
	s.UpdatedAt = turn.At

	if len(s.Turns) <= s.historyLimit {
		return
	}
	overflow := s.Turns[:len(s.Turns)-s.summaryAfter]
	s.Summary = foldSummary(s.Summary, overflow)
	kept := make([]Turn, s.summaryAfter)
	copy(kept, s.Turns[len(s.Turns)-s.summaryAfter:])
	s.Turns = kept
}

// Recent returns up to limit turns, newest last.
func (s *Session) Recent(limit int) []Turn {
	if limit <= 0 || limit >= len(s.Turns) {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-limit:]
}

func foldSummary(prev string, turns []Turn) string {
	var sb strings.Builder
	if prev != "" {
		sb.WriteString(prev)
		sb.WriteString("\n")
	}
	for _, t := range turns {
		sb.WriteString(fmt.Sprintf("- %s → %s (%s)\n", clip(t.Input, 80), clip(t.Reply, 80), t.Outcome))
	}
	out := sb.String()
	// The summary itself stays bounded: keep the most recent tail.
	const maxSummary = 2000
	if len(out) > maxSummary {
		out = out[len(out)-maxSummary:]
	}
	return strings.TrimSpace(out)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
