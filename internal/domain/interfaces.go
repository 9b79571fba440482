package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Conn is one live channel to a provider process. Call correlates the
// request with its response by jsonrpc id and is safe for concurrent use.
type Conn interface {
	Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	Close() error
}

// StopFn tears down whatever the transport started (process group, client).
type StopFn func(ctx context.Context) error

// Transport dials the channel described by a server definition.
type Transport interface {
	Dial(ctx context.Context, def ServerDefinition) (Conn, StopFn, error)
}

// Probe checks liveness of an established connection.
type Probe interface {
	Ping(ctx context.Context, conn Conn) error
}

// Route pairs a descriptor with the connection that owned it at the
// instant of resolution. The connection may leave Ready immediately
// afterwards; callers surface the resulting failure as an ordinary
// invocation error.
type Route struct {
	Descriptor ToolDescriptor
	Conn       Conn
}

// CatalogReader is the read surface shared by dispatcher and orchestrator.
type CatalogReader interface {
	Lookup(qualified string) (Route, error)
	Snapshot() []ToolDescriptor
}

// CatalogWriter is mutated only by connection supervision.
type CatalogWriter interface {
	PublishServer(serverID string, conn Conn, tools []ToolDescriptor)
	RetractServer(serverID string)
}

// Dispatcher executes a single tool invocation with client-side deadline
// enforcement and no automatic retry.
type Dispatcher interface {
	Invoke(ctx context.Context, qualified string, args map[string]any, timeout time.Duration) (*Invocation, error)
}

// Planner is the language-model capability: one decision call per turn and
// one grounding call when a tool or retrieval result must be composed into
// the final reply.
type Planner interface {
	Decide(ctx context.Context, input PlanInput) (Decision, error)
	Compose(ctx context.Context, input ComposeInput) (string, error)
}

// Passage is one retrieval hit, ordered by descending relevance.
type Passage struct {
	Text  string
	Score float64
}

// Retriever is the retrieval-augmented fallback collaborator. Best effort:
// failures degrade the turn, never fail it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Passage, error)
}

// SessionStore persists conversation turns for long-term memory.
type SessionStore interface {
	Append(ctx context.Context, sessionID string, turn Turn) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	Close() error
}

// Metrics is the observation surface; a nop implementation is used in tests.
type Metrics interface {
	ObserveTurn(outcome string, duration time.Duration)
	ObserveDispatch(server string, duration time.Duration, err error)
	ObservePlanner(call string, duration time.Duration, err error)
	SetConnState(serverID string, state ConnState)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) ObserveTurn(string, time.Duration)            {}
func (NopMetrics) ObserveDispatch(string, time.Duration, error) {}
func (NopMetrics) ObservePlanner(string, time.Duration, error)  {}
func (NopMetrics) SetConnState(string, ConnState)               {}
