package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TransportKind selects how a provider process is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

func NormalizeTransport(kind TransportKind) TransportKind {
	switch TransportKind(strings.ToLower(strings.TrimSpace(string(kind)))) {
	case TransportHTTP:
		return TransportHTTP
	default:
		return TransportStdio
	}
}

// RestartPolicy bounds reconnect attempts for one provider.
type RestartPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	BackoffBase time.Duration `json:"backoffBase"`
	BackoffCap  time.Duration `json:"backoffCap"`
}

// ServerDefinition declares one tool provider. Immutable after load.
type ServerDefinition struct {
	ID              string            `json:"id"`
	Transport       TransportKind     `json:"transport"`
	Cmd             []string          `json:"cmd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Cwd             string            `json:"cwd,omitempty"`
	Endpoint        string            `json:"endpoint,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	ProtocolVersion string            `json:"protocolVersion"`
	Restart         RestartPolicy     `json:"restart"`
}

func (d ServerDefinition) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// ConnState is the supervised lifecycle state of one provider connection.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnHandshaking  ConnState = "handshaking"
	ConnReady        ConnState = "ready"
	ConnDegraded     ConnState = "degraded"
	ConnReconnecting ConnState = "reconnecting"
	ConnClosed       ConnState = "closed"
	ConnUnavailable  ConnState = "unavailable"
)

// Terminal reports whether the state permits no further automatic action.
func (s ConnState) Terminal() bool {
	return s == ConnClosed || s == ConnUnavailable
}

// ToolDescriptor is one callable capability published by a Ready connection.
type ToolDescriptor struct {
	Qualified   string          `json:"qualified"`
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// QualifiedToolName builds the catalog key for a server-local tool name.
func QualifiedToolName(serverID, tool string) string {
	return serverID + "." + tool
}

// SplitQualifiedName returns the server and local tool parts of a qualified name.
func SplitQualifiedName(qualified string) (server, tool string, ok bool) {
	i := strings.Index(qualified, ".")
	if i <= 0 || i == len(qualified)-1 {
		return "", "", false
	}
	return qualified[:i], qualified[i+1:], true
}

// InvocationState tracks one dispatched tool call.
type InvocationState string

const (
	InvocationPending   InvocationState = "pending"
	InvocationSent      InvocationState = "sent"
	InvocationSucceeded InvocationState = "succeeded"
	InvocationFailed    InvocationState = "failed"
	InvocationTimedOut  InvocationState = "timed_out"
)

// Invocation is owned by the dispatcher until it resolves.
type Invocation struct {
	ID        string
	Tool      string
	Arguments map[string]any
	Deadline  time.Time
	State     InvocationState
	Result    json.RawMessage
	Err       error
}

// RuntimeConfig holds the orchestration knobs loaded alongside the registry.
type RuntimeConfig struct {
	DispatchTimeoutSeconds int
	TurnBudgetSeconds      int
	HeartbeatSeconds       int
	MissedHeartbeatLimit   int
	HistoryLimit           int
	SummaryAfterTurns      int
	ConfidenceThreshold    float64
	RetrievalServer        string
	RetrievalTool          string
	PersistQueueSize       int
	Observability          ObservabilityConfig
	Bridge                 BridgeConfig
	Planner                PlannerConfig
}

type ObservabilityConfig struct {
	ListenAddress string
}

type BridgeConfig struct {
	ListenAddress string
	AllowedUsers  []string
}

type PlannerConfig struct {
	Provider     string
	Model        string
	APIKey       string
	APIKeyEnvVar string
	BaseURL      string
}

// Config is the validated result of loading the registry file.
type Config struct {
	Servers []ServerDefinition
	Runtime RuntimeConfig
}

func (c RuntimeConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

func (c RuntimeConfig) TurnBudget() time.Duration {
	return time.Duration(c.TurnBudgetSeconds) * time.Second
}

func (c RuntimeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Defaults applied by the registry loader when the config omits a knob.
const (
	DefaultProtocolVersion        = "2025-06-18"
	DefaultDispatchTimeoutSeconds = 15
	DefaultTurnBudgetSeconds      = 45
	DefaultHeartbeatSeconds       = 10
	DefaultMissedHeartbeatLimit   = 3
	DefaultHistoryLimit           = 10
	DefaultSummaryAfterTurns      = 6
	DefaultConfidenceThreshold    = 0.6
	DefaultPersistQueueSize       = 256
	DefaultRestartMaxAttempts     = 5
	DefaultRestartBackoffBase     = time.Second
	DefaultRestartBackoffCap      = 30 * time.Second
	DefaultObservabilityAddress   = "127.0.0.1:9464"
	DefaultBridgeAddress          = "127.0.0.1:8800"
	DefaultRetrievalTool          = "buscar_informacion"
)

func (d ServerDefinition) String() string {
	return fmt.Sprintf("%s(%s)", d.ID, d.Transport)
}
