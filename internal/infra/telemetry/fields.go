package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldServer     = "server"
	FieldState      = "state"
	FieldUser       = "user"
	FieldTool       = "tool"
	FieldDurationMs = "duration_ms"
	FieldAttempt    = "attempt"
	FieldInvocation = "invocation_id"
)

const (
	EventConnectAttempt   = "connect_attempt"
	EventConnectFailure   = "connect_failure"
	EventHandshakeFailure = "handshake_failure"
	EventReady            = "ready"
	EventDegraded         = "degraded"
	EventReconnecting     = "reconnecting"
	EventUnavailable      = "unavailable"
	EventClosed           = "closed"
	EventHeartbeatMiss    = "heartbeat_miss"
	EventDispatchError    = "dispatch_error"
	EventTurnStart        = "turn_start"
	EventTurnDone         = "turn_done"
	EventPersistDrop      = "persist_drop"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func ServerField(serverID string) zap.Field {
	return zap.String(FieldServer, serverID)
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func UserField(userID string) zap.Field {
	return zap.String(FieldUser, userID)
}

func ToolField(tool string) zap.Field {
	return zap.String(FieldTool, tool)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func AttemptField(attempt int) zap.Field {
	return zap.Int(FieldAttempt, attempt)
}

func InvocationField(id string) zap.Field {
	return zap.String(FieldInvocation, id)
}
