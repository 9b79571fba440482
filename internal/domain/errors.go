package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
	CodeTransport        ErrorCode = "TRANSPORT_FAILURE"
	CodeProvider         ErrorCode = "PROVIDER_ERROR"
	CodeFailedPrecond    ErrorCode = "FAILED_PRECONDITION"
	CodeInternal         ErrorCode = "INTERNAL"
)

// Error carries a code and the operation that produced it.
type Error struct {
	Code      ErrorCode
	Op        string
	Message   string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: code, Op: op, Message: msg, Cause: cause}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:      existing.Code,
			Op:        op,
			Message:   existing.Message,
			Cause:     existing.Cause,
			Retryable: existing.Retryable,
		}
	}
	return E(code, op, "", err)
}

// Invocation and connection failure taxonomy.
var (
	ErrToolNotFound        = errors.New("tool not found")
	ErrInvalidArguments    = errors.New("invalid arguments")
	ErrTransportFailure    = errors.New("transport failure")
	ErrTimedOut            = errors.New("invocation timed out")
	ErrProviderError       = errors.New("provider error")
	ErrUnavailable         = errors.New("server unavailable")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrNoReadyConnection   = errors.New("no ready connection")
	ErrUnknownServer       = errors.New("unknown server id")
	ErrUnsupportedProtocol = errors.New("unsupported protocol version")
	ErrHandshakeRejected   = errors.New("handshake rejected")
	ErrSessionBusy         = errors.New("session turn in progress")
)

// CodeFrom maps sentinel errors onto the error-code taxonomy.
func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, ErrInvalidArguments):
		return CodeInvalidArgument, true
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrUnknownServer):
		return CodeNotFound, true
	case errors.Is(err, ErrTimedOut):
		return CodeDeadlineExceeded, true
	case errors.Is(err, ErrTransportFailure), errors.Is(err, ErrConnectionClosed):
		return CodeTransport, true
	case errors.Is(err, ErrProviderError):
		return CodeProvider, true
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrNoReadyConnection):
		return CodeUnavailable, true
	case errors.Is(err, ErrUnsupportedProtocol), errors.Is(err, ErrHandshakeRejected):
		return CodeFailedPrecond, true
	default:
		return "", false
	}
}

// NonRetryableHandshake reports handshake failures that must suspend a
// connection instead of entering the reconnect loop.
func NonRetryableHandshake(err error) bool {
	return errors.Is(err, ErrUnsupportedProtocol) || errors.Is(err, ErrHandshakeRejected)
}
