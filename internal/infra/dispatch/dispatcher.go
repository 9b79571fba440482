package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"

	"econd/internal/domain"
	"econd/internal/infra/telemetry"
)

// Dispatcher executes one tool call against the provider that owns it. Each
// invocation gets a deadline and resolves exactly once; a slow provider can
// time out a call, never the engine. Retries are a caller decision.
type Dispatcher struct {
	catalog domain.CatalogReader
	metrics domain.Metrics
	logger  *zap.Logger
}

type Options struct {
	Catalog domain.CatalogReader
	Metrics domain.Metrics
	Logger  *zap.Logger
}

func New(opts Options) *Dispatcher {
	if opts.Catalog == nil {
		panic("dispatch.Dispatcher requires a catalog")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Dispatcher{
		catalog: opts.Catalog,
		metrics: metrics,
		logger:  logger.Named("dispatch"),
	}
}

func (d *Dispatcher) Invoke(ctx context.Context, qualified string, args map[string]any, timeout time.Duration) (*domain.Invocation, error) {
	route, err := d.catalog.Lookup(qualified)
	if err != nil {
		// Unknown tool: resolved before any provider I/O.
		return nil, err
	}

	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultDispatchTimeoutSeconds) * time.Second
	}

	inv := &domain.Invocation{
		ID:        uuid.NewString(),
		Tool:      qualified,
		Arguments: args,
		Deadline:  time.Now().Add(timeout),
		State:     domain.InvocationPending,
	}

	wire, err := encodeCall(inv.ID, route.Descriptor.Name, args)
	if err != nil {
		inv.State = domain.InvocationFailed
		inv.Err = err
		return inv, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	inv.State = domain.InvocationSent
	raw, err := route.Conn.Call(callCtx, wire)
	elapsed := time.Since(started)
	d.metrics.ObserveDispatch(route.Descriptor.Server, elapsed, err)

	if err != nil {
		return d.resolveFailure(inv, route.Descriptor.Server, elapsed, err)
	}

	result, err := decodeCallResult(raw)
	if err != nil {
		return d.resolveFailure(inv, route.Descriptor.Server, elapsed, err)
	}

	inv.State = domain.InvocationSucceeded
	inv.Result = result
	return inv, nil
}

func (d *Dispatcher) resolveFailure(inv *domain.Invocation, server string, elapsed time.Duration, err error) (*domain.Invocation, error) {
	classified := classify(err)
	if errors.Is(classified, domain.ErrTimedOut) {
		inv.State = domain.InvocationTimedOut
	} else {
		inv.State = domain.InvocationFailed
	}
	inv.Err = classified

	d.logger.Warn("invocation failed",
		telemetry.EventField(telemetry.EventDispatchError),
		telemetry.ServerField(server),
		telemetry.ToolField(inv.Tool),
		telemetry.InvocationField(inv.ID),
		telemetry.DurationField(elapsed),
		zap.Error(classified),
	)
	return inv, classified
}

// classify folds transport-level failures into the invocation taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", domain.ErrTimedOut, err.Error())
	case errors.Is(err, domain.ErrConnectionClosed):
		return fmt.Errorf("%w: %s", domain.ErrTransportFailure, err.Error())
	case errors.Is(err, domain.ErrProviderError), errors.Is(err, domain.ErrTimedOut),
		errors.Is(err, domain.ErrTransportFailure):
		return err
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s", domain.ErrTimedOut, err.Error())
	default:
		return fmt.Errorf("%w: %s", domain.ErrTransportFailure, err.Error())
	}
}

func encodeCall(invocationID, tool string, args map[string]any) (json.RawMessage, error) {
	id, err := jsonrpc.MakeID(invocationID)
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}
	params, err := json.Marshal(map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal call params: %w", err)
	}
	wire, err := jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     id,
		Method: "tools/call",
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}
	return json.RawMessage(wire), nil
}

func decodeCallResult(raw json.RawMessage) (json.RawMessage, error) {
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("decode call response: %w", err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, errors.New("call response is not a response message")
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderError, resp.Error.Error())
	}

	// tools/call reports tool-level failures in-band via isError.
	var body struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &body); err == nil && body.IsError {
		detail := "tool execution failed"
		if len(body.Content) > 0 && body.Content[0].Text != "" {
			detail = body.Content[0].Text
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	}

	return resp.Result, nil
}
