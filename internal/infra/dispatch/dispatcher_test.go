package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/require"

	"econd/internal/domain"
)

type fakeConn struct {
	delay  time.Duration
	result json.RawMessage
	err    error
}

func (f *fakeConn) Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		return nil, errors.New("not a request")
	}
	if req.Method != "tools/call" {
		return nil, fmt.Errorf("unexpected method %s", req.Method)
	}
	wire, err := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: req.ID, Result: f.result})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(wire), nil
}

func (f *fakeConn) Close() error { return nil }

type fakeCatalog struct {
	routes map[string]domain.Route
}

func (f *fakeCatalog) Lookup(qualified string) (domain.Route, error) {
	route, ok := f.routes[qualified]
	if !ok {
		return domain.Route{}, fmt.Errorf("%w: %s", domain.ErrToolNotFound, qualified)
	}
	return route, nil
}

func (f *fakeCatalog) Snapshot() []domain.ToolDescriptor { return nil }

func catalogWith(qualified string, conn domain.Conn) *fakeCatalog {
	server, name, _ := domain.SplitQualifiedName(qualified)
	return &fakeCatalog{routes: map[string]domain.Route{
		qualified: {
			Descriptor: domain.ToolDescriptor{Qualified: qualified, Server: server, Name: name},
			Conn:       conn,
		},
	}}
}

func TestInvokeSuccess(t *testing.T) {
	conn := &fakeConn{result: json.RawMessage(`{"content":[{"type":"text","text":"gasto registrado"}]}`)}
	d := New(Options{Catalog: catalogWith("finanzas.registrar_gasto", conn)})

	inv, err := d.Invoke(context.Background(), "finanzas.registrar_gasto",
		map[string]any{"amount": 500, "currency": "ARS", "category": "comida"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, domain.InvocationSucceeded, inv.State)
	require.Contains(t, string(inv.Result), "gasto registrado")
	require.NotEmpty(t, inv.ID)
}

func TestInvokeUnknownTool(t *testing.T) {
	d := New(Options{Catalog: &fakeCatalog{routes: map[string]domain.Route{}}})

	inv, err := d.Invoke(context.Background(), "clima.pronostico", nil, time.Second)
	require.Nil(t, inv)
	require.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestInvokeTimeout(t *testing.T) {
	conn := &fakeConn{delay: time.Second, result: json.RawMessage(`{}`)}
	d := New(Options{Catalog: catalogWith("finanzas.registrar_gasto", conn)})

	start := time.Now()
	inv, err := d.Invoke(context.Background(), "finanzas.registrar_gasto", nil, 30*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrTimedOut)
	require.Equal(t, domain.InvocationTimedOut, inv.State)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestInvokeTimeoutDoesNotAffectOtherServers(t *testing.T) {
	slow := &fakeConn{delay: time.Second, result: json.RawMessage(`{}`)}
	fast := &fakeConn{result: json.RawMessage(`{"content":[]}`)}
	cat := &fakeCatalog{routes: map[string]domain.Route{
		"lento.tardar": {
			Descriptor: domain.ToolDescriptor{Qualified: "lento.tardar", Server: "lento", Name: "tardar"},
			Conn:       slow,
		},
		"rapido.listo": {
			Descriptor: domain.ToolDescriptor{Qualified: "rapido.listo", Server: "rapido", Name: "listo"},
			Conn:       fast,
		},
	}}
	d := New(Options{Catalog: cat})

	slowErr := make(chan error, 1)
	go func() {
		_, err := d.Invoke(context.Background(), "lento.tardar", nil, 300*time.Millisecond)
		slowErr <- err
	}()

	inv, err := d.Invoke(context.Background(), "rapido.listo", nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, domain.InvocationSucceeded, inv.State)

	// The responsive server answered while the slow call is still pending.
	select {
	case err := <-slowErr:
		t.Fatalf("slow invocation resolved before its deadline: %v", err)
	default:
	}

	require.ErrorIs(t, <-slowErr, domain.ErrTimedOut)
}

func TestInvokeProviderError(t *testing.T) {
	conn := &fakeConn{result: json.RawMessage(`{"isError":true,"content":[{"type":"text","text":"cuenta no existe"}]}`)}
	d := New(Options{Catalog: catalogWith("finanzas.registrar_gasto", conn)})

	inv, err := d.Invoke(context.Background(), "finanzas.registrar_gasto", nil, time.Second)
	require.ErrorIs(t, err, domain.ErrProviderError)
	require.Contains(t, err.Error(), "cuenta no existe")
	require.Equal(t, domain.InvocationFailed, inv.State)
}

func TestInvokeTransportFailure(t *testing.T) {
	conn := &fakeConn{err: domain.ErrConnectionClosed}
	d := New(Options{Catalog: catalogWith("finanzas.registrar_gasto", conn)})

	inv, err := d.Invoke(context.Background(), "finanzas.registrar_gasto", nil, time.Second)
	require.ErrorIs(t, err, domain.ErrTransportFailure)
	require.Equal(t, domain.InvocationFailed, inv.State)
}
