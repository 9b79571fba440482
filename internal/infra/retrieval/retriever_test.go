package retrieval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"econd/internal/domain"
)

type fakeDispatcher struct {
	lastQualified string
	lastArgs      map[string]any
	result        json.RawMessage
	err           error
}

func (f *fakeDispatcher) Invoke(ctx context.Context, qualified string, args map[string]any, timeout time.Duration) (*domain.Invocation, error) {
	f.lastQualified = qualified
	f.lastArgs = args
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Invocation{State: domain.InvocationSucceeded, Result: f.result}, nil
}

func TestRetrieveStructuredPassages(t *testing.T) {
	dispatcher := &fakeDispatcher{
		result: json.RawMessage(`{"passages":[
			{"text":"El dólar oficial cotiza a 1450 pesos.","score":0.91},
			{"text":"El dólar blue cerró en 1480.","score":0.85}
		]}`),
	}
	r := New(Options{Dispatcher: dispatcher, Server: "rag"})

	passages, err := r.Retrieve(context.Background(), "cotización del dólar hoy", 3)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	require.Equal(t, "rag.buscar_informacion", dispatcher.lastQualified)
	require.Equal(t, "cotización del dólar hoy", dispatcher.lastArgs["query"])
	require.Greater(t, passages[0].Score, passages[1].Score)
}

func TestRetrieveContentBlocks(t *testing.T) {
	dispatcher := &fakeDispatcher{
		result: json.RawMessage(`{"content":[
			{"type":"text","text":"Registrar un gasto requiere monto y categoría."},
			{"type":"image","text":"ignorado"}
		]}`),
	}
	r := New(Options{Dispatcher: dispatcher, Server: "rag", Tool: "consultar_docs"})

	passages, err := r.Retrieve(context.Background(), "cómo registro un gasto", 3)
	require.NoError(t, err)
	require.Len(t, passages, 1)
	require.Equal(t, "rag.consultar_docs", dispatcher.lastQualified)
}

func TestRetrieveLimitApplied(t *testing.T) {
	dispatcher := &fakeDispatcher{
		result: json.RawMessage(`{"passages":[
			{"text":"uno"},{"text":"dos"},{"text":"tres"},{"text":"cuatro"}
		]}`),
	}
	r := New(Options{Dispatcher: dispatcher, Server: "rag"})

	passages, err := r.Retrieve(context.Background(), "consulta", 2)
	require.NoError(t, err)
	require.Len(t, passages, 2)
}

func TestRetrievePropagatesDispatchError(t *testing.T) {
	dispatcher := &fakeDispatcher{err: domain.ErrTimedOut}
	r := New(Options{Dispatcher: dispatcher, Server: "rag"})

	_, err := r.Retrieve(context.Background(), "consulta", 3)
	require.ErrorIs(t, err, domain.ErrTimedOut)
}

func TestRetrieveEmptyResult(t *testing.T) {
	dispatcher := &fakeDispatcher{result: json.RawMessage(`{}`)}
	r := New(Options{Dispatcher: dispatcher, Server: "rag"})

	passages, err := r.Retrieve(context.Background(), "consulta", 3)
	require.NoError(t, err)
	require.Empty(t, passages)
}
