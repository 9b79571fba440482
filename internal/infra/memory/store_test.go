package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"econd/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func makeTurn(i int) domain.Turn {
	return domain.Turn{
		ID:      fmt.Sprintf("turn-%d", i),
		At:      time.Date(2026, 8, 25, 12, 0, i, 0, time.UTC),
		Input:   fmt.Sprintf("mensaje %d", i),
		Action:  domain.ActionDirectAnswer,
		Outcome: domain.OutcomeDirect,
		Reply:   fmt.Sprintf("respuesta %d", i),
	}
}

func TestStoreAppendAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, "usuario-1", makeTurn(i)))
	}

	turns, err := store.Recent(ctx, "usuario-1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, "turn-2", turns[0].ID)
	require.Equal(t, "turn-4", turns[2].ID)
}

func TestStoreSessionsAreIsolated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "usuario-1", makeTurn(1)))
	require.NoError(t, store.Append(ctx, "usuario-2", makeTurn(2)))

	turns, err := store.Recent(ctx, "usuario-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "turn-1", turns[0].ID)
}

func TestStoreRecentUnknownSession(t *testing.T) {
	store := openTestStore(t)

	turns, err := store.Recent(context.Background(), "desconocido", 10)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestStoreClosed(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Close())

	err := store.Append(context.Background(), "usuario-1", makeTurn(1))
	require.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.Recent(context.Background(), "usuario-1", 1)
	require.ErrorIs(t, err, ErrStoreClosed)
}

func TestQueuePersistsAsync(t *testing.T) {
	store := openTestStore(t)
	queue := NewQueue(store, 16, nil)

	for i := 0; i < 4; i++ {
		queue.Enqueue("usuario-1", makeTurn(i))
	}
	queue.Close()

	turns, err := store.Recent(context.Background(), "usuario-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	require.Equal(t, "turn-0", turns[0].ID)
}

func TestQueueEnqueueAfterClose(t *testing.T) {
	store := openTestStore(t)
	queue := NewQueue(store, 4, nil)
	queue.Close()

	// Must not panic or block.
	queue.Enqueue("usuario-1", makeTurn(1))
}

func TestQueueCloseRacesEnqueue(t *testing.T) {
	store := openTestStore(t)

	for round := 0; round < 50; round++ {
		queue := NewQueue(store, 8, nil)

		var wg sync.WaitGroup
		for worker := 0; worker < 4; worker++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					queue.Enqueue("usuario-1", makeTurn(worker*20+i))
				}
			}(worker)
		}
		queue.Close()
		wg.Wait()
	}
}
