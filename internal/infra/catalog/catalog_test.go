package catalog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"econd/internal/domain"
)

type stubConn struct{ id string }

func (s *stubConn) Call(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (s *stubConn) Close() error { return nil }

func descriptors(server string, names ...string) []domain.ToolDescriptor {
	out := make([]domain.ToolDescriptor, 0, len(names))
	for _, name := range names {
		out = append(out, domain.ToolDescriptor{
			Qualified: domain.QualifiedToolName(server, name),
			Server:    server,
			Name:      name,
		})
	}
	return out
}

func TestCatalogPublishAndLookup(t *testing.T) {
	cat := New(nil)
	conn := &stubConn{id: "finanzas"}
	cat.PublishServer("finanzas", conn, descriptors("finanzas", "registrar_gasto", "consultar_saldo"))

	route, err := cat.Lookup("finanzas.registrar_gasto")
	require.NoError(t, err)
	require.Equal(t, "registrar_gasto", route.Descriptor.Name)
	require.Same(t, conn, route.Conn)

	_, err = cat.Lookup("finanzas.no_existe")
	require.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestCatalogQualifiedNamesAvoidCollision(t *testing.T) {
	cat := New(nil)
	cat.PublishServer("finanzas", &stubConn{id: "finanzas"}, descriptors("finanzas", "buscar"))
	cat.PublishServer("rag", &stubConn{id: "rag"}, descriptors("rag", "buscar"))

	finanzas, err := cat.Lookup("finanzas.buscar")
	require.NoError(t, err)
	rag, err := cat.Lookup("rag.buscar")
	require.NoError(t, err)
	require.NotSame(t, finanzas.Conn, rag.Conn)
}

func TestCatalogRepublishReplacesServer(t *testing.T) {
	cat := New(nil)
	cat.PublishServer("finanzas", &stubConn{}, descriptors("finanzas", "registrar_gasto", "viejo"))
	cat.PublishServer("finanzas", &stubConn{}, descriptors("finanzas", "registrar_gasto"))

	_, err := cat.Lookup("finanzas.viejo")
	require.ErrorIs(t, err, domain.ErrToolNotFound)
	require.Equal(t, 1, cat.Len())
}

func TestCatalogRetractServer(t *testing.T) {
	cat := New(nil)
	cat.PublishServer("finanzas", &stubConn{}, descriptors("finanzas", "registrar_gasto"))
	cat.PublishServer("rag", &stubConn{}, descriptors("rag", "buscar_informacion"))

	cat.RetractServer("finanzas")

	_, err := cat.Lookup("finanzas.registrar_gasto")
	require.ErrorIs(t, err, domain.ErrToolNotFound)
	_, err = cat.Lookup("rag.buscar_informacion")
	require.NoError(t, err)

	// Retract twice; second is a no-op.
	cat.RetractServer("finanzas")
	require.Equal(t, 1, cat.Len())
}

func TestCatalogSnapshotSorted(t *testing.T) {
	cat := New(nil)
	cat.PublishServer("rag", &stubConn{}, descriptors("rag", "buscar_informacion"))
	cat.PublishServer("finanzas", &stubConn{}, descriptors("finanzas", "registrar_gasto", "consultar_saldo"))

	snap := cat.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "finanzas.consultar_saldo", snap[0].Qualified)
	require.Equal(t, "finanzas.registrar_gasto", snap[1].Qualified)
	require.Equal(t, "rag.buscar_informacion", snap[2].Qualified)
}

func TestCatalogConcurrentAccess(t *testing.T) {
	cat := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cat.PublishServer("finanzas", &stubConn{}, descriptors("finanzas", "registrar_gasto"))
				cat.RetractServer("finanzas")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = cat.Lookup("finanzas.registrar_gasto")
				_ = cat.Snapshot()
			}
		}()
	}
	wg.Wait()
}
