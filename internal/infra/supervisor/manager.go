package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"econd/internal/domain"
)

// Manager runs one supervised Connection per configured server. A failure in
// one connection never touches the others.
type Manager struct {
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[string]*Connection
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ManagerOptions struct {
	Definitions []domain.ServerDefinition
	Transport   domain.Transport
	Probe       domain.Probe
	Catalog     domain.CatalogWriter
	Metrics     domain.Metrics
	Logger      *zap.Logger
	Heartbeat   time.Duration
	MissedLimit int
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	conns := make(map[string]*Connection, len(opts.Definitions))
	for _, def := range opts.Definitions {
		conns[def.ID] = NewConnection(ConnectionOptions{
			Definition:        def,
			Transport:         opts.Transport,
			Probe:             opts.Probe,
			Catalog:           opts.Catalog,
			Metrics:           opts.Metrics,
			Logger:            logger,
			HeartbeatInterval: opts.Heartbeat,
			MissedLimit:       opts.MissedLimit,
		})
	}

	return &Manager{
		logger: logger.Named("supervisor"),
		conns:  conns,
	}
}

// Start launches supervision for every configured server.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for id, conn := range m.conns {
		m.wg.Add(1)
		go func(id string, conn *Connection) {
			defer m.wg.Done()
			conn.Run(runCtx)
		}(id, conn)
	}
	m.logger.Info("supervision started", zap.Int("servers", len(m.conns)))
}

// Shutdown stops supervision and waits for every connection to reach a
// terminal state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Info("supervision stopped")
}

// Status reports the current state of every supervised connection.
func (m *Manager) Status() map[string]domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.ConnState, len(m.conns))
	for id, conn := range m.conns {
		out[id] = conn.State()
	}
	return out
}
