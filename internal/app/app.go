package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"econd/internal/agent/orchestrator"
	"econd/internal/agent/planner"
	"econd/internal/domain"
	"econd/internal/infra/bridge"
	"econd/internal/infra/catalog"
	"econd/internal/infra/dispatch"
	"econd/internal/infra/memory"
	"econd/internal/infra/probe"
	"econd/internal/infra/registry"
	"econd/internal/infra/retrieval"
	"econd/internal/infra/supervisor"
	"econd/internal/infra/telemetry"
	"econd/internal/infra/transport"
)

// App wires the engine together. Explicit construction, no container: the
// dependency graph reads top to bottom.
type App struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{logger: logger.Named("app")}
}

type ServeConfig struct {
	ConfigPath string
	MemoryPath string
}

type ValidateConfig struct {
	ConfigPath string
}

// Serve runs the engine until ctx is canceled.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	config, reg, err := registry.NewLoader(a.logger).Load(ctx, cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.logger.Info("config loaded",
		zap.Int("servers", reg.Len()),
		zap.String("path", cfg.ConfigPath),
	)

	promRegistry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(promRegistry)

	cat := catalog.New(a.logger)
	composite := transport.NewComposite(transport.CompositeOptions{
		Stdio: transport.NewStdioTransport(a.logger),
		HTTP:  transport.NewStreamableHTTPTransport(a.logger),
	})
	pinger := &probe.PingProbe{Timeout: 2 * time.Second}

	manager := supervisor.NewManager(supervisor.ManagerOptions{
		Definitions: config.Servers,
		Transport:   composite,
		Probe:       pinger,
		Catalog:     cat,
		Metrics:     metrics,
		Logger:      a.logger,
		Heartbeat:   config.Runtime.HeartbeatInterval(),
		MissedLimit: config.Runtime.MissedHeartbeatLimit,
	})

	dispatcher := dispatch.New(dispatch.Options{
		Catalog: cat,
		Metrics: metrics,
		Logger:  a.logger,
	})

	plan, err := planner.NewEinoPlanner(ctx, config.Runtime.Planner, metrics, a.logger)
	if err != nil {
		return fmt.Errorf("build planner: %w", err)
	}

	var retriever domain.Retriever
	if config.Runtime.RetrievalServer != "" {
		retriever = retrieval.New(retrieval.Options{
			Dispatcher: dispatcher,
			Server:     config.Runtime.RetrievalServer,
			Tool:       config.Runtime.RetrievalTool,
			Timeout:    config.Runtime.DispatchTimeout(),
			Logger:     a.logger,
		})
	}

	memoryPath := cfg.MemoryPath
	if memoryPath == "" {
		memoryPath = "econd-memory.db"
	}
	store, err := memory.OpenStore(memoryPath)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer func() { _ = store.Close() }()
	queue := memory.NewQueue(store, config.Runtime.PersistQueueSize, a.logger)
	defer queue.Close()

	orch := orchestrator.New(orchestrator.Options{
		Catalog:    cat,
		Dispatcher: dispatcher,
		Planner:    plan,
		Retriever:  retriever,
		Persister:  queue,
		Metrics:    metrics,
		Logger:     a.logger,
		Runtime:    config.Runtime,
	})

	manager.Start(ctx)
	defer manager.Shutdown()

	errChan := make(chan error, 2)
	go func() {
		errChan <- telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
			Addr:     config.Runtime.Observability.ListenAddress,
			Registry: promRegistry,
			Status:   manager,
		}, a.logger)
	}()

	msgBridge := bridge.New(config.Runtime.Bridge, orch.HandleMessage, a.logger)
	go func() {
		errChan <- msgBridge.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
		// One server exited cleanly; that only happens on shutdown.
		<-ctx.Done()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// ValidateConfig loads and validates the configuration without connecting
// to any provider.
func (a *App) ValidateConfig(ctx context.Context, cfg ValidateConfig) error {
	config, reg, err := registry.NewLoader(a.logger).Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}
	a.logger.Info("config valid",
		zap.Int("servers", reg.Len()),
		zap.String("retrievalServer", config.Runtime.RetrievalServer),
	)
	return nil
}
