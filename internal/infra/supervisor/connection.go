package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"econd/internal/domain"
	"econd/internal/infra/telemetry"
)

const handshakeTimeout = 10 * time.Second

// A degraded connection that keeps missing pings past this multiple of the
// configured limit is torn down and rebuilt.
const teardownMissFactor = 2

// Connection supervises one provider: dial, handshake, publish, heartbeat,
// reconnect with bounded backoff. Run owns the full lifecycle; the state is
// observable but never driven from outside.
type Connection struct {
	def       domain.ServerDefinition
	transport domain.Transport
	probe     domain.Probe
	catalog   domain.CatalogWriter
	metrics   domain.Metrics
	logger    *zap.Logger
	rng       *rand.Rand

	heartbeatInterval time.Duration
	missedLimit       int

	mu    sync.Mutex
	state domain.ConnState
	conn  domain.Conn
	stop  domain.StopFn
	tools []domain.ToolDescriptor
}

type ConnectionOptions struct {
	Definition        domain.ServerDefinition
	Transport         domain.Transport
	Probe             domain.Probe
	Catalog           domain.CatalogWriter
	Metrics           domain.Metrics
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	MissedLimit       int
}

func NewConnection(opts ConnectionOptions) *Connection {
	if opts.Transport == nil {
		panic("supervisor.Connection requires a transport")
	}
	if opts.Catalog == nil {
		panic("supervisor.Connection requires a catalog writer")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = time.Duration(domain.DefaultHeartbeatSeconds) * time.Second
	}
	missedLimit := opts.MissedLimit
	if missedLimit <= 0 {
		missedLimit = domain.DefaultMissedHeartbeatLimit
	}
	return &Connection{
		def:               opts.Definition,
		transport:         opts.Transport,
		probe:             opts.Probe,
		catalog:           opts.Catalog,
		metrics:           metrics,
		logger:            logger.Named("conn").With(telemetry.ServerField(opts.Definition.ID)),
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		heartbeatInterval: heartbeat,
		missedLimit:       missedLimit,
		state:             domain.ConnDisconnected,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the connection until ctx is canceled or the restart policy is
// exhausted. It always leaves the connection in a terminal state.
func (c *Connection) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.shutdown(ctx)
			return
		}

		c.setState(domain.ConnConnecting)
		c.logger.Info("connecting",
			telemetry.EventField(telemetry.EventConnectAttempt),
			telemetry.AttemptField(attempt+1),
		)

		conn, stop, err := c.transport.Dial(ctx, c.def)
		if err != nil {
			c.logger.Warn("connect failed",
				telemetry.EventField(telemetry.EventConnectFailure),
				telemetry.AttemptField(attempt+1),
				zap.Error(err),
			)
			attempt++
			if !c.waitBackoff(ctx, attempt) {
				return
			}
			continue
		}
		c.setConn(conn, stop)

		c.setState(domain.ConnHandshaking)
		tools, err := c.handshake(ctx, conn)
		if err != nil {
			c.logger.Warn("handshake failed",
				telemetry.EventField(telemetry.EventHandshakeFailure),
				zap.Error(err),
			)
			c.teardown(ctx)
			if domain.NonRetryableHandshake(err) {
				c.suspend()
				return
			}
			attempt++
			if !c.waitBackoff(ctx, attempt) {
				return
			}
			continue
		}

		c.setTools(tools)
		c.catalog.PublishServer(c.def.ID, conn, tools)
		c.setState(domain.ConnReady)
		c.logger.Info("ready",
			telemetry.EventField(telemetry.EventReady),
			zap.Int("tools", len(tools)),
		)
		attempt = 0

		again := c.heartbeatLoop(ctx, conn)
		c.catalog.RetractServer(c.def.ID)
		c.teardown(ctx)
		if !again {
			c.shutdown(ctx)
			return
		}

		c.setState(domain.ConnReconnecting)
		c.logger.Info("reconnecting", telemetry.EventField(telemetry.EventReconnecting))
		attempt++
		if !c.waitBackoff(ctx, attempt) {
			return
		}
	}
}

// heartbeatLoop pings until the connection must be rebuilt. Returns true when
// supervision should reconnect, false on shutdown.
func (c *Connection) heartbeatLoop(ctx context.Context, conn domain.Conn) bool {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		if c.probe == nil {
			continue
		}
		if err := c.probe.Ping(ctx, conn); err != nil {
			if ctx.Err() != nil {
				return false
			}
			misses++
			c.logger.Warn("heartbeat missed",
				telemetry.EventField(telemetry.EventHeartbeatMiss),
				zap.Int("misses", misses),
				zap.Error(err),
			)
			if errors.Is(err, domain.ErrConnectionClosed) || misses >= c.missedLimit*teardownMissFactor {
				return true
			}
			if misses == c.missedLimit {
				c.catalog.RetractServer(c.def.ID)
				c.setState(domain.ConnDegraded)
				c.logger.Warn("degraded", telemetry.EventField(telemetry.EventDegraded))
			}
			continue
		}

		if misses >= c.missedLimit {
			c.catalog.PublishServer(c.def.ID, conn, c.currentTools())
			c.setState(domain.ConnReady)
			c.logger.Info("recovered", telemetry.EventField(telemetry.EventReady))
		}
		misses = 0
	}
}

// handshake runs initialize and tools/list against a fresh connection.
func (c *Connection) handshake(ctx context.Context, conn domain.Conn) ([]domain.ToolDescriptor, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := c.initialize(hsCtx, conn); err != nil {
		return nil, err
	}
	return c.listTools(hsCtx, conn)
}

func (c *Connection) initialize(ctx context.Context, conn domain.Conn) error {
	params := &mcp.InitializeParams{
		ProtocolVersion: c.def.ProtocolVersion,
		ClientInfo: &mcp.Implementation{
			Name:    "econd",
			Version: "0.1.0",
		},
		Capabilities: &mcp.ClientCapabilities{},
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal initialize params: %w", err)
	}

	resp, err := c.roundTrip(ctx, conn, "initialize", rawParams)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%w: %s", domain.ErrHandshakeRejected, resp.Error.Error())
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("%w: initialize response missing result", domain.ErrHandshakeRejected)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("%w: decode initialize result: %s", domain.ErrHandshakeRejected, err.Error())
	}
	if result.ProtocolVersion != c.def.ProtocolVersion {
		return fmt.Errorf("%w: provider speaks %s, expected %s",
			domain.ErrUnsupportedProtocol, result.ProtocolVersion, c.def.ProtocolVersion)
	}

	// The initialized notification completes the handshake on the provider
	// side; its absence makes some servers refuse tools/list.
	notify := &jsonrpc.Request{Method: "notifications/initialized"}
	wire, err := jsonrpc.EncodeMessage(notify)
	if err != nil {
		return fmt.Errorf("encode initialized notification: %w", err)
	}
	if writer, ok := conn.(interface {
		Notify(ctx context.Context, payload json.RawMessage) error
	}); ok {
		if err := writer.Notify(ctx, wire); err != nil {
			return fmt.Errorf("send initialized notification: %w", err)
		}
	}
	return nil
}

type toolsListResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

func (c *Connection) listTools(ctx context.Context, conn domain.Conn) ([]domain.ToolDescriptor, error) {
	resp, err := c.roundTrip(ctx, conn, "tools/list", json.RawMessage(`{}`))
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: tools/list: %s", domain.ErrHandshakeRejected, resp.Error.Error())
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: decode tools/list result: %s", domain.ErrHandshakeRejected, err.Error())
	}

	tools := make([]domain.ToolDescriptor, 0, len(result.Tools))
	for _, tool := range result.Tools {
		if tool.Name == "" {
			continue
		}
		tools = append(tools, domain.ToolDescriptor{
			Qualified:   domain.QualifiedToolName(c.def.ID, tool.Name),
			Server:      c.def.ID,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return tools, nil
}

var handshakeIDSeq atomic.Uint64

func (c *Connection) roundTrip(ctx context.Context, conn domain.Conn, method string, params json.RawMessage) (*jsonrpc.Response, error) {
	seq := handshakeIDSeq.Add(1)
	id, err := jsonrpc.MakeID(fmt.Sprintf("%s-%s-%d", c.def.ID, method, seq))
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}
	wire, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	raw, err := conn.Call(ctx, wire)
	if err != nil {
		return nil, err
	}
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, fmt.Errorf("%s response is not a response message", method)
	}
	return resp, nil
}

// waitBackoff sleeps the jittered backoff for the attempt. Returns false when
// supervision must stop, leaving the state terminal.
func (c *Connection) waitBackoff(ctx context.Context, attempt int) bool {
	if c.def.Restart.Exhausted(attempt) {
		c.suspend()
		return false
	}

	delay := domain.Jitter(c.def.Restart.BackoffDelay(attempt), c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.shutdown(ctx)
		return false
	case <-timer.C:
		return true
	}
}

// suspend marks the connection unavailable until a restart of the engine.
func (c *Connection) suspend() {
	c.catalog.RetractServer(c.def.ID)
	c.setState(domain.ConnUnavailable)
	c.logger.Error("suspended", telemetry.EventField(telemetry.EventUnavailable))
}

func (c *Connection) shutdown(ctx context.Context) {
	c.catalog.RetractServer(c.def.ID)
	c.teardown(ctx)
	c.setState(domain.ConnClosed)
	c.logger.Info("closed", telemetry.EventField(telemetry.EventClosed))
}

func (c *Connection) teardown(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	stop := c.stop
	c.conn = nil
	c.stop = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if stop != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := stop(stopCtx); err != nil {
			c.logger.Warn("teardown failed", zap.Error(err))
		}
	}
}

func (c *Connection) setState(state domain.ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.metrics.SetConnState(c.def.ID, state)
}

func (c *Connection) setConn(conn domain.Conn, stop domain.StopFn) {
	c.mu.Lock()
	c.conn = conn
	c.stop = stop
	c.mu.Unlock()
}

func (c *Connection) setTools(tools []domain.ToolDescriptor) {
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
}

func (c *Connection) currentTools() []domain.ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}
