package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"econd/internal/domain"
	"econd/internal/infra/telemetry"
)

// Handler resolves one user message into a reply.
type Handler func(ctx context.Context, userID, text string, at time.Time) string

// InboundMessage is one frame from the messaging front end.
type InboundMessage struct {
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// OutboundMessage is the reply frame.
type OutboundMessage struct {
	User  string `json:"user"`
	Reply string `json:"reply"`
}

// Bridge exposes the engine to messaging clients over websocket. One
// goroutine per connection; turns within a connection resolve in order.
type Bridge struct {
	handler  Handler
	logger   *zap.Logger
	config   domain.BridgeConfig
	allowed  map[string]struct{}
	upgrader websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
}

func New(config domain.BridgeConfig, handler Handler, logger *zap.Logger) *Bridge {
	if handler == nil {
		panic("bridge requires a handler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var allowed map[string]struct{}
	if len(config.AllowedUsers) > 0 {
		allowed = make(map[string]struct{}, len(config.AllowedUsers))
		for _, user := range config.AllowedUsers {
			allowed[user] = struct{}{}
		}
	}
	return &Bridge{
		handler: handler,
		logger:  logger.Named("bridge"),
		config:  config,
		allowed: allowed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start serves the websocket endpoint until ctx is canceled.
func (b *Bridge) Start(ctx context.Context) error {
	addr := strings.TrimSpace(b.config.ListenAddress)
	if addr == "" {
		addr = domain.DefaultBridgeAddress
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		b.handleConnection(ctx, w, r)
	})

	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	b.mu.Lock()
	b.server = server
	b.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		b.logger.Info("bridge listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("bridge failed to start: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		b.logger.Info("bridge stopped")
		return nil
	}
}

func (b *Bridge) handleConnection(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		var msg InboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}

		if strings.TrimSpace(msg.User) == "" || strings.TrimSpace(msg.Text) == "" {
			b.writeError(conn, "user and text are required")
			continue
		}
		if !b.userAllowed(msg.User) {
			b.logger.Warn("rejected message from unknown user", telemetry.UserField(msg.User))
			b.writeError(conn, "user not allowed")
			continue
		}

		at := time.Now()
		if msg.Timestamp > 0 {
			at = time.Unix(msg.Timestamp, 0)
		}
		reply := b.handler(ctx, msg.User, msg.Text, at)

		if err := conn.WriteJSON(OutboundMessage{User: msg.User, Reply: reply}); err != nil {
			b.logger.Warn("write reply failed", telemetry.UserField(msg.User), zap.Error(err))
			return
		}
	}
}

func (b *Bridge) userAllowed(userID string) bool {
	if b.allowed == nil {
		return true
	}
	_, ok := b.allowed[userID]
	return ok
}

func (b *Bridge) writeError(conn *websocket.Conn, message string) {
	payload, _ := json.Marshal(map[string]string{"error": message})
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}
