package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"econd/internal/domain"
)

func dialTestBridge(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.handleConnection(context.Background(), w, r)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func echoHandler(ctx context.Context, userID, text string, at time.Time) string {
	return fmt.Sprintf("hola %s: %s", userID, text)
}

func TestBridgeRoundTrip(t *testing.T) {
	b := New(domain.BridgeConfig{}, echoHandler, nil)
	conn := dialTestBridge(t, b)

	require.NoError(t, conn.WriteJSON(InboundMessage{User: "usuario-1", Text: "buen día"}))

	var reply OutboundMessage
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "usuario-1", reply.User)
	require.Equal(t, "hola usuario-1: buen día", reply.Reply)
}

func TestBridgeRejectsUnknownUser(t *testing.T) {
	b := New(domain.BridgeConfig{AllowedUsers: []string{"usuario-1"}}, echoHandler, nil)
	conn := dialTestBridge(t, b)

	require.NoError(t, conn.WriteJSON(InboundMessage{User: "intruso", Text: "hola"}))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var errFrame map[string]string
	require.NoError(t, json.Unmarshal(raw, &errFrame))
	require.Equal(t, "user not allowed", errFrame["error"])
}

func TestBridgeRejectsEmptyFrames(t *testing.T) {
	b := New(domain.BridgeConfig{}, echoHandler, nil)
	conn := dialTestBridge(t, b)

	require.NoError(t, conn.WriteJSON(InboundMessage{User: "usuario-1"}))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(raw), "required")
}

func TestBridgeOrdersRepliesWithinConnection(t *testing.T) {
	b := New(domain.BridgeConfig{}, func(ctx context.Context, userID, text string, at time.Time) string {
		return text
	}, nil)
	conn := dialTestBridge(t, b)

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteJSON(InboundMessage{User: "usuario-1", Text: fmt.Sprintf("m%d", i)}))
	}
	for i := 0; i < 5; i++ {
		var reply OutboundMessage
		require.NoError(t, conn.ReadJSON(&reply))
		require.Equal(t, fmt.Sprintf("m%d", i), reply.Reply)
	}
}

func TestBridgePassesTimestamp(t *testing.T) {
	var seen time.Time
	b := New(domain.BridgeConfig{}, func(ctx context.Context, userID, text string, at time.Time) string {
		seen = at
		return "ok"
	}, nil)
	conn := dialTestBridge(t, b)

	stamp := time.Date(2026, 6, 18, 17, 0, 0, 0, time.UTC).Unix()
	require.NoError(t, conn.WriteJSON(InboundMessage{User: "usuario-1", Text: "agendame reunion", Timestamp: stamp}))

	var reply OutboundMessage
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, stamp, seen.Unix())
}
