package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"econd/internal/domain"
)

// StreamableHTTPTransport reaches providers exposed over the streamable
// HTTP binding instead of a child process.
type StreamableHTTPTransport struct {
	logger *zap.Logger
}

func NewStreamableHTTPTransport(logger *zap.Logger) *StreamableHTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamableHTTPTransport{logger: logger}
}

func (t *StreamableHTTPTransport) Dial(ctx context.Context, def domain.ServerDefinition) (domain.Conn, domain.StopFn, error) {
	endpoint := strings.TrimSpace(def.Endpoint)
	if endpoint == "" {
		return nil, nil, errors.New("endpoint is required for http transport")
	}

	headers := http.Header{}
	if def.ProtocolVersion != "" {
		headers.Set("Mcp-Protocol-Version", def.ProtocolVersion)
	}
	client := &http.Client{
		Transport: &headerRoundTripper{
			base:    http.DefaultTransport,
			headers: headers,
		},
	}

	transport := &mcp.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: client,
	}
	mcpConn, err := transport.Connect(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connect streamable http: %w", err)
	}

	conn := newClientConn(mcpConn, t.logger.Named("http_conn"))
	stop := func(stopCtx context.Context) error {
		return conn.Close()
	}
	return conn, stop, nil
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers http.Header
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, values := range h.headers {
		req.Header.Del(key)
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return h.base.RoundTrip(req)
}
