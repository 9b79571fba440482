package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"econd/internal/domain"
)

// StdioTransport launches a provider process and speaks jsonrpc over its
// standard streams.
type StdioTransport struct {
	logger *zap.Logger
}

func NewStdioTransport(logger *zap.Logger) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{logger: logger}
}

func (t *StdioTransport) Dial(ctx context.Context, def domain.ServerDefinition) (domain.Conn, domain.StopFn, error) {
	if len(def.Cmd) == 0 {
		return nil, nil, errors.New("cmd is required for stdio transport")
	}

	cmd := exec.CommandContext(ctx, def.Cmd[0], def.Cmd[1:]...)
	if def.Cwd != "" {
		cmd.Dir = def.Cwd
	}
	cmd.Env = append(os.Environ(), formatEnv(def.Env)...)

	transport := &mcp.CommandTransport{Command: cmd}
	mcpConn, err := transport.Connect(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connect stdio: %w", err)
	}

	conn := newClientConn(mcpConn, t.logger.Named("stdio_conn"))
	stop := func(stopCtx context.Context) error {
		return conn.Close()
	}
	return conn, stop, nil
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}
