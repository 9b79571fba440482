package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"econd/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
servers:
  - id: finanzas
    transport: stdio
    cmd: ["python", "finanzas_server.py"]
    capabilities: ["finanzas", "gastos"]
    restart:
      maxAttempts: 3
      backoffBaseSeconds: 2
      backoffCapSeconds: 20
  - id: rag
    transport: http
    endpoint: http://127.0.0.1:8700/mcp
    capabilities: ["retrieval"]
retrievalServer: rag
dispatchTimeoutSeconds: 10
turnBudgetSeconds: 30
`)

	cfg, reg, err := NewLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	finanzas, err := reg.Find("finanzas")
	require.NoError(t, err)
	require.Equal(t, domain.TransportStdio, finanzas.Transport)
	require.Equal(t, []string{"python", "finanzas_server.py"}, finanzas.Cmd)
	require.Equal(t, 3, finanzas.Restart.MaxAttempts)
	require.Equal(t, 2*time.Second, finanzas.Restart.BackoffBase)
	require.Equal(t, 20*time.Second, finanzas.Restart.BackoffCap)
	require.Equal(t, domain.DefaultProtocolVersion, finanzas.ProtocolVersion)

	rag, err := reg.Find("rag")
	require.NoError(t, err)
	require.Equal(t, domain.TransportHTTP, rag.Transport)
	require.Equal(t, "http://127.0.0.1:8700/mcp", rag.Endpoint)
	require.Equal(t, domain.DefaultRestartMaxAttempts, rag.Restart.MaxAttempts)

	require.Equal(t, 10, cfg.Runtime.DispatchTimeoutSeconds)
	require.Equal(t, 30, cfg.Runtime.TurnBudgetSeconds)
	require.Equal(t, domain.DefaultHeartbeatSeconds, cfg.Runtime.HeartbeatSeconds)
	require.Equal(t, domain.DefaultRetrievalTool, cfg.Runtime.RetrievalTool)
	require.Equal(t, "rag", cfg.Runtime.RetrievalServer)
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("FINANZAS_DB", "/var/lib/econd/finanzas.db")
	path := writeConfig(t, `
servers:
  - id: finanzas
    transport: stdio
    cmd: ["python", "finanzas_server.py"]
    env:
      DATABASE_PATH: ${FINANZAS_DB}
`)

	cfg, _, err := NewLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/econd/finanzas.db", cfg.Servers[0].Env["DATABASE_PATH"])
}

func TestLoadMissingEnvBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
servers:
  - id: finanzas
    transport: stdio
    cmd: ["python", "finanzas_server.py"]
    env:
      API_KEY: ${ECOND_TEST_UNSET_VARIABLE}
`)

	cfg, _, err := NewLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "", cfg.Servers[0].Env["API_KEY"])
}

func TestLoadValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "missing id",
			content: `
servers:
  - transport: stdio
    cmd: ["python", "srv.py"]
`,
			want: "servers[0]: id is required",
		},
		{
			name: "stdio without cmd",
			content: `
servers:
  - id: finanzas
    transport: stdio
`,
			want: "servers[0]: cmd is required for stdio transport",
		},
		{
			name: "http without endpoint",
			content: `
servers:
  - id: rag
    transport: http
`,
			want: "servers[0]: endpoint is required for http transport",
		},
		{
			name: "http with bad endpoint",
			content: `
servers:
  - id: rag
    transport: http
    endpoint: not-a-url
`,
			want: "servers[0]: endpoint must be a valid http(s) URL",
		},
		{
			name: "backoff cap below base",
			content: `
servers:
  - id: finanzas
    transport: stdio
    cmd: ["python", "srv.py"]
    restart:
      backoffBaseSeconds: 10
      backoffCapSeconds: 5
`,
			want: "servers[0]: restart.backoffCapSeconds must be >= restart.backoffBaseSeconds",
		},
		{
			name:    "no servers",
			content: `servers: []`,
			want:    "at least one server is required",
		},
		{
			name: "unknown retrieval server",
			content: `
servers:
  - id: finanzas
    transport: stdio
    cmd: ["python", "srv.py"]
retrievalServer: rag
`,
			want: `retrievalServer "rag" does not name a configured server`,
		},
		{
			name: "dispatch timeout above turn budget",
			content: `
servers:
  - id: finanzas
    transport: stdio
    cmd: ["python", "srv.py"]
dispatchTimeoutSeconds: 60
turnBudgetSeconds: 30
`,
			want: "dispatchTimeoutSeconds must be <= turnBudgetSeconds",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, _, err := NewLoader(nil).Load(context.Background(), path)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRegistryDuplicateID(t *testing.T) {
	_, err := New([]domain.ServerDefinition{
		{ID: "finanzas"},
		{ID: "finanzas"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), `duplicate id "finanzas"`)
}

func TestRegistryFindByCapability(t *testing.T) {
	reg, err := New([]domain.ServerDefinition{
		{ID: "finanzas", Capabilities: []string{"finanzas", "gastos"}},
		{ID: "calendar", Capabilities: []string{"agenda"}},
		{ID: "rag", Capabilities: []string{"retrieval"}},
	})
	require.NoError(t, err)

	got := reg.FindByCapability("retrieval")
	require.Len(t, got, 1)
	require.Equal(t, "rag", got[0].ID)

	require.Empty(t, reg.FindByCapability("clima"))
}

func TestRegistryFindUnknown(t *testing.T) {
	reg, err := New([]domain.ServerDefinition{{ID: "finanzas"}})
	require.NoError(t, err)

	_, err = reg.Find("clima")
	require.ErrorIs(t, err, domain.ErrUnknownServer)
}
