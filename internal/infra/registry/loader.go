package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"econd/internal/domain"
)

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("registry")}
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setRuntimeDefaults(v)
	return v
}

func setRuntimeDefaults(v *viper.Viper) {
	v.SetDefault("dispatchTimeoutSeconds", domain.DefaultDispatchTimeoutSeconds)
	v.SetDefault("turnBudgetSeconds", domain.DefaultTurnBudgetSeconds)
	v.SetDefault("heartbeatSeconds", domain.DefaultHeartbeatSeconds)
	v.SetDefault("missedHeartbeatLimit", domain.DefaultMissedHeartbeatLimit)
	v.SetDefault("historyLimit", domain.DefaultHistoryLimit)
	v.SetDefault("summaryAfterTurns", domain.DefaultSummaryAfterTurns)
	v.SetDefault("confidenceThreshold", domain.DefaultConfidenceThreshold)
	v.SetDefault("retrievalTool", domain.DefaultRetrievalTool)
	v.SetDefault("persistQueueSize", domain.DefaultPersistQueueSize)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityAddress)
	v.SetDefault("bridge.listenAddress", domain.DefaultBridgeAddress)
	v.SetDefault("planner.provider", "openai")
}

type rawConfig struct {
	Servers          []rawServerDefinition `mapstructure:"servers"`
	rawRuntimeConfig `mapstructure:",squash"`
}

type rawServerDefinition struct {
	ID              string            `mapstructure:"id"`
	Transport       string            `mapstructure:"transport"`
	Cmd             []string          `mapstructure:"cmd"`
	Env             map[string]string `mapstructure:"env"`
	Cwd             string            `mapstructure:"cwd"`
	Endpoint        string            `mapstructure:"endpoint"`
	Capabilities    []string          `mapstructure:"capabilities"`
	ProtocolVersion string            `mapstructure:"protocolVersion"`
	Restart         rawRestartPolicy  `mapstructure:"restart"`
}

type rawRestartPolicy struct {
	MaxAttempts        int `mapstructure:"maxAttempts"`
	BackoffBaseSeconds int `mapstructure:"backoffBaseSeconds"`
	BackoffCapSeconds  int `mapstructure:"backoffCapSeconds"`
}

type rawRuntimeConfig struct {
	DispatchTimeoutSeconds int                    `mapstructure:"dispatchTimeoutSeconds"`
	TurnBudgetSeconds      int                    `mapstructure:"turnBudgetSeconds"`
	HeartbeatSeconds       int                    `mapstructure:"heartbeatSeconds"`
	MissedHeartbeatLimit   int                    `mapstructure:"missedHeartbeatLimit"`
	HistoryLimit           int                    `mapstructure:"historyLimit"`
	SummaryAfterTurns      int                    `mapstructure:"summaryAfterTurns"`
	ConfidenceThreshold    float64                `mapstructure:"confidenceThreshold"`
	RetrievalServer        string                 `mapstructure:"retrievalServer"`
	RetrievalTool          string                 `mapstructure:"retrievalTool"`
	PersistQueueSize       int                    `mapstructure:"persistQueueSize"`
	Observability          rawObservabilityConfig `mapstructure:"observability"`
	Bridge                 rawBridgeConfig        `mapstructure:"bridge"`
	Planner                rawPlannerConfig       `mapstructure:"planner"`
}

type rawObservabilityConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

type rawBridgeConfig struct {
	ListenAddress string   `mapstructure:"listenAddress"`
	AllowedUsers  []string `mapstructure:"allowedUsers"`
}

type rawPlannerConfig struct {
	Provider     string `mapstructure:"provider"`
	Model        string `mapstructure:"model"`
	APIKey       string `mapstructure:"apiKey"`
	APIKeyEnvVar string `mapstructure:"apiKeyEnvVar"`
	BaseURL      string `mapstructure:"baseURL"`
}

// Load reads, expands, and validates the registry file.
func (l *Loader) Load(ctx context.Context, path string) (domain.Config, *Registry, error) {
	if path == "" {
		return domain.Config{}, nil, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Config{}, nil, fmt.Errorf("read config: %w", err)
	}

	expanded, missing := expandConfigEnv(string(data))
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path), zap.Strings("missing", missing))
	}

	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.Config{}, nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg rawConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return domain.Config{}, nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return domain.Config{}, nil, err
	}

	var validationErrors []string
	runtime, runtimeErrs := normalizeRuntimeConfig(cfg.rawRuntimeConfig)
	validationErrors = append(validationErrors, runtimeErrs...)

	defs := make([]domain.ServerDefinition, 0, len(cfg.Servers))
	for i, raw := range cfg.Servers {
		def := normalizeServerDefinition(raw)
		if errs := validateServerDefinition(def, i); len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 && len(validationErrors) == 0 {
		validationErrors = append(validationErrors, "at least one server is required")
	}
	if runtime.RetrievalServer != "" {
		found := false
		for _, def := range defs {
			if def.ID == runtime.RetrievalServer {
				found = true
				break
			}
		}
		if !found {
			validationErrors = append(validationErrors,
				fmt.Sprintf("retrievalServer %q does not name a configured server", runtime.RetrievalServer))
		}
	}

	if len(validationErrors) > 0 {
		return domain.Config{}, nil, errors.New(strings.Join(validationErrors, "; "))
	}

	reg, err := New(defs)
	if err != nil {
		return domain.Config{}, nil, err
	}

	return domain.Config{Servers: defs, Runtime: runtime}, reg, nil
}

func normalizeServerDefinition(raw rawServerDefinition) domain.ServerDefinition {
	def := domain.ServerDefinition{
		ID:              strings.TrimSpace(raw.ID),
		Transport:       domain.NormalizeTransport(domain.TransportKind(raw.Transport)),
		Cmd:             raw.Cmd,
		Env:             raw.Env,
		Cwd:             raw.Cwd,
		Endpoint:        strings.TrimSpace(raw.Endpoint),
		Capabilities:    raw.Capabilities,
		ProtocolVersion: strings.TrimSpace(raw.ProtocolVersion),
		Restart: domain.RestartPolicy{
			MaxAttempts: raw.Restart.MaxAttempts,
			BackoffBase: time.Duration(raw.Restart.BackoffBaseSeconds) * time.Second,
			BackoffCap:  time.Duration(raw.Restart.BackoffCapSeconds) * time.Second,
		},
	}
	if def.ProtocolVersion == "" {
		def.ProtocolVersion = domain.DefaultProtocolVersion
	}
	if def.Restart.MaxAttempts <= 0 {
		def.Restart.MaxAttempts = domain.DefaultRestartMaxAttempts
	}
	if def.Restart.BackoffBase <= 0 {
		def.Restart.BackoffBase = domain.DefaultRestartBackoffBase
	}
	if def.Restart.BackoffCap <= 0 {
		def.Restart.BackoffCap = domain.DefaultRestartBackoffCap
	}
	return def
}

var protocolVersionPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func validateServerDefinition(def domain.ServerDefinition, index int) []string {
	var errs []string

	if def.ID == "" {
		errs = append(errs, fmt.Sprintf("servers[%d]: id is required", index))
	}
	switch def.Transport {
	case domain.TransportStdio:
		if len(def.Cmd) == 0 {
			errs = append(errs, fmt.Sprintf("servers[%d]: cmd is required for stdio transport", index))
		}
		if def.Endpoint != "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: endpoint must be empty for stdio transport", index))
		}
	case domain.TransportHTTP:
		if len(def.Cmd) > 0 {
			errs = append(errs, fmt.Sprintf("servers[%d]: cmd must be empty for http transport", index))
		}
		if def.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: endpoint is required for http transport", index))
		} else if parsed, err := url.ParseRequestURI(def.Endpoint); err != nil || parsed.Host == "" ||
			(parsed.Scheme != "http" && parsed.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("servers[%d]: endpoint must be a valid http(s) URL", index))
		}
	}
	if !protocolVersionPattern.MatchString(def.ProtocolVersion) {
		errs = append(errs, fmt.Sprintf("servers[%d]: protocolVersion must match YYYY-MM-DD", index))
	}
	if def.Restart.BackoffCap < def.Restart.BackoffBase {
		errs = append(errs, fmt.Sprintf("servers[%d]: restart.backoffCapSeconds must be >= restart.backoffBaseSeconds", index))
	}
	for i, tag := range def.Capabilities {
		if strings.TrimSpace(tag) == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: capabilities[%d] must not be empty", index, i))
		}
	}
	return errs
}

func normalizeRuntimeConfig(cfg rawRuntimeConfig) (domain.RuntimeConfig, []string) {
	var errs []string

	if cfg.DispatchTimeoutSeconds <= 0 {
		errs = append(errs, "dispatchTimeoutSeconds must be > 0")
	}
	if cfg.TurnBudgetSeconds <= 0 {
		errs = append(errs, "turnBudgetSeconds must be > 0")
	}
	if cfg.TurnBudgetSeconds > 0 && cfg.DispatchTimeoutSeconds > cfg.TurnBudgetSeconds {
		errs = append(errs, "dispatchTimeoutSeconds must be <= turnBudgetSeconds")
	}
	if cfg.HeartbeatSeconds <= 0 {
		errs = append(errs, "heartbeatSeconds must be > 0")
	}
	if cfg.MissedHeartbeatLimit <= 0 {
		errs = append(errs, "missedHeartbeatLimit must be > 0")
	}
	if cfg.HistoryLimit <= 0 {
		errs = append(errs, "historyLimit must be > 0")
	}
	if cfg.SummaryAfterTurns <= 0 || cfg.SummaryAfterTurns > cfg.HistoryLimit {
		errs = append(errs, "summaryAfterTurns must be > 0 and <= historyLimit")
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		errs = append(errs, "confidenceThreshold must be within [0, 1]")
	}
	if cfg.PersistQueueSize <= 0 {
		errs = append(errs, "persistQueueSize must be > 0")
	}

	return domain.RuntimeConfig{
		DispatchTimeoutSeconds: cfg.DispatchTimeoutSeconds,
		TurnBudgetSeconds:      cfg.TurnBudgetSeconds,
		HeartbeatSeconds:       cfg.HeartbeatSeconds,
		MissedHeartbeatLimit:   cfg.MissedHeartbeatLimit,
		HistoryLimit:           cfg.HistoryLimit,
		SummaryAfterTurns:      cfg.SummaryAfterTurns,
		ConfidenceThreshold:    cfg.ConfidenceThreshold,
		RetrievalServer:        strings.TrimSpace(cfg.RetrievalServer),
		RetrievalTool:          strings.TrimSpace(cfg.RetrievalTool),
		PersistQueueSize:       cfg.PersistQueueSize,
		Observability: domain.ObservabilityConfig{
			ListenAddress: strings.TrimSpace(cfg.Observability.ListenAddress),
		},
		Bridge: domain.BridgeConfig{
			ListenAddress: strings.TrimSpace(cfg.Bridge.ListenAddress),
			AllowedUsers:  cfg.Bridge.AllowedUsers,
		},
		Planner: domain.PlannerConfig{
			Provider:     strings.TrimSpace(cfg.Planner.Provider),
			Model:        strings.TrimSpace(cfg.Planner.Model),
			APIKey:       cfg.Planner.APIKey,
			APIKeyEnvVar: strings.TrimSpace(cfg.Planner.APIKeyEnvVar),
			BaseURL:      strings.TrimSpace(cfg.Planner.BaseURL),
		},
	}, errs
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandConfigEnv substitutes ${VAR} references with environment values and
// reports the names that were unset.
func expandConfigEnv(data string) (string, []string) {
	var missing []string
	seen := make(map[string]struct{})
	expanded := envPattern.ReplaceAllStringFunc(data, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		value, ok := os.LookupEnv(name)
		if !ok {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				missing = append(missing, name)
			}
			return ""
		}
		return value
	})
	return expanded, missing
}
