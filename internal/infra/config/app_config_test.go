package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/behavior"
	"github.com/coachpo/barrierbus/internal/infra/bus/eventbus"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func clearOverrides(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvVarEnvironment, EnvVarAPIAddr, EnvVarDatabaseDSN, EnvVarLogLevel, EnvVarOTLPEndpoint} {
		if value, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { _ = os.Setenv(key, value) })
			_ = os.Unsetenv(key)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	clearOverrides(t)
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault returned error: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("expected dev environment, got %q", cfg.Environment)
	}
	if cfg.Eventbus.BarrierRoom != eventbus.DefaultBarrierRoom {
		t.Fatalf("unexpected barrier room %q", cfg.Eventbus.BarrierRoom)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.PerKey.Rate != 10 {
		t.Fatalf("unexpected rate limit defaults %+v", cfg.RateLimit)
	}
	if cfg.Database.Enabled() {
		t.Fatal("database should be disabled by default")
	}
}

func TestLoadFromYAML(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, `
environment: STAGING
logging:
  level: DEBUG
  format: console
eventbus:
  retryDelay: 250ms
  defaultMaxRetries: 2
  barrierRoom: " approvals "
rateLimit:
  enabled: true
  perKey:
    rate: 5
    burst: 0
  eventTypeOverrides:
    chat/message:
      rate: 1
      burst: 3
monitor:
  enabled: false
  slowThreshold: 50ms
behaviors:
  rules:
    - pattern: tool/#
      mode: approval
      barrier:
        quorum: 2
        timeout: 3s
        timeoutAction: BLOCK
apiServer:
  addr: " :9090 "
database:
  dsn: postgres://localhost/barrierbus
  maxConns: 4
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging, got %q", cfg.Environment)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Fatalf("unexpected logging %+v", cfg.Logging)
	}
	bus := cfg.Eventbus.Bus()
	if bus.RetryDelay != 250*time.Millisecond || bus.DefaultMaxRetries != 2 || bus.BarrierRoom != "approvals" {
		t.Fatalf("unexpected bus config %+v", bus)
	}
	if cfg.RateLimit.PerKey.Burst != 5 {
		t.Fatalf("expected derived burst 5, got %d", cfg.RateLimit.PerKey.Burst)
	}
	if cfg.RateLimit.Global.Rate != 1000 {
		t.Fatalf("omitted global limit should keep default, got %v", cfg.RateLimit.Global.Rate)
	}
	if got := cfg.RateLimit.EventTypeOverrides["chat/message"]; got.Burst != 3 {
		t.Fatalf("unexpected override %+v", got)
	}
	if cfg.Monitor.Enabled || cfg.Monitor.SlowThreshold != 50*time.Millisecond {
		t.Fatalf("unexpected monitor %+v", cfg.Monitor)
	}
	if len(cfg.Behaviors.Rules) != 1 {
		t.Fatalf("expected one rule, got %d", len(cfg.Behaviors.Rules))
	}
	rule := cfg.Behaviors.Rules[0]
	if rule.Mode != schema.ModeApproval || rule.Barrier.Timeout != 3*time.Second {
		t.Fatalf("unexpected rule %+v", rule)
	}
	if cfg.APIServer.Addr != ":9090" {
		t.Fatalf("unexpected addr %q", cfg.APIServer.Addr)
	}
	pool := cfg.Database.Pool()
	if !cfg.Database.Enabled() || pool.MaxConns != 4 || pool.ConnectTimeout != 10*time.Second {
		t.Fatalf("unexpected pool %+v", pool)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "environment: dev\nproviders: {}\n")
	_, err := Load(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "unmarshal config") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadRejectsInvalidRule(t *testing.T) {
	path := writeConfig(t, `
behaviors:
  rules:
    - pattern: "a/#/b"
      mode: PASSIVE
`)
	_, err := Load(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "behaviors rule 0") {
		t.Fatalf("expected rule error, got %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	clearOverrides(t)
	t.Setenv(EnvVarEnvironment, "prod")
	t.Setenv(EnvVarAPIAddr, ":7000")
	t.Setenv(EnvVarDatabaseDSN, "postgres://db/barrierbus")
	t.Setenv(EnvVarLogLevel, "warn")
	t.Setenv(EnvVarOTLPEndpoint, "http://collector:4318")

	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault returned error: %v", err)
	}
	if cfg.Environment != EnvProd || cfg.APIServer.Addr != ":7000" || cfg.Logging.Level != "warn" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Database.DSN != "postgres://db/barrierbus" {
		t.Fatalf("unexpected dsn %q", cfg.Database.DSN)
	}
	tel := cfg.Telemetry.Telemetry(cfg.Environment)
	if tel.Endpoint != "http://collector:4318" || tel.Environment != "prod" || tel.ServiceName != "barrierbus" {
		t.Fatalf("unexpected telemetry %+v", tel)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"environment", func(c *AppConfig) { c.Environment = "qa" }, "environment must be"},
		{"log level", func(c *AppConfig) { c.Logging.Level = "loud" }, "logging level"},
		{"log format", func(c *AppConfig) { c.Logging.Format = "xml" }, "logging format"},
		{"retries", func(c *AppConfig) { c.Eventbus.DefaultMaxRetries = -1 }, "defaultMaxRetries"},
		{"rate", func(c *AppConfig) { c.RateLimit.Global.Rate = -1 }, "rateLimit global"},
		{"addr", func(c *AppConfig) { c.APIServer.Addr = "" }, "apiServer addr"},
		{"sample", func(c *AppConfig) { c.Telemetry.SampleRatio = 2 }, "sampleRatio"},
		{"monitor", func(c *AppConfig) { c.Monitor.ErrorRateDegraded = 0.9 }, "errorRateDegraded"},
		{"database", func(c *AppConfig) { c.Database.DSN = "postgres://x"; c.Database.MinConns = 9; c.Database.MaxConns = 2 }, "database"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultAppConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestSaveFileRoundTrip(t *testing.T) {
	clearOverrides(t)
	cfg := DefaultAppConfig()
	cfg.Behaviors.Rules = []behavior.Rule{approvalRule("tool/#")}
	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveFile(path, cfg); err != nil {
		t.Fatalf("SaveFile returned error: %v", err)
	}
	loaded, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(loaded.Behaviors.Rules) != 1 || loaded.Behaviors.Rules[0].Barrier.Timeout != time.Second {
		t.Fatalf("unexpected rules after round trip %+v", loaded.Behaviors.Rules)
	}
	if loaded.Eventbus.RetryDelay != cfg.Eventbus.RetryDelay {
		t.Fatalf("retry delay changed: %v", loaded.Eventbus.RetryDelay)
	}
}

func TestDecodeEmptyKeepsDefaults(t *testing.T) {
	cfg, err := Decode(bytes.NewReader([]byte("  \n")))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if cfg.APIServer.Addr != DefaultAppConfig().APIServer.Addr {
		t.Fatalf("unexpected addr %q", cfg.APIServer.Addr)
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Behaviors.Rules = []behavior.Rule{approvalRule("tool/#")}
	clone := cfg.Clone()
	clone.Behaviors.Rules[0].Barrier.Quorum = 9
	if cfg.Behaviors.Rules[0].Barrier.Quorum == 9 {
		t.Fatal("clone shares barrier config")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	clearOverrides(t)
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.example.yaml"))
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if len(cfg.Behaviors.Rules) != 3 {
		t.Fatalf("expected 3 example rules, got %d", len(cfg.Behaviors.Rules))
	}
	if _, ok := cfg.RateLimit.EventTypeOverrides["tool/execute"]; !ok {
		t.Fatal("expected tool/execute override")
	}
	if cfg.Database.Enabled() {
		t.Fatal("example leaves the decision store disabled")
	}
}

func TestDecisionLogAndBreakerSections(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, `
database:
  breaker:
    failureThreshold: 3
decisionLog:
  enabled: true
  dir: " ./data/decisions/ "
  retention: 72h
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Breaker.FailureThreshold != 3 || cfg.Database.Breaker.OpenTimeout != 30*time.Second {
		t.Fatalf("unexpected breaker %+v", cfg.Database.Breaker)
	}
	store := cfg.DecisionLog.Store()
	if !cfg.DecisionLog.Enabled || store.Dir != filepath.Join("data", "decisions") || store.Retention != 72*time.Hour {
		t.Fatalf("unexpected decision log %+v", cfg.DecisionLog)
	}

	cfg.DecisionLog.Retention = -time.Second
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "decisionLog") {
		t.Fatalf("expected decisionLog validation error, got %v", err)
	}
}
