// Package config manages application configuration loading and validation.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/barrierbus/internal/infra/behavior"
	"github.com/coachpo/barrierbus/internal/infra/bus/eventbus"
	"github.com/coachpo/barrierbus/internal/infra/logging"
	"github.com/coachpo/barrierbus/internal/infra/monitor"
	"github.com/coachpo/barrierbus/internal/infra/persistence"
	"github.com/coachpo/barrierbus/internal/infra/persistence/badgerstore"
	"github.com/coachpo/barrierbus/internal/infra/persistence/postgres"
	"github.com/coachpo/barrierbus/internal/infra/ratelimit"
	"github.com/coachpo/barrierbus/internal/infra/transport/ws"
	libtelemetry "github.com/coachpo/barrierbus/lib/telemetry"
)

// Environment variable overrides applied after the file is read.
const (
	EnvVarEnvironment  = "BARRIERBUS_ENV"
	EnvVarAPIAddr      = "BARRIERBUS_API_ADDR"
	EnvVarDatabaseDSN  = "BARRIERBUS_DATABASE_DSN"
	EnvVarLogLevel     = "BARRIERBUS_LOG_LEVEL"
	EnvVarOTLPEndpoint = "BARRIERBUS_OTLP_ENDPOINT"
)

// LoggingConfig configures the global zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Caller bool   `yaml:"caller"`
}

// Logging converts the section into logging options.
func (c LoggingConfig) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Level
	cfg.Format = c.Format
	cfg.Caller = c.Caller
	return cfg
}

// EventbusConfig tunes delivery and transport behaviour of the bus.
type EventbusConfig struct {
	RetryDelay           time.Duration `yaml:"retryDelay"`
	DefaultMaxRetries    int           `yaml:"defaultMaxRetries"`
	TransportWorkers     int           `yaml:"transportWorkers"`
	TransportQueue       int           `yaml:"transportQueue"`
	BarrierRoom          string        `yaml:"barrierRoom"`
	DisableAnnouncements bool          `yaml:"disableAnnouncements"`
	DecisionTimeout      time.Duration `yaml:"decisionTimeout"`
}

// Bus converts the section into bus options.
func (c EventbusConfig) Bus() eventbus.Config {
	return eventbus.Config{
		RetryDelay:           c.RetryDelay,
		DefaultMaxRetries:    c.DefaultMaxRetries,
		TransportWorkers:     c.TransportWorkers,
		TransportQueue:       c.TransportQueue,
		BarrierRoom:          c.BarrierRoom,
		DisableAnnouncements: c.DisableAnnouncements,
		DecisionTimeout:      c.DecisionTimeout,
	}
}

// RateLimitConfig enables admission control. Limits with rate 0 are disabled.
type RateLimitConfig struct {
	Enabled          bool `yaml:"enabled"`
	ratelimit.Config `yaml:",inline"`
}

// MonitorConfig enables the performance monitor.
type MonitorConfig struct {
	Enabled        bool `yaml:"enabled"`
	monitor.Config `yaml:",inline"`
}

// BehaviorsConfig lists behavior rules inline or points at a rules file.
// Inline rules are used when File is empty.
type BehaviorsConfig struct {
	File  string          `yaml:"file"`
	Rules []behavior.Rule `yaml:"rules"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	// RequestLimit caps requests per client IP per RequestWindow; 0 disables it.
	RequestLimit      int           `yaml:"requestLimit"`
	RequestWindow     time.Duration `yaml:"requestWindow"`
}

// WebsocketConfig configures the socket transport hub.
type WebsocketConfig struct {
	Enabled   bool `yaml:"enabled"`
	ws.Config `yaml:",inline"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	MetricInterval time.Duration `yaml:"metricInterval"`
	SampleRatio    float64       `yaml:"sampleRatio"`
}

// Telemetry converts the section into provider options for env.
func (c TelemetryConfig) Telemetry(env Environment) libtelemetry.Config {
	return libtelemetry.Config{
		Endpoint:       c.OTLPEndpoint,
		ServiceName:    c.ServiceName,
		Environment:    string(env),
		MetricInterval: c.MetricInterval,
		SampleRatio:    c.SampleRatio,
	}
}

// DatabaseConfig controls the optional decision store. An empty DSN disables it.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	RunMigrations   bool          `yaml:"runMigrations"`

	// Breaker guards whichever decision store is active.
	Breaker persistence.BreakerConfig `yaml:"breaker"`
}

// Enabled reports whether a decision store is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

// Pool converts the section into pool options.
func (c DatabaseConfig) Pool() postgres.PoolConfig {
	return postgres.PoolConfig{
		DSN:             c.DSN,
		MaxConns:        c.MaxConns,
		MinConns:        c.MinConns,
		MaxConnLifetime: c.MaxConnLifetime,
		ConnectTimeout:  c.ConnectTimeout,
	}
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns < 0 {
		c.MinConns = 0
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	c.Breaker = c.Breaker.Normalise()
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// DecisionLogConfig enables the embedded decision store, used when no
// database DSN is configured. An empty Dir keeps decisions in memory.
type DecisionLogConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`
}

// Store converts the section into store options.
func (c DecisionLogConfig) Store() badgerstore.Config {
	return badgerstore.Config{Dir: c.Dir, Retention: c.Retention}
}

// AppConfig is the unified barrierbus configuration sourced from YAML.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Logging     LoggingConfig     `yaml:"logging"`
	Eventbus    EventbusConfig    `yaml:"eventbus"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Behaviors   BehaviorsConfig   `yaml:"behaviors"`
	APIServer   APIServerConfig   `yaml:"apiServer"`
	Websocket   WebsocketConfig   `yaml:"websocket"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Database    DatabaseConfig    `yaml:"database"`
	DecisionLog DecisionLogConfig `yaml:"decisionLog"`
}

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() AppConfig {
	bus := eventbus.DefaultConfig()
	cfg := AppConfig{
		Environment: EnvDev,
		Logging:     LoggingConfig{Level: "info", Format: "json"},
		Eventbus: EventbusConfig{
			RetryDelay:        bus.RetryDelay,
			DefaultMaxRetries: bus.DefaultMaxRetries,
			TransportWorkers:  bus.TransportWorkers,
			TransportQueue:    bus.TransportQueue,
			BarrierRoom:       bus.BarrierRoom,
			DecisionTimeout:   bus.DecisionTimeout,
		},
		RateLimit: RateLimitConfig{Enabled: true, Config: ratelimit.DefaultConfig()},
		Monitor:   MonitorConfig{Enabled: true, Config: monitor.DefaultConfig()},
		APIServer: APIServerConfig{Addr: ":8880"},
		Websocket: WebsocketConfig{Enabled: true, Config: ws.DefaultConfig()},
		Telemetry: TelemetryConfig{ServiceName: libtelemetry.DefaultServiceName},
	}
	if err := cfg.Normalise(); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// Load reads, normalises and validates an AppConfig from a YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	cfg, err := Decode(reader)
	if err != nil {
		return AppConfig{}, err
	}
	return finalise(cfg)
}

// LoadOrDefault behaves like Load but returns the defaults, with environment
// overrides applied, when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, err
	}
	return finalise(DefaultAppConfig())
}

// Decode parses YAML over the defaults so omitted sections keep them.
// Unknown fields are rejected.
func Decode(reader io.Reader) (AppConfig, error) {
	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultAppConfig()
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func finalise(cfg AppConfig) (AppConfig, error) {
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvVarEnvironment); ok {
		c.Environment = Environment(v)
	}
	if v, ok := lookup(EnvVarAPIAddr); ok {
		c.APIServer.Addr = v
	}
	if v, ok := lookup(EnvVarDatabaseDSN); ok {
		c.Database.DSN = v
	}
	if v, ok := lookup(EnvVarLogLevel); ok {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvVarOTLPEndpoint); ok {
		c.Telemetry.OTLPEndpoint = v
	}
}

// Normalise trims strings, fills derived defaults and normalises behavior rules.
func (c *AppConfig) Normalise() error {
	c.Environment = normalizeEnvironment(c.Environment)
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	c.Eventbus.BarrierRoom = strings.TrimSpace(c.Eventbus.BarrierRoom)
	if c.Eventbus.BarrierRoom == "" {
		c.Eventbus.BarrierRoom = eventbus.DefaultBarrierRoom
	}

	c.RateLimit.Config = c.RateLimit.Normalise()
	c.Monitor.Config = c.Monitor.Normalise()
	c.Websocket.Config = c.Websocket.Normalise()

	c.Behaviors.File = strings.TrimSpace(c.Behaviors.File)
	if c.Behaviors.File != "" {
		c.Behaviors.File = filepath.Clean(c.Behaviors.File)
	}
	rules := make([]behavior.Rule, 0, len(c.Behaviors.Rules))
	for i, rule := range c.Behaviors.Rules {
		normalised, err := rule.Normalise()
		if err != nil {
			return fmt.Errorf("behaviors rule %d: %w", i, err)
		}
		rules = append(rules, normalised)
	}
	c.Behaviors.Rules = rules

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.ReadHeaderTimeout <= 0 {
		c.APIServer.ReadHeaderTimeout = 5 * time.Second
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 10 * time.Second
	}
	if c.APIServer.RequestWindow <= 0 {
		c.APIServer.RequestWindow = time.Minute
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = libtelemetry.DefaultServiceName
	}

	c.Database.applyDefaults()
	c.DecisionLog.Dir = strings.TrimSpace(c.DecisionLog.Dir)
	if c.DecisionLog.Dir != "" {
		c.DecisionLog.Dir = filepath.Clean(c.DecisionLog.Dir)
	}
	return nil
}

// Validate reports the first invalid field.
func (c AppConfig) Validate() error {
	if !c.Environment.Valid() {
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "disabled", "off":
	default:
		return fmt.Errorf("logging level %q not recognised", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console")
	}

	if c.Eventbus.DefaultMaxRetries < 0 {
		return fmt.Errorf("eventbus defaultMaxRetries must be >=0")
	}
	if c.Eventbus.TransportWorkers < 0 {
		return fmt.Errorf("eventbus transportWorkers must be >=0")
	}
	if c.Eventbus.TransportQueue < 0 {
		return fmt.Errorf("eventbus transportQueue must be >=0")
	}

	if c.RateLimit.Enabled {
		for name, limit := range map[string]ratelimit.Limit{
			"perKey":       c.RateLimit.PerKey,
			"perEventType": c.RateLimit.PerEventType,
			"global":       c.RateLimit.Global,
		} {
			if limit.Rate < 0 || limit.Burst < 0 {
				return fmt.Errorf("rateLimit %s must not be negative", name)
			}
		}
		for eventType, limit := range c.RateLimit.EventTypeOverrides {
			if limit.Rate < 0 || limit.Burst < 0 {
				return fmt.Errorf("rateLimit override %q must not be negative", eventType)
			}
		}
	}

	if c.Monitor.ErrorRateDegraded > c.Monitor.ErrorRateUnhealthy {
		return fmt.Errorf("monitor errorRateDegraded must be <= errorRateUnhealthy")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.APIServer.RequestLimit < 0 {
		return fmt.Errorf("apiServer requestLimit must be >=0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sampleRatio must be within [0,1]")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.DecisionLog.Retention < 0 {
		return fmt.Errorf("decisionLog retention must be >=0")
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c AppConfig) Clone() AppConfig {
	clone := c
	if c.RateLimit.EventTypeOverrides != nil {
		clone.RateLimit.EventTypeOverrides = make(map[string]ratelimit.Limit, len(c.RateLimit.EventTypeOverrides))
		for k, v := range c.RateLimit.EventTypeOverrides {
			clone.RateLimit.EventTypeOverrides[k] = v
		}
	}
	if c.Websocket.OriginPatterns != nil {
		clone.Websocket.OriginPatterns = append([]string(nil), c.Websocket.OriginPatterns...)
	}
	clone.Behaviors.Rules = cloneRules(c.Behaviors.Rules)
	return clone
}

func cloneRules(rules []behavior.Rule) []behavior.Rule {
	if rules == nil {
		return nil
	}
	out := make([]behavior.Rule, len(rules))
	for i, rule := range rules {
		out[i] = rule
		if rule.Barrier != nil {
			barrier := *rule.Barrier
			out[i].Barrier = &barrier
		}
	}
	return out
}

// Encode writes cfg as YAML.
func Encode(w io.Writer, cfg AppConfig) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return encoder.Close()
}

// SaveFile atomically replaces path with cfg encoded as YAML.
func SaveFile(path string, cfg AppConfig) error {
	clean := filepath.Clean(strings.TrimSpace(path))
	var buf bytes.Buffer
	if err := Encode(&buf, cfg); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(clean), ".barrierbus-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), clean); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
