// Package config manages pulse configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/pulse/internal/app/flush"
	"github.com/coachpo/pulse/internal/domain/batchstore"
)

// Environment variables that override file values.
const (
	EnvWriteKey     = "PULSE_WRITE_KEY"
	EnvDataPlaneURL = "PULSE_DATA_PLANE_URL"
	EnvDatabaseURL  = "PULSE_DATABASE_URL"
)

// StorageConfig selects and sizes the event store.
type StorageConfig struct {
	Mode              StorageMode `yaml:"mode"`
	Directory         string      `yaml:"directory"`
	MaxBatchBytes     int         `yaml:"maxBatchBytes"`
	MaxEventBytes     int         `yaml:"maxEventBytes"`
	MaxPendingBatches int         `yaml:"maxPendingBatches"`
	WriterQueue       int         `yaml:"writerQueue"`
}

// FlushConfig configures the flush policies. Startup defaults to enabled.
type FlushConfig struct {
	Count    int           `yaml:"count"`
	Interval time.Duration `yaml:"interval"`
	Startup  *bool         `yaml:"startup"`
}

// StartupEnabled reports whether the startup policy is active.
func (c FlushConfig) StartupEnabled() bool {
	return c.Startup == nil || *c.Startup
}

// BackoffConfig tunes per-batch retry delays. Zero values take the engine defaults.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// UploadConfig controls the delivery engine. Gzip defaults to enabled.
type UploadConfig struct {
	Gzip    *bool         `yaml:"gzip"`
	Rate    float64       `yaml:"rate"`
	Burst   int           `yaml:"burst"`
	Timeout time.Duration `yaml:"timeout"`
	Backoff BackoffConfig `yaml:"backoff"`
}

// GzipEnabled reports whether uploads are compressed.
func (c UploadConfig) GzipEnabled() bool {
	return c.Gzip == nil || *c.Gzip
}

// TelemetryConfig configures the OTLP metric and trace exporters.
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	ExportInterval time.Duration `yaml:"exportInterval"`
}

// LoggingConfig selects the log adapter.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ControlConfig enables the local control API. An empty address disables it.
type ControlConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// FilterConfig configures a destination's track event filter.
type FilterConfig struct {
	Mode   string   `yaml:"mode"`
	Events []string `yaml:"events"`
}

// DestinationConfig declares one destination adapter.
type DestinationConfig struct {
	Key    string       `yaml:"key"`
	Kind   string       `yaml:"kind"`
	URL    string       `yaml:"url"`
	Filter FilterConfig `yaml:"filter"`
}

// ScriptConfig declares one JavaScript transform plugin.
type ScriptConfig struct {
	Name    string        `yaml:"name"`
	Path    string        `yaml:"path"`
	Source  string        `yaml:"source"`
	Timeout time.Duration `yaml:"timeout"`
}

// RevenueConfig enables the revenue normalisation plugin.
type RevenueConfig struct {
	Enabled bool     `yaml:"enabled"`
	Scale   int32    `yaml:"scale"`
	Fields  []string `yaml:"fields"`
}

// DestinationKindWebsocket streams events over a websocket.
const DestinationKindWebsocket = "websocket"

// Config is the unified pulse configuration sourced from YAML.
type Config struct {
	Environment  Environment         `yaml:"environment"`
	WriteKey     string              `yaml:"writeKey"`
	DataPlaneURL string              `yaml:"dataPlaneUrl"`
	Storage      StorageConfig       `yaml:"storage"`
	Flush        FlushConfig         `yaml:"flush"`
	Upload       UploadConfig        `yaml:"upload"`
	Telemetry    TelemetryConfig     `yaml:"telemetry"`
	Logging      LoggingConfig       `yaml:"logging"`
	Control      ControlConfig       `yaml:"control"`
	Database     DatabaseConfig      `yaml:"database"`
	Destinations []DestinationConfig `yaml:"destinations"`
	Scripts      []ScriptConfig      `yaml:"scripts"`
	Revenue      RevenueConfig       `yaml:"revenue"`
}

// Default returns a normalised in-memory configuration for writeKey and dataPlaneURL.
func Default(writeKey, dataPlaneURL string) Config {
	cfg := Config{WriteKey: writeKey, DataPlaneURL: dataPlaneURL}
	cfg.normalise()
	return cfg
}

// Load reads and validates a Config from the provided YAML file.
func Load(ctx context.Context, configPath string) (Config, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return Config{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// LoadOrDefault loads configPath when set, otherwise builds the configuration from the
// environment alone.
func LoadOrDefault(ctx context.Context, configPath string) (Config, error) {
	if strings.TrimSpace(configPath) != "" {
		return Load(ctx, configPath)
	}
	cfg := Config{}
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes, normalises and validates YAML bytes.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvWriteKey)); v != "" {
		c.WriteKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDataPlaneURL)); v != "" {
		c.DataPlaneURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); v != "" {
		c.Database.DSN = v
	}
}

func (c *Config) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.WriteKey = strings.TrimSpace(c.WriteKey)
	c.Control.Addr = strings.TrimSpace(c.Control.Addr)
	c.DataPlaneURL = strings.TrimRight(strings.TrimSpace(c.DataPlaneURL), "/")

	if c.Storage.Mode == "" {
		c.Storage.Mode = StorageMemory
	}
	if dir := strings.TrimSpace(c.Storage.Directory); dir != "" {
		c.Storage.Directory = filepath.Clean(dir)
	}
	limits := batchstore.Limits{
		MaxBatchBytes: c.Storage.MaxBatchBytes,
		MaxEventBytes: c.Storage.MaxEventBytes,
	}.Normalise()
	c.Storage.MaxBatchBytes = limits.MaxBatchBytes
	c.Storage.MaxEventBytes = limits.MaxEventBytes
	if c.Storage.MaxPendingBatches <= 0 {
		c.Storage.MaxPendingBatches = 100
	}
	if c.Storage.WriterQueue <= 0 {
		c.Storage.WriterQueue = 1024
	}

	switch {
	case c.Flush.Count <= 0:
		c.Flush.Count = flush.DefaultCount
	case c.Flush.Count > flush.MaxCount:
		c.Flush.Count = flush.MaxCount
	}
	if c.Flush.Interval <= 0 {
		c.Flush.Interval = flush.DefaultInterval
	}

	if c.Upload.Burst <= 0 {
		c.Upload.Burst = 1
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "pulse"
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	for i := range c.Destinations {
		d := &c.Destinations[i]
		d.Key = strings.TrimSpace(d.Key)
		d.Kind = strings.ToLower(strings.TrimSpace(d.Kind))
		if d.Kind == "" {
			d.Kind = DestinationKindWebsocket
		}
		d.URL = strings.TrimSpace(d.URL)
		d.Filter.Mode = strings.ToLower(strings.TrimSpace(d.Filter.Mode))
		d.Filter.Events = dedupe(d.Filter.Events)
	}
	for i := range c.Scripts {
		c.Scripts[i].Name = strings.TrimSpace(c.Scripts[i].Name)
		c.Scripts[i].Path = strings.TrimSpace(c.Scripts[i].Path)
	}
	if c.Revenue.Scale <= 0 {
		c.Revenue.Scale = 2
	}
	c.Revenue.Fields = dedupe(c.Revenue.Fields)

	if c.Storage.Mode == StoragePostgres {
		c.Database.applyDefaults()
	}
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.WriteKey == "" {
		return fmt.Errorf("writeKey required")
	}
	if strings.ContainsAny(c.WriteKey, `/\`) {
		return fmt.Errorf("writeKey must not contain path separators")
	}
	parsed, err := url.Parse(c.DataPlaneURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("dataPlaneUrl must be an absolute http(s) url")
	}

	switch c.Storage.Mode {
	case StorageMemory:
	case StorageDisk:
		if c.Storage.Directory == "" {
			return fmt.Errorf("storage directory required for disk mode")
		}
	case StoragePostgres:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	default:
		return fmt.Errorf("storage mode must be one of memory, disk, postgres")
	}
	if c.Storage.MaxEventBytes > c.Storage.MaxBatchBytes {
		return fmt.Errorf("storage maxEventBytes must be <= maxBatchBytes")
	}

	if c.Flush.Interval < flush.MinInterval {
		return fmt.Errorf("flush interval must be >= %s", flush.MinInterval)
	}
	if c.Upload.Rate < 0 {
		return fmt.Errorf("upload rate must be >= 0")
	}
	if c.Upload.Timeout < 0 {
		return fmt.Errorf("upload timeout must be >= 0")
	}
	if j := c.Upload.Backoff.Jitter; j < 0 || j >= 1 {
		return fmt.Errorf("upload backoff jitter must be in [0,1)")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging format must be text or json")
	}

	seen := make(map[string]struct{}, len(c.Destinations))
	for i, d := range c.Destinations {
		if d.Key == "" {
			return fmt.Errorf("destinations[%d]: key required", i)
		}
		if _, dup := seen[d.Key]; dup {
			return fmt.Errorf("duplicate destination key %q", d.Key)
		}
		seen[d.Key] = struct{}{}
		if d.Kind != DestinationKindWebsocket {
			return fmt.Errorf("destinations[%d]: unsupported kind %q", i, d.Kind)
		}
		target, err := url.Parse(d.URL)
		if err != nil || target.Host == "" || (target.Scheme != "ws" && target.Scheme != "wss") {
			return fmt.Errorf("destinations[%d]: url must be ws(s)", i)
		}
		switch d.Filter.Mode {
		case "", "allow", "deny":
		default:
			return fmt.Errorf("destinations[%d]: filter mode must be allow or deny", i)
		}
	}
	for i, s := range c.Scripts {
		if s.Path == "" && strings.TrimSpace(s.Source) == "" {
			return fmt.Errorf("scripts[%d]: path or source required", i)
		}
	}
	return nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
