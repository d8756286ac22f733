// Package config handles gateway configuration loading: a single YAML
// document covering metrics/framebus tuning plus the endpoints, drivers,
// and variables maps described in SPEC_FULL.md §6.2.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is indirected so tests can override the search order
// without touching the real filesystem.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config flag) is checked first; otherwise: ./gateway.yaml,
// /config/gateway.yaml (container convention), /etc/gatewayd/gateway.yaml.
func DefaultSearchPaths() []string {
	return []string{
		"gateway.yaml",
		"/config/gateway.yaml",
		"/etc/gatewayd/gateway.yaml",
	}
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches searchPathsFunc() and returns the first
// path that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds the gateway's full configuration as decoded from YAML.
// Durations are kept as their human-readable strings here (yaml.v3 has
// no built-in time.Duration support); Validate checks that each one
// parses, and per-field accessors (FlushInterval, TimeoutDuration, …)
// convert them for their consumers.
type Config struct {
	Metrics   MetricsConfig             `yaml:"metrics"`
	FrameBus  FrameBusConfig            `yaml:"framebus"`
	Endpoints map[string]EndpointConfig `yaml:"endpoints"`
	Drivers   map[string]DriverConfig   `yaml:"drivers"`
	Variables map[string]VariableConfig `yaml:"variables"`
	MQTT      *MQTTConfig               `yaml:"mqtt,omitempty"`
	WSAPI     *WSAPIConfig              `yaml:"wsapi,omitempty"`
	Historian *HistorianConfig          `yaml:"historian,omitempty"`
	LogLevel  string                    `yaml:"log_level"`
	// Meta is arbitrary deployment metadata (site name, tags, …); unknown
	// keys here are ignored rather than rejected, per §6.2.
	Meta map[string]any `yaml:"meta,omitempty"`
}

// MQTTConfig configures the north-bound MQTT connector
// (internal/bridge/mqttpub), reduced from original_source's
// connectors/mqtt5 config.rs to the fields that connector actually
// drives: broker connection, topic layout, batching, and the
// inflight-command timeout window.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id,omitempty"`
	Username        string `yaml:"username,omitempty"`
	Password        string `yaml:"password,omitempty"`
	QoS             byte   `yaml:"qos"`
	TopicPrefix     string `yaml:"topic_prefix"`
	KeepAlive       string `yaml:"keep_alive"`
	BatchSize       int    `yaml:"batch_size"`
	BatchTimeout    string `yaml:"batch_timeout"`
	InflightMax     int    `yaml:"inflight_max"`
	InflightTimeout string `yaml:"inflight_timeout"`
}

// WSAPIConfig configures the read-only REST/WebSocket UI surface
// (internal/bridge/wsapi).
type WSAPIConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// HistorianConfig configures the sqlite-backed DataFrame archiver
// (internal/historian).
type HistorianConfig struct {
	Path          string `yaml:"path"`
	FlushInterval string `yaml:"flush_interval"`
	RetainDays    int    `yaml:"retain_days"`
}

// MetricsConfig configures the separate /metrics and /health HTTP
// listener described in §6.3.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// FrameBusConfig is the YAML surface over framebus.Config's tuning
// knobs (§4.2.3/§4.2.5's ring/WAL/backpressure parameters).
type FrameBusConfig struct {
	RingPow             uint8   `yaml:"ring_pow"`
	PauseHi             float64 `yaml:"pause_hi"`
	ResumeLo            float64 `yaml:"resume_lo"`
	WALDir              string  `yaml:"wal_dir"`
	WALFlushInterval    string  `yaml:"wal_flush_interval"`
	WALMaxBytes         int64   `yaml:"wal_max_bytes"`
	MaxSegmentBytes     int64   `yaml:"max_segment_bytes"`
	HighPerformanceMode bool    `yaml:"high_performance_mode"`
}

// PoolConfig is the endpoint-level pool tuning surface named in §6.2.
// The fields are decoded and their durations validated, but nothing
// reads them when pools are built: cmd/gatewayd creates one
// EndpointFactory from endpointkit.DefaultPoolConfig, so every endpoint
// gets the same pool size and acquire timeout regardless of these
// values. endpointkit's pool does not pre-warm a minimum connection
// count, close idle connections, or recycle connections on a lifetime
// clock.
type PoolConfig struct {
	Min         int    `yaml:"min"`
	Max         int    `yaml:"max"`
	IdleTimeout string `yaml:"idle_timeout"`
	MaxLifetime string `yaml:"max_lifetime"`
}

// TLSConfig is the decorator-slot placeholder named in §6.2; concrete
// TLS wiring is a Non-goal, so this only carries enough to select and
// validate the decorator (endpointkit's TLS decorator stub always fails
// closed regardless of these values).
type TLSConfig struct {
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ServerName string `yaml:"server_name"`
}

// SerialConfig is the decorator-slot placeholder for serial transports
// named in §6.2; concrete serial I/O is a Non-goal (no physical-layer
// library is grounded anywhere in the pack).
type SerialConfig struct {
	BaudRate int    `yaml:"baud"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// EndpointConfig describes one named EndpointKit URL and its pool/decorator
// tuning, per §6.2's endpoints map.
type EndpointConfig struct {
	URL     string        `yaml:"url"`
	Timeout string        `yaml:"timeout"`
	Pool    PoolConfig    `yaml:"pool"`
	TLS     *TLSConfig    `yaml:"tls,omitempty"`
	Serial  *SerialConfig `yaml:"serial,omitempty"`
}

// DriverConfig describes one named driver instance, per §6.2's drivers
// map. Config carries the driver-specific settings (Modbus register
// list, OPC-UA node IDs, …) as a free-form map, since this package has
// no way to know every driver's shape ahead of time — exactly the
// problem driver.Driver.Init's map[string]any parameter solves on the
// consuming side. Polling is left as a string; cmd/gatewayd hands it to
// Init as-is under the "polling" key (unless Config already sets one)
// and drivers parse it themselves (see drivers/modbus's decodeCfg), so
// no translation happens here.
type DriverConfig struct {
	DriverType string         `yaml:"driver_type"`
	Endpoint   string         `yaml:"endpoint"`
	Enabled    bool           `yaml:"enabled"`
	Polling    string         `yaml:"polling"`
	Retry      int            `yaml:"retry"`
	Config     map[string]any `yaml:"config,omitempty"`
}

// Access is a variable's configured read/write direction.
type Access string

const (
	AccessR  Access = "r"
	AccessW  Access = "w"
	AccessRW Access = "rw"
)

// AlarmConfig is one threshold/condition rule attached to a variable.
type AlarmConfig struct {
	Name      string  `yaml:"name"`
	Condition string  `yaml:"condition"` // e.g. "gt", "lt", "eq"
	Threshold float64 `yaml:"threshold"`
	Severity  string  `yaml:"severity"`
}

// VariableConfig describes one named point, per §6.2's variables map.
type VariableConfig struct {
	Driver    string        `yaml:"driver"`
	DataType  string        `yaml:"data_type"`
	Address   int           `yaml:"address"`
	Access    Access        `yaml:"access"`
	ScaleExpr string        `yaml:"scale_expr,omitempty"`
	Unit      string        `yaml:"unit,omitempty"`
	Alarms    []AlarmConfig `yaml:"alarms,omitempty"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result. Unknown fields
// under endpoints/drivers/variables are rejected (strict decode); fields
// under meta are ignored, per §6.2's explicit field-strictness split —
// meta's own keys are freeform and never struct-decoded, so
// yaml.Decoder's KnownFields check never sees them.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}

	return cfg, nil
}

// applyDefaults fills zero-value fields with the defaults named in §4.
func (c *Config) applyDefaults() {
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}

	if c.FrameBus.RingPow == 0 {
		c.FrameBus.RingPow = 20
	}
	if c.FrameBus.PauseHi == 0 {
		c.FrameBus.PauseHi = 0.85
	}
	if c.FrameBus.ResumeLo == 0 {
		c.FrameBus.ResumeLo = 0.70
	}
	if c.FrameBus.WALDir == "" {
		c.FrameBus.WALDir = filepath.Join(os.TempDir(), "gateway_wal")
	}
	if c.FrameBus.WALFlushInterval == "" {
		c.FrameBus.WALFlushInterval = "10ms"
	}
	if c.FrameBus.WALMaxBytes == 0 {
		c.FrameBus.WALMaxBytes = 8 << 30
	}
	if c.FrameBus.MaxSegmentBytes == 0 {
		c.FrameBus.MaxSegmentBytes = 64 << 20
	}

	for name, ep := range c.Endpoints {
		if ep.Timeout == "" {
			ep.Timeout = "5s"
		}
		if ep.Pool.Max == 0 {
			ep.Pool.Max = 4
		}
		c.Endpoints[name] = ep
	}

	for name, d := range c.Drivers {
		if d.Polling == "" {
			d.Polling = "1s"
		}
		if d.Retry == 0 {
			d.Retry = 3
		}
		c.Drivers[name] = d
	}

	if c.MQTT != nil {
		if c.MQTT.QoS == 0 {
			c.MQTT.QoS = 1
		}
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "gateway"
		}
		if c.MQTT.KeepAlive == "" {
			c.MQTT.KeepAlive = "60s"
		}
		if c.MQTT.BatchSize == 0 {
			c.MQTT.BatchSize = 100
		}
		if c.MQTT.BatchTimeout == "" {
			c.MQTT.BatchTimeout = "500ms"
		}
		if c.MQTT.InflightMax == 0 {
			c.MQTT.InflightMax = 64
		}
		if c.MQTT.InflightTimeout == "" {
			c.MQTT.InflightTimeout = "5s"
		}
	}

	if c.WSAPI != nil && c.WSAPI.Port == 0 {
		c.WSAPI.Port = 8090
	}

	if c.Historian != nil {
		if c.Historian.Path == "" {
			c.Historian.Path = filepath.Join(os.TempDir(), "gateway_historian.db")
		}
		if c.Historian.FlushInterval == "" {
			c.Historian.FlushInterval = "1s"
		}
		if c.Historian.RetainDays == 0 {
			c.Historian.RetainDays = 30
		}
	}
}

// Validate checks internal consistency after defaults are applied,
// including that every duration string actually parses.
func (c *Config) Validate() error {
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d out of range (1-65535)", c.Metrics.Port)
	}
	if c.FrameBus.RingPow < 10 || c.FrameBus.RingPow > 25 {
		return fmt.Errorf("framebus.ring_pow %d out of range (10-25)", c.FrameBus.RingPow)
	}
	if c.FrameBus.PauseHi <= c.FrameBus.ResumeLo {
		return fmt.Errorf("framebus.pause_hi (%v) must be greater than resume_lo (%v)", c.FrameBus.PauseHi, c.FrameBus.ResumeLo)
	}
	if _, err := time.ParseDuration(c.FrameBus.WALFlushInterval); err != nil {
		return fmt.Errorf("framebus.wal_flush_interval: %w", err)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}

	for name, ep := range c.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("endpoints.%s: url is required", name)
		}
		if ep.Pool.Max < 1 {
			return fmt.Errorf("endpoints.%s: pool.max must be >= 1", name)
		}
		if _, err := time.ParseDuration(ep.Timeout); err != nil {
			return fmt.Errorf("endpoints.%s.timeout: %w", name, err)
		}
		if ep.Pool.IdleTimeout != "" {
			if _, err := time.ParseDuration(ep.Pool.IdleTimeout); err != nil {
				return fmt.Errorf("endpoints.%s.pool.idle_timeout: %w", name, err)
			}
		}
		if ep.Pool.MaxLifetime != "" {
			if _, err := time.ParseDuration(ep.Pool.MaxLifetime); err != nil {
				return fmt.Errorf("endpoints.%s.pool.max_lifetime: %w", name, err)
			}
		}
	}

	for name, d := range c.Drivers {
		if d.DriverType == "" {
			return fmt.Errorf("drivers.%s: driver_type is required", name)
		}
		if d.Endpoint == "" {
			return fmt.Errorf("drivers.%s: endpoint is required", name)
		}
		if _, ok := c.Endpoints[d.Endpoint]; !ok {
			return fmt.Errorf("drivers.%s: endpoint %q is not defined under endpoints", name, d.Endpoint)
		}
		if _, err := time.ParseDuration(d.Polling); err != nil {
			return fmt.Errorf("drivers.%s.polling: %w", name, err)
		}
	}

	for name, v := range c.Variables {
		if v.Driver == "" {
			return fmt.Errorf("variables.%s: driver is required", name)
		}
		if _, ok := c.Drivers[v.Driver]; !ok {
			return fmt.Errorf("variables.%s: driver %q is not defined under drivers", name, v.Driver)
		}
		switch v.Access {
		case AccessR, AccessW, AccessRW:
		default:
			return fmt.Errorf("variables.%s: access must be r, w, or rw, got %q", name, v.Access)
		}
	}

	if c.MQTT != nil {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is configured")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
		}
		for field, s := range map[string]string{
			"keep_alive":       c.MQTT.KeepAlive,
			"batch_timeout":    c.MQTT.BatchTimeout,
			"inflight_timeout": c.MQTT.InflightTimeout,
		} {
			if _, err := time.ParseDuration(s); err != nil {
				return fmt.Errorf("mqtt.%s: %w", field, err)
			}
		}
	}

	if c.Historian != nil {
		if _, err := time.ParseDuration(c.Historian.FlushInterval); err != nil {
			return fmt.Errorf("historian.flush_interval: %w", err)
		}
	}

	return nil
}

// FlushInterval is a convenience accessor returning the parsed flush
// interval; Validate has already guaranteed it parses.
func (f FrameBusConfig) FlushInterval() time.Duration {
	d, _ := time.ParseDuration(f.WALFlushInterval)
	return d
}

// TimeoutDuration returns the parsed endpoint dial/acquire timeout; Validate has
// already guaranteed it parses.
func (e EndpointConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(e.Timeout)
	return d
}

// KeepAliveDuration returns the parsed keep-alive interval; Validate has
// already guaranteed it parses.
func (m MQTTConfig) KeepAliveDuration() time.Duration {
	d, _ := time.ParseDuration(m.KeepAlive)
	return d
}

// BatchTimeoutDuration returns the parsed batch flush timeout; Validate
// has already guaranteed it parses.
func (m MQTTConfig) BatchTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(m.BatchTimeout)
	return d
}

// InflightTimeoutDuration returns the parsed inflight-command expiry
// window; Validate has already guaranteed it parses.
func (m MQTTConfig) InflightTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(m.InflightTimeout)
	return d
}

// FlushIntervalDuration returns the parsed historian flush interval;
// Validate has already guaranteed it parses.
func (h HistorianConfig) FlushIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(h.FlushInterval)
	return d
}

// Default returns a minimal gateway configuration suitable for local
// development: metrics enabled on :9090, framebus tuned to the stated
// §4 defaults, and no endpoints/drivers/variables configured.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}
