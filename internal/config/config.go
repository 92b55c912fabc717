// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
)

// Config is the top-level configuration, found under the `applayer:` root
// key in YAML.
type Config struct {
	Log     LogConfig               `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig           `mapstructure:"metrics" yaml:"metrics"`
	Engine  EngineConfig            `mapstructure:"engine" yaml:"engine"`
	Capture CaptureConfig           `mapstructure:"capture" yaml:"capture"`
	Parsers map[string]ParserConfig `mapstructure:"parsers" yaml:"parsers"`
	Sinks   SinksConfig             `mapstructure:"sinks" yaml:"sinks"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"` // trace / debug / info / warn / error
	Pattern string           `mapstructure:"pattern" yaml:"pattern"`
	Time    string           `mapstructure:"time" yaml:"time"`
	Output  string           `mapstructure:"output" yaml:"output"` // stderr / stdout
	File    FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LoggerConfig converts the section into the logger's own config.
func (c LogConfig) LoggerConfig() *log.LoggerConfig {
	lc := &log.LoggerConfig{Level: c.Level, Pattern: c.Pattern, Time: c.Time, Output: c.Output}
	if c.File.Enabled {
		lc.File = &log.FileOutput{
			Path:       c.File.Path,
			MaxSizeMB:  c.File.Rotation.MaxSizeMB,
			MaxBackups: c.File.Rotation.MaxBackups,
			MaxAgeDays: c.File.Rotation.MaxAgeDays,
			Compress:   c.File.Rotation.Compress,
		}
	}
	return lc
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Engine ───

// EngineConfig configures flow tracking and parser dispatch.
type EngineConfig struct {
	Workers     int           `mapstructure:"workers" yaml:"workers"` // 0 = 1 worker
	QueueSize   int           `mapstructure:"queue_size" yaml:"queue_size"`
	FlowTimeout time.Duration `mapstructure:"flow_timeout" yaml:"flow_timeout"`
	MaxFlows    int           `mapstructure:"max_flows" yaml:"max_flows"`
	// MaxPendingBytes bounds the unconsumed bytes kept per flow direction
	// while a parser waits for more data.
	MaxPendingBytes int  `mapstructure:"max_pending_bytes" yaml:"max_pending_bytes"`
	IPReassembly    bool `mapstructure:"ip_reassembly" yaml:"ip_reassembly"`
}

// ─── Capture ───

// CaptureConfig configures the live capture source.
type CaptureConfig struct {
	Interface   string `mapstructure:"interface" yaml:"interface"`
	SnapLen     int    `mapstructure:"snap_len" yaml:"snap_len"`
	BlockSizeMB int    `mapstructure:"block_size_mb" yaml:"block_size_mb"`
	NumBlocks   int    `mapstructure:"num_blocks" yaml:"num_blocks"`
	FanoutGroup uint16 `mapstructure:"fanout_group" yaml:"fanout_group"` // 0 = no fanout
	// PortFilter restricts capture to the ports of the enabled parsers.
	PortFilter bool `mapstructure:"port_filter" yaml:"port_filter"`
}

// ─── Parsers ───

// ParserConfig configures one protocol parser. Unset switches default to
// enabled.
type ParserConfig struct {
	Enabled          *bool          `mapstructure:"enabled" yaml:"enabled,omitempty"`
	DetectionEnabled *bool          `mapstructure:"detection_enabled" yaml:"detection_enabled,omitempty"`
	Ports            []uint16       `mapstructure:"ports" yaml:"ports,omitempty"`
	Options          map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// IsEnabled reports whether the parser runs at all.
func (c ParserConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// IsDetectionEnabled reports whether the parser takes part in probing.
func (c ParserConfig) IsDetectionEnabled() bool {
	return c.IsEnabled() && (c.DetectionEnabled == nil || *c.DetectionEnabled)
}

// Parser returns the config of a parser, the zero config if absent.
func (cfg *Config) Parser(name string) ParserConfig {
	if cfg == nil || cfg.Parsers == nil {
		return ParserConfig{}
	}
	return cfg.Parsers[name]
}

// ─── Sinks ───

// SinksConfig configures where transaction records go.
type SinksConfig struct {
	Console ConsoleSinkConfig `mapstructure:"console" yaml:"console"`
	Kafka   KafkaSinkConfig   `mapstructure:"kafka" yaml:"kafka"`
}

// ConsoleSinkConfig configures the console sink.
type ConsoleSinkConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Format  string `mapstructure:"format" yaml:"format"` // text / json
}

// KafkaSinkConfig configures the Kafka sink.
type KafkaSinkConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	Compression  string        `mapstructure:"compression" yaml:"compression"` // none / gzip / snappy / lz4 / zstd
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Async        bool          `mapstructure:"async" yaml:"async"`
	Encoding     string        `mapstructure:"encoding" yaml:"encoding"` // json / protobuf
}

// ─── Loading ───

const rootKey = "applayer"

// configRoot is the top-level wrapper matching the YAML structure `applayer: ...`.
type configRoot struct {
	AppLayer Config `mapstructure:"applayer"`
}

// Load loads configuration from file. An empty path yields the defaults.
// Environment variables override the file through the APPLAYER_ prefix
// (e.g. APPLAYER_LOG_LEVEL).
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return unmarshal(v)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := unmarshal(viper.New())
	if err != nil {
		// defaults always validate
		panic(err)
	}
	return cfg
}

func unmarshal(v *viper.Viper) (*Config, error) {
	// The `applayer.` key prefix maps to `APPLAYER_` in env vars via the
	// key replacer (e.g. key "applayer.log.level" → env "APPLAYER_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.AppLayer
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "applayer." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault(rootKey+".log.level", "info")
	v.SetDefault(rootKey+".log.pattern", log.DefaultPattern)
	v.SetDefault(rootKey+".log.time", log.DefaultTime)
	v.SetDefault(rootKey+".log.output", "stderr")
	v.SetDefault(rootKey+".log.file.enabled", false)
	v.SetDefault(rootKey+".log.file.path", "/var/log/applayer/applayer.log")
	v.SetDefault(rootKey+".log.file.rotation.max_size_mb", 100)
	v.SetDefault(rootKey+".log.file.rotation.max_age_days", 30)
	v.SetDefault(rootKey+".log.file.rotation.max_backups", 5)
	v.SetDefault(rootKey+".log.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault(rootKey+".metrics.enabled", false)
	v.SetDefault(rootKey+".metrics.listen", ":9091")
	v.SetDefault(rootKey+".metrics.path", "/metrics")

	// Engine defaults
	v.SetDefault(rootKey+".engine.workers", 1)
	v.SetDefault(rootKey+".engine.queue_size", 4096)
	v.SetDefault(rootKey+".engine.flow_timeout", "2m")
	v.SetDefault(rootKey+".engine.max_flows", 65536)
	v.SetDefault(rootKey+".engine.max_pending_bytes", 1<<20)
	v.SetDefault(rootKey+".engine.ip_reassembly", true)

	// Capture defaults
	v.SetDefault(rootKey+".capture.snap_len", 65535)
	v.SetDefault(rootKey+".capture.block_size_mb", 4)
	v.SetDefault(rootKey+".capture.num_blocks", 64)
	v.SetDefault(rootKey+".capture.port_filter", false)

	// Sink defaults
	v.SetDefault(rootKey+".sinks.console.enabled", true)
	v.SetDefault(rootKey+".sinks.console.format", "text")
	v.SetDefault(rootKey+".sinks.kafka.enabled", false)
	v.SetDefault(rootKey+".sinks.kafka.topic", "applayer-transactions")
	v.SetDefault(rootKey+".sinks.kafka.compression", "snappy")
	v.SetDefault(rootKey+".sinks.kafka.batch_size", 100)
	v.SetDefault(rootKey+".sinks.kafka.batch_timeout", "1s")
	v.SetDefault(rootKey+".sinks.kafka.encoding", "json")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("%w: invalid log level: %s (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	switch cfg.Log.Output {
	case "", "stderr", "stdout":
	default:
		return fmt.Errorf("%w: invalid log output: %s (must be stdout/stderr)", core.ErrConfigInvalid, cfg.Log.Output)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return fmt.Errorf("%w: log.file.path is required when log.file.enabled=true", core.ErrConfigInvalid)
	}

	// ── Engine ──
	if cfg.Engine.Workers < 1 {
		cfg.Engine.Workers = 1
	}
	if cfg.Engine.QueueSize < 1 {
		cfg.Engine.QueueSize = 1
	}
	if cfg.Engine.FlowTimeout <= 0 {
		return fmt.Errorf("%w: engine.flow_timeout must be positive", core.ErrConfigInvalid)
	}
	if cfg.Engine.MaxPendingBytes <= 0 {
		return fmt.Errorf("%w: engine.max_pending_bytes must be positive", core.ErrConfigInvalid)
	}

	// ── Capture ──
	if cfg.Capture.SnapLen <= 0 {
		cfg.Capture.SnapLen = 65535
	}

	// ── Sinks ──
	switch cfg.Sinks.Console.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: invalid sinks.console.format: %s (must be text/json)", core.ErrConfigInvalid, cfg.Sinks.Console.Format)
	}
	if cfg.Sinks.Kafka.Enabled {
		if len(cfg.Sinks.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: sinks.kafka.brokers is required when sinks.kafka.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.Sinks.Kafka.Topic == "" {
			return fmt.Errorf("%w: sinks.kafka.topic is required when sinks.kafka.enabled=true", core.ErrConfigInvalid)
		}
		switch cfg.Sinks.Kafka.Encoding {
		case "json", "protobuf":
		default:
			return fmt.Errorf("%w: invalid sinks.kafka.encoding: %s (must be json/protobuf)", core.ErrConfigInvalid, cfg.Sinks.Kafka.Encoding)
		}
	}

	// ── Parsers ──
	for name, pc := range cfg.Parsers {
		for _, p := range pc.Ports {
			if p == 0 {
				return fmt.Errorf("%w: parsers.%s.ports: port 0", core.ErrConfigInvalid, name)
			}
		}
	}
	return nil
}
