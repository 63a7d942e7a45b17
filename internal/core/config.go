package core

import (
	"fmt"
	"os"
	"runtime"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the VM host. The engine copies it
// at construction; every VM it creates reads the same values.
type Config struct {
	Workers          int   // worker goroutines in the task pool
	ExecutionTimeout int   // milliseconds a single task may run script code, 0 disables
	MemoryLimit      int64 // per-VM allocation limit in bytes, 0 keeps the engine default
	ReplyTimeout     int   // milliseconds a deferred native call may stay unanswered, 0 waits forever
	ReplyRetries     int   // re-deliveries of a reply that finds the VM not yet suspended
	ReplyBackoff     int   // base backoff in milliseconds between reply re-deliveries
	QueueDepth       int   // tasks that may wait on a suspended VM
	LoadTimeout      int   // milliseconds to wait for a program load to report completion
	LoadPoll         int   // milliseconds between load completion polls
	FactoryCapacity  int   // default warm pool size for factories
	Remote           RemoteConfig
}

// RemoteConfig configures the out-of-process channel transport.
type RemoteConfig struct {
	CompressThreshold int    // payloads at or above this size are compressed
	Codec             string // "none", "brotli" or "lz4"
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Workers:          runtime.NumCPU(),
		ExecutionTimeout: 5000,
		ReplyTimeout:     0,
		ReplyRetries:     8,
		ReplyBackoff:     1,
		QueueDepth:       64,
		LoadTimeout:      2000,
		LoadPoll:         1,
		FactoryCapacity:  4,
		Remote: RemoteConfig{
			CompressThreshold: 4096,
			Codec:             "brotli",
		},
	}
}

// fileConfig is the YAML form of Config. Sizes are human readable
// ("64MiB") and zero values fall back to DefaultConfig.
type fileConfig struct {
	Workers          int    `yaml:"workers"`
	ExecutionTimeout int    `yaml:"execution_timeout_ms"`
	MemoryLimit      string `yaml:"memory_limit"`
	ReplyTimeout     int    `yaml:"reply_timeout_ms"`
	ReplyRetries     int    `yaml:"reply_retries"`
	ReplyBackoff     int    `yaml:"reply_backoff_ms"`
	QueueDepth       int    `yaml:"queue_depth"`
	LoadTimeout      int    `yaml:"load_timeout_ms"`
	LoadPoll         int    `yaml:"load_poll_ms"`
	FactoryCapacity  int    `yaml:"factory_capacity"`
	Remote           struct {
		CompressThreshold string `yaml:"compress_threshold"`
		Codec             string `yaml:"codec"`
	} `yaml:"remote"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return ParseConfig(data, path)
}

// ParseConfig parses YAML config content. The path argument is used only
// for error messages.
func ParseConfig(data []byte, path string) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg := DefaultConfig()
	setInt(&cfg.Workers, fc.Workers)
	setInt(&cfg.ExecutionTimeout, fc.ExecutionTimeout)
	setInt(&cfg.ReplyTimeout, fc.ReplyTimeout)
	setInt(&cfg.ReplyRetries, fc.ReplyRetries)
	setInt(&cfg.ReplyBackoff, fc.ReplyBackoff)
	setInt(&cfg.QueueDepth, fc.QueueDepth)
	setInt(&cfg.LoadTimeout, fc.LoadTimeout)
	setInt(&cfg.LoadPoll, fc.LoadPoll)
	setInt(&cfg.FactoryCapacity, fc.FactoryCapacity)

	if fc.MemoryLimit != "" {
		n, err := units.RAMInBytes(fc.MemoryLimit)
		if err != nil {
			return Config{}, fmt.Errorf("parsing %s: memory_limit: %w", path, err)
		}
		cfg.MemoryLimit = n
	}
	if fc.Remote.CompressThreshold != "" {
		n, err := units.RAMInBytes(fc.Remote.CompressThreshold)
		if err != nil {
			return Config{}, fmt.Errorf("parsing %s: remote.compress_threshold: %w", path, err)
		}
		cfg.Remote.CompressThreshold = int(n)
	}
	if fc.Remote.Codec != "" {
		cfg.Remote.Codec = fc.Remote.Codec
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports settings that cannot be honored.
func (c Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if c.MemoryLimit < 0 {
		return fmt.Errorf("memory_limit must not be negative")
	}
	if c.ReplyRetries < 0 {
		return fmt.Errorf("reply_retries must not be negative")
	}
	switch c.Remote.Codec {
	case "", "none", "brotli", "lz4":
	default:
		return fmt.Errorf("unknown remote codec %q", c.Remote.Codec)
	}
	return nil
}

// MemoryLimitString renders the memory limit for log lines.
func (c Config) MemoryLimitString() string {
	if c.MemoryLimit == 0 {
		return "default"
	}
	return units.BytesSize(float64(c.MemoryLimit))
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
