package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/OpenChemistry/molequeue-sub002/internal/queue"
)

// ErrNoConfig is returned when no settings file is found. Callers
// fall back to an empty Config: a broker with no queues configured
// yet is a valid starting state.
var ErrNoConfig = errors.New("no molequeue config file found")

// Config is the broker's parsed settings.
type Config struct {
	// SocketName names the local transport socket/pipe. Default:
	// "MoleQueue".
	SocketName string `yaml:"socketName" toml:"socketName" json:"socketName"`

	// Queues are the local and remote queue definitions this broker
	// serves.
	Queues []queue.Def `yaml:"queues" toml:"queues" json:"queues"`

	// DefaultLocalConcurrency bounds local-queue definitions that
	// don't set their own MaxConcurrentJobs. Default: number of CPUs.
	DefaultLocalConcurrency int `yaml:"defaultLocalConcurrency" toml:"defaultLocalConcurrency" json:"defaultLocalConcurrency"`

	// Index configures the optional query index backend.
	Index IndexConfig `yaml:"index" toml:"index" json:"index"`

	// Archive configures optional terminal-job output archival.
	Archive ArchiveConfig `yaml:"archive" toml:"archive" json:"archive"`

	// WebSocket configures the additional WebSocket connection
	// listener. Leaving Addr empty disables it.
	WebSocket WebSocketConfig `yaml:"webSocket" toml:"webSocket" json:"webSocket"`
}

// IndexConfig selects and configures the query index backend.
type IndexConfig struct {
	// Backend is "sqlite" (default) or "postgres".
	Backend string `yaml:"backend" toml:"backend" json:"backend"`
	DSN     string `yaml:"dsn" toml:"dsn" json:"dsn"`
}

// ArchiveConfig configures the optional S3-compatible archiver.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Bucket   string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Prefix   string `yaml:"prefix" toml:"prefix" json:"prefix"`
	Region   string `yaml:"region" toml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint"` // non-empty for R2/MinIO-style endpoints
}

// WebSocketConfig configures the additional WebSocket listener.
type WebSocketConfig struct {
	Addr string `yaml:"addr" toml:"addr" json:"addr"`
	Path string `yaml:"path" toml:"path" json:"path"`
}

// Duration wraps time.Duration for settings fields expressed as Go
// duration strings ("60s", "2m") rather than bare integers.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Load finds and parses a settings file from dir (<workdir>/config),
// trying each supported extension in turn. name defaults to
// "molequeue" if empty.
func Load(dir, name string) (*Config, string, error) {
	if name == "" {
		name = "molequeue"
	}

	candidates := []struct {
		suffix string
		parser func([]byte, *Config) error
	}{
		{".yaml", parseYAML},
		{".yml", parseYAML},
		{".toml", parseTOML},
		{".json", parseJSON},
	}

	for _, c := range candidates {
		fname := name + c.suffix
		path := filepath.Join(dir, fname)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // file doesn't exist, try next
		}

		var cfg Config
		if err := c.parser(data, &cfg); err != nil {
			return nil, fname, fmt.Errorf("parse %s: %w", fname, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fname, fmt.Errorf("validate %s: %w", fname, err)
		}
		cfg.applyDefaults()
		return &cfg, fname, nil
	}

	cfg := &Config{}
	cfg.applyDefaults()
	return cfg, "", ErrNoConfig
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// Validate checks the settings for internal consistency beyond what
// the struct tags alone express.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return errors.New("queue definition missing name")
		}
		if seen[q.Name] {
			return fmt.Errorf("duplicate queue name %q", q.Name)
		}
		seen[q.Name] = true

		switch q.Type {
		case queue.TypeLocal, queue.TypeRemoteSGE, queue.TypeRemotePBS, queue.TypeRemoteSLURM, queue.TypeRemoteOAR:
		default:
			return fmt.Errorf("queue %q: unknown type %q", q.Name, q.Type)
		}
		if q.Type != queue.TypeLocal && q.Host == "" {
			return fmt.Errorf("queue %q: host is required for remote queue type %q", q.Name, q.Type)
		}
	}

	if c.Index.Backend != "" && c.Index.Backend != "sqlite" && c.Index.Backend != "postgres" {
		return fmt.Errorf("index: unknown backend %q", c.Index.Backend)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("archive: bucket is required when enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SocketName == "" {
		c.SocketName = "MoleQueue"
	}
	if c.DefaultLocalConcurrency <= 0 {
		c.DefaultLocalConcurrency = 0 // 0 tells queue/local.New to fall back to runtime.NumCPU()
	}
	if c.Index.Backend == "" {
		c.Index.Backend = "sqlite"
	}
	for i := range c.Queues {
		if c.Queues[i].Type == queue.TypeLocal && c.Queues[i].MaxConcurrentJobs <= 0 {
			c.Queues[i].MaxConcurrentJobs = c.DefaultLocalConcurrency
		}
	}
}
