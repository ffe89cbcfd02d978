package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ScorePolicy selects how the scheduler ranks candidate nodes.
type ScorePolicy string

const (
	ScoreSpread  ScorePolicy = "spread"
	ScoreBinpack ScorePolicy = "binpack"
)

// Config is the full control-plane and agent configuration. Zero values
// are replaced by defaults in Default; flags override file values.
type Config struct {
	Listen  ListenConfig     `yaml:"listen"`
	Session SessionConfig    `yaml:"session"`
	Sched   SchedulerConfig  `yaml:"scheduler"`
	Recon   ReconcilerConfig `yaml:"reconciler"`
	Bundle  BundleConfig     `yaml:"bundle"`
	Agent   AgentConfig      `yaml:"agent"`
	Log     LogConfig        `yaml:"log"`
}

// ListenConfig holds the control plane's listen addresses.
type ListenConfig struct {
	// Addr serves the websocket channel for nodes and pods.
	Addr string `yaml:"addr"`
	// MetricsAddr serves /metrics, /health, /ready, /live.
	MetricsAddr string `yaml:"metricsAddr"`
	// DataDir holds the persistent record store.
	DataDir string `yaml:"dataDir"`
}

// SessionConfig tunes per-session liveness and flow control.
type SessionConfig struct {
	AuthTimeout    time.Duration `yaml:"authTimeout"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	PongTimeout    time.Duration `yaml:"pongTimeout"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`

	// MaxMessageSize is the frame size limit in bytes; larger frames
	// close the session with a policy violation.
	MaxMessageSize int64 `yaml:"maxMessageSize"`

	// Send queue congestion watermarks.
	QueueHighWaterMsgs  int   `yaml:"queueHighWaterMsgs"`
	QueueHighWaterBytes int64 `yaml:"queueHighWaterBytes"`
	QueueLowWaterMsgs   int   `yaml:"queueLowWaterMsgs"`
	QueueLowWaterBytes  int64 `yaml:"queueLowWaterBytes"`
}

// SchedulerConfig tunes placement behavior.
type SchedulerConfig struct {
	Policy            ScorePolicy `yaml:"policy"`
	PreemptionEnabled bool        `yaml:"preemptionEnabled"`
	CommitRetries     int         `yaml:"commitRetries"`
}

// ReconcilerConfig tunes the reconcile loop.
type ReconcilerConfig struct {
	Interval            time.Duration `yaml:"interval"`
	MaxScheduleAttempts int           `yaml:"maxScheduleAttempts"`
}

// BundleConfig tunes bundle distribution.
type BundleConfig struct {
	// CacheSize is the LRU byte budget for cached bundles.
	CacheSize int64 `yaml:"cacheSize"`
	// MaxCacheEntry is the largest single bundle the cache will hold.
	MaxCacheEntry int64 `yaml:"maxCacheEntry"`
	FetchRetries  int   `yaml:"fetchRetries"`
}

// AgentConfig tunes the node agent's client behavior.
type AgentConfig struct {
	ServerURL        string        `yaml:"serverUrl"`
	HeartbeatEvery   time.Duration `yaml:"heartbeatEvery"`
	ReconnectBase    time.Duration `yaml:"reconnectBase"`
	ReconnectRetries int           `yaml:"reconnectRetries"` // -1 = infinite
	GracefulStop     time.Duration `yaml:"gracefulStop"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration with every field at its default.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr:        "127.0.0.1:7770",
			MetricsAddr: "127.0.0.1:7771",
			DataDir:     "./muster-data",
		},
		Session: SessionConfig{
			AuthTimeout:         10 * time.Second,
			PingInterval:        30 * time.Second,
			PongTimeout:         10 * time.Second,
			RequestTimeout:      30 * time.Second,
			MaxMessageSize:      10 << 20,
			QueueHighWaterMsgs:  1024,
			QueueHighWaterBytes: 16 << 20,
			QueueLowWaterMsgs:   256,
			QueueLowWaterBytes:  4 << 20,
		},
		Sched: SchedulerConfig{
			Policy:            ScoreSpread,
			PreemptionEnabled: true,
			CommitRetries:     3,
		},
		Recon: ReconcilerConfig{
			Interval:            10 * time.Second,
			MaxScheduleAttempts: 5,
		},
		Bundle: BundleConfig{
			CacheSize:     512 << 20,
			MaxCacheEntry: 64 << 20,
			FetchRetries:  3,
		},
		Agent: AgentConfig{
			ServerURL:        "ws://127.0.0.1:7770/channel",
			HeartbeatEvery:   15 * time.Second,
			ReconnectBase:    time.Second,
			ReconnectRetries: -1,
			GracefulStop:     5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Session.PongTimeout >= c.Session.PingInterval {
		return fmt.Errorf("session: pongTimeout must be shorter than pingInterval")
	}
	if c.Session.MaxMessageSize <= 0 {
		return fmt.Errorf("session: maxMessageSize must be positive")
	}
	if c.Session.QueueLowWaterMsgs >= c.Session.QueueHighWaterMsgs {
		return fmt.Errorf("session: queue low water must be below high water")
	}
	switch c.Sched.Policy {
	case ScoreSpread, ScoreBinpack:
	default:
		return fmt.Errorf("scheduler: unknown score policy %q", c.Sched.Policy)
	}
	if c.Recon.Interval <= 0 {
		return fmt.Errorf("reconciler: interval must be positive")
	}
	if c.Recon.MaxScheduleAttempts <= 0 {
		return fmt.Errorf("reconciler: maxScheduleAttempts must be positive")
	}
	if c.Bundle.MaxCacheEntry > c.Bundle.CacheSize {
		return fmt.Errorf("bundle: maxCacheEntry cannot exceed cacheSize")
	}
	return nil
}
