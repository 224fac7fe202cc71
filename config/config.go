// Package config loads and validates the tapewire runtime configuration.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is consulted when no path is supplied via flag or env.
	DefaultPath = "config/tapewire.yaml"
	// EnvPath overrides the configuration path when set.
	EnvPath = "TAPEWIRE_CONFIG"

	examplePath = "config/tapewire.example.yaml"
)

// OverflowPolicy names the strategy applied when a bounded inbox fills up.
type OverflowPolicy string

// OverflowDropOldest discards the oldest buffered event to admit the newest.
const OverflowDropOldest OverflowPolicy = "DROP_OLDEST"

// UpstreamPolicy decides what happens to subscriptions opened while the
// upstream consumer is not running.
type UpstreamPolicy string

const (
	// UpstreamPolicyFail rejects new subscriptions until the consumer recovers.
	UpstreamPolicyFail UpstreamPolicy = "FAIL"
	// UpstreamPolicyAttach admits them; they see events once the consumer resumes.
	UpstreamPolicyAttach UpstreamPolicy = "ATTACH"
)

// Config is the full tapewire configuration tree.
type Config struct {
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Query        QueryConfig        `yaml:"query"`
	Stream       StreamConfig       `yaml:"stream"`
	Cache        CacheConfig        `yaml:"cache"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
}

// UpstreamConfig identifies the message bus the ingestor consumes.
type UpstreamConfig struct {
	Brokers        []string    `yaml:"brokers"`
	Orders         TopicConfig `yaml:"orders"`
	Executions     TopicConfig `yaml:"executions"`
	SchemaRegistry string      `yaml:"schemaRegistry"`
	ConsumerGroup  string      `yaml:"consumerGroup"`
	// PoisonAllowance caps undecodable records tolerated per PoisonWindowMs
	// before the consumer trips into backoff.
	PoisonAllowance int `yaml:"poisonAllowance"`
	PoisonWindowMs  int `yaml:"poisonWindowMs"`
}

// PoisonWindow returns the poison-message accounting window as a duration.
func (u UpstreamConfig) PoisonWindow() time.Duration {
	return time.Duration(u.PoisonWindowMs) * time.Millisecond
}

// TopicConfig names one upstream topic.
type TopicConfig struct {
	Topic string `yaml:"topic"`
}

// QueryConfig controls the external query API client.
type QueryConfig struct {
	BaseURL          string `yaml:"baseUrl"`
	PageSize         int    `yaml:"pageSize"`
	ConnectTimeoutMs int    `yaml:"connectTimeoutMs"`
	ReadTimeoutMs    int    `yaml:"readTimeoutMs"`
}

// ConnectTimeout returns the dial timeout as a duration.
func (q QueryConfig) ConnectTimeout() time.Duration {
	return time.Duration(q.ConnectTimeoutMs) * time.Millisecond
}

// ReadTimeout returns the per-page read timeout as a duration.
func (q QueryConfig) ReadTimeout() time.Duration {
	return time.Duration(q.ReadTimeoutMs) * time.Millisecond
}

// StreamConfig sizes the broadcast hub and per-subscription inboxes.
type StreamConfig struct {
	ReplayBufferSize int            `yaml:"replayBufferSize"`
	InboxCapacity    int            `yaml:"inboxCapacity"`
	OverflowPolicy   OverflowPolicy `yaml:"overflowPolicy"`
}

// CacheConfig bounds the latest-value key cache. MaxEntries has no silent
// default; validation fails when it is unset.
type CacheConfig struct {
	MaxEntries int `yaml:"maxEntries"`
}

// SubscriptionConfig tunes per-subscription behaviour.
type SubscriptionConfig struct {
	SnapshotIDGraceMs int            `yaml:"snapshotIdGraceMs"`
	UpstreamPolicy    UpstreamPolicy `yaml:"upstreamPolicy"`
	IdleTimeoutMs     int            `yaml:"idleTimeoutMs"`
}

// SnapshotIDGrace returns the dedup-set retention window as a duration.
func (s SubscriptionConfig) SnapshotIDGrace() time.Duration {
	return time.Duration(s.SnapshotIDGraceMs) * time.Millisecond
}

// IdleTimeout returns the optional idle timeout; zero disables it.
func (s SubscriptionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// SupervisorConfig shapes the consumer restart schedule.
type SupervisorConfig struct {
	BackoffInitialMs int     `yaml:"backoffInitialMs"`
	BackoffCeilingMs int     `yaml:"backoffCeilingMs"`
	BackoffJitter    float64 `yaml:"backoffJitter"`
	ShutdownGraceMs  int     `yaml:"shutdownGraceMs"`
}

// BackoffInitial returns the first retry delay.
func (s SupervisorConfig) BackoffInitial() time.Duration {
	return time.Duration(s.BackoffInitialMs) * time.Millisecond
}

// BackoffCeiling returns the maximum retry delay.
func (s SupervisorConfig) BackoffCeiling() time.Duration {
	return time.Duration(s.BackoffCeilingMs) * time.Millisecond
}

// ShutdownGrace returns how long the consumer may take to drain and commit
// before it is forcibly stopped.
func (s SupervisorConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceMs) * time.Millisecond
}

// ServerConfig controls the websocket transport.
type ServerConfig struct {
	ListenAddr     string `yaml:"listenAddr"`
	WriteTimeoutMs int    `yaml:"writeTimeoutMs"`
	PingIntervalMs int    `yaml:"pingIntervalMs"`
}

// WriteTimeout returns the per-frame write deadline.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

// PingInterval returns the keepalive ping cadence.
func (s ServerConfig) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalMs) * time.Millisecond
}

// LogConfig controls process logging.
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Default returns the configuration defaults applied before unmarshalling.
// Required keys (brokers, topics, consumer group, query base URL, cache max
// entries) stay empty and must come from the file.
func Default() Config {
	return Config{
		Upstream: UpstreamConfig{
			PoisonAllowance: 5,
			PoisonWindowMs:  10_000,
		},
		Query: QueryConfig{
			PageSize:         500,
			ConnectTimeoutMs: 5_000,
			ReadTimeoutMs:    30_000,
		},
		Stream: StreamConfig{
			ReplayBufferSize: 100,
			InboxCapacity:    1_000,
			OverflowPolicy:   OverflowDropOldest,
		},
		Subscription: SubscriptionConfig{
			SnapshotIDGraceMs: 5_000,
			UpstreamPolicy:    UpstreamPolicyFail,
		},
		Supervisor: SupervisorConfig{
			BackoffInitialMs: 1_000,
			BackoffCeilingMs: 30_000,
			BackoffJitter:    0.5,
			ShutdownGraceMs:  10_000,
		},
		Server: ServerConfig{
			ListenAddr:     ":8443",
			WriteTimeoutMs: 5_000,
			PingIntervalMs: 15_000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the configuration YAML from path, falling back to the
// TAPEWIRE_CONFIG environment variable, the default path, and finally the
// checked-in example file. The result is validated before return.
func Load(ctx context.Context, path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvPath))
	}
	if path == "" {
		path = DefaultPath
	}

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return Config{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(ctx); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs semantic validation on the configuration tree.
func (c Config) Validate(ctx context.Context) error {
	_ = ctx
	if len(c.Upstream.Brokers) == 0 {
		return fmt.Errorf("upstream.brokers required")
	}
	for i, b := range c.Upstream.Brokers {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("upstream.brokers[%d]: endpoint required", i)
		}
	}
	if strings.TrimSpace(c.Upstream.Orders.Topic) == "" {
		return fmt.Errorf("upstream.orders.topic required")
	}
	if strings.TrimSpace(c.Upstream.Executions.Topic) == "" {
		return fmt.Errorf("upstream.executions.topic required")
	}
	if strings.TrimSpace(c.Upstream.ConsumerGroup) == "" {
		return fmt.Errorf("upstream.consumerGroup required")
	}
	if c.Upstream.PoisonAllowance <= 0 {
		return fmt.Errorf("upstream.poisonAllowance must be >0")
	}
	if c.Upstream.PoisonWindowMs <= 0 {
		return fmt.Errorf("upstream.poisonWindowMs must be >0")
	}

	if strings.TrimSpace(c.Query.BaseURL) == "" {
		return fmt.Errorf("query.baseUrl required")
	}
	if c.Query.PageSize <= 0 {
		return fmt.Errorf("query.pageSize must be >0")
	}
	if c.Query.ConnectTimeoutMs <= 0 || c.Query.ReadTimeoutMs <= 0 {
		return fmt.Errorf("query timeouts must be >0")
	}

	if c.Stream.ReplayBufferSize <= 0 {
		return fmt.Errorf("stream.replayBufferSize must be >0")
	}
	if c.Stream.InboxCapacity <= 0 {
		return fmt.Errorf("stream.inboxCapacity must be >0")
	}
	if c.Stream.OverflowPolicy != OverflowDropOldest {
		return fmt.Errorf("stream.overflowPolicy must be %s", OverflowDropOldest)
	}

	// Deliberately no default: operators must size the cache for their
	// universe of open orders.
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.maxEntries required and must be >0")
	}

	if c.Subscription.SnapshotIDGraceMs <= 0 {
		return fmt.Errorf("subscription.snapshotIdGraceMs must be >0")
	}
	switch c.Subscription.UpstreamPolicy {
	case UpstreamPolicyFail, UpstreamPolicyAttach:
	default:
		return fmt.Errorf("subscription.upstreamPolicy must be FAIL or ATTACH")
	}
	if c.Subscription.IdleTimeoutMs < 0 {
		return fmt.Errorf("subscription.idleTimeoutMs must be >=0")
	}

	if c.Supervisor.BackoffInitialMs <= 0 {
		return fmt.Errorf("supervisor.backoffInitialMs must be >0")
	}
	if c.Supervisor.BackoffCeilingMs < c.Supervisor.BackoffInitialMs {
		return fmt.Errorf("supervisor.backoffCeilingMs must be >= backoffInitialMs")
	}
	if c.Supervisor.BackoffJitter < 0 || c.Supervisor.BackoffJitter > 1 {
		return fmt.Errorf("supervisor.backoffJitter must be within [0, 1]")
	}
	if c.Supervisor.ShutdownGraceMs <= 0 {
		return fmt.Errorf("supervisor.shutdownGraceMs must be >0")
	}

	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		return fmt.Errorf("server.listenAddr required")
	}
	if c.Server.WriteTimeoutMs <= 0 || c.Server.PingIntervalMs <= 0 {
		return fmt.Errorf("server timeouts must be >0")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	safePath := filepath.Clean(path)
	file, err := os.Open(safePath) // #nosec G304 -- configuration paths are controlled by operators.
	if err == nil {
		return file, func() { _ = file.Close() }, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	file, err = os.Open(examplePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
