// Package config provides configuration loading, validation, and
// environment overrides for the chainarb detector.
//
// Configuration sources, in increasing precedence: built-in defaults,
// an optional YAML file, then recognized environment variables, so a
// container deployment never needs a checked-in file.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges are enforced (TTLs, thresholds, weights).
//   - REDIS_URL (the production transport endpoint) is required outside
//     test environments; its absence is a fatal startup error, never a
//     silent default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration for a chainarb node. Every subsystem
// reads its own section; there is no global/shared state.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// InstanceID uniquely identifies this process in the fleet. Used as
	// the LeaderLease owner value and DLQEntry.InstanceID. Default: hostname.
	InstanceID string `yaml:"instance_id"`

	// RegionID identifies the deployment region, used by the coordinator
	// for cross-region failover decisions.
	RegionID string `yaml:"region_id"`

	// RedisURL is the production transport endpoint. Required outside tests.
	RedisURL string `yaml:"redis_url"`

	// BoltPath is the filesystem path for the bbolt-backed reference
	// transport this module ships and tests against.
	BoltPath string `yaml:"bolt_path"`

	// PartitionChains is the set of chains this deployment ingests, e.g.
	// ["ethereum","arbitrum","polygon"].
	PartitionChains []string `yaml:"partition_chains"`

	Election    ElectionConfig    `yaml:"election"`
	Consumer    ConsumerConfig    `yaml:"consumer"`
	DLQ         DLQConfig         `yaml:"dlq"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Confidence  ConfidenceConfig  `yaml:"confidence"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Detector    DetectorConfig    `yaml:"detector"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Observability ObservabilityConfig `yaml:"observability"`

	// enableCrossRegionHealth mirrors ENABLE_CROSS_REGION_HEALTH.
	EnableCrossRegionHealth bool `yaml:"enable_cross_region_health"`

	// testEnvironment relaxes the RedisURL-required check. Never set from
	// YAML; only from the TEST_ENVIRONMENT env var or directly by tests.
	testEnvironment bool
}

// ElectionConfig configures leader election.
type ElectionConfig struct {
	LockKey             string        `yaml:"lock_key"`
	LockTTL             time.Duration `yaml:"lock_ttl"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	MaxHeartbeatFailures int          `yaml:"max_heartbeat_failures"`
	JitterRange         time.Duration `yaml:"jitter_range"`
	IsStandby           bool          `yaml:"is_standby"`
	CanBecomeLeader     bool          `yaml:"can_become_leader"`
}

// ConsumerConfig configures the stream consumer runtime.
type ConsumerConfig struct {
	BatchSize     int64         `yaml:"batch_size"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
	ClaimIdle     time.Duration `yaml:"claim_idle"`
	MaxDeliveries int64         `yaml:"max_deliveries"`
	MaxLen        int64         `yaml:"max_len"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DLQConfig configures the dead-letter queue supervisor.
type DLQConfig struct {
	ScanInterval      time.Duration `yaml:"scan_interval"`
	MaxMessagesPerScan int64        `yaml:"max_messages_per_scan"`
}

// SnapshotConfig configures the price snapshot index.
type SnapshotConfig struct {
	KeyTTL           time.Duration `yaml:"key_ttl"`
	MaxKeys          int           `yaml:"max_keys"`
	HistoryCapacity  int           `yaml:"history_capacity"`
}

// ConfidenceConfig configures the confidence calculator's default weights.
type ConfidenceConfig struct {
	MaxConfidence               float64 `yaml:"max_confidence"`
	SuperWhaleThresholdUSD       float64 `yaml:"super_whale_threshold_usd"`
	SignificantFlowThresholdUSD  float64 `yaml:"significant_flow_threshold_usd"`
	WhaleBullishBoost            float64 `yaml:"whale_bullish_boost"`
	WhaleBearishPenalty          float64 `yaml:"whale_bearish_penalty"`
	SuperWhaleBoost              float64 `yaml:"super_whale_boost"`
	MLEnabled                    bool    `yaml:"ml_enabled"`
	MLMinConfidence              float64 `yaml:"ml_min_confidence"`
	MLAlignedBoost               float64 `yaml:"ml_aligned_boost"`
	MLOpposedPenalty             float64 `yaml:"ml_opposed_penalty"`
}

// BridgeConfig configures the bridge latency model.
type BridgeConfig struct {
	HistoryCapacity int           `yaml:"history_capacity"`
	RetentionPeriod time.Duration `yaml:"retention_period"`
}

// DetectorConfig configures the cross-chain detector core.
type DetectorConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	MLMaxLatency        time.Duration `yaml:"ml_max_latency"`
	WhaleGuardRate      float64       `yaml:"whale_guard_rate"`
	WhaleGuardBurst     int           `yaml:"whale_guard_burst"`
}

// CoordinatorConfig configures the fleet-health and failover coordinator.
type CoordinatorConfig struct {
	ScanInterval      time.Duration `yaml:"scan_interval"`
	FailoverTimeout   time.Duration `yaml:"failover_timeout"`
	CircuitBreakerAPIKey string     `yaml:"circuit_breaker_api_key"`
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with every documented production
// default.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		InstanceID:    hostname,
		RegionID:      "default",
		BoltPath:      "./data/chainarb.db",
		Election: ElectionConfig{
			LockKey:              "lock:leader",
			LockTTL:              15 * time.Second,
			HeartbeatInterval:    5 * time.Second,
			MaxHeartbeatFailures: 3,
			JitterRange:          4 * time.Second,
			CanBecomeLeader:      true,
		},
		Consumer: ConsumerConfig{
			BatchSize:       50,
			BlockTimeout:     5 * time.Second,
			ClaimIdle:        30 * time.Second,
			MaxDeliveries:    5,
			MaxLen:           10_000,
			ShutdownTimeout:  5 * time.Second,
		},
		DLQ: DLQConfig{
			ScanInterval:       60 * time.Second,
			MaxMessagesPerScan: 1000,
		},
		Snapshot: SnapshotConfig{
			KeyTTL:          10 * time.Minute,
			MaxKeys:         10_000,
			HistoryCapacity: 100,
		},
		Confidence: ConfidenceConfig{
			MaxConfidence:               0.95,
			SuperWhaleThresholdUSD:      500_000,
			SignificantFlowThresholdUSD: 100_000,
			WhaleBullishBoost:           1.15,
			WhaleBearishPenalty:         0.85,
			SuperWhaleBoost:             1.25,
			MLEnabled:                   false,
			MLMinConfidence:             0.6,
			MLAlignedBoost:              1.15,
			MLOpposedPenalty:            0.9,
		},
		Bridge: BridgeConfig{
			HistoryCapacity: 1000,
			RetentionPeriod: 30 * 24 * time.Hour,
		},
		Detector: DetectorConfig{
			ConfidenceThreshold: 0.5,
			MLMaxLatency:        200 * time.Millisecond,
			WhaleGuardRate:      1,
			WhaleGuardBurst:     3,
		},
		Coordinator: CoordinatorConfig{
			ScanInterval:    15 * time.Second,
			FailoverTimeout: 45 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads an optional YAML file, overlays environment variables, and
// validates the result. path may be empty — defaults and environment
// are then the only sources.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays recognized environment variables onto cfg.
// Environment values always take precedence over the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("BOLT_PATH"); v != "" {
		cfg.BoltPath = v
	}
	if v := os.Getenv("INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := os.Getenv("REGION_ID"); v != "" {
		cfg.RegionID = v
	}
	if v := os.Getenv("ENABLE_CROSS_REGION_HEALTH"); v != "" {
		cfg.EnableCrossRegionHealth = v == "true" || v == "1"
	}
	if v := os.Getenv("PARTITION_CHAINS"); v != "" {
		cfg.PartitionChains = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CIRCUIT_BREAKER_API_KEY"); v != "" {
		cfg.Coordinator.CircuitBreakerAPIKey = v
	}
	if v := os.Getenv("TEST_ENVIRONMENT"); v != "" {
		cfg.testEnvironment = v == "true" || v == "1"
	}
}

// MarkTestEnvironment relaxes the RedisURL-required validation rule for
// in-process tests that never open a real transport.
func (c *Config) MarkTestEnvironment() { c.testEnvironment = true }

// Validate checks all config fields for correctness. Returns a single
// aggregated error listing every violation found, so an operator sees
// the whole problem in one startup log line rather than fixing one
// field per restart.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.InstanceID == "" {
		errs = append(errs, "instance_id must not be empty")
	}
	if cfg.RedisURL == "" && !cfg.testEnvironment {
		errs = append(errs, "redis_url is required outside test environments")
	}
	if cfg.Election.LockTTL < cfg.Election.HeartbeatInterval*3 {
		errs = append(errs, fmt.Sprintf(
			"election.lock_ttl (%s) must be at least 3x election.heartbeat_interval (%s)",
			cfg.Election.LockTTL, cfg.Election.HeartbeatInterval))
	}
	if cfg.Election.MaxHeartbeatFailures < 1 {
		errs = append(errs, "election.max_heartbeat_failures must be >= 1")
	}
	if cfg.Consumer.BatchSize < 1 {
		errs = append(errs, "consumer.batch_size must be >= 1")
	}
	if cfg.Consumer.MaxDeliveries < 1 {
		errs = append(errs, "consumer.max_deliveries must be >= 1")
	}
	if cfg.Snapshot.MaxKeys < 1 {
		errs = append(errs, "snapshot.max_keys must be >= 1")
	}
	if cfg.Snapshot.HistoryCapacity < 1 {
		errs = append(errs, "snapshot.history_capacity must be >= 1")
	}
	if cfg.Confidence.MaxConfidence <= 0 || cfg.Confidence.MaxConfidence > 1 {
		errs = append(errs, "confidence.max_confidence must be in (0, 1]")
	}
	if cfg.Bridge.HistoryCapacity < 1 {
		errs = append(errs, "bridge.history_capacity must be >= 1")
	}
	if cfg.Coordinator.FailoverTimeout < 45*time.Second || cfg.Coordinator.FailoverTimeout > 60*time.Second {
		errs = append(errs, "coordinator.failover_timeout must be in [45s, 60s]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// EnvInt reads an integer environment variable, falling back to def if
// unset or unparsable.
func EnvInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
