package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Embedding EmbeddingConfig `json:"embedding"`
	Capture   CaptureConfig   `json:"capture"`
	Store     StoreConfig     `json:"store"`
	Dream     DreamConfig     `json:"dream"`
	Transfer  TransferConfig  `json:"transfer"`
	Sleep     SleepConfig     `json:"sleep"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api", "local", or "hash"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// CaptureConfig controls the experience capture buffer.
type CaptureConfig struct {
	FlushSize     int      `json:"flush_size"`     // default 100
	FlushInterval Duration `json:"flush_interval"` // default 30s
	QueueDepth    int      `json:"queue_depth"`    // default 1024
}

// StoreConfig controls pattern store ranking and caching.
type StoreConfig struct {
	VectorWeight  float64  `json:"vector_weight"`   // default 0.6
	RuleWeight    float64  `json:"rule_weight"`     // default 0.4
	MinQuality    float64  `json:"min_quality"`     // default 0.3
	QueryCacheTTL Duration `json:"query_cache_ttl"` // default 5m
	CacheBudget   int64    `json:"cache_budget"`    // bytes, default 32 MiB
}

// DreamConfig controls the dream engine.
type DreamConfig struct {
	SeedLimit           int     `json:"seed_limit"`           // default 100
	SimilarityThreshold float64 `json:"similarity_threshold"` // default 0.7
	MaxOutDegree        int     `json:"max_out_degree"`       // default 20
	NoiseFactor         float64 `json:"noise_factor"`         // default 0.2
	SpreadFactor        float64 `json:"spread_factor"`        // default 0.5
	DecayRate           float64 `json:"decay_rate"`           // default 0.9
	MaxIterations       int     `json:"max_iterations"`       // default 10
	CoActivation        float64 `json:"co_activation"`        // default 0.6
	NoveltyThreshold    float64 `json:"novelty_threshold"`    // default 0.5
	MinConfidence       float64 `json:"min_confidence"`       // default 0.5
	MaxInsights         int     `json:"max_insights"`         // default 5
}

// TransferConfig controls cross-agent pattern propagation.
type TransferConfig struct {
	CompatibilityThreshold float64 `json:"compatibility_threshold"`   // default 0.5
	MaxPatternsPerTransfer int     `json:"max_patterns_per_transfer"` // default 50
	MinBroadcastConfidence float64 `json:"min_broadcast_confidence"`  // default 0.7
	MinCopyConfidence      float64 `json:"min_copy_confidence"`       // default 0.5
	Validate               *bool   `json:"validate,omitempty"`        // default true
}

// SleepConfig controls the sleep-cycle scheduler.
type SleepConfig struct {
	Mode             string   `json:"mode"`               // "idle", "time", "hybrid"
	PollInterval     Duration `json:"poll_interval"`      // default 10s
	MinIdle          Duration `json:"min_idle"`           // default 60s
	CPUThreshold     float64  `json:"cpu_threshold"`      // default 0.20
	MemoryThreshold  float64  `json:"memory_threshold"`   // default 0.70
	StartHour        int      `json:"start_hour"`         // time mode window start
	WindowHours      int      `json:"window_hours"`       // time mode window length
	Weekdays         []string `json:"weekdays"`           // empty = every day
	MinCycleInterval Duration `json:"min_cycle_interval"` // default 1h
	MaxCycleDuration Duration `json:"max_cycle_duration"` // default 50m
	PhaseBudgets     Budgets  `json:"phase_budgets"`
	MaxPatterns      int      `json:"max_patterns"` // per-cycle synthesis cap, default 25
	MaxAgents        int      `json:"max_agents"`   // per-cycle broadcast cap, default 10
}

// Budgets holds the per-phase time budgets.
type Budgets struct {
	Capture     Duration `json:"capture"`     // default 5m
	Process     Duration `json:"process"`     // default 10m
	Consolidate Duration `json:"consolidate"` // default 15m
	Dream       Duration `json:"dream"`      // default 20m
}

// Duration unmarshals both "30s" strings and raw nanosecond numbers.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or number: %s", string(b))
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all reference defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 256
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}

	if c.Capture.FlushSize == 0 {
		c.Capture.FlushSize = 100
	}
	if c.Capture.FlushInterval == 0 {
		c.Capture.FlushInterval = Duration(30 * time.Second)
	}
	if c.Capture.QueueDepth == 0 {
		c.Capture.QueueDepth = 1024
	}

	if c.Store.VectorWeight == 0 && c.Store.RuleWeight == 0 {
		c.Store.VectorWeight = 0.6
		c.Store.RuleWeight = 0.4
	}
	if c.Store.MinQuality == 0 {
		c.Store.MinQuality = 0.3
	}
	if c.Store.QueryCacheTTL == 0 {
		c.Store.QueryCacheTTL = Duration(5 * time.Minute)
	}
	if c.Store.CacheBudget == 0 {
		c.Store.CacheBudget = 32 << 20
	}

	if c.Dream.SeedLimit == 0 {
		c.Dream.SeedLimit = 100
	}
	if c.Dream.SimilarityThreshold == 0 {
		c.Dream.SimilarityThreshold = 0.7
	}
	if c.Dream.MaxOutDegree == 0 {
		c.Dream.MaxOutDegree = 20
	}
	if c.Dream.NoiseFactor == 0 {
		c.Dream.NoiseFactor = 0.2
	}
	if c.Dream.SpreadFactor == 0 {
		c.Dream.SpreadFactor = 0.5
	}
	if c.Dream.DecayRate == 0 {
		c.Dream.DecayRate = 0.9
	}
	if c.Dream.MaxIterations == 0 {
		c.Dream.MaxIterations = 10
	}
	if c.Dream.CoActivation == 0 {
		c.Dream.CoActivation = 0.6
	}
	if c.Dream.NoveltyThreshold == 0 {
		c.Dream.NoveltyThreshold = 0.5
	}
	if c.Dream.MinConfidence == 0 {
		c.Dream.MinConfidence = 0.5
	}
	if c.Dream.MaxInsights == 0 {
		c.Dream.MaxInsights = 5
	}

	if c.Transfer.CompatibilityThreshold == 0 {
		c.Transfer.CompatibilityThreshold = 0.5
	}
	if c.Transfer.MaxPatternsPerTransfer == 0 {
		c.Transfer.MaxPatternsPerTransfer = 50
	}
	if c.Transfer.MinBroadcastConfidence == 0 {
		c.Transfer.MinBroadcastConfidence = 0.7
	}
	if c.Transfer.MinCopyConfidence == 0 {
		c.Transfer.MinCopyConfidence = 0.5
	}

	if c.Sleep.Mode == "" {
		c.Sleep.Mode = "hybrid"
	}
	if c.Sleep.PollInterval == 0 {
		c.Sleep.PollInterval = Duration(10 * time.Second)
	}
	if c.Sleep.MinIdle == 0 {
		c.Sleep.MinIdle = Duration(60 * time.Second)
	}
	if c.Sleep.CPUThreshold == 0 {
		c.Sleep.CPUThreshold = 0.20
	}
	if c.Sleep.MemoryThreshold == 0 {
		c.Sleep.MemoryThreshold = 0.70
	}
	if c.Sleep.WindowHours == 0 {
		c.Sleep.WindowHours = 6
	}
	if c.Sleep.MinCycleInterval == 0 {
		c.Sleep.MinCycleInterval = Duration(time.Hour)
	}
	if c.Sleep.MaxCycleDuration == 0 {
		c.Sleep.MaxCycleDuration = Duration(50 * time.Minute)
	}
	if c.Sleep.PhaseBudgets.Capture == 0 {
		c.Sleep.PhaseBudgets.Capture = Duration(5 * time.Minute)
	}
	if c.Sleep.PhaseBudgets.Process == 0 {
		c.Sleep.PhaseBudgets.Process = Duration(10 * time.Minute)
	}
	if c.Sleep.PhaseBudgets.Consolidate == 0 {
		c.Sleep.PhaseBudgets.Consolidate = Duration(15 * time.Minute)
	}
	if c.Sleep.PhaseBudgets.Dream == 0 {
		c.Sleep.PhaseBudgets.Dream = Duration(20 * time.Minute)
	}
	if c.Sleep.MaxPatterns == 0 {
		c.Sleep.MaxPatterns = 25
	}
	if c.Sleep.MaxAgents == 0 {
		c.Sleep.MaxAgents = 10
	}
}

// ValidateEnabled reports whether post-transfer validation is on (default true).
func (t TransferConfig) ValidateEnabled() bool {
	return t.Validate == nil || *t.Validate
}
