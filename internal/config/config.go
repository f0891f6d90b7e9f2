// Package config loads memoryd's runtime configuration from the environment
// (with an optional .env overlay), following the teacher's env-first pattern:
// explicit parsing, defaults applied after parsing, no silent magic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RedisConfig configures the key-value/scripting/streams backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PostgresConfig configures the relational backend used by L2/L3-graph/L4.
type PostgresConfig struct {
	DSN string
}

// QdrantConfig configures the vector backend used by L3.
type QdrantConfig struct {
	URL        string
	Collection string
	Dimensions int
	Metric     string
}

// KafkaConfig configures the optional lifecycle fan-out sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// LLMConfig configures the unified LLM client's provider fallback order.
type LLMConfig struct {
	Providers      []string // ordered fallback, e.g. ["anthropic", "openai"]
	AnthropicKey   string
	AnthropicModel string
	OpenAIKey      string
	OpenAIModel    string
}

// Config is the full set of recognized configuration keys (spec.md §6).
type Config struct {
	Redis    RedisConfig
	Postgres PostgresConfig
	Qdrant   QdrantConfig
	Kafka    KafkaConfig
	LLM      LLMConfig

	WindowSize           int
	TTLHours             int
	MinCIAR              float64
	MaxTurns             int
	MaxFacts             int
	BatchMinTurns        int
	PromotionThreshold   float64
	StuckTimeoutMinutes  int
	MetricsSampleRate    float64
	ConsolidationMinFacts    int
	ConsolidationSweep       time.Duration
	DistillationMinEpisodes  int
	DistillationSweep        time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	Port     string
	LogPath  string
	LogLevel string
}

// Load reads configuration from the environment, applying defaults for
// anything left unset. Overload lets a repo-local .env deterministically
// control development runs: its values replace variables already set in the
// process environment.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.Redis.Addr = firstNonEmpty(os.Getenv("REDIS_ADDR"), "127.0.0.1:6379")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = envInt("REDIS_DB", 0)

	cfg.Postgres.DSN = os.Getenv("POSTGRES_DSN")

	cfg.Qdrant.URL = firstNonEmpty(os.Getenv("QDRANT_URL"), "http://127.0.0.1:6334")
	cfg.Qdrant.Collection = firstNonEmpty(os.Getenv("QDRANT_COLLECTION"), "episodes")
	cfg.Qdrant.Dimensions = envInt("QDRANT_DIMENSIONS", 1536)
	cfg.Qdrant.Metric = firstNonEmpty(os.Getenv("QDRANT_METRIC"), "cosine")

	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Kafka.Topic = firstNonEmpty(os.Getenv("KAFKA_LIFECYCLE_TOPIC"), "mas.lifecycle")

	if providers := strings.TrimSpace(os.Getenv("LLM_PROVIDERS")); providers != "" {
		cfg.LLM.Providers = strings.Split(providers, ",")
	} else {
		cfg.LLM.Providers = []string{"anthropic", "openai"}
	}
	cfg.LLM.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.LLM.AnthropicModel = firstNonEmpty(os.Getenv("ANTHROPIC_MODEL"), "claude-sonnet-4-5")
	cfg.LLM.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	cfg.LLM.OpenAIModel = firstNonEmpty(os.Getenv("OPENAI_MODEL"), "gpt-4.1-mini")

	cfg.WindowSize = envInt("WINDOW_SIZE", 20)
	cfg.TTLHours = envInt("TTL_HOURS", 24)
	cfg.MinCIAR = envFloat("MIN_CIAR", 0.6)
	cfg.MaxTurns = envInt("MAX_TURNS", 10)
	cfg.MaxFacts = envInt("MAX_FACTS", 20)
	cfg.BatchMinTurns = envInt("BATCH_MIN_TURNS", 4)
	cfg.PromotionThreshold = envFloat("PROMOTION_THRESHOLD", cfg.MinCIAR)
	cfg.StuckTimeoutMinutes = envInt("STUCK_TIMEOUT_MINUTES", 15)
	cfg.MetricsSampleRate = envFloat("METRICS_SAMPLE_RATE", 1.0)
	cfg.ConsolidationMinFacts = envInt("CONSOLIDATION_MIN_FACTS", 5)
	cfg.ConsolidationSweep = envSeconds("CONSOLIDATION_SWEEP_SECONDS", 300)
	cfg.DistillationMinEpisodes = envInt("DISTILLATION_MIN_EPISODES", 8)
	cfg.DistillationSweep = envSeconds("DISTILLATION_SWEEP_SECONDS", 1800)

	cfg.RateLimitRPS = envFloat("RATE_LIMIT_RPS", 50)
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", 100)

	cfg.Port = firstNonEmpty(os.Getenv("PORT"), "8080")
	cfg.LogPath = os.Getenv("LOG_PATH")
	cfg.LogLevel = firstNonEmpty(os.Getenv("LOG_LEVEL"), "info")

	if path := strings.TrimSpace(os.Getenv("MEMORYD_CONFIG_FILE")); path != "" {
		if err := applyYAMLOverlay(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// overlay mirrors the subset of Config an operator plausibly wants to pin in
// a checked-in file rather than scatter across env vars (tuning knobs, not
// secrets). Only fields present in the YAML document are applied; anything
// absent keeps its env-derived value.
type overlay struct {
	WindowSize              *int     `yaml:"window_size"`
	TTLHours                *int     `yaml:"ttl_hours"`
	MinCIAR                 *float64 `yaml:"min_ciar"`
	MaxTurns                *int     `yaml:"max_turns"`
	MaxFacts                *int     `yaml:"max_facts"`
	BatchMinTurns           *int     `yaml:"batch_min_turns"`
	PromotionThreshold      *float64 `yaml:"promotion_threshold"`
	StuckTimeoutMinutes     *int     `yaml:"stuck_timeout_minutes"`
	ConsolidationMinFacts   *int     `yaml:"consolidation_min_facts"`
	ConsolidationSweepSecs  *int     `yaml:"consolidation_sweep_seconds"`
	DistillationMinEpisodes *int     `yaml:"distillation_min_episodes"`
	DistillationSweepSecs   *int     `yaml:"distillation_sweep_seconds"`
	RateLimitRPS            *float64 `yaml:"rate_limit_rps"`
	RateLimitBurst          *int     `yaml:"rate_limit_burst"`
}

// applyYAMLOverlay reads path as YAML and overrides cfg's tuning knobs with
// whichever fields are present, letting a deployment check in its
// significance-threshold and sweep-cadence tuning separately from secrets
// that stay in the environment.
func applyYAMLOverlay(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config overlay %s: %w", path, err)
	}
	var ov overlay
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return fmt.Errorf("parse config overlay %s: %w", path, err)
	}
	if ov.WindowSize != nil {
		cfg.WindowSize = *ov.WindowSize
	}
	if ov.TTLHours != nil {
		cfg.TTLHours = *ov.TTLHours
	}
	if ov.MinCIAR != nil {
		cfg.MinCIAR = *ov.MinCIAR
	}
	if ov.MaxTurns != nil {
		cfg.MaxTurns = *ov.MaxTurns
	}
	if ov.MaxFacts != nil {
		cfg.MaxFacts = *ov.MaxFacts
	}
	if ov.BatchMinTurns != nil {
		cfg.BatchMinTurns = *ov.BatchMinTurns
	}
	if ov.PromotionThreshold != nil {
		cfg.PromotionThreshold = *ov.PromotionThreshold
	}
	if ov.StuckTimeoutMinutes != nil {
		cfg.StuckTimeoutMinutes = *ov.StuckTimeoutMinutes
	}
	if ov.ConsolidationMinFacts != nil {
		cfg.ConsolidationMinFacts = *ov.ConsolidationMinFacts
	}
	if ov.ConsolidationSweepSecs != nil {
		cfg.ConsolidationSweep = time.Duration(*ov.ConsolidationSweepSecs) * time.Second
	}
	if ov.DistillationMinEpisodes != nil {
		cfg.DistillationMinEpisodes = *ov.DistillationMinEpisodes
	}
	if ov.DistillationSweepSecs != nil {
		cfg.DistillationSweep = time.Duration(*ov.DistillationSweepSecs) * time.Second
	}
	if ov.RateLimitRPS != nil {
		cfg.RateLimitRPS = *ov.RateLimitRPS
	}
	if ov.RateLimitBurst != nil {
		cfg.RateLimitBurst = *ov.RateLimitBurst
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envSeconds(key string, defSeconds int) time.Duration {
	n := envInt(key, defSeconds)
	return time.Duration(n) * time.Second
}
