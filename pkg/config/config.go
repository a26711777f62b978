// Package config loads tyrefit configuration: built-in defaults, then an
// optional YAML file, then a .env file, then environment overrides. The
// result is validated before use.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the tyrefit binaries.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Training  TrainingConfig  `yaml:"training"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Ranker    RankerConfig    `yaml:"ranker"`
	Intent    IntentConfig    `yaml:"intent"`
	Advisor   AdvisorConfig   `yaml:"advisor"`
	Paths     PathsConfig     `yaml:"paths"`
	NATS      NATSConfig      `yaml:"nats"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port             int           `yaml:"port"`
	CORSOrigin       string        `yaml:"cors_origin"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

type IngestConfig struct {
	BatchSize int `yaml:"batch_size"`
	// Workers normalizing each batch; 0 uses GOMAXPROCS.
	Workers int `yaml:"workers"`
}

// TrainingConfig holds the estimator hyperparameters.
type TrainingConfig struct {
	Seed            uint64  `yaml:"seed"`
	ValidationRatio float64 `yaml:"validation_ratio"`
	Trees           int     `yaml:"trees"`
	MaxDepth        int     `yaml:"max_depth"`
	BoostingRounds  int     `yaml:"boosting_rounds"`
	LearningRate    float64 `yaml:"learning_rate"`
	// MaxRows caps the rows kept per training set; 0 keeps everything.
	MaxRows int `yaml:"max_rows"`
}

type ResolverConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	SearchEnabled       bool          `yaml:"search_enabled"`
	SearchMinScore      float64       `yaml:"search_min_score"`
	SearchTimeout       time.Duration `yaml:"search_timeout"`
	SearchLimit         int           `yaml:"search_limit"`
}

type RankerConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	// Boundaries are the budget/mid and mid/premium cuts as fractions of a
	// size's price range.
	Boundaries []float64 `yaml:"boundaries"`
	Dedupe     bool      `yaml:"dedupe"`
}

type IntentConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type AdvisorConfig struct {
	BrandTopK int     `yaml:"brand_top_k"`
	PriceBand float64 `yaml:"price_band"`
}

type PathsConfig struct {
	ArtifactDir string `yaml:"artifact_dir"`
	SnapshotDir string `yaml:"snapshot_dir"`
}

// NATSConfig: an empty URL disables publishing and hot reload.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// Neo4jConfig: an empty URL disables the vehicle and lead stores.
type Neo4jConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type QdrantConfig struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
}

// RedisConfig: an empty Addr disables response caching.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// RateLimitConfig is the per-client token bucket on the API. RPS <= 0
// disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// DefaultConfig returns the settings of a local development setup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			CORSOrigin:       "*",
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
			MaxBodyBytes:     1 << 20,
		},
		Log:    LogConfig{Level: "info", Format: "json"},
		Ingest: IngestConfig{BatchSize: 1000},
		Training: TrainingConfig{
			Seed:            42,
			ValidationRatio: 0.2,
			Trees:           100,
			MaxDepth:        20,
			BoostingRounds:  100,
			LearningRate:    0.1,
			MaxRows:         200000,
		},
		Resolver: ResolverConfig{
			ConfidenceThreshold: 0.6,
			SearchEnabled:       false,
			SearchMinScore:      0.8,
			SearchTimeout:       300 * time.Millisecond,
			SearchLimit:         5,
		},
		Ranker:  RankerConfig{DefaultLimit: 3, Boundaries: []float64{1.0 / 3, 2.0 / 3}, Dedupe: true},
		Intent:  IntentConfig{Threshold: 0.35},
		Advisor: AdvisorConfig{BrandTopK: 3, PriceBand: 0.10},
		Paths:   PathsConfig{ArtifactDir: "./artifacts", SnapshotDir: "./data/snapshots"},
		Neo4j:   Neo4jConfig{User: "neo4j"},
		Qdrant:  QdrantConfig{Addr: "localhost:6334", Collection: "tyrefit_vehicles"},
		Redis:   RedisConfig{PoolSize: 10, Prefix: "tyrefit:", TTL: 10 * time.Minute},
		RateLimit: RateLimitConfig{
			RPS:   20,
			Burst: 40,
		},
	}
}

// Load reads path (if non-empty), loads envFiles into the process
// environment (".env" when none are given; missing files are skipped),
// applies environment overrides and validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Ingest.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("ingest.batch_size must be positive, got %d", c.Ingest.BatchSize))
	}
	if c.Ingest.Workers < 0 {
		errs = append(errs, fmt.Errorf("ingest.workers must not be negative, got %d", c.Ingest.Workers))
	}
	if c.Training.ValidationRatio < 0 || c.Training.ValidationRatio >= 1 {
		errs = append(errs, fmt.Errorf("training.validation_ratio must be in [0,1), got %g", c.Training.ValidationRatio))
	}
	if c.Training.MaxRows < 0 {
		errs = append(errs, fmt.Errorf("training.max_rows must not be negative, got %d", c.Training.MaxRows))
	}
	// Zero means unset to the resolver and classifier.
	for name, v := range map[string]float64{
		"resolver.confidence_threshold": c.Resolver.ConfidenceThreshold,
		"resolver.search_min_score":     c.Resolver.SearchMinScore,
		"intent.threshold":              c.Intent.Threshold,
	} {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0,1], got %g", name, v))
		}
	}
	if b := c.Ranker.Boundaries; len(b) != 2 {
		errs = append(errs, fmt.Errorf("ranker.boundaries needs exactly 2 values, got %d", len(b)))
	} else if b[0] <= 0 || b[1] >= 1 || b[0] >= b[1] {
		errs = append(errs, fmt.Errorf("ranker.boundaries must be increasing within (0,1), got %v", b))
	}
	if c.Ranker.DefaultLimit < 1 {
		errs = append(errs, fmt.Errorf("ranker.default_limit must be positive, got %d", c.Ranker.DefaultLimit))
	}
	if c.Advisor.PriceBand < 0 || c.Advisor.PriceBand >= 1 {
		errs = append(errs, fmt.Errorf("advisor.price_band must be in [0,1), got %g", c.Advisor.PriceBand))
	}
	if c.Resolver.SearchEnabled && c.Qdrant.Addr == "" {
		errs = append(errs, errors.New("resolver.search_enabled requires qdrant.addr"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("invalid log format: %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string { return ":" + strconv.Itoa(c.Server.Port) }

// NewLogger builds the process logger described by c.Log.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level: %q", s)
	}
	return l, nil
}

// applyEnvOverrides applies environment variable overrides to cfg. Values
// that fail to parse are reported together.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	parse := func(key string, set func(string) error) {
		if v := os.Getenv(key); v != "" {
			if err := set(strings.TrimSpace(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s=%q: %w", key, v, err))
			}
		}
	}
	integer := func(key string, dst *int) {
		parse(key, func(v string) (err error) { *dst, err = strconv.Atoi(v); return })
	}
	float := func(key string, dst *float64) {
		parse(key, func(v string) (err error) { *dst, err = strconv.ParseFloat(v, 64); return })
	}
	boolean := func(key string, dst *bool) {
		parse(key, func(v string) (err error) { *dst, err = strconv.ParseBool(v); return })
	}
	duration := func(key string, dst *time.Duration) {
		parse(key, func(v string) (err error) { *dst, err = time.ParseDuration(v); return })
	}

	integer("PORT", &cfg.Server.Port)
	integer("TYREFIT_PORT", &cfg.Server.Port)
	str(&cfg.Server.CORSOrigin, "TYREFIT_CORS_ORIGIN", "CORS_ORIGIN")
	str(&cfg.Log.Level, "TYREFIT_LOG_LEVEL", "LOG_LEVEL")
	str(&cfg.Log.Format, "TYREFIT_LOG_FORMAT", "LOG_FORMAT")

	integer("TYREFIT_INGEST_BATCH_SIZE", &cfg.Ingest.BatchSize)
	integer("TYREFIT_INGEST_WORKERS", &cfg.Ingest.Workers)
	parse("TYREFIT_SEED", func(v string) (err error) { cfg.Training.Seed, err = strconv.ParseUint(v, 10, 64); return })
	float("TYREFIT_VALIDATION_RATIO", &cfg.Training.ValidationRatio)
	integer("TYREFIT_MAX_TRAINING_ROWS", &cfg.Training.MaxRows)

	float("TYREFIT_CONFIDENCE_THRESHOLD", &cfg.Resolver.ConfidenceThreshold)
	boolean("TYREFIT_SEARCH_ENABLED", &cfg.Resolver.SearchEnabled)
	float("TYREFIT_SEARCH_MIN_SCORE", &cfg.Resolver.SearchMinScore)
	duration("TYREFIT_SEARCH_TIMEOUT", &cfg.Resolver.SearchTimeout)
	float("TYREFIT_INTENT_THRESHOLD", &cfg.Intent.Threshold)
	integer("TYREFIT_RANK_LIMIT", &cfg.Ranker.DefaultLimit)

	str(&cfg.Paths.ArtifactDir, "TYREFIT_ARTIFACT_DIR")
	str(&cfg.Paths.SnapshotDir, "TYREFIT_SNAPSHOT_DIR")

	str(&cfg.NATS.URL, "TYREFIT_NATS_URL", "NATS_URL")
	str(&cfg.Neo4j.URL, "TYREFIT_NEO4J_URL", "NEO4J_URL")
	str(&cfg.Neo4j.User, "NEO4J_USER")
	str(&cfg.Neo4j.Password, "NEO4J_PASSWORD", "NEO4J_PASS")
	str(&cfg.Qdrant.Addr, "TYREFIT_QDRANT_ADDR", "QDRANT_ADDR")
	str(&cfg.Qdrant.Collection, "QDRANT_COLLECTION")
	str(&cfg.Redis.Addr, "TYREFIT_REDIS_ADDR", "REDIS_ADDR")
	str(&cfg.Redis.Password, "REDIS_PASSWORD")
	duration("TYREFIT_CACHE_TTL", &cfg.Redis.TTL)

	float("TYREFIT_RATE_LIMIT_RPS", &cfg.RateLimit.RPS)
	integer("TYREFIT_RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	return errors.Join(errs...)
}
