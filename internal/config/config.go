package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Quality  QualityConfig  `yaml:"quality" mapstructure:"quality"`
	Dedup    DedupConfig    `yaml:"dedup" mapstructure:"dedup"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Circuit  CircuitConfig  `yaml:"circuit" mapstructure:"circuit"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Sources  SourcesConfig  `yaml:"sources" mapstructure:"sources"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the result sink backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PipelineConfig configures job scheduling and lifecycle.
type PipelineConfig struct {
	MaxConcurrentJobs   int  `yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
	TestLimit           int  `yaml:"test_limit" mapstructure:"test_limit"`
	TestConcurrency     int  `yaml:"test_concurrency" mapstructure:"test_concurrency"`
	EventBuffer         int  `yaml:"event_buffer" mapstructure:"event_buffer"`
	ShutdownTimeoutSecs int  `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
	ExtractTimeoutSecs  int  `yaml:"extract_timeout_secs" mapstructure:"extract_timeout_secs"`
	StoreTimeoutSecs    int  `yaml:"store_timeout_secs" mapstructure:"store_timeout_secs"`
	CrossRunDedup       bool `yaml:"cross_run_dedup" mapstructure:"cross_run_dedup"`
}

// QualityWeights holds the relative weight of each quality dimension.
type QualityWeights struct {
	Completeness   float64 `yaml:"completeness" mapstructure:"completeness"`
	Contactability float64 `yaml:"contactability" mapstructure:"contactability"`
	Specificity    float64 `yaml:"specificity" mapstructure:"specificity"`
}

// QualityConfig configures record quality scoring.
type QualityConfig struct {
	Weights           QualityWeights `yaml:"weights" mapstructure:"weights"`
	DefaultCategories []string       `yaml:"default_categories" mapstructure:"default_categories"`
	TopIssues         int            `yaml:"top_issues" mapstructure:"top_issues"`
}

// DedupConfig configures duplicate detection thresholds and weights.
type DedupConfig struct {
	ExactThreshold     float64 `yaml:"exact_threshold" mapstructure:"exact_threshold"`
	ProbableThreshold  float64 `yaml:"probable_threshold" mapstructure:"probable_threshold"`
	NameWeight         float64 `yaml:"name_weight" mapstructure:"name_weight"`
	LocationWeight     float64 `yaml:"location_weight" mapstructure:"location_weight"`
	ContactWeight      float64 `yaml:"contact_weight" mapstructure:"contact_weight"`
	ContactNameFloor   float64 `yaml:"contact_name_floor" mapstructure:"contact_name_floor"`
	NearExactName      float64 `yaml:"near_exact_name" mapstructure:"near_exact_name"`
	SameLocation       float64 `yaml:"same_location" mapstructure:"same_location"`
	ProximityMeters    float64 `yaml:"proximity_meters" mapstructure:"proximity_meters"`
	DefaultCountryCode string  `yaml:"default_country_code" mapstructure:"default_country_code"`
	BlockingThreshold  int     `yaml:"blocking_threshold" mapstructure:"blocking_threshold"`
}

// RetryConfig configures retry behavior for adapter and sink calls.
type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs   int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs       int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier         float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction     float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	AttemptTimeoutSecs int     `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
}

// CircuitConfig configures per-source circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// FetchConfig configures outbound downloads.
type FetchConfig struct {
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	TempDir     string  `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// SourcesConfig points at the source definition file.
type SourcesConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.sqlite_path", "service-ingest.db")
	v.SetDefault("store.batch_size", 500)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	v.SetDefault("pipeline.max_concurrent_jobs", 3)
	v.SetDefault("pipeline.test_limit", 5)
	v.SetDefault("pipeline.test_concurrency", 4)
	v.SetDefault("pipeline.event_buffer", 64)
	v.SetDefault("pipeline.shutdown_timeout_secs", 30)
	v.SetDefault("pipeline.extract_timeout_secs", 300)
	v.SetDefault("pipeline.store_timeout_secs", 60)
	v.SetDefault("pipeline.cross_run_dedup", false)

	v.SetDefault("quality.weights.completeness", 0.5)
	v.SetDefault("quality.weights.contactability", 0.3)
	v.SetDefault("quality.weights.specificity", 0.2)
	v.SetDefault("quality.default_categories", []string{"general", "other", "uncategorised"})
	v.SetDefault("quality.top_issues", 5)

	v.SetDefault("dedup.exact_threshold", 0.85)
	v.SetDefault("dedup.probable_threshold", 0.65)
	v.SetDefault("dedup.name_weight", 0.5)
	v.SetDefault("dedup.location_weight", 0.3)
	v.SetDefault("dedup.contact_weight", 0.2)
	v.SetDefault("dedup.contact_name_floor", 0.3)
	v.SetDefault("dedup.near_exact_name", 0.95)
	v.SetDefault("dedup.same_location", 0.9)
	v.SetDefault("dedup.proximity_meters", 150.0)
	v.SetDefault("dedup.default_country_code", "61")
	v.SetDefault("dedup.blocking_threshold", 200)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("retry.attempt_timeout_secs", 120)

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)

	v.SetDefault("fetch.user_agent", "service-ingest/1.0")
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.rate_per_sec", 5.0)
	v.SetDefault("fetch.burst", 5)
	v.SetDefault("fetch.temp_dir", "/tmp/service-ingest")

	v.SetDefault("sources.file", "sources.yaml")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the configuration for the given command mode
// ("run", "serve", "jobs"). All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "serve", "jobs":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "memory":
		if mode == "jobs" {
			errs = append(errs, "store.driver memory keeps no job history")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be one of memory, sqlite, postgres", c.Store.Driver))
	}

	if c.Pipeline.MaxConcurrentJobs < 1 || c.Pipeline.MaxConcurrentJobs > 64 {
		errs = append(errs, "pipeline.max_concurrent_jobs must be between 1 and 64")
	}
	if c.Pipeline.TestLimit < 1 {
		errs = append(errs, "pipeline.test_limit must be > 0")
	}

	w := c.Quality.Weights
	if w.Completeness < 0 || w.Contactability < 0 || w.Specificity < 0 {
		errs = append(errs, "quality.weights values must be >= 0")
	} else if w.Completeness+w.Contactability+w.Specificity == 0 {
		errs = append(errs, "quality.weights must not all be zero")
	}

	d := c.Dedup
	for name, val := range map[string]float64{
		"exact_threshold":    d.ExactThreshold,
		"probable_threshold": d.ProbableThreshold,
		"contact_name_floor": d.ContactNameFloor,
		"near_exact_name":    d.NearExactName,
		"same_location":      d.SameLocation,
	} {
		if val < 0 || val > 1 {
			errs = append(errs, fmt.Sprintf("dedup.%s must be between 0 and 1", name))
		}
	}
	if d.ExactThreshold < d.ProbableThreshold {
		errs = append(errs, "dedup.exact_threshold must be >= dedup.probable_threshold")
	}
	if d.NameWeight <= 0 || d.LocationWeight <= 0 || d.ContactWeight <= 0 {
		errs = append(errs, "dedup weights must be > 0")
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, "server.port must be > 0 and <= 65535")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
