package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the vision backend processes.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Spacer   SpacerConfig
	Vision   VisionConfig
	Jobs     JobsConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
	MetricsPort       int
}

type DatabaseConfig struct {
	// Backend is "postgres" or "memory". The memory backend keeps
	// everything in-process and is meant for local development.
	Backend         string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type SpacerConfig struct {
	Queue     string
	BaseURL   string
	Token     string
	Timeout   time.Duration
	LostAfter time.Duration

	BreakerMaxRequests  uint32
	BreakerInterval     time.Duration
	BreakerTimeout      time.Duration
	BreakerFailureRatio float64
}

// VisionConfig carries the classifier lifecycle policy.
type VisionConfig struct {
	NewClassifierTrainTH       float64
	NewClassifierImprovementTH float64
	MinClassifierAccuracy      float64
	MinNbrAnnotatedImages      int
	NbrScoresPerAnnotation     int
	NbrTrainingEpochs          int
	MaxImagePixels             int64
	FeatureExtractor           string
	ValSplitEvery              int
	TrainRetryEnabled          bool
}

type JobsConfig struct {
	MaxDays           int
	MaxMinutes        int
	StuckAfter        time.Duration
	SchedulerInterval time.Duration
	CollectInterval   time.Duration
	Concurrency       int
	ApiJobMaxDays     int
}

var validQueues = map[string]bool{
	"local": true,
	"redis": true,
	"http":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// If envFile is non-empty and exists, its values are loaded into the environment
// first; variables already set in the environment take precedence.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("VB_PORT", 8080),
			Env:               envString("VB_ENV", "development"),
			RequestsPerMinute: envInt("VB_REQUESTS_PER_MINUTE", 60),
			MetricsPort:       envInt("VB_METRICS_PORT", 2113),
		},
		Database: DatabaseConfig{
			Backend:         envString("STORE_BACKEND", "postgres"),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Spacer: SpacerConfig{
			Queue:               envString("SPACER_QUEUE", "local"),
			BaseURL:             os.Getenv("SPACER_BASE_URL"),
			Token:               os.Getenv("SPACER_TOKEN"),
			Timeout:             envDurationSecs("SPACER_TIMEOUT_SECS", 30*time.Second),
			LostAfter:           envDuration("SPACER_LOST_AFTER", 30*time.Minute),
			BreakerMaxRequests:  uint32(envInt("SPACER_BREAKER_MAX_REQUESTS", 100)),
			BreakerInterval:     envDuration("SPACER_BREAKER_INTERVAL", 5*time.Second),
			BreakerTimeout:      envDuration("SPACER_BREAKER_TIMEOUT", 3*time.Second),
			BreakerFailureRatio: envFloat("SPACER_BREAKER_FAILURE_RATIO", 0.6),
		},
		Vision: VisionConfig{
			NewClassifierTrainTH:       envFloat("NEW_CLASSIFIER_TRAIN_TH", 1.1),
			NewClassifierImprovementTH: envFloat("NEW_CLASSIFIER_IMPROVEMENT_TH", 1.01),
			MinClassifierAccuracy:      envFloat("MIN_CLASSIFIER_ACCURACY", 0),
			MinNbrAnnotatedImages:      envInt("MIN_NBR_ANNOTATED_IMAGES", 20),
			NbrScoresPerAnnotation:     envInt("NBR_SCORES_PER_ANNOTATION", 5),
			NbrTrainingEpochs:          envInt("NBR_TRAINING_EPOCHS", 10),
			MaxImagePixels:             int64(envInt("MAX_IMAGE_PIXELS", 10000*10000)),
			FeatureExtractor:           envString("FEATURE_EXTRACTOR", "efficientnet_b0_ver1"),
			ValSplitEvery:              envInt("VAL_SPLIT_EVERY", 8),
			TrainRetryEnabled:          envBool("TRAIN_RETRY_ENABLED", false),
		},
		Jobs: JobsConfig{
			MaxDays:           envInt("JOB_MAX_DAYS", 30),
			MaxMinutes:        envInt("JOB_MAX_MINUTES", 10),
			StuckAfter:        envDuration("JOB_STUCK_AFTER", 72*time.Hour),
			SchedulerInterval: envDuration("SCHEDULER_INTERVAL", 10*time.Second),
			CollectInterval:   envDuration("COLLECT_INTERVAL", time.Minute),
			Concurrency:       envInt("JOB_CONCURRENCY", 4),
			ApiJobMaxDays:     envInt("API_JOB_MAX_DAYS", 30),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Backend {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be one of postgres, memory; got %q", c.Database.Backend)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validQueues[c.Spacer.Queue] {
		return fmt.Errorf("SPACER_QUEUE must be one of local, redis, http; got %q", c.Spacer.Queue)
	}
	if c.Spacer.Queue == "http" {
		if c.Spacer.BaseURL == "" {
			return fmt.Errorf("SPACER_BASE_URL is required when SPACER_QUEUE is http")
		}
		if !strings.HasPrefix(c.Spacer.BaseURL, "http://") && !strings.HasPrefix(c.Spacer.BaseURL, "https://") {
			return fmt.Errorf("SPACER_BASE_URL must start with http:// or https://, got %q", c.Spacer.BaseURL)
		}
	}

	if c.Vision.NewClassifierTrainTH < 1 {
		return fmt.Errorf("NEW_CLASSIFIER_TRAIN_TH must be at least 1, got %v", c.Vision.NewClassifierTrainTH)
	}
	if c.Vision.NewClassifierImprovementTH < 1 {
		return fmt.Errorf("NEW_CLASSIFIER_IMPROVEMENT_TH must be at least 1, got %v", c.Vision.NewClassifierImprovementTH)
	}
	if c.Vision.MinClassifierAccuracy < 0 || c.Vision.MinClassifierAccuracy >= 1 {
		return fmt.Errorf("MIN_CLASSIFIER_ACCURACY must be in [0, 1), got %v", c.Vision.MinClassifierAccuracy)
	}
	if c.Vision.NbrScoresPerAnnotation < 1 {
		return fmt.Errorf("NBR_SCORES_PER_ANNOTATION must be positive, got %d", c.Vision.NbrScoresPerAnnotation)
	}
	if c.Vision.ValSplitEvery < 2 {
		return fmt.Errorf("VAL_SPLIT_EVERY must be at least 2, got %d", c.Vision.ValSplitEvery)
	}

	if c.Jobs.Concurrency < 1 {
		return fmt.Errorf("JOB_CONCURRENCY must be positive, got %d", c.Jobs.Concurrency)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
