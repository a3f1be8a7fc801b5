// Package config loads and validates the runtime configuration for the
// optimization loop from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/draftlab/promptloop/utils"
)

type Config struct {
	// Provider settings
	Provider       string        `env:"LOOP_PROVIDER" envDefault:"openai"`
	Model          string        `env:"LOOP_MODEL" envDefault:"gpt-4o-mini"`
	OllamaEndpoint string        `env:"OLLAMA_ENDPOINT" envDefault:"http://localhost:11434"`
	Temperature    float64       `env:"LOOP_TEMPERATURE" envDefault:"0.7"`
	MaxTokens      int           `env:"LOOP_MAX_TOKENS" envDefault:"1024"`
	Timeout        time.Duration `env:"LOOP_TIMEOUT" envDefault:"30s"`
	MaxRetries     int           `env:"LOOP_MAX_RETRIES" envDefault:"2" validate:"min=0"`
	RetryDelay     time.Duration `env:"LOOP_RETRY_DELAY" envDefault:"2s"`
	APIKeys        map[string]string

	// Trigger gate
	MaxOptimizationsPerDay int           `env:"LOOP_MAX_PER_DAY" envDefault:"6" validate:"min=1"`
	CoolDown               time.Duration `env:"LOOP_COOL_DOWN" envDefault:"2h"`
	FeedbackWindow         time.Duration `env:"LOOP_FEEDBACK_WINDOW" envDefault:"24h"`
	MinFeedbackCount       int           `env:"LOOP_MIN_FEEDBACK" envDefault:"5" validate:"min=1"`
	NegativeRatioThreshold float64       `env:"LOOP_NEGATIVE_RATIO" envDefault:"0.4" validate:"min=0,max=1"`
	LowRatingThreshold     float64       `env:"LOOP_LOW_RATING" envDefault:"0.4" validate:"min=0,max=1"`
	CostBenefitCap         float64       `env:"LOOP_COST_BENEFIT_CAP" envDefault:"2.0" validate:"gt=0"`
	MaxIterationsPerLab    int           `env:"LOOP_MAX_ITERATIONS" envDefault:"50" validate:"min=1"`

	// Evaluation
	SampleSize            int     `env:"LOOP_SAMPLE_SIZE" envDefault:"10" validate:"min=1"`
	SignificanceThreshold float64 `env:"LOOP_SIGNIFICANCE" envDefault:"0.05" validate:"gt=0,lt=1"`
	WorkerPoolSize        int     `env:"LOOP_WORKERS" envDefault:"4" validate:"min=1"`
	ProviderRateLimit     float64 `env:"LOOP_PROVIDER_RPS" envDefault:"5" validate:"gt=0"`

	// Deployment rule
	DeploymentThreshold float64 `env:"LOOP_DEPLOY_THRESHOLD" envDefault:"5.0" validate:"min=0"`
	MinConfidenceLevel  float64 `env:"LOOP_MIN_CONFIDENCE" envDefault:"0.8" validate:"min=0,max=1"`

	// Rewriter
	ExploratoryCandidates int    `env:"LOOP_EXPLORATORY_N" envDefault:"3" validate:"min=1"`
	TrainingBatchSize     int    `env:"LOOP_TRAINING_BATCH" envDefault:"10" validate:"min=1"`
	WeightProfilePath     string `env:"LOOP_WEIGHT_PROFILES"`

	// Convergence
	PlateauWindow       int     `env:"LOOP_PLATEAU_WINDOW" envDefault:"5" validate:"min=2"`
	PlateauEpsilon      float64 `env:"LOOP_PLATEAU_EPSILON" envDefault:"0.02" validate:"gt=0"`
	StabilityWindow     int     `env:"LOOP_STABILITY_WINDOW" envDefault:"15" validate:"min=1"`
	StabilityAcceptance float64 `env:"LOOP_STABILITY_ACCEPTANCE" envDefault:"0.7" validate:"min=0,max=1"`
	MinIterations       int     `env:"LOOP_MIN_ITERATIONS" envDefault:"3" validate:"min=1"`
	MinFeedbackTotal    int     `env:"LOOP_MIN_FEEDBACK_TOTAL" envDefault:"10" validate:"min=1"`

	// Storage
	DatabasePath string `env:"LOOP_DB_PATH" envDefault:"promptloop.db"`

	LogLevel utils.LogLevel `env:"LOOP_LOG_LEVEL" envDefault:"WARN"`
}

// LoadConfig reads configuration from the environment and validates it.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		APIKeys: make(map[string]string),
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	loadAPIKeys(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadAPIKeys(cfg *Config) {
	for _, envVar := range os.Environ() {
		key, value, found := strings.Cut(envVar, "=")
		if found && strings.HasSuffix(strings.ToUpper(key), "_API_KEY") {
			provider := strings.TrimSuffix(strings.ToUpper(key), "_API_KEY")
			cfg.APIKeys[strings.ToLower(provider)] = value
		}
	}
}

// Validate checks struct tags on the config.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

type ConfigOption func(*Config)

// NewConfig returns a config with library defaults, suitable for embedding
// without environment parsing.
func NewConfig(opts ...ConfigOption) *Config {
	cfg := &Config{
		Provider:               "openai",
		Model:                  "gpt-4o-mini",
		Temperature:            0.7,
		MaxTokens:              1024,
		Timeout:                30 * time.Second,
		MaxRetries:             2,
		RetryDelay:             2 * time.Second,
		APIKeys:                make(map[string]string),
		MaxOptimizationsPerDay: 6,
		CoolDown:               2 * time.Hour,
		FeedbackWindow:         24 * time.Hour,
		MinFeedbackCount:       5,
		NegativeRatioThreshold: 0.4,
		LowRatingThreshold:     0.4,
		CostBenefitCap:         2.0,
		MaxIterationsPerLab:    50,
		SampleSize:             10,
		SignificanceThreshold:  0.05,
		WorkerPoolSize:         4,
		ProviderRateLimit:      5,
		DeploymentThreshold:    5.0,
		MinConfidenceLevel:     0.8,
		ExploratoryCandidates:  3,
		TrainingBatchSize:      10,
		PlateauWindow:          5,
		PlateauEpsilon:         0.02,
		StabilityWindow:        15,
		StabilityAcceptance:    0.7,
		MinIterations:          3,
		MinFeedbackTotal:       10,
		DatabasePath:           "promptloop.db",
		LogLevel:               utils.LogLevelWarn,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func SetProvider(provider string) ConfigOption {
	return func(c *Config) {
		c.Provider = provider
	}
}

func SetModel(model string) ConfigOption {
	return func(c *Config) {
		c.Model = model
	}
}

func SetAPIKey(apiKey string) ConfigOption {
	return func(c *Config) {
		if c.APIKeys == nil {
			c.APIKeys = make(map[string]string)
		}
		c.APIKeys[c.Provider] = apiKey
	}
}

func SetTemperature(temperature float64) ConfigOption {
	return func(c *Config) {
		c.Temperature = temperature
	}
}

func SetTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

func SetMaxRetries(maxRetries int) ConfigOption {
	return func(c *Config) {
		if maxRetries < 0 {
			maxRetries = 0
		}
		c.MaxRetries = maxRetries
	}
}

func SetMaxOptimizationsPerDay(n int) ConfigOption {
	return func(c *Config) {
		c.MaxOptimizationsPerDay = n
	}
}

func SetCoolDown(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.CoolDown = d
	}
}

func SetSampleSize(n int) ConfigOption {
	return func(c *Config) {
		if n < 1 {
			n = 1
		}
		c.SampleSize = n
	}
}

func SetDeploymentThreshold(pct float64) ConfigOption {
	return func(c *Config) {
		c.DeploymentThreshold = pct
	}
}

func SetLogLevel(level utils.LogLevel) ConfigOption {
	return func(c *Config) {
		c.LogLevel = level
	}
}

func SetDatabasePath(path string) ConfigOption {
	return func(c *Config) {
		c.DatabasePath = path
	}
}
