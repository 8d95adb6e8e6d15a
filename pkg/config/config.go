package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is a singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	// block_size must be a power of two so offset arithmetic stays cheap
	_ = validate.RegisterValidation("pow2", func(fl validator.FieldLevel) bool {
		v := fl.Field().Uint()
		return v != 0 && v&(v-1) == 0
	})
}

// Config holds the shard store configuration
type Config struct {
	// DataDir is where per-shard store files and WALs live
	DataDir string `yaml:"data_dir" validate:"required"`

	// BlockSize is the fixed cache block size in bytes, a store-wide constant
	BlockSize uint32 `yaml:"block_size" validate:"required,pow2,min=512,max=65536"`

	// CacheCapacity is the number of blocks kept in the LRU cache
	CacheCapacity int `yaml:"cache_capacity" validate:"required,min=16"`

	// Shards is the number of delete queue shards
	Shards int `yaml:"shards" validate:"required,min=1,max=4096"`

	// BackfillListen is the mangos REP socket address for backfill requests
	BackfillListen string `yaml:"backfill_listen" validate:"required"`

	// MetricsListen is the HTTP address for the Prometheus /metrics endpoint
	MetricsListen string `yaml:"metrics_listen"`

	// BackfillBatchKeys caps the number of keys per backfill response frame
	BackfillBatchKeys int `yaml:"backfill_batch_keys" validate:"min=0"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR
	LogLevel string `yaml:"log_level"`
}

// Default returns a config with sensible defaults for a single-node store
func Default() *Config {
	return &Config{
		DataDir:           "./data/shardstore",
		BlockSize:         4096,
		CacheCapacity:     1024,
		Shards:            16,
		BackfillListen:    "tcp://0.0.0.0:9190",
		MetricsListen:     ":9091",
		BackfillBatchKeys: 1000,
		LogLevel:          "INFO",
	}
}

// Load reads a YAML config file, applies environment overrides and validates
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides
func (c *Config) applyEnv() {
	if v := os.Getenv("SHARDSTORE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SHARDSTORE_BACKFILL_LISTEN"); v != "" {
		c.BackfillListen = v
	}
	if v := os.Getenv("SHARDSTORE_METRICS_LISTEN"); v != "" {
		c.MetricsListen = v
	}
	if v := os.Getenv("SHARDSTORE_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Shards = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration against its struct tags
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// formatValidationError turns validator errors into readable messages
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		switch e.Tag() {
		case "required":
			return fmt.Errorf("config field %s is required", e.Field())
		case "pow2":
			return fmt.Errorf("config field %s must be a power of two, got %v", e.Field(), e.Value())
		case "min":
			return fmt.Errorf("config field %s must be at least %s, got %v", e.Field(), e.Param(), e.Value())
		case "max":
			return fmt.Errorf("config field %s must be at most %s, got %v", e.Field(), e.Param(), e.Value())
		default:
			return fmt.Errorf("config field %s failed %s validation", e.Field(), e.Tag())
		}
	}
	return err
}
