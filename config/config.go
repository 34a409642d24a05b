package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const DefaultPath = "config.toml"

type Config struct {
	ImageSize int    `toml:"image_size"`
	BatchSize int    `toml:"batch_size"`
	Workers   int    `toml:"workers"`
	ModelClip string `toml:"model_clip"`
	Device    string `toml:"device"`

	ModelsDir string `toml:"models_dir"`
	Libonnx   string `toml:"libonnx"`

	JobTimeoutSeconds int    `toml:"job_timeout_seconds"`
	LogLevel          string `toml:"log_level"`
	MetricsAddr       string `toml:"metrics_addr"`

	TextCacheSize   int    `toml:"text_cache_size"`
	RedisAddr       string `toml:"redis_addr"`
	RedisTTLSeconds int    `toml:"redis_ttl_seconds"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ImageSize:       224,
		BatchSize:       64,
		Workers:         0,
		ModelClip:       "ViT-L/14",
		Device:          "cpu",
		ModelsDir:       "models",
		LogLevel:        "info",
		TextCacheSize:   1024,
		RedisTTLSeconds: 86400,
	}
}

var (
	cfg      = Default()
	cfgPath  = DefaultPath
	loadErr  error
	loadOnce sync.Once
)

// SetPath selects the file C loads. It has no effect once C has run.
func SetPath(path string) {
	if path != "" {
		cfgPath = path
	}
}

// C returns the process configuration, loading it on first use.
func C() Config {
	loadOnce.Do(func() {
		loaded, err := Load(cfgPath)
		if err != nil {
			loadErr = err
			return
		}
		cfg = loaded
	})
	return cfg
}

// Err reports the error, if any, from the load performed by C.
func Err() error {
	C()
	return loadErr
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := applyEnv(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func applyEnv(c *Config) error {
	// IMAGE_SIZE predates the prefixed variables and is still honoured.
	for _, key := range []string{"IMAGE_SIZE", "CLIPWORKER_IMAGE_SIZE"} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			c.ImageSize = n
		}
	}
	if v := os.Getenv("CLIPWORKER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CLIPWORKER_WORKERS: %w", err)
		}
		c.Workers = n
	}
	strs := map[string]*string{
		"CLIPWORKER_MODELS_DIR":   &c.ModelsDir,
		"CLIPWORKER_LIBONNX":      &c.Libonnx,
		"CLIPWORKER_LOG_LEVEL":    &c.LogLevel,
		"CLIPWORKER_METRICS_ADDR": &c.MetricsAddr,
		"CLIPWORKER_REDIS_ADDR":   &c.RedisAddr,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	return nil
}

func (c Config) Validate() error {
	if c.ImageSize <= 0 {
		return fmt.Errorf("invalid image_size: %d", c.ImageSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d", c.BatchSize)
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d", c.Workers)
	}
	if c.JobTimeoutSeconds < 0 {
		return fmt.Errorf("invalid job_timeout_seconds: %d", c.JobTimeoutSeconds)
	}
	return nil
}

// JobTimeout is zero when jobs may run without a deadline.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}
