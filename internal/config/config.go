// Package config loads the YAML configuration of the gentlefetch command
// and turns it into client options.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ambiyansyah-risyal/gentlefetch"
	"github.com/ambiyansyah-risyal/gentlefetch/medium"
)

// Config is the file configuration.
type Config struct {
	DelayRange        DelayRange        `yaml:"delay_range"`
	MaxRetries        int               `yaml:"max_retries" validate:"gte=1,lte=100"`
	Timeout           time.Duration     `yaml:"timeout" validate:"gt=0"`
	Backoff           Backoff           `yaml:"backoff"`
	Proxy             string            `yaml:"proxy" validate:"omitempty,url"`
	Proxies           []string          `yaml:"proxies" validate:"dive,url"`
	RotateProxies     bool              `yaml:"rotate_proxies"`
	RequireProxy      bool              `yaml:"require_proxy"`
	MaxConcurrent     int               `yaml:"max_concurrent" validate:"gte=1"`
	Cache             Cache             `yaml:"cache"`
	Headers           map[string]string `yaml:"headers"`
	VerifySSL         bool              `yaml:"verify_ssl"`
	CookieFile        string            `yaml:"cookie_file"`
	RequestsPerSecond float64           `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int               `yaml:"burst" validate:"gte=0"`
	SharedRateLimit   bool              `yaml:"shared_rate_limit"`
	Deduplicate       bool              `yaml:"deduplicate"`
	Log               Log               `yaml:"log"`
}

// DelayRange bounds the random politeness delay.
type DelayRange struct {
	Min time.Duration `yaml:"min" validate:"gte=0"`
	Max time.Duration `yaml:"max" validate:"gtefield=Min"`
}

// Backoff configures retry delays.
type Backoff struct {
	Initial    time.Duration `yaml:"initial" validate:"gt=0"`
	Max        time.Duration `yaml:"max" validate:"gtefield=Initial"`
	Multiplier float64       `yaml:"multiplier" validate:"gt=0"`
	Jitter     float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	Strategy   string        `yaml:"strategy" validate:"oneof=exponential decorrelated fixed"`
}

// Cache configures the response cache.
type Cache struct {
	Enabled          bool          `yaml:"enabled"`
	Medium           string        `yaml:"medium" validate:"oneof=files memory leveldb redis"`
	Dir              string        `yaml:"dir" validate:"required_if=Medium files,required_if=Medium leveldb"`
	MaxAge           time.Duration `yaml:"max_age" validate:"gt=0"`
	AsyncWrites      bool          `yaml:"async_writes"`
	MemoryLifeWindow time.Duration `yaml:"memory_life_window" validate:"gte=0"`
	Redis            Redis         `yaml:"redis"`
}

// Redis locates the redis server for the redis medium.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// Log configures the command's logger.
type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DelayRange:    DelayRange{Min: 2 * time.Second, Max: 5 * time.Second},
		MaxRetries:    3,
		Timeout:       30 * time.Second,
		Backoff:       Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.1, Strategy: "exponential"},
		MaxConcurrent: 5,
		Cache: Cache{
			Enabled: true,
			Medium:  string(medium.KindFiles),
			Dir:     "cache",
			MaxAge:  time.Hour,
			Redis:   Redis{Addr: "localhost:6379", Prefix: "gentlefetch:"},
		},
		VerifySSL: true,
		Log:       Log{Level: "info", Format: "console"},
	}
}

// Load reads path, or ./gentlefetch.yaml when path is empty. A missing
// default file yields the defaults. Unknown keys are errors.
func Load(path string) (*Config, string, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gentlefetch")
		v.AddConfigPath(".")
	}

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return cfg, "", cfg.Validate()
		}
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.RequireProxy && c.Proxy == "" && len(c.Proxies) == 0 {
		return errors.New("invalid config: require_proxy needs proxy or proxies")
	}
	return nil
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Medium opens the configured cache medium.
func (c *Config) Medium(ctx context.Context, fs afero.Fs) (medium.Medium, error) {
	var (
		m   medium.Medium
		err error
	)
	switch medium.Kind(c.Cache.Medium) {
	case medium.KindMemory:
		m, err = medium.NewMemory(c.Cache.MemoryLifeWindow, 0)
	case medium.KindLevelDB:
		m, err = medium.NewLevelDB(c.Cache.Dir)
	case medium.KindRedis:
		m, err = medium.NewRedis(ctx, medium.RedisOptions{
			Addr:     c.Cache.Redis.Addr,
			Password: c.Cache.Redis.Password,
			DB:       c.Cache.Redis.DB,
			Prefix:   c.Cache.Redis.Prefix,
		})
	default:
		m, err = medium.NewFiles(fs, c.Cache.Dir)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Options converts the configuration into client options. The cache medium
// is opened here, so the caller owns closing the client.
func (c *Config) Options(ctx context.Context, fs afero.Fs) ([]gentlefetch.Option, error) {
	opts := []gentlefetch.Option{
		gentlefetch.WithDelayRange(c.DelayRange.Min, c.DelayRange.Max),
		gentlefetch.WithMaxRetries(c.MaxRetries),
		gentlefetch.WithTimeout(c.Timeout),
		gentlefetch.WithInitialBackoff(c.Backoff.Initial),
		gentlefetch.WithMaxBackoff(c.Backoff.Max),
		gentlefetch.WithBackoffMultiplier(c.Backoff.Multiplier),
		gentlefetch.WithJitter(c.Backoff.Jitter),
		gentlefetch.WithMaxConcurrent(c.MaxConcurrent),
		gentlefetch.WithVerifySSL(c.VerifySSL),
		gentlefetch.WithFileSystem(fs),
	}

	switch c.Backoff.Strategy {
	case "decorrelated":
		opts = append(opts, gentlefetch.WithBackoffStrategy(gentlefetch.DecorrelatedJitter))
	case "fixed":
		opts = append(opts, gentlefetch.WithFixedBackoff(c.Backoff.Initial))
	}

	switch {
	case len(c.Proxies) > 0:
		opts = append(opts, gentlefetch.WithProxies(c.Proxies, c.RotateProxies))
	case c.Proxy != "":
		opts = append(opts, gentlefetch.WithProxy(c.Proxy))
	}
	if c.RequireProxy {
		opts = append(opts, gentlefetch.WithRequireProxy())
	}

	if len(c.Headers) > 0 {
		h := make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			h.Set(k, v)
		}
		opts = append(opts, gentlefetch.WithHeaders(h))
	}
	if c.CookieFile != "" {
		opts = append(opts, gentlefetch.WithCookieFile(c.CookieFile))
	}
	if c.RequestsPerSecond > 0 {
		opts = append(opts, gentlefetch.WithRequestsPerSecond(c.RequestsPerSecond, c.Burst))
	}
	if c.SharedRateLimit {
		opts = append(opts, gentlefetch.WithSharedRateLimit())
	}
	if c.Deduplicate {
		opts = append(opts, gentlefetch.WithDeduplication())
	}

	if !c.Cache.Enabled {
		return append(opts, gentlefetch.WithoutCache()), nil
	}
	m, err := c.Medium(ctx, fs)
	if err != nil {
		return nil, fmt.Errorf("open cache medium %s: %w", c.Cache.Medium, err)
	}
	opts = append(opts, gentlefetch.WithCache(m), gentlefetch.WithCacheMaxAge(c.Cache.MaxAge))
	if c.Cache.AsyncWrites {
		opts = append(opts, gentlefetch.WithAsyncCacheWrites())
	}
	return opts, nil
}
