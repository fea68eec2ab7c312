package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings. Values come from an optional YAML file
// plus TRAILSTOP_* environment variables (env wins).
type Config struct {
	Port        string `mapstructure:"port"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`

	DatabasePath string `mapstructure:"database_path"`
	JWTSecret    string `mapstructure:"jwt_secret"`

	Monitor    MonitorConfig    `mapstructure:"monitor"`
	PriceFeed  PriceFeedConfig  `mapstructure:"price_feed"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
}

type MonitorConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	StalenessBound time.Duration `mapstructure:"staleness_bound"`
}

type PriceFeedConfig struct {
	SourceTimeout time.Duration  `mapstructure:"source_timeout"`
	CacheTTL      time.Duration  `mapstructure:"cache_ttl"`
	StaleCeiling  time.Duration  `mapstructure:"stale_ceiling"`
	Sources       []SourceConfig `mapstructure:"sources"`

	// Last-resort constant prices per asset, served tagged as "fallback"
	// when every source and the stale window are exhausted.
	Fallbacks map[string]float64 `mapstructure:"fallbacks"`
}

type SourceConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`        // template, {asset} is substituted
	PricePath string `mapstructure:"price_path"` // gjson path into the response body
}

type DispatcherConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// Load reads configuration from the given file path (optional, may be empty)
// and the environment, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRAILSTOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("debug", false)
	v.SetDefault("database_path", "trailstop.db")
	v.SetDefault("jwt_secret", "trailstop-secret-key")

	v.SetDefault("monitor.tick_interval", 10*time.Second)
	v.SetDefault("monitor.max_concurrency", 8)
	v.SetDefault("monitor.staleness_bound", time.Minute)

	v.SetDefault("price_feed.source_timeout", 5*time.Second)
	v.SetDefault("price_feed.cache_ttl", 15*time.Second)
	v.SetDefault("price_feed.stale_ceiling", 10*time.Minute)

	v.SetDefault("dispatcher.max_retries", 3)
	v.SetDefault("dispatcher.initial_backoff", time.Second)
}

func validate(cfg *Config) error {
	if cfg.Monitor.TickInterval <= 0 {
		return fmt.Errorf("monitor tick_interval must be positive")
	}
	if cfg.Monitor.MaxConcurrency <= 0 {
		return fmt.Errorf("monitor max_concurrency must be positive")
	}
	if cfg.PriceFeed.CacheTTL <= 0 {
		return fmt.Errorf("price_feed cache_ttl must be positive")
	}
	if cfg.PriceFeed.StaleCeiling < cfg.PriceFeed.CacheTTL {
		return fmt.Errorf("price_feed stale_ceiling must be at least cache_ttl")
	}
	if cfg.Dispatcher.MaxRetries < 0 {
		return fmt.Errorf("dispatcher max_retries cannot be negative")
	}
	return nil
}
