package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"slot-watcher/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Wildberries WildberriesConfig `mapstructure:"wildberries"`
	Booking     BookingConfig     `mapstructure:"booking"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MonitorConfig governs the supervisor and worker cadence.
type MonitorConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ErrorPause        time.Duration `mapstructure:"error_pause"`
	RateLimitedPause  time.Duration `mapstructure:"rate_limited_pause"`
	AdvisoryLockKey   int64         `mapstructure:"advisory_lock_key"`
}

// WildberriesConfig captures upstream API connectivity. The Supplies API
// imposes a global request ceiling, expressed here as a minimum spacing
// between any two coefficient queries.
type WildberriesConfig struct {
	SuppliesURL       string        `mapstructure:"supplies_url"`
	MarketplaceURL    string        `mapstructure:"marketplace_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	MinRequestSpacing time.Duration `mapstructure:"min_request_spacing"`
}

// BookingConfig tunes the booking episode retry policy.
type BookingConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	SessionCacheTTL time.Duration `mapstructure:"session_cache_ttl"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 通知参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SLOTWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "slotwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("monitor.reconcile_interval", "30s")
	v.SetDefault("monitor.poll_interval", "12s")
	v.SetDefault("monitor.error_pause", "5s")
	v.SetDefault("monitor.rate_limited_pause", "120s")
	v.SetDefault("monitor.advisory_lock_key", int64(0x736c6f74))

	v.SetDefault("wildberries.supplies_url", "https://supplies-api.wildberries.ru")
	v.SetDefault("wildberries.marketplace_url", "https://marketplace-api.wildberries.ru")
	v.SetDefault("wildberries.request_timeout", "30s")
	v.SetDefault("wildberries.user_agent", "slotwatcher/1.0")
	// 6 requests/min upstream ceiling on the Supplies API.
	v.SetDefault("wildberries.min_request_spacing", "10s")

	v.SetDefault("booking.max_attempts", 3)
	v.SetDefault("booking.retry_delay", "3s")
	v.SetDefault("booking.session_cache_ttl", "5m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Monitor.ReconcileInterval <= 0 {
		return fmt.Errorf("monitor.reconcile_interval must be greater than zero")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be greater than zero")
	}
	if c.Wildberries.MinRequestSpacing <= 0 {
		return fmt.Errorf("wildberries.min_request_spacing must be greater than zero")
	}
	if c.Booking.MaxAttempts <= 0 {
		return fmt.Errorf("booking.max_attempts must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
