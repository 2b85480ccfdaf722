package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Router   RouterConfig   `mapstructure:"router"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DeliveryConfig struct {
	BatchSize      int             `mapstructure:"batch_size"`
	Workers        int             `mapstructure:"workers"`
	PollInterval   time.Duration   `mapstructure:"poll_interval"`
	DefaultTimeout time.Duration   `mapstructure:"default_timeout"`
	MaxBodyBytes   int64           `mapstructure:"max_body_bytes"`
	RetrySchedule  []time.Duration `mapstructure:"retry_schedule"`
}

type RouterConfig struct {
	// SyncFallback enables best-effort inline delivery when the queue
	// insert itself fails. Disable where duplicate side effects on the
	// subscriber are unacceptable.
	SyncFallback bool `mapstructure:"sync_fallback"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("crmhooks")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/crmhooks")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CRMHOOKS")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/crmhooks.db")

	viper.SetDefault("delivery.batch_size", 50)
	viper.SetDefault("delivery.workers", 10)
	viper.SetDefault("delivery.poll_interval", 1*time.Second)
	viper.SetDefault("delivery.default_timeout", 30*time.Second)
	viper.SetDefault("delivery.max_body_bytes", 1024)
	viper.SetDefault("delivery.retry_schedule", []time.Duration{
		30 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
		30 * time.Minute,
		2 * time.Hour,
		8 * time.Hour,
		24 * time.Hour,
	})

	viper.SetDefault("router.sync_fallback", true)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
