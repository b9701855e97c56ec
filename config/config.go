// Package config loads service configuration from defaults, an optional
// YAML file, a .env file and LEDGER_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port               int           `mapstructure:"port"`
		CorsAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
		ReadTimeout        time.Duration `mapstructure:"read_timeout"`
		WriteTimeout       time.Duration `mapstructure:"write_timeout"`
		IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"server"`

	Storage struct {
		Driver string `mapstructure:"driver"` // sqlite, mongo or memory
		SQLite struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"sqlite"`
		Mongo struct {
			URI            string        `mapstructure:"uri"`
			Database       string        `mapstructure:"database"`
			ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
		} `mapstructure:"mongo"`
	} `mapstructure:"storage"`

	Ledger struct {
		Timezone      string        `mapstructure:"timezone"`
		SweepEnabled  bool          `mapstructure:"sweep_enabled"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"ledger"`

	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`

	Breaker struct {
		FailureThreshold uint32        `mapstructure:"failure_threshold"`
		Timeout          time.Duration `mapstructure:"timeout"`
	} `mapstructure:"breaker"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

var validDrivers = map[string]bool{"sqlite": true, "mongo": true, "memory": true}

// Load reads configuration. An empty path skips the config file; a
// missing .env file is ignored.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/ledger.db")
	v.SetDefault("storage.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("storage.mongo.database", "concessions")
	v.SetDefault("storage.mongo.connect_timeout", 10*time.Second)

	v.SetDefault("ledger.timezone", "UTC")
	v.SetDefault("ledger.sweep_enabled", true)
	v.SetDefault("ledger.sweep_interval", time.Hour)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "concessions.product-stock")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !validDrivers[c.Storage.Driver] {
		errs = append(errs, fmt.Errorf("storage.driver %q must be sqlite, mongo or memory", c.Storage.Driver))
	}
	if _, err := time.LoadLocation(c.Ledger.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("ledger.timezone: %w", err))
	}
	if c.Ledger.SweepEnabled && c.Ledger.SweepInterval <= 0 {
		errs = append(errs, errors.New("ledger.sweep_interval must be positive when the sweep is enabled"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}
	return errors.Join(errs...)
}

// Location returns the ledger timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Ledger.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
