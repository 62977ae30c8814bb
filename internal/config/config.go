// Package config loads the crunchd configuration from a YAML file and
// CRUNCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full crunchd configuration.
type Config struct {
	Log         Log         `mapstructure:"log"`
	HTTP        HTTP        `mapstructure:"http"`
	Codec       string      `mapstructure:"codec"`
	Persistence Persistence `mapstructure:"persistence"`
	Transport   Transport   `mapstructure:"transport"`
	Relay       Relay       `mapstructure:"relay"`
}

type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
}

// Persistence selects the outbox store. Kind is memory, sql or redis.
type Persistence struct {
	Kind         string `mapstructure:"kind"`
	Dialect      string `mapstructure:"dialect"`
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	CreateSchema bool   `mapstructure:"create_schema"`
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisPrefix  string `mapstructure:"redis_prefix"`
}

// Transport selects the broker. Kind is memory, nats, kafka, rabbitmq or redis.
type Transport struct {
	Kind      string   `mapstructure:"kind"`
	URL       string   `mapstructure:"url"`
	Brokers   []string `mapstructure:"brokers"`
	Exchange  string   `mapstructure:"exchange"`
	RedisAddr string   `mapstructure:"redis_addr"`
	Breaker   bool     `mapstructure:"breaker"`
}

type Relay struct {
	Interval        time.Duration `mapstructure:"interval"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
	UpdateTimeout   time.Duration `mapstructure:"update_timeout"`
	MaxAttempts     int32         `mapstructure:"max_attempts"`
	Backoff         string        `mapstructure:"backoff"`
	BackoffDelay    time.Duration `mapstructure:"backoff_delay"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
	ReclaimAfter    time.Duration `mapstructure:"reclaim_after"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("codec", "proto")

	// every key needs a default for AutomaticEnv to reach it on Unmarshal
	v.SetDefault("persistence.kind", "memory")
	v.SetDefault("persistence.dialect", "")
	v.SetDefault("persistence.dsn", "")
	v.SetDefault("persistence.table", "crunch_outbox")
	v.SetDefault("persistence.create_schema", true)
	v.SetDefault("persistence.redis_addr", "localhost:6379")
	v.SetDefault("persistence.redis_prefix", "crunch")

	v.SetDefault("transport.kind", "memory")
	v.SetDefault("transport.url", "")
	v.SetDefault("transport.brokers", []string{})
	v.SetDefault("transport.exchange", "crunch")
	v.SetDefault("transport.redis_addr", "localhost:6379")
	v.SetDefault("transport.breaker", true)

	v.SetDefault("relay.interval", 50*time.Millisecond)
	v.SetDefault("relay.read_timeout", 5*time.Second)
	v.SetDefault("relay.publish_timeout", 5*time.Second)
	v.SetDefault("relay.update_timeout", 5*time.Second)
	v.SetDefault("relay.max_attempts", 10)
	v.SetDefault("relay.backoff", "exponential")
	v.SetDefault("relay.backoff_delay", 50*time.Millisecond)
	v.SetDefault("relay.backoff_max", 10*time.Second)
	v.SetDefault("relay.reclaim_interval", 30*time.Second)
	v.SetDefault("relay.reclaim_after", time.Minute)
}

// Load reads path, or crunchd.yaml in the working directory and /etc/crunch
// when path is empty. A missing default file is not an error. Environment
// variables override the file, e.g. CRUNCH_TRANSPORT_KIND=nats.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("crunch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("crunchd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/crunch")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c Config) Validate() error {
	var errs []error

	switch c.Persistence.Kind {
	case "memory", "redis":
	case "sql":
		if c.Persistence.Dialect == "" {
			errs = append(errs, errors.New("persistence.dialect is required for sql"))
		}
		if c.Persistence.DSN == "" {
			errs = append(errs, errors.New("persistence.dsn is required for sql"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown persistence.kind %q", c.Persistence.Kind))
	}

	switch c.Transport.Kind {
	case "memory", "redis":
	case "nats", "rabbitmq":
		if c.Transport.URL == "" {
			errs = append(errs, fmt.Errorf("transport.url is required for %s", c.Transport.Kind))
		}
	case "kafka":
		if len(c.Transport.Brokers) == 0 {
			errs = append(errs, errors.New("transport.brokers is required for kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport.kind %q", c.Transport.Kind))
	}

	switch c.Relay.Backoff {
	case "fixed", "exponential":
	default:
		errs = append(errs, fmt.Errorf("unknown relay.backoff %q", c.Relay.Backoff))
	}

	if c.Relay.MaxAttempts < 1 {
		errs = append(errs, errors.New("relay.max_attempts must be positive"))
	}

	return errors.Join(errs...)
}
