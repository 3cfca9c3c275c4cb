// Package config loads the service configuration from an optional file and
// LEASEQUEUE_ prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/rwool/leasequeue/pkg/service/keys"
)

// EnvPrefix is the prefix of environment variables.
const EnvPrefix = "leasequeue"

// Config contains the whole service configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Records RecordsConfig `mapstructure:"records"`
	Keys    KeysConfig    `mapstructure:"keys"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Emitter EmitterConfig `mapstructure:"emitter"`
	Log     LogConfig     `mapstructure:"log"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

// RedisConfig configures the lease registry store.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RecordsConfig configures the record store. An empty Dir keeps records in
// memory.
type RecordsConfig struct {
	Dir string `mapstructure:"dir"`
}

// KeysConfig configures the static key ring. Default holds "id:secret"
// pairs, current key first.
type KeysConfig struct {
	Default          []string      `mapstructure:"default"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// KafkaConfig configures the log transport. The emit and claim verbs are
// only served when it is enabled.
type KafkaConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Brokers        []string `mapstructure:"brokers"`
	ClientID       string   `mapstructure:"client_id"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	FromBeginning  bool     `mapstructure:"from_beginning"`
	MaxPollRecords int      `mapstructure:"max_poll_records"`
}

// EmitterConfig configures the micro-batching of emitted events.
type EmitterConfig struct {
	MaxBatchSize int           `mapstructure:"max_batch_size"`
	FlushDelay   time.Duration `mapstructure:"flush_delay"`
}

// LogConfig configures logging.
type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}

// Load reads the configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keep the variable of earlier deployments working.
	_ = v.BindEnv("redis.address", "LEASEQUEUE_REDIS_ADDRESS", "REDIS_ADDRESS")

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "unable to read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.address", "0.0.0.0:8080")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 10)
	v.SetDefault("redis.dial_timeout", 10*time.Second)
	v.SetDefault("redis.read_timeout", 2*time.Second)
	v.SetDefault("redis.write_timeout", 2*time.Second)
	v.SetDefault("records.dir", "")
	v.SetDefault("keys.default", []string{})
	v.SetDefault("keys.failure_threshold", 5)
	v.SetDefault("keys.reset_timeout", 30*time.Second)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "leasequeue")
	v.SetDefault("kafka.topic", "events")
	v.SetDefault("kafka.group_id", "")
	v.SetDefault("kafka.from_beginning", true)
	v.SetDefault("kafka.max_poll_records", 500)
	v.SetDefault("emitter.max_batch_size", 1000)
	v.SetDefault("emitter.flush_delay", 50*time.Millisecond)
	v.SetDefault("log.debug", false)
}

// Validate checks the configuration for missing or malformed values.
func (c Config) Validate() error {
	if c.Redis.Address == "" {
		return errors.New("redis.address is required")
	}
	if _, err := c.Keys.Ring(); err != nil {
		return err
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka.topic is required when kafka is enabled")
		}
	}
	if c.Emitter.MaxBatchSize < 0 {
		return errors.New("emitter.max_batch_size must not be negative")
	}
	return nil
}

// Ring builds the key ring of the configured keys.
func (k KeysConfig) Ring() (*keys.Ring, error) {
	if len(k.Default) == 0 {
		return nil, errors.New("keys.default requires at least one id:secret pair")
	}
	ring := make([]keys.Key, 0, len(k.Default))
	for _, pair := range k.Default {
		i := strings.Index(pair, ":")
		if i <= 0 || i == len(pair)-1 {
			return nil, errors.Errorf("keys.default entry %q is not an id:secret pair", maskSecret(pair))
		}
		ring = append(ring, keys.Key{ID: pair[:i], Secret: []byte(pair[i+1:])})
	}
	return keys.NewRing(ring...), nil
}

func maskSecret(pair string) string {
	if i := strings.Index(pair, ":"); i >= 0 {
		return pair[:i] + ":***"
	}
	return "***"
}
