package pubsub

import (
	"fmt"
	"time"
)

// Config holds the configuration for the backplane driver.
type Config struct {
	Driver string      `mapstructure:"driver"` // "redis", "kafka", "memory"
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Buffer is the size of each subscription channel.
	Buffer int `mapstructure:"buffer"`
}

// KafkaConfig holds Kafka-specific configuration.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	GroupID    string `mapstructure:"group_id"`
	Partitions int    `mapstructure:"partitions"`
	// ConsumerID makes the consumer group unique per process so every
	// gateway instance sees every event.
	ConsumerID string `mapstructure:"consumer_id"`
	Buffer     int    `mapstructure:"buffer"`
	// AssignTimeout bounds how long Subscribe waits for the group's first
	// partition assignment.
	AssignTimeout time.Duration `mapstructure:"assign_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Driver: "redis",
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			Buffer:       1024,
		},
		Kafka: KafkaConfig{
			Brokers:    "localhost:9092",
			GroupID:    "yams-chat",
			Partitions:    4,
			Buffer:        1024,
			AssignTimeout: 30 * time.Second,
		},
	}
}

// NewPubSub creates a PubSub for the configured driver.
func NewPubSub(cfg Config) (PubSub, error) {
	switch cfg.Driver {
	case "kafka":
		return NewKafkaPubSub(cfg.Kafka)
	case "redis", "":
		return NewRedisPubSub(cfg.Redis)
	case "memory":
		return NewMemoryBroker().Connect(), nil
	default:
		return nil, fmt.Errorf("unknown backplane driver %q", cfg.Driver)
	}
}

func bufferOrDefault(n int) int {
	if n <= 0 {
		return 1024
	}
	return n
}
