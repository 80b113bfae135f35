package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	pkgconfig "github.com/weiawesome/yams-chat/pkg/config"
	"github.com/weiawesome/yams-chat/pkg/database"
	"github.com/weiawesome/yams-chat/pkg/pubsub"
	"github.com/weiawesome/yams-chat/pkg/storage"
)

type Config struct {
	InstanceID string `mapstructure:"instance_id"`
	Server     ServerConfig
	GRPC       GRPCConfig
	WebSocket  WebSocketConfig
	Auth       AuthConfig
	Backplane  BackplaneConfig
	Presence   PresenceConfig
	Database   database.Config
	Cassandra  CassandraConfig
	Media      MediaConfig
	Dispatch   DispatchConfig
	Fanout     FanoutConfig
	Registry   RegistryConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	Path            string
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
}

type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	Issuer           string        `mapstructure:"issuer"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type BackplaneConfig struct {
	pubsub.Config  `mapstructure:",squash"`
	Channel        string
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	PublishRetries int           `mapstructure:"publish_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	DedupWindow    int           `mapstructure:"dedup_window"`
	ResubscribeGap time.Duration `mapstructure:"resubscribe_gap"`
}

type PresenceConfig struct {
	Enabled           bool
	Prefix            string
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	TTL               time.Duration `mapstructure:"ttl"`
}

type CassandraConfig struct {
	Enabled        bool
	Hosts          []string
	Keyspace       string
	Consistency    string
	Username       string
	Password       string
	Timeout        time.Duration
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	NumRetries     int           `mapstructure:"num_retries"`
}

type MediaConfig struct {
	storage.Config `mapstructure:",squash"`
	URLTTL         time.Duration `mapstructure:"url_ttl"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
}

type DispatchConfig struct {
	Lanes            int
	LaneBuffer       int           `mapstructure:"lane_buffer"`
	ChatLockStripes  int           `mapstructure:"chat_lock_stripes"`
	MaxContentLength int           `mapstructure:"max_content_length"`
	StoreTimeout     time.Duration `mapstructure:"store_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
}

type FanoutConfig struct {
	EchoToSender bool `mapstructure:"echo_to_sender"`
	NotifyActor  bool `mapstructure:"notify_actor"`
}

type RegistryConfig struct {
	Shards int
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// envBindings maps short deployment env vars onto config keys. Every other
// key is reachable through its dotted name (backplane.channel ->
// BACKPLANE_CHANNEL).
var envBindings = map[string]string{
	"server.port":                "PORT",
	"grpc.port":                  "GRPC_PORT",
	"instance_id":                "INSTANCE_ID",
	"auth.jwt_secret":            "JWT_SECRET",
	"backplane.driver":           "BACKPLANE_DRIVER",
	"backplane.redis.address":    "REDIS_ADDRESS",
	"backplane.redis.password":   "REDIS_PASSWORD",
	"backplane.kafka.brokers":    "KAFKA_BROKERS",
	"database.driver":            "DATABASE_DRIVER",
	"database.dsn":               "DATABASE_DSN",
	"cassandra.hosts":            "CASSANDRA_HOSTS",
	"media.driver":               "MEDIA_DRIVER",
	"media.s3.bucket":            "S3_BUCKET",
	"media.s3.region":            "AWS_REGION",
	"media.s3.endpoint":          "S3_ENDPOINT",
	"media.s3.access_key_id":     "AWS_ACCESS_KEY_ID",
	"media.s3.secret_access_key": "AWS_SECRET_ACCESS_KEY",
	"log.level":                  "LOG_LEVEL",
}

// Load reads config/config.yaml (if present) and the environment.
func Load(configPath string) (*Config, error) {
	v, err := pkgconfig.Load(configPath, "config")
	if err != nil {
		return nil, err
	}

	setDefaults(v)

	if err := pkgconfig.BindEnvs(v, envBindings); err != nil {
		return nil, err
	}

	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance_id", "")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50060)

	v.SetDefault("websocket.path", "/chat/ws")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.allowed_origins", []string{})
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.handshake_timeout", "5s")

	v.SetDefault("backplane.driver", "redis")
	v.SetDefault("backplane.channel", pubsub.ChannelChatFanout)
	v.SetDefault("backplane.redis.address", "localhost:6379")
	v.SetDefault("backplane.redis.password", "")
	v.SetDefault("backplane.redis.db", 0)
	v.SetDefault("backplane.redis.pool_size", 20)
	v.SetDefault("backplane.redis.read_timeout", "3s")
	v.SetDefault("backplane.redis.write_timeout", "3s")
	v.SetDefault("backplane.redis.buffer", 1024)
	v.SetDefault("backplane.kafka.brokers", "localhost:9092")
	v.SetDefault("backplane.kafka.group_id", "yams-chat")
	v.SetDefault("backplane.kafka.partitions", 8)
	v.SetDefault("backplane.kafka.buffer", 1024)
	v.SetDefault("backplane.kafka.assign_timeout", "30s")
	v.SetDefault("backplane.publish_timeout", "3s")
	v.SetDefault("backplane.publish_retries", 3)
	v.SetDefault("backplane.retry_backoff", "200ms")
	v.SetDefault("backplane.dedup_window", 10000)
	v.SetDefault("backplane.resubscribe_gap", "2s")

	v.SetDefault("presence.enabled", false)
	v.SetDefault("presence.prefix", "chat:presence")
	v.SetDefault("presence.heartbeat_interval", "10s")
	v.SetDefault("presence.ttl", "30s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "yams-chat.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("cassandra.enabled", false)
	v.SetDefault("cassandra.hosts", []string{"localhost:9042"})
	v.SetDefault("cassandra.keyspace", "yams_chat")
	v.SetDefault("cassandra.consistency", "LOCAL_QUORUM")
	v.SetDefault("cassandra.timeout", "5s")
	v.SetDefault("cassandra.connect_timeout", "10s")
	v.SetDefault("cassandra.num_retries", 3)

	v.SetDefault("media.driver", "none")
	v.SetDefault("media.local.base_path", "./data/media")
	v.SetDefault("media.s3.region", "us-east-1")
	v.SetDefault("media.url_ttl", "15m")
	v.SetDefault("media.key_prefix", "chats")

	v.SetDefault("dispatch.lanes", 16)
	v.SetDefault("dispatch.lane_buffer", 1024)
	v.SetDefault("dispatch.chat_lock_stripes", 256)
	v.SetDefault("dispatch.max_content_length", 4000)
	v.SetDefault("dispatch.store_timeout", "5s")
	v.SetDefault("dispatch.drain_timeout", "10s")

	v.SetDefault("fanout.echo_to_sender", true)
	v.SetDefault("fanout.notify_actor", false)

	v.SetDefault("registry.shards", 32)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Server.ShutdownTimeout = parseDuration(v, "server.shutdown_timeout", 15*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Auth.TokenTTL = parseDuration(v, "auth.token_ttl", 24*time.Hour)
	cfg.Auth.HandshakeTimeout = parseDuration(v, "auth.handshake_timeout", 5*time.Second)
	cfg.Backplane.PublishTimeout = parseDuration(v, "backplane.publish_timeout", 3*time.Second)
	cfg.Backplane.RetryBackoff = parseDuration(v, "backplane.retry_backoff", 200*time.Millisecond)
	cfg.Backplane.ResubscribeGap = parseDuration(v, "backplane.resubscribe_gap", 2*time.Second)
	cfg.Backplane.Redis.ReadTimeout = parseDuration(v, "backplane.redis.read_timeout", 3*time.Second)
	cfg.Backplane.Redis.WriteTimeout = parseDuration(v, "backplane.redis.write_timeout", 3*time.Second)
	cfg.Presence.HeartbeatInterval = parseDuration(v, "presence.heartbeat_interval", 10*time.Second)
	cfg.Presence.TTL = parseDuration(v, "presence.ttl", 30*time.Second)
	cfg.Database.ConnMaxLifetime = parseDuration(v, "database.conn_max_lifetime", 30*time.Minute)
	cfg.Cassandra.Timeout = parseDuration(v, "cassandra.timeout", 5*time.Second)
	cfg.Cassandra.ConnectTimeout = parseDuration(v, "cassandra.connect_timeout", 10*time.Second)
	cfg.Media.URLTTL = parseDuration(v, "media.url_ttl", 15*time.Minute)
	cfg.Dispatch.StoreTimeout = parseDuration(v, "dispatch.store_timeout", 5*time.Second)
	cfg.Dispatch.DrainTimeout = parseDuration(v, "dispatch.drain_timeout", 10*time.Second)

	// CASSANDRA_HOSTS arrives as one comma separated string.
	if len(cfg.Cassandra.Hosts) == 1 && strings.Contains(cfg.Cassandra.Hosts[0], ",") {
		cfg.Cassandra.Hosts = strings.Split(cfg.Cassandra.Hosts[0], ",")
	}

	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	cfg.Backplane.Kafka.ConsumerID = cfg.InstanceID

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) is required"))
	}
	if c.Registry.Shards <= 0 {
		errs = append(errs, errors.New("registry.shards must be positive"))
	}
	if c.Dispatch.Lanes <= 0 {
		errs = append(errs, errors.New("dispatch.lanes must be positive"))
	}
	if c.Dispatch.MaxContentLength <= 0 {
		errs = append(errs, errors.New("dispatch.max_content_length must be positive"))
	}
	if c.Backplane.Channel == "" {
		errs = append(errs, errors.New("backplane.channel is required"))
	}
	return errors.Join(errs...)
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return defaultVal
	}
	return d
}
