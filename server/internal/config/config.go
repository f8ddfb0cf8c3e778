package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Store    StoreConfig    `yaml:"store"`
	Presence PresenceConfig `yaml:"presence"`
	Notify   NotifyConfig   `yaml:"notify"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins 为空表示允许任意来源（仅开发期）
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GatewayConfig 实时连接相关的限制与节奏
type GatewayConfig struct {
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	InboundQueueSize  int           `yaml:"inbound_queue_size"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongWait          time.Duration `yaml:"pong_wait"`
	EventTimeout      time.Duration `yaml:"event_timeout"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	MaxTextLength     int           `yaml:"max_text_length"`
	// AutoRegister 握手阶段已知身份时直接上线，无需等待 user_online
	AutoRegister bool `yaml:"auto_register"`
}

// StoreConfig 消息持久化
type StoreConfig struct {
	Driver   string         `yaml:"driver"` // memory | mongo | postgres
	Mongo    MongoConfig    `yaml:"mongo"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	Collection     string        `yaml:"collection"`
	MaxPoolSize    uint64        `yaml:"max_pool_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// PresenceConfig 在线状态镜像（Redis），不参与进程内 lookup
type PresenceConfig struct {
	RedisEnabled  bool          `yaml:"redis_enabled"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl"`
	NodeID        string        `yaml:"node_id"`
}

type NotifyConfig struct {
	NATSEnabled   bool   `yaml:"nats_enabled"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type AuthConfig struct {
	Mode        string `yaml:"mode"` // none | header | jwt
	Header      string `yaml:"header"`
	JWTSecret   string `yaml:"jwt_secret"`
	UserIDClaim string `yaml:"user_id_claim"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Color  bool   `yaml:"color"`
}

// Default 返回本地可跑的默认配置（内存存储、无鉴权）
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"http://localhost:3000"},
		},
		Gateway: GatewayConfig{
			OutboundQueueSize: 256,
			InboundQueueSize:  100,
			WriteTimeout:      10 * time.Second,
			PingInterval:      30 * time.Second,
			PongWait:          60 * time.Second,
			EventTimeout:      10 * time.Second,
			MaxMessageBytes:   64 << 10,
			MaxTextLength:     4000,
			AutoRegister:      false,
		},
		Store: StoreConfig{
			Driver: "memory",
			Mongo: MongoConfig{
				Database:       "pairchat",
				Collection:     "messages",
				MaxPoolSize:    50,
				ConnectTimeout: 10 * time.Second,
			},
			Postgres: PostgresConfig{MaxConns: 10},
		},
		Presence: PresenceConfig{
			KeyPrefix: "pairchat:presence:",
			TTL:       90 * time.Second,
			NodeID:    "gw-1",
		},
		Notify: NotifyConfig{
			SubjectPrefix: "pairchat",
		},
		Auth: AuthConfig{
			Mode:        "none",
			Header:      "X-User-ID",
			UserIDClaim: "id",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Color:  true,
		},
	}
}

// Load 从文件加载配置，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("apply env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv 从环境变量覆盖部署相关与敏感信息
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := getenv("CLIENT_URL"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := getenv("MONGODB_URI"); v != "" {
		c.Store.Mongo.URI = v
	}
	if v := getenv("POSTGRES_DSN"); v != "" {
		c.Store.Postgres.DSN = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Presence.RedisAddr = v
		c.Presence.RedisEnabled = true
	}
	if v := getenv("NATS_URL"); v != "" {
		c.Notify.NATSURL = v
		c.Notify.NATSEnabled = true
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Gateway.OutboundQueueSize <= 0 {
		return errors.New("gateway outbound_queue_size must be positive")
	}
	if c.Gateway.InboundQueueSize <= 0 {
		return errors.New("gateway inbound_queue_size must be positive")
	}
	if c.Gateway.PongWait > 0 && c.Gateway.PingInterval >= c.Gateway.PongWait {
		return errors.New("gateway ping_interval must be shorter than pong_wait")
	}

	switch c.Store.Driver {
	case "memory":
	case "mongo":
		if c.Store.Mongo.URI == "" {
			return errors.New("mongo uri is required (set MONGODB_URI env var or config)")
		}
		if c.Store.Mongo.Database == "" {
			return errors.New("mongo database is required")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return errors.New("postgres dsn is required (set POSTGRES_DSN env var or config)")
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	if c.Presence.RedisEnabled && c.Presence.RedisAddr == "" {
		return errors.New("presence redis_addr is required when redis is enabled")
	}
	if c.Notify.NATSEnabled && c.Notify.NATSURL == "" {
		return errors.New("notify nats_url is required when nats is enabled")
	}

	switch c.Auth.Mode {
	case "none":
	case "header":
		if c.Auth.Header == "" {
			return errors.New("auth header is required in header mode")
		}
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return errors.New("jwt secret is required (set JWT_SECRET env var or config)")
		}
	default:
		return fmt.Errorf("unknown auth mode: %q", c.Auth.Mode)
	}
	return nil
}

// Addr 监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
