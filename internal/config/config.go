package config

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

// ServerConfig holds settings for the relay server runtime.
type ServerConfig struct {
	ListenAddr     string        `env:"ROOMCAST_LISTEN_ADDR,default=:8080" validate:"required"`
	LogLevel       string        `env:"ROOMCAST_LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	AllowedOrigins string        `env:"ROOMCAST_ALLOWED_ORIGINS,default=*"`
	AuthTimeout    time.Duration `env:"ROOMCAST_AUTH_TIMEOUT,default=5s" validate:"gt=0"`
	ReadTimeout    time.Duration `env:"ROOMCAST_READ_TIMEOUT,default=60s" validate:"gt=0"`
	WriteTimeout   time.Duration `env:"ROOMCAST_WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	MaxFrameBytes  int           `env:"ROOMCAST_MAX_FRAME_BYTES,default=65536" validate:"gt=0"`
	SendBuffer     int           `env:"ROOMCAST_SEND_BUFFER,default=64" validate:"gt=0"`
	SendRate       float64       `env:"ROOMCAST_SEND_RATE,default=10" validate:"gt=0"`
	SendBurst      int           `env:"ROOMCAST_SEND_BURST,default=20" validate:"gt=0"`

	SubscribePrefix string `env:"ROOMCAST_SUBSCRIBE_PREFIX,default=/sub/chat/room/" validate:"required"`
	PublishPrefix   string `env:"ROOMCAST_PUBLISH_PREFIX,default=/pub/chat/room/" validate:"required"`

	JWTSecret     string        `env:"ROOMCAST_JWT_SECRET" validate:"required_without=JWKSURL"`
	JWTIssuer     string        `env:"ROOMCAST_JWT_ISSUER,default=roomcast"`
	JWTExpiration time.Duration `env:"ROOMCAST_JWT_EXPIRATION,default=24h" validate:"gt=0"`
	JWKSURL       string        `env:"ROOMCAST_JWKS_URL" validate:"omitempty,url"`
	JWKSIssuer    string        `env:"ROOMCAST_JWKS_ISSUER"`

	DatabasePath string `env:"ROOMCAST_DB_PATH,default=roomcast.db" validate:"required"`

	PresenceBackend string `env:"ROOMCAST_PRESENCE_BACKEND,default=memory" validate:"oneof=memory redis nats badger"`
	BusBackend      string `env:"ROOMCAST_BUS_BACKEND,default=memory" validate:"oneof=memory redis nats"`

	RedisAddr     string `env:"ROOMCAST_REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"ROOMCAST_REDIS_PASSWORD"`
	RedisDB       int    `env:"ROOMCAST_REDIS_DB,default=0" validate:"gte=0"`
	RedisChannel  string `env:"ROOMCAST_REDIS_CHANNEL_PREFIX,default=roomcast:room:"`

	NATSURL     string `env:"ROOMCAST_NATS_URL,default=nats://localhost:4222"`
	NATSUser    string `env:"ROOMCAST_NATS_USER"`
	NATSPass    string `env:"ROOMCAST_NATS_PASS"`
	NATSSubject string `env:"ROOMCAST_NATS_SUBJECT_PREFIX,default=roomcast.room"`
	NATSBucket  string `env:"ROOMCAST_NATS_BUCKET,default=ROOMCAST_PRESENCE"`

	BadgerPath string `env:"ROOMCAST_BADGER_PATH,default=roomcast-presence"`
}

// DatabaseConfig captures identity storage configuration.
type DatabaseConfig struct {
	Path string
}

// JWTConfig defines token issuance parameters.
type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

// JWKSConfig points the validator at an identity provider key set.
type JWKSConfig struct {
	URL    string
	Issuer string
}

// NATSConfig describes the shared NATS connection.
type NATSConfig struct {
	URL           string
	User          string
	Pass          string
	SubjectPrefix string
	Bucket        string
}

// RedisConfig describes the shared Redis connection.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

var validate = validator.New()

// LoadServerConfig builds the server configuration from environment variables,
// reading a local .env file first when one exists.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	var cfg ServerConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Database returns the identity store settings.
func (c ServerConfig) Database() DatabaseConfig {
	return DatabaseConfig{Path: c.DatabasePath}
}

// JWT returns the HS256 token settings.
func (c ServerConfig) JWT() JWTConfig {
	return JWTConfig{
		Secret:     c.JWTSecret,
		Issuer:     c.JWTIssuer,
		Expiration: c.JWTExpiration,
	}
}

// JWKS returns the identity provider key set settings.
func (c ServerConfig) JWKS() JWKSConfig {
	return JWKSConfig{URL: c.JWKSURL, Issuer: c.JWKSIssuer}
}

// NATS returns the NATS connection, subject and bucket settings.
func (c ServerConfig) NATS() NATSConfig {
	return NATSConfig{
		URL:           c.NATSURL,
		User:          c.NATSUser,
		Pass:          c.NATSPass,
		SubjectPrefix: c.NATSSubject,
		Bucket:        c.NATSBucket,
	}
}

// Redis returns the Redis connection and channel settings.
func (c ServerConfig) Redis() RedisConfig {
	return RedisConfig{
		Addr:          c.RedisAddr,
		Password:      c.RedisPassword,
		DB:            c.RedisDB,
		ChannelPrefix: c.RedisChannel,
	}
}

// Origins splits the comma separated origin allow-list.
func (c ServerConfig) Origins() []string {
	return lo.Compact(lo.Map(strings.Split(c.AllowedOrigins, ","), func(origin string, _ int) string {
		return strings.TrimSpace(origin)
	}))
}
