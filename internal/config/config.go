// Package config loads the relay settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every setting of the relay. Each field is read from the
// environment variable named in its env tag.
type Config struct {
	Host           string `env:"COURIER_HOST,default=0.0.0.0"`
	Port           int    `env:"COURIER_PORT,default=8080" validate:"min=1,max=65535"`
	LogLevel       string `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	StoreDriver      string        `env:"STORE_DRIVER,default=bolt" validate:"oneof=bolt badger"`
	StorePath        string        `env:"STORE_PATH,default=courier.db" validate:"required"`
	MessageRetention time.Duration `env:"MESSAGE_RETENTION,default=0s" validate:"min=0"`

	AuthSecret string `env:"AUTH_SECRET" validate:"omitempty,min=32"`
	AuthIssuer string `env:"AUTH_ISSUER,default=courier" validate:"required"`

	SendQueueSize  int           `env:"SEND_QUEUE_SIZE,default=256" validate:"min=1"`
	MaxMessageSize int           `env:"MAX_MESSAGE_SIZE,default=65536" validate:"min=64"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	PingInterval   time.Duration `env:"PING_INTERVAL,default=30s" validate:"gt=0"`
	PongTimeout    time.Duration `env:"PONG_TIMEOUT,default=10s" validate:"gt=0"`
	RateLimit      float64       `env:"RATE_LIMIT,default=20" validate:"gt=0"`
	RateBurst      int           `env:"RATE_BURST,default=40" validate:"min=1"`

	PersistTimeout  time.Duration `env:"PERSIST_TIMEOUT,default=5s" validate:"gt=0"`
	HistoryLimit    int           `env:"HISTORY_LIMIT,default=100" validate:"min=1"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`
}

var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads an optional .env file, then the process environment.
// Variables already set in the environment win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnviron()
}

// FromEnviron builds a Config from the process environment only.
func FromEnviron() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and the heartbeat timing.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.PongTimeout >= c.PingInterval {
		return fmt.Errorf("%w: PONG_TIMEOUT must be shorter than PING_INTERVAL", ErrInvalidConfig)
	}
	return nil
}

// Address is the host:port the relay listens on.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Origins splits ALLOWED_ORIGINS into host patterns. An empty list means
// same-origin only.
func (c Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// AuthEnabled reports whether upgrades must carry a token.
func (c Config) AuthEnabled() bool {
	return c.AuthSecret != ""
}
