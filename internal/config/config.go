package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingJWTSecret = errors.New("JWT_SECRET is required when DB_DSN is set")

type Config struct {
	Addr string `envconfig:"ADDR" default:":8080" validate:"required"`
	// REDIS_ADDR enables cross-instance fan-out. Empty keeps it in process.
	RedisAddr string `envconfig:"REDIS_ADDR"`
	// DB_DSN enables the account endpoints.
	DatabaseDSN string `envconfig:"DB_DSN"`
	JWTSecret   string `envconfig:"JWT_SECRET"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`

	SendBuffer     int   `envconfig:"SEND_BUFFER" default:"256" validate:"min=1"`
	MaxMessageSize int64 `envconfig:"MAX_MESSAGE_SIZE" default:"65536" validate:"min=512"`
}

// Load reads an optional .env file, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.DatabaseDSN != "" && c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	return nil
}

// AccountsEnabled reports whether the register/login endpoints are mounted.
func (c Config) AccountsEnabled() bool { return c.DatabaseDSN != "" }

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
