// Package config reads server and client settings from the environment.
// A .env file in the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/DoyleJ11/tenebris-backend/internal/reconnect"
)

// Server holds the game server configuration.
type Server struct {
	Addr        string `env:"TENEBRIS_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"TENEBRIS_DATABASE_URL"`
	MaxPlayers  int    `env:"TENEBRIS_MAX_PLAYERS" envDefault:"8"`
	OutboxSize  int    `env:"TENEBRIS_OUTBOX_SIZE" envDefault:"16"`
	LogLevel    string `env:"TENEBRIS_LOG_LEVEL" envDefault:"info"`
	LogDev      bool   `env:"TENEBRIS_LOG_DEV" envDefault:"false"`
}

// Client holds the CLI client configuration.
type Client struct {
	ServerURL      string        `env:"TENEBRIS_SERVER_URL" envDefault:"ws://localhost:8080/ws"`
	UserID         string        `env:"TENEBRIS_USER"`
	Name           string        `env:"TENEBRIS_NAME"`
	Profile        string        `env:"TENEBRIS_PROFILE" envDefault:"default"`
	StateDir       string        `env:"TENEBRIS_STATE_DIR" envDefault:".tenebris"`
	DialTimeout    time.Duration `env:"TENEBRIS_DIAL_TIMEOUT" envDefault:"10s"`
	RequestTimeout time.Duration `env:"TENEBRIS_REQUEST_TIMEOUT" envDefault:"5s"`
	LogLevel       string        `env:"TENEBRIS_LOG_LEVEL" envDefault:"warn"`
	LogDev         bool          `env:"TENEBRIS_LOG_DEV" envDefault:"true"`

	MaxAttempts       int           `env:"TENEBRIS_RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
	InitialDelay      time.Duration `env:"TENEBRIS_RECONNECT_INITIAL_DELAY" envDefault:"1s"`
	MaxDelay          time.Duration `env:"TENEBRIS_RECONNECT_MAX_DELAY" envDefault:"30s"`
	BackoffMultiplier float64       `env:"TENEBRIS_RECONNECT_MULTIPLIER" envDefault:"2"`
	JitterRange       float64       `env:"TENEBRIS_RECONNECT_JITTER" envDefault:"0.3"`
}

// Policy is the reconnection schedule described by the client settings.
func (c Client) Policy() reconnect.Policy {
	return reconnect.Policy{
		MaxAttempts:       c.MaxAttempts,
		InitialDelay:      c.InitialDelay,
		MaxDelay:          c.MaxDelay,
		BackoffMultiplier: c.BackoffMultiplier,
		JitterRange:       c.JitterRange,
	}
}

// LoadServer reads Server from the environment.
func LoadServer() (Server, error) {
	var cfg Server
	if err := load(&cfg); err != nil {
		return Server{}, err
	}
	if cfg.MaxPlayers < 2 {
		return Server{}, fmt.Errorf("max players must be at least 2, got %d", cfg.MaxPlayers)
	}
	return cfg, nil
}

// LoadClient reads Client from the environment.
func LoadClient() (Client, error) {
	var cfg Client
	if err := load(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func load(target any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
