package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the relay server configuration.
type Config struct {
	Host      string
	Port      int
	PublicURL string
	Debug     bool
	LogJSON   bool

	Relay RelayConfig
	Ngrok NgrokConfig
}

// RelayConfig tunes the relay endpoint and room registry.
type RelayConfig struct {
	// RoomTTL is how long a room may stay without relayed traffic.
	RoomTTL time.Duration
	// SweepInterval is how often expired rooms are collected.
	SweepInterval time.Duration

	// JoinFailureLimit failed joins are tolerated per JoinFailureWindow; the
	// next failure closes the connection.
	JoinFailureLimit  int
	JoinFailureWindow time.Duration

	MaxMessageBytes int64
	SendBuffer      int

	// Per-connection inbound flood guard.
	MessagesPerSecond float64
	MessageBurst      int

	WriteWait time.Duration
	PongWait  time.Duration

	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string
}

// NgrokConfig controls the optional public tunnel.
type NgrokConfig struct {
	Enabled   bool
	AuthToken string
	Domain    string
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Host:      "localhost",
		Port:      8080,
		PublicURL: "http://localhost:8080",
		Relay:     DefaultRelay(),
	}
}

// DefaultRelay returns relay defaults: 2h room TTL swept every 5 minutes,
// 5 failed joins per minute.
func DefaultRelay() RelayConfig {
	return RelayConfig{
		RoomTTL:           2 * time.Hour,
		SweepInterval:     5 * time.Minute,
		JoinFailureLimit:  5,
		JoinFailureWindow: time.Minute,
		MaxMessageBytes:   64 * 1024,
		SendBuffer:        256,
		MessagesPerSecond: 50,
		MessageBurst:      100,
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
	}
}

// PingPeriod is the websocket-level ping interval. Must be less than PongWait.
func (c RelayConfig) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// Addr returns host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate rejects configurations the relay cannot run with.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	return c.Relay.Validate()
}

// Validate checks that every duration and limit is positive.
func (c RelayConfig) Validate() error {
	durations := map[string]time.Duration{
		"room TTL":            c.RoomTTL,
		"sweep interval":      c.SweepInterval,
		"join failure window": c.JoinFailureWindow,
		"write wait":          c.WriteWait,
		"pong wait":           c.PongWait,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidConfig, name, d)
		}
	}
	if c.JoinFailureLimit <= 0 {
		return fmt.Errorf("%w: join failure limit must be positive", ErrInvalidConfig)
	}
	if c.MaxMessageBytes <= 0 || c.SendBuffer <= 0 {
		return fmt.Errorf("%w: message size and send buffer must be positive", ErrInvalidConfig)
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("%w: flood guard rate and burst must be positive", ErrInvalidConfig)
	}
	return nil
}

// LoadDotEnv loads a .env file from the working directory if there is one.
// It reports whether a file was loaded; a missing file is not an error.
func LoadDotEnv(files ...string) (bool, error) {
	if err := godotenv.Load(files...); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load .env: %w", err)
	}
	return true, nil
}
