package chatsync

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

const (
	DefaultReconnectAttempts = 10
	DefaultReconnectDelay    = time.Second
)

// Config holds connection parameters for one signed-in user.
type Config struct {
	Endpoint    string // relay WebSocket URL (e.g. "wss://relay.example.com/ws")
	APIEndpoint string // REST API base URL (e.g. "https://api.example.com/api")
	UserID      string // local user, announced on every connection
	Token       string // optional bearer token for relay and API

	// ReconnectAttempts caps redials after a transport failure. Zero means
	// DefaultReconnectAttempts; a negative value disables reconnects.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// Strict turns handler invariant violations into panics (development).
	Strict bool

	Logger *slog.Logger
}

// ConfigFromSettings builds a Config from plugin-style settings.
// Required keys: endpoint, api_server, user_id.
// Optional keys: token, reconnect_attempts, reconnect_delay, strict.
func ConfigFromSettings(settings map[string]string) (Config, error) {
	cfg := Config{
		Endpoint:    settings["endpoint"],
		APIEndpoint: settings["api_server"],
		UserID:      settings["user_id"],
		Token:       settings["token"],
	}
	if v := settings["reconnect_attempts"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("reconnect_attempts: %w", err)
		}
		cfg.ReconnectAttempts = n
	}
	if v := settings["reconnect_delay"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("reconnect_delay: %w", err)
		}
		cfg.ReconnectDelay = d
	}
	if v := settings["strict"]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("strict: %w", err)
		}
		cfg.Strict = b
	}
	if cfg.APIEndpoint == "" {
		return Config{}, fmt.Errorf("api_server not configured")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint not configured")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id not configured")
	}
	return nil
}

func (c Config) withDefaults() Config {
	switch {
	case c.ReconnectAttempts == 0:
		c.ReconnectAttempts = DefaultReconnectAttempts
	case c.ReconnectAttempts < 0:
		c.ReconnectAttempts = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
