// Package config handles extwatch configuration from an optional YAML file
// and environment variables. Environment variables win.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Push transports.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Config holds all extwatch configuration.
type Config struct {
	// Server
	ListenAddr     string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowedOrigins"` // optional, for WebSocket origin validation

	// PBX
	APIURL       string        `yaml:"apiUrl"`
	APIToken     string        `yaml:"-"` // env only, seeds the credential store
	FetchTimeout time.Duration `yaml:"fetchTimeout"`

	// Push channel
	PushURL          string        `yaml:"pushUrl"`
	PushTransport    string        `yaml:"pushTransport"`
	NATSURL          string        `yaml:"natsUrl"`
	NATSSubject      string        `yaml:"natsSubject"`
	RealtimeContexts []string      `yaml:"realtimeContexts"`
	StaleAfter       time.Duration `yaml:"staleAfter"`

	// Reconciliation
	PollInterval time.Duration `yaml:"pollInterval"`
	TieWindow    time.Duration `yaml:"tieWindow"`

	// Storage
	SessionID    string        `yaml:"sessionId"`
	DatabasePath string        `yaml:"dbPath"`
	CacheTTL     time.Duration `yaml:"cacheTtl"`

	// Logging
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"` // console or json
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:    ":8080",
		FetchTimeout:  5 * time.Second,
		PushTransport: TransportWebSocket,
		NATSSubject:   "pbx.presence",
		StaleAfter:    45 * time.Second,
		PollInterval:  6 * time.Second,
		TieWindow:     time.Second,
		SessionID:     "default",
		DatabasePath:  "extwatch.db",
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// Load reads EXTWATCH_CONFIG (if set), then applies environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("EXTWATCH_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("EXTWATCH_LISTEN", c.ListenAddr)
	if origins := parseList("EXTWATCH_ALLOWED_ORIGINS"); origins != nil {
		c.AllowedOrigins = origins
	}
	c.APIURL = getEnv("EXTWATCH_API_URL", c.APIURL)
	c.APIToken = os.Getenv("EXTWATCH_API_TOKEN")
	c.FetchTimeout = parseDuration("EXTWATCH_FETCH_TIMEOUT", c.FetchTimeout)

	c.PushURL = getEnv("EXTWATCH_PUSH_URL", c.PushURL)
	c.PushTransport = strings.ToLower(getEnv("EXTWATCH_PUSH_TRANSPORT", c.PushTransport))
	c.NATSURL = getEnv("EXTWATCH_NATS_URL", c.NATSURL)
	c.NATSSubject = getEnv("EXTWATCH_NATS_SUBJECT", c.NATSSubject)
	if contexts := parseList("EXTWATCH_REALTIME_CONTEXTS"); contexts != nil {
		c.RealtimeContexts = contexts
	}
	c.StaleAfter = parseDuration("EXTWATCH_REALTIME_STALE_AFTER", c.StaleAfter)

	c.PollInterval = parseDuration("EXTWATCH_POLL_INTERVAL", c.PollInterval)
	c.TieWindow = parseDuration("EXTWATCH_TIE_WINDOW", c.TieWindow)

	c.SessionID = getEnv("EXTWATCH_SESSION_ID", c.SessionID)
	c.DatabasePath = getEnv("EXTWATCH_DB_PATH", c.DatabasePath)
	c.CacheTTL = parseDuration("EXTWATCH_CACHE_TTL", c.CacheTTL)

	c.LogLevel = getEnv("EXTWATCH_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("EXTWATCH_LOG_FORMAT", c.LogFormat)
}

func (c *Config) validate() error {
	var errs []error

	if c.APIURL == "" {
		errs = append(errs, errors.New("EXTWATCH_API_URL is required"))
	} else if err := checkURL(c.APIURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("EXTWATCH_API_URL: %w", err))
	}

	switch c.PushTransport {
	case TransportWebSocket:
		if c.PushURL != "" {
			if err := checkURL(c.PushURL, "ws", "wss"); err != nil {
				errs = append(errs, fmt.Errorf("EXTWATCH_PUSH_URL: %w", err))
			}
		}
	case TransportNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("EXTWATCH_NATS_URL is required for the nats transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("EXTWATCH_PUSH_TRANSPORT: unknown transport %q", c.PushTransport))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("EXTWATCH_POLL_INTERVAL must be positive"))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, errors.New("EXTWATCH_REALTIME_STALE_AFTER must be positive"))
	}
	if c.TieWindow < 0 || c.CacheTTL < 0 {
		errs = append(errs, errors.New("EXTWATCH_TIE_WINDOW and EXTWATCH_CACHE_TTL must not be negative"))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("EXTWATCH_LOG_FORMAT: unknown format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// RealtimeEnabled returns true if a push endpoint is configured.
func (c *Config) RealtimeEnabled() bool {
	if c.PushTransport == TransportNATS {
		return c.NATSURL != ""
	}
	return c.PushURL != ""
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
