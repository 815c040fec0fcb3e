// Package config loads the service configuration from a single YAML file,
// applies defaults after unmarshalling and validates the parts that must
// fail fast (logins, proxies).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Login is one bot credential.
type Login struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	SharedSecret string `yaml:"shared_secret"`
}

// BotSettings mirrors the per-bot policy knobs of §bot_settings.
type BotSettings struct {
	RequestDelayMs        int    `yaml:"request_delay_ms"`
	RequestTTLMs          int    `yaml:"request_ttl_ms"`
	MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`
	ConnectionTimeoutMs   int    `yaml:"connection_timeout_ms"`
	LoginRetryDelayMs     int    `yaml:"login_retry_delay_ms"`
	MaxLoginAttempts      int    `yaml:"max_login_attempts"`
	GCReconnectDelayMs    int    `yaml:"gc_reconnect_delay_ms"`
	ReloginIntervalMin    int    `yaml:"relogin_interval_min"`
	QueueSize             int    `yaml:"queue_size"`
	MaxAttempts           int    `yaml:"max_attempts"`
	GatewayURL            string `yaml:"gateway_url"`
	SteamDataDirectory    string `yaml:"steam_data_directory"`
}

// RateLimit configures the fixed-window HTTP limiter.
type RateLimit struct {
	Enable   bool `yaml:"enable"`
	WindowMs int  `yaml:"window_ms"`
	Max      int  `yaml:"max"`
}

// HTTP configures the listener.
type HTTP struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GameFiles configures the game-data decorator refresh.
type GameFiles struct {
	Enable            bool   `yaml:"enable"`
	UpdateIntervalMin int    `yaml:"update_interval_min"`
	URL               string `yaml:"url"`
}

// Config is the whole service configuration.
type Config struct {
	Logins      []Login     `yaml:"logins"`
	BotSettings BotSettings `yaml:"bot_settings"`
	// Each entry must be prefixed http:// or socks5://; assigned to
	// logins round-robin.
	Proxies []string `yaml:"proxies"`

	APIKey   string `yaml:"api_key"`
	PriceKey string `yaml:"price_key"`

	MaxSimultaneousRequests int `yaml:"max_simultaneous_requests"`
	MaxQueueSize            int `yaml:"max_queue_size"`

	AllowedOrigins      []string `yaml:"allowed_origins"`
	AllowedRegexOrigins []string `yaml:"allowed_regex_origins"`
	TrustProxy          bool     `yaml:"trust_proxy"`

	RateLimit RateLimit `yaml:"rate_limit"`
	HTTP      HTTP      `yaml:"http"`
	GameFiles GameFiles `yaml:"game_files"`

	LogLevel string `yaml:"log_level"`
}

// Load reads, parses and validates the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.BotSettings
	if b.RequestDelayMs <= 0 {
		b.RequestDelayMs = 1000
	}
	if b.RequestTTLMs <= 0 {
		b.RequestTTLMs = 30000
	}
	if b.MaxConcurrentRequests <= 0 {
		b.MaxConcurrentRequests = 1
	}
	if b.ConnectionTimeoutMs <= 0 {
		b.ConnectionTimeoutMs = 60000
	}
	if b.LoginRetryDelayMs <= 0 {
		b.LoginRetryDelayMs = 30000
	}
	if b.MaxLoginAttempts <= 0 {
		b.MaxLoginAttempts = 3
	}
	if b.GCReconnectDelayMs <= 0 {
		b.GCReconnectDelayMs = 5000
	}
	if b.ReloginIntervalMin <= 0 {
		b.ReloginIntervalMin = 30
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 5
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 3
	}
	if b.GatewayURL == "" {
		b.GatewayURL = "wss://127.0.0.1:8181/gc"
	}

	if c.MaxSimultaneousRequests <= 0 {
		c.MaxSimultaneousRequests = 1
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.RateLimit.WindowMs <= 0 {
		c.RateLimit.WindowMs = 60000
	}
	if c.RateLimit.Max <= 0 {
		c.RateLimit.Max = 10
	}
	if c.HTTP.Port <= 0 {
		c.HTTP.Port = 80
	}
	if c.GameFiles.UpdateIntervalMin <= 0 {
		c.GameFiles.UpdateIntervalMin = 1440
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate enforces the fail-fast invariants.
func (c *Config) Validate() error {
	if len(c.Logins) == 0 {
		return fmt.Errorf("there are no logins configured")
	}
	for _, l := range c.Logins {
		if l.Username == "" || l.Password == "" {
			return fmt.Errorf("login missing username or password")
		}
	}
	for _, p := range c.Proxies {
		if !strings.HasPrefix(p, "http://") && !strings.HasPrefix(p, "socks5://") {
			return fmt.Errorf("each proxy must be prefixed with http:// or socks5://: %s", p)
		}
	}
	return nil
}

// ProxyFor returns the proxy for the i-th login, round-robin, or "".
func (c *Config) ProxyFor(i int) string {
	if len(c.Proxies) == 0 {
		return ""
	}
	return c.Proxies[i%len(c.Proxies)]
}

// Duration accessors keep the ms/min units at the config boundary.

func (b BotSettings) RequestDelay() time.Duration {
	return time.Duration(b.RequestDelayMs) * time.Millisecond
}
func (b BotSettings) RequestTTL() time.Duration {
	return time.Duration(b.RequestTTLMs) * time.Millisecond
}
func (b BotSettings) ConnectionTimeout() time.Duration {
	return time.Duration(b.ConnectionTimeoutMs) * time.Millisecond
}
func (b BotSettings) LoginRetryDelay() time.Duration {
	return time.Duration(b.LoginRetryDelayMs) * time.Millisecond
}
func (b BotSettings) GCReconnectDelay() time.Duration {
	return time.Duration(b.GCReconnectDelayMs) * time.Millisecond
}
func (b BotSettings) ReloginInterval() time.Duration {
	return time.Duration(b.ReloginIntervalMin) * time.Minute
}

func (r RateLimit) Window() time.Duration { return time.Duration(r.WindowMs) * time.Millisecond }

func (g GameFiles) UpdateInterval() time.Duration {
	return time.Duration(g.UpdateIntervalMin) * time.Minute
}
