package bot

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Credential is one configured login.
type Credential struct {
	Username     string
	Password     string
	SharedSecret string
}

// Settings is per-bot policy. Zero values select defaults.
type Settings struct {
	// Minimum spacing between successive dispatches from this bot.
	RequestDelay time.Duration
	// Deadline for a single in-flight inspect response.
	RequestTTL time.Duration
	// Advertised in config for compatibility; the single current-request
	// wire correlation cannot support more than one, so values above 1
	// are clamped with a warning.
	MaxConcurrentRequests int
	// Login deadline.
	ConnectionTimeout time.Duration
	// Spacing of login attempts before the exponential backoff regime.
	LoginRetryDelay time.Duration
	// Attempts before exponential backoff kicks in.
	MaxLoginAttempts int
	// Delay before re-announcing the game after a GC drop.
	GCReconnectDelay time.Duration
	// Base scheduled-relogin interval; each arm adds ReloginJitter jitter.
	ReloginInterval time.Duration
	ReloginJitter   time.Duration
	// Local work queue capacity.
	QueueSize int
	// Game app id.
	AppID uint32
	// TOTP generator. Kept external; nil disables two-factor codes.
	TwoFactorCode func(sharedSecret string) (string, error)
}

func (s Settings) withDefaults() Settings {
	if s.RequestDelay <= 0 {
		s.RequestDelay = time.Second
	}
	if s.RequestTTL <= 0 {
		s.RequestTTL = 30 * time.Second
	}
	if s.MaxConcurrentRequests > 1 {
		log.Warn().
			Int("max_concurrent_requests", s.MaxConcurrentRequests).
			Msg("max_concurrent_requests > 1 is not supported by the wire correlation, clamping to 1")
	}
	s.MaxConcurrentRequests = 1
	if s.ConnectionTimeout <= 0 {
		s.ConnectionTimeout = 60 * time.Second
	}
	if s.LoginRetryDelay <= 0 {
		s.LoginRetryDelay = 30 * time.Second
	}
	if s.MaxLoginAttempts <= 0 {
		s.MaxLoginAttempts = 3
	}
	if s.GCReconnectDelay <= 0 {
		s.GCReconnectDelay = 5 * time.Second
	}
	if s.ReloginInterval <= 0 {
		s.ReloginInterval = 30 * time.Minute
	}
	if s.ReloginJitter <= 0 {
		s.ReloginJitter = 4 * time.Minute
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 5
	}
	if s.AppID == 0 {
		s.AppID = 730
	}
	return s
}

const maxLoginBackoff = 300 * time.Second

// loginBackoff returns the delay before the next login attempt.
// Exponential after maxAttempts consecutive failures, capped at 300s.
func loginBackoff(attempts, maxAttempts int, retryDelay time.Duration) time.Duration {
	if attempts < maxAttempts {
		return retryDelay
	}
	backoff := 5 * time.Second
	for i := 0; i < attempts-maxAttempts; i++ {
		backoff *= 2
		if backoff >= maxLoginBackoff {
			return maxLoginBackoff
		}
	}
	return backoff
}
