package client

import (
	"errors"
	"time"
)

// Default values for the reconnect and handshake behavior.
const (
	DefaultBaseDelay        = 1 * time.Second
	DefaultMaxDelay         = 30 * time.Second
	DefaultJitterFactor     = 0.3 // 30% jitter
	DefaultMaxAttempts      = 10  // consecutive reconnect attempts before giving up
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAckTimeout       = 10 * time.Second
)

// Option validation errors.
var (
	ErrEmptyURL        = errors.New("server URL cannot be empty")
	ErrEmptyUserID     = errors.New("user id cannot be empty")
	ErrEmptyToken      = errors.New("auth token cannot be empty")
	ErrInvalidDelay    = errors.New("base delay must be positive")
	ErrInvalidMaxDelay = errors.New("max delay must be >= base delay")
	ErrInvalidJitter   = errors.New("jitter factor must be between 0 and 1")
)

// Options holds the client configuration.
type Options struct {
	// URL is the websocket endpoint, e.g. wss://host/ws.
	URL string

	// UserID and Token are the credentials for the authenticate handshake.
	UserID string
	Token  string

	// BaseDelay is the initial delay before the first reconnect attempt.
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between reconnect attempts.
	MaxDelay time.Duration

	// JitterFactor is the fraction of delay to randomize (0.0 to 1.0).
	// A value of 0.3 means the actual delay lands in [delay*0.85, delay*1.15].
	JitterFactor float64

	// MaxAttempts is the number of consecutive failed reconnect attempts
	// before Run gives up. Set to 0 to retry forever.
	MaxAttempts int64

	// HandshakeTimeout bounds the dial plus the authenticate exchange.
	HandshakeTimeout time.Duration

	// AckTimeout bounds the wait for the server's acknowledgment of one
	// live send before falling back to the offline queue.
	AckTimeout time.Duration
}

// DefaultOptions returns Options with sensible defaults. Credentials must
// be provided by the caller.
func DefaultOptions(url, userID, token string) Options {
	return Options{
		URL:              url,
		UserID:           userID,
		Token:            token,
		BaseDelay:        DefaultBaseDelay,
		MaxDelay:         DefaultMaxDelay,
		JitterFactor:     DefaultJitterFactor,
		MaxAttempts:      DefaultMaxAttempts,
		HandshakeTimeout: DefaultHandshakeTimeout,
		AckTimeout:       DefaultAckTimeout,
	}
}

// Validate checks that the options are usable.
func (o Options) Validate() error {
	if o.URL == "" {
		return ErrEmptyURL
	}
	if o.UserID == "" {
		return ErrEmptyUserID
	}
	if o.Token == "" {
		return ErrEmptyToken
	}
	if o.BaseDelay <= 0 {
		return ErrInvalidDelay
	}
	if o.MaxDelay < o.BaseDelay {
		return ErrInvalidMaxDelay
	}
	if o.JitterFactor < 0 || o.JitterFactor > 1 {
		return ErrInvalidJitter
	}
	return nil
}
