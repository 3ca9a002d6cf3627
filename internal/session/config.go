package session

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/fixctl/internal/fix"
	"github.com/danmuck/fixctl/internal/fix/frame"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// Role selects which side of the Logon handshake this engine plays.
type Role string

const (
	RoleAcceptor  Role = "acceptor"
	RoleInitiator Role = "initiator"
)

// BackoffConfig spaces initiator reconnect attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter draws the delay uniformly from [d/2, d].
	Jitter bool
}

// Delay is the wait before reconnect attempt n, counting from 1.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	d := b.InitialDelay
	if d <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * mult)
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			d = b.MaxDelay
			break
		}
	}
	if b.Jitter && rng != nil {
		half := d / 2
		d = half + time.Duration(rng.Int63n(int64(d-half)+1))
	}
	return d
}

// Config defines session behavior for one connection.
type Config struct {
	Role        Role
	BeginString string
	// SenderCompID is the local CompID. An acceptor with it set rejects
	// Logons addressed to any other TargetCompID.
	SenderCompID string
	// TargetCompID is the counterparty CompID. Initiator only.
	TargetCompID string
	// HeartbeatInterval is proposed by an initiator. Acceptors use the
	// peer's HeartBtInt.
	HeartbeatInterval time.Duration
	// TestRequestGraceFactor scales the interval to get the wait after a
	// TestRequest before the peer is declared dead.
	TestRequestGraceFactor float64
	// TickInterval overrides the supervisor tick period.
	TickInterval      time.Duration
	LogonTimeout      time.Duration
	LogoutTimeout     time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxQueuedMessages int
	MaxBodyBytes      int
	ResetOnLogon      bool
	Username          string
	Password          string
	Backoff           BackoffConfig
	TLS               TLSConfig
	// Now is the session clock. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns acceptor defaults.
func DefaultConfig() Config {
	return Config{
		Role:                   RoleAcceptor,
		BeginString:            fix.DefaultBeginString,
		HeartbeatInterval:      30 * time.Second,
		TestRequestGraceFactor: 1.0,
		LogonTimeout:           10 * time.Second,
		LogoutTimeout:          5 * time.Second,
		WriteTimeout:           10 * time.Second,
		MaxQueuedMessages:      1024,
		MaxBodyBytes:           frame.DefaultLimits().MaxBodyBytes,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Role == "" {
		c.Role = def.Role
	}
	if strings.TrimSpace(c.BeginString) == "" {
		c.BeginString = def.BeginString
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.TestRequestGraceFactor <= 0 {
		c.TestRequestGraceFactor = def.TestRequestGraceFactor
	}
	if c.LogonTimeout == 0 {
		c.LogonTimeout = def.LogonTimeout
	}
	if c.LogoutTimeout == 0 {
		c.LogoutTimeout = def.LogoutTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxQueuedMessages <= 0 {
		c.MaxQueuedMessages = def.MaxQueuedMessages
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.Backoff.InitialDelay == 0 {
		c.Backoff = def.Backoff
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c Config) Validate() error {
	switch c.Role {
	case RoleAcceptor, RoleInitiator:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidConfig, c.Role)
	}
	if strings.TrimSpace(c.BeginString) == "" {
		return fmt.Errorf("%w: begin_string required", ErrInvalidConfig)
	}
	if c.HeartbeatInterval < 0 || c.HeartbeatInterval%time.Second != 0 {
		return fmt.Errorf("%w: heartbeat interval must be whole seconds, got %s", ErrInvalidConfig, c.HeartbeatInterval)
	}
	if c.TestRequestGraceFactor <= 0 {
		return fmt.Errorf("%w: test request grace factor must be positive", ErrInvalidConfig)
	}
	if c.LogonTimeout < 0 || c.LogoutTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if c.MaxQueuedMessages <= 0 {
		return fmt.Errorf("%w: max queued messages must be positive", ErrInvalidConfig)
	}
	if c.Role == RoleInitiator {
		if strings.TrimSpace(c.SenderCompID) == "" || strings.TrimSpace(c.TargetCompID) == "" {
			return fmt.Errorf("%w: initiator requires sender and target comp ids", ErrInvalidConfig)
		}
	}
	return nil
}

// GraceWindow is the wait after a TestRequest for a heartbeat interval.
func (c Config) GraceWindow(interval time.Duration) time.Duration {
	return time.Duration(float64(interval) * c.TestRequestGraceFactor)
}

func (c Config) tickPeriod(interval time.Duration) time.Duration {
	if c.TickInterval > 0 {
		return c.TickInterval
	}
	period := interval / 4
	if period > time.Second {
		period = time.Second
	}
	if period < 10*time.Millisecond {
		period = 10 * time.Millisecond
	}
	return period
}

func (c Config) frameLimits() frame.Limits {
	limits := frame.DefaultLimits()
	if c.MaxBodyBytes > 0 {
		limits.MaxBodyBytes = c.MaxBodyBytes
		if limits.MaxBufferedBytes < 2*c.MaxBodyBytes {
			limits.MaxBufferedBytes = 2 * c.MaxBodyBytes
		}
	}
	return limits
}
