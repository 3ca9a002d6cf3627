// Package initiator dials a FIX acceptor, logs on, and keeps the session
// alive across disconnects with backoff.
package initiator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fixctl/internal/fix"
	"github.com/danmuck/fixctl/internal/logging"
	"github.com/danmuck/fixctl/internal/session"
	"github.com/danmuck/fixctl/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrAddressRequired    = errors.New("initiator: address required")
	ErrRepositoryRequired = errors.New("initiator: repository required")
	ErrNotConnected       = errors.New("initiator: not logged on")
	ErrDial               = errors.New("initiator: dial failed")
)

// Config defines where and how the initiator connects.
type Config struct {
	Addr        string
	DialTimeout time.Duration
	// Reconnect re-dials after any session end until ctx is canceled or
	// Logout is called.
	Reconnect bool
	// MaxAttempts bounds consecutive failed connections. Zero is unlimited.
	MaxAttempts int
	Session     session.Config
}

func DefaultConfig() Config {
	cfg := session.DefaultConfig()
	cfg.Role = session.RoleInitiator
	return Config{
		DialTimeout: 5 * time.Second,
		Reconnect:   true,
		Session:     cfg,
	}
}

type Deps struct {
	Repository store.Repository
	Events     session.Publisher
	Logger     *zerolog.Logger
}

// Client runs one initiator session at a time.
type Client struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	rng  *rand.Rand

	mu      sync.RWMutex
	current *session.Conn
	stopped atomic.Bool
}

func New(cfg Config, deps Deps) (*Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrAddressRequired
	}
	if deps.Repository == nil {
		return nil, ErrRepositoryRequired
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	cfg.Session.Role = session.RoleInitiator
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Session.TLS.ValidateClient(); err != nil {
		return nil, fmt.Errorf("initiator: %w", err)
	}
	logger := logging.Component("initiator")
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	return &Client{
		cfg:  cfg,
		deps: deps,
		log:  logger.With().Str("addr", cfg.Addr).Logger(),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// ID is the identity the session is stored under.
func (c *Client) ID() store.ID {
	return store.ID{SenderCompID: c.cfg.Session.TargetCompID, TargetCompID: c.cfg.Session.SenderCompID}
}

// Run connects and reconnects until ctx is canceled, Logout is called, or
// reconnecting is disabled or exhausted.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		activated, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if c.stopped.Load() {
			return err
		}
		if activated {
			attempt = 0
		}
		if !c.cfg.Reconnect {
			return err
		}
		attempt++
		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			c.log.Warn().Int("attempt", attempt).Err(err).Msg("initiator.Client.Run giving up")
			return err
		}
		c.log.Warn().Int("attempt", attempt).Err(err).Msg("initiator.Client.Run session ended, reconnecting")
		if err := c.waitBackoff(ctx, attempt); err != nil {
			return nil
		}
	}
}

func (c *Client) runOnce(ctx context.Context) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDial, err)
	}
	tr := session.NewNetTransport(conn, c.cfg.Session)
	logger := c.log.With().Str("session", c.ID().String()).Logger()
	activated := false
	var sc *session.Conn
	sc, err = session.NewConn(c.cfg.Session, session.Deps{
		Repository: c.deps.Repository,
		Events:     c.deps.Events,
		Transport:  tr,
		Logger:     &logger,
		OnActive:   func(store.ID) { activated = true },
	})
	if err != nil {
		_ = conn.Close()
		return false, err
	}
	c.setCurrent(sc)
	defer c.clearCurrent(sc)

	go sc.Pump(tr)
	err = sc.Run(ctx)
	if err == nil {
		logger.Info().Msg("initiator.Client session logged out")
	}
	return activated, err
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	tlsCfg, err := c.cfg.Session.TLS.ClientTLS()
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	}
	if tlsCfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(c.cfg.Addr); err == nil {
			tlsCfg.ServerName = host
		}
	}
	td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
	return td.DialContext(ctx, "tcp", c.cfg.Addr)
}

func (c *Client) waitBackoff(ctx context.Context, attempt int) error {
	delay := c.cfg.Session.Backoff.Delay(attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) setCurrent(sc *session.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = sc
}

func (c *Client) clearCurrent(sc *session.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == sc {
		c.current = nil
	}
}

func (c *Client) conn() *session.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Active reports whether a session is currently logged on.
func (c *Client) Active() bool {
	sc := c.conn()
	return sc != nil && sc.Active()
}

// Send writes an application message on the current session.
func (c *Client) Send(ctx context.Context, msg *fix.Message) error {
	sc := c.conn()
	if sc == nil || !sc.Active() {
		return ErrNotConnected
	}
	return c.translate(sc.Send(ctx, msg))
}

// Logout ends the current session gracefully and stops reconnecting.
func (c *Client) Logout(ctx context.Context, text string) error {
	c.stopped.Store(true)
	sc := c.conn()
	if sc == nil {
		return nil
	}
	return c.translate(sc.Logout(ctx, text))
}

func (c *Client) translate(err error) error {
	if errors.Is(err, session.ErrClosed) || errors.Is(err, session.ErrNotActive) {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return err
}
