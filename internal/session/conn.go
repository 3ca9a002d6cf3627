package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/fixctl/internal/fix"
	"github.com/danmuck/fixctl/internal/fix/frame"
	"github.com/danmuck/fixctl/internal/store"
)

type sendRequest struct {
	msg  *fix.Message
	done chan error
}

type logoutRequest struct {
	text string
	done chan error
}

// Conn runs one Machine on a single owner goroutine. Inbound bytes, ticks,
// outbound sends and read failures are all funnelled through Run.
type Conn struct {
	m        *Machine
	splitter *frame.Splitter

	inbound chan []byte
	ticks   chan time.Time
	sends   chan sendRequest
	logouts chan logoutRequest
	failed  chan error

	done     chan struct{}
	doneOnce sync.Once

	mu       sync.Mutex
	id       store.ID
	active   bool
	err      error
	finished bool
}

func NewConn(cfg Config, deps Deps) (*Conn, error) {
	c := &Conn{
		inbound: make(chan []byte),
		ticks:   make(chan time.Time, 1),
		sends:   make(chan sendRequest),
		logouts: make(chan logoutRequest),
		failed:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	onActive := deps.OnActive
	deps.Ticks = c.postTick
	deps.OnActive = func(id store.ID) {
		c.mu.Lock()
		c.id = id
		c.active = true
		c.mu.Unlock()
		if onActive != nil {
			onActive(id)
		}
	}
	m, err := NewMachine(cfg, deps)
	if err != nil {
		return nil, err
	}
	c.m = m
	c.splitter = frame.NewSplitter(m.cfg.frameLimits())
	if m.cfg.Role == RoleInitiator {
		c.id = m.id
	}
	return c, nil
}

// Run drives the session until it terminates or ctx is canceled. It
// returns nil after a graceful logout.
func (c *Conn) Run(ctx context.Context) error {
	defer c.finish()
	if err := c.m.Start(ctx); err != nil {
		return c.m.Result()
	}
	for !c.m.Done() {
		var (
			timer    *time.Timer
			deadline <-chan time.Time
		)
		if d := c.m.Deadline(); !d.IsZero() {
			timer = time.NewTimer(d.Sub(c.m.now()))
			deadline = timer.C
		}
		select {
		case <-ctx.Done():
			c.m.Terminate(ctx, ctx.Err())
		case p := <-c.inbound:
			c.consume(ctx, p)
		case <-c.ticks:
			c.m.Tick(ctx, c.m.now())
		case <-deadline:
			c.m.Tick(ctx, c.m.now())
		case req := <-c.sends:
			req.done <- c.m.Send(ctx, req.msg)
		case req := <-c.logouts:
			req.done <- c.m.Logout(ctx, req.text)
		case err := <-c.failed:
			c.m.Terminate(ctx, fmt.Errorf("%w: %v", ErrTransport, err))
		}
		if timer != nil {
			timer.Stop()
		}
	}
	return c.m.Result()
}

func (c *Conn) consume(ctx context.Context, p []byte) {
	frames, err := c.splitter.Feed(p)
	for _, raw := range frames {
		c.m.HandleFrame(ctx, raw)
		if c.m.Done() {
			return
		}
	}
	if err != nil {
		c.m.HandleMalformed(ctx, err)
	}
}

func (c *Conn) finish() {
	c.mu.Lock()
	c.err = c.m.Result()
	c.finished = true
	c.active = false
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Conn) postTick(t time.Time) {
	select {
	case c.ticks <- t:
	default:
	}
}

// Feed hands bytes read from the transport to the owner goroutine. p may
// be reused by the caller after Feed returns.
func (c *Conn) Feed(p []byte) error {
	buf := append([]byte(nil), p...)
	select {
	case c.inbound <- buf:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Fail reports a transport read error. Only the first one counts.
func (c *Conn) Fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

// Send submits an application message for stamping and writing.
func (c *Conn) Send(ctx context.Context, msg *fix.Message) error {
	req := sendRequest{msg: msg, done: make(chan error, 1)}
	select {
	case c.sends <- req:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.await(ctx, req.done)
}

// Logout starts a graceful logout. Wait on Done for the session to end.
func (c *Conn) Logout(ctx context.Context, text string) error {
	req := logoutRequest{text: text, done: make(chan error, 1)}
	select {
	case c.logouts <- req:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.await(ctx, req.done)
}

func (c *Conn) await(ctx context.Context, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-c.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// Err is the terminal error once Done is closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ID is the session identity, known once Logon is accepted.
func (c *Conn) ID() store.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Active reports whether the session is logged on.
func (c *Conn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && !c.finished
}

// Config is the effective session configuration.
func (c *Conn) Config() Config { return c.m.cfg }
