// Package dispatch delivers session events to the application.
//
// Each session identity gets its own FIFO queue and worker goroutine, so
// calls for one session arrive in receipt order while a slow handler only
// delays its own session. Publish never blocks the caller; once a session
// has Options.MaxPending undelivered messages, further messages for it are
// dropped and counted.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fixctl/internal/fix"
	"github.com/danmuck/fixctl/internal/logging"
	"github.com/danmuck/fixctl/internal/observability"
	"github.com/danmuck/fixctl/internal/store"
	"github.com/rs/zerolog"
)

var ErrShutdown = errors.New("dispatch: shut down")

type EventKind int

const (
	EventLogon EventKind = iota + 1
	EventLogout
	EventMessage
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventLogon:
		return "logon"
	case EventLogout:
		return "logout"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one session notification. Message is owned by the receiver.
type Event struct {
	Kind    EventKind
	ID      store.ID
	Message *fix.Message
	Err     error
	At      time.Time
}

// Application receives session events.
type Application interface {
	OnLogon(id store.ID, logon *fix.Message)
	OnLogout(id store.ID, logout *fix.Message)
	OnMessage(id store.ID, msg *fix.Message)
}

// ErrorHandler is implemented by applications that want terminal errors.
type ErrorHandler interface {
	OnError(id store.ID, err error)
}

// DefaultMaxPending bounds each session queue when Options leaves it unset.
const DefaultMaxPending = 4096

type Options struct {
	// MaxPending caps undelivered EventMessage events per session.
	// Logon, logout and error events are always queued.
	MaxPending int
}

// Dispatcher fans events out to per-session workers.
type Dispatcher struct {
	app        Application
	log        zerolog.Logger
	maxPending int
	dropped    atomic.Uint64

	mu     sync.Mutex
	queues map[store.ID]*queue
	tails  map[store.ID]<-chan struct{}
	closed bool
	wg     sync.WaitGroup
}

type queue struct {
	id   store.ID
	wake chan struct{}
	done chan struct{}
	prev <-chan struct{}

	mu       sync.Mutex
	pending  []Event
	messages int
	closing  bool
}

func New(app Application) *Dispatcher {
	return NewWithOptions(app, Options{})
}

func NewWithOptions(app Application, opts Options) *Dispatcher {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	return &Dispatcher{
		app:        app,
		log:        logging.Component("dispatch"),
		maxPending: opts.MaxPending,
		queues:     make(map[store.ID]*queue),
		tails:      make(map[store.ID]<-chan struct{}),
	}
}

// Dropped reports how many messages were discarded on full queues.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Publish enqueues ev for its session. Events published after Shutdown are dropped.
func (d *Dispatcher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn().Str("session", ev.ID.String()).Str("kind", ev.Kind.String()).Msg("dispatch.Publish dropped after shutdown")
		return
	}
	q, ok := d.queues[ev.ID]
	if !ok {
		q = &queue{
			id:   ev.ID,
			wake: make(chan struct{}, 1),
			done: make(chan struct{}),
			prev: d.tails[ev.ID],
		}
		delete(d.tails, ev.ID)
		d.queues[ev.ID] = q
		d.wg.Add(1)
		go d.run(q)
	}
	d.mu.Unlock()

	q.mu.Lock()
	if ev.Kind == EventMessage && q.messages >= d.maxPending {
		q.mu.Unlock()
		d.dropped.Add(1)
		observability.RecordDispatchDrop(ev.Kind.String())
		d.log.Warn().
			Str("session", ev.ID.String()).
			Int("max_pending", d.maxPending).
			Msg("dispatch.Publish session queue full, message dropped")
		return
	}
	if ev.Kind == EventMessage {
		q.messages++
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	q.signal()
}

// Close lets the session queue drain and then stops its worker. A later
// Publish for the same identity starts a new worker that waits for this one.
func (d *Dispatcher) Close(id store.ID) {
	d.mu.Lock()
	q, ok := d.queues[id]
	if ok {
		delete(d.queues, id)
		d.tails[id] = q.done
	}
	d.mu.Unlock()
	if ok {
		q.close()
	}
}

// Shutdown drains every queue and waits for the workers or ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	queues := make([]*queue, 0, len(d.queues))
	for id, q := range d.queues {
		queues = append(queues, q)
		delete(d.queues, id)
	}
	d.mu.Unlock()
	for _, q := range queues {
		q.close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(q *queue) {
	defer d.wg.Done()
	defer d.retire(q)
	if q.prev != nil {
		<-q.prev
	}
	for range q.wake {
		for {
			q.mu.Lock()
			batch := q.pending
			q.pending = nil
			closing := q.closing
			q.mu.Unlock()
			if len(batch) == 0 {
				if closing {
					return
				}
				break
			}
			for _, ev := range batch {
				d.deliver(ev)
				if ev.Kind == EventMessage {
					q.mu.Lock()
					q.messages--
					q.mu.Unlock()
				}
			}
		}
	}
}

func (d *Dispatcher) retire(q *queue) {
	close(q.done)
	d.mu.Lock()
	if d.tails[q.id] == (<-chan struct{})(q.done) {
		delete(d.tails, q.id)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("session", ev.ID.String()).
				Str("kind", ev.Kind.String()).
				Interface("panic", r).
				Msg("dispatch.deliver application panic recovered")
		}
	}()
	switch ev.Kind {
	case EventLogon:
		d.app.OnLogon(ev.ID, ev.Message)
	case EventLogout:
		d.app.OnLogout(ev.ID, ev.Message)
	case EventMessage:
		d.app.OnMessage(ev.ID, ev.Message)
	case EventError:
		if h, ok := d.app.(ErrorHandler); ok {
			h.OnError(ev.ID, ev.Err)
			return
		}
		d.log.Warn().Str("session", ev.ID.String()).Err(ev.Err).Msg("dispatch.deliver unhandled session error")
	}
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.signal()
}
