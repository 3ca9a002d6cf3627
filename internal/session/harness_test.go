package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fixctl/internal/dispatch"
	"github.com/danmuck/fixctl/internal/fix"
	"github.com/danmuck/fixctl/internal/store"
)

var peerID = store.ID{SenderCompID: "AAA", TargetCompID: "BBBB"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// captureTransport decodes every write so tests can inspect outbound messages.
type captureTransport struct {
	mu       sync.Mutex
	sent     []*fix.Message
	closed   int
	writeErr error
	written  chan struct{}
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{written: make(chan struct{}, 64)}
}

func (c *captureTransport) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	msg, err := fix.Decode(p)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, msg)
	select {
	case c.written <- struct{}{}:
	default:
	}
	return nil
}

func (c *captureTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *captureTransport) messages() []*fix.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fix.Message(nil), c.sent...)
}

func (c *captureTransport) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// since returns the messages written after the first n.
func (c *captureTransport) since(n int) []*fix.Message {
	all := c.messages()
	if n >= len(all) {
		return nil
	}
	return all[n:]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []dispatch.Event
	closed []store.ID
}

func (p *recordingPublisher) Publish(ev dispatch.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Close(id store.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, id)
}

func (p *recordingPublisher) ofKind(kind dispatch.EventKind) []dispatch.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []dispatch.Event
	for _, ev := range p.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type countingAuth struct {
	calls int
	err   error
}

func (a *countingAuth) Authenticate(*fix.Message) error {
	a.calls++
	return a.err
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *fakeClock
	tr    *captureTransport
	pub   *recordingPublisher
	repo  store.Repository
	m     *Machine
}

func testConfig(clock *fakeClock) Config {
	cfg := DefaultConfig()
	cfg.SenderCompID = "BBBB"
	cfg.Now = clock.Now
	return cfg
}

func newHarness(t *testing.T, repo store.Repository, auth Authenticator, mutate func(*Config)) *harness {
	t.Helper()
	clock := newFakeClock()
	cfg := testConfig(clock)
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		clock: clock,
		tr:    newCaptureTransport(),
		pub:   &recordingPublisher{},
		repo:  repo,
	}
	m, err := NewMachine(cfg, Deps{
		Repository:    repo,
		Authenticator: auth,
		Events:        h.pub,
		Transport:     h.tr,
	})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if err := m.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.m = m
	return h
}

// peer builds a message as the counterparty AAA would send it.
func (h *harness) peer(t fix.MsgType, seq int, body ...fix.Field) *fix.Message {
	msg := fix.NewMessage(t)
	msg.Header.Set(fix.TagBeginString, fix.DefaultBeginString)
	msg.Header.Set(fix.TagSenderCompID, peerID.SenderCompID)
	msg.Header.Set(fix.TagTargetCompID, peerID.TargetCompID)
	msg.Header.SetInt(fix.TagMsgSeqNum, seq)
	msg.Header.Set(fix.TagSendingTime, fix.FormatTimestamp(h.clock.Now()))
	for _, f := range body {
		msg.Body.Add(f.Tag, f.Value)
	}
	return msg
}

// feed marshals msg and hands the raw bytes to the machine.
func (h *harness) feed(msg *fix.Message) {
	h.t.Helper()
	raw, err := fix.Marshal(msg)
	if err != nil {
		h.t.Fatalf("marshal peer message: %v", err)
	}
	h.m.HandleFrame(h.ctx, raw)
}

func (h *harness) logonMessage(seq, heartBtInt int, extra ...fix.Field) *fix.Message {
	body := []fix.Field{
		{Tag: fix.TagEncryptMethod, Value: "0"},
		{Tag: fix.TagHeartBtInt, Value: strconv.Itoa(heartBtInt)},
	}
	return h.peer(fix.MsgTypeLogon, seq, append(body, extra...)...)
}

func (h *harness) logon(seq int) {
	h.t.Helper()
	h.feed(h.logonMessage(seq, 30))
	if h.m.Status() != store.StatusActive {
		h.t.Fatalf("logon not accepted status=%s reason=%v", h.m.Status(), h.m.Reason())
	}
}

func (h *harness) app(seq int, text string) *fix.Message {
	return h.peer("D", seq, fix.Field{Tag: fix.TagText, Value: text})
}

func (h *harness) dispatchedSeqs() []int {
	var out []int
	for _, ev := range h.pub.ofKind(dispatch.EventMessage) {
		seq, _ := ev.Message.SeqNum()
		out = append(out, seq)
	}
	return out
}

func mustType(t *testing.T, msg *fix.Message, want fix.MsgType) {
	t.Helper()
	if msg.Type() != want {
		t.Fatalf("msg type got=%s want=%s msg=%s", msg.Type(), want, msg)
	}
}

func mustSeq(t *testing.T, msg *fix.Message, want int) {
	t.Helper()
	got, err := msg.SeqNum()
	if err != nil || got != want {
		t.Fatalf("seq got=%d err=%v want=%d msg=%s", got, err, want, msg)
	}
}

func mustReason(t *testing.T, m *Machine, want error) {
	t.Helper()
	if !m.Done() {
		t.Fatalf("machine still running")
	}
	if !errors.Is(m.Reason(), want) {
		t.Fatalf("reason got=%v want=%v", m.Reason(), want)
	}
}
