package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fixctl/internal/fix"
	"github.com/danmuck/fixctl/internal/store"
	"github.com/danmuck/fixctl/internal/testutil/testlog"
)

var (
	idA = store.ID{SenderCompID: "AAA", TargetCompID: "BBBB"}
	idC = store.ID{SenderCompID: "CCC", TargetCompID: "BBBB"}
)

type recorder struct {
	mu     sync.Mutex
	seen   map[store.ID][]int
	errors []error
	block  map[store.ID]chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: map[store.ID][]int{}, block: map[store.ID]chan struct{}{}}
}

func (r *recorder) OnLogon(id store.ID, _ *fix.Message)  { r.add(id, 0) }
func (r *recorder) OnLogout(id store.ID, _ *fix.Message) { r.add(id, -1) }

func (r *recorder) OnMessage(id store.ID, msg *fix.Message) {
	r.mu.Lock()
	gate := r.block[id]
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if msg.Body.GetString(fix.TagText) == "panic" {
		panic("boom")
	}
	seq, _ := msg.SeqNum()
	r.add(id, seq)
}

func (r *recorder) OnError(_ store.ID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recorder) add(id store.ID, v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[id] = append(r.seen[id], v)
}

func (r *recorder) snapshot(id store.ID) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.seen[id]...)
}

func message(seq int, text string) *fix.Message {
	msg := fix.NewMessage("D")
	msg.Header.SetInt(fix.TagMsgSeqNum, seq)
	if text != "" {
		msg.Body.Set(fix.TagText, text)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestPublishPreservesPerSessionOrder(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	d := New(rec)

	d.Publish(Event{Kind: EventLogon, ID: idA})
	for seq := 2; seq <= 200; seq++ {
		d.Publish(Event{Kind: EventMessage, ID: idA, Message: message(seq, "")})
	}
	d.Publish(Event{Kind: EventLogout, ID: idA})
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := rec.snapshot(idA)
	if len(got) != 201 || got[0] != 0 || got[len(got)-1] != -1 {
		t.Fatalf("unexpected delivery: len=%d first=%v last=%v", len(got), got[0], got[len(got)-1])
	}
	for i := 1; i < len(got)-1; i++ {
		if got[i] != i+1 {
			t.Fatalf("out of order at %d: got=%d", i, got[i])
		}
	}
}

func TestSlowSessionDoesNotBlockOthers(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	gate := make(chan struct{})
	rec.block[idA] = gate
	d := New(rec)

	d.Publish(Event{Kind: EventMessage, ID: idA, Message: message(1, "")})
	d.Publish(Event{Kind: EventMessage, ID: idC, Message: message(1, "")})

	waitFor(t, func() bool { return len(rec.snapshot(idC)) == 1 })
	if got := rec.snapshot(idA); len(got) != 0 {
		t.Fatalf("blocked session delivered early: %v", got)
	}
	close(gate)
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := rec.snapshot(idA); len(got) != 1 {
		t.Fatalf("blocked session not drained: %v", got)
	}
}

func TestFullSessionQueueDropsMessages(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	gate := make(chan struct{})
	rec.block[idA] = gate
	d := NewWithOptions(rec, Options{MaxPending: 2})

	for seq := 1; seq <= 4; seq++ {
		d.Publish(Event{Kind: EventMessage, ID: idA, Message: message(seq, "")})
	}
	d.Publish(Event{Kind: EventLogout, ID: idA})
	d.Publish(Event{Kind: EventMessage, ID: idC, Message: message(1, "")})

	waitFor(t, func() bool { return len(rec.snapshot(idC)) == 1 })
	if got := d.Dropped(); got != 2 {
		t.Fatalf("dropped got=%d want=2", got)
	}
	close(gate)
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got := rec.snapshot(idA)
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != -1 {
		t.Fatalf("delivered got=%v want=[1 2 -1]", got)
	}
}

func TestQueueAcceptsMessagesAfterDraining(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	d := NewWithOptions(rec, Options{MaxPending: 1})

	for seq := 1; seq <= 3; seq++ {
		d.Publish(Event{Kind: EventMessage, ID: idA, Message: message(seq, "")})
		waitFor(t, func() bool { return len(rec.snapshot(idA)) == seq })
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := d.Dropped(); got != 0 {
		t.Fatalf("dropped got=%d want=0", got)
	}
}

func TestPanickingApplicationIsRecovered(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	d := New(rec)

	d.Publish(Event{Kind: EventMessage, ID: idA, Message: message(1, "panic")})
	d.Publish(Event{Kind: EventMessage, ID: idA, Message: message(2, "")})
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := rec.snapshot(idA); len(got) != 1 || got[0] != 2 {
		t.Fatalf("delivery after panic got=%v", got)
	}
}

func TestCloseThenRepublishKeepsOrder(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	gate := make(chan struct{})
	rec.block[idA] = gate
	d := New(rec)

	d.Publish(Event{Kind: EventMessage, ID: idA, Message: message(1, "")})
	d.Close(idA)
	d.Publish(Event{Kind: EventLogon, ID: idA})

	rec.mu.Lock()
	delete(rec.block, idA)
	rec.mu.Unlock()
	close(gate)

	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got := rec.snapshot(idA)
	if len(got) != 2 || got[0] != 1 || got[1] != 0 {
		t.Fatalf("reconnect events overtook earlier session: %v", got)
	}
}

func TestErrorEventsReachErrorHandler(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	d := New(rec)
	want := errors.New("heartbeat timeout")

	d.Publish(Event{Kind: EventError, ID: idA, Err: want})
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(rec.errors) != 1 || !errors.Is(rec.errors[0], want) {
		t.Fatalf("errors got=%v", rec.errors)
	}

	// Dropped without panicking.
	d.Publish(Event{Kind: EventMessage, ID: idA, Message: message(9, "")})
}

func TestShutdownHonoursContext(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	gate := make(chan struct{})
	defer close(gate)
	rec.block[idA] = gate
	d := New(rec)
	d.Publish(Event{Kind: EventMessage, ID: idA, Message: message(1, "")})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err got=%v", err)
	}
}

func TestFuncsAdapter(t *testing.T) {
	testlog.Start(t)
	var got []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
	}
	d := New(Funcs{
		Logon:   func(store.ID, *fix.Message) { record("logon") },
		Message: func(_ store.ID, m *fix.Message) { seq, _ := m.SeqNum(); record(strconv.Itoa(seq)) },
	})
	d.Publish(Event{Kind: EventLogon, ID: idA})
	d.Publish(Event{Kind: EventMessage, ID: idA, Message: message(3, "")})
	d.Publish(Event{Kind: EventLogout, ID: idA})
	d.Publish(Event{Kind: EventError, ID: idA, Err: errors.New("x")})
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(got) != 2 || got[0] != "logon" || got[1] != "3" {
		t.Fatalf("got=%v", got)
	}
}
