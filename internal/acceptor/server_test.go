package acceptor

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fixctl/internal/dispatch"
	"github.com/danmuck/fixctl/internal/fix"
	"github.com/danmuck/fixctl/internal/store"
	"github.com/danmuck/fixctl/internal/testutil/fixpeer"
	"github.com/danmuck/fixctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clientID = store.ID{SenderCompID: "AAA", TargetCompID: "BBBB"}

type inbox struct {
	mu       sync.Mutex
	messages []*fix.Message
	logons   int
	errs     []error
}

func (b *inbox) app() dispatch.Funcs {
	return dispatch.Funcs{
		Logon: func(store.ID, *fix.Message) {
			b.mu.Lock()
			b.logons++
			b.mu.Unlock()
		},
		Message: func(_ store.ID, msg *fix.Message) {
			b.mu.Lock()
			b.messages = append(b.messages, msg)
			b.mu.Unlock()
		},
		Error: func(_ store.ID, err error) {
			b.mu.Lock()
			b.errs = append(b.errs, err)
			b.mu.Unlock()
		},
	}
}

func (b *inbox) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

type running struct {
	srv    *Server
	repo   *store.Memory
	box    *inbox
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, mutate func(*Config)) *running {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Session.SenderCompID = "BBBB"
	cfg.ShutdownTimeout = 3 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	box := &inbox{}
	events := dispatch.New(box.app())
	repo := store.NewMemory()
	srv, err := New(cfg, Deps{Repository: repo, Events: events})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, repo: repo, box: box, addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
		_ = events.Shutdown(context.Background())
	})
	return r
}

func TestServerLogonSendAndReceive(t *testing.T) {
	testlog.Start(t)
	r := startServer(t, nil)

	peer := fixpeer.Dial(t, r.addr, "AAA", "BBBB")
	peer.Logon(30)
	ack := peer.Expect(fix.MsgTypeLogon)
	assert.Equal(t, "BBBB", ack.SenderCompID())
	assert.Equal(t, "AAA", ack.TargetCompID())

	require.Eventually(t, func() bool {
		return len(r.srv.Live()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []store.ID{clientID}, r.srv.Live())

	out := fix.NewMessage("8")
	out.Body.Set(fix.TagText, "fill")
	require.NoError(t, r.srv.Send(context.Background(), clientID, out))
	got := peer.Expect("8")
	seq, err := got.SeqNum()
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	order := fix.NewMessage("D")
	order.Body.Set(fix.TagText, "buy")
	peer.Send(order)
	require.Eventually(t, func() bool { return r.box.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		sessions, err := r.srv.Sessions(context.Background())
		return err == nil && len(sessions) == 1 && sessions[0].NextInbound == 3
	}, 2*time.Second, 10*time.Millisecond)
	sessions, err := r.srv.Sessions(context.Background())
	require.NoError(t, err)
	assert.True(t, sessions[0].Live)
	assert.Equal(t, 3, sessions[0].NextOutbound)
}

func TestServerUnknownSessionSend(t *testing.T) {
	testlog.Start(t)
	r := startServer(t, nil)
	err := r.srv.Send(context.Background(), clientID, fix.NewMessage("8"))
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, r.srv.Logout(context.Background(), clientID, ""), ErrUnknownSession)
}

func TestServerRejectsDuplicateSession(t *testing.T) {
	testlog.Start(t)
	r := startServer(t, nil)

	first := fixpeer.Dial(t, r.addr, "AAA", "BBBB")
	first.Logon(30)
	first.Expect(fix.MsgTypeLogon)

	second := fixpeer.Dial(t, r.addr, "AAA", "BBBB")
	second.Logon(30)
	logout := second.Expect(fix.MsgTypeLogout)
	assert.Equal(t, "session already active", logout.Body.GetString(fix.TagText))
	second.ExpectClosed()

	assert.Equal(t, []store.ID{clientID}, r.srv.Live())
	claimed, err := r.repo.IsClaimed(context.Background(), clientID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestServerReconnectContinuesSequence(t *testing.T) {
	testlog.Start(t)
	r := startServer(t, nil)

	first := fixpeer.Dial(t, r.addr, "AAA", "BBBB")
	first.Logon(30)
	first.Expect(fix.MsgTypeLogon)
	first.Send(fix.NewMessage("D"))
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		claimed, _ := r.repo.IsClaimed(context.Background(), clientID)
		return !claimed
	}, 2*time.Second, 10*time.Millisecond)

	second := fixpeer.Dial(t, r.addr, "AAA", "BBBB")
	second.NextSeq = 3
	second.Logon(30)
	ack := second.Expect(fix.MsgTypeLogon)
	seq, err := ack.SeqNum()
	require.NoError(t, err)
	assert.Equal(t, 2, seq)
}

func TestServerGracefulShutdownLogsOut(t *testing.T) {
	testlog.Start(t)
	r := startServer(t, nil)

	peer := fixpeer.Dial(t, r.addr, "AAA", "BBBB")
	peer.Logon(30)
	peer.Expect(fix.MsgTypeLogon)
	require.Eventually(t, func() bool { return len(r.srv.Live()) == 1 }, 2*time.Second, 10*time.Millisecond)

	idle, err := net.Dial("tcp", r.addr)
	require.NoError(t, err)
	defer idle.Close()

	r.cancel()
	logout := peer.Expect(fix.MsgTypeLogout)
	assert.Equal(t, "server shutting down", logout.Body.GetString(fix.TagText))
	peer.Logout("")

	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not return")
	}
	st, ok, err := r.repo.Get(context.Background(), clientID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StatusLoggedOut, st.Status)
	r.done <- nil
}

func TestNewRequiresRepository(t *testing.T) {
	testlog.Start(t)
	_, err := New(DefaultConfig(), Deps{})
	assert.ErrorIs(t, err, ErrRepositoryRequired)
}
