package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/fixctl/internal/testutil/testlog"
)

func TestHeartbeatCheck(t *testing.T) {
	testlog.Start(t)
	start := time.Unix(1760000000, 0)
	at := func(sec int) time.Time { return start.Add(time.Duration(sec) * time.Second) }

	tests := []struct {
		name    string
		prepare func(h *heartbeat)
		now     time.Time
		want    heartbeatAction
	}{
		{name: "quiet inside interval", now: at(29), want: heartbeatNone},
		{name: "peer idle asks for test request", now: at(30), want: heartbeatTestRequest},
		{
			name:    "local idle sends heartbeat",
			prepare: func(h *heartbeat) { h.received(at(20)) },
			now:     at(30),
			want:    heartbeatSend,
		},
		{
			name:    "pending inside grace",
			prepare: func(h *heartbeat) { h.testRequestSent(at(30), "t1") },
			now:     at(59),
			want:    heartbeatNone,
		},
		{
			name:    "pending past grace times out",
			prepare: func(h *heartbeat) { h.testRequestSent(at(30), "t1") },
			now:     at(60),
			want:    heartbeatTimeout,
		},
		{
			name: "traffic settles pending request",
			prepare: func(h *heartbeat) {
				h.testRequestSent(at(30), "t1")
				h.received(at(40))
			},
			now:  at(60),
			want: heartbeatSend,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHeartbeat(30*time.Second, 30*time.Second, start)
			if tc.prepare != nil {
				tc.prepare(h)
			}
			if got := h.check(tc.now); got != tc.want {
				t.Fatalf("check got=%s want=%s", got, tc.want)
			}
		})
	}
}

func TestHeartbeatDisabled(t *testing.T) {
	testlog.Start(t)
	var nilHB *heartbeat
	if nilHB.enabled() {
		t.Fatalf("nil heartbeat reported enabled")
	}
	h := newHeartbeat(0, 0, time.Unix(0, 0))
	if got := h.check(time.Unix(3600, 0)); got != heartbeatNone {
		t.Fatalf("disabled check got=%s", got)
	}
}

func TestGraceFactorScalesWindow(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TestRequestGraceFactor = 1.5
	if got := cfg.GraceWindow(20 * time.Second); got != 30*time.Second {
		t.Fatalf("grace got=%v", got)
	}
}

func TestSupervisorTicksUntilStopped(t *testing.T) {
	testlog.Start(t)
	var ticks atomic.Int32
	s := StartSupervisor(5*time.Millisecond, func(time.Time) { ticks.Add(1) })

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("supervisor did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Stop()
	s.Stop()
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	if ticks.Load() != after {
		t.Fatalf("supervisor ticked after Stop")
	}

	var nilSupervisor *Supervisor
	nilSupervisor.Stop()
}
