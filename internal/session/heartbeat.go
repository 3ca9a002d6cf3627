package session

import (
	"sync"
	"time"
)

type heartbeatAction int

const (
	heartbeatNone heartbeatAction = iota
	heartbeatSend
	heartbeatTestRequest
	heartbeatTimeout
)

func (a heartbeatAction) String() string {
	switch a {
	case heartbeatSend:
		return "heartbeat"
	case heartbeatTestRequest:
		return "test_request"
	case heartbeatTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// heartbeat is the clock-free liveness bookkeeping for one active session.
type heartbeat struct {
	interval time.Duration
	grace    time.Duration

	lastReceived  time.Time
	lastSent      time.Time
	testRequestAt time.Time
	testRequestID string
}

func newHeartbeat(interval, grace time.Duration, now time.Time) *heartbeat {
	return &heartbeat{
		interval:     interval,
		grace:        grace,
		lastReceived: now,
		lastSent:     now,
	}
}

func (h *heartbeat) enabled() bool {
	return h != nil && h.interval > 0
}

// received records inbound traffic. Any traffic proves the peer is alive
// and settles an outstanding TestRequest.
func (h *heartbeat) received(now time.Time) {
	h.lastReceived = now
	h.testRequestID = ""
	h.testRequestAt = time.Time{}
}

func (h *heartbeat) sent(now time.Time) {
	h.lastSent = now
}

func (h *heartbeat) testRequestSent(now time.Time, id string) {
	h.testRequestID = id
	h.testRequestAt = now
	h.lastSent = now
}

func (h *heartbeat) pending() bool {
	return h.testRequestID != ""
}

// check decides what the session owes the peer at now. A tick that asks
// for a TestRequest never also asks for a Heartbeat.
func (h *heartbeat) check(now time.Time) heartbeatAction {
	if !h.enabled() {
		return heartbeatNone
	}
	if h.pending() {
		if now.Sub(h.testRequestAt) >= h.grace {
			return heartbeatTimeout
		}
	} else if now.Sub(h.lastReceived) >= h.interval {
		return heartbeatTestRequest
	}
	if now.Sub(h.lastSent) >= h.interval {
		return heartbeatSend
	}
	return heartbeatNone
}

// Supervisor posts ticks for one active session until stopped.
type Supervisor struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartSupervisor ticks every period and hands each tick to post, which
// must not block.
func StartSupervisor(period time.Duration, post func(time.Time)) *Supervisor {
	s := &Supervisor{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run(period, post)
	return s
}

func (s *Supervisor) run(period time.Duration, post func(time.Time)) {
	defer close(s.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			post(now)
		}
	}
}

// Stop halts the ticker and waits for its goroutine. Safe to call repeatedly.
func (s *Supervisor) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.stop) })
	<-s.done
}
