// Package fixpeer is a scripted FIX counterparty for network tests.
package fixpeer

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/fixctl/internal/fix"
	"github.com/danmuck/fixctl/internal/fix/frame"
)

// Peer speaks FIX over one connection as SenderCompID towards TargetCompID.
type Peer struct {
	t        testing.TB
	conn     net.Conn
	splitter *frame.Splitter
	pending  []*fix.Message

	SenderCompID string
	TargetCompID string
	NextSeq      int
}

func Dial(t testing.TB, addr, sender, target string) *Peer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return New(t, conn, sender, target)
}

func New(t testing.TB, conn net.Conn, sender, target string) *Peer {
	p := &Peer{
		t:            t,
		conn:         conn,
		splitter:     frame.NewSplitter(frame.DefaultLimits()),
		SenderCompID: sender,
		TargetCompID: target,
		NextSeq:      1,
	}
	t.Cleanup(func() { _ = conn.Close() })
	return p
}

// Send stamps msg with the next sequence number and writes it.
func (p *Peer) Send(msg *fix.Message) {
	p.t.Helper()
	p.SendSeq(msg, p.NextSeq)
	p.NextSeq++
}

// SendSeq writes msg with an explicit sequence number.
func (p *Peer) SendSeq(msg *fix.Message, seq int) {
	p.t.Helper()
	msg.Header.Set(fix.TagBeginString, fix.DefaultBeginString)
	msg.Header.Set(fix.TagSenderCompID, p.SenderCompID)
	msg.Header.Set(fix.TagTargetCompID, p.TargetCompID)
	msg.Header.SetInt(fix.TagMsgSeqNum, seq)
	msg.Header.Set(fix.TagSendingTime, fix.FormatTimestamp(time.Now()))
	raw, err := fix.Marshal(msg)
	if err != nil {
		p.t.Fatalf("marshal: %v", err)
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := p.conn.Write(raw); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

// Logon sends a Logon with the given HeartBtInt and extra body fields.
func (p *Peer) Logon(heartBtInt int, extra ...fix.Field) {
	p.t.Helper()
	msg := fix.NewMessage(fix.MsgTypeLogon)
	msg.Body.Set(fix.TagEncryptMethod, "0")
	msg.Body.Set(fix.TagHeartBtInt, strconv.Itoa(heartBtInt))
	for _, f := range extra {
		msg.Body.Add(f.Tag, f.Value)
	}
	p.Send(msg)
}

// Logout sends a Logout.
func (p *Peer) Logout(text string) {
	p.t.Helper()
	msg := fix.NewMessage(fix.MsgTypeLogout)
	if text != "" {
		msg.Body.Set(fix.TagText, text)
	}
	p.Send(msg)
}

// Read returns the next inbound message or an error after timeout.
func (p *Peer) Read(timeout time.Duration) (*fix.Message, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for len(p.pending) == 0 {
		_ = p.conn.SetReadDeadline(deadline)
		n, err := p.conn.Read(buf)
		if n > 0 {
			frames, ferr := p.splitter.Feed(buf[:n])
			for _, raw := range frames {
				msg, derr := fix.Decode(raw)
				if derr != nil {
					return nil, derr
				}
				p.pending = append(p.pending, msg)
			}
			if ferr != nil {
				return nil, ferr
			}
		}
		if err != nil && len(p.pending) == 0 {
			return nil, err
		}
	}
	msg := p.pending[0]
	p.pending = p.pending[1:]
	return msg, nil
}

// Expect reads the next message and fails unless it has type want.
func (p *Peer) Expect(want fix.MsgType) *fix.Message {
	p.t.Helper()
	msg, err := p.Read(3 * time.Second)
	if err != nil {
		p.t.Fatalf("expecting %s: %v", want, err)
	}
	if msg.Type() != want {
		p.t.Fatalf("expecting %s, got %s: %s", want, msg.Type(), msg)
	}
	return msg
}

// ExpectClosed waits for the remote side to close the connection.
func (p *Peer) ExpectClosed() {
	p.t.Helper()
	for {
		if _, err := p.Read(3 * time.Second); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				p.t.Fatalf("connection still open")
			}
			return
		}
	}
}

func (p *Peer) Close() error {
	return p.conn.Close()
}
