package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/fixctl/internal/store"
)

var (
	ErrNotActive        = errors.New("session: not active")
	ErrClosed           = errors.New("session: closed")
	ErrLogonRequired    = errors.New("session: first message must be Logon")
	ErrLogonRejected    = errors.New("session: logon rejected")
	ErrAuthRejected     = errors.New("session: authentication rejected")
	ErrSeqTooLow        = errors.New("session: MsgSeqNum too low")
	ErrCompIDMismatch   = errors.New("session: CompID mismatch")
	ErrMalformed        = errors.New("session: malformed message")
	ErrHeartbeatTimeout = errors.New("session: heartbeat timeout")
	ErrLogonTimeout     = errors.New("session: logon timeout")
	ErrLogoutTimeout    = errors.New("session: logout timeout")
	ErrQueueOverflow    = errors.New("session: out-of-order queue full")
	ErrUnexpectedLogon  = errors.New("session: Logon while active")
	ErrLoggedOut        = errors.New("session: logged out")
	ErrClaimLost        = errors.New("session: claim lost")
	ErrTransport        = errors.New("session: transport failure")
)

// Error carries the terminal reason of a session.
type Error struct {
	Op  string
	ID  store.ID
	Err error
}

func (e *Error) Error() string {
	if e.ID == (store.ID{}) {
		return fmt.Sprintf("session %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session %s %s: %v", e.ID, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// reasonLabel maps a terminal reason to a metrics label.
func reasonLabel(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrLoggedOut):
		return "logout"
	case errors.Is(err, store.ErrSessionActive):
		return "duplicate"
	case errors.Is(err, ErrAuthRejected):
		return "auth_rejected"
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, ErrLogonTimeout):
		return "logon_timeout"
	case errors.Is(err, ErrLogoutTimeout):
		return "logout_timeout"
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrLogonRequired):
		return "malformed"
	case errors.Is(err, ErrSeqTooLow):
		return "seq_too_low"
	case errors.Is(err, ErrCompIDMismatch):
		return "compid_mismatch"
	case errors.Is(err, ErrQueueOverflow):
		return "queue_overflow"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
