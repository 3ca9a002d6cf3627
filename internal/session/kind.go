package session

import "github.com/danmuck/fixctl/internal/fix"

// Kind is the closed set of message kinds the Machine switches on.
type Kind int

const (
	KindApplication Kind = iota
	KindLogon
	KindLogout
	KindHeartbeat
	KindTestRequest
	KindResendRequest
	KindSequenceReset
	KindReject
)

// Classify maps a message to its Kind. Unknown types are application messages.
func Classify(msg *fix.Message) Kind {
	switch msg.Type() {
	case fix.MsgTypeLogon:
		return KindLogon
	case fix.MsgTypeLogout:
		return KindLogout
	case fix.MsgTypeHeartbeat:
		return KindHeartbeat
	case fix.MsgTypeTestRequest:
		return KindTestRequest
	case fix.MsgTypeResendRequest:
		return KindResendRequest
	case fix.MsgTypeSequenceReset:
		return KindSequenceReset
	case fix.MsgTypeReject:
		return KindReject
	default:
		return KindApplication
	}
}

func (k Kind) String() string {
	switch k {
	case KindLogon:
		return "logon"
	case KindLogout:
		return "logout"
	case KindHeartbeat:
		return "heartbeat"
	case KindTestRequest:
		return "test_request"
	case KindResendRequest:
		return "resend_request"
	case KindSequenceReset:
		return "sequence_reset"
	case KindReject:
		return "reject"
	default:
		return "application"
	}
}
