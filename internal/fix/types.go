package fix

import "strconv"

// SOH is the field delimiter.
const SOH byte = 0x01

// DefaultBeginString is stamped when the session config does not name one.
const DefaultBeginString = "FIX.4.4"

// Tag is a FIX field number.
type Tag int

func (t Tag) String() string {
	return strconv.Itoa(int(t))
}

// Standard header, trailer and session-level tags.
const (
	TagBeginSeqNo          Tag = 7
	TagBeginString         Tag = 8
	TagBodyLength          Tag = 9
	TagCheckSum            Tag = 10
	TagEndSeqNo            Tag = 16
	TagMsgSeqNum           Tag = 34
	TagMsgType             Tag = 35
	TagNewSeqNo            Tag = 36
	TagPossDupFlag         Tag = 43
	TagRefSeqNum           Tag = 45
	TagSenderCompID        Tag = 49
	TagSenderSubID         Tag = 50
	TagSendingTime         Tag = 52
	TagTargetCompID        Tag = 56
	TagTargetSubID         Tag = 57
	TagText                Tag = 58
	TagSignature           Tag = 89
	TagSignatureLength     Tag = 93
	TagPossResend          Tag = 97
	TagEncryptMethod       Tag = 98
	TagHeartBtInt          Tag = 108
	TagTestReqID           Tag = 112
	TagOnBehalfOfCompID    Tag = 115
	TagOrigSendingTime     Tag = 122
	TagGapFillFlag         Tag = 123
	TagDeliverToCompID     Tag = 128
	TagResetSeqNumFlag     Tag = 141
	TagSenderLocationID    Tag = 142
	TagTargetLocationID    Tag = 143
	TagLastMsgSeqNumProc   Tag = 369
	TagRefTagID            Tag = 371
	TagRefMsgType          Tag = 372
	TagSessionRejectReason Tag = 373
	TagUsername            Tag = 553
	TagPassword            Tag = 554
	TagDefaultApplVerID    Tag = 1137
)

// MsgType is the value of tag 35.
type MsgType string

// Session-level message types. Every other value is an application message.
const (
	MsgTypeHeartbeat     MsgType = "0"
	MsgTypeTestRequest   MsgType = "1"
	MsgTypeResendRequest MsgType = "2"
	MsgTypeReject        MsgType = "3"
	MsgTypeSequenceReset MsgType = "4"
	MsgTypeLogout        MsgType = "5"
	MsgTypeLogon         MsgType = "A"
)

// IsAdmin reports whether t is reserved by the session layer.
func (t MsgType) IsAdmin() bool {
	switch t {
	case MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest,
		MsgTypeReject, MsgTypeSequenceReset, MsgTypeLogout, MsgTypeLogon:
		return true
	default:
		return false
	}
}

// String returns a readable name for session types and the raw value otherwise.
func (t MsgType) String() string {
	switch t {
	case MsgTypeHeartbeat:
		return "Heartbeat"
	case MsgTypeTestRequest:
		return "TestRequest"
	case MsgTypeResendRequest:
		return "ResendRequest"
	case MsgTypeReject:
		return "Reject"
	case MsgTypeSequenceReset:
		return "SequenceReset"
	case MsgTypeLogout:
		return "Logout"
	case MsgTypeLogon:
		return "Logon"
	default:
		return string(t)
	}
}

// Canonical header order used by Encode. Header tags not listed follow in insertion order.
var headerOrder = []Tag{
	TagBeginString,
	TagBodyLength,
	TagMsgType,
	TagSenderCompID,
	TagTargetCompID,
	TagMsgSeqNum,
	TagSendingTime,
	TagPossDupFlag,
	TagPossResend,
	TagOrigSendingTime,
}

var headerTags = map[Tag]struct{}{
	TagBeginString:       {},
	TagBodyLength:        {},
	TagMsgType:           {},
	TagSenderCompID:      {},
	TagTargetCompID:      {},
	TagMsgSeqNum:         {},
	TagSendingTime:       {},
	TagPossDupFlag:       {},
	TagPossResend:        {},
	TagOrigSendingTime:   {},
	TagSenderSubID:       {},
	TagTargetSubID:       {},
	TagOnBehalfOfCompID:  {},
	TagDeliverToCompID:   {},
	TagSenderLocationID:  {},
	TagTargetLocationID:  {},
	TagLastMsgSeqNumProc: {},
	TagDefaultApplVerID:  {},
}

var trailerOrder = []Tag{TagSignatureLength, TagSignature, TagCheckSum}

var trailerTags = map[Tag]struct{}{
	TagSignatureLength: {},
	TagSignature:       {},
	TagCheckSum:        {},
}

// IsHeaderTag reports whether tag belongs in the standard header.
func IsHeaderTag(tag Tag) bool {
	_, ok := headerTags[tag]
	return ok
}

// IsTrailerTag reports whether tag belongs in the standard trailer.
func IsTrailerTag(tag Tag) bool {
	_, ok := trailerTags[tag]
	return ok
}
