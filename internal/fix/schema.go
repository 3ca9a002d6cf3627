package fix

import "strconv"

// ValueKind is the expected format of a required field.
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindInt
	KindBool
	KindTimestamp
)

// Requirement declares one required field.
type Requirement struct {
	Tag  Tag
	Kind ValueKind
}

var headerRequirements = []Requirement{
	{TagSenderCompID, KindString},
	{TagTargetCompID, KindString},
	{TagMsgSeqNum, KindInt},
	{TagSendingTime, KindTimestamp},
}

var requirements = map[MsgType][]Requirement{
	MsgTypeLogon: {
		{TagEncryptMethod, KindInt},
		{TagHeartBtInt, KindInt},
	},
	MsgTypeTestRequest: {
		{TagTestReqID, KindString},
	},
	MsgTypeResendRequest: {
		{TagBeginSeqNo, KindInt},
		{TagEndSeqNo, KindInt},
	},
	MsgTypeSequenceReset: {
		{TagNewSeqNo, KindInt},
	},
	MsgTypeReject: {
		{TagRefSeqNum, KindInt},
	},
}

// Validate checks the standard header and the required fields of session
// message types. Application messages only get the header check.
func Validate(msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	t := msg.Type()
	for _, req := range headerRequirements {
		if err := checkRequirement(&msg.Header, t, req); err != nil {
			return err
		}
	}
	for _, req := range requirements[t] {
		if err := checkRequirement(&msg.Body, t, req); err != nil {
			return err
		}
	}
	if t == MsgTypeLogon {
		if n, _ := msg.Body.GetInt(TagHeartBtInt); n < 0 {
			return FieldFormatError{Tag: TagHeartBtInt, Value: strconv.Itoa(n)}
		}
	}
	return nil
}

func checkRequirement(m *FieldMap, t MsgType, req Requirement) error {
	v, ok := m.Get(req.Tag)
	if !ok {
		return MissingFieldError{MsgType: t, Tag: req.Tag}
	}
	switch req.Kind {
	case KindInt:
		if _, err := strconv.Atoi(v); err != nil {
			return FieldFormatError{Tag: req.Tag, Value: v}
		}
	case KindBool:
		if v != "Y" && v != "N" {
			return FieldFormatError{Tag: req.Tag, Value: v}
		}
	case KindTimestamp:
		if _, err := ParseTimestamp(v); err != nil {
			return FieldFormatError{Tag: req.Tag, Value: v}
		}
	}
	return nil
}
