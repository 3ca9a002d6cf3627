package fix

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampFormat is the UTCTimestamp layout with millisecond precision.
const TimestampFormat = "20060102-15:04:05.000"

// Field is one tag=value pair.
type Field struct {
	Tag   Tag
	Value string
}

func (f Field) String() string {
	return f.Tag.String() + "=" + f.Value
}

// FieldMap is an ordered field list. Repeated tags are preserved in order.
type FieldMap struct {
	fields []Field
}

// Len returns the number of fields.
func (m *FieldMap) Len() int {
	return len(m.fields)
}

// Fields returns a copy of the fields in order.
func (m *FieldMap) Fields() []Field {
	out := make([]Field, len(m.fields))
	copy(out, m.fields)
	return out
}

// Has reports whether tag is present.
func (m *FieldMap) Has(tag Tag) bool {
	_, ok := m.Get(tag)
	return ok
}

// Get returns the first value for tag.
func (m *FieldMap) Get(tag Tag) (string, bool) {
	for _, f := range m.fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

// GetString returns the first value for tag or "" when absent.
func (m *FieldMap) GetString(tag Tag) string {
	v, _ := m.Get(tag)
	return v
}

// GetInt parses the first value for tag as an integer.
func (m *FieldMap) GetInt(tag Tag) (int, error) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, MissingFieldError{Tag: tag}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, FieldFormatError{Tag: tag, Value: v}
	}
	return n, nil
}

// GetBool parses the first value for tag as a Y/N flag. Absent reads as false.
func (m *FieldMap) GetBool(tag Tag) bool {
	v, ok := m.Get(tag)
	return ok && v == "Y"
}

// Set replaces the first value for tag or appends it.
func (m *FieldMap) Set(tag Tag, value string) {
	for i := range m.fields {
		if m.fields[i].Tag == tag {
			m.fields[i].Value = value
			return
		}
	}
	m.fields = append(m.fields, Field{Tag: tag, Value: value})
}

// SetInt stores n under tag.
func (m *FieldMap) SetInt(tag Tag, n int) {
	m.Set(tag, strconv.Itoa(n))
}

// SetBool stores a Y/N flag under tag.
func (m *FieldMap) SetBool(tag Tag, v bool) {
	if v {
		m.Set(tag, "Y")
		return
	}
	m.Set(tag, "N")
}

// Add appends a field even if tag is already present.
func (m *FieldMap) Add(tag Tag, value string) {
	m.fields = append(m.fields, Field{Tag: tag, Value: value})
}

// Remove deletes every occurrence of tag.
func (m *FieldMap) Remove(tag Tag) {
	out := m.fields[:0]
	for _, f := range m.fields {
		if f.Tag != tag {
			out = append(out, f)
		}
	}
	m.fields = out
}

func (m *FieldMap) clone() FieldMap {
	return FieldMap{fields: m.Fields()}
}

// Message is a decoded or outgoing FIX message.
type Message struct {
	Header  FieldMap
	Body    FieldMap
	Trailer FieldMap
}

// NewMessage returns a message with MsgType set.
func NewMessage(t MsgType) *Message {
	msg := &Message{}
	msg.Header.Set(TagMsgType, string(t))
	return msg
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	return &Message{
		Header:  m.Header.clone(),
		Body:    m.Body.clone(),
		Trailer: m.Trailer.clone(),
	}
}

// Type returns the message type.
func (m *Message) Type() MsgType {
	return MsgType(m.Header.GetString(TagMsgType))
}

// IsAdmin reports whether the message is a session-level message.
func (m *Message) IsAdmin() bool {
	return m.Type().IsAdmin()
}

// SenderCompID returns tag 49.
func (m *Message) SenderCompID() string {
	return m.Header.GetString(TagSenderCompID)
}

// TargetCompID returns tag 56.
func (m *Message) TargetCompID() string {
	return m.Header.GetString(TagTargetCompID)
}

// SeqNum returns tag 34.
func (m *Message) SeqNum() (int, error) {
	n, err := m.Header.GetInt(TagMsgSeqNum)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, FieldFormatError{Tag: TagMsgSeqNum, Value: strconv.Itoa(n)}
	}
	return n, nil
}

// PossDup reports PossDupFlag(43)=Y.
func (m *Message) PossDup() bool {
	return m.Header.GetBool(TagPossDupFlag)
}

// PossResend reports PossResend(97)=Y.
func (m *Message) PossResend() bool {
	return m.Header.GetBool(TagPossResend)
}

// SendingTime parses tag 52.
func (m *Message) SendingTime() (time.Time, error) {
	v, ok := m.Header.Get(TagSendingTime)
	if !ok {
		return time.Time{}, MissingFieldError{Tag: TagSendingTime}
	}
	return ParseTimestamp(v)
}

// Get looks tag up in header, body and trailer in that order.
func (m *Message) Get(tag Tag) (string, bool) {
	if v, ok := m.Header.Get(tag); ok {
		return v, true
	}
	if v, ok := m.Body.Get(tag); ok {
		return v, true
	}
	return m.Trailer.Get(tag)
}

// Fields returns every field in canonical wire order without 9 and 10.
func (m *Message) Fields() []Field {
	out := make([]Field, 0, m.Header.Len()+m.Body.Len()+m.Trailer.Len())
	for _, f := range orderedHeader(&m.Header) {
		if f.Tag == TagBodyLength {
			continue
		}
		out = append(out, f)
	}
	out = append(out, m.Body.fields...)
	for _, f := range orderedTrailer(&m.Trailer) {
		if f.Tag == TagCheckSum {
			continue
		}
		out = append(out, f)
	}
	return out
}

// String renders the message with '|' in place of SOH for logs.
func (m *Message) String() string {
	var b strings.Builder
	for i, f := range m.Fields() {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(f.String())
	}
	return b.String()
}

// FormatTimestamp renders t as a UTCTimestamp.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp accepts UTCTimestamp with or without milliseconds.
func ParseTimestamp(v string) (time.Time, error) {
	for _, layout := range []string{TimestampFormat, "20060102-15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("fix: invalid timestamp %q", v)
}
