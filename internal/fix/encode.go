package fix

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Encode writes msg to w. BodyLength and CheckSum are always recomputed.
func Encode(w io.Writer, msg *Message) error {
	raw, err := Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// Marshal renders msg in canonical order: fixed header tags, remaining header
// tags, body in insertion order, then trailer.
func Marshal(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	begin, ok := msg.Header.Get(TagBeginString)
	if !ok || begin == "" {
		return nil, MissingFieldError{MsgType: msg.Type(), Tag: TagBeginString}
	}
	if msg.Type() == "" {
		return nil, MissingFieldError{Tag: TagMsgType}
	}

	var body bytes.Buffer
	for _, f := range orderedHeader(&msg.Header) {
		if f.Tag == TagBeginString || f.Tag == TagBodyLength {
			continue
		}
		if err := writeField(&body, f); err != nil {
			return nil, err
		}
	}
	for _, f := range msg.Body.fields {
		if err := writeField(&body, f); err != nil {
			return nil, err
		}
	}
	for _, f := range orderedTrailer(&msg.Trailer) {
		if f.Tag == TagCheckSum {
			continue
		}
		if err := writeField(&body, f); err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, body.Len()+32)
	out = appendField(out, TagBeginString, begin)
	out = appendField(out, TagBodyLength, strconv.Itoa(body.Len()))
	out = append(out, body.Bytes()...)
	out = appendField(out, TagCheckSum, fmt.Sprintf("%03d", Checksum(out)))
	return out, nil
}

func writeField(buf *bytes.Buffer, f Field) error {
	if err := validateValue(f); err != nil {
		return err
	}
	buf.Write(appendField(nil, f.Tag, f.Value))
	return nil
}

func appendField(dst []byte, tag Tag, value string) []byte {
	dst = strconv.AppendInt(dst, int64(tag), 10)
	dst = append(dst, '=')
	dst = append(dst, value...)
	return append(dst, SOH)
}

func validateValue(f Field) error {
	if f.Tag <= 0 {
		return fmt.Errorf("%w: tag=%d", ErrInvalidTag, f.Tag)
	}
	if f.Value == "" {
		return fmt.Errorf("%w: tag=%d empty", ErrInvalidValue, f.Tag)
	}
	if bytes.IndexByte([]byte(f.Value), SOH) >= 0 {
		return fmt.Errorf("%w: tag=%d contains delimiter", ErrInvalidValue, f.Tag)
	}
	return nil
}

func orderedHeader(m *FieldMap) []Field {
	return orderFields(m, headerOrder)
}

func orderedTrailer(m *FieldMap) []Field {
	return orderFields(m, trailerOrder)
}

func orderFields(m *FieldMap, order []Tag) []Field {
	out := make([]Field, 0, len(m.fields))
	fixed := make(map[Tag]struct{}, len(order))
	for _, tag := range order {
		fixed[tag] = struct{}{}
		if v, ok := m.Get(tag); ok {
			out = append(out, Field{Tag: tag, Value: v})
		}
	}
	for _, f := range m.fields {
		if _, ok := fixed[f.Tag]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}
