package fix

import (
	"bytes"
	"strconv"
)

// Decode parses one complete raw message and verifies body length and checksum.
// Unknown tags are kept as body fields in arrival order.
func Decode(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, decodeErr(ErrGarbled, 0, 0)
	}
	if raw[len(raw)-1] != SOH {
		return nil, decodeErr(ErrMissingDelimiter, 0, len(raw))
	}

	msg := &Message{}
	bodyStart := -1
	checksumStart := -1
	declaredLen := 0
	declaredSum := 0

	for offset, index := 0, 0; offset < len(raw); index++ {
		end := offset + bytes.IndexByte(raw[offset:], SOH)
		if checksumStart >= 0 {
			return nil, decodeErr(ErrMissingField, TagCheckSum, checksumStart)
		}
		tag, value, err := parseField(raw[offset:end], offset)
		if err != nil {
			return nil, err
		}
		if err := checkPosition(tag, index, offset); err != nil {
			return nil, err
		}

		switch tag {
		case TagBodyLength:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, decodeErr(ErrBodyLengthMismatch, tag, offset)
			}
			declaredLen = n
			bodyStart = end + 1
		case TagCheckSum:
			n, err := strconv.Atoi(value)
			if err != nil || len(value) != 3 {
				return nil, decodeErr(ErrChecksumMismatch, tag, offset)
			}
			declaredSum = n
			checksumStart = offset
		}

		switch {
		case IsHeaderTag(tag):
			msg.Header.Add(tag, value)
		case IsTrailerTag(tag):
			msg.Trailer.Add(tag, value)
		default:
			msg.Body.Add(tag, value)
		}
		offset = end + 1
	}

	if bodyStart < 0 {
		return nil, decodeErr(ErrMissingField, TagBodyLength, 0)
	}
	if !msg.Header.Has(TagMsgType) {
		return nil, decodeErr(ErrMissingField, TagMsgType, bodyStart)
	}
	if checksumStart < 0 {
		return nil, decodeErr(ErrMissingField, TagCheckSum, len(raw))
	}
	if actual := checksumStart - bodyStart; actual != declaredLen {
		return nil, decodeErr(ErrBodyLengthMismatch, TagBodyLength, bodyStart)
	}
	if sum := Checksum(raw[:checksumStart]); sum != declaredSum {
		return nil, decodeErr(ErrChecksumMismatch, TagCheckSum, checksumStart)
	}
	return msg, nil
}

// Checksum returns the byte sum of b modulo 256.
func Checksum(b []byte) int {
	sum := 0
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

func parseField(field []byte, offset int) (Tag, string, error) {
	eq := bytes.IndexByte(field, '=')
	if eq < 0 {
		return 0, "", decodeErr(ErrMissingDelimiter, 0, offset)
	}
	tag, err := parseTag(field[:eq])
	if err != nil {
		return 0, "", decodeErr(ErrInvalidTag, 0, offset)
	}
	if eq == len(field)-1 {
		return 0, "", decodeErr(ErrEmptyValue, tag, offset)
	}
	return tag, string(field[eq+1:]), nil
}

func parseTag(b []byte) (Tag, error) {
	if len(b) == 0 || len(b) > 9 {
		return 0, ErrInvalidTag
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, ErrInvalidTag
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return 0, ErrInvalidTag
	}
	return Tag(n), nil
}

// BeginString, BodyLength and MsgType must open the message in that order.
func checkPosition(tag Tag, index, offset int) error {
	want := Tag(0)
	switch index {
	case 0:
		want = TagBeginString
	case 1:
		want = TagBodyLength
	case 2:
		want = TagMsgType
	}
	if want != 0 && tag != want {
		return decodeErr(ErrMissingField, want, offset)
	}
	if want == 0 && (tag == TagBeginString || tag == TagBodyLength || tag == TagMsgType) {
		return decodeErr(ErrMissingField, tag, offset)
	}
	return nil
}
