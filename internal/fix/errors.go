package fix

import (
	"errors"
	"fmt"
)

var (
	ErrMissingDelimiter   = errors.New("fix: missing field delimiter")
	ErrInvalidTag         = errors.New("fix: invalid tag")
	ErrEmptyValue         = errors.New("fix: empty field value")
	ErrMissingField       = errors.New("fix: missing or misplaced field")
	ErrBodyLengthMismatch = errors.New("fix: body length mismatch")
	ErrChecksumMismatch   = errors.New("fix: checksum mismatch")
	ErrGarbled            = errors.New("fix: garbled message")
	ErrInvalidValue       = errors.New("fix: invalid field value")
	ErrNilMessage         = errors.New("fix: nil message")
)

// DecodeError is a structural failure found while decoding one message.
type DecodeError struct {
	Err    error
	Tag    Tag
	Offset int
}

func (e *DecodeError) Error() string {
	if e.Tag == 0 {
		return fmt.Sprintf("%v (offset=%d)", e.Err, e.Offset)
	}
	return fmt.Sprintf("%v (tag=%d offset=%d)", e.Err, e.Tag, e.Offset)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(err error, tag Tag, offset int) *DecodeError {
	return &DecodeError{Err: err, Tag: tag, Offset: offset}
}

// IsDecodeError reports whether err is a structural decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// MissingFieldError indicates a required field was not present.
type MissingFieldError struct {
	MsgType MsgType
	Tag     Tag
}

func (e MissingFieldError) Error() string {
	if e.MsgType == "" {
		return fmt.Sprintf("fix: missing required field %d", e.Tag)
	}
	return fmt.Sprintf("fix: msg_type=%s missing required field %d", e.MsgType, e.Tag)
}

// FieldFormatError indicates a field value with the wrong format.
type FieldFormatError struct {
	Tag   Tag
	Value string
}

func (e FieldFormatError) Error() string {
	return fmt.Sprintf("fix: field %d has invalid value %q", e.Tag, e.Value)
}
