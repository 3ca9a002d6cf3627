// Package frame splits a FIX byte stream into complete raw messages.
package frame

import (
	"bytes"
	"errors"
	"strconv"
)

const (
	beginPrefix    = "8="
	lengthPrefix   = "9="
	checksumPrefix = "10="
	// 10=NNN<SOH>
	checksumFieldLen = 7
	maxHeaderPrefix  = 64
	soh              = 0x01
)

var (
	ErrGarbledPrefix     = errors.New("frame: stream does not start with BeginString")
	ErrInvalidBodyLength = errors.New("frame: invalid body length")
	ErrBodyTooLarge      = errors.New("frame: body too large")
	ErrMissingChecksum   = errors.New("frame: checksum field not found at declared body length")
	ErrBufferOverflow    = errors.New("frame: buffered bytes exceed limit")
)

// Limits constrains memory use while framing.
type Limits struct {
	MaxBodyBytes     int
	MaxBufferedBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes:     1 << 20,
		MaxBufferedBytes: 4 << 20,
	}
}

// Splitter accumulates stream chunks and yields complete messages.
// It is not safe for concurrent use.
type Splitter struct {
	limits Limits
	buf    []byte
}

func NewSplitter(limits Limits) *Splitter {
	if limits.MaxBodyBytes <= 0 {
		limits.MaxBodyBytes = DefaultLimits().MaxBodyBytes
	}
	if limits.MaxBufferedBytes <= 0 {
		limits.MaxBufferedBytes = DefaultLimits().MaxBufferedBytes
	}
	return &Splitter{limits: limits}
}

// Feed appends p and returns every complete message now available. After an
// error the stream position is unknown and the splitter should be discarded.
func (s *Splitter) Feed(p []byte) ([][]byte, error) {
	s.buf = append(s.buf, p...)
	var out [][]byte
	for {
		raw, n, err := s.next()
		if err != nil {
			return out, err
		}
		if n == 0 {
			break
		}
		out = append(out, raw)
		s.buf = s.buf[n:]
	}
	if len(s.buf) > s.limits.MaxBufferedBytes {
		return out, ErrBufferOverflow
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return out, nil
}

// Buffered returns the number of bytes waiting for a complete message.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// next returns the first complete frame and its length, or n=0 when more
// bytes are needed.
func (s *Splitter) next() ([]byte, int, error) {
	buf := s.buf
	if len(buf) == 0 {
		return nil, 0, nil
	}
	if !hasPrefixSoFar(buf, beginPrefix) {
		return nil, 0, ErrGarbledPrefix
	}
	beginEnd := bytes.IndexByte(buf, soh)
	if beginEnd < 0 {
		if len(buf) > maxHeaderPrefix {
			return nil, 0, ErrGarbledPrefix
		}
		return nil, 0, nil
	}

	rest := buf[beginEnd+1:]
	if !hasPrefixSoFar(rest, lengthPrefix) {
		return nil, 0, ErrInvalidBodyLength
	}
	lengthEnd := bytes.IndexByte(rest, soh)
	if lengthEnd < 0 {
		if len(rest) > maxHeaderPrefix {
			return nil, 0, ErrInvalidBodyLength
		}
		return nil, 0, nil
	}
	bodyLen, err := strconv.Atoi(string(rest[len(lengthPrefix):lengthEnd]))
	if err != nil || bodyLen < 0 {
		return nil, 0, ErrInvalidBodyLength
	}
	if bodyLen > s.limits.MaxBodyBytes {
		return nil, 0, ErrBodyTooLarge
	}

	bodyStart := beginEnd + 1 + lengthEnd + 1
	total := bodyStart + bodyLen + checksumFieldLen
	if len(buf) < total {
		return nil, 0, nil
	}
	trailer := buf[bodyStart+bodyLen : total]
	if !bytes.HasPrefix(trailer, []byte(checksumPrefix)) || trailer[len(trailer)-1] != soh {
		return nil, 0, ErrMissingChecksum
	}
	raw := make([]byte, total)
	copy(raw, buf[:total])
	return raw, total, nil
}

// hasPrefixSoFar reports whether b is consistent with prefix for the bytes seen.
func hasPrefixSoFar(b []byte, prefix string) bool {
	if len(b) >= len(prefix) {
		return string(b[:len(prefix)]) == prefix
	}
	return string(b) == prefix[:len(b)]
}
