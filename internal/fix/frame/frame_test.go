package frame

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/danmuck/fixctl/internal/fix"
)

func rawMessage(body string) []byte {
	b := []byte(strings.ReplaceAll(body, "|", "\x01"))
	head := fmt.Sprintf("8=FIX.4.4\x019=%d\x01", len(b))
	raw := append([]byte(head), b...)
	return append(raw, []byte(fmt.Sprintf("10=%03d\x01", fix.Checksum(raw)))...)
}

func TestSplitterYieldsCompleteMessagesAcrossChunks(t *testing.T) {
	first := rawMessage("35=0|49=A|56=B|34=1|52=20240102-03:04:05|")
	second := rawMessage("35=1|49=A|56=B|34=2|52=20240102-03:04:05|112=X|")
	stream := append(append([]byte{}, first...), second...)

	s := NewSplitter(DefaultLimits())
	var got [][]byte
	for i := 0; i < len(stream); i += 5 {
		end := i + 5
		if end > len(stream) {
			end = len(stream)
		}
		frames, err := s.Feed(stream[i:end])
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		got = append(got, frames...)
	}
	if len(got) != 2 {
		t.Fatalf("frames=%d", len(got))
	}
	if string(got[0]) != string(first) || string(got[1]) != string(second) {
		t.Fatalf("frame mismatch")
	}
	if s.Buffered() != 0 {
		t.Fatalf("buffered=%d", s.Buffered())
	}
	for _, raw := range got {
		if _, err := fix.Decode(raw); err != nil {
			t.Fatalf("decode framed message: %v", err)
		}
	}
}

func TestSplitterRejectsGarbage(t *testing.T) {
	s := NewSplitter(DefaultLimits())
	if _, err := s.Feed([]byte("GET / HTTP/1.1\r\n")); !errors.Is(err, ErrGarbledPrefix) {
		t.Fatalf("expected ErrGarbledPrefix, got %v", err)
	}
}

func TestSplitterBodyTooLarge(t *testing.T) {
	s := NewSplitter(Limits{MaxBodyBytes: 10})
	if _, err := s.Feed([]byte("8=FIX.4.4\x019=11\x01")); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestSplitterShortBodyLength(t *testing.T) {
	body := []byte(strings.ReplaceAll("35=0|49=A|56=B|34=1|52=20240102-03:04:05|", "|", "\x01"))
	head := fmt.Sprintf("8=FIX.4.4\x019=%d\x01", len(body)-1)
	raw := append([]byte(head), body...)
	raw = append(raw, []byte("10=000\x01")...)

	s := NewSplitter(DefaultLimits())
	if _, err := s.Feed(raw); !errors.Is(err, ErrMissingChecksum) {
		t.Fatalf("expected ErrMissingChecksum, got %v", err)
	}
}

func TestSplitterLongBodyLengthWaitsForBytes(t *testing.T) {
	body := []byte(strings.ReplaceAll("35=0|49=A|56=B|34=1|52=20240102-03:04:05|", "|", "\x01"))
	head := fmt.Sprintf("8=FIX.4.4\x019=%d\x01", len(body)+50)
	raw := append([]byte(head), body...)
	raw = append(raw, []byte("10=000\x01")...)

	s := NewSplitter(DefaultLimits())
	frames, err := s.Feed(raw)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 0 || s.Buffered() != len(raw) {
		t.Fatalf("frames=%d buffered=%d", len(frames), s.Buffered())
	}
}

func TestSplitterInvalidBodyLength(t *testing.T) {
	s := NewSplitter(DefaultLimits())
	if _, err := s.Feed([]byte("8=FIX.4.4\x0135=0\x01")); !errors.Is(err, ErrInvalidBodyLength) {
		t.Fatalf("expected ErrInvalidBodyLength, got %v", err)
	}
}
