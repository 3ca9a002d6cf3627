// Package auth provides Logon authenticators for the session engine.
//
// It intentionally avoids policy decisions and storage concerns: every
// authenticator inspects one Logon message and returns nil or a rejection.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/danmuck/fixctl/internal/fix"
)

var (
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrUnknownCompID      = errors.New("auth: unknown comp id")
)

// Authenticator decides whether a Logon may proceed.
type Authenticator interface {
	Authenticate(logon *fix.Message) error
}

// AcceptAll accepts every Logon.
type AcceptAll struct{}

func (AcceptAll) Authenticate(*fix.Message) error { return nil }

// Func adapts a function into an Authenticator.
type Func func(logon *fix.Message) error

func (f Func) Authenticate(logon *fix.Message) error {
	return f(logon)
}

// Chain runs authenticators in order and stops at the first rejection.
type Chain []Authenticator

func (c Chain) Authenticate(logon *fix.Message) error {
	for _, a := range c {
		if a == nil {
			continue
		}
		if err := a.Authenticate(logon); err != nil {
			return err
		}
	}
	return nil
}

// CompIDAllowlist accepts only the listed SenderCompIDs.
type CompIDAllowlist map[string]struct{}

func NewCompIDAllowlist(ids ...string) CompIDAllowlist {
	out := make(CompIDAllowlist, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func (a CompIDAllowlist) Authenticate(logon *fix.Message) error {
	sender := logon.SenderCompID()
	if _, ok := a[sender]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCompID, sender)
	}
	return nil
}

// StaticPassword holds one shared password per SenderCompID.
// It is intended only for development and proofs of concept.
type StaticPassword map[string]string

func (s StaticPassword) Authenticate(logon *fix.Message) error {
	sender := logon.SenderCompID()
	want, ok := s[sender]
	if !ok || want == "" {
		return fmt.Errorf("%w: %q", ErrUnknownCompID, sender)
	}
	got, err := password(logon)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func username(logon *fix.Message) (string, error) {
	v, ok := logon.Body.Get(fix.TagUsername)
	if !ok || v == "" {
		return "", ErrMissingCredentials
	}
	return v, nil
}

func password(logon *fix.Message) (string, error) {
	v, ok := logon.Body.Get(fix.TagPassword)
	if !ok || v == "" {
		return "", ErrMissingCredentials
	}
	return v, nil
}
