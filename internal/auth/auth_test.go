package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/fixctl/internal/fix"
	"github.com/danmuck/fixctl/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func logon(sender, user, pass string) *fix.Message {
	msg := fix.NewMessage(fix.MsgTypeLogon)
	msg.Header.Set(fix.TagSenderCompID, sender)
	msg.Header.Set(fix.TagTargetCompID, "BBBB")
	msg.Body.SetInt(fix.TagEncryptMethod, 0)
	msg.Body.SetInt(fix.TagHeartBtInt, 30)
	if user != "" {
		msg.Body.Set(fix.TagUsername, user)
	}
	if pass != "" {
		msg.Body.Set(fix.TagPassword, pass)
	}
	return msg
}

func TestStaticPasswordAuthenticate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  StaticPassword
		msg     *fix.Message
		wantErr error
	}{
		{name: "unknown sender denied", stored: StaticPassword{"AAA": "abc"}, msg: logon("ZZZ", "", "abc"), wantErr: ErrUnknownCompID},
		{name: "empty stored password denied", stored: StaticPassword{"AAA": ""}, msg: logon("AAA", "", "abc"), wantErr: ErrUnknownCompID},
		{name: "missing password denied", stored: StaticPassword{"AAA": "abc"}, msg: logon("AAA", "", ""), wantErr: ErrMissingCredentials},
		{name: "mismatched password denied", stored: StaticPassword{"AAA": "abc"}, msg: logon("AAA", "", "xyz"), wantErr: ErrUnauthorized},
		{name: "matching password accepted", stored: StaticPassword{"AAA": "abc"}, msg: logon("AAA", "", "abc"), wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.stored.Authenticate(tc.msg)
			log.Debug().Str("case", tc.name).Err(err).Msg("auth/static-password")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncAndChain(t *testing.T) {
	testlog.Start(t)
	calls := 0
	counting := Func(func(*fix.Message) error {
		calls++
		return nil
	})
	chain := Chain{NewCompIDAllowlist("AAA"), nil, counting}

	if err := chain.Authenticate(logon("ZZZ", "", "")); !errors.Is(err, ErrUnknownCompID) {
		t.Fatalf("expected allowlist rejection, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("chain continued after rejection calls=%d", calls)
	}
	if err := chain.Authenticate(logon("AAA", "", "")); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls got=%d want=1", calls)
	}
	if err := (AcceptAll{}).Authenticate(logon("", "", "")); err != nil {
		t.Fatalf("AcceptAll rejected: %v", err)
	}
}

func TestArgon2Credentials(t *testing.T) {
	testlog.Start(t)
	params := Argon2Params{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16}
	hash, err := HashPassword("correct horse", params)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	creds := Argon2Credentials{"trader": hash}

	if err := creds.Authenticate(logon("AAA", "trader", "correct horse")); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := creds.Authenticate(logon("AAA", "trader", "battery staple")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := creds.Authenticate(logon("AAA", "nobody", "correct horse")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown user, got %v", err)
	}
	if err := creds.Authenticate(logon("AAA", "", "correct horse")); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}

	broken := Argon2Credentials{"trader": "$argon2id$v=19$m=0,t=1,p=1$AAAA$AAAA"}
	if err := broken.Authenticate(logon("AAA", "trader", "correct horse")); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("expected invalid hash, got %v", err)
	}
	if err := CheckHash(hash); err != nil {
		t.Fatalf("CheckHash(valid): %v", err)
	}
	if err := CheckHash("plaintext"); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("CheckHash(plaintext) got=%v", err)
	}
}

func TestJWTToken(t *testing.T) {
	testlog.Start(t)
	verifier := JWTToken{Secret: []byte("0123456789abcdef0123456789abcdef"), Issuer: "fixctl"}

	token, err := verifier.Issue("AAA", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := verifier.Authenticate(logon("AAA", "", token)); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := verifier.Authenticate(logon("CCC", "", token)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected subject mismatch, got %v", err)
	}

	other := JWTToken{Secret: []byte("another-secret-another-secret-00"), Issuer: "fixctl"}
	forged, err := other.Issue("AAA", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := verifier.Authenticate(logon("AAA", "", forged)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}

	expired, err := verifier.Issue("AAA", -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := verifier.Authenticate(logon("AAA", "", expired)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expiry failure, got %v", err)
	}
	if err := verifier.Authenticate(logon("AAA", "", "")); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}
}
