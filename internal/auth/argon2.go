package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/danmuck/fixctl/internal/fix"
	"golang.org/x/crypto/argon2"
)

const algorithmID = "argon2id"

var ErrInvalidHash = errors.New("auth: invalid password hash")

// Argon2Params controls HashPassword.
type Argon2Params struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Time:        1,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// HashPassword returns an argon2id PHC string for password.
func HashPassword(password string, p Argon2Params) (string, error) {
	if password == "" {
		return "", ErrMissingCredentials
	}
	if p.Memory == 0 || p.Time == 0 || p.Parallelism == 0 || p.SaltLength == 0 || p.KeyLength == 0 {
		return "", fmt.Errorf("%w: zero argon2 parameter", ErrInvalidHash)
	}
	salt := make([]byte, p.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Parallelism, p.KeyLength)
	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		p.Memory,
		p.Time,
		p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// CheckHash reports whether encoded is a well-formed argon2id PHC string.
func CheckHash(encoded string) error {
	_, err := parsePHC(encoded)
	return err
}

// VerifyPassword reports whether password matches the PHC string encoded.
func VerifyPassword(password, encoded string) (bool, error) {
	phc, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(password), phc.salt, phc.time, phc.memory, phc.parallelism, uint32(len(phc.key)))
	return subtle.ConstantTimeCompare(key, phc.key) == 1, nil
}

// Argon2Credentials maps Username(553) to an argon2id PHC hash and checks
// Password(554) against it.
type Argon2Credentials map[string]string

func (c Argon2Credentials) Authenticate(logon *fix.Message) error {
	user, err := username(logon)
	if err != nil {
		return err
	}
	pass, err := password(logon)
	if err != nil {
		return err
	}
	encoded, ok := c[user]
	if !ok {
		return ErrUnauthorized
	}
	match, err := VerifyPassword(pass, encoded)
	if err != nil {
		return err
	}
	if !match {
		return ErrUnauthorized
	}
	return nil
}

type phcHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parsePHC(encoded string) (phcHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return phcHash{}, fmt.Errorf("%w: format", ErrInvalidHash)
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return phcHash{}, fmt.Errorf("%w: version %q", ErrInvalidHash, parts[2])
	}
	var out phcHash
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return phcHash{}, fmt.Errorf("%w: param %q", ErrInvalidHash, kv)
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return phcHash{}, fmt.Errorf("%w: param %q", ErrInvalidHash, kv)
		}
		switch k {
		case "m":
			out.memory = uint32(n)
		case "t":
			out.time = uint32(n)
		case "p":
			if n > 255 {
				return phcHash{}, fmt.Errorf("%w: parallelism %d", ErrInvalidHash, n)
			}
			out.parallelism = uint8(n)
		default:
			return phcHash{}, fmt.Errorf("%w: param %q", ErrInvalidHash, kv)
		}
	}
	if out.memory == 0 || out.time == 0 || out.parallelism == 0 {
		return phcHash{}, fmt.Errorf("%w: missing params", ErrInvalidHash)
	}
	var err error
	if out.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(out.salt) == 0 {
		return phcHash{}, fmt.Errorf("%w: salt", ErrInvalidHash)
	}
	if out.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(out.key) == 0 {
		return phcHash{}, fmt.Errorf("%w: key", ErrInvalidHash)
	}
	return out, nil
}
