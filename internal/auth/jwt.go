package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/fixctl/internal/fix"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// JWTToken verifies an HS256 token carried in Password(554). The token
// subject must equal the Logon SenderCompID.
type JWTToken struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
}

func (j JWTToken) Authenticate(logon *fix.Message) error {
	if len(j.Secret) == 0 {
		return ErrUnauthorized
	}
	raw, err := password(logon)
	if err != nil {
		return err
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if j.Leeway > 0 {
		options = append(options, jwt.WithLeeway(j.Leeway))
	}
	if j.Issuer != "" {
		options = append(options, jwt.WithIssuer(j.Issuer))
	}
	if j.Audience != "" {
		options = append(options, jwt.WithAudience(j.Audience))
	}
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.NewParser(options...).ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return j.Secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject != logon.SenderCompID() {
		return fmt.Errorf("%w: subject %q does not match sender", ErrInvalidToken, claims.Subject)
	}
	return nil
}

// Issue signs a token for compID valid for ttl. Initiators put the result
// in Password(554).
func (j JWTToken) Issue(compID string, ttl time.Duration) (string, error) {
	if len(j.Secret) == 0 {
		return "", ErrUnauthorized
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   compID,
		Issuer:    j.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if j.Audience != "" {
		claims.Audience = jwt.ClaimStrings{j.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.Secret)
}
