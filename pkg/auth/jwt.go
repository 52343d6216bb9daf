package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"

	"github.com/loomworks/bazaar/pkg/types"
)

var (
	// ErrUnauthorized means the credential is missing, malformed, or
	// expired.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the credential is valid but the role is
	// insufficient for the operation.
	ErrForbidden = errors.New("forbidden")
)

// DefaultTokenTTL bounds session tokens issued at login.
const DefaultTokenTTL = 24 * time.Hour

// Issuer signs and verifies session JWTs with HS256.
type Issuer struct {
	signer jose.Signer
	secret []byte
}

// NewIssuer creates an issuer from the shared signing secret.
func NewIssuer(secret string) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("jwt secret must be at least 16 bytes")
	}
	key := []byte(secret)
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("failed to create jwt signer: %w", err)
	}
	return &Issuer{signer: signer, secret: key}, nil
}

// Issue returns a signed token for username, valid for ttl.
func (i *Issuer) Issue(username string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := types.NowUTC()
	claims := jwt.Claims{
		Subject:  username,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.Signed(i.signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify checks the signature and expiry and returns the subject username.
func (i *Issuer) Verify(token string) (string, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return "", fmt.Errorf("%w: malformed token", ErrUnauthorized)
	}

	var claims jwt.Claims
	if err := parsed.Claims(i.secret, &claims); err != nil {
		return "", fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	}
	if err := claims.Validate(jwt.Expected{Time: types.NowUTC()}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}
