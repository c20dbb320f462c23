// Package authverify is the golang-jwt-backed reference implementation of
// collab.AuthVerifier (§6.4): it validates the HS256 JWT a Satellite
// client presents on its authenticate RPC and returns the identity the
// rest of the connection state machine keys on.
package authverify

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arve0/electric/internal/collab"
)

const Scope = "electric.satellite"

// Claims extends the standard JWT claims with the replication scope
// electric tokens are minted with.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Verifier validates satellite authentication tokens signed with a
// shared HMAC secret.
type Verifier struct {
	secret []byte
	issuer string
}

func New(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify satisfies collab.AuthVerifier. id is the client-claimed
// connection identity from the authenticate RPC payload (§4.2); headers
// are the RPC's header fields, unused by this implementation but part of
// the interface for verifiers that bind to transport-level metadata.
func (v *Verifier) Verify(ctx context.Context, id, token string, headers map[string]string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authverify: unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer))
	if err != nil {
		return "", fmt.Errorf("%w: %v", collab.ErrAuthFailed, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid claims", collab.ErrInvalidCredentials)
	}
	if claims.Scope != Scope {
		return "", fmt.Errorf("%w: wrong scope %q", collab.ErrInvalidCredentials, claims.Scope)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", collab.ErrInvalidCredentials)
	}
	if id != "" && claims.Subject != id {
		return "", fmt.Errorf("%w: subject mismatch", collab.ErrInvalidCredentials)
	}

	return claims.Subject, nil
}

// IssueToken mints a satellite authentication token. Exposed for tests
// and for whatever side of the deployment provisions client credentials;
// the wire protocol only ever consumes tokens, never issues them.
func (v *Verifier) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: Scope,
	})
	return token.SignedString(v.secret)
}
