// Package identity adapts the external authenticator to the core.
//
// The core consumes a verified (tenant_id, user_id) pair per request and
// never issues or refreshes credentials itself; this package is the seam
// where the external token issuer plugs in.
package identity

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meridianlabs/conductor/pkg/faults"
	"github.com/meridianlabs/conductor/pkg/guard"
)

// Claims are the token claims the core relies on.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// Verifier turns bearer tokens into principals.
type Verifier struct {
	keyFunc jwt.Keyfunc
	issuer  string
}

// NewVerifier creates a verifier using the issuer's key lookup.
func NewVerifier(keyFunc jwt.Keyfunc, issuer string) *Verifier {
	return &Verifier{keyFunc: keyFunc, issuer: issuer}
}

// NewHMACVerifier creates a verifier for HS256 tokens signed with secret.
func NewHMACVerifier(secret []byte, issuer string) *Verifier {
	return NewVerifier(func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return secret, nil
	}, issuer)
}

// VerifyBearer validates the token and extracts the principal.
func (v *Verifier) VerifyBearer(bearer string) (guard.Principal, error) {
	tokenString := strings.TrimPrefix(bearer, "Bearer ")
	if tokenString == "" {
		return guard.Principal{}, faults.PermissionDenied("missing bearer token")
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc, opts...)
	if err != nil || !token.Valid {
		return guard.Principal{}, faults.PermissionDenied("token rejected: %v", err)
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return guard.Principal{}, faults.PermissionDenied("token lacks tenant_id or subject")
	}

	return guard.Principal{TenantID: claims.TenantID, UserID: claims.Subject}, nil
}
