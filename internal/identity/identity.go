// Package identity validates a bearer token presented once at handshake
// and returns a stable user identity plus profile claims. Verification
// never happens per-frame.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qzbxw/realtimecore/internal/realtimeerr"
)

// Claims is the stable identity and profile data a successful Verify call
// returns, consumed by the realtime.Registry and every downstream handler.
type Claims struct {
	UserID    string
	Email     string
	Name      string
	AvatarURL string
}

// Verifier is the identity contract: verify(token) -> claims or error.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// JWTVerifier is the default Verifier, validating an HS256 token against a
// shared secret and expected issuer, and carrying full profile claims
// instead of just a username subject.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier constructs a JWTVerifier. A non-empty secret is required;
// issuer is checked against the token's `iss` claim when non-empty.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret cannot be empty")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}, nil
}

// Verify parses and validates tokenString, returning the embedded claims.
// Any failure is reported as KindUnauthenticated, which the handshake
// handler maps to connection close code 4001.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (Claims, error) {
	if tokenString == "" {
		return Claims{}, realtimeerr.New(realtimeerr.KindUnauthenticated, "missing bearer token")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, realtimeerr.Wrap(realtimeerr.KindUnauthenticated, "token validation failed", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, realtimeerr.New(realtimeerr.KindUnauthenticated, "invalid token")
	}

	if v.issuer != "" {
		if iss, _ := claims["iss"].(string); iss != "" && iss != v.issuer {
			return Claims{}, realtimeerr.New(realtimeerr.KindUnauthenticated, "unexpected token issuer")
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Claims{}, realtimeerr.New(realtimeerr.KindUnauthenticated, "token missing subject claim")
	}

	out := Claims{UserID: sub}
	out.Email, _ = claims["email"].(string)
	out.Name, _ = claims["name"].(string)
	out.AvatarURL, _ = claims["picture"].(string)
	_ = ctx
	return out, nil
}

// IssueAccessToken is a test/dev helper used by this package's tests to mint
// tokens a JWTVerifier will accept without standing up an external
// identity provider.
func (v *JWTVerifier) IssueAccessToken(userID, email, name string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"name":  name,
		"iss":   v.issuer,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
