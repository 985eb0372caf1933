package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-tracking/internal/apperr"
)

var ErrMissingToken = errors.New("bearer token missing")

// Claims is the payload issued by the identity service.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwtlib.RegisteredClaims
}

// Verifier validates HS256 access tokens. Issuance lives elsewhere; Issue
// exists for tests and local tooling.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret)), issuer: issuer}
}

func (v *Verifier) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify checks signature, expiry and, when configured, the issuer.
func (v *Verifier) Verify(token string) (*Claims, error) {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	_, err := jwtlib.NewParser(opts...).ParseWithClaims(token, claims, func(*jwtlib.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnauthorized, err, "invalid token")
	}
	if claims.Subject == "" {
		return nil, apperr.New(apperr.CodeUnauthorized, "token has no subject")
	}
	return claims, nil
}

// FromRequest reads "Authorization: Bearer <token>", falling back to the
// token query parameter that browser websocket clients use.
func FromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return "", ErrMissingToken
		}
		return strings.TrimSpace(token), nil
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, nil
	}
	return "", ErrMissingToken
}

type ctxKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}
