// Package auth authenticates API callers by static API key or HS256 bearer
// token.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"segmentation-gateway/internal/models"
)

// Method names how a caller was authenticated
type Method string

const (
	MethodNone   Method = "none"
	MethodAPIKey Method = "api_key"
	MethodToken  Method = "token"
)

// Principal identifies an authenticated caller
type Principal struct {
	Subject string
	Method  Method
}

// Claims are the bearer token claims
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Config holds authentication settings
type Config struct {
	Required  bool          // Reject requests without valid credentials
	APIKeys   []string      // Accepted static keys
	JWTSecret string        // HS256 secret; empty disables bearer tokens
	TokenTTL  time.Duration // Lifetime of issued tokens (default: 24h)
	Issuer    string        // (default: segmentation-gateway)
}

// Authenticator checks request credentials
type Authenticator struct {
	config Config
	keys   [][]byte
}

// New creates an authenticator
func New(config Config) (*Authenticator, error) {
	if config.TokenTTL <= 0 {
		config.TokenTTL = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "segmentation-gateway"
	}
	if config.Required && len(config.APIKeys) == 0 && config.JWTSecret == "" {
		return nil, errors.New("auth required but no API keys or JWT secret configured")
	}

	a := &Authenticator{config: config}
	for _, k := range config.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a, nil
}

// Required reports whether unauthenticated requests are rejected
func (a *Authenticator) Required() bool {
	return a.config.Required
}

func (a *Authenticator) validKey(key string) bool {
	found := 0
	for _, k := range a.keys {
		found |= subtle.ConstantTimeCompare(k, []byte(key))
	}
	return found == 1
}

// keySubject names an API key caller without revealing the key
func keySubject(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:6])
}

// credential extracts the presented credential. Browsers cannot set headers
// on WebSocket upgrades, so the api_key query parameter is accepted too.
func credential(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("api_key")
}

// Authenticate resolves the caller of r. Without credentials it returns an
// anonymous principal unless authentication is required.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	cred := credential(r)
	if cred == "" {
		if a.config.Required {
			return Principal{}, fmt.Errorf("%w: missing credentials", models.ErrUnauthorized)
		}
		return Principal{Method: MethodNone}, nil
	}

	if a.validKey(cred) {
		return Principal{Subject: keySubject(cred), Method: MethodAPIKey}, nil
	}
	if a.config.JWTSecret != "" && strings.Count(cred, ".") == 2 {
		claims, err := a.ValidateToken(cred)
		if err != nil {
			return Principal{}, err
		}
		return Principal{Subject: claims.Subject, Method: MethodToken}, nil
	}
	return Principal{}, fmt.Errorf("%w: invalid credentials", models.ErrUnauthorized)
}

// GenerateToken issues a signed bearer token for subject
func (a *Authenticator) GenerateToken(subject, scope string) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("JWT secret is not configured")
	}
	now := time.Now()
	claims := &Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateToken verifies signature, expiry and issuer
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(a.config.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.config.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid token", models.ErrUnauthorized)
	}
	return claims, nil
}

type contextKey struct{}

// WithPrincipal stores the caller in ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the caller stored in ctx
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
