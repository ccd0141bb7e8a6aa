// Package authn resolves the inbound HTTP credential into a tagged
// principal and owns the revocation (blacklist) store behind it (C11).
//
// JWT handling continues internal/security/jwt_service.go's use of
// golang-jwt/jwt/v5 (HS256, RegisteredClaims, Bearer-prefix extraction);
// the claims shape is narrowed from that file's marketplace User/Role/IsAdmin
// fields to the {User, Service, Anonymous} tagged principal this service's
// authentication contract describes.
package authn

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
)

// Kind tags which shape of principal authenticated the request.
type Kind string

const (
	KindUser      Kind = "USER"
	KindService   Kind = "SERVICE"
	KindAnonymous Kind = "ANONYMOUS"
)

// Authority is a coarse-grained permission the ingress layer checks
// (writes require a User principal with USER authority; admin-only
// routes require ADMIN).
type Authority string

const (
	AuthorityUser  Authority = "USER"
	AuthorityAdmin Authority = "ADMIN"
)

// Scope is a fine-grained service-to-service permission.
const ScopeNotificationSend = "notification.send"

// Principal is the authenticated actor attached to a request context.
type Principal struct {
	Kind       Kind
	UserID     string
	ServiceName string
	Authorities []Authority
	Scopes      []string
	TokenID     string // jti, used for blacklist lookups
}

// Anonymous is the zero-trust default principal for unauthenticated
// requests, permitted only onto the public health/docs/metrics paths.
var Anonymous = Principal{Kind: KindAnonymous}

// HasAuthority reports whether p carries authority a.
func (p Principal) HasAuthority(a Authority) bool {
	for _, have := range p.Authorities {
		if have == a {
			return true
		}
	}
	return false
}

// HasScope reports whether p (a Service principal) carries scope s.
func (p Principal) HasScope(s string) bool {
	for _, have := range p.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// Claims is the JWT payload this service issues/verifies.
type Claims struct {
	UserID      string   `json:"user_id"`
	Authorities []string `json:"authorities"`
	jwt.RegisteredClaims
}

// Verifier parses and verifies bearer JWTs, producing a User principal.
// Any HMAC signature algorithm (HS256, HS384, HS512) is accepted and every
// other algorithm is rejected; Sign issues HS256, matching the original
// jwt_service.go. A deployment requiring asymmetric verification would
// swap the keyFunc passed to jwt.ParseWithClaims.
type Verifier struct {
	secretKey []byte
	issuer    string
}

func NewVerifier(secretKey, issuer string) *Verifier {
	return &Verifier{secretKey: []byte(secretKey), issuer: issuer}
}

// VerifyBearer parses the Authorization header value (including the
// "Bearer " prefix) and returns the resulting User principal.
func (v *Verifier) VerifyBearer(authHeader string) (Principal, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return Principal{}, errors.New("authorization header must start with 'Bearer '")
	}
	tokenString := strings.TrimPrefix(authHeader, prefix)
	if tokenString == "" {
		return Principal{}, errors.New("empty bearer token")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secretKey, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("parse bearer token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, errors.New("invalid token claims")
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Principal{}, errors.New("unexpected token issuer")
	}

	authorities := make([]Authority, 0, len(claims.Authorities))
	for _, a := range claims.Authorities {
		authorities = append(authorities, Authority(a))
	}

	return Principal{
		Kind:        KindUser,
		UserID:      claims.UserID,
		Authorities: authorities,
		TokenID:     claims.ID,
	}, nil
}

// Sign issues a bearer token for userID with the given authorities and TTL,
// used by tests; no HTTP route in this service issues tokens.
func (v *Verifier) Sign(userID string, authorities []Authority, ttl time.Duration) (string, string, error) {
	now := time.Now()
	jti := fmt.Sprintf("%s-%d", userID, now.UnixNano())

	strAuthorities := make([]string, 0, len(authorities))
	for _, a := range authorities {
		strAuthorities = append(strAuthorities, string(a))
	}

	claims := &Claims{
		UserID:      userID,
		Authorities: strAuthorities,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secretKey)
	return signed, jti, err
}

// APIKeys resolves the X-API-Key/X-Source-Service header pair into a
// Service principal. Keys are never held in plaintext past construction:
// NewAPIKeys hashes each one with blake2b-256 and Verify compares hashes,
// so a memory dump or log line never discloses a usable credential.
type APIKeys struct {
	// hashed maps service name -> blake2b-256(expected key).
	hashed map[string][blake2b.Size256]byte
}

func NewAPIKeys(keys map[string]string) *APIKeys {
	hashed := make(map[string][blake2b.Size256]byte, len(keys))
	for service, key := range keys {
		hashed[service] = blake2b.Sum256([]byte(key))
	}
	return &APIKeys{hashed: hashed}
}

// Verify checks apiKey against the registered key for serviceName.
func (a *APIKeys) Verify(serviceName, apiKey string) (Principal, error) {
	if serviceName == "" || apiKey == "" {
		return Principal{}, errors.New("missing service name or api key")
	}
	expected, ok := a.hashed[serviceName]
	if !ok {
		return Principal{}, errors.New("invalid service credentials")
	}
	got := blake2b.Sum256([]byte(apiKey))
	if subtle.ConstantTimeCompare(expected[:], got[:]) != 1 {
		return Principal{}, errors.New("invalid service credentials")
	}
	return Principal{
		Kind:        KindService,
		ServiceName: serviceName,
		Scopes:      []string{ScopeNotificationSend},
	}, nil
}
