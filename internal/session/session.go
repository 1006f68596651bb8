// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session implements the two request-authentication entry points
// every operator-facing surface (the MCP processor, a future HTTP/GraphQL
// layer) goes through: a bearer token verified against an external
// OpenAuth-style issuer, and a session cookie resolved through the L1/L2
// write-through cache (internal/cache). It generalizes the teacher's
// internal/daemon/auth package (bearer_auth.go's constant-time token
// compare, jwt.go's ValidateJWT) onto the spec's dual entry point, trading
// the teacher's static API-key table for store-backed session records.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/deploygraph/internal/cache"
	dgerrors "github.com/tombee/deploygraph/pkg/errors"
	"github.com/tombee/deploygraph/pkg/security"
)

// DefaultSessionTTL is the TTL applied to a stored session record when the
// caller doesn't supply an explicit expiry (spec.md 6.3).
const DefaultSessionTTL = 24 * time.Hour

// User is the minimal user record the session core needs to build an
// AuthContext. The relational schema that actually stores users is out of
// scope (spec.md §1 Non-goals) — UserStore is the narrow seam onto it,
// mirroring how internal/ragstore treats the graph database.
type User struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Email     string `json:"email,omitempty"`
}

// UserStore looks up a user by id. The relational users/teams schema
// behind it is an external collaborator (spec.md §1).
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, bool, error)
}

// AuthContext is what a successful bearer or cookie authentication
// produces: the resolved user plus the session identity that authorized
// the request.
type AuthContext struct {
	User      *User
	SessionID string
}

// Record is what's persisted under session:<sessionID> (spec.md 6.3).
type Record struct {
	Subject   string     `json:"subject"`
	Provider  string     `json:"provider"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (r Record) expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// JWTConfig configures bearer-token verification against the external
// OpenAuth-style issuer. Grounded on the teacher's internal/daemon/auth.JWTConfig;
// this system only ever verifies (never issues) tokens, so there is no
// PrivateKey/signing half.
type JWTConfig struct {
	// Secret is the HS256 signing key shared with the issuer.
	Secret []byte

	// Issuer, if set, must match the token's "iss" claim.
	Issuer string

	// ClockSkew allows leeway when validating exp/nbf/iat.
	ClockSkew time.Duration
}

// subjectClaims mirrors an OpenAuth-issued token's nested subject shape:
// {"subject": {"type": "user", "properties": {"id": "123"}}}. The id is
// decoded as json.Number since issuers are free to emit it as either a
// JSON number or a numeric string.
type subjectClaims struct {
	jwt.RegisteredClaims
	Subject struct {
		Type       string `json:"type"`
		Properties struct {
			ID json.Number `json:"id"`
		} `json:"properties"`
	} `json:"subject"`
}

// Config configures a Service.
type Config struct {
	// Cache backs cookie-session lookups: L1 is an in-process LRU
	// (capacity ~1000, TTL ~5m per spec.md 4.J), L2 is the external
	// store. Required.
	Cache *cache.Cache

	// Users resolves a user id (from either entry point) to a User
	// record. Required.
	Users UserStore

	// JWT configures bearer-token verification.
	JWT JWTConfig

	// CookieTTL is the default TTL applied when StoreSession isn't given
	// an explicit expiry. Defaults to DefaultSessionTTL.
	CookieTTL time.Duration

	// CookieName is the name of the session cookie. Defaults to "session".
	CookieName string

	// StaticOperatorToken, if set, is an alternative bearer credential
	// checked before JWT verification: a single shared secret for
	// operator tooling (cmd/deploygraphctl, health probes) that has no
	// per-user subject to resolve. Compared in constant time via
	// pkg/security.ConstantTimeEqual, mirroring the teacher's
	// bearer_auth.go static API-key table.
	StaticOperatorToken string

	// OperatorUserID is the user id AuthenticateBearer resolves a
	// StaticOperatorToken match to. Required when StaticOperatorToken is
	// set.
	OperatorUserID string
}

// Service implements the session core (spec.md 4.J).
type Service struct {
	cache          *cache.Cache
	users          UserStore
	jwt            JWTConfig
	cookieTTL      time.Duration
	cookieName     string
	operatorToken  string
	operatorUserID string
}

// New constructs a Service from cfg.
func New(cfg Config) *Service {
	cookieTTL := cfg.CookieTTL
	if cookieTTL <= 0 {
		cookieTTL = DefaultSessionTTL
	}
	cookieName := cfg.CookieName
	if cookieName == "" {
		cookieName = "session"
	}
	return &Service{
		cache:          cfg.Cache,
		users:          cfg.Users,
		jwt:            cfg.JWT,
		cookieTTL:      cookieTTL,
		cookieName:     cookieName,
		operatorToken:  cfg.StaticOperatorToken,
		operatorUserID: cfg.OperatorUserID,
	}
}

// ErrUnauthorized is returned by AuthenticateBearer/AuthenticateCookie
// when a request carries no usable credential, or the credential fails
// verification. Callers map it to an HTTP 401.
var ErrUnauthorized = &dgerrors.AuthError{Reason: "missing or invalid credential"}

// AuthenticateBearer extracts and verifies the Authorization: Bearer
// header, resolving the claimed subject to a User. Token verification
// itself is delegated to the external issuer via jwt; this method only
// checks the signature/claims and enforces the spec's "reject non-positive
// user id" rule.
func (s *Service) AuthenticateBearer(ctx context.Context, r *http.Request) (AuthContext, error) {
	token, err := extractBearerToken(r)
	if err != nil {
		return AuthContext{}, &dgerrors.AuthError{Reason: err.Error()}
	}

	userID, err := s.resolveBearerUserID(token)
	if err != nil {
		return AuthContext{}, &dgerrors.AuthError{Reason: err.Error()}
	}

	user, ok, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return AuthContext{}, fmt.Errorf("session: bearer: looking up user %s: %w", userID, err)
	}
	if !ok {
		return AuthContext{}, &dgerrors.AuthError{Reason: fmt.Sprintf("no such user: %s", userID)}
	}

	return AuthContext{User: user, SessionID: "token-session"}, nil
}

// extractBearerToken pulls the token out of an Authorization header,
// grounded on the teacher's BearerAuthenticator.ExtractBearerToken
// (case-insensitive "Bearer " prefix per RFC 6750).
func extractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	const prefix = "bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", fmt.Errorf("invalid Authorization header format, expected 'Bearer <token>'")
	}
	token := strings.TrimSpace(auth[len(prefix):])
	if token == "" {
		return "", fmt.Errorf("empty Bearer token")
	}
	return token, nil
}

// resolveBearerUserID checks token against the static operator token
// first (constant-time, no per-user subject to parse), falling back to
// full JWT verification for ordinary user sessions.
func (s *Service) resolveBearerUserID(token string) (string, error) {
	if s.operatorToken != "" && security.ConstantTimeEqual(token, s.operatorToken) {
		return s.operatorUserID, nil
	}
	return s.verifyBearerToken(token)
}

// verifyBearerToken validates token's signature/claims via jwt and
// extracts subject.properties.id as a positive integer user id.
func (s *Service) verifyBearerToken(token string) (string, error) {
	if len(s.jwt.Secret) == 0 {
		return "", fmt.Errorf("bearer verification not configured")
	}

	parser := jwt.NewParser(jwt.WithLeeway(s.jwt.ClockSkew))
	parsed, err := parser.ParseWithClaims(token, &subjectClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return s.jwt.Secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing bearer token: %w", err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("bearer token is invalid")
	}
	claims, ok := parsed.Claims.(*subjectClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims shape")
	}
	if s.jwt.Issuer != "" && claims.Issuer != s.jwt.Issuer {
		return "", fmt.Errorf("invalid issuer: expected %s, got %s", s.jwt.Issuer, claims.Issuer)
	}

	id, err := claims.Subject.Properties.ID.Int64()
	if err != nil {
		return "", fmt.Errorf("subject.properties.id is not an integer: %w", err)
	}
	if id <= 0 {
		return "", fmt.Errorf("subject.properties.id must be positive, got %d", id)
	}
	return claims.Subject.Properties.ID.String(), nil
}

// AuthenticateCookie resolves r's session cookie to an AuthContext, first
// consulting the L1/L2 cache (internal/cache already implements the
// expired-entry-evict-on-read rule spec.md 4.B requires).
func (s *Service) AuthenticateCookie(ctx context.Context, r *http.Request) (AuthContext, error) {
	c, err := r.Cookie(s.cookieName)
	if err != nil || c.Value == "" {
		return AuthContext{}, ErrUnauthorized
	}

	raw, ok, err := s.cache.Get(ctx, []string{c.Value})
	if err != nil {
		return AuthContext{}, fmt.Errorf("session: cookie: cache lookup: %w", err)
	}
	if !ok {
		return AuthContext{}, ErrUnauthorized
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return AuthContext{}, fmt.Errorf("session: cookie: decoding record: %w", err)
	}
	if rec.expired(time.Now()) {
		_ = s.cache.Remove(ctx, []string{c.Value})
		return AuthContext{}, ErrUnauthorized
	}

	user, ok, err := s.users.GetUser(ctx, rec.Subject)
	if err != nil {
		return AuthContext{}, fmt.Errorf("session: cookie: looking up user %s: %w", rec.Subject, err)
	}
	if !ok {
		return AuthContext{}, ErrUnauthorized
	}

	return AuthContext{User: user, SessionID: c.Value}, nil
}

// StoreSession writes session:<sessionID> with a default 24h TTL (or the
// ttl implied by expiresAt, if sooner).
func (s *Service) StoreSession(ctx context.Context, sessionID, subject, provider string, expiresAt *time.Time) error {
	rec := Record{Subject: subject, Provider: provider, ExpiresAt: expiresAt}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: store: encoding record: %w", err)
	}

	ttl := s.cookieTTL
	if expiresAt != nil {
		if until := time.Until(*expiresAt); until > 0 && until < ttl {
			ttl = until
		}
	}
	if err := s.cache.Set(ctx, []string{sessionID}, raw, ttl); err != nil {
		return fmt.Errorf("session: store: %w", err)
	}
	return nil
}

// DeleteSession evicts a session from both cache tiers.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.cache.Remove(ctx, []string{sessionID}); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}
