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

package session

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/deploygraph/internal/cache"
	"github.com/tombee/deploygraph/internal/kv/memory"
)

type fakeUsers struct {
	byID map[string]*User
}

func (f *fakeUsers) GetUser(ctx context.Context, id string) (*User, bool, error) {
	u, ok := f.byID[id]
	return u, ok, nil
}

func newTestService(t *testing.T, secret []byte) (*Service, *fakeUsers) {
	t.Helper()
	users := &fakeUsers{byID: map[string]*User{
		"42": {ID: "42", CompanyID: "acme"},
	}}
	c := cache.New(cache.Config{Store: memory.New(), KeyPrefix: "session", LRUMax: 1000, LRUTTL: 5 * time.Minute})
	return New(Config{Cache: c, Users: users, JWT: JWTConfig{Secret: secret, Issuer: "openauth"}}), users
}

func signToken(t *testing.T, secret []byte, id string, issuer string) string {
	t.Helper()
	claims := subjectClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	claims.Subject.Type = "user"
	claims.Subject.Properties.ID = json.Number(id)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestService_AuthenticateBearer_Success(t *testing.T) {
	secret := []byte("test-secret")
	svc, _ := newTestService(t, secret)

	tok := signToken(t, secret, "42", "openauth")
	req := httpRequestWithBearer(tok)

	ctx, err := svc.AuthenticateBearer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "42", ctx.User.ID)
	assert.Equal(t, "token-session", ctx.SessionID)
}

func TestService_AuthenticateBearer_RejectsNonPositiveID(t *testing.T) {
	secret := []byte("test-secret")
	svc, _ := newTestService(t, secret)

	tok := signToken(t, secret, "0", "openauth")
	req := httpRequestWithBearer(tok)

	_, err := svc.AuthenticateBearer(context.Background(), req)
	require.Error(t, err)
}

func TestService_AuthenticateBearer_WrongIssuer(t *testing.T) {
	secret := []byte("test-secret")
	svc, _ := newTestService(t, secret)

	tok := signToken(t, secret, "42", "someone-else")
	req := httpRequestWithBearer(tok)

	_, err := svc.AuthenticateBearer(context.Background(), req)
	require.Error(t, err)
}

func TestService_AuthenticateBearer_MissingHeader(t *testing.T) {
	svc, _ := newTestService(t, []byte("secret"))
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	_, err := svc.AuthenticateBearer(context.Background(), req)
	require.Error(t, err)
}

func TestService_SessionCookieRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, []byte("secret"))
	ctx := context.Background()

	require.NoError(t, svc.StoreSession(ctx, "sess-1", "42", "github", nil))

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "sess-1"})

	authCtx, err := svc.AuthenticateCookie(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "42", authCtx.User.ID)
	assert.Equal(t, "sess-1", authCtx.SessionID)
}

func TestService_SessionCookieExpired(t *testing.T) {
	svc, _ := newTestService(t, []byte("secret"))
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, svc.StoreSession(ctx, "sess-2", "42", "github", &past))

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "sess-2"})

	_, err := svc.AuthenticateCookie(ctx, req)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_SessionCookieMissing(t *testing.T) {
	svc, _ := newTestService(t, []byte("secret"))
	req, _ := http.NewRequest(http.MethodGet, "/", nil)

	_, err := svc.AuthenticateCookie(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_DeleteSessionEvictsCookie(t *testing.T) {
	svc, _ := newTestService(t, []byte("secret"))
	ctx := context.Background()

	require.NoError(t, svc.StoreSession(ctx, "sess-3", "42", "github", nil))
	require.NoError(t, svc.DeleteSession(ctx, "sess-3"))

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "sess-3"})

	_, err := svc.AuthenticateCookie(ctx, req)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_AuthenticateBearer_StaticOperatorToken(t *testing.T) {
	users := &fakeUsers{byID: map[string]*User{"42": {ID: "42", CompanyID: "acme"}}}
	c := cache.New(cache.Config{Store: memory.New(), KeyPrefix: "session", LRUMax: 1000, LRUTTL: 5 * time.Minute})
	svc := New(Config{
		Cache:               c,
		Users:               users,
		StaticOperatorToken: "operator-secret",
		OperatorUserID:      "42",
	})

	authCtx, err := svc.AuthenticateBearer(context.Background(), httpRequestWithBearer("operator-secret"))
	require.NoError(t, err)
	assert.Equal(t, "42", authCtx.User.ID)

	_, err = svc.AuthenticateBearer(context.Background(), httpRequestWithBearer("wrong-secret"))
	assert.Error(t, err)
}

func httpRequestWithBearer(token string) *http.Request {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
