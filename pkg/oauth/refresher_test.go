package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomly/concierge/pkg/secrets"
)

type tokenEndpoint struct {
	exchanges atomic.Int64
	respond   func(form map[string]string, w http.ResponseWriter)
}

func (te *tokenEndpoint) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form := make(map[string]string)
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		te.exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		te.respond(form, w)
	}
}

func grantedToken(access string) func(map[string]string, http.ResponseWriter) {
	return func(form map[string]string, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": access,
			"expires_in":   3600,
		})
	}
}

func setupTestRefresher(t *testing.T, respond func(map[string]string, http.ResponseWriter)) (*Refresher, *secrets.Store, *tokenEndpoint) {
	t.Helper()

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	store, err := secrets.Open(filepath.Join(t.TempDir(), "secrets.db"), key)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	endpoint := &tokenEndpoint{respond: respond}
	ts := httptest.NewServer(endpoint.handler(t))
	t.Cleanup(ts.Close)

	refresher := NewRefresher(store, ClientConfig{
		ClientID:     "client-1",
		ClientSecret: "shhh",
		AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     ts.URL,
		RedirectURI:  "http://localhost:3000/auth/google/callback",
		Scopes:       []string{"https://www.googleapis.com/auth/calendar"},
	})
	return refresher, store, endpoint
}

func storeToken(t *testing.T, r *Refresher, userID string, token Token) {
	t.Helper()
	require.NoError(t, r.StoreToken(context.Background(), userID, token))
}

func TestEnsureFreshReturnsValidTokenWithoutRefresh(t *testing.T) {
	refresher, _, endpoint := setupTestRefresher(t, grantedToken("unused"))
	storeToken(t, refresher, "alice", Token{
		AccessToken:  "ya29.current",
		RefreshToken: "1//rt",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	})

	token, err := refresher.EnsureFresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "ya29.current", token.AccessToken)
	assert.Equal(t, int64(0), endpoint.exchanges.Load())
}

func TestEnsureFreshRefreshesNearExpiry(t *testing.T) {
	refresher, store, endpoint := setupTestRefresher(t, grantedToken("ya29.fresh"))
	storeToken(t, refresher, "alice", Token{
		AccessToken:  "ya29.stale",
		RefreshToken: "1//rt",
		ExpiryDate:   time.Now().Add(10 * time.Second).UnixMilli(),
	})

	token, err := refresher.EnsureFresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "ya29.fresh", token.AccessToken)
	assert.Equal(t, "1//rt", token.RefreshToken, "refresh token kept when not rotated")
	assert.Equal(t, int64(1), endpoint.exchanges.Load())

	stored, err := store.Get(context.Background(), "alice", secrets.KeyCalendarToken)
	require.NoError(t, err)
	assert.Equal(t, "ya29.fresh", stored)
}

func TestEnsureFreshStoresRotatedRefreshToken(t *testing.T) {
	refresher, store, _ := setupTestRefresher(t, func(form map[string]string, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "ya29.fresh",
			"refresh_token": "1//rotated",
			"expires_in":    3600,
		})
	})
	storeToken(t, refresher, "alice", Token{
		AccessToken:  "ya29.stale",
		RefreshToken: "1//old",
		ExpiryDate:   1,
	})

	token, err := refresher.EnsureFresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "1//rotated", token.RefreshToken)

	stored, err := store.Get(context.Background(), "alice", secrets.KeyCalendarRefresh)
	require.NoError(t, err)
	assert.Equal(t, "1//rotated", stored)
}

func TestEnsureFreshNotConnected(t *testing.T) {
	refresher, _, _ := setupTestRefresher(t, grantedToken("unused"))

	_, err := refresher.EnsureFresh(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEnsureFreshRevokedDeletesToken(t *testing.T) {
	refresher, store, _ := setupTestRefresher(t, func(form map[string]string, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	})
	storeToken(t, refresher, "alice", Token{
		AccessToken:  "ya29.stale",
		RefreshToken: "1//rt",
		ExpiryDate:   1,
	})

	_, err := refresher.EnsureFresh(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrRevoked)

	_, err = store.Get(context.Background(), "alice", secrets.KeyCalendarToken)
	assert.ErrorIs(t, err, secrets.ErrNotFound)

	// With the token gone the user reads as never connected.
	_, err = refresher.EnsureFresh(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEnsureFreshSerializesPerUser(t *testing.T) {
	refresher, _, endpoint := setupTestRefresher(t, grantedToken("ya29.fresh"))
	storeToken(t, refresher, "alice", Token{
		AccessToken:  "ya29.stale",
		RefreshToken: "1//rt",
		ExpiryDate:   1,
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := refresher.EnsureFresh(context.Background(), "alice")
			assert.NoError(t, err)
			assert.Equal(t, "ya29.fresh", token.AccessToken)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), endpoint.exchanges.Load(), "concurrent turns share one refresh")
}

func TestExchangeAuthorizationCode(t *testing.T) {
	refresher, _, _ := setupTestRefresher(t, func(form map[string]string, w http.ResponseWriter) {
		if form["grant_type"] != "authorization_code" || form["code"] != "auth-code-1" {
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_request"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "ya29.first",
			"refresh_token": "1//first",
			"expires_in":    3600,
		})
	})

	token, err := refresher.Exchange(context.Background(), "auth-code-1")
	require.NoError(t, err)
	assert.Equal(t, "ya29.first", token.AccessToken)
	assert.Equal(t, "1//first", token.RefreshToken)
	assert.Greater(t, token.ExpiryDate, time.Now().UnixMilli())
}

func TestAuthCodeURL(t *testing.T) {
	refresher, _, _ := setupTestRefresher(t, grantedToken("unused"))

	u := refresher.AuthCodeURL("state-1")
	assert.Contains(t, u, "https://accounts.google.com/o/oauth2/v2/auth?")
	assert.Contains(t, u, "access_type=offline")
	assert.Contains(t, u, "prompt=consent")
	assert.Contains(t, u, "state=state-1")
	assert.Contains(t, u, "response_type=code")
}

func TestTokenExpiresWithin(t *testing.T) {
	assert.True(t, Token{}.ExpiresWithin(time.Minute), "zero expiry is expired")
	assert.True(t, Token{ExpiryDate: time.Now().Add(30 * time.Second).UnixMilli()}.ExpiresWithin(time.Minute))
	assert.False(t, Token{ExpiryDate: time.Now().Add(time.Hour).UnixMilli()}.ExpiresWithin(time.Minute))
}
