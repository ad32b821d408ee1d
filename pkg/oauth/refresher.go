package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roomly/concierge/internal/observability"
	"github.com/roomly/concierge/pkg/secrets"
)

// ErrRevoked means the provider rejected the refresh token. The stored token
// has been deleted; the user must reconnect their calendar.
var ErrRevoked = errors.New("calendar authorization revoked")

// ErrNotConnected means the user has never connected a calendar.
var ErrNotConnected = errors.New("calendar is not connected")

// DefaultRefreshMargin is how close to expiry a token may get before it is
// proactively refreshed.
const DefaultRefreshMargin = 60 * time.Second

// ClientConfig identifies the OAuth client used for calendar connections.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURI  string
	Scopes       []string
}

// Refresher keeps stored calendar tokens fresh. Refreshes are serialized per
// user so two concurrent turns cannot race each other's refresh token.
type Refresher struct {
	store      *secrets.Store
	cfg        ClientConfig
	httpClient *http.Client
	margin     time.Duration

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewRefresher creates a refresher backed by the given credential store.
func NewRefresher(store *secrets.Store, cfg ClientConfig) *Refresher {
	observability.EnsureRegistered()
	return &Refresher{
		store:      store,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		margin:     DefaultRefreshMargin,
		userLocks:  make(map[string]*sync.Mutex),
	}
}

// SetMargin overrides the refresh safety margin.
func (r *Refresher) SetMargin(margin time.Duration) {
	r.margin = margin
}

// SetHTTPClient overrides the HTTP client used for token exchanges.
func (r *Refresher) SetHTTPClient(c *http.Client) {
	r.httpClient = c
}

// userLock returns the mutex serializing refreshes for one user. Locks are
// kept for the process lifetime, one per user id ever seen; the population
// of users with a connected calendar stays small enough that reclaiming
// them is not worth the bookkeeping.
func (r *Refresher) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.userLocks[userID] = lock
	}
	return lock
}

// EnsureFresh returns a valid calendar token for the user, performing the
// refresh-token exchange first when the stored token is expired or inside
// the safety margin. Runs before every calendar-bound tool call.
func (r *Refresher) EnsureFresh(ctx context.Context, userID string) (Token, error) {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	token, err := r.loadToken(ctx, userID)
	if err != nil {
		return Token{}, err
	}

	if !token.ExpiresWithin(r.margin) {
		return token, nil
	}

	log.Debug().Str("user_id", userID).Msg("Calendar token near expiry, refreshing")
	refreshed, err := r.refresh(ctx, token)
	if err != nil {
		observability.RecordTokenRefresh(false)
		if errors.Is(err, ErrRevoked) {
			if delErr := r.deleteToken(ctx, userID); delErr != nil {
				log.Error().Err(delErr).Str("user_id", userID).Msg("Failed to delete revoked token")
			}
			log.Warn().Str("user_id", userID).Msg("Calendar authorization revoked, token deleted")
		}
		return Token{}, err
	}

	if err := r.StoreToken(ctx, userID, refreshed); err != nil {
		return Token{}, err
	}
	observability.RecordTokenRefresh(true)
	return refreshed, nil
}

// loadToken reads the stored token for a user from the credential store.
func (r *Refresher) loadToken(ctx context.Context, userID string) (Token, error) {
	access, err := r.store.Get(ctx, userID, secrets.KeyCalendarToken)
	if errors.Is(err, secrets.ErrNotFound) {
		return Token{}, ErrNotConnected
	}
	if err != nil {
		return Token{}, err
	}

	token := Token{AccessToken: access}

	if refresh, err := r.store.Get(ctx, userID, secrets.KeyCalendarRefresh); err == nil {
		token.RefreshToken = refresh
	}
	if expiry, err := r.store.Get(ctx, userID, secrets.KeyCalendarExpiry); err == nil {
		token.ExpiryDate, _ = strconv.ParseInt(expiry, 10, 64)
	}
	return token, nil
}

// StoreToken replaces the user's stored token. Replace, not merge: every
// field is overwritten, including the refresh token when the provider
// rotated it.
func (r *Refresher) StoreToken(ctx context.Context, userID string, token Token) error {
	if err := r.store.Set(ctx, userID, secrets.KeyCalendarToken, token.AccessToken); err != nil {
		return err
	}
	if err := r.store.Set(ctx, userID, secrets.KeyCalendarRefresh, token.RefreshToken); err != nil {
		return err
	}
	return r.store.Set(ctx, userID, secrets.KeyCalendarExpiry,
		strconv.FormatInt(token.ExpiryDate, 10))
}

func (r *Refresher) deleteToken(ctx context.Context, userID string) error {
	for _, key := range []string{
		secrets.KeyCalendarToken,
		secrets.KeyCalendarRefresh,
		secrets.KeyCalendarExpiry,
	} {
		if err := r.store.Delete(ctx, userID, key); err != nil && !errors.Is(err, secrets.ErrNotFound) {
			return err
		}
	}
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// refresh performs the refresh-token grant against the provider.
func (r *Refresher) refresh(ctx context.Context, token Token) (Token, error) {
	if token.RefreshToken == "" {
		return Token{}, ErrRevoked
	}

	form := url.Values{
		"client_id":     {r.cfg.ClientID},
		"client_secret": {r.cfg.ClientSecret},
		"refresh_token": {token.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	resp, err := r.postForm(ctx, form)
	if err != nil {
		return Token{}, fmt.Errorf("token refresh exchange failed: %w", err)
	}

	if resp.Error != "" {
		if resp.Error == "invalid_grant" {
			return Token{}, ErrRevoked
		}
		return Token{}, fmt.Errorf("token refresh rejected: %s (%s)", resp.Error, resp.ErrorDesc)
	}

	refreshed := Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiryDate:   time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli(),
	}
	if resp.RefreshToken != "" {
		refreshed.RefreshToken = resp.RefreshToken
	}
	return refreshed, nil
}

// AuthCodeURL builds the provider's authorization URL. Offline access with
// forced consent so a refresh token is always issued.
func (r *Refresher) AuthCodeURL(state string) string {
	q := url.Values{
		"client_id":     {r.cfg.ClientID},
		"redirect_uri":  {r.cfg.RedirectURI},
		"response_type": {"code"},
		"scope":         {strings.Join(r.cfg.Scopes, " ")},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
		"state":         {state},
	}
	return r.cfg.AuthURL + "?" + q.Encode()
}

// Exchange trades an authorization code for an initial token. Invoked once
// per calendar connection by the OAuth callback.
func (r *Refresher) Exchange(ctx context.Context, code string) (Token, error) {
	form := url.Values{
		"client_id":     {r.cfg.ClientID},
		"client_secret": {r.cfg.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {r.cfg.RedirectURI},
	}

	resp, err := r.postForm(ctx, form)
	if err != nil {
		return Token{}, fmt.Errorf("authorization code exchange failed: %w", err)
	}
	if resp.Error != "" {
		return Token{}, fmt.Errorf("authorization code rejected: %s (%s)", resp.Error, resp.ErrorDesc)
	}

	return Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiryDate:   time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}

func (r *Refresher) postForm(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed token endpoint response: %w", err)
	}
	return &resp, nil
}
