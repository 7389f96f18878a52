// Package gmail wraps the Gmail REST API: an authenticated service per
// user with token refresh under a per-user mutex, the message sender
// with threading headers, and the sent-folder rewrite.
package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/dropocol/coldjot/internal/models"
	"github.com/dropocol/coldjot/internal/pkg/httpretry"
	"github.com/dropocol/coldjot/internal/store"
)

// ErrTokenExpired is surfaced when Gmail rejects credentials after a
// forced refresh. Callers mark the job failed and flag sequence health.
var ErrTokenExpired = errors.New("gmail: token expired")

const tokenEndpoint = "https://oauth2.googleapis.com/token"

// refreshSkew refreshes tokens this close to expiry.
const refreshSkew = 60 * time.Second

// Factory hands out authenticated Gmail services. Token state is
// per-user and mutated only here, under a per-user mutex.
type Factory struct {
	store        *store.Store
	clientID     string
	clientSecret string
	timeout      time.Duration

	tokenURL string
	http     httpretry.Doer

	mu    sync.Mutex
	users map[uuid.UUID]*sync.Mutex
}

// NewFactory creates a factory with the single-retry HTTP policy for
// Gmail calls and a 3-retry policy for token refreshes.
func NewFactory(st *store.Store, clientID, clientSecret string, timeout time.Duration) *Factory {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Factory{
		store:        st,
		clientID:     clientID,
		clientSecret: clientSecret,
		timeout:      timeout,
		tokenURL:     tokenEndpoint,
		http:         httpretry.New(&http.Client{Timeout: timeout}, 3),
		users:        make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetTokenURL overrides the OAuth token endpoint. Tests point it at a
// local server.
func (f *Factory) SetTokenURL(u string) { f.tokenURL = u }

// SetHTTPDoer overrides the refresh HTTP client.
func (f *Factory) SetHTTPDoer(d httpretry.Doer) { f.http = d }

func (f *Factory) userLock(userID uuid.UUID) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[userID]; !ok {
		f.users[userID] = &sync.Mutex{}
	}
	return f.users[userID]
}

// Service returns an authenticated Gmail service for the user,
// refreshing the stored access token when it is within 60s of expiry.
func (f *Factory) Service(ctx context.Context, userID uuid.UUID) (*gmailapi.Service, *models.OAuthAccount, error) {
	acct, err := f.Refresh(ctx, userID, false)
	if err != nil {
		return nil, nil, err
	}

	token := &oauth2.Token{
		AccessToken: acct.AccessToken,
		TokenType:   "Bearer",
		Expiry:      acct.Expiry,
	}
	httpClient := &http.Client{
		Timeout: f.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(token),
		},
	}

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, acct, nil
}

// Refresh loads the user's OAuth record and refreshes the access token
// when stale (or unconditionally when force is set), persisting the new
// token. The per-user mutex keeps concurrent refreshes from racing.
func (f *Factory) Refresh(ctx context.Context, userID uuid.UUID, force bool) (*models.OAuthAccount, error) {
	lock := f.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := f.store.GetOAuthAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load oauth account: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("no oauth account for user %s", userID)
	}

	if !force && time.Until(acct.Expiry) > refreshSkew {
		return acct, nil
	}

	accessToken, expiry, err := f.refreshToken(ctx, acct.RefreshToken)
	if err != nil {
		return nil, err
	}
	if err := f.store.UpdateOAuthToken(ctx, userID, accessToken, expiry); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	acct.AccessToken = accessToken
	acct.Expiry = expiry
	log.Printf("[Gmail] refreshed token for user %s (expires %s)", userID, expiry.Format(time.RFC3339))
	return acct, nil
}

func (f *Factory) refreshToken(ctx context.Context, refreshToken string) (string, time.Time, error) {
	form := url.Values{
		"client_id":     {f.clientID},
		"client_secret": {f.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.http.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return "", time.Time{}, ErrTokenExpired
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("token refresh: status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, fmt.Errorf("token refresh decode: %w", err)
	}
	if body.AccessToken == "" {
		return "", time.Time{}, ErrTokenExpired
	}
	return body.AccessToken, time.Now().Add(time.Duration(body.ExpiresIn) * time.Second), nil
}
