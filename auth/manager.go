// Package auth manages the machine-to-machine bearer credential for the
// Canton platform API, obtained through an OAuth2 client-credentials grant
// against Keycloak.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	canton "github.com/0xsend/canton-gateway"
	"github.com/0xsend/canton-gateway/config"
)

// flightKey is the single coalescing key: at most one token exchange is in
// flight process-wide, and every concurrent caller joins it.
const flightKey = "token"

// credential is the cached bearer token. Replaced wholesale on refresh,
// never mutated in place.
type credential struct {
	accessToken string
	// refreshDue is expiry minus the configured buffer; the token is still
	// accepted upstream past this instant but we stop handing it out.
	refreshDue time.Time
}

// Manager provides a valid bearer credential to concurrent callers while
// bounding the number of in-flight exchanges to one.
type Manager struct {
	tokenURL      string
	clientID      string
	clientSecret  string
	refreshBuffer time.Duration

	httpClient *http.Client
	log        *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	cached *credential
	flight singleflight.Group
}

// NewManager builds a credential manager from the gateway configuration.
// httpClient may be nil, in which case a client with a 30s timeout is used.
func NewManager(cfg config.Config, httpClient *http.Client, log *zap.Logger) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		tokenURL: fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token",
			strings.TrimRight(cfg.Keycloak.URL, "/"), cfg.Keycloak.Realm),
		clientID:      cfg.Keycloak.ClientID,
		clientSecret:  cfg.Keycloak.ClientSecret,
		refreshBuffer: time.Duration(cfg.TokenRefreshBufferSeconds) * time.Second,
		httpClient:    httpClient,
		log:           log.Named("canton.auth"),
		now:           time.Now,
	}
}

// Token returns the cached credential when it is not yet due for refresh,
// otherwise performs an exchange. Concurrent callers observing a cold or due
// cache all resolve to the outcome of a single exchange.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if c := m.cached; c != nil && m.now().Before(c.refreshDue) {
		m.mu.Unlock()
		m.log.Debug("credential cache hit")
		return c.accessToken, nil
	}
	m.mu.Unlock()

	return m.exchange(ctx)
}

// ForceRefresh discards any cached credential and performs an exchange. An
// exchange already in flight is joined rather than duplicated.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.ClearCache()
	return m.exchange(ctx)
}

// ClearCache drops the cached credential without fetching a replacement.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

// exchange runs the client-credentials grant, coalesced through a
// singleflight group. A failed exchange rejects every waiter and leaves no
// in-flight marker behind, so the next call starts fresh.
func (m *Manager) exchange(ctx context.Context) (string, error) {
	token, err, _ := m.flight.Do(flightKey, func() (any, error) {
		return m.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   float64 `json:"expires_in"`
}

func (m *Manager) fetchToken(ctx context.Context) (string, error) {
	m.log.Debug("fetching credential", zap.String("token_url", m.tokenURL))

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", canton.Errorf(canton.ErrCodeUpstream, "token exchange failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", canton.Errorf(canton.ErrCodeUpstream, "read token response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", canton.Errorf(canton.ErrCodeUpstream,
			"failed to fetch canton token: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", canton.Errorf(canton.ErrCodeInvalidResponse, "decode token response: %v", err)
	}
	if tr.AccessToken == "" {
		return "", canton.NewGatewayError(canton.ErrCodeInvalidResponse, "invalid token response: missing access_token")
	}
	if tr.ExpiresIn <= 0 {
		return "", canton.NewGatewayError(canton.ErrCodeInvalidResponse, "invalid token response: missing or invalid expires_in")
	}

	lifetime := time.Duration(tr.ExpiresIn * float64(time.Second))
	// A refreshDue at or before now is not an error: the credential is simply
	// due again on the next read.
	refreshDue := m.now().Add(lifetime - m.refreshBuffer)

	m.mu.Lock()
	m.cached = &credential{accessToken: tr.AccessToken, refreshDue: refreshDue}
	m.mu.Unlock()

	m.log.Debug("credential refreshed", zap.Time("refresh_due", refreshDue))
	return tr.AccessToken, nil
}
