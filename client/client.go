// Package client talks to the Canton platform's priority-token API. Issuance
// is query-first: the token list is consulted before any create call, so a
// label maps to at most one usable token.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	canton "github.com/0xsend/canton-gateway"
	"github.com/0xsend/canton-gateway/config"
)

// TokenSource supplies bearer credentials for the platform API. *auth.Manager
// satisfies it; tests substitute a stub.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Client issues priority tokens and builds invite links.
type Client struct {
	apiURL       string
	inviteDomain string
	createdBy    string
	maxUses      int
	ttlHours     int

	credentials TokenSource
	httpClient  *http.Client
	log         *zap.Logger
	now         func() time.Time
}

// New builds a gateway client. httpClient may be nil, in which case a client
// with a 30s timeout is used.
func New(cfg config.Config, credentials TokenSource, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		apiURL:       strings.TrimRight(cfg.APIURL, "/"),
		inviteDomain: cfg.InviteDomain,
		createdBy:    cfg.PriorityToken.CreatedBy,
		maxUses:      cfg.PriorityToken.MaxUses,
		ttlHours:     cfg.PriorityToken.TTLHours,
		credentials:  credentials,
		httpClient:   httpClient,
		log:          log.Named("canton.client"),
		now:          time.Now,
	}
}

// EnsureToken returns the usable priority token for label, creating one only
// when the list holds no usable match. Labels are case-sensitive. The list
// call is strictly ordered before any create call.
func (c *Client) EnsureToken(ctx context.Context, label string, metadata map[string]any) (canton.EnsureResult, error) {
	existing, err := c.listPriorityTokens(ctx)
	if err != nil {
		return canton.EnsureResult{}, err
	}

	for _, t := range existing {
		if t.Label == label && t.Usable() {
			c.log.Debug("reusing priority token", zap.String("label", label))
			return canton.EnsureResult{Token: t.Token, IsNew: false}, nil
		}
	}

	req := canton.CreatePriorityTokenRequest{
		Label:     label,
		CreatedBy: c.createdBy,
		MaxUses:   c.maxUses,
		Metadata:  map[string]any{"source": "send-app"},
	}
	for k, v := range metadata {
		req.Metadata[k] = v
	}
	if c.ttlHours > 0 {
		expiresAt := c.now().Add(time.Duration(c.ttlHours) * time.Hour).UnixMilli()
		req.ExpiresAt = &expiresAt
	}

	created, err := c.createPriorityToken(ctx, req)
	if err != nil {
		return canton.EnsureResult{}, err
	}

	c.log.Debug("created priority token", zap.String("label", label))
	return canton.EnsureResult{Token: created.Token, IsNew: true}, nil
}

// InviteLink builds the onboarding URL for a priority token. Mobile clients
// only open https links, so the scheme is fixed.
func (c *Client) InviteLink(token string) string {
	u := url.URL{
		Scheme: "https",
		Host:   c.inviteDomain,
		Path:   "/auth/create-account",
	}
	q := url.Values{}
	q.Set("priorityToken", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) listPriorityTokens(ctx context.Context) ([]canton.PriorityToken, error) {
	body, err := c.doAuthenticated(ctx, http.MethodGet, c.apiURL+"/queue/admin/priority-tokens", nil)
	if err != nil {
		return nil, err
	}

	var list canton.PriorityTokenList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, canton.Errorf(canton.ErrCodeInvalidResponse, "decode priority token list: %v", err)
	}
	// An empty array is a valid "no tokens yet"; a missing array is not.
	if list.Tokens == nil {
		return nil, canton.NewGatewayError(canton.ErrCodeInvalidResponse,
			"invalid priority tokens list response: missing or invalid tokens array")
	}
	return list.Tokens, nil
}

func (c *Client) createPriorityToken(ctx context.Context, req canton.CreatePriorityTokenRequest) (canton.PriorityToken, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return canton.PriorityToken{}, fmt.Errorf("marshal create request: %w", err)
	}

	body, err := c.doAuthenticated(ctx, http.MethodPost, c.apiURL+"/queue/admin/priority-tokens", payload)
	if err != nil {
		return canton.PriorityToken{}, err
	}

	var created canton.PriorityToken
	if err := json.Unmarshal(body, &created); err != nil {
		return canton.PriorityToken{}, canton.Errorf(canton.ErrCodeInvalidResponse, "decode priority token: %v", err)
	}
	if created.Token == "" {
		return canton.PriorityToken{}, canton.NewGatewayError(canton.ErrCodeInvalidResponse,
			"invalid priority token response: missing or invalid token field")
	}
	return created, nil
}

// doAuthenticated attaches the bearer credential and retries exactly once on
// 401 after a forced refresh. The second response's outcome is final; no
// other status triggers a retry.
func (c *Client) doAuthenticated(ctx context.Context, method, rawURL string, payload []byte) ([]byte, error) {
	token, err := c.credentials.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, body, err := c.attempt(ctx, method, rawURL, payload, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.log.Debug("got 401, refreshing credential", zap.String("url", rawURL))
		token, err = c.credentials.ForceRefresh(ctx)
		if err != nil {
			return nil, err
		}
		resp, body, err = c.attempt(ctx, method, rawURL, payload, token)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, canton.Errorf(canton.ErrCodeUpstream,
			"canton api error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return body, nil
}

func (c *Client) attempt(ctx context.Context, method, rawURL string, payload []byte, token string) (*http.Response, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, canton.Errorf(canton.ErrCodeUpstream, "canton api request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, canton.Errorf(canton.ErrCodeUpstream, "read canton api response: %v", err)
	}
	return resp, body, nil
}
