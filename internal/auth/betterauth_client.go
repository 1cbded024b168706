package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider represents OAuth providers
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

var (
	// ErrNoLinkedAccount means the user never connected the provider or
	// disconnected it.
	ErrNoLinkedAccount = errors.New("no linked account")
	// ErrMissingRefreshToken means the stored grant cannot be refreshed.
	ErrMissingRefreshToken = errors.New("missing refresh token")
)

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// BetterAuthClient fetches the OAuth tokens BetterAuth stores for linked
// accounts. It authenticates as a service, so syncs can run without a user
// request in flight.
type BetterAuthClient struct {
	baseURL      string
	serviceToken string
	client       *http.Client
}

// NewBetterAuthClient creates client to fetch tokens from BetterAuth
func NewBetterAuthClient(authServerURL, serviceToken string) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL:      strings.TrimRight(authServerURL, "/"),
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the current OAuth token of userID's provider account.
// BetterAuth owns storage and refresh of the grant.
func (c *BetterAuthClient) GetToken(ctx context.Context, userID string, provider Provider) (*Token, error) {
	endpoint := fmt.Sprintf("%s/api/internal/users/%s/accounts/%s/token",
		c.baseURL, url.PathEscape(userID), url.PathEscape(string(provider)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNoLinkedAccount, provider)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" && result.RefreshToken == "" {
		return nil, fmt.Errorf("%w: %s grant is empty", ErrNoLinkedAccount, provider)
	}

	tok := &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}
