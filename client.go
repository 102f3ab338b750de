package oidcx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// VerifyPath is the route of the verify endpoint.
const VerifyPath = "/api/verify-oidc"

// VerifyResponse is the success body of the verify endpoint.
type VerifyResponse struct {
	OK        bool           `json:"ok"`
	Issuer    string         `json:"issuer"`
	Audience  any            `json:"aud,omitempty"`
	Subject   string         `json:"sub"`
	Expires   int64          `json:"exp"`
	IssuedAt  int64          `json:"iat"`
	NotBefore int64          `json:"nbf,omitempty"`
	Claims    map[string]any `json:"claims"`
}

// ErrorResponse is the failure body of the verify endpoint.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// RemoteError is returned by Client when the endpoint answers with a non-200 status.
type RemoteError struct {
	StatusCode int
	Body       ErrorResponse
}

func (e *RemoteError) Error() string {
	if e.Body.Detail == "" {
		return fmt.Sprintf("verify endpoint returned %d %s", e.StatusCode, e.Body.Error)
	}
	return fmt.Sprintf("verify endpoint returned %d %s: %s", e.StatusCode, e.Body.Error, e.Body.Detail)
}

// Client calls a deployed verify endpoint with tokens from a Provider.
type Client struct {
	BaseURL  string
	Provider *Provider
	Timeout  time.Duration
}

// Verify presents a token minted for audience to the endpoint and returns its verdict.
func (c *Client) Verify(ctx context.Context, audience string) (*VerifyResponse, error) {
	if c.Provider == nil {
		return nil, errors.New("client provider is required")
	}
	ts, err := c.Provider.TokenSource(ctx, audience)
	if err != nil {
		return nil, err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: &oauth2.Transport{Source: ts, Base: http.DefaultTransport},
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + VerifyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		remote := &RemoteError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(body, &remote.Body)
		return nil, remote
	}
	var out VerifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
