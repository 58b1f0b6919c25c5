// Package api implements the authenticated request pipeline. Every REST
// collaborator (users, files, memories, billing, admin) goes through the
// single Do choke point, which is why credential renewal only has to live in
// one place.
package api

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

	"github.com/google/uuid"

	"github.com/viaiv/console/internal/auth"
	"github.com/viaiv/console/internal/logging"
)

// maxResponseSize limits response body reads to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// tokenPath is the identity endpoint, relative to the API base URL.
const tokenPath = "/auth/token"

// Response is the outcome of an authenticated request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// OK reports whether the response carries a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Client attaches the current access credential to every outgoing request
// and transparently renews the pair once on an authorization failure.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      *auth.Store
	emitter    *auth.LogoutEmitter
	refresher  *auth.Refresher
}

// NewClient creates the pipeline. The renewal coordinator is wired to this
// client's own identity-endpoint call.
func NewClient(baseURL string, timeout time.Duration, store *auth.Store, emitter *auth.LogoutEmitter) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		store:      store,
		emitter:    emitter,
	}
	c.refresher = auth.NewRefresher(store, emitter, c.renewTokens)
	return c
}

// Refresher exposes the renewal coordinator for callers that want to renew
// eagerly instead of waiting for the next 401.
func (c *Client) Refresher() *auth.Refresher { return c.refresher }

// Do sends one authenticated request. On a 401 it renews the credential pair
// through the single-flight coordinator and resends the request exactly
// once; the second response is surfaced unmodified. A 401 whose request went
// out with a token the store no longer holds is resent with the current pair
// instead of renewing again. If no refresh credential exists the request
// fails fast without a renewal attempt.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}, params url.Values) (*Response, error) {
	creds, _ := c.store.Credentials()

	resp, err := c.send(ctx, method, path, body, params, creds.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized {
		logging.LogRequest(method, path, resp.Status, false)
		return resp, nil
	}

	current, ok := c.store.Credentials()
	if ok && current.AccessToken != "" && current.AccessToken != creds.AccessToken {
		// The pair was replaced while this 401 was in flight: another
		// request's episode already renewed. Resend with the current token
		// rather than starting a second renewal, which would burn a rotating
		// refresh token for nothing.
		retried, err := c.send(ctx, method, path, body, params, current.AccessToken)
		if err != nil {
			return nil, err
		}
		logging.LogRequest(method, path, retried.Status, true)
		return retried, nil
	}
	if !ok || current.RefreshToken == "" {
		// Fail fast: renewing is impossible, so retrying would loop.
		c.store.Clear()
		c.emitter.Notify(auth.ReasonMissingRefresh)
		return nil, auth.NewError(auth.CodeMissingRefresh, nil)
	}

	fresh, err := c.refresher.EnsureFreshCredentials(ctx)
	if err != nil {
		return nil, err
	}

	retried, err := c.send(ctx, method, path, body, params, fresh.AccessToken)
	if err != nil {
		return nil, err
	}
	logging.LogRequest(method, path, retried.Status, true)
	return retried, nil
}

// send performs a single HTTP round trip with the given access credential.
func (c *Client) send(ctx context.Context, method, path string, body interface{}, params url.Values, accessToken string) (*Response, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// tokenResponse is the identity endpoint's renewal response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// renewTokens makes one renewal call against the identity endpoint. The
// response may omit refresh_token, in which case the existing one is kept so
// the pair stays complete.
func (c *Client) renewTokens(ctx context.Context, refreshToken string) (auth.Credentials, error) {
	payload := map[string]string{"refresh_token": refreshToken}
	data, err := json.Marshal(payload)
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, bytes.NewReader(data))
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return auth.Credentials{}, fmt.Errorf("token request failed (%d): %s", resp.StatusCode, string(body))
	}

	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return auth.Credentials{}, fmt.Errorf("failed to parse tokens: %w", err)
	}
	if tokens.AccessToken == "" {
		return auth.Credentials{}, fmt.Errorf("token response missing access_token")
	}

	renewed := auth.Credentials{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}
	if renewed.RefreshToken == "" {
		renewed.RefreshToken = refreshToken
	}
	if tokens.ExpiresIn > 0 {
		renewed.ExpiresAt = time.Now().Unix() + int64(tokens.ExpiresIn)
	}
	return renewed, nil
}
