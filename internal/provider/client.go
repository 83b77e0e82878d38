// Package provider implements the Scribe Cloud network client: exchanging
// an authorization code for an API credential and listing the models
// available to a linked account.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/openscribe/scribelink/internal/config"
	"github.com/openscribe/scribelink/internal/credentials"
)

const (
	// DefaultAPIBaseURL is the production Scribe Cloud API endpoint.
	DefaultAPIBaseURL = "https://api.cloud.scribe.app"

	// exchangePath receives the authorization code and PKCE verifier and
	// returns the account's API key.
	exchangePath = "/v1/oauth/exchange"
	// modelsPath lists the models available to the authenticated account.
	modelsPath = "/v1/models"
)

// APIError represents a non-2xx response from the Scribe Cloud API.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int
	// Code is the provider's machine-readable error code, if any.
	Code string
	// Description is the provider's human-readable error text, if any.
	Description string
}

// Error returns a string representation of the API error.
func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("scribe cloud api error %d (%s): %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("scribe cloud api error %d", e.StatusCode)
}

// Model describes one model available to a linked account.
type Model struct {
	// ID is the model identifier used in API requests.
	ID string
	// DisplayName is the human-readable model name.
	DisplayName string
	// Default marks the provider's recommended model.
	Default bool
}

// Client talks to the Scribe Cloud API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Scribe Cloud client. The configuration supplies an
// optional API base override and outbound proxy.
func NewClient(cfg *config.Config) *Client {
	baseURL := DefaultAPIBaseURL
	transport := &http.Transport{}
	if cfg != nil {
		if cfg.Provider.APIBaseURL != "" {
			baseURL = strings.TrimRight(cfg.Provider.APIBaseURL, "/")
		}
		if cfg.ProxyURL != "" {
			if proxyURL, err := url.Parse(cfg.ProxyURL); err != nil {
				log.Errorf("failed to parse proxy URL %q: %v", cfg.ProxyURL, err)
			} else {
				transport.Proxy = http.ProxyURL(proxyURL)
			}
		}
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
	}
}

// ExchangeCodeForKey exchanges the authorization code and PKCE verifier
// for the account's API credential. The call is not retried; the session
// controller surfaces any failure to the user.
func (c *Client) ExchangeCodeForKey(ctx context.Context, code, verifier string) (*credentials.Credential, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}
	if verifier == "" {
		return nil, fmt.Errorf("code verifier is required")
	}

	body := "{}"
	body, _ = sjson.Set(body, "grant_type", "authorization_code")
	body, _ = sjson.Set(body, "code", code)
	body, _ = sjson.Set(body, "code_verifier", verifier)

	respBody, err := c.postJSON(ctx, exchangePath, body)
	if err != nil {
		return nil, err
	}

	apiKey := gjson.GetBytes(respBody, "api_key").String()
	if apiKey == "" {
		return nil, fmt.Errorf("exchange response missing api_key")
	}

	cred := &credentials.Credential{
		APIKey:    apiKey,
		Email:     gjson.GetBytes(respBody, "account.email").String(),
		CreatedAt: time.Now().Format(time.RFC3339),
	}
	return cred, nil
}

// FetchModels lists the models available to the account identified by
// apiKey.
func (c *Client) FetchModels(ctx context.Context, apiKey string) ([]Model, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create models request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var models []Model
	gjson.GetBytes(respBody, "models").ForEach(func(_, value gjson.Result) bool {
		models = append(models, Model{
			ID:          value.Get("id").String(),
			DisplayName: value.Get("display_name").String(),
			Default:     value.Get("default").Bool(),
		})
		return true
	})
	return models, nil
}

// postJSON issues a POST with a JSON body against the given API path.
func (c *Client) postJSON(ctx context.Context, path, body string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

// do executes the request and returns the response body, converting
// non-2xx statuses into APIError values.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &APIError{
			StatusCode:  resp.StatusCode,
			Code:        gjson.GetBytes(body, "error").String(),
			Description: gjson.GetBytes(body, "error_description").String(),
		}
	}
	return body, nil
}
