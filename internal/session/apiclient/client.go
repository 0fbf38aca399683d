package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"table-session/internal/domain"
)

// Client talks to the table-api.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a new API client. token may be empty for anonymous guests.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetTableInfo returns the raw envelope data for a scan code. The payload
// shape is normalized by the resolver, not here.
func (c *Client) GetTableInfo(ctx context.Context, code string) (json.RawMessage, error) {
	data, err := c.get(ctx, "/api/v1/tables/qr/"+url.PathEscape(code))
	if err != nil {
		return nil, fmt.Errorf("client.GetTableInfo: %w", err)
	}
	return data, nil
}

// GetMenu fetches the menu of a restaurant.
func (c *Client) GetMenu(ctx context.Context, restaurantID string) (domain.Menu, error) {
	data, err := c.get(ctx, "/api/v1/restaurants/"+url.PathEscape(restaurantID)+"/menu")
	if err != nil {
		return domain.Menu{}, fmt.Errorf("client.GetMenu: %w", err)
	}
	var m domain.Menu
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Menu{}, fmt.Errorf("client.GetMenu: decode: %w", err)
	}
	return m, nil
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var env domain.Envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		if decodeErr == nil && env.Error != nil {
			httpErr.Code = env.Error.Code
			httpErr.Message = env.Error.Message
		}
		return nil, httpErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode envelope: %w", decodeErr)
	}
	if !env.Success {
		apiErr := &APIError{Code: domain.CodeInternal, Message: "request failed"}
		if env.Error != nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return nil, apiErr
	}
	return env.Data, nil
}
