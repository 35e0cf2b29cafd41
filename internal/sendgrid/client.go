package sendgrid

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

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the root of the SendGrid HTTP API.
const DefaultBaseURL = "https://api.sendgrid.com/"

// maxResponseBody caps how much of a response body is read.
const maxResponseBody = 8 << 20

// KeyStatus is the outcome of an API key scope check.
type KeyStatus string

const (
	KeyValid    KeyStatus = "valid"
	KeyInvalid  KeyStatus = "invalid_key"
	KeyNoScopes KeyStatus = "no_scopes"
)

// Client calls the SendGrid v3 API. The API key is passed per call because
// it is a setting that can change between requests.
type Client struct {
	baseURL    string
	httpClient *http.Client
	scopes     *scopeCache
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root, used for testing.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		c.baseURL = u
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithScopeTTL sets how long scope lookups are cached. Zero disables caching.
func WithScopeTTL(ttl time.Duration) Option {
	return func(c *Client) { c.scopes = newScopeCache(ttl) }
}

// NewClient creates a Client for the public SendGrid API.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		scopes:     newScopeCache(defaultScopeTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scopes returns the permissions granted to key.
func (c *Client) Scopes(ctx context.Context, key string) ([]string, error) {
	if scopes, ok := c.scopes.get(key); ok {
		return scopes, nil
	}

	status, body, err := c.do(ctx, key, http.MethodGet, "v3/scopes", nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{StatusCode: status, Body: string(body)}
	}

	var resp scopesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse scopes response: %w", err)
	}
	var failure errorResponse
	_ = json.Unmarshal(body, &failure)
	if failure.failed() || resp.Scopes == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, string(body))
	}

	c.scopes.put(key, resp.Scopes)
	return resp.Scopes, nil
}

// CheckAPIKey reports whether key is usable for sending and statistics.
func (c *Client) CheckAPIKey(ctx context.Context, key string) KeyStatus {
	return c.checkScopes(ctx, key, RequiredScopes)
}

// CheckUnsubscribeScope reports whether key may read suppression groups.
func (c *Client) CheckUnsubscribeScope(ctx context.Context, key string) KeyStatus {
	return c.checkScopes(ctx, key, UnsubscribeScopes)
}

func (c *Client) checkScopes(ctx context.Context, key string, required []string) KeyStatus {
	granted, err := c.Scopes(ctx, key)
	if err != nil {
		return KeyInvalid
	}
	if !hasScopes(granted, required) {
		return KeyNoScopes
	}
	return KeyValid
}

// ForgetScopes drops any cached scope lookup for key.
func (c *Client) ForgetScopes(key string) {
	c.scopes.forget(key)
}

// TemplateExists reports whether a transactional template with id exists.
// Error responses report false with a nil error; only transport faults
// return an error.
func (c *Client) TemplateExists(ctx context.Context, key, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.TrimSpace(key) == "" {
		return false, nil
	}

	status, body, err := c.do(ctx, key, http.MethodGet, "v3/templates/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, nil
	}
	var failure errorResponse
	if err := json.Unmarshal(body, &failure); err == nil && failure.failed() {
		return false, nil
	}
	return true, nil
}

// ASMGroups lists the suppression groups of the account. The key must carry
// the unsubscribe scope.
func (c *Client) ASMGroups(ctx context.Context, key string) ([]ASMGroup, error) {
	switch c.CheckUnsubscribeScope(ctx, key) {
	case KeyValid:
	case KeyNoScopes:
		return nil, ErrMissingScope
	default:
		return nil, ErrInvalidKey
	}

	status, body, err := c.do(ctx, key, http.MethodGet, "v3/asm/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{StatusCode: status, Body: string(body)}
	}

	var groups []ASMGroup
	if err := json.Unmarshal(body, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse asm groups response: %w", err)
	}
	return groups, nil
}

// CategoryStats returns the daily statistics of category between start and
// end, both formatted YYYY-MM-DD.
func (c *Client) CategoryStats(ctx context.Context, key, category, start, end string) ([]StatsEntry, error) {
	query := url.Values{
		"start_date": {start},
		"end_date":   {end},
		"categories": {category},
	}

	status, body, err := c.do(ctx, key, http.MethodGet, "v3/categories/stats", query, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{StatusCode: status, Body: string(body)}
	}

	var entries []StatsEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse stats response: %w", err)
	}
	return entries, nil
}

// Send submits env to /v3/mail/send. Only 202 Accepted counts as success;
// any other status returns an *APIError carrying the response body.
func (c *Client) Send(ctx context.Context, key string, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	status, body, err := c.do(ctx, key, http.MethodPost, "v3/mail/send", nil, payload)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return &APIError{StatusCode: status, Body: string(body)}
	}
	return nil
}

// do performs one bearer-authorized request and returns status and body.
func (c *Client) do(ctx context.Context, key, method, path string, query url.Values, payload []byte) (int, []byte, error) {
	if strings.TrimSpace(key) == "" {
		return 0, nil, ErrMissingAPIKey
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.authorized(ctx, key).Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// authorized wraps the configured HTTP client so every request carries
// "Authorization: Bearer <key>".
func (c *Client) authorized(ctx context.Context, key string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: key}))
}
