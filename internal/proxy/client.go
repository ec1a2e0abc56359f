package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"switchboard/internal/resilience"
)

// Client is a minimal client for a running instance's HTTP surface. It is safe for
// concurrent use once configured. BearerToken is sent when Tokens is nil; Timeout
// bounds each request, including reading the response.
type Client struct {
	BaseURL     string
	BearerToken string
	Tokens      TokenSource
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		Timeout:    30 * time.Second,
	}
}

// APIError wraps non-2xx responses that do not carry the tool envelope.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ToolError is a failed tool call as reported by the peer.
type ToolError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *ToolError) Error() string { return e.Message }

// ErrorKind and ErrorDetails carry the peer's classification through unchanged.
func (e *ToolError) ErrorKind() string            { return e.Code }
func (e *ToolError) ErrorDetails() map[string]any { return e.Details }

type toolEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

// Call invokes op on the peer. args is sent verbatim as the "arguments" member; nil
// sends none. The peer's result is returned undecoded.
func (c *Client) Call(ctx context.Context, op string, args json.RawMessage) (json.RawMessage, error) {
	body := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(args)) > 0 {
		body["arguments"] = args
	}
	var env toolEnvelope
	err := c.do(ctx, http.MethodPost, "tools/"+url.PathEscape(op), body, &env)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if jsonErr := json.Unmarshal([]byte(apiErr.Body), &env); jsonErr == nil && env.Error != nil {
			return nil, &ToolError{
				StatusCode: apiErr.StatusCode,
				Code:       env.Error.Code,
				Message:    env.Error.Message,
				Details:    env.Error.Details,
			}
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("call %s: peer reported failure without error body", op)
	}
	return env.Result, nil
}

// Tools lists the peer's operation catalog.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var resp struct {
		Tools []Tool `json:"tools"`
	}
	err := c.do(ctx, http.MethodGet, "tools", nil, &resp)
	return resp.Tools, err
}

// Ready fetches /readyz. A 503 is not an error: the status is returned as reported.
func (c *Client) Ready(ctx context.Context) (resilience.ReadyStatus, error) {
	var st resilience.ReadyStatus
	err := c.do(ctx, http.MethodGet, "readyz", nil, &st)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		if jsonErr := json.Unmarshal([]byte(apiErr.Body), &st); jsonErr == nil {
			return st, nil
		}
	}
	return st, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	token, err := c.token()
	if err != nil {
		return fmt.Errorf("bearer token: %w", err)
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) token() (string, error) {
	if c.Tokens != nil {
		return c.Tokens.Token()
	}
	return c.BearerToken, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
