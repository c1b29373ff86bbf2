// Package postmark implements provider.Client on top of Postmark's
// transactional email HTTP API.
package postmark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shineum/postmark-relay/internal/provider"
)

// DefaultBaseURL is Postmark's public API endpoint.
const DefaultBaseURL = "https://api.postmarkapp.com"

// DefaultTimeout bounds a single API request.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an undecodable response is kept.
const maxErrorBody = 1 << 10

// ErrMissingServerToken is returned when a client is built without an API key.
var ErrMissingServerToken = errors.New("postmark: server token is required")

// APIError is returned when Postmark answers with a body that cannot be
// decoded as an API response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Postmark API error (HTTP %d): %s", e.StatusCode, e.Body)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client sends messages through one Postmark server.
type Client struct {
	serverToken string
	baseURL     string
	timeout     time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// New creates a Client authenticated with serverToken.
func New(serverToken string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(serverToken) == "" {
		return nil, ErrMissingServerToken
	}

	c := &Client{
		serverToken: serverToken,
		baseURL:     DefaultBaseURL,
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}

	return c, nil
}

// NewFactory returns a provider.Factory that builds a fresh Client for every
// API key it is given.
func NewFactory(opts ...Option) provider.Factory {
	return provider.FactoryFunc(func(apiKey string) (provider.Client, error) {
		return New(apiKey, opts...)
	})
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "postmark"
}

// SendBasic posts payload to /email.
func (c *Client) SendBasic(ctx context.Context, payload *provider.BasicPayload) (*provider.Response, error) {
	return c.post(ctx, "/email", payload)
}

// SendTemplated posts payload to /email/withTemplate.
func (c *Client) SendTemplated(ctx context.Context, payload *provider.TemplatedPayload) (*provider.Response, error) {
	return c.post(ctx, "/email/withTemplate", payload)
}

// apiResponse is the body Postmark returns for both endpoints.
type apiResponse struct {
	To          string `json:"To"`
	SubmittedAt string `json:"SubmittedAt"`
	MessageID   string `json:"MessageID"`
	ErrorCode   int    `json:"ErrorCode"`
	Message     string `json:"Message"`
}

func (c *Client) post(ctx context.Context, path string, payload any) (*provider.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	c.logger.Debug("sending Postmark API request", "path", path, "bytes", len(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Postmark request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Postmark response: %w", err)
	}

	var decoded apiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if isSuccess(resp.StatusCode) {
			return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(raw)}
		}
		// Proxies and load balancers answer with HTML; keep the HTTP verdict.
		msg := strings.TrimSpace(truncate(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &provider.Response{Status: classify(resp.StatusCode, 0), Message: msg}, nil
	}

	return &provider.Response{
		Status:      classify(resp.StatusCode, decoded.ErrorCode),
		Message:     decoded.Message,
		MessageID:   decoded.MessageID,
		ErrorCode:   decoded.ErrorCode,
		SubmittedAt: decoded.SubmittedAt,
		To:          decoded.To,
	}, nil
}

// classify maps an HTTP status and Postmark error code to a provider.Status.
func classify(statusCode, errorCode int) provider.Status {
	switch {
	case isSuccess(statusCode) && errorCode == 0:
		return provider.StatusSuccess
	case statusCode >= 400 && statusCode < 500:
		return provider.StatusUserError
	case statusCode >= 500 && statusCode < 600:
		return provider.StatusServerError
	default:
		return provider.StatusUnknown
	}
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}
