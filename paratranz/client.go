// Package paratranz talks to the Paratranz translation platform: it uploads
// group files, lists remote files and downloads translation records.
//
// Every request carries the bearer token, passes through a shared rate
// limiter, and is retried with exponential backoff on transport errors,
// 5xx responses and 429 responses (which honour Retry-After).
package paratranz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"
)

// Defaults used by NewClient.
const (
	DefaultBaseURL    = "https://paratranz.cn/api"
	DefaultTimeout    = 30 * time.Second
	DefaultRate       = 2.0
	DefaultMaxRetries = 3

	maxResponse = 512 << 20
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// AuthError means the platform rejected the token. Remote operations stop
// when they see one.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("paratranz: authentication failed (%d): %s", e.Status, e.Message)
}

// StatusError is a non-retryable error response.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("paratranz: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// TransientError means every attempt failed with a retryable error.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("paratranz: giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsAuth reports whether err is or wraps an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsStatus reports whether err is or wraps a *StatusError with the given
// HTTP status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is a Paratranz API client bound to one project. It is safe for
// concurrent use.
type Client struct {
	BaseURL   string
	ProjectID int
	Token     string
	HTTP      *http.Client
	Limiter   *rate.Limiter
	// MaxRetries bounds the attempts per request.
	MaxRetries int
	// Timeout bounds a single attempt.
	Timeout time.Duration

	minWait, maxWait time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.BaseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTP = h }
}

// WithRate sets the request rate in requests per second. Zero or less
// disables limiting.
func WithRate(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.Limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.Limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithMaxRetries sets the number of attempts per request.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.MaxRetries = n
		}
	}
}

// WithBackoff sets the retry wait bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) { c.minWait, c.maxWait = min, max }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// ValidateToken checks the credential format without contacting the
// platform.
func ValidateToken(token string) error {
	if token == "" {
		return errors.New("paratranz token is empty")
	}
	if strings.IndexFunc(token, unicode.IsSpace) >= 0 {
		return errors.New("paratranz token contains whitespace")
	}
	return nil
}

// NewClient returns a client for projectID. It fails on a malformed token
// or project id; nothing is sent over the network.
func NewClient(projectID int, token string, opts ...Option) (*Client, error) {
	if projectID <= 0 {
		return nil, fmt.Errorf("invalid paratranz project id %d", projectID)
	}
	if err := ValidateToken(token); err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyFromEnvironment

	c := &Client{
		BaseURL:    DefaultBaseURL,
		ProjectID:  projectID,
		Token:      token,
		HTTP:       &http.Client{Transport: transport},
		Limiter:    rate.NewLimiter(rate.Limit(DefaultRate), 1),
		MaxRetries: DefaultMaxRetries,
		Timeout:    DefaultTimeout,
		minWait:    time.Second,
		maxWait:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// request is one API call. Body is resent unchanged on every attempt.
type request struct {
	method      string
	path        string
	body        []byte
	contentType string
	accept      string
}

// do runs r with rate limiting and retries and returns the response body
// of the first successful attempt.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	b := &backoff.Backoff{Min: c.minWait, Max: c.maxWait, Factor: 2}
	var lastErr error

	for attempt := 1; attempt <= c.MaxRetries; attempt++ {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}

		data, wait, err := c.attempt(ctx, r, b)
		if err == nil {
			return data, nil
		}
		if wait < 0 {
			return nil, err
		}
		lastErr = err
		if attempt == c.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, &TransientError{Attempts: c.MaxRetries, Err: lastErr}
}

// attempt sends r once. A negative wait marks a final error; otherwise
// the error is retryable after wait.
func (c *Client) attempt(ctx context.Context, r request, b *backoff.Backoff) ([]byte, time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(reqCtx, r.method, c.BaseURL+r.path, body)
	if err != nil {
		return nil, -1, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.accept != "" {
		req.Header.Set("Accept", r.accept)
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, -1, ctx.Err()
		}
		return nil, b.Duration(), err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		if ctx.Err() != nil {
			return nil, -1, ctx.Err()
		}
		return nil, b.Duration(), fmt.Errorf("reading response: %w", err)
	}

	switch status := resp.StatusCode; {
	case status == http.StatusUnauthorized:
		return nil, -1, &AuthError{Status: status, Message: errorMessage(data)}
	case status == http.StatusTooManyRequests:
		wait := b.Duration()
		if ra, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			wait = ra
		}
		return nil, wait, c.statusError(r, status, data)
	case status >= 500:
		return nil, b.Duration(), c.statusError(r, status, data)
	case status >= 400:
		return nil, -1, c.statusError(r, status, data)
	}
	return data, 0, nil
}

func (c *Client) statusError(r request, status int, data []byte) *StatusError {
	return &StatusError{Method: r.method, Path: r.path, Status: status, Message: errorMessage(data)}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date.
func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// errorMessage extracts the platform's {"message": ...} or falls back to
// the start of the body.
// maxErrorText bounds the bytes of a non-JSON error body kept in errors.
const maxErrorText = 200

func errorMessage(data []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil && e.Message != "" {
		return e.Message
	}
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorText {
		cut := maxErrorText
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

func (c *Client) projectPath(format string, args ...any) string {
	return fmt.Sprintf("/projects/%d", c.ProjectID) + fmt.Sprintf(format, args...)
}

// getJSON fetches path and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	data, err := c.do(ctx, request{method: http.MethodGet, path: path})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
