// Package api is the REST client of the clinic backend: authentication,
// message history, threads and message sending.
package api

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

	"github.com/google/uuid"

	"github.com/codefionn/clinicchat/internal/logger"
	"github.com/codefionn/clinicchat/internal/session"
)

const defaultTimeout = 30 * time.Second

// TokenSource yields the credential authenticating requests.
type TokenSource interface {
	Current() *session.Credential
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	tokens  TokenSource
	log     *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout bounds every request. A client given through WithHTTPClient is
// copied, not modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a client for baseURL. A nil token source means requests go
// out unauthenticated until SetTokenSource is called.
func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse api base: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api base %q: scheme must be http or https", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: defaultTimeout},
		tokens: tokens,
		log:    logger.Global().WithPrefix("api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 && c.http.Timeout != c.timeout {
		h := *c.http
		h.Timeout = c.timeout
		c.http = &h
	}
	return c, nil
}

// SetTokenSource replaces the token source. Call it before the client is
// shared.
func (c *Client) SetTokenSource(tokens TokenSource) { c.tokens = tokens }

// APIError is a non-2xx answer. Detail carries the backend's message.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Detail)
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// auth selects the bearer token of a request.
type auth struct {
	token    string
	required bool
}

var noAuth = auth{}

func (c *Client) currentAuth() auth {
	var token string
	if c.tokens != nil {
		token = c.tokens.Current().Token()
	}
	return auth{token: token, required: true}
}

func bearer(token string) auth { return auth{token: token, required: true} }

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, a auth, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, a, out)
}

func (c *Client) doForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, noAuth, out)
}

func (c *Client) do(req *http.Request, a auth, out any) error {
	if a.required {
		if a.token == "" {
			return session.ErrUnauthenticated
		}
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	id := uuid.NewString()
	req.Header.Set("X-Request-ID", id)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	c.log.Debug("%s %s -> %d in %s (request %s)", req.Method, req.URL.Path, resp.StatusCode, time.Since(started).Round(time.Millisecond), id)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// decodeAPIError reads FastAPI style bodies: {"detail": "..."} or a list of
// validation errors under detail.
func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &payload); err == nil && len(payload.Detail) > 0 {
		var text string
		if json.Unmarshal(payload.Detail, &text) == nil {
			return &APIError{StatusCode: resp.StatusCode, Detail: text}
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(payload.Detail, &items) == nil && len(items) > 0 {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				msgs = append(msgs, it.Msg)
			}
			return &APIError{StatusCode: resp.StatusCode, Detail: strings.Join(msgs, "; ")}
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: resp.Status}
}
