// Package coordinator is the raw HTTP transport to the job coordinator.
//
// It owns authentication, the agent identity headers, the route prefix
// (including the fallback to the legacy prefix) and redaction of the
// bearer token from every error it returns.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ShayCichocki/ralph-agent/internal/logging"
	"github.com/ShayCichocki/ralph-agent/internal/version"
)

const (
	// DefaultRoutePrefix is the current coordinator route namespace.
	DefaultRoutePrefix = "/api/v1/agent"
	// DefaultLegacyRoutePrefix is tried when the current namespace 404s.
	DefaultLegacyRoutePrefix = "/api/agent"
	// DefaultRequestTimeout bounds requests that do not set their own timeout.
	DefaultRequestTimeout = 15 * time.Second

	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 4 << 10
)

// Config configures a Client.
type Config struct {
	BaseURL           string
	Token             string
	AgentID           string
	RoutePrefix       string
	LegacyRoutePrefix string
	RequestTimeout    time.Duration
	// HTTPClient overrides the underlying client (tests).
	HTTPClient *http.Client
}

// Request is one call to the coordinator.
type Request struct {
	Method string
	// Path is relative to the route prefix, e.g. "/jobs/next".
	Path  string
	Query url.Values
	// Body is JSON-encoded when non-nil.
	Body interface{}
	// Timeout overrides the client's request timeout when positive.
	Timeout time.Duration
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// redactedError keeps the wrapped chain while hiding secrets in the message.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// Client sends authenticated requests to the coordinator.
type Client struct {
	cfg      Config
	http     *http.Client
	redactor *logging.Redactor
	log      *logging.Logger

	mu         sync.Mutex
	useLegacy  bool
	warnedOnce bool
}

// New creates a coordinator client.
func New(cfg Config, log *logging.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("coordinator URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse coordinator URL: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RoutePrefix == "" {
		cfg.RoutePrefix = DefaultRoutePrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Timeouts are applied per request through the context.
		httpClient = &http.Client{}
	}

	redactor := logging.NewRedactor()
	redactor.AddSecret(cfg.Token)

	return &Client{
		cfg:      cfg,
		http:     httpClient,
		redactor: redactor,
		log:      log.Named("coordinator"),
	}, nil
}

// AgentID returns the identity sent with every request.
func (c *Client) AgentID() string {
	return c.cfg.AgentID
}

// UsingLegacyPrefix reports whether the client has switched to the legacy routes.
func (c *Client) UsingLegacyPrefix() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useLegacy
}

// Do sends req and decodes a JSON response body into out when both are
// present. It returns the HTTP status code. Non-2xx responses yield a
// *StatusError.
func (c *Client) Do(ctx context.Context, req Request, out interface{}) (int, error) {
	legacy := c.UsingLegacyPrefix()
	status, err := c.send(ctx, c.prefix(legacy), req, out)
	if status != http.StatusNotFound || legacy || c.cfg.LegacyRoutePrefix == "" {
		return status, err
	}

	status, err = c.send(ctx, c.cfg.LegacyRoutePrefix, req, out)
	if err == nil {
		c.switchToLegacy()
	}
	return status, err
}

func (c *Client) prefix(legacy bool) string {
	if legacy {
		return c.cfg.LegacyRoutePrefix
	}
	return c.cfg.RoutePrefix
}

func (c *Client) switchToLegacy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useLegacy = true
	if !c.warnedOnce {
		c.warnedOnce = true
		c.log.Warnf("coordinator does not serve %s; using deprecated routes under %s",
			c.cfg.RoutePrefix, c.cfg.LegacyRoutePrefix)
	}
}

func (c *Client) send(ctx context.Context, prefix string, req Request, out interface{}) (int, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := prefix + req.Path
	target := c.cfg.BaseURL + path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return 0, fmt.Errorf("encode %s body: %w", req.Path, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return 0, c.redact(fmt.Errorf("build request: %w", err))
	}
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.AgentID != "" {
		httpReq.Header.Set("X-Agent-ID", c.cfg.AgentID)
	}
	httpReq.Header.Set("User-Agent", version.UserAgent())
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, c.redact(fmt.Errorf("%s %s: %w", req.Method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &StatusError{
			Method:     req.Method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       c.redactor.Redact(strings.TrimSpace(string(data))),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, c.redact(fmt.Errorf("read %s response: %w", path, err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}

func (c *Client) redact(err error) error {
	return &redactedError{msg: c.redactor.Redact(err.Error()), err: err}
}

// IsUnauthorized reports whether err is a 401 or 403 response.
func IsUnauthorized(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
}

// IsServerError reports whether err is a 5xx response.
func IsServerError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 500
}

// IsConnectionRefused reports whether the coordinator refused the connection.
func IsConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// IsTimeout reports whether err is a client-side timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
