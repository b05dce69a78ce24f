// Package api performs authenticated resource calls: REST, binary
// downloads, and GraphQL, all through one retry and refresh policy.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/openfit-tools/fitcloud-cli/credentials"
)

// DefaultTimeout bounds each resource call.
const DefaultTimeout = 60 * time.Second

const graphqlPath = "/graphql-gateway/graphql"

// RetryPolicy is the single retry configuration applied to both gateway
// failures (502/503/504) and transport-level connection failures. Counts
// are extra attempts beyond the first.
type RetryPolicy struct {
	GatewayRetries int
	GatewayDelay   time.Duration
	ConnectRetries int
	ConnectDelay   time.Duration
}

// DefaultRetryPolicy returns the standard policy: two delayed re-attempts
// per failure class.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		GatewayRetries: 2,
		GatewayDelay:   5 * time.Second,
		ConnectRetries: 2,
		ConnectDelay:   1 * time.Second,
	}
}

// StatusError reports a non-success HTTP response with enough of the
// body to diagnose it.
type StatusError struct {
	Code    int
	Snippet string
}

func (e *StatusError) Error() string {
	if e.Snippet == "" {
		return errors.Errorf("api: status %d", e.Code).Error()
	}
	return errors.Errorf("api: status %d: %s", e.Code, e.Snippet).Error()
}

// RefreshFunc produces a fresh session when the current one is expired
// or rejected.
type RefreshFunc func(ctx context.Context) (*credentials.Session, error)

// Client issues authenticated requests with the current session. It
// tolerates concurrent use: the session is replaced wholesale under a
// lock, and concurrent callers that observe a stale session await one
// shared refresh instead of issuing parallel exchanges.
type Client struct {
	baseURL   string
	http      *http.Client
	policy    RetryPolicy
	margin    time.Duration
	refreshFn RefreshFunc
	sleep     func(time.Duration)

	mu      sync.RWMutex
	session *credentials.Session

	refreshGroup singleflight.Group
}

// ClientOption defines a function type to modify the Client instance.
type ClientOption func(*Client)

// WithBaseURL overrides the API host (primarily for testing).
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.http.Timeout = timeout
		}
	}
}

// WithRetryPolicy replaces the retry policy.
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *Client) {
		c.policy = policy
	}
}

// WithExpiryMargin sets the proactive freshness margin.
func WithExpiryMargin(margin time.Duration) ClientOption {
	return func(c *Client) {
		c.margin = margin
	}
}

// WithSleepFunc sets the delay function between retries (primarily for
// testing).
func WithSleepFunc(sleep func(time.Duration)) ClientOption {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// NewClient creates a Client over an initial session. refreshFn is
// invoked (single-flight) whenever the session is stale or a request
// comes back 401.
func NewClient(session *credentials.Session, refreshFn RefreshFunc, options ...ClientOption) *Client {
	c := &Client{
		http:      &http.Client{Timeout: DefaultTimeout},
		policy:    DefaultRetryPolicy(),
		margin:    credentials.DefaultExpiryMargin,
		refreshFn: refreshFn,
		session:   session,
		sleep:     time.Sleep,
	}
	if session != nil {
		c.baseURL = "https://connectapi." + session.Domain
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Session returns the current session.
func (c *Client) Session() *credentials.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Token implements oauth2.TokenSource over the managed session.
func (c *Client) Token() (*oauth2.Token, error) {
	if err := c.ensureFresh(context.Background()); err != nil {
		return nil, err
	}
	return c.Session().Token(), nil
}

// Request performs a JSON API call. A 204 response yields empty bytes.
func (c *Client) Request(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	return c.do(ctx, method, c.baseURL+path, "application/json", body)
}

// Download fetches a binary resource with the same retry and refresh
// policy, returning the raw bytes.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.baseURL+path, "", nil)
}

// GraphQL posts a query/variables envelope to the fixed GraphQL
// endpoint.
func (c *Client) GraphQL(ctx context.Context, query string, variables map[string]any) ([]byte, error) {
	envelope, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return nil, errors.Wrap(err, "api: encoding GraphQL envelope")
	}
	return c.do(ctx, http.MethodPost, c.baseURL+graphqlPath, "application/json", envelope)
}

func (c *Client) do(ctx context.Context, method, target, contentType string, body []byte) ([]byte, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}

	gatewayLeft := c.policy.GatewayRetries
	connectLeft := c.policy.ConnectRetries
	refreshed := false

	for {
		resp, err := c.send(ctx, method, target, contentType, body)
		if err != nil {
			if isTransient(err) && connectLeft > 0 {
				connectLeft--
				log.Debug().Err(err).Str("url", target).Msg("Transient transport failure, retrying")
				c.sleep(c.policy.ConnectDelay)
				continue
			}
			return nil, err
		}

		payload, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		// A connection dropped mid-body is the same failure class as one
		// dropped before the response; it draws on the same retry budget.
		if readErr != nil && isTransient(readErr) && connectLeft > 0 {
			connectLeft--
			log.Debug().Err(readErr).Str("url", target).Msg("Transient transport failure, retrying")
			c.sleep(c.policy.ConnectDelay)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed {
				return nil, &StatusError{Code: resp.StatusCode, Snippet: snippet(payload)}
			}
			refreshed = true
			if err := c.refresh(ctx); err != nil {
				return nil, err
			}
			continue
		case resp.StatusCode == http.StatusBadGateway,
			resp.StatusCode == http.StatusServiceUnavailable,
			resp.StatusCode == http.StatusGatewayTimeout:
			if gatewayLeft > 0 {
				gatewayLeft--
				log.Debug().Int("status", resp.StatusCode).Str("url", target).Msg("Gateway failure, retrying")
				c.sleep(c.policy.GatewayDelay)
				continue
			}
			return nil, &StatusError{Code: resp.StatusCode, Snippet: snippet(payload)}
		case resp.StatusCode == http.StatusNoContent:
			return []byte{}, nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				return nil, errors.Wrap(readErr, "api: reading response")
			}
			return payload, nil
		default:
			return nil, &StatusError{Code: resp.StatusCode, Snippet: snippet(payload)}
		}
	}
}

func (c *Client) send(ctx context.Context, method, target, contentType string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.Wrap(err, "api: building request")
	}
	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	session := c.Session()
	if session == nil || session.OAuth2 == nil {
		return nil, errors.New("api: no session")
	}
	req.Header.Set("Authorization", "Bearer "+session.OAuth2.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "api: request failed")
	}
	return resp, nil
}

// ensureFresh refreshes proactively when the bearer credential is within
// margin of expiry, so requests rarely race a mid-flight expiry.
func (c *Client) ensureFresh(ctx context.Context) error {
	session := c.Session()
	if session != nil && session.Fresh(c.margin) {
		return nil
	}
	return c.refresh(ctx)
}

// refresh runs the shared single-flight refresh. Concurrent callers that
// all observe a stale session await the same underlying exchange; in
// some backends parallel exchanges invalidate each other's refresh
// tokens.
func (c *Client) refresh(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		if c.refreshFn == nil {
			return nil, errors.New("api: no refresh function configured")
		}
		session, err := c.refreshFn(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.session = session
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// isTransient reports connection-level failures worth re-attempting:
// resets, timeouts, and aborted connections. Anything else propagates
// immediately.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func snippet(body []byte) string {
	const max = 200
	s := string(bytes.TrimSpace(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
