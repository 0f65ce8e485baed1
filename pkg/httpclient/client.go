package httpclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// TokenSource supplies access tokens for requests made through the
// OAuth-refresh verbs. Implementations own expiry tracking and refresh; the
// client only asks for a token that is valid right now.
type TokenSource interface {
	// AccessToken returns the token type (usually "Bearer") and a currently
	// valid access token for the named credential within the workflow.
	AccessToken(ctx context.Context, workflowID uuid.UUID, credential string) (tokenType, token string, err error)
}

// HostChecker approves outbound hosts before a request leaves the process.
// It exists so egress policy can veto destinations without this package
// knowing what the policy is.
type HostChecker interface {
	// CheckHost returns an error when requests to the host are not allowed.
	CheckHost(host string) error
}

// Client performs outbound JSON-oriented HTTP requests with retries,
// sanitized request logging, and optional OAuth credential injection.
// Construct it with New; the zero value is not usable.
type Client struct {
	hc     *http.Client
	tokens TokenSource
	hosts  HostChecker
}

// New creates a Client with the given configuration. The underlying
// transport stack provides:
//   - Retry logic with exponential backoff (configurable)
//   - Request logging with sanitized URLs
//   - User-Agent header injection
//   - Correlation ID propagation
//   - TLS 1.2 minimum, TLS 1.3 preferred
//   - Connection pooling with sensible defaults
//
// Returns an error if the configuration is invalid.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Base transport with TLS and connection pooling.
	baseTransport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		},

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	// Layer 1: logging transport. Logs requests, sets User-Agent, injects
	// the correlation ID.
	loggingTrans := newLoggingTransport(baseTransport, cfg.UserAgent)

	// Layer 2: retry transport, only when retries are enabled.
	var finalTransport http.RoundTripper = loggingTrans
	if cfg.RetryAttempts > 0 {
		finalTransport = newRetryTransport(loggingTrans, cfg)
	}

	return &Client{
		hc: &http.Client{
			Transport: finalTransport,
			Timeout:   cfg.Timeout,
		},
	}, nil
}

// WithTokenSource sets the token source backing the OAuth-refresh verbs.
func (c *Client) WithTokenSource(ts TokenSource) *Client {
	c.tokens = ts
	return c
}

// WithHostChecker sets the egress policy consulted before each request.
func (c *Client) WithHostChecker(hc HostChecker) *Client {
	c.hosts = hc
	return c
}

// HTTPClient exposes the underlying *http.Client so callers with their own
// request shapes (LLM providers, the mail gateway) share the same transport
// stack.
func (c *Client) HTTPClient() *http.Client {
	return c.hc
}
