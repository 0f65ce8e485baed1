// Package httpclient provides the outbound HTTP client used for workflow
// actions and integration calls, with consistent timeout, retry, and
// observability behavior.
//
// The package layers transports over net/http to provide:
//   - Automatic retry with exponential backoff and jitter
//   - Request logging with sanitized URLs (sensitive parameters redacted)
//   - User-Agent header injection
//   - Correlation ID propagation for distributed tracing
//   - TLS 1.2 minimum (TLS 1.3 preferred)
//   - Connection pooling for performance
//
// On top of the transport stack sits a JSON-oriented verb surface shared by
// every integration: Get, Post, Put, and Delete perform a request, check the
// response status against an expectation, and decode the body as JSON.
//
// # Usage
//
// Create a client with default settings:
//
//	client, err := httpclient.New(httpclient.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	out, err := client.Get(ctx, "https://api.example.com/resource", nil, http.StatusOK, "fetch resource")
//
// Customize configuration:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "my-service/2.0"
//	cfg.Timeout = 60 * time.Second
//	cfg.RetryAttempts = 5
//	client, err := httpclient.New(cfg)
//
// # Status expectations
//
// Each verb takes an expected status and a failure message. An expectation of
// zero accepts any 2xx response; a non-zero expectation requires that exact
// status. A mismatch yields an *errors.HTTPError carrying the method, the
// sanitized URL, the received status, and the caller's message.
//
// # OAuth-backed requests
//
// GetWithOAuthRefresh and PostWithOAuthRefresh obtain an access token from
// the configured TokenSource and inject it as an Authorization header before
// performing the request. The token source owns refresh; this package only
// asks for a currently valid token.
//
//	client, _ := httpclient.New(httpclient.DefaultConfig())
//	client = client.WithTokenSource(tokens).WithHostChecker(egress)
//
// # Retry Behavior
//
// The client automatically retries transient errors with exponential backoff:
//   - Retries HTTP 5xx server errors
//   - Retries HTTP 429 (rate limit) with Retry-After header support
//   - Retries HTTP 408 (request timeout)
//   - Retries network errors (connection refused, reset, temporary DNS failures)
//   - Does NOT retry 4xx client errors (except 408, 429)
//   - Only retries idempotent methods (GET, HEAD, OPTIONS) by default
//
// For non-idempotent methods (POST, PUT, PATCH, DELETE), enable explicit retry:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.AllowNonIdempotentRetry = true  // Use with Idempotency-Key headers
//	client, err := httpclient.New(cfg)
//
// # Security
//
// The package includes security features:
//   - Sensitive query parameters (api_key, token, password, etc.) are redacted from logs and errors
//   - Authorization headers are never logged
//   - TLS 1.2 minimum with certificate validation enabled
//   - An optional HostChecker vetoes requests before they leave the process
//
// # Observability
//
// All requests emit structured logs via log/slog:
//   - Debug level: successful requests (2xx status)
//   - Warn level: failed requests (4xx/5xx status, errors)
//   - Fields: method, url (sanitized), status, duration_ms, error
//   - Correlation IDs automatically propagated when present in request context
package httpclient
