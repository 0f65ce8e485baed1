package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/quiverops/quiver/pkg/errors"
)

// Body is the payload of a POST or PUT request. Use Form or JSON to build one.
type Body interface {
	contentType() string
	encode() (io.Reader, error)
}

type formBody map[string]string

func (b formBody) contentType() string { return "application/x-www-form-urlencoded" }

func (b formBody) encode() (io.Reader, error) {
	form := url.Values{}
	for k, v := range b {
		form.Set(k, v)
	}
	return strings.NewReader(form.Encode()), nil
}

type jsonBody struct {
	value interface{}
}

func (b jsonBody) contentType() string { return "application/json" }

func (b jsonBody) encode() (io.Reader, error) {
	buf, err := json.Marshal(b.value)
	if err != nil {
		return nil, fmt.Errorf("encode json body: %w", err)
	}
	return bytes.NewReader(buf), nil
}

// Form returns a Body sent as application/x-www-form-urlencoded.
func Form(fields map[string]string) Body {
	return formBody(fields)
}

// JSON returns a Body sent as application/json.
func JSON(value interface{}) Body {
	return jsonBody{value: value}
}

// Get performs a GET request and decodes the JSON response.
//
// expectStatus zero accepts any 2xx response; a non-zero value requires that
// exact status. On a mismatch the returned error is an *errors.HTTPError
// carrying errMsg and the received status.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string, expectStatus int, errMsg string) (interface{}, error) {
	return c.do(ctx, http.MethodGet, rawURL, headers, nil, expectStatus, errMsg)
}

// Post performs a POST request with the given body and decodes the JSON
// response. Status checking follows the same rules as Get.
func (c *Client) Post(ctx context.Context, rawURL string, headers map[string]string, body Body, expectStatus int, errMsg string) (interface{}, error) {
	return c.do(ctx, http.MethodPost, rawURL, headers, body, expectStatus, errMsg)
}

// Put performs a PUT request with the given body and decodes the JSON
// response. Status checking follows the same rules as Get.
func (c *Client) Put(ctx context.Context, rawURL string, headers map[string]string, body Body, expectStatus int, errMsg string) (interface{}, error) {
	return c.do(ctx, http.MethodPut, rawURL, headers, body, expectStatus, errMsg)
}

// Patch performs a PATCH request with the given body and decodes the JSON
// response. Status checking follows the same rules as Get.
func (c *Client) Patch(ctx context.Context, rawURL string, headers map[string]string, body Body, expectStatus int, errMsg string) (interface{}, error) {
	return c.do(ctx, http.MethodPatch, rawURL, headers, body, expectStatus, errMsg)
}

// Delete performs a DELETE request and decodes the JSON response. Status
// checking follows the same rules as Get.
func (c *Client) Delete(ctx context.Context, rawURL string, headers map[string]string, expectStatus int, errMsg string) (interface{}, error) {
	return c.do(ctx, http.MethodDelete, rawURL, headers, nil, expectStatus, errMsg)
}

// GetWithOAuthRefresh performs a GET request authorized by an access token
// for the named credential. The token source refreshes expired tokens before
// the request goes out.
func (c *Client) GetWithOAuthRefresh(ctx context.Context, rawURL string, workflowID uuid.UUID, credential string, headers map[string]string, expectStatus int, errMsg string) (interface{}, error) {
	withAuth, err := c.authorizeHeaders(ctx, workflowID, credential, headers)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodGet, rawURL, withAuth, nil, expectStatus, errMsg)
}

// PostWithOAuthRefresh performs a POST request authorized by an access token
// for the named credential.
func (c *Client) PostWithOAuthRefresh(ctx context.Context, rawURL string, workflowID uuid.UUID, credential string, headers map[string]string, body Body, expectStatus int, errMsg string) (interface{}, error) {
	withAuth, err := c.authorizeHeaders(ctx, workflowID, credential, headers)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, rawURL, withAuth, body, expectStatus, errMsg)
}

// PatchWithOAuthRefresh performs a PATCH request authorized by an access
// token for the named credential.
func (c *Client) PatchWithOAuthRefresh(ctx context.Context, rawURL string, workflowID uuid.UUID, credential string, headers map[string]string, body Body, expectStatus int, errMsg string) (interface{}, error) {
	withAuth, err := c.authorizeHeaders(ctx, workflowID, credential, headers)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPatch, rawURL, withAuth, body, expectStatus, errMsg)
}

// RequestJSON performs a request with an optional JSON payload and accepts
// any 2xx response. It is the shape the workflow executor dispatches
// http_request actions through.
func (c *Client) RequestJSON(ctx context.Context, method, rawURL string, headers map[string]string, payload interface{}) (interface{}, error) {
	var body Body
	if payload != nil {
		body = JSON(payload)
	}
	return c.do(ctx, method, rawURL, headers, body, 0, "")
}

// authorizeHeaders returns a copy of headers with an Authorization header
// holding a fresh access token for the named credential.
func (c *Client) authorizeHeaders(ctx context.Context, workflowID uuid.UUID, credential string, headers map[string]string) (map[string]string, error) {
	if c.tokens == nil {
		return nil, &errors.ConfigError{
			Key:    "token_source",
			Reason: "oauth-backed requests require a token source",
		}
	}

	tokenType, token, err := c.tokens.AccessToken(ctx, workflowID, credential)
	if err != nil {
		return nil, err
	}
	if tokenType == "" {
		tokenType = "Bearer"
	}

	withAuth := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		withAuth[k] = v
	}
	withAuth["Authorization"] = tokenType + " " + token
	return withAuth, nil
}

// do builds, checks, sends, and decodes one request.
func (c *Client) do(ctx context.Context, method, rawURL string, headers map[string]string, body Body, expectStatus int, errMsg string) (interface{}, error) {
	var reader io.Reader
	if body != nil {
		r, err := body.encode()
		if err != nil {
			return nil, err
		}
		reader = r
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request for %s: %w", method, sanitizeRawURL(rawURL), err)
	}

	if c.hosts != nil {
		if err := c.hosts.CheckHost(req.URL.Hostname()); err != nil {
			return nil, err
		}
	}

	if body != nil {
		req.Header.Set("Content-Type", body.contentType())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, sanitizeURL(req.URL), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", sanitizeURL(req.URL), err)
	}

	if !statusAccepted(resp.StatusCode, expectStatus) {
		return nil, &errors.HTTPError{
			Method:     method,
			URL:        sanitizeURL(req.URL),
			StatusCode: resp.StatusCode,
			Message:    errMsg,
		}
	}

	return decodeResponse(raw), nil
}

// statusAccepted reports whether got satisfies the expectation. A zero
// expectation accepts any 2xx status.
func statusAccepted(got, want int) bool {
	if want == 0 {
		return got >= 200 && got < 300
	}
	return got == want
}

// decodeResponse parses the body as JSON when possible. Empty bodies decode
// to nil; bodies that are not valid JSON come back as the raw string. Numbers
// decode as json.Number so large integers survive the round trip.
func decodeResponse(raw []byte) interface{} {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil || dec.More() {
		return string(raw)
	}
	return v
}
