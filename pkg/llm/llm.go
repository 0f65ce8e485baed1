// Package llm provides chat-completion providers for inference actions.
// Each provider speaks its upstream HTTP API directly and shares the
// process HTTP client; selection between providers happens at the call
// site, not here.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/quiverops/quiver/pkg/errors"
)

// Request carries one completion call: a single user prompt plus the
// sampling knobs the upstream APIs share.
type Request struct {
	// Model selects the upstream model. For Azure it may be empty when
	// the provider is configured with a fixed deployment.
	Model string

	// Prompt is the user message. Required.
	Prompt string

	// Temperature controls randomness. Nil uses the provider default.
	Temperature *float64

	// TopP is the nucleus sampling cutoff. Nil uses the provider default.
	TopP *float64

	// MaxTokens bounds the response length. Nil uses the provider default.
	MaxTokens *int
}

// Usage is the token consumption reported by the upstream API.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the completed text plus response metadata.
type Response struct {
	// Text is the assistant's reply with surrounding structure stripped.
	Text string

	// Model is the model id the upstream reported handling the request.
	Model string

	// Usage holds token counts when the upstream supplied them.
	Usage Usage
}

// Provider is a chat-completion backend.
type Provider interface {
	// Name returns the provider tag ("openai", "azure_openai", ...).
	Name() string

	// Complete sends one completion request and blocks for the reply.
	Complete(ctx context.Context, req Request) (*Response, error)
}

func validateRequest(req Request, needModel bool) error {
	if req.Prompt == "" {
		return &errors.ValidationError{
			Field:      "prompt",
			Message:    "completion request needs a prompt",
			Suggestion: "Set the prompt on the inference action",
		}
	}
	if needModel && req.Model == "" {
		return &errors.ValidationError{
			Field:      "model",
			Message:    "completion request needs a model",
			Suggestion: "Set the model on the inference action",
		}
	}
	return nil
}

func clientOrDefault(hc *http.Client) *http.Client {
	if hc == nil {
		return http.DefaultClient
	}
	return hc
}

// postJSON sends payload to url and returns the response status and
// body. Transport-level failures come back wrapped; status handling is
// the caller's.
func postJSON(ctx context.Context, hc *http.Client, url string, headers map[string]string, payload interface{}) (int, []byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, errors.Wrap(err, "encode completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, errors.Wrap(err, "build completion request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "post completion request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "read completion response")
	}
	return resp.StatusCode, body, nil
}
