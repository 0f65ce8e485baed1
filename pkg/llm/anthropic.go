package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/quiverops/quiver/pkg/errors"
)

const (
	// anthropicBaseURL is the base URL for the Anthropic API.
	anthropicBaseURL = "https://api.anthropic.com/v1"

	// anthropicVersion is the API version header value.
	anthropicVersion = "2023-06-01"

	// anthropicDefaultMaxTokens is used when the request leaves
	// MaxTokens unset; the Messages API requires the field.
	anthropicDefaultMaxTokens = 4096
)

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	apiKey  string
	baseURL string
	hc      *http.Client
}

var _ Provider = (*Anthropic)(nil)

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(apiKey string, hc *http.Client) (*Anthropic, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "anthropic.api_key",
			Reason: "API key is required for the Anthropic provider",
		}
	}
	return &Anthropic{
		apiKey:  apiKey,
		baseURL: anthropicBaseURL,
		hc:      clientOrDefault(hc),
	}, nil
}

// Name returns the provider tag.
func (p *Anthropic) Name() string { return "anthropic" }

// Complete sends a single-turn message and concatenates the text blocks
// of the reply.
func (p *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := validateRequest(req, true); err != nil {
		return nil, err
	}

	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	wire := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}

	endpoint := p.baseURL + "/messages"
	status, body, err := postJSON(ctx, p.hc, endpoint, headers, &wire)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, anthropicAPIError(endpoint, status, body)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "decode completion response")
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n")
		}
		text.WriteString(block.Text)
	}
	if text.Len() == 0 {
		return nil, errors.New("completion response carried no text content")
	}

	return &Response{
		Text:  text.String(),
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func anthropicAPIError(url string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var er anthropicErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}
	return &errors.HTTPError{
		Method:     http.MethodPost,
		URL:        url,
		StatusCode: status,
		Message:    msg,
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
