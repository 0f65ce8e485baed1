package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/quiverops/quiver/pkg/errors"
)

// openAIBaseURL is the hosted OpenAI API endpoint.
const openAIBaseURL = "https://api.openai.com/v1"

// OpenAI calls the OpenAI chat-completions API. A non-empty base URL
// points it at an OpenAI-compatible gateway instead of the hosted API.
type OpenAI struct {
	apiKey  string
	baseURL string
	hc      *http.Client
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI provider. baseURL may be empty; hc may be
// nil, in which case requests use http.DefaultClient.
func NewOpenAI(apiKey, baseURL string, hc *http.Client) (*OpenAI, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "openai.api_key",
			Reason: "API key is required for the OpenAI provider",
		}
	}
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		hc:      clientOrDefault(hc),
	}, nil
}

// Name returns the provider tag.
func (p *OpenAI) Name() string { return "openai" }

// Complete sends a single-turn chat completion.
func (p *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := validateRequest(req, true); err != nil {
		return nil, err
	}

	wire := chatRequest{
		Model:       req.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	return completeChat(ctx, p.hc, p.baseURL+"/chat/completions", headers, &wire)
}

// completeChat runs the OpenAI-shaped request/response cycle shared by
// the openai, azure_openai and mistral providers.
func completeChat(ctx context.Context, hc *http.Client, url string, headers map[string]string, wire *chatRequest) (*Response, error) {
	status, body, err := postJSON(ctx, hc, url, headers, wire)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, chatAPIError(url, status, body)
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "decode completion response")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("completion response carried no choices")
	}

	return &Response{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// chatAPIError maps a non-200 response to an HTTPError, preferring the
// structured message when the body parses.
func chatAPIError(url string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var er chatErrorResponse
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

// chatRequest is the OpenAI chat-completions request body. Mistral and
// Azure accept the same shape; Azure ignores Model because the
// deployment in the URL decides.
type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
