// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"net/http"

	"github.com/quiverops/quiver/pkg/errors"
)

// mistralBaseURL is the hosted Mistral API endpoint. The chat surface
// is OpenAI-compatible.
const mistralBaseURL = "https://api.mistral.ai/v1"

// Mistral calls the Mistral chat-completions API.
type Mistral struct {
	apiKey  string
	baseURL string
	hc      *http.Client
}

var _ Provider = (*Mistral)(nil)

// NewMistral creates a Mistral provider.
func NewMistral(apiKey string, hc *http.Client) (*Mistral, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "mistral.api_key",
			Reason: "API key is required for the Mistral provider",
		}
	}
	return &Mistral{
		apiKey:  apiKey,
		baseURL: mistralBaseURL,
		hc:      clientOrDefault(hc),
	}, nil
}

// Name returns the provider tag.
func (p *Mistral) Name() string { return "mistral" }

// Complete sends a single-turn chat completion.
func (p *Mistral) Complete(ctx context.Context, req Request) (*Response, error) {
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
