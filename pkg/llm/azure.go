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
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/quiverops/quiver/pkg/errors"
)

// azureAPIVersion is the default api-version query parameter.
const azureAPIVersion = "2024-02-01"

// AzureConfig locates one Azure OpenAI resource.
type AzureConfig struct {
	// Endpoint is the resource base URL, e.g.
	// https://myresource.openai.azure.com.
	Endpoint string

	// APIKey authenticates via the api-key header.
	APIKey string

	// Deployment pins all requests to one deployment. Empty means the
	// request model names the deployment.
	Deployment string

	// APIVersion overrides the default api-version.
	APIVersion string
}

// AzureOpenAI calls an Azure OpenAI deployment. Azure routes by
// deployment name in the URL and authenticates with an api-key header
// rather than a bearer token; the response shape matches OpenAI.
type AzureOpenAI struct {
	cfg AzureConfig
	hc  *http.Client
}

var _ Provider = (*AzureOpenAI)(nil)

// NewAzureOpenAI creates an Azure OpenAI provider.
func NewAzureOpenAI(cfg AzureConfig, hc *http.Client) (*AzureOpenAI, error) {
	if cfg.APIKey == "" {
		return nil, &errors.ConfigError{
			Key:    "azure_openai.api_key",
			Reason: "API key is required for the Azure OpenAI provider",
		}
	}
	if cfg.Endpoint == "" {
		return nil, &errors.ConfigError{
			Key:    "azure_openai.endpoint",
			Reason: "resource endpoint is required for the Azure OpenAI provider",
		}
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = azureAPIVersion
	}
	return &AzureOpenAI{cfg: cfg, hc: clientOrDefault(hc)}, nil
}

// Name returns the provider tag.
func (p *AzureOpenAI) Name() string { return "azure_openai" }

// Complete sends a single-turn chat completion to the deployment.
func (p *AzureOpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := validateRequest(req, false); err != nil {
		return nil, err
	}
	deployment := p.cfg.Deployment
	if deployment == "" {
		deployment = req.Model
	}
	if deployment == "" {
		return nil, &errors.ValidationError{
			Field:      "model",
			Message:    "azure_openai needs a deployment name",
			Suggestion: "Set the model on the inference action or a deployment in the credential",
		}
	}

	wire := chatRequest{
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	endpoint := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		p.cfg.Endpoint, url.PathEscape(deployment), url.QueryEscape(p.cfg.APIVersion))
	headers := map[string]string{"api-key": p.cfg.APIKey}
	return completeChat(ctx, p.hc, endpoint, headers, &wire)
}
