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

// Package llm routes inference actions to chat-completion providers,
// carrying workflow-scoped credentials to the provider that needs them.
package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/quiverops/quiver/internal/credential"
	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/llm"
	"github.com/quiverops/quiver/pkg/workflow"
)

// ProviderDefault serves inference actions that name no provider. It is
// the only provider allowed to fall back to the process API key.
const ProviderDefault = "openai"

// apiKeyCredential is the stored secret for openai, anthropic and
// mistral credentials. BASE_URL only applies to openai-compatible
// gateways.
type apiKeyCredential struct {
	APIKey  string `json:"API_KEY"`
	BaseURL string `json:"BASE_URL"`
}

// azureCredential is the stored secret for azure_openai credentials.
type azureCredential struct {
	APIKey     string `json:"API_KEY"`
	Endpoint   string `json:"ENDPOINT"`
	Deployment string `json:"DEPLOYMENT"`
	APIVersion string `json:"API_VERSION"`
}

// Router picks a provider per inference request. The default provider
// uses the process OpenAI key unless the action names a credential;
// every other provider requires one.
type Router struct {
	creds      *credential.Manager
	defaultKey string
	hc         *http.Client
}

var _ workflow.Inferencer = (*Router)(nil)

// NewRouter wires the credential manager and the shared HTTP client.
// defaultOpenAIKey may be empty when every workflow brings its own
// credential.
func NewRouter(creds *credential.Manager, defaultOpenAIKey string, hc *http.Client) *Router {
	return &Router{creds: creds, defaultKey: defaultOpenAIKey, hc: hc}
}

// Infer implements workflow.Inferencer.
func (r *Router) Infer(ctx context.Context, req *workflow.InferenceRequest) (string, error) {
	provider, err := r.provider(ctx, req)
	if err != nil {
		return "", err
	}

	resp, err := provider.Complete(ctx, llm.Request{
		Model:       req.Model,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (r *Router) provider(ctx context.Context, req *workflow.InferenceRequest) (llm.Provider, error) {
	name := req.Provider
	if name == "" {
		name = ProviderDefault
	}

	switch name {
	case "openai":
		key, baseURL := r.defaultKey, ""
		if req.Credential != "" {
			var cred apiKeyCredential
			if _, err := r.creds.FetchInto(ctx, req.WorkflowID, req.Credential, &cred); err != nil {
				return nil, err
			}
			key, baseURL = cred.APIKey, cred.BaseURL
		}
		if key == "" {
			return nil, &errors.ConfigError{
				Key:    "OPENAI_API_KEY",
				Reason: "no default OpenAI key is configured and the action names no credential",
			}
		}
		return llm.NewOpenAI(key, baseURL, r.hc)

	case "azure_openai":
		var cred azureCredential
		if err := r.fetchRequired(ctx, req, &cred); err != nil {
			return nil, err
		}
		return llm.NewAzureOpenAI(llm.AzureConfig{
			Endpoint:   cred.Endpoint,
			APIKey:     cred.APIKey,
			Deployment: cred.Deployment,
			APIVersion: cred.APIVersion,
		}, r.hc)

	case "anthropic":
		var cred apiKeyCredential
		if err := r.fetchRequired(ctx, req, &cred); err != nil {
			return nil, err
		}
		return llm.NewAnthropic(cred.APIKey, r.hc)

	case "mistral":
		var cred apiKeyCredential
		if err := r.fetchRequired(ctx, req, &cred); err != nil {
			return nil, err
		}
		return llm.NewMistral(cred.APIKey, r.hc)

	default:
		return nil, &errors.ValidationError{
			Field:      "provider",
			Message:    fmt.Sprintf("unknown inference provider %q", name),
			Suggestion: "Use openai, azure_openai, anthropic or mistral",
		}
	}
}

func (r *Router) fetchRequired(ctx context.Context, req *workflow.InferenceRequest, into interface{}) error {
	if req.Credential == "" {
		return &errors.ValidationError{
			Field:      "credential",
			Message:    fmt.Sprintf("provider %q needs a credential", req.Provider),
			Suggestion: "Name a workflow credential on the inference action",
		}
	}
	_, err := r.creds.FetchInto(ctx, req.WorkflowID, req.Credential, into)
	return err
}
