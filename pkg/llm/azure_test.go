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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quiverops/quiver/pkg/errors"
)

func TestNewAzureOpenAI_RequiresConfig(t *testing.T) {
	var cfgErr *errors.ConfigError

	_, err := NewAzureOpenAI(AzureConfig{Endpoint: "https://r.openai.azure.com"}, nil)
	if !errors.As(err, &cfgErr) || cfgErr.Key != "azure_openai.api_key" {
		t.Errorf("missing key: got %v", err)
	}

	_, err = NewAzureOpenAI(AzureConfig{APIKey: "azkey"}, nil)
	if !errors.As(err, &cfgErr) || cfgErr.Key != "azure_openai.endpoint" {
		t.Errorf("missing endpoint: got %v", err)
	}
}

func TestAzureOpenAI_Complete(t *testing.T) {
	var gotPath, gotVersion, gotKey string
	var raw map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.URL.Query().Get("api-version")
		gotKey = r.Header.Get("api-key")
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode request: %v", err)
		}
		io.WriteString(w, chatReply("gpt-4o", "contained"))
	}))
	defer srv.Close()

	p, err := NewAzureOpenAI(AzureConfig{
		Endpoint:   srv.URL,
		APIKey:     "azkey",
		Deployment: "triage-gpt4o",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := p.Complete(context.Background(), Request{Prompt: "Classify the finding"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if gotPath != "/openai/deployments/triage-gpt4o/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotVersion != azureAPIVersion {
		t.Errorf("api-version = %q", gotVersion)
	}
	if gotKey != "azkey" {
		t.Errorf("api-key = %q", gotKey)
	}
	// The deployment in the URL decides the model.
	if _, ok := raw["model"]; ok {
		t.Error("model was sent in the body")
	}
	if resp.Text != "contained" {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestAzureOpenAI_ModelNamesDeployment(t *testing.T) {
	var gotPath, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.URL.Query().Get("api-version")
		io.WriteString(w, chatReply("gpt-4o", "ok"))
	}))
	defer srv.Close()

	p, err := NewAzureOpenAI(AzureConfig{
		Endpoint:   srv.URL,
		APIKey:     "azkey",
		APIVersion: "2023-05-15",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Complete(context.Background(), Request{Model: "ops-gpt4", Prompt: "hi"}); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/openai/deployments/ops-gpt4/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotVersion != "2023-05-15" {
		t.Errorf("api-version = %q", gotVersion)
	}
}

func TestAzureOpenAI_NeedsDeployment(t *testing.T) {
	p, err := NewAzureOpenAI(AzureConfig{Endpoint: "https://r.openai.azure.com", APIKey: "azkey"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.Complete(context.Background(), Request{Prompt: "hi"})
	var valErr *errors.ValidationError
	if !errors.As(err, &valErr) || valErr.Field != "model" {
		t.Errorf("got %v", err)
	}
}
