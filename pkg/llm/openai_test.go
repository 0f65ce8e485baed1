package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quiverops/quiver/pkg/errors"
)

func float64p(v float64) *float64 { return &v }
func intp(v int) *int             { return &v }

func chatReply(model, content string) string {
	return `{"id":"cmpl-1","model":"` + model + `","choices":[{"message":{"role":"assistant","content":"` + content + `"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":34,"total_tokens":46}}`
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	_, err := NewOpenAI("", "", nil)
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
	var cfgErr *errors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
}

func TestNewOpenAI_BaseURL(t *testing.T) {
	p, err := NewOpenAI("sk-test", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.baseURL != openAIBaseURL {
		t.Errorf("default base URL = %q, want %q", p.baseURL, openAIBaseURL)
	}

	p, err = NewOpenAI("sk-test", "http://gateway.internal/v1/", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.baseURL != "http://gateway.internal/v1" {
		t.Errorf("trailing slash not trimmed: %q", p.baseURL)
	}
}

func TestOpenAI_Complete(t *testing.T) {
	var gotPath, gotAuth string
	var gotWire chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotWire); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatReply("gpt-4o-mini", "triage summary"))
	}))
	defer srv.Close()

	p, err := NewOpenAI("sk-test", srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := p.Complete(context.Background(), Request{
		Model:       "gpt-4o-mini",
		Prompt:      "Summarize the alert",
		Temperature: float64p(0.2),
		TopP:        float64p(0.9),
		MaxTokens:   intp(256),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotWire.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", gotWire.Model)
	}
	if len(gotWire.Messages) != 1 || gotWire.Messages[0].Role != "user" || gotWire.Messages[0].Content != "Summarize the alert" {
		t.Errorf("messages = %+v", gotWire.Messages)
	}
	if gotWire.Temperature == nil || *gotWire.Temperature != 0.2 {
		t.Errorf("temperature = %v", gotWire.Temperature)
	}
	if gotWire.TopP == nil || *gotWire.TopP != 0.9 {
		t.Errorf("top_p = %v", gotWire.TopP)
	}
	if gotWire.MaxTokens == nil || *gotWire.MaxTokens != 256 {
		t.Errorf("max_tokens = %v", gotWire.MaxTokens)
	}

	if resp.Text != "triage summary" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", resp.Model)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 34 || resp.Usage.TotalTokens != 46 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAI_Complete_OmitsUnsetSampling(t *testing.T) {
	var raw map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode request: %v", err)
		}
		io.WriteString(w, chatReply("gpt-4o-mini", "ok"))
	}))
	defer srv.Close()

	p, _ := NewOpenAI("sk-test", srv.URL, nil)
	if _, err := p.Complete(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "hi"}); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"temperature", "top_p", "max_tokens"} {
		if _, ok := raw[key]; ok {
			t.Errorf("unset %s was sent", key)
		}
	}
}

func TestOpenAI_Complete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p, _ := NewOpenAI("sk-bad", srv.URL, nil)
	_, err := p.Complete(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}

	var httpErr *errors.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %T", err)
	}
	if httpErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", httpErr.StatusCode)
	}
	if httpErr.Message != "bad key" {
		t.Errorf("message = %q", httpErr.Message)
	}
}

func TestOpenAI_Complete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"model":"gpt-4o-mini","choices":[]}`)
	}))
	defer srv.Close()

	p, _ := NewOpenAI("sk-test", srv.URL, nil)
	_, err := p.Complete(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "no choices") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestOpenAI_Complete_Validation(t *testing.T) {
	p, _ := NewOpenAI("sk-test", "http://unused.invalid", nil)

	_, err := p.Complete(context.Background(), Request{Model: "gpt-4o-mini"})
	var valErr *errors.ValidationError
	if !errors.As(err, &valErr) || valErr.Field != "prompt" {
		t.Errorf("empty prompt: got %v", err)
	}

	_, err = p.Complete(context.Background(), Request{Prompt: "hi"})
	if !errors.As(err, &valErr) || valErr.Field != "model" {
		t.Errorf("empty model: got %v", err)
	}
}
