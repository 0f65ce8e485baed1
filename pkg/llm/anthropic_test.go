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

func TestNewAnthropic_RequiresKey(t *testing.T) {
	_, err := NewAnthropic("", nil)
	var cfgErr *errors.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Key != "anthropic.api_key" {
		t.Errorf("got %v", err)
	}
}

func TestAnthropic_Complete(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	var gotWire anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		if err := json.NewDecoder(r.Body).Decode(&gotWire); err != nil {
			t.Errorf("decode request: %v", err)
		}
		io.WriteString(w, `{"model":"claude-3-5-sonnet-20241022","content":[{"type":"text","text":"verdict:"},{"type":"tool_use"},{"type":"text","text":"benign"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`)
	}))
	defer srv.Close()

	p, err := NewAnthropic("akey", nil)
	if err != nil {
		t.Fatal(err)
	}
	p.baseURL = srv.URL

	resp, err := p.Complete(context.Background(), Request{
		Model:  "claude-3-5-sonnet-20241022",
		Prompt: "Is this benign?",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if gotPath != "/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "akey" {
		t.Errorf("x-api-key = %q", gotKey)
	}
	if gotVersion != anthropicVersion {
		t.Errorf("anthropic-version = %q", gotVersion)
	}
	if gotWire.MaxTokens != anthropicDefaultMaxTokens {
		t.Errorf("max_tokens = %d, want default %d", gotWire.MaxTokens, anthropicDefaultMaxTokens)
	}
	if len(gotWire.Messages) != 1 || gotWire.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", gotWire.Messages)
	}

	// Text blocks concatenate; the tool_use block is skipped.
	if resp.Text != "verdict:\nbenign" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropic_Complete_MaxTokensOverride(t *testing.T) {
	var gotWire anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotWire); err != nil {
			t.Errorf("decode request: %v", err)
		}
		io.WriteString(w, `{"model":"m","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()

	p, _ := NewAnthropic("akey", nil)
	p.baseURL = srv.URL

	if _, err := p.Complete(context.Background(), Request{Model: "m", Prompt: "hi", MaxTokens: intp(512)}); err != nil {
		t.Fatal(err)
	}
	if gotWire.MaxTokens != 512 {
		t.Errorf("max_tokens = %d", gotWire.MaxTokens)
	}
}

func TestAnthropic_Complete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"prompt too long"}}`)
	}))
	defer srv.Close()

	p, _ := NewAnthropic("akey", nil)
	p.baseURL = srv.URL

	_, err := p.Complete(context.Background(), Request{Model: "m", Prompt: "hi"})
	var httpErr *errors.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %T", err)
	}
	if httpErr.StatusCode != http.StatusBadRequest || httpErr.Message != "prompt too long" {
		t.Errorf("got %+v", httpErr)
	}
}

func TestAnthropic_Complete_NoText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"model":"m","content":[],"usage":{"input_tokens":1,"output_tokens":0}}`)
	}))
	defer srv.Close()

	p, _ := NewAnthropic("akey", nil)
	p.baseURL = srv.URL

	if _, err := p.Complete(context.Background(), Request{Model: "m", Prompt: "hi"}); err == nil {
		t.Fatal("expected error for empty content")
	}
}
