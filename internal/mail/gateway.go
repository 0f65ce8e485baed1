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

// Package mail delivers send_email actions through a Resend-shaped HTTP
// gateway.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/workflow"
)

const defaultBaseURL = "https://api.resend.com"

// Config carries the process mail settings. Sender is the verified
// address mail goes out as; actions may only vary the display name.
type Config struct {
	APIKey  string
	Sender  string
	BaseURL string
}

// Gateway posts messages to the mail API. It implements workflow.Mailer.
type Gateway struct {
	cfg Config
	hc  *http.Client
}

var _ workflow.Mailer = (*Gateway)(nil)

// NewGateway validates the mail configuration. Both the API key and the
// sender address are required.
func NewGateway(cfg Config, hc *http.Client) (*Gateway, error) {
	if cfg.APIKey == "" {
		return nil, &errors.ConfigError{Key: "email.api_key", Reason: "mail gateway API key is not set"}
	}
	if cfg.Sender == "" {
		return nil, &errors.ConfigError{Key: "email.sender", Reason: "mail sender address is not set"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Gateway{cfg: cfg, hc: hc}, nil
}

// Send implements workflow.Mailer. It returns the sent envelope,
// including the gateway's message id.
func (g *Gateway) Send(ctx context.Context, msg *workflow.MailMessage) (map[string]interface{}, error) {
	if len(msg.Recipients) == 0 {
		return nil, &errors.ValidationError{
			Field:      "recipients",
			Message:    "send_email resolved no recipients",
			Suggestion: "Check that the recipient references resolve to addresses",
		}
	}

	from := g.cfg.Sender
	if msg.SenderName != "" {
		from = fmt.Sprintf("%s <%s>", msg.SenderName, g.cfg.Sender)
	}

	body, err := json.Marshal(sendRequest{
		From:    from,
		To:      msg.Recipients,
		Subject: msg.Subject,
		Text:    msg.Body,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode mail request")
	}

	url := g.cfg.BaseURL + "/emails"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build mail request")
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "post mail request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read mail response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, sendAPIError(url, resp.StatusCode, raw)
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "decode mail response")
	}

	return map[string]interface{}{
		"id":         out.ID,
		"from":       from,
		"recipients": msg.Recipients,
		"subject":    msg.Subject,
	}, nil
}

func sendAPIError(url string, status int, raw []byte) error {
	message := strings.TrimSpace(string(raw))
	var apiErr sendErrorResponse
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Message != "" {
		message = apiErr.Message
	}
	return &errors.HTTPError{
		Method:     http.MethodPost,
		URL:        url,
		StatusCode: status,
		Message:    message,
	}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type sendErrorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}
