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

package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/quiverops/quiver/internal/credential"
	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/httpclient"
)

const slackBaseURL = "https://slack.com/api"

// Slack talks to the Slack Web API with a workspace bot token.
type Slack struct {
	creds   *credential.Manager
	client  *httpclient.Client
	baseURL string
}

// NewSlack creates the Slack provider.
func NewSlack(creds *credential.Manager, client *httpclient.Client) *Slack {
	return &Slack{creds: creds, client: client, baseURL: slackBaseURL}
}

// Execute runs one Slack API call.
func (s *Slack) Execute(ctx context.Context, inv *Invocation) (interface{}, error) {
	var cred slackCredential
	if err := fetchCredential(ctx, s.creds, inv, TagSlack, &cred); err != nil {
		return nil, err
	}

	p := params{integration: TagSlack, api: inv.API, values: inv.Params}
	switch inv.API {
	case "send_message":
		return s.sendMessage(ctx, cred, p)
	case "list_users":
		return s.listUsers(ctx, cred, p)
	case "lookup_user_by_email":
		return s.lookupUserByEmail(ctx, cred, p)
	default:
		return nil, unknownAPI(TagSlack, inv.API)
	}
}

func (s *Slack) sendMessage(ctx context.Context, cred slackCredential, p params) (interface{}, error) {
	channel, _, err := p.stringParam("channel_id", required)
	if err != nil {
		return nil, err
	}
	text, _, err := p.stringParam("text", required)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"channel": channel,
		"text":    text,
	}
	if mrkdwn, ok, err := p.boolParam("mrkdwn", optional); err != nil {
		return nil, err
	} else if ok {
		payload["mrkdwn"] = mrkdwn
	}

	reqURL := s.baseURL + "/chat.postMessage"
	result, err := s.client.Post(ctx, reqURL, cred.headers(), httpclient.JSON(payload), http.StatusOK, "slack message dispatch failed")
	if err != nil {
		return nil, err
	}
	return slackResult(result, http.MethodPost, reqURL)
}

func (s *Slack) listUsers(ctx context.Context, cred slackCredential, p params) (interface{}, error) {
	reqURL := s.baseURL + "/users.list"
	if limit, ok, err := p.numberParam("limit", optional); err != nil {
		return nil, err
	} else if ok {
		reqURL = fmt.Sprintf("%s?limit=%d", reqURL, int(limit))
	}

	result, err := s.client.Get(ctx, reqURL, cred.headers(), http.StatusOK, "slack user list failed")
	if err != nil {
		return nil, err
	}
	return slackResult(result, http.MethodGet, reqURL)
}

func (s *Slack) lookupUserByEmail(ctx context.Context, cred slackCredential, p params) (interface{}, error) {
	email, _, err := p.stringParam("email", required)
	if err != nil {
		return nil, err
	}

	reqURL := s.baseURL + "/users.lookupByEmail?email=" + url.QueryEscape(email)
	result, err := s.client.Get(ctx, reqURL, cred.headers(), http.StatusOK, "slack user lookup failed")
	if err != nil {
		return nil, err
	}
	return slackResult(result, http.MethodGet, reqURL)
}

// slackResult applies Slack's in-band error convention: the Web API
// answers 200 with {"ok": false, "error": ...} on application failures.
func slackResult(result interface{}, method, reqURL string) (interface{}, error) {
	body, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("slack returned a non-object response")
	}
	if okFlag, _ := body["ok"].(bool); !okFlag {
		apiErr, _ := body["error"].(string)
		if apiErr == "" {
			apiErr = "unknown error"
		}
		return nil, &errors.HTTPError{
			Method:     method,
			URL:        reqURL,
			StatusCode: http.StatusOK,
			Message:    "slack error: " + apiErr,
		}
	}
	return body, nil
}

type slackCredential struct {
	BotToken string `json:"BOT_TOKEN"`
}

func (c slackCredential) validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("missing BOT_TOKEN")
	}
	return nil
}

func (c slackCredential) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.BotToken}
}
