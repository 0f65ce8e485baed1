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

	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/httpclient"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// Teams talks to Microsoft Graph on behalf of the user who delegated the
// MS_TEAMS credential. Tokens are minted per request through the
// client's OAuth-refresh verbs, so an expired access token refreshes
// transparently before the call goes out.
type Teams struct {
	client  *httpclient.Client
	baseURL string
}

// NewTeams creates the Microsoft Teams provider.
func NewTeams(client *httpclient.Client) *Teams {
	return &Teams{client: client, baseURL: graphBaseURL}
}

// Execute runs one Graph API call.
func (t *Teams) Execute(ctx context.Context, inv *Invocation) (interface{}, error) {
	if err := requireOAuthCredential(inv, TagTeams); err != nil {
		return nil, err
	}

	p := params{integration: TagTeams, api: inv.API, values: inv.Params}
	switch inv.API {
	case "send_message":
		return t.sendMessage(ctx, inv, p)
	case "list_teams":
		return t.listTeams(ctx, inv)
	case "list_channels":
		return t.listChannels(ctx, inv, p)
	default:
		return nil, unknownAPI(TagTeams, inv.API)
	}
}

func (t *Teams) sendMessage(ctx context.Context, inv *Invocation, p params) (interface{}, error) {
	teamID, _, err := p.stringParam("team_id", required)
	if err != nil {
		return nil, err
	}
	channelID, _, err := p.stringParam("channel_id", required)
	if err != nil {
		return nil, err
	}
	message, _, err := p.stringParam("message", required)
	if err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/teams/%s/channels/%s/messages",
		t.baseURL, url.PathEscape(teamID), url.PathEscape(channelID))
	payload := map[string]interface{}{
		"body": map[string]string{
			"contentType": "text",
			"content":     message,
		},
	}

	return t.client.PostWithOAuthRefresh(ctx, reqURL, inv.WorkflowID, inv.Credential, nil,
		httpclient.JSON(payload), http.StatusCreated, "teams message dispatch failed")
}

func (t *Teams) listTeams(ctx context.Context, inv *Invocation) (interface{}, error) {
	return t.client.GetWithOAuthRefresh(ctx, t.baseURL+"/me/joinedTeams",
		inv.WorkflowID, inv.Credential, nil, http.StatusOK, "teams list failed")
}

func (t *Teams) listChannels(ctx context.Context, inv *Invocation, p params) (interface{}, error) {
	teamID, _, err := p.stringParam("team_id", required)
	if err != nil {
		return nil, err
	}

	reqURL := t.baseURL + "/teams/" + url.PathEscape(teamID) + "/channels"
	return t.client.GetWithOAuthRefresh(ctx, reqURL,
		inv.WorkflowID, inv.Credential, nil, http.StatusOK, "teams channel list failed")
}

// requireOAuthCredential rejects OAuth-backed invocations that name no
// credential before any token work starts.
func requireOAuthCredential(inv *Invocation, tag string) error {
	if inv.Credential == "" {
		return &errors.ValidationError{
			Field:      "credential",
			Message:    fmt.Sprintf("%s actions need an OAuth credential", tag),
			Suggestion: "Name a workflow credential on the integration action",
		}
	}
	return nil
}
