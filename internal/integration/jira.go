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
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/quiverops/quiver/internal/credential"
	"github.com/quiverops/quiver/pkg/httpclient"
)

// Jira talks to Jira Cloud's REST API v3 with Basic auth.
type Jira struct {
	creds  *credential.Manager
	client *httpclient.Client
}

// NewJira creates the Jira provider.
func NewJira(creds *credential.Manager, client *httpclient.Client) *Jira {
	return &Jira{creds: creds, client: client}
}

// Execute runs one Jira API call.
func (j *Jira) Execute(ctx context.Context, inv *Invocation) (interface{}, error) {
	var cred jiraCredential
	if err := fetchCredential(ctx, j.creds, inv, TagJira, &cred); err != nil {
		return nil, err
	}

	p := params{integration: TagJira, api: inv.API, values: inv.Params}
	switch inv.API {
	case "create_issue":
		return j.createIssue(ctx, cred, p)
	case "get_issue":
		return j.getIssue(ctx, cred, p)
	case "add_comment":
		return j.addComment(ctx, cred, p)
	case "transition_issue":
		return j.transitionIssue(ctx, cred, p)
	default:
		return nil, unknownAPI(TagJira, inv.API)
	}
}

func (j *Jira) createIssue(ctx context.Context, cred jiraCredential, p params) (interface{}, error) {
	project, _, err := p.stringParam("project", required)
	if err != nil {
		return nil, err
	}
	summary, _, err := p.stringParam("summary", required)
	if err != nil {
		return nil, err
	}
	issueType, _, err := p.stringParam("issue_type", required)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"project":   map[string]string{"key": project},
		"summary":   summary,
		"issuetype": map[string]string{"name": issueType},
	}
	if description, ok, err := p.stringParam("description", optional); err != nil {
		return nil, err
	} else if ok {
		fields["description"] = adfDocument(description)
	}
	if priority, ok, err := p.stringParam("priority", optional); err != nil {
		return nil, err
	} else if ok {
		fields["priority"] = map[string]string{"name": priority}
	}

	return j.client.Post(ctx, cred.baseURL()+"/issue", cred.headers(),
		httpclient.JSON(map[string]interface{}{"fields": fields}),
		http.StatusCreated, "jira issue creation failed")
}

func (j *Jira) getIssue(ctx context.Context, cred jiraCredential, p params) (interface{}, error) {
	key, _, err := p.stringParam("issue_key", required)
	if err != nil {
		return nil, err
	}

	return j.client.Get(ctx, cred.baseURL()+"/issue/"+url.PathEscape(key), cred.headers(),
		http.StatusOK, "jira issue lookup failed")
}

func (j *Jira) addComment(ctx context.Context, cred jiraCredential, p params) (interface{}, error) {
	key, _, err := p.stringParam("issue_key", required)
	if err != nil {
		return nil, err
	}
	comment, _, err := p.stringParam("comment", required)
	if err != nil {
		return nil, err
	}

	return j.client.Post(ctx, cred.baseURL()+"/issue/"+url.PathEscape(key)+"/comment", cred.headers(),
		httpclient.JSON(map[string]interface{}{"body": adfDocument(comment)}),
		http.StatusCreated, "jira comment failed")
}

func (j *Jira) transitionIssue(ctx context.Context, cred jiraCredential, p params) (interface{}, error) {
	key, _, err := p.stringParam("issue_key", required)
	if err != nil {
		return nil, err
	}
	transitionID, _, err := p.stringParam("transition_id", required)
	if err != nil {
		return nil, err
	}

	// Jira answers 204 with no body on success.
	_, err = j.client.Post(ctx, cred.baseURL()+"/issue/"+url.PathEscape(key)+"/transitions", cred.headers(),
		httpclient.JSON(map[string]interface{}{"transition": map[string]string{"id": transitionID}}),
		http.StatusNoContent, "jira transition failed")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

// adfDocument wraps plain text in the Atlassian Document Format shell
// that REST API v3 requires for rich-text fields.
func adfDocument(text string) map[string]interface{} {
	return map[string]interface{}{
		"type":    "doc",
		"version": 1,
		"content": []interface{}{
			map[string]interface{}{
				"type": "paragraph",
				"content": []interface{}{
					map[string]interface{}{"type": "text", "text": text},
				},
			},
		},
	}
}

type jiraCredential struct {
	Domain   string `json:"DOMAIN"`
	Email    string `json:"EMAIL"`
	APIToken string `json:"API_TOKEN"`
}

func (c jiraCredential) validate() error {
	for field, value := range map[string]string{
		"DOMAIN":    c.Domain,
		"EMAIL":     c.Email,
		"API_TOKEN": c.APIToken,
	} {
		if value == "" {
			return fmt.Errorf("missing %s", field)
		}
	}
	return nil
}

// baseURL accepts either a bare host ("acme.atlassian.net") or a full
// origin for self-hosted instances.
func (c jiraCredential) baseURL() string {
	domain := strings.TrimSuffix(c.Domain, "/")
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	return domain + "/rest/api/3"
}

func (c jiraCredential) headers() map[string]string {
	token := base64.StdEncoding.EncodeToString([]byte(c.Email + ":" + c.APIToken))
	return map[string]string{
		"Authorization": "Basic " + token,
		"Accept":        "application/json",
	}
}
