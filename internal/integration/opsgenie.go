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
	"github.com/quiverops/quiver/pkg/httpclient"
)

const opsgenieBaseURL = "https://api.opsgenie.com/v2"

// Opsgenie pages on-call responders through the Alert API.
type Opsgenie struct {
	creds   *credential.Manager
	client  *httpclient.Client
	baseURL string
}

// NewOpsgenie creates the Opsgenie provider.
func NewOpsgenie(creds *credential.Manager, client *httpclient.Client) *Opsgenie {
	return &Opsgenie{creds: creds, client: client, baseURL: opsgenieBaseURL}
}

// Execute runs one Opsgenie API call.
func (o *Opsgenie) Execute(ctx context.Context, inv *Invocation) (interface{}, error) {
	var cred opsgenieCredential
	if err := fetchCredential(ctx, o.creds, inv, TagOpsgenie, &cred); err != nil {
		return nil, err
	}

	p := params{integration: TagOpsgenie, api: inv.API, values: inv.Params}
	switch inv.API {
	case "create_alert":
		return o.createAlert(ctx, cred, p)
	case "close_alert":
		return o.closeAlert(ctx, cred, p)
	case "get_alert":
		return o.getAlert(ctx, cred, p)
	default:
		return nil, unknownAPI(TagOpsgenie, inv.API)
	}
}

func (o *Opsgenie) createAlert(ctx context.Context, cred opsgenieCredential, p params) (interface{}, error) {
	message, _, err := p.stringParam("message", required)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{"message": message}
	for _, name := range []string{"description", "priority", "alias"} {
		value, ok, err := p.stringParam(name, optional)
		if err != nil {
			return nil, err
		}
		if ok {
			payload[name] = value
		}
	}

	// Opsgenie queues writes and answers 202 with a request id.
	return o.client.Post(ctx, o.baseURL+"/alerts", cred.headers(),
		httpclient.JSON(payload), http.StatusAccepted, "opsgenie alert creation failed")
}

func (o *Opsgenie) closeAlert(ctx context.Context, cred opsgenieCredential, p params) (interface{}, error) {
	identifier, _, err := p.stringParam("identifier", required)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{}
	if note, ok, err := p.stringParam("note", optional); err != nil {
		return nil, err
	} else if ok {
		payload["note"] = note
	}

	reqURL := o.baseURL + "/alerts/" + url.PathEscape(identifier) + "/close"
	reqURL, err = o.withIdentifierType(reqURL, p)
	if err != nil {
		return nil, err
	}

	return o.client.Post(ctx, reqURL, cred.headers(),
		httpclient.JSON(payload), http.StatusAccepted, "opsgenie alert close failed")
}

func (o *Opsgenie) getAlert(ctx context.Context, cred opsgenieCredential, p params) (interface{}, error) {
	identifier, _, err := p.stringParam("identifier", required)
	if err != nil {
		return nil, err
	}

	reqURL := o.baseURL + "/alerts/" + url.PathEscape(identifier)
	reqURL, err = o.withIdentifierType(reqURL, p)
	if err != nil {
		return nil, err
	}

	return o.client.Get(ctx, reqURL, cred.headers(), http.StatusOK, "opsgenie alert lookup failed")
}

// withIdentifierType appends the identifierType query parameter when the
// action addresses alerts by alias or tiny id instead of alert id.
func (o *Opsgenie) withIdentifierType(reqURL string, p params) (string, error) {
	idType, ok, err := p.stringParam("identifier_type", optional)
	if err != nil {
		return "", err
	}
	if !ok {
		return reqURL, nil
	}
	return reqURL + "?identifierType=" + url.QueryEscape(idType), nil
}

type opsgenieCredential struct {
	APIKey string `json:"API_KEY"`
}

func (c opsgenieCredential) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("missing API_KEY")
	}
	return nil
}

func (c opsgenieCredential) headers() map[string]string {
	return map[string]string{"Authorization": "GenieKey " + c.APIKey}
}
