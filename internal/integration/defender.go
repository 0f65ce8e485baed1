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

const defenderBaseURL = "https://api.securitycenter.microsoft.com/api"

// Defender works Microsoft Defender for Endpoint alerts. Credentials
// are app registrations; the client-credentials grant runs behind the
// OAuth-refresh verbs.
type Defender struct {
	client  *httpclient.Client
	baseURL string
}

// NewDefender creates the Defender for Endpoint provider.
func NewDefender(client *httpclient.Client) *Defender {
	return &Defender{client: client, baseURL: defenderBaseURL}
}

// Execute runs one Defender API call.
func (d *Defender) Execute(ctx context.Context, inv *Invocation) (interface{}, error) {
	if err := requireOAuthCredential(inv, TagDefender); err != nil {
		return nil, err
	}

	p := params{integration: TagDefender, api: inv.API, values: inv.Params}
	switch inv.API {
	case "list_alerts":
		return d.listAlerts(ctx, inv, p)
	case "get_alert":
		return d.getAlert(ctx, inv, p)
	case "update_alert":
		return d.updateAlert(ctx, inv, p)
	default:
		return nil, unknownAPI(TagDefender, inv.API)
	}
}

func (d *Defender) listAlerts(ctx context.Context, inv *Invocation, p params) (interface{}, error) {
	query := url.Values{}
	if filter, ok, err := p.stringParam("filter", optional); err != nil {
		return nil, err
	} else if ok {
		query.Set("$filter", filter)
	}
	if top, ok, err := p.numberParam("top", optional); err != nil {
		return nil, err
	} else if ok {
		query.Set("$top", fmt.Sprintf("%d", int(top)))
	}

	reqURL := d.baseURL + "/alerts"
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	return d.client.GetWithOAuthRefresh(ctx, reqURL,
		inv.WorkflowID, inv.Credential, nil, http.StatusOK, "defender alert list failed")
}

func (d *Defender) getAlert(ctx context.Context, inv *Invocation, p params) (interface{}, error) {
	alertID, _, err := p.stringParam("alert_id", required)
	if err != nil {
		return nil, err
	}

	reqURL := d.baseURL + "/alerts/" + url.PathEscape(alertID)
	return d.client.GetWithOAuthRefresh(ctx, reqURL,
		inv.WorkflowID, inv.Credential, nil, http.StatusOK, "defender alert lookup failed")
}

// alertPatchFields maps action parameter names onto Defender's PATCH
// body properties.
var alertPatchFields = map[string]string{
	"status":         "status",
	"classification": "classification",
	"determination":  "determination",
	"assigned_to":    "assignedTo",
	"comment":        "comment",
}

func (d *Defender) updateAlert(ctx context.Context, inv *Invocation, p params) (interface{}, error) {
	alertID, _, err := p.stringParam("alert_id", required)
	if err != nil {
		return nil, err
	}

	patch := map[string]interface{}{}
	for param, property := range alertPatchFields {
		value, ok, err := p.stringParam(param, optional)
		if err != nil {
			return nil, err
		}
		if ok {
			patch[property] = value
		}
	}
	if len(patch) == 0 {
		return nil, &errors.ValidationError{
			Field:      "params",
			Message:    "update_alert needs at least one updatable field",
			Suggestion: "Set status, classification, determination, assigned_to or comment",
		}
	}

	reqURL := d.baseURL + "/alerts/" + url.PathEscape(alertID)
	return d.client.PatchWithOAuthRefresh(ctx, reqURL, inv.WorkflowID, inv.Credential, nil,
		httpclient.JSON(patch), http.StatusOK, "defender alert update failed")
}
