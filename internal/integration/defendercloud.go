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
	"net/http"
	"strings"

	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/httpclient"
)

const (
	defenderCloudBaseURL    = "https://management.azure.com"
	defenderCloudAPIVersion = "2022-01-01"
)

// DefenderForCloud works Microsoft Defender for Cloud alerts through
// Azure Resource Manager. Alert ids are full ARM resource paths.
type DefenderForCloud struct {
	client  *httpclient.Client
	baseURL string
}

// NewDefenderForCloud creates the Defender for Cloud provider.
func NewDefenderForCloud(client *httpclient.Client) *DefenderForCloud {
	return &DefenderForCloud{client: client, baseURL: defenderCloudBaseURL}
}

// Execute runs one ARM alerts call.
func (d *DefenderForCloud) Execute(ctx context.Context, inv *Invocation) (interface{}, error) {
	if err := requireOAuthCredential(inv, TagDefenderForCloud); err != nil {
		return nil, err
	}

	p := params{integration: TagDefenderForCloud, api: inv.API, values: inv.Params}
	switch inv.API {
	case "list_alerts":
		return d.listAlerts(ctx, inv, p)
	case "get_alert":
		return d.getAlert(ctx, inv, p)
	case "update_alert_status":
		return d.updateAlertStatus(ctx, inv, p)
	default:
		return nil, unknownAPI(TagDefenderForCloud, inv.API)
	}
}

func (d *DefenderForCloud) listAlerts(ctx context.Context, inv *Invocation, p params) (interface{}, error) {
	subscription, _, err := p.stringParam("subscription_id", required)
	if err != nil {
		return nil, err
	}

	reqURL := d.baseURL + "/subscriptions/" + subscription +
		"/providers/Microsoft.Security/alerts?api-version=" + defenderCloudAPIVersion
	return d.client.GetWithOAuthRefresh(ctx, reqURL,
		inv.WorkflowID, inv.Credential, nil, http.StatusOK, "defender-for-cloud alert list failed")
}

func (d *DefenderForCloud) getAlert(ctx context.Context, inv *Invocation, p params) (interface{}, error) {
	alertID, err := d.armAlertID(p)
	if err != nil {
		return nil, err
	}

	reqURL := d.baseURL + alertID + "?api-version=" + defenderCloudAPIVersion
	return d.client.GetWithOAuthRefresh(ctx, reqURL,
		inv.WorkflowID, inv.Credential, nil, http.StatusOK, "defender-for-cloud alert lookup failed")
}

// alertStatusActions maps action status values onto ARM's
// updateAlertState verbs.
var alertStatusActions = map[string]string{
	"activate":    "activate",
	"dismiss":     "dismiss",
	"resolve":     "resolve",
	"in_progress": "inProgress",
}

func (d *DefenderForCloud) updateAlertStatus(ctx context.Context, inv *Invocation, p params) (interface{}, error) {
	alertID, err := d.armAlertID(p)
	if err != nil {
		return nil, err
	}
	status, _, err := p.stringParam("status", required)
	if err != nil {
		return nil, err
	}

	action, ok := alertStatusActions[status]
	if !ok {
		return nil, &errors.ValidationError{
			Field:      "status",
			Message:    "unknown alert status " + status,
			Suggestion: "Use activate, dismiss, resolve or in_progress",
		}
	}

	// ARM answers 204 with no body on success.
	reqURL := d.baseURL + alertID + "/" + action + "?api-version=" + defenderCloudAPIVersion
	_, err = d.client.PostWithOAuthRefresh(ctx, reqURL, inv.WorkflowID, inv.Credential, nil,
		nil, http.StatusNoContent, "defender-for-cloud status update failed")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

// armAlertID reads and shape-checks the alert's ARM resource path.
func (d *DefenderForCloud) armAlertID(p params) (string, error) {
	alertID, _, err := p.stringParam("alert_id", required)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(alertID, "/subscriptions/") {
		return "", &errors.ValidationError{
			Field:      "alert_id",
			Message:    "alert_id must be the alert's full ARM resource path",
			Suggestion: "Use the id field returned by list_alerts",
		}
	}
	return alertID, nil
}
