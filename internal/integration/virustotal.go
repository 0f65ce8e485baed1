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

	"github.com/quiverops/quiver/internal/credential"
	"github.com/quiverops/quiver/pkg/httpclient"
)

const virusTotalBaseURL = "https://www.virustotal.com/api/v3"

// VirusTotal looks up threat intelligence through the v3 API.
type VirusTotal struct {
	creds   *credential.Manager
	client  *httpclient.Client
	baseURL string
}

// NewVirusTotal creates the VirusTotal provider.
func NewVirusTotal(creds *credential.Manager, client *httpclient.Client) *VirusTotal {
	return &VirusTotal{creds: creds, client: client, baseURL: virusTotalBaseURL}
}

// Execute runs one VirusTotal API call.
func (v *VirusTotal) Execute(ctx context.Context, inv *Invocation) (interface{}, error) {
	var cred virusTotalCredential
	if err := fetchCredential(ctx, v.creds, inv, TagVirusTotal, &cred); err != nil {
		return nil, err
	}

	p := params{integration: TagVirusTotal, api: inv.API, values: inv.Params}
	switch inv.API {
	case "get_file_report":
		return v.getFileReport(ctx, cred, p)
	case "get_domain_report":
		return v.getDomainReport(ctx, cred, p)
	case "scan_url":
		return v.scanURL(ctx, cred, p)
	case "get_url_report":
		return v.getURLReport(ctx, cred, p)
	default:
		return nil, unknownAPI(TagVirusTotal, inv.API)
	}
}

func (v *VirusTotal) getFileReport(ctx context.Context, cred virusTotalCredential, p params) (interface{}, error) {
	hash, _, err := p.stringParam("hash", required)
	if err != nil {
		return nil, err
	}

	return v.client.Get(ctx, v.baseURL+"/files/"+url.PathEscape(hash), cred.headers(),
		http.StatusOK, "virustotal file report failed")
}

func (v *VirusTotal) getDomainReport(ctx context.Context, cred virusTotalCredential, p params) (interface{}, error) {
	domain, _, err := p.stringParam("domain", required)
	if err != nil {
		return nil, err
	}

	return v.client.Get(ctx, v.baseURL+"/domains/"+url.PathEscape(domain), cred.headers(),
		http.StatusOK, "virustotal domain report failed")
}

func (v *VirusTotal) scanURL(ctx context.Context, cred virusTotalCredential, p params) (interface{}, error) {
	target, _, err := p.stringParam("url", required)
	if err != nil {
		return nil, err
	}

	return v.client.Post(ctx, v.baseURL+"/urls", cred.headers(),
		httpclient.Form(map[string]string{"url": target}),
		http.StatusOK, "virustotal url submission failed")
}

// getURLReport accepts either a url parameter (hashed into VirusTotal's
// identifier form) or a ready-made id from an earlier scan_url result.
func (v *VirusTotal) getURLReport(ctx context.Context, cred virusTotalCredential, p params) (interface{}, error) {
	id, hasID, err := p.stringParam("id", optional)
	if err != nil {
		return nil, err
	}
	if !hasID {
		target, hasURL, err := p.stringParam("url", optional)
		if err != nil {
			return nil, err
		}
		if !hasURL {
			return nil, p.missing("url", required)
		}
		id = base64.RawURLEncoding.EncodeToString([]byte(target))
	}

	return v.client.Get(ctx, v.baseURL+"/urls/"+url.PathEscape(id), cred.headers(),
		http.StatusOK, "virustotal url report failed")
}

type virusTotalCredential struct {
	APIKey string `json:"API_KEY"`
}

func (c virusTotalCredential) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("missing API_KEY")
	}
	return nil
}

func (c virusTotalCredential) headers() map[string]string {
	return map[string]string{"x-apikey": c.APIKey}
}
