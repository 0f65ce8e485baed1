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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/quiverops/quiver/internal/credential"
	"github.com/quiverops/quiver/pkg/errors"
)

const securityHubService = "securityhub"

// SecurityHub reads and updates AWS Security Hub findings. Requests are
// signed with SigV4 using the host's AWS credential chain rather than a
// stored secret; a workflow credential is optional and only pins the
// region.
type SecurityHub struct {
	creds *credential.Manager
	hc    *http.Client

	signer   *v4.Signer
	endpoint string // test override for the regional endpoint

	mu         sync.Mutex
	cfg        *aws.Config
	awsCreds   aws.Credentials
	credExpiry time.Time
}

// NewSecurityHub creates the Security Hub provider. The AWS credential
// chain is resolved lazily on first use so a daemon without AWS access
// still starts.
func NewSecurityHub(creds *credential.Manager, hc *http.Client) *SecurityHub {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &SecurityHub{creds: creds, hc: hc, signer: v4.NewSigner()}
}

func (s *SecurityHub) Execute(ctx context.Context, inv *Invocation) (interface{}, error) {
	p := params{integration: TagSecurityHub, api: inv.API, values: inv.Params}
	switch inv.API {
	case "get_findings":
		return s.getFindings(ctx, inv, p)
	case "update_findings":
		return s.updateFindings(ctx, inv, p)
	default:
		return nil, unknownAPI(TagSecurityHub, inv.API)
	}
}

func (s *SecurityHub) getFindings(ctx context.Context, inv *Invocation, p params) (interface{}, error) {
	body := map[string]interface{}{}
	filters, ok, err := p.objectParam("filters", optional)
	if err != nil {
		return nil, err
	}
	if ok {
		body["Filters"] = filters
	}
	max, ok, err := p.numberParam("max_results", optional)
	if err != nil {
		return nil, err
	}
	if ok {
		body["MaxResults"] = int(max)
	}

	return s.call(ctx, inv, http.MethodPost, "/findings", body)
}

func (s *SecurityHub) updateFindings(ctx context.Context, inv *Invocation, p params) (interface{}, error) {
	filters, _, err := p.objectParam("filters", required)
	if err != nil {
		return nil, err
	}
	note, hasNote, err := p.stringParam("note", optional)
	if err != nil {
		return nil, err
	}
	author, _, err := p.stringParam("note_author", optional)
	if err != nil {
		return nil, err
	}
	state, hasState, err := p.stringParam("record_state", optional)
	if err != nil {
		return nil, err
	}

	if !hasNote && !hasState {
		return nil, &errors.ValidationError{
			Field:      "params",
			Message:    "update_findings needs a note or a record_state",
			Suggestion: "Set note, record_state or both",
		}
	}

	body := map[string]interface{}{"Filters": filters}
	if hasNote {
		if author == "" {
			author = "quiver"
		}
		body["Note"] = map[string]interface{}{"Text": note, "UpdatedBy": author}
	}
	if hasState {
		if state != "ACTIVE" && state != "ARCHIVED" {
			return nil, &errors.ValidationError{
				Field:      "record_state",
				Message:    "unknown record state " + state,
				Suggestion: "Use ACTIVE or ARCHIVED",
			}
		}
		body["RecordState"] = state
	}

	return s.call(ctx, inv, http.MethodPatch, "/findings", body)
}

// call signs and sends one Security Hub request and decodes the JSON
// response.
func (s *SecurityHub) call(ctx context.Context, inv *Invocation, method, path string, payload map[string]interface{}) (interface{}, error) {
	cfg, err := s.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	region, err := s.region(ctx, inv, cfg)
	if err != nil {
		return nil, err
	}
	creds, err := s.signingCredentials(ctx, cfg)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode Security Hub request")
	}
	reqURL := s.serviceEndpoint(region) + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build Security Hub request")
	}
	req.Header.Set("Content-Type", "application/json")

	// SigV4 wants the payload hash both in the signature and as its own
	// header.
	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	if err := s.signer.SignHTTP(ctx, creds, req, payloadHash, securityHubService, region, time.Now()); err != nil {
		return nil, errors.Wrap(err, "sign Security Hub request")
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, reqURL)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read Security Hub response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, securityHubError(method, reqURL, resp.StatusCode, raw)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var result interface{}
	if err := dec.Decode(&result); err != nil {
		return nil, errors.Wrap(err, "decode Security Hub response")
	}
	return result, nil
}

// awsConfig loads the AWS credential chain once and proves it works
// with an STS GetCallerIdentity call. Failures are not cached, so a
// host that gains credentials later recovers on the next action.
func (s *SecurityHub) awsConfig(ctx context.Context) (aws.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg != nil {
		return *s.cfg, nil
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, &errors.ConfigError{
			Key:    "aws_credentials",
			Reason: fmt.Sprintf("loading the AWS credential chain failed: %v", err),
		}
	}

	stsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := sts.NewFromConfig(cfg).GetCallerIdentity(stsCtx, &sts.GetCallerIdentityInput{}); err != nil {
		return aws.Config{}, &errors.ConfigError{
			Key:    "aws_credentials",
			Reason: fmt.Sprintf("AWS credential validation failed: %v", err),
		}
	}

	s.cfg = &cfg
	return cfg, nil
}

// signingCredentials resolves SigV4 credentials from the chain, caching
// them for at most an hour so role sessions rotate in time.
func (s *SecurityHub) signingCredentials(ctx context.Context, cfg aws.Config) (aws.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.credExpiry.IsZero() && time.Now().Before(s.credExpiry) {
		return s.awsCreds, nil
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, &errors.ConfigError{
			Key:    "aws_credentials",
			Reason: fmt.Sprintf("resolving AWS credentials failed: %v", err),
		}
	}

	expiry := creds.Expires
	if expiry.IsZero() || time.Until(expiry) > time.Hour {
		expiry = time.Now().Add(time.Hour)
	}
	s.awsCreds = creds
	s.credExpiry = expiry
	return creds, nil
}

// region resolves the target region: the credential's REGION field when
// a credential is named, else the chain's default.
func (s *SecurityHub) region(ctx context.Context, inv *Invocation, cfg aws.Config) (string, error) {
	if inv.Credential != "" {
		var cred securityHubCredential
		if err := fetchCredential(ctx, s.creds, inv, TagSecurityHub, &cred); err != nil {
			return "", err
		}
		if cred.Region != "" {
			return cred.Region, nil
		}
	}
	if cfg.Region != "" {
		return cfg.Region, nil
	}
	return "", &errors.ConfigError{
		Key:    "aws_region",
		Reason: "no region in the credential or the AWS environment",
	}
}

func (s *SecurityHub) serviceEndpoint(region string) string {
	if s.endpoint != "" {
		return s.endpoint
	}
	return "https://securityhub." + region + ".amazonaws.com"
}

// securityHubError turns an AWS error body ({"__type": ..., "message":
// ...}) into an HTTP error.
func securityHubError(method, reqURL string, status int, body []byte) error {
	msg := "security hub request failed"
	var awsErr struct {
		Type    string `json:"__type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &awsErr); err == nil && (awsErr.Type != "" || awsErr.Message != "") {
		switch {
		case awsErr.Type != "" && awsErr.Message != "":
			msg = fmt.Sprintf("%s: %s: %s", msg, awsErr.Type, awsErr.Message)
		case awsErr.Type != "":
			msg = fmt.Sprintf("%s: %s", msg, awsErr.Type)
		default:
			msg = fmt.Sprintf("%s: %s", msg, awsErr.Message)
		}
	}
	return &errors.HTTPError{Method: method, URL: reqURL, StatusCode: status, Message: msg}
}

// securityHubCredential optionally pins the region for a workflow.
type securityHubCredential struct {
	Region string `json:"REGION"`
}
