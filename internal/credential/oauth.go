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

package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"

	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/httpclient"
)

// Integration type tags that select an OAuth refresh mode.
const (
	CredentialTypeTeams            = "MS_TEAMS"
	CredentialTypeDefender         = "MS_DEFENDER"
	CredentialTypeDefenderForCloud = "MS_DEFENDER_FOR_CLOUD"
)

// Token-request scopes for the client-credentials tags.
const (
	scopeDefender         = "https://api.securitycenter.microsoft.com/.default"
	scopeDefenderForCloud = "https://management.azure.com/.default"
)

// TokenRecord is the stored secret for refresh-token credentials: the
// record IS the current token, and every refresh rewrites it.
type TokenRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// AppCredential is the stored secret for client-credentials tags. It
// never changes; granted tokens live only in the in-memory cache.
type AppCredential struct {
	TenantID     string `json:"TENANT_ID"`
	ClientID     string `json:"CLIENT_ID"`
	ClientSecret string `json:"CLIENT_SECRET"`
}

// AccessToken is a granted client-credentials token held in the cache.
type AccessToken struct {
	Token     string
	TokenType string
	ExpiresAt int64
}

// OAuthConfig carries the process-level settings the refresh-token flow
// needs. Client id/secret come from daemon config, not from the stored
// credential.
type OAuthConfig struct {
	TeamsClientID     string
	TeamsClientSecret string

	// TeamsTenant scopes the refresh grant; empty means "common".
	TeamsTenant string

	// Authority overrides the Microsoft identity endpoint base URL
	// (sovereign clouds, tests). Empty selects login.microsoftonline.com.
	Authority string
}

// RefreshRecorder observes refresh outcomes.
type RefreshRecorder interface {
	RecordOAuthRefresh(mode, status string)
}

// TokenManager hands out OAuth access tokens. Reads that find a valid
// token return without blocking; everything that has to talk to the
// identity provider is serialized behind one process-wide mutex, so
// concurrent callers of a stale credential join a single refresh.
type TokenManager struct {
	creds   *Manager
	cfg     OAuthConfig
	hc      *http.Client
	cache   *tokenCache
	metrics RefreshRecorder
	now     func() int64

	// mu serializes every refresh in the process.
	mu sync.Mutex
}

var _ httpclient.TokenSource = (*TokenManager)(nil)

// NewTokenManager wires the credential manager and the shared HTTP
// client. hc may be nil, in which case grants use http.DefaultClient.
func NewTokenManager(creds *Manager, cfg OAuthConfig, hc *http.Client) *TokenManager {
	return &TokenManager{
		creds: creds,
		cfg:   cfg,
		hc:    hc,
		cache: newTokenCache(defaultCacheCapacity, defaultCacheTTL),
		now:   func() int64 { return time.Now().Unix() },
	}
}

// WithMetrics attaches a refresh recorder and returns the manager.
func (tm *TokenManager) WithMetrics(rec RefreshRecorder) *TokenManager {
	tm.metrics = rec
	return tm
}

// AccessToken implements httpclient.TokenSource. It returns the token
// type and access token for the named credential, refreshing first when
// the current token is stale.
func (tm *TokenManager) AccessToken(ctx context.Context, workflowID uuid.UUID, credential string) (string, string, error) {
	plaintext, credType, err := tm.creds.FetchSecret(ctx, workflowID, credential)
	if err != nil {
		return "", "", err
	}
	if credType == nil {
		return "", "", &errors.ConfigError{
			Key:    "credential_type",
			Reason: fmt.Sprintf("credential %q has no integration type; OAuth refresh needs one", credential),
		}
	}

	switch *credType {
	case CredentialTypeTeams:
		return tm.refreshTokenFlow(ctx, workflowID, credential, plaintext)
	case CredentialTypeDefender:
		return tm.clientCredentialsFlow(ctx, workflowID, credential, plaintext, scopeDefender)
	case CredentialTypeDefenderForCloud:
		return tm.clientCredentialsFlow(ctx, workflowID, credential, plaintext, scopeDefenderForCloud)
	default:
		return "", "", &errors.ConfigError{
			Key:    "credential_type",
			Reason: fmt.Sprintf("credential %q has type %q, which is not an OAuth integration type", credential, *credType),
		}
	}
}

// refreshTokenFlow serves Mode A credentials: the stored record is the
// token, and refreshes write the new record back through the store.
func (tm *TokenManager) refreshTokenFlow(ctx context.Context, workflowID uuid.UUID, credential string, plaintext []byte) (string, string, error) {
	record, err := decodeTokenRecord(credential, plaintext)
	if err != nil {
		return "", "", err
	}
	if record.ExpiresAt > tm.now() {
		return record.tokenType(), record.AccessToken, nil
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	// Re-read: a caller that held the lock first may have refreshed
	// and rewritten the record already.
	plaintext, _, err = tm.creds.FetchSecret(ctx, workflowID, credential)
	if err != nil {
		return "", "", err
	}
	record, err = decodeTokenRecord(credential, plaintext)
	if err != nil {
		return "", "", err
	}
	if record.ExpiresAt > tm.now() {
		return record.tokenType(), record.AccessToken, nil
	}

	refreshed, err := tm.refreshTeams(ctx, record)
	if err != nil {
		tm.record("refresh_token", "error")
		return "", "", &errors.RefreshError{Credential: credential, Cause: err}
	}

	buf, err := json.Marshal(refreshed)
	if err != nil {
		return "", "", errors.Wrap(err, "encode token record")
	}
	credType := CredentialTypeTeams
	if err := tm.creds.UpdateSecret(ctx, workflowID, credential, buf, &credType); err != nil {
		return "", "", err
	}

	tm.record("refresh_token", "ok")
	return refreshed.tokenType(), refreshed.AccessToken, nil
}

// refreshTeams posts the refresh_token grant with the process client
// id/secret and maps the response back into a stored record.
func (tm *TokenManager) refreshTeams(ctx context.Context, record *TokenRecord) (*TokenRecord, error) {
	if record.RefreshToken == "" {
		return nil, &errors.MalformedCredentialError{
			Name:  CredentialTypeTeams,
			Cause: fmt.Errorf("token record has no refresh_token"),
		}
	}
	if tm.cfg.TeamsClientID == "" || tm.cfg.TeamsClientSecret == "" {
		return nil, &errors.ConfigError{
			Key:    "TEAMS_CLIENT_ID",
			Reason: "refresh-token grants need the Teams client id and secret in daemon config",
		}
	}

	conf := &oauth2.Config{
		ClientID:     tm.cfg.TeamsClientID,
		ClientSecret: tm.cfg.TeamsClientSecret,
		Endpoint:     tm.endpoint(tm.cfg.TeamsTenant),
	}

	tok, err := conf.TokenSource(tm.grantContext(ctx), &oauth2.Token{RefreshToken: record.RefreshToken}).Token()
	if err != nil {
		return nil, err
	}

	next := &TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tm.expiresAt(tok),
		Scope:        record.Scope,
		TokenType:    tok.Type(),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = record.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		next.Scope = scope
	}
	return next, nil
}

// clientCredentialsFlow serves Mode B credentials: the stored secret is
// the app registration, and granted tokens live only in the cache.
func (tm *TokenManager) clientCredentialsFlow(ctx context.Context, workflowID uuid.UUID, credential string, plaintext []byte, scope string) (string, string, error) {
	app, err := decodeAppCredential(credential, plaintext)
	if err != nil {
		return "", "", err
	}

	key := cacheKey{credential: credential, workflowID: workflowID}
	if tok, ok := tm.cache.get(key); ok {
		return tok.TokenType, tok.Token, nil
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	// Re-check: the refresh that blocked this caller may have already
	// populated the cache.
	if tok, ok := tm.cache.get(key); ok {
		return tok.TokenType, tok.Token, nil
	}

	conf := &clientcredentials.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		TokenURL:     tm.endpoint(app.TenantID).TokenURL,
		Scopes:       []string{scope},
	}
	tok, err := conf.Token(tm.grantContext(ctx))
	if err != nil {
		tm.record("client_credentials", "error")
		return "", "", &errors.RefreshError{Credential: credential, Cause: err}
	}

	granted := AccessToken{
		Token:     tok.AccessToken,
		TokenType: tok.Type(),
		ExpiresAt: tm.expiresAt(tok),
	}
	tm.cache.put(key, granted)

	tm.record("client_credentials", "ok")
	return granted.TokenType, granted.Token, nil
}

// endpoint resolves the Microsoft identity endpoints for a tenant.
func (tm *TokenManager) endpoint(tenant string) oauth2.Endpoint {
	if tm.cfg.Authority == "" {
		return microsoft.AzureADEndpoint(tenant)
	}
	if tenant == "" {
		tenant = "common"
	}
	base := strings.TrimSuffix(tm.cfg.Authority, "/")
	return oauth2.Endpoint{
		AuthURL:  base + "/" + tenant + "/oauth2/v2.0/authorize",
		TokenURL: base + "/" + tenant + "/oauth2/v2.0/token",
	}
}

// grantContext routes grant requests through the shared HTTP client.
func (tm *TokenManager) grantContext(ctx context.Context) context.Context {
	if tm.hc == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, tm.hc)
}

// expiresAt converts a granted token's expiry to wall unix seconds.
func (tm *TokenManager) expiresAt(tok *oauth2.Token) int64 {
	if tok.Expiry.IsZero() {
		return tm.now() + 3600
	}
	return tok.Expiry.Unix()
}

func (tm *TokenManager) record(mode, status string) {
	if tm.metrics != nil {
		tm.metrics.RecordOAuthRefresh(mode, status)
	}
}

func (r *TokenRecord) tokenType() string {
	if r.TokenType == "" {
		return "Bearer"
	}
	return r.TokenType
}

func decodeTokenRecord(credential string, plaintext []byte) (*TokenRecord, error) {
	var record TokenRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, &errors.MalformedCredentialError{Name: credential, Cause: err}
	}
	return &record, nil
}

func decodeAppCredential(credential string, plaintext []byte) (*AppCredential, error) {
	var app AppCredential
	if err := json.Unmarshal(plaintext, &app); err != nil {
		return nil, &errors.MalformedCredentialError{Name: credential, Cause: err}
	}
	if app.TenantID == "" || app.ClientID == "" || app.ClientSecret == "" {
		return nil, &errors.MalformedCredentialError{
			Name:  credential,
			Cause: fmt.Errorf("app credential needs TENANT_ID, CLIENT_ID and CLIENT_SECRET"),
		}
	}
	return &app, nil
}
