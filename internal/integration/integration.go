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

// Package integration executes integration actions against a closed set
// of SaaS providers. Every provider follows the same contract: load and
// validate its credential, match the API tag against its operation set,
// read parameters with the typed accessors, and call out through the
// shared HTTP client. The registry in front adds per-provider rate
// limiting and a circuit breaker so one failing upstream cannot drain
// the runner.
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quiverops/quiver/internal/credential"
	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/httpclient"
	"github.com/quiverops/quiver/pkg/workflow"
)

// Provider tags. These are the integration_type values accepted in
// action definitions and the credential_type values stored on
// OAuth-backed credentials.
const (
	TagSlack            = "SLACK"
	TagJira             = "JIRA"
	TagVirusTotal       = "VIRUS_TOTAL"
	TagOpsgenie         = "OPSGENIE"
	TagTeams            = "MS_TEAMS"
	TagDefender         = "MS_DEFENDER"
	TagDefenderForCloud = "MS_DEFENDER_FOR_CLOUD"
	TagSecurityHub      = "AWS_SECURITY_HUB"
)

// Invocation carries one integration call after reference resolution.
type Invocation struct {
	WorkflowID uuid.UUID
	API        string
	Credential string
	Params     map[string]interface{}
}

// Provider is one SaaS adapter. Implementations dispatch Invocation.API
// against a closed operation set; an unknown API is a ConfigError.
type Provider interface {
	Execute(ctx context.Context, inv *Invocation) (interface{}, error)
}

type providerLimit struct {
	limit rate.Limit
	burst int
}

// Published quota ceilings, kept under the vendor limits so bursts of
// concurrent runs degrade into waiting instead of 429 storms.
var defaultLimits = map[string]providerLimit{
	TagSlack:            {rate.Every(time.Second), 5},
	TagJira:             {rate.Limit(10), 10},
	TagVirusTotal:       {rate.Every(15 * time.Second), 4}, // free tier: 4 lookups/min
	TagOpsgenie:         {rate.Limit(10), 10},
	TagTeams:            {rate.Limit(4), 4},
	TagDefender:         {rate.Every(time.Second), 5},
	TagDefenderForCloud: {rate.Limit(5), 5},
	TagSecurityHub:      {rate.Limit(3), 3},
}

const (
	breakerTripThreshold = 5
	breakerCooldown      = 30 * time.Second
)

// Registry routes integration invocations to providers. It implements
// workflow.IntegrationExecutor.
type Registry struct {
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
	breakers  map[string]*gobreaker.CircuitBreaker
	logger    *slog.Logger
}

var _ workflow.IntegrationExecutor = (*Registry)(nil)

// NewRegistry builds the full provider catalogue over the credential
// manager and the shared HTTP client.
func NewRegistry(creds *credential.Manager, client *httpclient.Client, logger *slog.Logger) *Registry {
	providers := map[string]Provider{
		TagSlack:            NewSlack(creds, client),
		TagJira:             NewJira(creds, client),
		TagVirusTotal:       NewVirusTotal(creds, client),
		TagOpsgenie:         NewOpsgenie(creds, client),
		TagTeams:            NewTeams(client),
		TagDefender:         NewDefender(client),
		TagDefenderForCloud: NewDefenderForCloud(client),
		TagSecurityHub:      NewSecurityHub(creds, client.HTTPClient()),
	}
	return newRegistry(providers, logger)
}

func newRegistry(providers map[string]Provider, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		providers: providers,
		limiters:  make(map[string]*rate.Limiter, len(providers)),
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(providers)),
		logger:    logger,
	}

	for tag := range providers {
		lim, ok := defaultLimits[tag]
		if !ok {
			lim = providerLimit{rate.Inf, 0}
		}
		r.limiters[tag] = rate.NewLimiter(lim.limit, lim.burst)
		r.breakers[tag] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        tag,
			MaxRequests: 1,
			Timeout:     breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTripThreshold
			},
			IsSuccessful: func(err error) bool {
				return !upstreamFault(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("integration breaker state changed",
					"integration", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}
	return r
}

// Execute implements workflow.IntegrationExecutor.
func (r *Registry) Execute(ctx context.Context, req *workflow.IntegrationRequest) (interface{}, error) {
	provider, ok := r.providers[req.Integration]
	if !ok {
		return nil, &errors.ConfigError{
			Key:    "integration_type",
			Reason: fmt.Sprintf("unknown integration %q", req.Integration),
		}
	}

	if err := r.limiters[req.Integration].Wait(ctx); err != nil {
		return nil, errors.Wrapf(err, "%s rate limit", req.Integration)
	}

	result, err := r.breakers[req.Integration].Execute(func() (interface{}, error) {
		return provider.Execute(ctx, &Invocation{
			WorkflowID: req.WorkflowID,
			API:        req.API,
			Credential: req.Credential,
			Params:     req.Params,
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Wrapf(err, "%s requests suspended", req.Integration)
		}
		return nil, err
	}
	return result, nil
}

// fetchCredential binds the credential named on the invocation into the
// provider's schema. The stored type tag, when present, must match the
// provider executing the action.
func fetchCredential(ctx context.Context, creds *credential.Manager, inv *Invocation, tag string, into interface{}) error {
	if inv.Credential == "" {
		return &errors.ValidationError{
			Field:      "credential",
			Message:    fmt.Sprintf("%s actions need a credential", tag),
			Suggestion: "Name a workflow credential on the integration action",
		}
	}

	credType, err := creds.FetchInto(ctx, inv.WorkflowID, inv.Credential, into)
	if err != nil {
		return err
	}
	if credType != nil && *credType != "" && *credType != tag {
		return &errors.ConfigError{
			Key:    "credential_type",
			Reason: fmt.Sprintf("credential %q is typed %s, not %s", inv.Credential, *credType, tag),
		}
	}

	if v, ok := into.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return &errors.MalformedCredentialError{Name: inv.Credential, Cause: err}
		}
	}
	return nil
}

// unknownAPI is the error for an API tag outside a provider's closed set.
func unknownAPI(tag, api string) error {
	return &errors.ConfigError{
		Key:    "api",
		Reason: fmt.Sprintf("%s has no API %q", tag, api),
	}
}

// upstreamFault reports whether an error says something about the
// provider's health. Caller faults (bad parameters, missing or malformed
// credentials, 4xx responses other than throttling) must not trip the
// breaker.
func upstreamFault(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.As(err, new(*errors.MissingParameterError)),
		errors.As(err, new(*errors.ParameterTypeError)),
		errors.As(err, new(*errors.ValidationError)),
		errors.As(err, new(*errors.ConfigError)),
		errors.As(err, new(*errors.MissingCredentialError)),
		errors.As(err, new(*errors.MalformedCredentialError)),
		errors.As(err, new(*errors.CryptoError)),
		errors.As(err, new(*errors.EgressError)):
		return false
	}

	var httpErr *errors.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	return true
}
