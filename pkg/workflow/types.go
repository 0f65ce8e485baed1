// Package workflow provides the workflow graph model and its executor.
package workflow

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/quiverops/quiver/pkg/errors"
)

// ActionType identifies the kind of work an action performs. The type
// selects which definition schema the action's stored JSON decodes into
// and which execution path the executor dispatches to.
type ActionType string

const (
	ActionTypeWebhook     ActionType = "webhook"
	ActionTypeManualStart ActionType = "manual_start"
	ActionTypeHTTPRequest ActionType = "http_request"
	ActionTypeIfCondition ActionType = "if_condition"
	ActionTypeAIInference ActionType = "ai_inference"
	ActionTypeSendEmail   ActionType = "send_email"
	ActionTypeIntegration ActionType = "integration"
	ActionTypeTransform   ActionType = "transform"
)

// Known reports whether t names a dispatchable action type.
func (t ActionType) Known() bool {
	switch t {
	case ActionTypeWebhook, ActionTypeManualStart, ActionTypeHTTPRequest,
		ActionTypeIfCondition, ActionTypeAIInference, ActionTypeSendEmail,
		ActionTypeIntegration, ActionTypeTransform:
		return true
	}
	return false
}

// Action is one node of a workflow graph. Definition holds the raw JSON
// stored in the actions table; it is decoded against the schema implied
// by Type at execution time.
type Action struct {
	ID              uuid.UUID       `json:"action_id"`
	WorkflowID      uuid.UUID       `json:"workflow_id"`
	Name            string          `json:"action_name"`
	ReferenceHandle string          `json:"reference_handle"`
	Type            ActionType      `json:"action_type"`
	Definition      json.RawMessage `json:"action_definition"`
}

// Workflow is an immutable directed graph of actions. Actions are keyed
// by reference handle; Edges maps a parent handle to its child handles in
// definition order.
type Workflow struct {
	ID      uuid.UUID
	Name    string
	IsLive  bool
	Actions map[string]*Action
	Edges   map[string][]string
}

// EntryHandle returns the handle of the graph's entry node: an action
// no edge points to. Manual-start roots win over other kinds, and ties
// break by handle order, so the choice is stable for a given graph.
// ok is false when the workflow has no actions.
func (w *Workflow) EntryHandle() (handle string, ok bool) {
	children := make(map[string]struct{})
	for _, kids := range w.Edges {
		for _, child := range kids {
			children[child] = struct{}{}
		}
	}

	var roots []string
	for h := range w.Actions {
		if _, isChild := children[h]; !isChild {
			roots = append(roots, h)
		}
	}
	if len(roots) == 0 {
		return "", false
	}
	sort.Strings(roots)

	for _, h := range roots {
		if w.Actions[h].Type == ActionTypeManualStart {
			return h, true
		}
	}
	return roots[0], true
}

// WebhookDefinition configures a webhook entry point. The node itself
// carries no settings; the ingress payload becomes its output.
type WebhookDefinition struct{}

// ManualStartDefinition configures a manually triggered entry point.
type ManualStartDefinition struct {
	// Input is returned as the node's output when no trigger payload
	// overrides it. An absent input yields an empty object.
	Input map[string]interface{} `json:"input,omitempty"`
}

// HTTPRequestDefinition configures an outbound HTTP call. URL and header
// values may contain references.
type HTTPRequestDefinition struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload interface{}       `json:"payload,omitempty"`
}

// IfConditionDefinition configures a condition node. Exactly one of
// Conditions or Expression must be set: Conditions is an ordered list of
// binary comparisons combined by logical AND, Expression is a boolean
// expression evaluated against the run state.
type IfConditionDefinition struct {
	Conditions []Comparison `json:"conditions,omitempty"`
	Expression string       `json:"expression,omitempty"`
}

// AIInferenceDefinition configures a model completion call. An empty
// Provider selects the process-default provider and its configured key;
// any other provider requires Credential.
type AIInferenceDefinition struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Credential  string   `json:"credential,omitempty"`
}

// SendEmailDefinition configures an outbound email. Each recipient entry
// is resolved independently; entries that do not resolve to a non-empty
// string are dropped.
type SendEmailDefinition struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	SenderName string   `json:"sender_name,omitempty"`
}

// IntegrationDefinition configures a call into a third-party integration.
// IntegrationType selects the provider, API the operation within it.
type IntegrationDefinition struct {
	IntegrationType string                 `json:"integration_type"`
	API             string                 `json:"api"`
	Credential      string                 `json:"credential,omitempty"`
	Params          map[string]interface{} `json:"params,omitempty"`
}

// TransformDefinition configures a data reshaping node: Input is resolved
// against the run state and fed through the jq Query.
type TransformDefinition struct {
	Input interface{} `json:"input"`
	Query string      `json:"query"`
}

// decodeDefinition unmarshals an action's stored definition into the
// schema struct for its type.
func decodeDefinition(action *Action, into interface{}) error {
	raw := action.Definition
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &errors.ValidationError{
			Field:      "action_definition",
			Message:    fmt.Sprintf("action %q: invalid %s definition: %s", action.ReferenceHandle, action.Type, err.Error()),
			Suggestion: "check the action definition against the schema for its type",
		}
	}
	return nil
}
