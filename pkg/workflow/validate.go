package workflow

import (
	"fmt"
	"regexp"

	"github.com/quiverops/quiver/pkg/errors"
	"github.com/quiverops/quiver/pkg/workflow/expression"
)

// Validate checks the structural integrity of a loaded workflow before it
// is handed to the executor: every edge endpoint must name an existing
// action (handle closure) and every condition definition must be
// well-formed. Loaders call this once after assembling the graph.
func Validate(wf *Workflow) error {
	for handle, action := range wf.Actions {
		if handle == "" {
			return &errors.ValidationError{
				Field:      "reference_handle",
				Message:    fmt.Sprintf("action %q has an empty reference handle", action.Name),
				Suggestion: "every action needs a unique, non-empty reference handle",
			}
		}
		if action.ReferenceHandle != handle {
			return &errors.ValidationError{
				Field:      "reference_handle",
				Message:    fmt.Sprintf("action indexed under %q declares handle %q", handle, action.ReferenceHandle),
				Suggestion: "rebuild the action index from the actions table",
			}
		}
	}

	for parent, children := range wf.Edges {
		if _, ok := wf.Actions[parent]; !ok {
			return &errors.ValidationError{
				Field:      "workflow_edges",
				Message:    fmt.Sprintf("edge parent %q does not name an action", parent),
				Suggestion: "remove the dangling edge or restore the missing action",
			}
		}
		for _, child := range children {
			if _, ok := wf.Actions[child]; !ok {
				return &errors.ValidationError{
					Field:      "workflow_edges",
					Message:    fmt.Sprintf("edge %s -> %s: child does not name an action", parent, child),
					Suggestion: "remove the dangling edge or restore the missing action",
				}
			}
		}
	}

	for _, action := range wf.Actions {
		if action.Type != ActionTypeIfCondition {
			continue
		}
		var def IfConditionDefinition
		if err := decodeDefinition(action, &def); err != nil {
			return err
		}
		if err := validateIfCondition(action.ReferenceHandle, &def); err != nil {
			return err
		}
	}

	return nil
}

// validateIfCondition enforces that a condition node carries exactly one
// of the two condition forms and that an expression form compiles.
func validateIfCondition(handle string, def *IfConditionDefinition) error {
	hasComparisons := len(def.Conditions) > 0
	hasExpression := def.Expression != ""

	switch {
	case hasComparisons && hasExpression:
		return &errors.ValidationError{
			Field:      "conditions",
			Message:    fmt.Sprintf("condition %q sets both conditions and expression", handle),
			Suggestion: "use either a comparison list or an expression, not both",
		}
	case !hasComparisons && !hasExpression:
		return &errors.ValidationError{
			Field:      "conditions",
			Message:    fmt.Sprintf("condition %q has neither conditions nor expression", handle),
			Suggestion: "add at least one comparison or a boolean expression",
		}
	case hasExpression:
		if err := expression.Validate(def.Expression); err != nil {
			return &errors.ValidationError{
				Field:      "expression",
				Message:    fmt.Sprintf("condition %q: %s", handle, err.Error()),
				Suggestion: "check the expression syntax",
			}
		}
	}

	return nil
}

// PlaintextCredentialPattern describes a recognizable secret shape that
// should never appear inline in an action definition.
type PlaintextCredentialPattern struct {
	Name    string
	Pattern *regexp.Regexp
}

var embeddedCredentialPatterns = []PlaintextCredentialPattern{
	{
		Name:    "GitHub Token",
		Pattern: regexp.MustCompile(`\b(ghp_|gho_|ghu_|ghs_|ghr_)[a-zA-Z0-9]{36,}\b`),
	},
	{
		Name:    "OpenAI API Key",
		Pattern: regexp.MustCompile(`\bsk-[a-zA-Z0-9]{20,}\b`),
	},
	{
		Name:    "AWS Access Key",
		Pattern: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	},
	{
		Name:    "Slack Token",
		Pattern: regexp.MustCompile(`\b(xoxb-|xoxp-|xoxa-|xoxr-)[0-9]{10,13}-[0-9]{10,13}-[a-zA-Z0-9]{24,}\b`),
	},
	{
		Name:    "Private Key",
		Pattern: regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	},
}

// DetectEmbeddedCredentials scans action definitions for plaintext
// secrets and returns a warning per finding. Workflows with embedded
// credentials still run; the warnings steer authors toward the encrypted
// credential store instead.
func DetectEmbeddedCredentials(wf *Workflow) []string {
	var warnings []string
	for _, action := range wf.Actions {
		for _, pattern := range embeddedCredentialPatterns {
			if pattern.Pattern.Match(action.Definition) {
				warnings = append(warnings, fmt.Sprintf(
					"action %q contains an inline %s - store it as a workflow credential instead",
					action.ReferenceHandle, pattern.Name,
				))
			}
		}
	}
	return warnings
}
