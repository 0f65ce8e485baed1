package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/quiverops/quiver/pkg/errors"
)

// transformTimeout bounds jq evaluation. Queries can describe infinite
// streams, so the run must not hang on a pathological transform.
const transformTimeout = 1 * time.Second

// runTransform resolves the transform's input against the run state and
// feeds it through the jq query. A query that emits a single value yields
// that value; multiple values yield an array; no values yield null.
func runTransform(ctx context.Context, def *TransformDefinition, resolver *Resolver) (interface{}, error) {
	query, err := gojq.Parse(def.Query)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "query",
			Message:    fmt.Sprintf("invalid jq query: %s", err.Error()),
			Suggestion: "check the jq syntax",
		}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "query",
			Message:    fmt.Sprintf("jq compilation failed: %s", err.Error()),
			Suggestion: "check the jq syntax",
		}
	}

	input := resolver.Resolve(def.Input)

	execCtx, cancel := context.WithTimeout(ctx, transformTimeout)
	defer cancel()

	iter := code.RunWithContext(execCtx, input)

	var results []interface{}
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if execCtx.Err() != nil {
				return nil, fmt.Errorf("transform timed out after %v", transformTimeout)
			}
			return nil, fmt.Errorf("transform failed: %w", err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// ValidateTransformQuery checks that a jq query parses and compiles.
// Loaders use it to catch syntax errors before a run starts.
func ValidateTransformQuery(query string) error {
	if query == "" {
		return nil
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return fmt.Errorf("invalid jq query: %w", err)
	}
	if _, err := gojq.Compile(parsed); err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}
	return nil
}
