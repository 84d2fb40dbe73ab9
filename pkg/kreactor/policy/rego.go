// Package policy provides pluggable kreactor.LifecyclePolicy
// implementations beyond the handful built into pkg/kreactor.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/jordigilh/kreactor/pkg/kreactor"
)

// NewRegoPolicy compiles query (a Rego expression evaluated against
// {handlers: [{id, reason, retries}, ...], cause: {reason}}) into a
// kreactor.LifecyclePolicy. The query must produce either a single
// boolean (true selects every handler, false selects none) or an array
// of handler ids to run this cycle; anything else is a policy error.
//
// This lets an operator author express a selection rule like "run at
// most the two lowest-retry handlers unless the cause is delete" as a
// policy document rather than Go code, without touching the engine.
func NewRegoPolicy(query string) (kreactor.LifecyclePolicy, error) {
	ctx := context.Background()
	prepared, err := rego.New(
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compiling rego policy: %w", err)
	}

	return func(handlers []kreactor.Handler, cause kreactor.Cause) []kreactor.Handler {
		input := buildInput(handlers, cause)
		results, err := prepared.Eval(ctx, rego.EvalInput(input))
		if err != nil || len(results) == 0 || len(results[0].Expressions) == 0 {
			return nil
		}

		switch v := results[0].Expressions[0].Value.(type) {
		case bool:
			if v {
				return handlers
			}
			return nil
		case []interface{}:
			return selectByID(handlers, v)
		default:
			return nil
		}
	}, nil
}

func buildInput(handlers []kreactor.Handler, cause kreactor.Cause) map[string]interface{} {
	encoded := make([]map[string]interface{}, len(handlers))
	for i, h := range handlers {
		progress := kreactor.GetProgress(cause.Body, cause.Patch, h.ID)
		encoded[i] = map[string]interface{}{
			"id":      h.ID,
			"reason":  string(h.Reason),
			"retries": progress.Retries,
		}
	}
	return map[string]interface{}{
		"handlers": encoded,
		"cause": map[string]interface{}{
			"reason": string(cause.Reason),
		},
	}
}

func selectByID(handlers []kreactor.Handler, ids []interface{}) []kreactor.Handler {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		if s, ok := id.(string); ok {
			wanted[s] = true
		}
	}
	var out []kreactor.Handler
	for _, h := range handlers {
		if wanted[h.ID] {
			out = append(out, h)
		}
	}
	return out
}
