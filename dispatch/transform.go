package dispatch

import (
	"reflect"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/cel-go/cel"

	"github.com/goliatone/go-webhook-pipeline/core"
)

// transform shapes the delivery body for one rule. An empty expression
// falls back to the default envelope; anything else is a compiled CEL
// program evaluated in a sandbox with no I/O and must yield a map.
type transform struct {
	prog    cel.Program
	enabled bool
}

func newTransform(expr string) (transform, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return transform{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.Variable("original", cel.DynType),
		cel.Variable("enriched", cel.DynType),
		cel.Variable("metadata", cel.DynType),
	)
	if err != nil {
		return transform{}, transformError(err)
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return transform{}, transformError(iss.Err())
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return transform{}, transformError(iss2.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return transform{}, transformError(err)
	}
	return transform{prog: prog, enabled: true}, nil
}

// Apply evaluates the transform against an event and its processed result.
func (t transform) Apply(event core.Event, result core.Result) (map[string]any, error) {
	if !t.enabled {
		return defaultEnvelope(event, result), nil
	}

	out, _, err := t.prog.Eval(map[string]any{
		"event": map[string]any{
			"id":       event.ID,
			"source":   event.Source,
			"category": event.Category,
		},
		"original": result.Original,
		"enriched": result.Enriched,
		"metadata": metadataMap(result.Metadata),
	})
	if err != nil {
		return nil, transformError(err)
	}

	native, err := out.ConvertToNative(reflect.TypeOf(map[string]any{}))
	if err != nil {
		return nil, transformError(err)
	}
	body, ok := native.(map[string]any)
	if !ok {
		return nil, goerrors.New(
			"dispatch: transform expression must produce a map",
			goerrors.CategoryBadInput,
		).WithTextCode(core.PipelineErrorBadInput)
	}
	return body, nil
}

func defaultEnvelope(event core.Event, result core.Result) map[string]any {
	return map[string]any{
		"event_id": event.ID,
		"source":   event.Source,
		"category": event.Category,
		"enriched": result.Enriched,
		"metadata": metadataMap(result.Metadata),
	}
}

func metadataMap(metadata core.Metadata) map[string]any {
	return map[string]any{
		"category":           metadata.Category,
		"source":             metadata.Source,
		"processing_time_ms": metadata.ProcessingTimeMS,
		"processed_at":       metadata.ProcessedAt,
		"payload_size":       metadata.PayloadSize,
	}
}

func transformError(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryBadInput, "dispatch: transform").
		WithTextCode(core.PipelineErrorBadInput)
}
