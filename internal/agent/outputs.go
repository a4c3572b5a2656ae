package agent

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/schema"
)

// dispatchOutput records the stub, validates its content and hands it to the
// output handler. Every stub ends finalized: processed, deferred, or marked
// with an error. The stub itself is only announced once finalized.
func (e *Engine) dispatchOutput(ctx context.Context, ref *model.OutputRef) {
	a := e.agent
	a.ins.Outputs.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.output", ref.Type)))
	e.append(ref)

	b, err := e.findOutput(ref.Type, ref.Params[contextKeyAttr])
	if err != nil {
		e.failOutput(ref, err)
		return
	}
	def := b.def

	data, err := parseOutput(def, ref.Content)
	if err != nil {
		e.failOutput(ref, newParsingError("output", def.Type, err))
		return
	}
	e.main.mu.Lock()
	ref.Data = data
	e.main.mu.Unlock()

	if def.Handler == nil {
		e.finalizeOutput(def, ref, OutputResponse{})
		return
	}

	oc := &OutputContext{
		Agent:         a,
		Context:       b.owner.state,
		Ref:           ref,
		WorkingMemory: e.workingMemorySnapshot(),
		Logger:        e.logger.With("output", def.Type),
	}
	var responses []OutputResponse
	if err := safeHook(func() error {
		var herr error
		responses, herr = def.Handler(ctx, data, oc)
		return herr
	}); err != nil {
		e.failOutput(ref, fmt.Errorf("output %q: %w", def.Type, err))
		return
	}
	if len(responses) == 0 {
		e.finalizeOutput(def, ref, OutputResponse{})
		return
	}
	for i, r := range responses {
		target := ref
		if i > 0 {
			e.main.mu.Lock()
			target = model.NewOutput(ref.Type, ref.Content, maps.Clone(ref.Params))
			target.Data = ref.Data
			e.main.mu.Unlock()
			e.append(target)
		}
		e.finalizeOutput(def, target, r)
	}
}

func (e *Engine) finalizeOutput(def *OutputDef, ref *model.OutputRef, r OutputResponse) {
	e.main.mu.Lock()
	if r.Data != nil {
		ref.Data = r.Data
	}
	if len(r.Params) > 0 {
		if ref.Params == nil {
			ref.Params = map[string]string{}
		}
		maps.Copy(ref.Params, r.Params)
	}
	ref.Processed = !r.Deferred
	e.main.mu.Unlock()

	if def.Format != nil {
		if err := safeHook(func() error { ref.Formatted = def.Format(ref); return nil }); err != nil {
			e.logger.Warn("format failed", "output", def.Type, "error", err)
		}
	}
	e.notify(ref, true)
}

func (e *Engine) failOutput(ref *model.OutputRef, err error) {
	e.recordError(err)
	e.logger.Warn("output rejected", "output", ref.Type, "error", err)
	e.main.mu.Lock()
	ref.Error = err.Error()
	ref.Processed = true
	e.main.mu.Unlock()
	e.pushEvent("error", errorPayload(err), map[string]string{"outputId": ref.ID, "output": ref.Type})
	e.notify(ref, true)
}

func (e *Engine) findOutput(typ, key string) (outputBinding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.outputs {
		if b.def.Type != typ {
			continue
		}
		if key != "" && b.owner.state.Key != key {
			continue
		}
		return b, nil
	}
	return outputBinding{}, &NotFoundError{Kind: "output", Name: typ}
}

func parseOutput(def *OutputDef, content string) (any, error) {
	if def.Schema == nil || def.Schema.IsText() {
		return strings.TrimSpace(content), nil
	}
	v, err := schema.ParseJSON(content)
	if err != nil {
		return nil, err
	}
	if err := def.Schema.Validate(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *Engine) workingMemorySnapshot() *model.WorkingMemory {
	e.main.mu.Lock()
	defer e.main.mu.Unlock()
	return shallowWorkingMemory(e.main.wm)
}
