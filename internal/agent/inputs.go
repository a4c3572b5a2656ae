package agent

import (
	"context"
	"fmt"

	"github.com/rcliao/agent-runtime/internal/model"
)

// PushInput validates data against the input definition of typ and pushes
// the resulting input. Unknown types and invalid data are recorded as error
// events instead.
func (e *Engine) PushInput(ctx context.Context, typ string, data any) error {
	_, err := e.pushInput(ctx, typ, data)
	return err
}

// pushInput returns the pushed input, or nil when it was rejected.
func (e *Engine) pushInput(ctx context.Context, typ string, data any) (*model.InputRef, error) {
	if !e.admit() {
		return nil, ErrNotRunning
	}
	defer e.pushes.Done()
	a := e.agent
	params := map[string]string{"input": typ}

	def, ok := a.inputs[typ]
	if !ok {
		e.rejectInput(&NotFoundError{Kind: "input", Name: typ}, params)
		return nil, nil
	}
	if err := def.Schema.Validate(data); err != nil {
		e.rejectInput(newParsingError("input", typ, err), params)
		return nil, nil
	}

	in := model.NewInput(typ, data)
	in.Data = data
	if def.Handler != nil {
		ic := &InputContext{Agent: a, Context: e.main.state, Ref: in}
		var v any
		if err := safeHook(func() error {
			var herr error
			v, herr = def.Handler(ctx, data, ic)
			return herr
		}); err != nil {
			e.rejectInput(fmt.Errorf("input %q: %w", typ, err), params)
			return nil, nil
		}
		in.Data = v
	}
	if def.Format != nil {
		if err := safeHook(func() error { in.Formatted = def.Format(in); return nil }); err != nil {
			e.logger.Warn("format failed", "input", typ, "error", err)
		}
	}
	if err := e.push(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// inputPending reports whether in is still waiting for a step to see it.
func (e *Engine) inputPending(in *model.InputRef) bool {
	if in == nil {
		return false
	}
	e.main.mu.Lock()
	defer e.main.mu.Unlock()
	return !in.Processed
}

func (e *Engine) rejectInput(err error, params map[string]string) {
	e.recordError(err)
	e.logger.Warn("input rejected", "error", err)
	e.pushEvent("error", errorPayload(err), params)
}
