package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/schema"
	"github.com/rcliao/agent-runtime/internal/taskrunner"
	"github.com/rcliao/agent-runtime/internal/template"
)

// contextKeyAttr scopes an action call or output to the context with that
// key.
const contextKeyAttr = "contextKey"

func (e *Engine) dispatchAction(call *model.ActionCall, slot *taskrunner.Future[*model.ActionResult], prior []*taskrunner.Future[*model.ActionResult]) {
	defer e.endAction()
	a := e.agent
	ctx, span := a.tracer.Start(e.ctx, "agent.action", trace.WithAttributes(
		attribute.String("agent.context", e.main.state.ID),
		attribute.String("agent.action", call.Name),
		attribute.String("agent.call_id", call.ID),
	))
	defer span.End()
	attrs := metric.WithAttributes(attribute.String("agent.action", call.Name))
	a.ins.Actions.Add(ctx, 1, attrs)

	res, err := e.runAction(ctx, call, prior)
	if err != nil {
		slot.Resolve(nil, err)
		a.ins.ActionErrors.Add(ctx, 1, attrs)
		span.SetStatus(codes.Error, err.Error())
		e.recordError(err)
		e.logger.Warn("action call rejected", "action", call.Name, "call", call.ID, "error", err)
		e.pushEvent("error", errorPayload(err), map[string]string{"callId": call.ID, "action": call.Name})
		return
	}
	if res.Failed {
		a.ins.ActionErrors.Add(ctx, 1, attrs)
		span.SetStatus(codes.Error, "handler failed")
	}
	slot.Resolve(res, nil)
	e.append(res)
	e.notify(res, true)
}

// runAction prepares and executes one call. Lookup and argument errors are
// returned; handler failures become a failed result.
func (e *Engine) runAction(ctx context.Context, call *model.ActionCall, prior []*taskrunner.Future[*model.ActionResult]) (*model.ActionResult, error) {
	a := e.agent
	b, err := e.findAction(call.Name, call.Params[contextKeyAttr])
	if err != nil {
		return nil, err
	}
	def := b.def

	data := call.Data
	if data == nil {
		if data, err = parseCall(def, call.Content); err != nil {
			return nil, newParsingError("action", def.Name, err)
		}
	}

	logger := e.logger.With("action", def.Name, "call", call.ID)
	if !def.DisableTemplates {
		if tpls := template.Detect(data); len(tpls) > 0 {
			resolvers := template.Resolvers{
				"calls":           callsResolver(prior),
				"shortTermMemory": e.shortTermResolver(),
			}.Merge(a.resolvers, b.owner.def.Resolvers, def.Resolvers)
			if data, err = template.Resolve(ctx, data, tpls, resolvers, logger); err != nil {
				return nil, err
			}
		}
	}

	if err := def.Schema.Validate(data); err != nil {
		return nil, newParsingError("action", def.Name, err)
	}

	e.main.mu.Lock()
	call.Data = data
	wm := shallowWorkingMemory(e.main.wm)
	e.main.mu.Unlock()

	cc := &ActionCallContext{
		Agent:         a,
		Context:       b.owner.state,
		Call:          call,
		WorkingMemory: wm,
		Data:          data,
		Logger:        logger,
	}
	opts := taskrunner.Options{QueueKey: def.QueueKey, Retry: def.Retry, Priority: def.Priority}
	if def.QueueKeyFunc != nil {
		opts.QueueKey = def.QueueKeyFunc(cc)
	}

	var last *ActionCallContext
	v, herr := a.runner.Run(ctx, opts, func(ctx context.Context, attempt int) (any, error) {
		ac := *cc
		ac.Attempt = attempt
		last = &ac
		if def.Memory != nil {
			mem, err := a.loadActionMemory(ctx, def.Memory)
			if err != nil {
				return nil, err
			}
			ac.Memory = mem
		}
		if def.Handler == nil {
			return nil, nil
		}
		out, err := def.Handler(ctx, &ac)
		if err != nil {
			return nil, err
		}
		if def.Memory != nil {
			if err := a.saveActionMemory(ctx, def.Memory, ac.Memory); err != nil {
				return nil, err
			}
		}
		return out, nil
	})
	if last != nil {
		cc = last
	}

	res := model.NewActionResult(call, v)
	if herr != nil {
		recovered := false
		if def.OnError != nil {
			var rv any
			rerr := safeHook(func() error {
				var err error
				rv, err = def.OnError(ctx, herr, cc)
				return err
			})
			if rerr == nil {
				res.Data = rv
				recovered = true
				logger.Info("action recovered", "error", herr)
			}
		}
		if !recovered {
			logger.Warn("action failed", "attempts", cc.Attempt, "error", herr)
			res.Data = errorPayload(herr)
			res.Failed = true
		}
	}
	if !res.Failed && def.OnSuccess != nil {
		if err := safeHook(func() error { def.OnSuccess(ctx, res, cc); return nil }); err != nil {
			logger.Warn("on success hook failed", "error", err)
		}
	}
	if def.Format != nil {
		if err := safeHook(func() error { res.Formatted = def.Format(res); return nil }); err != nil {
			logger.Warn("format failed", "error", err)
		}
	}
	return res, nil
}

func (e *Engine) findAction(name, key string) (actionBinding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.actions {
		if b.def.Name != name {
			continue
		}
		if key != "" && b.owner.state.Key != key {
			continue
		}
		return b, nil
	}
	return actionBinding{}, &NotFoundError{Kind: "action", Name: name}
}

func parseCall(def *ActionDef, content string) (any, error) {
	if def.Parse != nil {
		return def.Parse(content)
	}
	if def.Schema.IsText() {
		return strings.TrimSpace(content), nil
	}
	var (
		v   any
		err error
	)
	if def.CallFormat == FormatXML {
		v, err = schema.ParseXML(content)
	} else {
		v, err = schema.ParseJSON(content)
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = map[string]any{}
	}
	return v, nil
}

// callsResolver resolves `calls[i].path` against the results of the calls
// issued before the current one in the step, awaiting pending ones.
func callsResolver(prior []*taskrunner.Future[*model.ActionResult]) template.Resolver {
	return func(ctx context.Context, path string) (any, error) {
		elems, err := template.ParsePath(path)
		if err != nil {
			return nil, err
		}
		if len(elems) == 0 || !elems[0].IsIndex {
			return nil, fmt.Errorf("calls: expected an index, got %q", path)
		}
		i := elems[0].Index
		if i < 0 || i >= len(prior) {
			return nil, nil
		}
		res, err := prior[i].Await(ctx)
		if err != nil {
			return nil, fmt.Errorf("calls[%d]: %w", i, err)
		}
		if res.Failed {
			return nil, fmt.Errorf("calls[%d] failed", i)
		}
		v, _ := template.LookupPath(res.Data, elems[1:])
		return v, nil
	}
}

// shortTermResolver looks paths up in the memory of the short-term memory
// context, loaded alongside the run or on demand.
func (e *Engine) shortTermResolver() template.Resolver {
	a := e.agent
	return template.ValueResolver(func(ctx context.Context) (any, error) {
		for _, c := range e.snapshotContexts() {
			if c.state.Type == a.shortTermType {
				return c.state.Memory, nil
			}
		}
		def, ok := a.contexts[a.shortTermType]
		if !ok {
			return nil, errors.New("no short-term memory context registered")
		}
		c, err := a.loadContext(ctx, ContextRef{Def: def})
		if err != nil {
			return nil, err
		}
		return c.state.Memory, nil
	})
}

// shallowWorkingMemory copies the collections of wm so readers do not race
// with appends.
func shallowWorkingMemory(wm *model.WorkingMemory) *model.WorkingMemory {
	return &model.WorkingMemory{
		Inputs:   append([]*model.InputRef(nil), wm.Inputs...),
		Outputs:  append([]*model.OutputRef(nil), wm.Outputs...),
		Thoughts: append([]*model.Thought(nil), wm.Thoughts...),
		Calls:    append([]*model.ActionCall(nil), wm.Calls...),
		Results:  append([]*model.ActionResult(nil), wm.Results...),
		Events:   append([]*model.EventRef(nil), wm.Events...),
		Steps:    append([]*model.StepRef(nil), wm.Steps...),
		Runs:     append([]*model.RunRef(nil), wm.Runs...),
	}
}
