package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/agent-runtime/internal/episodes"
	"github.com/rcliao/agent-runtime/internal/llm"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/taskrunner"
	"github.com/rcliao/agent-runtime/internal/tokens"
)

// EngineState is a point-in-time view of an engine.
type EngineState struct {
	RunID   string
	Running bool
	Step    int
}

type actionBinding struct {
	def   *ActionDef
	owner *contextEntry
}

type outputBinding struct {
	def   *OutputDef
	owner *contextEntry
}

// Engine drives one run of a context: steps of prompt rendering, model
// streaming and dispatch until nothing is left to do.
type Engine struct {
	agent  *Agent
	runID  string
	main   *contextEntry
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	release sync.Once

	mu       sync.Mutex
	started  bool
	stopped  bool
	looping  bool
	running  bool
	step     int
	contexts []*contextEntry
	actions  []actionBinding
	outputs  []outputBinding
	chain    []model.Log
	results  []*taskrunner.Future[*model.ActionResult]
	errs     []error
	// active counts dispatched actions without a result; idle is closed
	// when it drops to zero.
	active int
	idle   chan struct{}
	// pushes tracks Push calls admitted while running.
	pushes sync.WaitGroup
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Engine loads the context of ref and returns an engine for a new run.
func (a *Agent) Engine(ctx context.Context, ref ContextRef) (*Engine, error) {
	e, err := a.loadContext(ctx, ref)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	return &Engine{
		agent:  a,
		runID:  runID,
		main:   e,
		logger: a.logger.With("context", e.state.ID, "run", runID),
		done:   make(chan struct{}),
	}, nil
}

// ContextID is the id of the engine's main context.
func (e *Engine) ContextID() string { return e.main.state.ID }

// State reports whether the engine is running and its current step.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineState{RunID: e.runID, Running: e.running, Step: e.step}
}

// Chain returns the logs pushed during the run so far.
func (e *Engine) Chain() []model.Log {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.chain)
}

// Errors returns the non-fatal errors recorded during the run.
func (e *Engine) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.errs)
}

// Done is closed when the run finished.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Start prepares the run: it claims the context, loads composed contexts,
// snapshots the enabled definitions and pushes the run and first step
// markers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.started = true
	e.mu.Unlock()

	a := e.agent
	id := e.main.state.ID
	a.mu.Lock()
	if _, busy := a.running[id]; busy {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	a.running[id] = e
	a.mu.Unlock()

	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		e.cancel()
		e.unregister()
		return ErrNotRunning
	}
	if err := e.prepare(e.ctx); err != nil {
		e.cancel()
		e.unregister()
		return err
	}

	e.mu.Lock()
	e.running = true
	e.step = 1
	e.mu.Unlock()
	e.append(model.NewRun(e.runID, id))
	e.append(model.NewStep(1))
	e.logger.Info("run started")
	return nil
}

func (e *Engine) prepare(ctx context.Context) error {
	a := e.agent
	if l := e.main.def.Loader; l != nil {
		if err := l(ctx, e.main.state, a); err != nil {
			return fmt.Errorf("loader %s: %w", e.main.state.ID, err)
		}
	}
	sub, err := a.compose(ctx, e.main, map[string]bool{e.main.state.ID: true})
	if err != nil {
		return fmt.Errorf("compose %s: %w", e.main.state.ID, err)
	}
	ids := make([]string, 0, len(sub))
	for _, c := range sub {
		if c.def.Loader != nil {
			if err := c.def.Loader(ctx, c.state, a); err != nil {
				return fmt.Errorf("loader %s: %w", c.state.ID, err)
			}
		}
		ids = append(ids, c.state.ID)
	}

	e.main.mu.Lock()
	e.main.state.Contexts = ids
	e.main.mu.Unlock()

	e.mu.Lock()
	e.contexts = append([]*contextEntry{e.main}, sub...)
	e.refreshLocked()
	e.mu.Unlock()
	return nil
}

// refreshLocked rebuilds the enabled action and output sets. Global
// definitions belong to the main context.
func (e *Engine) refreshLocked() {
	a := e.agent
	e.actions = e.actions[:0]
	e.outputs = e.outputs[:0]
	addActions := func(defs []*ActionDef, owner *contextEntry) {
		for _, d := range defs {
			if d.Enabled == nil || d.Enabled(owner.state) {
				e.actions = append(e.actions, actionBinding{def: d, owner: owner})
			}
		}
	}
	addOutputs := func(defs []*OutputDef, owner *contextEntry) {
		for _, d := range defs {
			if d.Enabled == nil || d.Enabled(owner.state) {
				e.outputs = append(e.outputs, outputBinding{def: d, owner: owner})
			}
		}
	}
	addActions(a.actions, e.main)
	addOutputs(a.outputs, e.main)
	for _, c := range e.contexts {
		addActions(c.def.Actions, c)
		addOutputs(c.def.Outputs, c)
	}
}

// Run steps the engine until it has nothing left to do, the step limit is
// reached or it is stopped. It returns every log the run produced; step
// failures end the run early but are not returned.
func (e *Engine) Run(ctx context.Context) ([]model.Log, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		if err := e.Start(ctx); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	if e.looping {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.looping = true
	e.mu.Unlock()

	a := e.agent
	rctx, span := a.tracer.Start(e.ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.context", e.main.state.ID),
		attribute.String("agent.run_id", e.runID),
	))
	defer span.End()

	for e.ctx.Err() == nil {
		err := e.runStep(rctx)
		if err != nil {
			if e.ctx.Err() != nil {
				break
			}
			e.recordError(err)
			if perr := e.persist(rctx); perr != nil {
				e.logger.Error("persist context", "error", perr)
			}
			if !e.recover(rctx, err) {
				span.SetStatus(codes.Error, err.Error())
				break
			}
		}
		if !e.shouldContinue() && !e.drain() {
			break
		}
		e.nextStep()
	}

	e.finish(rctx)
	return e.Chain(), nil
}

func (e *Engine) recover(ctx context.Context, err error) bool {
	h := e.main.def.OnError
	if h == nil {
		e.logger.Error("step failed", "step", e.State().Step, "error", err)
		return false
	}
	herr := safeHook(func() error { return h(ctx, err, e.main.state, e.agent) })
	if herr != nil {
		e.logger.Error("step failed", "step", e.State().Step, "error", err, "hook_error", herr)
		return false
	}
	e.logger.Warn("step failed, continuing", "step", e.State().Step, "error", err)
	return true
}

func (e *Engine) nextStep() {
	e.mu.Lock()
	e.step++
	s := e.step
	e.mu.Unlock()
	e.append(model.NewStep(s))
}

func (e *Engine) runStep(ctx context.Context) error {
	a := e.agent
	step := e.State().Step
	ctx, span := a.tracer.Start(ctx, "agent.step", trace.WithAttributes(
		attribute.String("agent.context", e.main.state.ID),
		attribute.Int("agent.step", step),
	))
	defer span.End()
	a.ins.Steps.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.context_type", e.main.state.Type)))
	e.logger.Debug("step started", "step", step)

	e.mu.Lock()
	e.refreshLocked()
	e.mu.Unlock()

	e.main.mu.Lock()
	pending := e.main.wm.Unprocessed()
	e.main.mu.Unlock()

	prompt, err := e.render(ctx)
	if err != nil {
		return fmt.Errorf("render prompt: %w", err)
	}

	response, streamErr := e.stream(ctx, step, prompt)
	data := model.StepData{Prompt: prompt, Response: response, PromptTokens: tokens.Count(prompt)}

	e.main.mu.Lock()
	for _, l := range pending {
		l.Base().Processed = true
	}
	if s := e.currentStepRef(); s != nil {
		s.Data = data
	}
	e.main.mu.Unlock()

	e.settle()

	if streamErr != nil {
		span.SetStatus(codes.Error, streamErr.Error())
		return fmt.Errorf("model stream: %w", streamErr)
	}

	for _, c := range e.snapshotContexts() {
		if c.def.OnStep == nil {
			continue
		}
		if err := safeHook(func() error { return c.def.OnStep(ctx, c.state, a) }); err != nil {
			return fmt.Errorf("on step %s: %w", c.state.ID, err)
		}
	}
	return e.persist(ctx)
}

// currentStepRef returns the latest step marker. Callers hold main.mu.
func (e *Engine) currentStepRef() *model.StepRef {
	if n := len(e.main.wm.Steps); n > 0 {
		return e.main.wm.Steps[n-1]
	}
	return nil
}

func (e *Engine) stream(ctx context.Context, step int, prompt string) (string, error) {
	a := e.agent
	s, err := a.model.Stream(ctx, llm.Request{
		Model:  e.main.state.Settings.Model,
		System: a.instructions,
		Prompt: prompt,
	})
	if err != nil {
		return "", err
	}
	r := newRouter(e)
	for chunk := range s.Chunks() {
		a.emitChunk(Chunk{ContextID: e.main.state.ID, Step: step, Text: chunk})
		r.feed(ctx, chunk)
	}
	r.close(ctx)
	return s.Wait(ctx)
}

// settle waits for every in-flight action and clears the step's result
// slots. Cancellation reaches handlers through their context, so this does
// not block past a stop for longer than they take to observe it.
func (e *Engine) settle() {
	<-e.idleChan()
	e.mu.Lock()
	e.results = nil
	e.mu.Unlock()
}

// Settled blocks until every dispatched action has produced its result.
func (e *Engine) Settled(ctx context.Context) error {
	select {
	case <-e.idleChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// idleChan returns a channel closed once no action is in flight.
func (e *Engine) idleChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == 0 {
		return closedChan
	}
	return e.idle
}

func (e *Engine) beginActionLocked() {
	if e.active == 0 {
		e.idle = make(chan struct{})
	}
	e.active++
}

func (e *Engine) endAction() {
	e.mu.Lock()
	e.active--
	if e.active == 0 {
		close(e.idle)
	}
	e.mu.Unlock()
}

func (e *Engine) persist(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, c := range e.snapshotContexts() {
		if err := e.agent.saveContext(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) snapshotContexts() []*contextEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.contexts)
}

// shouldContinue applies the continuation policy after a step.
func (e *Engine) shouldContinue() bool {
	if e.ctx.Err() != nil {
		return false
	}
	e.mu.Lock()
	next := e.step + 1
	chain := slices.Clone(e.chain)
	e.mu.Unlock()
	if next > e.main.state.Settings.MaxSteps {
		return false
	}
	e.main.mu.Lock()
	wm := shallowWorkingMemory(e.main.wm)
	e.main.mu.Unlock()
	for _, c := range e.snapshotContexts() {
		if c.def.ShouldContinue != nil && c.def.ShouldContinue(c.state, wm) {
			return true
		}
	}
	for _, l := range chain {
		if h := l.Base(); !h.Processed && h.Ref != model.RefThought {
			return true
		}
	}
	return false
}

// drain closes the engine to new pushes, waits for admitted ones and
// reports whether they left work for another step. The engine reopens when
// they did.
func (e *Engine) drain() bool {
	e.closeIntake()
	if !e.shouldContinue() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.ctx.Err() != nil {
		return false
	}
	e.running = true
	return true
}

func (e *Engine) closeIntake() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.pushes.Wait()
}

func (e *Engine) finish(ctx context.Context) {
	a := e.agent
	e.closeIntake()
	<-e.idleChan()
	ctx = context.WithoutCancel(ctx)

	if h := e.main.def.OnRun; h != nil {
		if err := safeHook(func() error { return h(ctx, e.main.state, a) }); err != nil {
			e.recordError(fmt.Errorf("on run: %w", err))
			e.logger.Warn("on run hook failed", "error", err)
		}
	}
	if a.episodes != nil {
		if _, err := a.episodes.EndRun(ctx, e.main.state.ID, e.episodeHooks()); err != nil {
			e.logger.Warn("episode failed", "error", err)
		}
	}
	if err := e.persist(ctx); err != nil {
		e.logger.Error("persist context", "error", err)
	}

	e.mu.Lock()
	steps := e.step
	e.mu.Unlock()
	e.cancel()
	e.unregister()
	e.logger.Info("run finished", "steps", steps, "errors", len(e.Errors()))
}

// unregister releases the context claim and closes Done.
func (e *Engine) unregister() {
	e.release.Do(func() {
		a := e.agent
		a.mu.Lock()
		if a.running[e.main.state.ID] == e {
			delete(a.running, e.main.state.ID)
		}
		a.mu.Unlock()
		close(e.done)
	})
}

// Stop aborts the run. Pending pushes fail with ErrNotRunning and in-flight
// actions observe cancellation.
func (e *Engine) Stop() {
	e.mu.Lock()
	wasRunning := e.running
	e.running = false
	e.stopped = true
	cancel := e.cancel
	looping := e.looping
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !looping {
		// No run loop will finish the engine.
		<-e.idleChan()
		e.unregister()
	}
	if wasRunning {
		e.logger.Info("run stopped")
	}
}

// Push adds a log to the run. Action calls are dispatched, outputs are
// validated and handed to their handler, other logs are recorded as-is.
func (e *Engine) Push(ctx context.Context, l model.Log) error {
	if !e.admit() {
		return ErrNotRunning
	}
	defer e.pushes.Done()
	return e.push(ctx, l)
}

// admit registers a push while the engine accepts them. The caller must call
// e.pushes.Done when admitted.
func (e *Engine) admit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.ctx.Err() != nil {
		return false
	}
	e.pushes.Add(1)
	return true
}

func (e *Engine) push(ctx context.Context, l model.Log) error {
	switch v := l.(type) {
	case *model.ActionCall:
		return e.pushCall(v)
	case *model.OutputRef:
		e.dispatchOutput(ctx, v)
		return nil
	case *model.Thought:
		v.Processed = true
		e.append(v)
		e.notify(v, true)
		return nil
	default:
		e.append(l)
		e.notify(l, true)
		return nil
	}
}

func (e *Engine) pushCall(call *model.ActionCall) error {
	e.mu.Lock()
	e.main.mu.Lock()
	if call.Processed || e.main.wm.Call(call.ID) != nil {
		e.main.mu.Unlock()
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, call.ID)
	}
	call.Processed = true
	e.main.mu.Unlock()

	slot := taskrunner.NewFuture[*model.ActionResult]()
	prior := slices.Clone(e.results)
	e.results = append(e.results, slot)
	e.beginActionLocked()
	e.mu.Unlock()

	e.append(call)
	e.notify(call, true)
	go e.dispatchAction(call, slot, prior)
	return nil
}

// append records l in the main working memory and the run chain.
func (e *Engine) append(l model.Log) {
	e.mu.Lock()
	e.main.mu.Lock()
	if err := e.main.wm.Push(l); err != nil {
		e.main.mu.Unlock()
		e.mu.Unlock()
		e.logger.Error("push log", "error", err)
		return
	}
	e.main.mu.Unlock()
	e.chain = append(e.chain, l)
	e.mu.Unlock()

	if a := e.agent; a.episodes != nil {
		if _, err := a.episodes.Observe(context.WithoutCancel(e.ctx), e.main.state.ID, e.episodeHooks(), l); err != nil {
			e.logger.Warn("episode failed", "error", err)
		}
	}
}

func (e *Engine) notify(l model.Log, done bool) {
	e.agent.notify(e.main.state.ID, l, done)
}

// pushEvent records an unprocessed event, so the next step reports it to
// the model.
func (e *Engine) pushEvent(name string, data any, params map[string]string) *model.EventRef {
	ev := model.NewEvent(name, data)
	ev.Params = params
	e.append(ev)
	e.notify(ev, true)
	return ev
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

func (e *Engine) episodeHooks() episodes.Hooks {
	if h := e.main.def.Episodes; h != nil {
		return *h
	}
	return episodes.Hooks{}
}

func safeHook(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panicked: %v", p)
		}
	}()
	return fn()
}
