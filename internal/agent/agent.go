// Package agent runs model-driven conversations: it loads contexts, renders
// prompts, streams model output through the tag parser, and dispatches the
// resulting action calls, outputs and inputs.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/agent-runtime/internal/episodes"
	"github.com/rcliao/agent-runtime/internal/llm"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/store"
	"github.com/rcliao/agent-runtime/internal/taskrunner"
	"github.com/rcliao/agent-runtime/internal/telemetry"
	"github.com/rcliao/agent-runtime/internal/template"
)

const (
	DefaultMaxSteps             = 5
	DefaultMaxWorkingMemorySize = 100
	defaultStateCacheSize       = 128
)

// Chunk is a raw model fragment of a step.
type Chunk struct {
	ContextID string
	Step      int
	Text      string
}

// Subscriber observes logs pushed to a context's working memory. done is
// false for in-progress updates of a streaming thought.
type Subscriber func(l model.Log, done bool)

// Agent owns the registered definitions and the collaborators runs use.
type Agent struct {
	model         llm.Model
	kv            store.KV
	runner        *taskrunner.Runner
	logger        *slog.Logger
	tracer        trace.Tracer
	meter         metric.Meter
	ins           *telemetry.Instruments
	instructions  string
	contexts      map[string]*ContextDef
	actions       []*ActionDef
	outputs       []*OutputDef
	inputs        map[string]*InputDef
	resolvers     template.Resolvers
	shortTermType string
	episodes      *episodes.Tracker
	settings      model.Settings
	chunkHandler  func(Chunk)
	cacheSize     int

	states *lru.Cache[string, *contextEntry]
	// loadMu serializes loads of the same context id.
	loadMu sync.Map

	mu      sync.Mutex
	running map[string]*Engine
	subs    map[string]map[int]Subscriber
	nextSub int
	stop    context.CancelFunc
	inputWG sync.WaitGroup
}

// New creates an agent.
func New(opts ...Option) (*Agent, error) {
	a := &Agent{
		contexts:      map[string]*ContextDef{},
		inputs:        map[string]*InputDef{},
		resolvers:     template.Resolvers{},
		shortTermType: "short-term-memory",
		cacheSize:     defaultStateCacheSize,
		running:       map[string]*Engine{},
		subs:          map[string]map[int]Subscriber{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.model == nil {
		return nil, errors.New("agent: a model is required")
	}
	if a.kv == nil {
		a.kv = store.NewMemoryStore()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.runner == nil {
		a.runner = taskrunner.New(4, taskrunner.WithLogger(a.logger))
	}
	if a.tracer == nil {
		a.tracer = telemetry.Tracer()
	}
	if a.meter == nil {
		a.meter = telemetry.Meter()
	}
	if a.settings.MaxSteps <= 0 {
		a.settings.MaxSteps = DefaultMaxSteps
	}
	if a.settings.MaxWorkingMemorySize <= 0 {
		a.settings.MaxWorkingMemorySize = DefaultMaxWorkingMemorySize
	}
	ins, err := telemetry.NewInstruments(a.meter)
	if err != nil {
		return nil, fmt.Errorf("agent: instruments: %w", err)
	}
	a.ins = ins
	a.states, err = lru.New[string, *contextEntry](max(a.cacheSize, 1))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// Store returns the agent's persistence backend.
func (a *Agent) Store() store.KV { return a.kv }

// Context returns a registered context definition.
func (a *Agent) Context(typ string) (*ContextDef, bool) {
	d, ok := a.contexts[typ]
	return d, ok
}

// Subscribe registers fn for logs of contextID. The returned function
// removes it.
func (a *Agent) Subscribe(contextID string, fn Subscriber) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSub
	a.nextSub++
	if a.subs[contextID] == nil {
		a.subs[contextID] = map[int]Subscriber{}
	}
	a.subs[contextID][id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subs[contextID], id)
		if len(a.subs[contextID]) == 0 {
			delete(a.subs, contextID)
		}
	}
}

func (a *Agent) notify(contextID string, l model.Log, done bool) {
	a.mu.Lock()
	subs := make([]Subscriber, 0, len(a.subs[contextID]))
	for _, s := range a.subs[contextID] {
		subs = append(subs, s)
	}
	a.mu.Unlock()
	for _, s := range subs {
		a.safeNotify(s, contextID, l, done)
	}
}

func (a *Agent) safeNotify(s Subscriber, contextID string, l model.Log, done bool) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("subscriber panicked", "context", contextID, "panic", p)
		}
	}()
	s(l, done)
}

func (a *Agent) emitChunk(c Chunk) {
	if a.chunkHandler == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("chunk handler panicked", "context", c.ContextID, "panic", p)
		}
	}()
	a.chunkHandler(c)
}

// Start launches every input subscription. They run until Stop.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.stop != nil {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	a.stop = cancel
	a.mu.Unlock()

	for _, def := range a.inputs {
		if def.Subscribe == nil {
			continue
		}
		def := def
		send := func(ctx context.Context, ref ContextRef, data any) error {
			_, err := a.Send(ctx, ref, def.Type, data)
			return err
		}
		a.inputWG.Add(1)
		go func() {
			defer a.inputWG.Done()
			if err := def.Subscribe(ctx, send, a); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("input subscription failed", "input", def.Type, "error", err)
			}
		}()
	}
	return nil
}

// Stop ends input subscriptions and running engines, then waits for the
// subscriptions to return.
func (a *Agent) Stop() {
	a.mu.Lock()
	stop := a.stop
	a.stop = nil
	engines := make([]*Engine, 0, len(a.running))
	for _, e := range a.running {
		engines = append(engines, e)
	}
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, e := range engines {
		e.Stop()
	}
	a.inputWG.Wait()
}

// Running returns the active engine of contextID, if any.
func (a *Agent) Running(contextID string) *Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running[contextID]
}

// Run executes one run of the context and returns the logs it produced.
func (a *Agent) Run(ctx context.Context, ref ContextRef) ([]model.Log, error) {
	e, err := a.Engine(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx)
}

// Send delivers an input to a context and runs it. When the context is
// already running, the input joins that run and Send waits for it to end.
// An input the run could not take, because it was finishing or hit its step
// limit first, is handled by a new run.
func (a *Agent) Send(ctx context.Context, ref ContextRef, inputType string, data any) ([]model.Log, error) {
	id, err := a.contextID(ref)
	if err != nil {
		return nil, err
	}
	// queued is set once the input sits unprocessed in working memory.
	queued := false
	for {
		if e := a.Running(id); e != nil {
			var (
				in   *model.InputRef
				perr error
			)
			if !queued {
				in, perr = e.pushInput(ctx, inputType, data)
				if perr != nil && !errors.Is(perr, ErrNotRunning) {
					return nil, perr
				}
			}
			select {
			case <-e.Done():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			switch {
			case queued:
				return e.Chain(), nil
			case perr != nil:
				continue
			case !e.inputPending(in):
				return e.Chain(), nil
			}
			queued = true
			continue
		}

		e, err := a.Engine(ctx, ref)
		if err != nil {
			return nil, err
		}
		if err := e.Start(ctx); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			return nil, err
		}
		if !queued {
			if err := e.PushInput(ctx, inputType, data); err != nil {
				e.Stop()
				return nil, err
			}
		}
		return e.Run(ctx)
	}
}

// Recall returns episodes of contextID relevant to query.
func (a *Agent) Recall(ctx context.Context, p episodes.RecallParams) (*episodes.RecallResult, error) {
	if a.episodes == nil {
		return &episodes.RecallResult{Budget: p.Budget, Episodes: []episodes.Recalled{}}, nil
	}
	return a.episodes.Recall(ctx, p)
}
