package agent

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/agent-runtime/internal/episodes"
	"github.com/rcliao/agent-runtime/internal/llm"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/store"
	"github.com/rcliao/agent-runtime/internal/taskrunner"
	"github.com/rcliao/agent-runtime/internal/template"
)

// Option configures an Agent.
type Option func(*Agent)

// WithModel sets the completion model.
func WithModel(m llm.Model) Option {
	return func(a *Agent) { a.model = m }
}

// WithStore sets the persistence backend. Defaults to an in-memory store.
func WithStore(kv store.KV) Option {
	return func(a *Agent) { a.kv = kv }
}

// WithRunner sets the task runner actions execute on.
func WithRunner(r *taskrunner.Runner) Option {
	return func(a *Agent) { a.runner = r }
}

// WithLogger sets the structured logger. If not set, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithInstructions sets the agent-level instructions opening every prompt.
func WithInstructions(s string) Option {
	return func(a *Agent) { a.instructions = s }
}

// WithContexts registers context definitions.
func WithContexts(defs ...*ContextDef) Option {
	return func(a *Agent) {
		for _, d := range defs {
			a.contexts[d.Type] = d
		}
	}
}

// WithActions registers global actions, available in every context.
func WithActions(defs ...*ActionDef) Option {
	return func(a *Agent) { a.actions = append(a.actions, defs...) }
}

// WithOutputs registers global outputs.
func WithOutputs(defs ...*OutputDef) Option {
	return func(a *Agent) { a.outputs = append(a.outputs, defs...) }
}

// WithInputs registers input types.
func WithInputs(defs ...*InputDef) Option {
	return func(a *Agent) {
		for _, d := range defs {
			a.inputs[d.Type] = d
		}
	}
}

// WithResolvers adds template resolvers available to every call.
func WithResolvers(r template.Resolvers) Option {
	return func(a *Agent) { a.resolvers = a.resolvers.Merge(r) }
}

// WithShortTermMemory names the context type whose memory backs the
// shortTermMemory template resolver.
func WithShortTermMemory(contextType string) Option {
	return func(a *Agent) { a.shortTermType = contextType }
}

// WithEpisodes enables episode tracking and recall.
func WithEpisodes(t *episodes.Tracker) Option {
	return func(a *Agent) { a.episodes = t }
}

// WithSettings sets default limits for new contexts.
func WithSettings(s model.Settings) Option {
	return func(a *Agent) { a.settings = s }
}

// WithChunkHandler receives every raw model fragment.
func WithChunkHandler(fn func(Chunk)) Option {
	return func(a *Agent) { a.chunkHandler = fn }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithMeter overrides the global meter.
func WithMeter(m metric.Meter) Option {
	return func(a *Agent) { a.meter = m }
}

// WithStateCacheSize bounds the number of loaded contexts kept in memory.
func WithStateCacheSize(n int) Option {
	return func(a *Agent) { a.cacheSize = n }
}
