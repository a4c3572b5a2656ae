package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rcliao/agent-runtime/internal/episodes"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/schema"
	"github.com/rcliao/agent-runtime/internal/template"
)

// ContextDef describes a type of context. Every hook is optional; the
// comment on each field gives the behavior when it is nil.
type ContextDef struct {
	Type        string
	Description string
	// Schema validates the context arguments. Nil accepts any arguments.
	Schema *schema.Schema
	// Key derives the instance key from the arguments. Nil means a singleton
	// context whose id is its type.
	Key func(args map[string]any) string
	// Instructions are rendered into the prompt while the context is active.
	Instructions func(state *model.ContextState) string

	// Create returns the initial memory of a new context. Nil starts with an
	// empty map.
	Create func(ctx context.Context, state *model.ContextState) (any, error)
	// Setup returns per-process options, stored in state.Options. Called on
	// every load.
	Setup func(ctx context.Context, state *model.ContextState, a *Agent) (any, error)
	// Load decodes stored memory. Nil decodes generic JSON.
	Load func(ctx context.Context, state *model.ContextState, raw json.RawMessage) (any, error)
	// Save encodes memory. Nil uses encoding/json.
	Save func(ctx context.Context, state *model.ContextState) (json.RawMessage, error)
	// Loader runs after the context is loaded or created, before each run.
	Loader func(ctx context.Context, state *model.ContextState, a *Agent) error
	// Render formats memory for the prompt. Nil renders memory as JSON.
	Render func(state *model.ContextState) string

	// OnStep runs after every step.
	OnStep func(ctx context.Context, state *model.ContextState, a *Agent) error
	// OnRun runs once the run finished.
	OnRun func(ctx context.Context, state *model.ContextState, a *Agent) error
	// OnError handles a failed step. Returning nil keeps the run going; an
	// error ends it. Nil ends the run on any step failure.
	OnError func(ctx context.Context, err error, state *model.ContextState, a *Agent) error
	// ShouldContinue asks for another step even when nothing is pending.
	ShouldContinue func(state *model.ContextState, wm *model.WorkingMemory) bool

	// Compose lists sub-contexts loaded alongside this one.
	Compose func(state *model.ContextState) []ContextRef

	Actions   []*ActionDef
	Outputs   []*OutputDef
	Resolvers template.Resolvers

	// Episodes overrides episode boundaries for this context.
	Episodes *episodes.Hooks

	// Settings override agent defaults for new contexts.
	Settings model.Settings
}

// ContextRef names a context instance by definition and arguments.
type ContextRef struct {
	Def  *ContextDef
	Args map[string]any
}

// Ref is a convenience constructor for ContextRef.
func Ref(def *ContextDef, args map[string]any) ContextRef {
	return ContextRef{Def: def, Args: args}
}

// CallFormat is how an action expects its call content to be encoded.
type CallFormat string

const (
	FormatJSON CallFormat = "json"
	FormatXML  CallFormat = "xml"
)

// MemorySlot is persistent memory shared by every call of an action.
type MemorySlot struct {
	Key string
	// Create returns the initial value. Returning a pointer lets stored
	// values decode into a typed struct.
	Create func() any
}

// ActionDef describes an action the model may call.
type ActionDef struct {
	Name        string
	Description string
	// Schema validates arguments after templates are resolved. Nil accepts
	// anything.
	Schema *schema.Schema
	// CallFormat selects the content parser when Parse is nil. Default JSON.
	CallFormat CallFormat
	// Parse replaces the built-in content parser.
	Parse func(content string) (any, error)
	// DisableTemplates skips {{expr}} substitution.
	DisableTemplates bool
	// Resolvers add template resolvers for this action's calls.
	Resolvers template.Resolvers

	Handler func(ctx context.Context, call *ActionCallContext) (any, error)
	// Enabled filters the action per step. Nil means always enabled.
	Enabled func(state *model.ContextState) bool

	// QueueKey serializes calls sharing a key. QueueKeyFunc wins when set.
	QueueKey     string
	QueueKeyFunc func(call *ActionCallContext) string
	// Retry is the number of extra attempts after a handler error.
	Retry int
	// Priority orders calls waiting for a runner slot. Higher runs first.
	Priority int

	Memory *MemorySlot

	// OnSuccess observes successful results.
	OnSuccess func(ctx context.Context, result *model.ActionResult, call *ActionCallContext)
	// OnError may recover a failed call. A nil error return replaces the
	// failure with the returned value.
	OnError func(ctx context.Context, err error, call *ActionCallContext) (any, error)
	// Format renders the result for the prompt.
	Format func(result *model.ActionResult) string
}

// ActionCallContext is handed to action handlers and hooks.
type ActionCallContext struct {
	Agent *Agent
	// Context is the context that owns the action, or the run's main context
	// for global actions.
	Context       *model.ContextState
	Call          *model.ActionCall
	WorkingMemory *model.WorkingMemory
	// Data is the parsed, template-resolved and validated arguments.
	Data any
	// Memory is the action's memory slot value, saved after success.
	Memory  any
	Attempt int
	Logger  *slog.Logger
}

// OutputDef describes a structured output the model may produce.
type OutputDef struct {
	Type         string
	Description  string
	Instructions string
	Examples     []string
	// Schema validates content. Nil or schema.Text passes content through
	// as a string.
	Schema  *schema.Schema
	Handler func(ctx context.Context, data any, out *OutputContext) ([]OutputResponse, error)
	// Enabled filters the output per step. Nil means always enabled.
	Enabled func(state *model.ContextState) bool
	Format  func(ref *model.OutputRef) string
}

// OutputContext is handed to output handlers.
type OutputContext struct {
	Agent         *Agent
	Context       *model.ContextState
	Ref           *model.OutputRef
	WorkingMemory *model.WorkingMemory
	Logger        *slog.Logger
}

// OutputResponse is one record produced by an output handler.
type OutputResponse struct {
	// Data replaces the validated data when non-nil.
	Data   any
	Params map[string]string
	// Deferred leaves the record unprocessed so the next step sees it.
	Deferred bool
}

// InputDef describes an external input type.
type InputDef struct {
	Type        string
	Description string
	// Schema validates input data. Nil accepts anything.
	Schema *schema.Schema
	// Handler transforms validated data before it is stored.
	Handler func(ctx context.Context, data any, in *InputContext) (any, error)
	Format  func(ref *model.InputRef) string
	// Subscribe runs from Agent.Start until its context is cancelled and
	// delivers inputs through send.
	Subscribe func(ctx context.Context, send SendFunc, a *Agent) error
}

// SendFunc delivers an input of the subscribing definition's type.
type SendFunc func(ctx context.Context, ref ContextRef, data any) error

// InputContext is handed to input handlers.
type InputContext struct {
	Agent   *Agent
	Context *model.ContextState
	Ref     *model.InputRef
}
