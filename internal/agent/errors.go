package agent

import (
	"errors"
	"fmt"

	"github.com/rcliao/agent-runtime/internal/schema"
)

var (
	// ErrNotRunning is returned by Push once the engine stopped or before it
	// started.
	ErrNotRunning = errors.New("agent: engine not running")
	// ErrAlreadyRunning is returned when starting an engine, or a second run
	// of the same context, while one is active.
	ErrAlreadyRunning = errors.New("agent: engine already running")
	// ErrAlreadyProcessed is returned when an action call is dispatched twice.
	ErrAlreadyProcessed = errors.New("agent: action call already processed")
	// ErrContextNotFound is returned for context ids with no stored snapshot.
	ErrContextNotFound = errors.New("agent: context not found")
)

// NotFoundError reports a call, output or input naming no registered,
// enabled definition.
type NotFoundError struct {
	Kind string // action | output | input | context
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// ParsingError reports content that failed to parse or validate.
type ParsingError struct {
	Kind   string
	Name   string
	Issues []schema.Issue
	Err    error
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("%s %q: invalid content: %v", e.Kind, e.Name, e.Err)
}

func (e *ParsingError) Unwrap() error { return e.Err }

func newParsingError(kind, name string, err error) *ParsingError {
	pe := &ParsingError{Kind: kind, Name: name, Err: err}
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		pe.Issues = ve.Issues
	}
	return pe
}

// errorPayload is the data recorded in error events and failed results.
func errorPayload(err error) map[string]any {
	p := map[string]any{"error": err.Error()}
	var nf *NotFoundError
	var pe *ParsingError
	switch {
	case errors.As(err, &nf):
		p["kind"] = "not_found"
		p["name"] = nf.Name
	case errors.As(err, &pe):
		p["kind"] = "parsing"
		p["name"] = pe.Name
		if len(pe.Issues) > 0 {
			p["issues"] = pe.Issues
		}
	}
	return p
}
