// Package model defines the working-memory log records and context state.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Ref discriminates the kind of a log record.
type Ref string

const (
	RefInput        Ref = "input"
	RefOutput       Ref = "output"
	RefThought      Ref = "thought"
	RefActionCall   Ref = "action_call"
	RefActionResult Ref = "action_result"
	RefEvent        Ref = "event"
	RefStep         Ref = "step"
	RefRun          Ref = "run"
)

// Header holds the fields every log record shares.
type Header struct {
	ID        string    `json:"id"`
	Ref       Ref       `json:"ref"`
	Timestamp time.Time `json:"timestamp"`
	Processed bool      `json:"processed"`
}

// Base returns the shared header. Implemented once here so every record
// embedding Header satisfies Log.
func (h *Header) Base() *Header { return h }

// Log is any working-memory record.
type Log interface {
	Base() *Header
}

func newHeader(ref Ref) Header {
	return Header{ID: NewID(), Ref: ref, Timestamp: time.Now().UTC()}
}

// InputRef is an external event delivered to a context.
type InputRef struct {
	Header
	Type      string            `json:"type"`
	Content   any               `json:"content"`
	Data      any               `json:"data,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Formatted string            `json:"formatted,omitempty"`
}

// NewInput creates an unprocessed input record.
func NewInput(typ string, content any) *InputRef {
	return &InputRef{Header: newHeader(RefInput), Type: typ, Content: content}
}

// OutputRef is a structured piece of content produced by the model.
type OutputRef struct {
	Header
	Type      string            `json:"type"`
	Content   string            `json:"content"`
	Data      any               `json:"data,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Formatted string            `json:"formatted,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// NewOutput creates an unprocessed output stub.
func NewOutput(typ, content string, params map[string]string) *OutputRef {
	return &OutputRef{Header: newHeader(RefOutput), Type: typ, Content: content, Params: params}
}

// ActionCall is a request from the model to run a registered action.
type ActionCall struct {
	Header
	Name    string            `json:"name"`
	Content string            `json:"content"`
	Data    any               `json:"data,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// NewActionCall creates an unprocessed action call.
func NewActionCall(name, content string, params map[string]string) *ActionCall {
	return &ActionCall{Header: newHeader(RefActionCall), Name: name, Content: content, Params: params}
}

// ActionResult is the outcome of an action call. Data holds either the
// handler's return value or {"error": ...}.
type ActionResult struct {
	Header
	CallID    string `json:"callId"`
	Name      string `json:"name"`
	Data      any    `json:"data,omitempty"`
	Formatted string `json:"formatted,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
}

// NewActionResult creates an unprocessed result for call.
func NewActionResult(call *ActionCall, data any) *ActionResult {
	return &ActionResult{Header: newHeader(RefActionResult), CallID: call.ID, Name: call.Name, Data: data}
}

// Thought is free-text reasoning extracted from the model stream.
type Thought struct {
	Header
	Content string `json:"content"`
}

// NewThought creates a thought record.
func NewThought(content string) *Thought {
	return &Thought{Header: newHeader(RefThought), Content: content}
}

// EventRef is a domain or error notification.
type EventRef struct {
	Header
	Name   string            `json:"name"`
	Data   any               `json:"data,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// NewEvent creates an unprocessed event.
func NewEvent(name string, data any) *EventRef {
	return &EventRef{Header: newHeader(RefEvent), Name: name, Data: data}
}

// StepRef marks a step boundary within a run.
type StepRef struct {
	Header
	Step int      `json:"step"`
	Data StepData `json:"data"`
}

// StepData records what the step sent to and received from the model.
type StepData struct {
	Prompt       string `json:"prompt,omitempty"`
	Response     string `json:"response,omitempty"`
	PromptTokens int    `json:"promptTokens,omitempty"`
}

// NewStep creates a processed step marker.
func NewStep(step int) *StepRef {
	s := &StepRef{Header: newHeader(RefStep), Step: step}
	s.Processed = true
	return s
}

// RunRef marks the start of a run.
type RunRef struct {
	Header
	RunID     string `json:"runId"`
	ContextID string `json:"contextId"`
}

// NewRun creates a processed run marker.
func NewRun(runID, contextID string) *RunRef {
	r := &RunRef{Header: newHeader(RefRun), RunID: runID, ContextID: contextID}
	r.Processed = true
	return r
}

// MarshalLog encodes a log with its ref so it can be decoded by UnmarshalLog.
func MarshalLog(l Log) ([]byte, error) {
	return json.Marshal(l)
}

// UnmarshalLog decodes a single log record, dispatching on its ref.
func UnmarshalLog(b []byte) (Log, error) {
	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, err
	}
	var l Log
	switch h.Ref {
	case RefInput:
		l = &InputRef{}
	case RefOutput:
		l = &OutputRef{}
	case RefThought:
		l = &Thought{}
	case RefActionCall:
		l = &ActionCall{}
	case RefActionResult:
		l = &ActionResult{}
	case RefEvent:
		l = &EventRef{}
	case RefStep:
		l = &StepRef{}
	case RefRun:
		l = &RunRef{}
	default:
		return nil, fmt.Errorf("unknown log ref %q", h.Ref)
	}
	if err := json.Unmarshal(b, l); err != nil {
		return nil, err
	}
	return l, nil
}
