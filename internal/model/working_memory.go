package model

import (
	"fmt"
	"sort"
)

// WorkingMemory is the append-only log of a context, split by record kind.
// Insertion order is preserved within each collection.
type WorkingMemory struct {
	Inputs   []*InputRef     `json:"inputs"`
	Outputs  []*OutputRef    `json:"outputs"`
	Thoughts []*Thought      `json:"thoughts"`
	Calls    []*ActionCall   `json:"calls"`
	Results  []*ActionResult `json:"results"`
	Events   []*EventRef     `json:"events"`
	Steps    []*StepRef      `json:"steps"`
	Runs     []*RunRef       `json:"runs"`
}

// NewWorkingMemory returns an empty working memory.
func NewWorkingMemory() *WorkingMemory {
	return &WorkingMemory{}
}

// Push appends l to the collection matching its ref.
func (w *WorkingMemory) Push(l Log) error {
	switch v := l.(type) {
	case *InputRef:
		w.Inputs = append(w.Inputs, v)
	case *OutputRef:
		w.Outputs = append(w.Outputs, v)
	case *Thought:
		w.Thoughts = append(w.Thoughts, v)
	case *ActionCall:
		w.Calls = append(w.Calls, v)
	case *ActionResult:
		w.Results = append(w.Results, v)
	case *EventRef:
		w.Events = append(w.Events, v)
	case *StepRef:
		w.Steps = append(w.Steps, v)
	case *RunRef:
		w.Runs = append(w.Runs, v)
	default:
		return fmt.Errorf("working memory: unsupported log %T", l)
	}
	return nil
}

// Logs returns every record in chronological order.
func (w *WorkingMemory) Logs() []Log {
	logs := make([]Log, 0, w.Len())
	for _, v := range w.Inputs {
		logs = append(logs, v)
	}
	for _, v := range w.Outputs {
		logs = append(logs, v)
	}
	for _, v := range w.Thoughts {
		logs = append(logs, v)
	}
	for _, v := range w.Calls {
		logs = append(logs, v)
	}
	for _, v := range w.Results {
		logs = append(logs, v)
	}
	for _, v := range w.Events {
		logs = append(logs, v)
	}
	for _, v := range w.Steps {
		logs = append(logs, v)
	}
	for _, v := range w.Runs {
		logs = append(logs, v)
	}
	SortLogs(logs)
	return logs
}

// Len is the total number of records.
func (w *WorkingMemory) Len() int {
	return len(w.Inputs) + len(w.Outputs) + len(w.Thoughts) + len(w.Calls) +
		len(w.Results) + len(w.Events) + len(w.Steps) + len(w.Runs)
}

// Unprocessed returns the records not yet marked processed, in order.
func (w *WorkingMemory) Unprocessed() []Log {
	var out []Log
	for _, l := range w.Logs() {
		if !l.Base().Processed {
			out = append(out, l)
		}
	}
	return out
}

// Call finds an action call by id.
func (w *WorkingMemory) Call(id string) *ActionCall {
	for _, c := range w.Calls {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// SortLogs orders logs by timestamp, breaking ties with the monotonic id.
func SortLogs(logs []Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		a, b := logs[i].Base(), logs[j].Base()
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}
