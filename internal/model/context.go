package model

import "encoding/json"

// Settings are the per-context run limits.
type Settings struct {
	MaxSteps             int    `json:"maxSteps,omitempty"`
	MaxWorkingMemorySize int    `json:"maxWorkingMemorySize,omitempty"`
	Model                string `json:"model,omitempty"`
}

// ContextState identifies one conversation or task instance.
type ContextState struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Key      string         `json:"key,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Options  any            `json:"-"`
	Memory   any            `json:"-"`
	Settings Settings       `json:"settings"`
	Contexts []string       `json:"contexts,omitempty"`
}

// Snapshot is the persisted form of a ContextState. Memory is kept raw so the
// owning definition can decode it into its own type.
type Snapshot struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Key      string          `json:"key,omitempty"`
	Args     map[string]any  `json:"args,omitempty"`
	Memory   json.RawMessage `json:"memory,omitempty"`
	Settings Settings        `json:"settings"`
	Contexts []string        `json:"contexts,omitempty"`
}

// ContextID builds the id of a context from its type and optional key.
func ContextID(typ, key string) string {
	if key == "" {
		return typ
	}
	return typ + ":" + key
}
