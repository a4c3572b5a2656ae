package llm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Scripted replays canned responses in order, split into fixed-size
// fragments. Once the script runs out it answers with an empty response.
type Scripted struct {
	ChunkSize int
	Delay     time.Duration

	mu        sync.Mutex
	responses []string
	next      int
	prompts   []string
}

// NewScripted returns a model answering with responses in order.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{ChunkSize: 16, responses: responses}
}

// Script is the YAML form of a scripted conversation.
type Script struct {
	ChunkSize int           `yaml:"chunkSize"`
	Delay     time.Duration `yaml:"delay"`
	Responses []string      `yaml:"responses"`
}

// LoadScript reads a Script from a YAML file.
func LoadScript(path string) (*Scripted, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var sc Script
	if err := yaml.Unmarshal(b, &sc); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	m := NewScripted(sc.Responses...)
	if sc.ChunkSize > 0 {
		m.ChunkSize = sc.ChunkSize
	}
	m.Delay = sc.Delay
	return m, nil
}

// Push appends more responses to the script.
func (m *Scripted) Push(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// Prompts returns every prompt received so far.
func (m *Scripted) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

func (m *Scripted) Stream(ctx context.Context, req Request) (*Stream, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, req.Prompt)
	var resp string
	if m.next < len(m.responses) {
		resp = m.responses[m.next]
		m.next++
	}
	size, delay := m.ChunkSize, m.Delay
	m.mu.Unlock()
	if size <= 0 {
		size = len(resp) + 1
	}

	return NewStream(ctx, func(ctx context.Context, emit Emit) error {
		for i := 0; i < len(resp); i += size {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := emit(resp[i:min(i+size, len(resp))]); err != nil {
				return err
			}
		}
		return nil
	}), nil
}
