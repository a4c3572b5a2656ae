// Package llm defines the streaming model interface the agent drives, plus a
// scripted model and an Ollama adapter.
package llm

import (
	"context"
	"strings"
)

// Request is one completion request.
type Request struct {
	Model  string
	System string
	Prompt string
}

// Model streams a completion for a rendered prompt.
type Model interface {
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Stream delivers text fragments as they arrive. Consumers range over
// Chunks and then call Wait for the assembled text and any provider error;
// errors never interrupt the chunk channel mid-range.
type Stream struct {
	chunks chan string
	done   chan struct{}
	text   strings.Builder
	err    error
}

// Emit sends one fragment to the consumer.
type Emit func(fragment string) error

// NewStream runs produce in a goroutine, forwarding each emitted fragment.
// Cancelling ctx unblocks a producer whose consumer stopped reading.
func NewStream(ctx context.Context, produce func(ctx context.Context, emit Emit) error) *Stream {
	s := &Stream{chunks: make(chan string), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer close(s.chunks)
		s.err = produce(ctx, func(fragment string) error {
			if fragment == "" {
				return nil
			}
			s.text.WriteString(fragment)
			select {
			case s.chunks <- fragment:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return s
}

// Chunks is closed when the producer finishes.
func (s *Stream) Chunks() <-chan string { return s.chunks }

// Wait returns the full text once the producer has finished.
func (s *Stream) Wait(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		return s.text.String(), s.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
