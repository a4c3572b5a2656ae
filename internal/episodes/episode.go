// Package episodes groups working-memory logs into episodes, indexes finished
// episodes for similarity search and recalls them within a token budget.
package episodes

import (
	"context"
	"strings"
	"time"

	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/tokens"
)

// Episode is one semantically complete interaction of a context.
type Episode struct {
	ID         string         `json:"id"`
	ContextID  string         `json:"contextId"`
	Type       string         `json:"type"`
	Summary    string         `json:"summary"`
	LogIDs     []string       `json:"logIds"`
	Transcript []Line         `json:"transcript"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    time.Time      `json:"endedAt"`
}

// Line is one rendered log of an episode transcript.
type Line struct {
	LogID string `json:"logId"`
	Text  string `json:"text"`
}

// Hooks customize episode boundaries and content. Every field is optional.
type Hooks struct {
	// ShouldStart reports whether l opens a new episode. Default: l is an input.
	ShouldStart func(l model.Log) bool
	// ShouldEnd reports whether l closes the open episode. Default: never; the
	// episode ends with the run.
	ShouldEnd func(l model.Log) bool
	// Create builds the episode from its logs. Default: DefaultEpisode.
	Create func(ctx context.Context, contextID string, logs []model.Log) (*Episode, error)
	// Classify names the episode type. Default: "conversation".
	Classify func(ep *Episode) string
	// ExtractMetadata adds metadata to a created episode.
	ExtractMetadata func(ep *Episode) map[string]any
}

func (h Hooks) shouldStart(l model.Log) bool {
	if h.ShouldStart != nil {
		return h.ShouldStart(l)
	}
	return l.Base().Ref == model.RefInput
}

func (h Hooks) shouldEnd(l model.Log) bool {
	if h.ShouldEnd != nil {
		return h.ShouldEnd(l)
	}
	return false
}

// transcriptRefs are the records worth remembering; bookkeeping markers are
// left out.
var transcriptRefs = map[model.Ref]bool{
	model.RefInput:        true,
	model.RefOutput:       true,
	model.RefThought:      true,
	model.RefActionCall:   true,
	model.RefActionResult: true,
	model.RefEvent:        true,
}

// DefaultEpisode renders logs into a transcript. The summary pairs the first
// input with the last output.
func DefaultEpisode(_ context.Context, contextID string, logs []model.Log) (*Episode, error) {
	ep := &Episode{ID: model.NewID(), ContextID: contextID}
	var firstInput, lastOutput string
	for _, l := range logs {
		h := l.Base()
		if !transcriptRefs[h.Ref] {
			continue
		}
		if ep.StartedAt.IsZero() {
			ep.StartedAt = h.Timestamp
		}
		ep.EndedAt = h.Timestamp
		text := model.Text(l)
		ep.LogIDs = append(ep.LogIDs, h.ID)
		ep.Transcript = append(ep.Transcript, Line{LogID: h.ID, Text: text})
		switch v := l.(type) {
		case *model.InputRef:
			if firstInput == "" {
				firstInput = text
			}
		case *model.OutputRef:
			if v.Error == "" {
				lastOutput = text
			}
		}
	}
	var parts []string
	for _, s := range []string{firstInput, lastOutput} {
		if s != "" {
			parts = append(parts, tokens.Truncate(s, 64))
		}
	}
	ep.Summary = strings.Join(parts, " / ")
	return ep, nil
}

// Text joins the transcript lines.
func (ep *Episode) Text() string {
	lines := make([]string, len(ep.Transcript))
	for i, l := range ep.Transcript {
		lines[i] = l.Text
	}
	return strings.Join(lines, "\n")
}
