package agent

import (
	"context"
	"errors"
	"maps"
	"strings"

	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/xmlstream"
)

// Tags recognized in model output.
const (
	tagResponse   = "response"
	tagReasoning  = "reasoning"
	tagActionCall = "action_call"
	tagOutput     = "output"
)

var streamTags = []string{tagResponse, tagReasoning, tagActionCall, tagOutput}

type openElement struct {
	tag     string
	attrs   map[string]string
	text    strings.Builder
	thought *model.Thought
}

// router turns parser events of one step into logs pushed to the engine.
type router struct {
	e      *Engine
	parser *xmlstream.Parser
	open   map[int]*openElement
}

func newRouter(e *Engine) *router {
	return &router{
		e:      e,
		parser: xmlstream.New(streamTags, xmlstream.WithSelfNesting(tagReasoning)),
		open:   map[int]*openElement{},
	}
}

func (r *router) feed(ctx context.Context, chunk string) {
	r.handle(ctx, r.parser.Feed(chunk))
}

func (r *router) close(ctx context.Context) {
	r.handle(ctx, r.parser.Close())
}

func (r *router) handle(ctx context.Context, evs []xmlstream.Event) {
	for _, ev := range evs {
		switch ev.Kind {
		case xmlstream.Start:
			el := &openElement{tag: ev.Tag, attrs: ev.Attrs}
			if ev.Tag == tagReasoning {
				el.thought = model.NewThought("")
			}
			r.open[ev.Index] = el
		case xmlstream.Text:
			el, ok := r.open[ev.Index]
			if !ok {
				continue
			}
			el.text.WriteString(ev.Text)
			if el.thought != nil {
				el.thought.Content = el.text.String()
				r.e.notify(el.thought, false)
			}
		case xmlstream.End:
			el, ok := r.open[ev.Index]
			if !ok {
				continue
			}
			delete(r.open, ev.Index)
			r.dispatch(ctx, el)
		}
	}
}

func (r *router) dispatch(ctx context.Context, el *openElement) {
	var l model.Log
	content := el.text.String()
	switch el.tag {
	case tagReasoning:
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		el.thought.Content = content
		l = el.thought
	case tagActionCall:
		params := maps.Clone(el.attrs)
		delete(params, "name")
		l = model.NewActionCall(el.attrs["name"], strings.TrimSpace(content), params)
	case tagOutput:
		params := maps.Clone(el.attrs)
		delete(params, "type")
		l = model.NewOutput(el.attrs["type"], content, params)
	default:
		return
	}
	if err := r.e.Push(ctx, l); err != nil {
		if errors.Is(err, ErrNotRunning) {
			r.e.logger.Debug("dropped log after stop", "ref", l.Base().Ref)
			return
		}
		r.e.logger.Warn("push failed", "ref", l.Base().Ref, "error", err)
	}
}
