package xmlstream

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var engineTags = []string{"response", "reasoning", "action_call", "output"}

func feedAll(p *Parser, fragments ...string) []Event {
	var evs []Event
	for _, f := range fragments {
		evs = append(evs, p.Feed(f)...)
	}
	return append(evs, p.Close()...)
}

// logical collapses consecutive text events for the same element, so event
// sequences can be compared independent of fragmentation.
func logical(evs []Event) []Event {
	var out []Event
	for _, ev := range evs {
		if n := len(out); ev.Kind == Text && n > 0 && out[n-1].Kind == Text && out[n-1].Index == ev.Index {
			out[n-1].Text += ev.Text
			continue
		}
		out = append(out, ev)
	}
	return out
}

func TestSingleElement(t *testing.T) {
	p := New(engineTags)
	got := feedAll(p, `<output type="message" to="user">hello</output>`)
	want := []Event{
		{Kind: Start, Tag: "output", Attrs: map[string]string{"type": "message", "to": "user"}, Index: 0},
		{Kind: Text, Tag: "output", Index: 0, Text: "hello"},
		{Kind: End, Tag: "output", Index: 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestFragmentedReasoningEveryOffset(t *testing.T) {
	doc := `<reasoning kind="plan">think about <b>it</b> carefully</reasoning>`
	for i := 0; i <= len(doc); i++ {
		for j := i; j <= len(doc); j++ {
			p := New(engineTags, WithSelfNesting("reasoning"))
			got := logical(feedAll(p, doc[:i], doc[i:j], doc[j:]))
			want := []Event{
				{Kind: Start, Tag: "reasoning", Attrs: map[string]string{"kind": "plan"}, Index: 0},
				{Kind: Text, Tag: "reasoning", Index: 0, Text: "think about <b>it</b> carefully"},
				{Kind: End, Tag: "reasoning", Index: 0},
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("split at %d,%d (-want +got):\n%s", i, j, diff)
			}
		}
	}
}

func TestFragmentedRandomChunks(t *testing.T) {
	doc := `<response><reasoning>a</reasoning><action_call name="x">{"a":"<b>"}</action_call><output type="m">done</output></response>`
	p := New(engineTags)
	want := logical(feedAll(p, doc))

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		var frags []string
		rest := doc
		for rest != "" {
			n := 1 + rng.Intn(6)
			if n > len(rest) {
				n = len(rest)
			}
			frags = append(frags, rest[:n])
			rest = rest[n:]
		}
		got := logical(feedAll(New(engineTags), frags...))
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("trial %d fragments %q (-want +got):\n%s", trial, frags, diff)
		}
	}
}

func TestSelfNestingDepth(t *testing.T) {
	p := New(engineTags, WithSelfNesting("reasoning"))
	got := logical(feedAll(p, "<reasoning>outer <reasoning>inner</reasoning> tail</reasoning>after"))
	want := []Event{
		{Kind: Start, Tag: "reasoning", Index: 0},
		{Kind: Text, Tag: "reasoning", Index: 0, Text: "outer <reasoning>inner</reasoning> tail"},
		{Kind: End, Tag: "reasoning", Index: 0},
		{Kind: Text, Index: -1, Text: "after"},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestNestingDifferentTags(t *testing.T) {
	p := New(engineTags)
	got := logical(feedAll(p, `<response><output type="a">x</output><action_call name="b"/></response>`))
	want := []Event{
		{Kind: Start, Tag: "response", Index: 0},
		{Kind: Start, Tag: "output", Attrs: map[string]string{"type": "a"}, Index: 1},
		{Kind: Text, Tag: "output", Index: 1, Text: "x"},
		{Kind: End, Tag: "output", Index: 1},
		{Kind: Start, Tag: "action_call", Attrs: map[string]string{"name": "b"}, Index: 2},
		{Kind: End, Tag: "action_call", Index: 2},
		{Kind: End, Tag: "response", Index: 0},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestUnknownTagsAreText(t *testing.T) {
	p := New(engineTags)
	got := logical(feedAll(p, `<output type="m"><p>hi</p> 1 < 2 <outputs></output>`))
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(got), got)
	}
	if got[1].Text != `<p>hi</p> 1 < 2 <outputs>` {
		t.Errorf("unexpected text %q", got[1].Text)
	}
}

func TestUnmatchedCloseIgnored(t *testing.T) {
	p := New(engineTags)
	got := logical(feedAll(p, "<output>a</action_call>b</output>"))
	want := []Event{
		{Kind: Start, Tag: "output", Index: 0},
		{Kind: Text, Tag: "output", Index: 0, Text: "ab"},
		{Kind: End, Tag: "output", Index: 0},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestCloseOuterClosesInner(t *testing.T) {
	p := New(engineTags)
	got := logical(feedAll(p, "<response><output>a</response>"))
	kinds := make([]string, 0, len(got))
	for _, ev := range got {
		kinds = append(kinds, ev.Kind.String()+":"+ev.Tag)
	}
	want := "start:response,start:output,text:output,end:output,end:response"
	if strings.Join(kinds, ",") != want {
		t.Errorf("got %s", strings.Join(kinds, ","))
	}
}

func TestQuotedGreaterThanInAttribute(t *testing.T) {
	p := New(engineTags)
	got := feedAll(p, `<action_call name="a>b">{}</action_call>`)
	if got[0].Attrs["name"] != "a>b" {
		t.Errorf("expected quoted attr, got %q", got[0].Attrs["name"])
	}
}

func TestTruncatedStreamClosesOpenElements(t *testing.T) {
	p := New(engineTags)
	evs := p.Feed(`<action_call name="x">{"a":1`)
	evs = append(evs, p.Feed("</act")...)
	if p.Depth() != 1 {
		t.Fatalf("expected one open element, got %d", p.Depth())
	}
	evs = append(evs, p.Close()...)
	got := logical(evs)
	last := got[len(got)-1]
	if last.Kind != End || last.Tag != "action_call" {
		t.Errorf("expected trailing end event, got %+v", last)
	}
	if got[1].Text != `{"a":1</act` {
		t.Errorf("expected held-back text flushed, got %q", got[1].Text)
	}
}

func TestIndexMonotonic(t *testing.T) {
	p := New(engineTags)
	evs := feedAll(p, "<output/><output/>", "<reasoning>x</reasoning>")
	var idx []int
	for _, ev := range evs {
		if ev.Kind == Start {
			idx = append(idx, ev.Index)
		}
	}
	if diff := cmp.Diff([]int{0, 1, 2}, idx); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}
