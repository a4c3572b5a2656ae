package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-runtime/internal/llm"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/schema"
	"github.com/rcliao/agent-runtime/internal/store"
)

func startEngine(t *testing.T, a *Agent, id string) *Engine {
	t.Helper()
	e, err := a.Engine(context.Background(), Ref(chatDef, map[string]any{"id": id}))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e
}

func settle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Settled(ctx))
}

func resultFor(e *Engine, call *model.ActionCall) []*model.ActionResult {
	var out []*model.ActionResult
	for _, l := range e.Chain() {
		if r, ok := l.(*model.ActionResult); ok && r.CallID == call.ID {
			out = append(out, r)
		}
	}
	return out
}

func eventsOf(e *Engine, name string) []*model.EventRef {
	var out []*model.EventRef
	for _, l := range e.Chain() {
		if ev, ok := l.(*model.EventRef); ok && ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func echoAction(name string) *ActionDef {
	return &ActionDef{
		Name: name,
		Handler: func(ctx context.Context, cc *ActionCallContext) (any, error) {
			return map[string]any{"received": cc.Data}, nil
		},
	}
}

func TestActionCallProcessedOnce(t *testing.T) {
	a := newTestAgent(t, llm.NewScripted(), WithActions(echoAction("a1")))
	e := startEngine(t, a, "once")

	call := model.NewActionCall("a1", `{"x": 1}`, nil)
	require.NoError(t, e.Push(context.Background(), call))
	err := e.Push(context.Background(), call)
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	settle(t, e)

	assert.Len(t, resultFor(e, call), 1)
}

func TestCallsTemplateAwaitsEarlierCall(t *testing.T) {
	a1 := &ActionDef{
		Name: "a1",
		Handler: func(ctx context.Context, cc *ActionCallContext) (any, error) {
			time.Sleep(30 * time.Millisecond)
			return map[string]any{"value": 7}, nil
		},
	}
	a2 := echoAction("a2")
	a2.Schema = schema.MustJSON(`{"type":"object","properties":{"n":{}},"required":["n"]}`)
	a := newTestAgent(t, llm.NewScripted(), WithActions(a1, a2))
	e := startEngine(t, a, "chain")

	c1 := model.NewActionCall("a1", "{}", nil)
	c2 := model.NewActionCall("a2", `{"n": "{{calls[0].value}}"}`, nil)
	require.NoError(t, e.Push(context.Background(), c1))
	require.NoError(t, e.Push(context.Background(), c2))
	settle(t, e)

	res := resultFor(e, c2)
	require.Len(t, res, 1)
	received := res[0].Data.(map[string]any)["received"].(map[string]any)
	assert.Equal(t, 7, received["n"])
}

func TestUnresolvedTemplateKeepsPlaceholder(t *testing.T) {
	a := newTestAgent(t, llm.NewScripted(), WithActions(echoAction("a2")))
	e := startEngine(t, a, "lenient")

	call := model.NewActionCall("a2", `{"n": "{{calls[3].value}}", "m": "{{nope.x}}"}`, nil)
	require.NoError(t, e.Push(context.Background(), call))
	settle(t, e)

	res := resultFor(e, call)
	require.Len(t, res, 1)
	assert.False(t, res[0].Failed)
	received := res[0].Data.(map[string]any)["received"].(map[string]any)
	assert.Equal(t, "{{calls[3].value}}", received["n"])
	assert.Equal(t, "{{nope.x}}", received["m"])
}

func TestShortTermMemoryResolver(t *testing.T) {
	stm := &ContextDef{
		Type: "short-term-memory",
		Create: func(context.Context, *model.ContextState) (any, error) {
			return map[string]any{"plan": map[string]any{"step": "two"}}, nil
		},
	}
	a := newTestAgent(t, llm.NewScripted(), WithContexts(stm), WithActions(echoAction("a2")))
	e := startEngine(t, a, "stm")

	call := model.NewActionCall("a2", `{"v": "{{shortTermMemory.plan.step}}"}`, nil)
	require.NoError(t, e.Push(context.Background(), call))
	settle(t, e)

	res := resultFor(e, call)
	require.Len(t, res, 1)
	assert.Equal(t, "two", res[0].Data.(map[string]any)["received"].(map[string]any)["v"])
}

func TestInvalidArgumentsRecordParsingError(t *testing.T) {
	strict := echoAction("strict")
	strict.Schema = schema.MustJSON(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`)
	a := newTestAgent(t, llm.NewScripted(), WithActions(strict))
	e := startEngine(t, a, "invalid")

	call := model.NewActionCall("strict", `{"n": "seven"}`, nil)
	require.NoError(t, e.Push(context.Background(), call))
	settle(t, e)

	assert.Empty(t, resultFor(e, call))
	events := eventsOf(e, "error")
	require.Len(t, events, 1)
	payload := events[0].Data.(map[string]any)
	assert.Equal(t, "parsing", payload["kind"])
	assert.NotEmpty(t, payload["issues"])
}

func TestHandlerErrorBecomesFailedResult(t *testing.T) {
	boom := &ActionDef{
		Name: "boom",
		Handler: func(ctx context.Context, cc *ActionCallContext) (any, error) {
			return nil, errors.New("exploded")
		},
	}
	a := newTestAgent(t, llm.NewScripted(), WithActions(boom))
	e := startEngine(t, a, "boom")

	call := model.NewActionCall("boom", "{}", nil)
	require.NoError(t, e.Push(context.Background(), call))
	settle(t, e)

	res := resultFor(e, call)
	require.Len(t, res, 1)
	assert.True(t, res[0].Failed)
	assert.Equal(t, "exploded", res[0].Data.(map[string]any)["error"])
	assert.True(t, e.State().Running)
}

func TestActionOnErrorRecovers(t *testing.T) {
	flaky := &ActionDef{
		Name: "flaky",
		Handler: func(ctx context.Context, cc *ActionCallContext) (any, error) {
			return nil, errors.New("down")
		},
		OnError: func(ctx context.Context, err error, cc *ActionCallContext) (any, error) {
			return "cached answer", nil
		},
	}
	a := newTestAgent(t, llm.NewScripted(), WithActions(flaky))
	e := startEngine(t, a, "recover")

	call := model.NewActionCall("flaky", "{}", nil)
	require.NoError(t, e.Push(context.Background(), call))
	settle(t, e)

	res := resultFor(e, call)
	require.Len(t, res, 1)
	assert.False(t, res[0].Failed)
	assert.Equal(t, "cached answer", res[0].Data)
}

func TestRetryingAction(t *testing.T) {
	var invocations atomic.Int32
	retrying := &ActionDef{
		Name:  "retrying",
		Retry: 1,
		Handler: func(ctx context.Context, cc *ActionCallContext) (any, error) {
			if invocations.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
	}
	a := newTestAgent(t, llm.NewScripted(), WithActions(retrying))
	e := startEngine(t, a, "retry")

	call := model.NewActionCall("retrying", "{}", nil)
	require.NoError(t, e.Push(context.Background(), call))
	settle(t, e)

	res := resultFor(e, call)
	require.Len(t, res, 1)
	assert.False(t, res[0].Failed)
	assert.Equal(t, "ok", res[0].Data)
	assert.EqualValues(t, 2, invocations.Load())
}

type counterMemory struct {
	N int `json:"n"`
}

func TestActionMemoryPersistsOnSuccessOnly(t *testing.T) {
	kv := store.NewMemoryStore()
	fail := false
	count := &ActionDef{
		Name:       "count",
		QueueKey:   "count",
		Memory:     &MemorySlot{Key: "counter", Create: func() any { return &counterMemory{} }},
		Handler: func(ctx context.Context, cc *ActionCallContext) (any, error) {
			m := cc.Memory.(*counterMemory)
			m.N++
			if fail {
				return nil, errors.New("rejected")
			}
			return m.N, nil
		},
	}
	a := newTestAgent(t, llm.NewScripted(), WithStore(kv), WithActions(count))
	e := startEngine(t, a, "memory")

	for range 2 {
		require.NoError(t, e.Push(context.Background(), model.NewActionCall("count", "{}", nil)))
		settle(t, e)
	}
	fail = true
	require.NoError(t, e.Push(context.Background(), model.NewActionCall("count", "{}", nil)))
	settle(t, e)

	raw, err := kv.Get(context.Background(), "memory:counter")
	require.NoError(t, err)
	var m counterMemory
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, 2, m.N)
}

func TestUnknownOutputResilience(t *testing.T) {
	a := newTestAgent(t, llm.NewScripted())
	e := startEngine(t, a, "output")

	out := model.NewOutput("nope", "whatever", nil)
	require.NoError(t, e.Push(context.Background(), out))

	assert.Len(t, eventsOf(e, "error"), 1)
	assert.True(t, e.State().Running)
	assert.True(t, out.Processed)
	assert.Contains(t, out.Error, `output "nope" not found`)
}

func TestOutputFanOut(t *testing.T) {
	var announced []string
	split := &OutputDef{
		Type:   "split",
		Schema: schema.MustJSON(`{"type":"object","properties":{"parts":{"type":"array","items":{"type":"string"}}}}`),
		Handler: func(ctx context.Context, data any, oc *OutputContext) ([]OutputResponse, error) {
			var resp []OutputResponse
			for _, p := range data.(map[string]any)["parts"].([]any) {
				resp = append(resp, OutputResponse{Data: p})
			}
			return resp, nil
		},
	}
	a := newTestAgent(t, llm.NewScripted(), WithOutputs(split))
	defer a.Subscribe("chat:fanout", func(l model.Log, done bool) {
		if o, ok := l.(*model.OutputRef); ok {
			announced = append(announced, o.ID)
		}
	})()
	e := startEngine(t, a, "fanout")

	require.NoError(t, e.Push(context.Background(), model.NewOutput("split", `{"parts": ["a", "b"]}`, nil)))

	var outputs []*model.OutputRef
	for _, l := range e.Chain() {
		if o, ok := l.(*model.OutputRef); ok {
			outputs = append(outputs, o)
		}
	}
	require.Len(t, outputs, 2)
	assert.NotEqual(t, outputs[0].ID, outputs[1].ID)
	assert.Equal(t, "a", outputs[0].Data)
	assert.Equal(t, "b", outputs[1].Data)
	for _, o := range outputs {
		assert.True(t, o.Processed)
	}
	assert.Equal(t, []string{outputs[0].ID, outputs[1].ID}, announced)
}

func TestStopRejectsPush(t *testing.T) {
	a := newTestAgent(t, llm.NewScripted())
	e := startEngine(t, a, "stop")
	require.True(t, e.State().Running)

	e.Stop()
	assert.False(t, e.State().Running)
	err := e.Push(context.Background(), model.NewThought("late"))
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Nil(t, a.Running("chat:stop"))
	<-e.Done()
}

func TestSecondStartFails(t *testing.T) {
	a := newTestAgent(t, llm.NewScripted())
	e := startEngine(t, a, "twice")
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyRunning)

	other, err := a.Engine(context.Background(), Ref(chatDef, map[string]any{"id": "twice"}))
	require.NoError(t, err)
	assert.ErrorIs(t, other.Start(context.Background()), ErrAlreadyRunning)
}

func TestStopBeforeStartReleasesContext(t *testing.T) {
	a := newTestAgent(t, llm.NewScripted(`<output type="message">ok</output>`))
	ctx := context.Background()
	ref := Ref(chatDef, map[string]any{"id": "early"})

	e, err := a.Engine(ctx, ref)
	require.NoError(t, err)
	e.Stop()
	<-e.Done()

	_, err = e.Run(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, e.Start(ctx), ErrNotRunning)
	assert.Nil(t, a.Running("chat:early"))

	_, err = a.Send(ctx, ref, "text", "hi")
	require.NoError(t, err)
	assert.Nil(t, a.Running("chat:early"))
}

func TestStopDuringActionEndsRun(t *testing.T) {
	started := make(chan struct{})
	slow := &ActionDef{
		Name: "slow",
		Handler: func(ctx context.Context, cc *ActionCallContext) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	m := llm.NewScripted(`<action_call name="slow">{}</action_call>`, `<output type="message">never</output>`)
	a := newTestAgent(t, m, WithActions(slow))
	ctx := context.Background()

	e, err := a.Engine(ctx, Ref(chatDef, map[string]any{"id": "abort"}))
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.PushInput(ctx, "text", "go"))

	type runResult struct {
		logs []model.Log
		err  error
	}
	done := make(chan runResult, 1)
	go func() {
		logs, err := e.Run(ctx)
		done <- runResult{logs, err}
	}()
	<-started
	e.Stop()
	r := <-done
	require.NoError(t, r.err)

	assert.Len(t, m.Prompts(), 1)
	assert.False(t, e.State().Running)
	assert.Nil(t, a.Running("chat:abort"))
	assert.ErrorIs(t, e.Push(ctx, model.NewThought("late")), ErrNotRunning)

	var results []*model.ActionResult
	for _, l := range r.logs {
		if res, ok := l.(*model.ActionResult); ok {
			results = append(results, res)
		}
	}
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed)
	assert.Equal(t, "context canceled", results[0].Data.(map[string]any)["error"])
}

func TestDrainReopensForLatePushes(t *testing.T) {
	a := newTestAgent(t, llm.NewScripted())
	e := startEngine(t, a, "drain")
	ctx := context.Background()

	// Mark the run and step markers seen so nothing is pending.
	e.main.mu.Lock()
	for _, l := range e.main.wm.Unprocessed() {
		l.Base().Processed = true
	}
	e.main.mu.Unlock()
	assert.False(t, e.drain())
	assert.False(t, e.State().Running)
	assert.ErrorIs(t, e.PushInput(ctx, "text", "rejected"), ErrNotRunning)

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	require.NoError(t, e.PushInput(ctx, "text", "late"))
	assert.True(t, e.drain())
	assert.True(t, e.State().Running)
}

func TestSettledHonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	block := &ActionDef{
		Name: "block",
		Handler: func(ctx context.Context, cc *ActionCallContext) (any, error) {
			<-release
			return "done", nil
		},
	}
	a := newTestAgent(t, llm.NewScripted(), WithActions(block))
	e := startEngine(t, a, "settled")

	call := model.NewActionCall("block", `{}`, nil)
	require.NoError(t, e.Push(context.Background(), call))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Settled(ctx), context.DeadlineExceeded)

	close(release)
	settle(t, e)
	assert.Len(t, resultFor(e, call), 1)
}

func TestLoadLocksAreReleased(t *testing.T) {
	a := newTestAgent(t, llm.NewScripted())
	for _, id := range []string{"l1", "l2", "l1"} {
		_, err := a.Engine(context.Background(), Ref(chatDef, map[string]any{"id": id}))
		require.NoError(t, err)
	}
	n := 0
	a.loadMu.Range(func(_, _ any) bool {
		n++
		return true
	})
	assert.Zero(t, n)
}
