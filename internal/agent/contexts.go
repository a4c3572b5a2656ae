package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/store"
)

// Store key prefixes.
const (
	contextPrefix       = "context:"
	workingMemoryPrefix = "working-memory:"
	actionMemoryPrefix  = "memory:"
)

// contextEntry is a loaded context. mu guards state memory and wm while they
// are encoded for persistence.
type contextEntry struct {
	mu    sync.Mutex
	def   *ContextDef
	state *model.ContextState
	wm    *model.WorkingMemory
}

func (a *Agent) contextID(ref ContextRef) (string, error) {
	if ref.Def == nil {
		return "", errors.New("agent: context ref without definition")
	}
	if err := ref.Def.Schema.Validate(ref.Args); err != nil {
		return "", newParsingError("context", ref.Def.Type, err)
	}
	key := ""
	if ref.Def.Key != nil {
		key = ref.Def.Key(ref.Args)
	}
	return model.ContextID(ref.Def.Type, key), nil
}

// loadContext returns the cached context of ref, or restores it from the
// store, or creates it.
func (a *Agent) loadContext(ctx context.Context, ref ContextRef) (*contextEntry, error) {
	id, err := a.contextID(ref)
	if err != nil {
		return nil, err
	}
	if e, ok := a.states.Get(id); ok {
		return e, nil
	}

	lk, _ := a.loadMu.LoadOrStore(id, &sync.Mutex{})
	mu := lk.(*sync.Mutex)
	mu.Lock()
	defer func() {
		// Later loads find the entry in the cache.
		a.loadMu.CompareAndDelete(id, mu)
		mu.Unlock()
	}()
	if e, ok := a.states.Get(id); ok {
		return e, nil
	}

	def := ref.Def
	state := &model.ContextState{ID: id, Type: def.Type, Args: ref.Args}
	if def.Key != nil {
		state.Key = def.Key(ref.Args)
	}

	raw, err := a.kv.Get(ctx, contextPrefix+id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		state.Settings = mergeSettings(a.settings, def.Settings)
		if def.Create != nil {
			if state.Memory, err = def.Create(ctx, state); err != nil {
				return nil, fmt.Errorf("create context %s: %w", id, err)
			}
		} else {
			state.Memory = map[string]any{}
		}
	case err != nil:
		return nil, fmt.Errorf("load context %s: %w", id, err)
	default:
		var snap model.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("decode context %s: %w", id, err)
		}
		state.Settings = mergeSettings(a.settings, snap.Settings)
		state.Contexts = snap.Contexts
		if state.Memory, err = decodeMemory(ctx, def, state, snap.Memory); err != nil {
			return nil, fmt.Errorf("decode context %s memory: %w", id, err)
		}
	}

	if def.Setup != nil {
		if state.Options, err = def.Setup(ctx, state, a); err != nil {
			return nil, fmt.Errorf("setup context %s: %w", id, err)
		}
	}

	wm, err := a.loadWorkingMemory(ctx, id)
	if err != nil {
		return nil, err
	}

	e := &contextEntry{def: def, state: state, wm: wm}
	a.states.Add(id, e)
	return e, nil
}

func mergeSettings(base, over model.Settings) model.Settings {
	if over.MaxSteps > 0 {
		base.MaxSteps = over.MaxSteps
	}
	if over.MaxWorkingMemorySize > 0 {
		base.MaxWorkingMemorySize = over.MaxWorkingMemorySize
	}
	if over.Model != "" {
		base.Model = over.Model
	}
	return base
}

func decodeMemory(ctx context.Context, def *ContextDef, state *model.ContextState, raw json.RawMessage) (any, error) {
	if def.Load != nil {
		return def.Load(ctx, state, raw)
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (a *Agent) loadWorkingMemory(ctx context.Context, id string) (*model.WorkingMemory, error) {
	raw, err := a.kv.Get(ctx, workingMemoryPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewWorkingMemory(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load working memory %s: %w", id, err)
	}
	wm := model.NewWorkingMemory()
	if err := json.Unmarshal(raw, wm); err != nil {
		return nil, fmt.Errorf("decode working memory %s: %w", id, err)
	}
	return wm, nil
}

// saveContext persists the snapshot and working memory of e.
func (a *Agent) saveContext(ctx context.Context, e *contextEntry) error {
	e.mu.Lock()
	var (
		mem json.RawMessage
		err error
	)
	if e.def.Save != nil {
		mem, err = e.def.Save(ctx, e.state)
	} else {
		mem, err = json.Marshal(e.state.Memory)
	}
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("encode context %s memory: %w", e.state.ID, err)
	}
	snap := model.Snapshot{
		ID:       e.state.ID,
		Type:     e.state.Type,
		Key:      e.state.Key,
		Args:     e.state.Args,
		Memory:   mem,
		Settings: e.state.Settings,
		Contexts: e.state.Contexts,
	}
	sb, err := json.Marshal(snap)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	wb, err := json.Marshal(e.wm)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := a.kv.Set(ctx, contextPrefix+e.state.ID, sb); err != nil {
		return fmt.Errorf("save context %s: %w", e.state.ID, err)
	}
	if err := a.kv.Set(ctx, workingMemoryPrefix+e.state.ID, wb); err != nil {
		return fmt.Errorf("save working memory %s: %w", e.state.ID, err)
	}
	return nil
}

// compose loads the sub-contexts of e, depth first. path holds the ids of
// e and its ancestors; a sub-context already on the path is skipped.
func (a *Agent) compose(ctx context.Context, e *contextEntry, path map[string]bool) ([]*contextEntry, error) {
	if e.def.Compose == nil {
		return nil, nil
	}
	refs := e.def.Compose(e.state)
	children := make([][]*contextEntry, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			c, err := a.loadContext(gctx, ref)
			if err != nil {
				return err
			}
			if path[c.state.ID] {
				a.logger.Warn("context composition cycle", "context", e.state.ID, "child", c.state.ID)
				return nil
			}
			sub := maps.Clone(path)
			sub[c.state.ID] = true
			rest, err := a.compose(gctx, c, sub)
			if err != nil {
				return err
			}
			children[i] = append([]*contextEntry{c}, rest...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*contextEntry
	seen := map[string]bool{}
	for _, list := range children {
		for _, c := range list {
			if seen[c.state.ID] {
				continue
			}
			seen[c.state.ID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

func (a *Agent) loadActionMemory(ctx context.Context, slot *MemorySlot) (any, error) {
	var v any
	if slot.Create != nil {
		v = slot.Create()
	}
	if v == nil {
		v = map[string]any{}
	}
	raw, err := a.kv.Get(ctx, actionMemoryPrefix+slot.Key)
	if errors.Is(err, store.ErrNotFound) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load action memory %s: %w", slot.Key, err)
	}
	if reflect.ValueOf(v).Kind() == reflect.Pointer {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decode action memory %s: %w", slot.Key, err)
		}
		return v, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode action memory %s: %w", slot.Key, err)
	}
	return out, nil
}

func (a *Agent) saveActionMemory(ctx context.Context, slot *MemorySlot, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode action memory %s: %w", slot.Key, err)
	}
	return a.kv.Set(ctx, actionMemoryPrefix+slot.Key, b)
}

// Contexts lists stored context snapshots.
func (a *Agent) Contexts(ctx context.Context) ([]model.Snapshot, error) {
	keys, err := a.kv.Keys(ctx, contextPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.Snapshot, 0, len(keys))
	for _, k := range keys {
		raw, err := a.kv.Get(ctx, k)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		var snap model.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			a.logger.Warn("skipping undecodable context", "key", k, "error", err)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// WorkingMemory returns the working memory of a context id, from the cache
// or the store.
func (a *Agent) WorkingMemory(ctx context.Context, id string) (*model.WorkingMemory, error) {
	if e, ok := a.states.Get(id); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return cloneWorkingMemory(e.wm)
	}
	if _, err := a.kv.Get(ctx, contextPrefix+id); errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, id)
	} else if err != nil {
		return nil, err
	}
	return a.loadWorkingMemory(ctx, id)
}

func cloneWorkingMemory(wm *model.WorkingMemory) (*model.WorkingMemory, error) {
	b, err := json.Marshal(wm)
	if err != nil {
		return nil, err
	}
	out := model.NewWorkingMemory()
	return out, json.Unmarshal(b, out)
}

// DeleteContext removes a context with its working memory, episodes and
// indexed episode chunks. A running context cannot be deleted.
func (a *Agent) DeleteContext(ctx context.Context, id string) error {
	if a.Running(id) != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	if _, err := a.kv.Get(ctx, contextPrefix+id); errors.Is(err, store.ErrNotFound) {
		if _, cached := a.states.Peek(id); !cached {
			return fmt.Errorf("%w: %s", ErrContextNotFound, id)
		}
	} else if err != nil {
		return err
	}

	if err := a.kv.Delete(ctx, contextPrefix+id); err != nil {
		return err
	}
	if err := a.kv.Delete(ctx, workingMemoryPrefix+id); err != nil {
		return err
	}
	if a.episodes != nil {
		if err := a.episodes.Forget(ctx, id); err != nil {
			return fmt.Errorf("forget episodes of %s: %w", id, err)
		}
	}
	a.states.Remove(id)
	a.logger.Info("context deleted", "context", id)
	return nil
}
