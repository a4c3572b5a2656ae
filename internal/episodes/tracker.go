package episodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/store"
)

const keyPrefix = "episode:"

// Key is the store key of an episode.
func Key(contextID, episodeID string) string {
	return keyPrefix + contextID + ":" + episodeID
}

// Tracker collects the logs of each context's open episode. It is owned by
// the agent and passed where needed; Forget tears down a context's state.
type Tracker struct {
	kv     store.KV
	index  *Index
	logger *slog.Logger

	mu   sync.Mutex
	open map[string][]model.Log
}

// NewTracker persists finished episodes to kv and indexes them in index
// when it is non-nil.
func NewTracker(kv store.KV, index *Index, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{kv: kv, index: index, logger: logger, open: map[string][]model.Log{}}
}

// Observe feeds a log of contextID through the episode hooks. It returns the
// episode when l closed one.
func (t *Tracker) Observe(ctx context.Context, contextID string, hooks Hooks, l model.Log) (*Episode, error) {
	t.mu.Lock()
	logs, active := t.open[contextID]
	if !active {
		if !hooks.shouldStart(l) {
			t.mu.Unlock()
			return nil, nil
		}
		logs = nil
	}
	logs = append(logs, l)
	t.open[contextID] = logs
	end := hooks.shouldEnd(l)
	if end {
		delete(t.open, contextID)
	}
	t.mu.Unlock()

	if !end {
		return nil, nil
	}
	return t.finish(ctx, contextID, hooks, logs)
}

// Active reports whether contextID has an open episode.
func (t *Tracker) Active(contextID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[contextID]
	return ok
}

// EndRun closes the open episode of contextID, if any.
func (t *Tracker) EndRun(ctx context.Context, contextID string, hooks Hooks) (*Episode, error) {
	t.mu.Lock()
	logs, ok := t.open[contextID]
	delete(t.open, contextID)
	t.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return t.finish(ctx, contextID, hooks, logs)
}

func (t *Tracker) finish(ctx context.Context, contextID string, hooks Hooks, logs []model.Log) (*Episode, error) {
	create := hooks.Create
	if create == nil {
		create = DefaultEpisode
	}
	ep, err := create(ctx, contextID, logs)
	if err != nil {
		return nil, fmt.Errorf("episodes: create: %w", err)
	}
	if ep == nil {
		return nil, nil
	}
	if ep.ID == "" {
		ep.ID = model.NewID()
	}
	ep.ContextID = contextID
	ep.Type = "conversation"
	if hooks.Classify != nil {
		if typ := hooks.Classify(ep); typ != "" {
			ep.Type = typ
		}
	}
	if hooks.ExtractMetadata != nil {
		ep.Metadata = hooks.ExtractMetadata(ep)
	}

	b, err := json.Marshal(ep)
	if err != nil {
		return nil, err
	}
	if err := t.kv.Set(ctx, Key(contextID, ep.ID), b); err != nil {
		return nil, fmt.Errorf("episodes: save: %w", err)
	}
	if t.index != nil {
		if err := t.index.Add(ctx, ep); err != nil {
			return ep, err
		}
	}
	t.logger.Debug("episode finished", "context", contextID, "episode", ep.ID, "logs", len(ep.LogIDs))
	return ep, nil
}

// Episodes lists the stored episodes of contextID, oldest first.
func (t *Tracker) Episodes(ctx context.Context, contextID string) ([]Episode, error) {
	keys, err := t.kv.Keys(ctx, keyPrefix+contextID+":")
	if err != nil {
		return nil, err
	}
	var out []Episode
	for _, k := range keys {
		// "episode:chat" must not pick up "episode:chat:1:<id>".
		if strings.Contains(strings.TrimPrefix(k, keyPrefix+contextID+":"), ":") {
			continue
		}
		b, err := t.kv.Get(ctx, k)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var ep Episode
		if err := json.Unmarshal(b, &ep); err != nil {
			return nil, fmt.Errorf("episodes: decode %s: %w", k, err)
		}
		out = append(out, ep)
	}
	return out, nil
}

// Reindex adds stored episodes of contextID missing from the index. It lets
// an in-memory index serve recall for episodes written by earlier processes.
func (t *Tracker) Reindex(ctx context.Context, contextID string) (int, error) {
	if t.index == nil {
		return 0, nil
	}
	eps, err := t.Episodes(ctx, contextID)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range eps {
		if t.index.Has(ctx, contextID, eps[i].ID) {
			continue
		}
		if err := t.index.Add(ctx, &eps[i]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Forget drops the open episode, stored episodes and index entries of
// contextID.
func (t *Tracker) Forget(ctx context.Context, contextID string) error {
	t.mu.Lock()
	delete(t.open, contextID)
	t.mu.Unlock()

	eps, err := t.Episodes(ctx, contextID)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		if err := t.kv.Delete(ctx, Key(contextID, ep.ID)); err != nil {
			return err
		}
	}
	if t.index != nil {
		if err := t.index.Drop(contextID); err != nil {
			return fmt.Errorf("episodes: drop index: %w", err)
		}
	}
	return nil
}
