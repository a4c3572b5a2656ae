package cli

import (
	"fmt"
	"io"

	"github.com/rcliao/agent-runtime/internal/agent"
	"github.com/rcliao/agent-runtime/internal/builtin"
	"github.com/rcliao/agent-runtime/internal/embedding"
	"github.com/rcliao/agent-runtime/internal/episodes"
	"github.com/rcliao/agent-runtime/internal/llm"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/store"
	"github.com/rcliao/agent-runtime/internal/taskrunner"
)

// workspace bundles what commands need to drive an agent.
type workspace struct {
	kv      *store.SQLiteStore
	tracker *episodes.Tracker
	agent   *agent.Agent
}

func newModel(scriptOverride string) (llm.Model, error) {
	switch cfg.Model.Provider {
	case "ollama":
		return llm.NewOllama(cfg.Model.URL, cfg.Model.Name), nil
	default:
		script := cfg.Model.Script
		if scriptOverride != "" {
			script = scriptOverride
		}
		if script == "" {
			return llm.NewScripted(), nil
		}
		return llm.LoadScript(script)
	}
}

func newTracker(kv store.KV) (*episodes.Tracker, error) {
	emb, err := embedding.New(embedding.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		URL:      cfg.Embedding.URL,
	})
	if err != nil {
		return nil, err
	}
	var ix *episodes.Index
	if emb != nil {
		if ix, err = episodes.NewIndex(cfg.Embedding.VectorPath, emb); err != nil {
			return nil, err
		}
	}
	return episodes.NewTracker(kv, ix, logger), nil
}

// openRuntime opens the store and assembles the agent with the built-in
// definitions. Messages go to out.
func openRuntime(out io.Writer, session *builtin.Session, scriptOverride string, extra ...agent.Option) (*workspace, error) {
	kv, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	m, err := newModel(scriptOverride)
	if err != nil {
		kv.Close()
		return nil, err
	}
	tracker, err := newTracker(kv)
	if err != nil {
		kv.Close()
		return nil, err
	}

	opts := append(builtin.Options(out, session),
		agent.WithModel(m),
		agent.WithStore(kv),
		agent.WithLogger(logger),
		agent.WithEpisodes(tracker),
		agent.WithRunner(taskrunner.New(cfg.Concurrency,
			taskrunner.WithRetryDelay(cfg.RetryDelay),
			taskrunner.WithLogger(logger))),
		agent.WithSettings(model.Settings{
			MaxSteps:             cfg.MaxSteps,
			MaxWorkingMemorySize: cfg.MaxWorkingMemorySize,
			Model:                cfg.Model.Name,
		}),
	)
	a, err := agent.New(append(opts, extra...)...)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return &workspace{kv: kv, tracker: tracker, agent: a}, nil
}

func (w *workspace) Close() error {
	return w.kv.Close()
}
