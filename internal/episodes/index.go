package episodes

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/rcliao/agent-runtime/internal/chunker"
	"github.com/rcliao/agent-runtime/internal/embedding"
)

// Index stores episode chunks in a chromem vector database, one collection
// per context.
type Index struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc
	opts  chunker.Options
}

// Match is one indexed chunk returned by a query.
type Match struct {
	EpisodeID  string
	ContextID  string
	Type       string
	Content    string
	EndedAt    time.Time
	Similarity float32
}

// NewIndex opens a persistent index under dir, or an in-memory one when dir
// is empty.
func NewIndex(dir string, e embedding.Embedder) (*Index, error) {
	if e == nil {
		return nil, fmt.Errorf("episodes: index needs an embedder")
	}
	var db *chromem.DB
	if dir != "" {
		var err error
		db, err = chromem.NewPersistentDB(filepath.Join(dir, "episodes"), false)
		if err != nil {
			return nil, fmt.Errorf("episodes: open index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &Index{db: db, embed: embedding.Func(e), opts: chunker.DefaultOptions()}, nil
}

func collectionName(contextID string) string {
	return "episodes/" + contextID
}

func (ix *Index) collection(contextID string) (*chromem.Collection, error) {
	return ix.db.GetOrCreateCollection(collectionName(contextID), nil, ix.embed)
}

// Add chunks an episode transcript and indexes every chunk.
func (ix *Index) Add(ctx context.Context, ep *Episode) error {
	c, err := ix.collection(ep.ContextID)
	if err != nil {
		return fmt.Errorf("episodes: collection: %w", err)
	}
	blocks := make([]chunker.Block, len(ep.Transcript))
	for i, l := range ep.Transcript {
		blocks[i] = chunker.Block{LogID: l.LogID, Text: l.Text}
	}
	chunks := chunker.Chunk(blocks, ix.opts)
	if len(chunks) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(chunks))
	for i, ch := range chunks {
		docs[i] = chromem.Document{
			ID:      ep.ID + "#" + strconv.Itoa(i),
			Content: ch.Text,
			Metadata: map[string]string{
				"episode":  ep.ID,
				"context":  ep.ContextID,
				"type":     ep.Type,
				"ended_at": ep.EndedAt.Format(time.RFC3339Nano),
			},
		}
	}
	if err := c.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("episodes: index %s: %w", ep.ID, err)
	}
	return nil
}

// Has reports whether any chunk of the episode is indexed.
func (ix *Index) Has(ctx context.Context, contextID, episodeID string) bool {
	c := ix.db.GetCollection(collectionName(contextID), ix.embed)
	if c == nil {
		return false
	}
	_, err := c.GetByID(ctx, episodeID+"#0")
	return err == nil
}

// Query returns up to n chunks of the context's episodes most similar to text.
func (ix *Index) Query(ctx context.Context, contextID, text string, n int) ([]Match, error) {
	c := ix.db.GetCollection(collectionName(contextID), ix.embed)
	if c == nil || c.Count() == 0 || n <= 0 {
		return nil, nil
	}
	n = min(n, c.Count())
	res, err := c.Query(ctx, text, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("episodes: query: %w", err)
	}
	matches := make([]Match, 0, len(res))
	for _, r := range res {
		ended, _ := time.Parse(time.RFC3339Nano, r.Metadata["ended_at"])
		matches = append(matches, Match{
			EpisodeID:  r.Metadata["episode"],
			ContextID:  r.Metadata["context"],
			Type:       r.Metadata["type"],
			Content:    r.Content,
			EndedAt:    ended,
			Similarity: r.Similarity,
		})
	}
	return matches, nil
}

// Drop removes every indexed chunk of a context.
func (ix *Index) Drop(contextID string) error {
	return ix.db.DeleteCollection(collectionName(contextID))
}
