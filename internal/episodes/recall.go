package episodes

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rcliao/agent-runtime/internal/tokens"
)

// RecallParams holds parameters for recall.
type RecallParams struct {
	ContextID string
	Query     string
	Budget    int // max tokens of recalled content
	Limit     int // candidate chunks fetched from the index
}

// Recalled is a scored episode chunk.
type Recalled struct {
	EpisodeID string  `json:"episodeId"`
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	Excerpt   bool    `json:"excerpt,omitempty"`
}

// RecallResult is the packed recall response.
type RecallResult struct {
	Budget   int        `json:"budget"`
	Used     int        `json:"used"`
	Episodes []Recalled `json:"episodes"`
}

// minExcerpt is the smallest remaining budget worth filling with an excerpt.
const minExcerpt = 25

// Recall scores the chunks most similar to the query by similarity and
// recency, then packs them greedily into the token budget.
func (t *Tracker) Recall(ctx context.Context, p RecallParams) (*RecallResult, error) {
	budget := p.Budget
	if budget <= 0 {
		budget = 1000
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	result := &RecallResult{Budget: budget, Episodes: []Recalled{}}
	if t.index == nil {
		return result, nil
	}

	matches, err := t.index.Query(ctx, p.ContextID, p.Query, limit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	type scored struct {
		m     Match
		score float64
	}
	candidates := make([]scored, 0, len(matches))
	for _, m := range matches {
		// Recency: exponential decay over days.
		age := now.Sub(m.EndedAt).Hours() / 24.0
		recency := math.Exp(-0.1 * math.Max(age, 0))
		score := float64(m.Similarity)*0.7 + recency*0.3
		candidates = append(candidates, scored{m: m, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	used := 0
	for _, c := range candidates {
		n := tokens.Count(c.m.Content)
		r := Recalled{
			EpisodeID: c.m.EpisodeID,
			Type:      c.m.Type,
			Content:   c.m.Content,
			Score:     math.Round(c.score*100) / 100,
		}
		if used+n <= budget {
			result.Episodes = append(result.Episodes, r)
			used += n
			continue
		}
		if remaining := budget - used; remaining >= minExcerpt {
			r.Content = tokens.Truncate(c.m.Content, remaining)
			r.Excerpt = true
			result.Episodes = append(result.Episodes, r)
			used = budget
		}
		break
	}
	result.Used = used
	return result, nil
}
