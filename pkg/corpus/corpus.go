// Package corpus holds the in-memory sigma rule corpus used for k-NN
// similarity search.
package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/detecteam/sigmaflow/pkg/models"
	"github.com/detecteam/sigmaflow/pkg/store"
)

// Neighbor is one corpus rule with its embedding similarity to a query.
type Neighbor struct {
	Rule       *models.CorpusRule
	Similarity float64
}

// Index is the in-memory corpus. Lookups are brute-force cosine over all
// embedded rules; at corpus scale (thousands of rules) this is faster than
// maintaining an approximate index.
type Index struct {
	mu    sync.RWMutex
	rules []models.CorpusRule
}

// Load reads the full corpus from the store into a new index.
func Load(ctx context.Context, st *store.Store) (*Index, error) {
	idx := &Index{}
	if err := idx.Reload(ctx, st); err != nil {
		return nil, err
	}
	return idx, nil
}

// NewFromRules builds an index directly from rules, bypassing the store.
func NewFromRules(rules []models.CorpusRule) *Index {
	return &Index{rules: rules}
}

// Reload replaces the index contents from the store.
func (i *Index) Reload(ctx context.Context, st *store.Store) error {
	rules, err := st.ListCorpusRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load corpus: %w", err)
	}

	embedded := 0
	for _, r := range rules {
		if len(r.Embedding) > 0 {
			embedded++
		}
	}

	i.mu.Lock()
	i.rules = rules
	i.mu.Unlock()

	slog.Info("Corpus loaded", "rules", len(rules), "embedded", embedded)
	return nil
}

// Len returns the number of rules in the index.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.rules)
}

// Neighbors returns up to k corpus rules most similar to the query embedding,
// in descending similarity order. Rules without embeddings and rules below
// minSimilarity are skipped.
func (i *Index) Neighbors(query []float64, k int, minSimilarity float64) []Neighbor {
	if k < 1 || len(query) == 0 {
		return nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	candidates := make([]Neighbor, 0, len(i.rules))
	for idx := range i.rules {
		r := &i.rules[idx]
		if len(r.Embedding) != len(query) || len(r.Embedding) == 0 {
			continue
		}
		sim := cosine(query, r.Embedding)
		if sim < minSimilarity {
			continue
		}
		candidates = append(candidates, Neighbor{Rule: r, Similarity: sim})
	}

	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Similarity != candidates[b].Similarity {
			return candidates[a].Similarity > candidates[b].Similarity
		}
		return candidates[a].Rule.ID < candidates[b].Rule.ID
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// cosine computes cosine similarity between two equal-length vectors.
func cosine(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
