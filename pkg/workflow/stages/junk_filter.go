package stages

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/detecteam/sigmaflow/pkg/models"
)

// Chunking geometry for the junk classifier.
const (
	chunkSize    = 1000
	chunkOverlap = 200
)

// maxChunkClassifiers bounds concurrent classifier calls per article; the
// provider token bucket does the real throttling.
const maxChunkClassifiers = 4

// JunkFilter chunks the article and classifies each chunk huntable or junk.
// The article terminates as junk when fewer than min_huntable_chunks survive;
// otherwise the surviving chunks become the filtered content used downstream.
type JunkFilter struct{}

// Name implements Stage.
func (s *JunkFilter) Name() models.StageName { return models.StageJunkFilter }

type junkFilterOutput struct {
	Chunks         int   `json:"chunks"`
	HuntableChunks int   `json:"huntable_chunks"`
	HuntableIndex  []int `json:"huntable_index"`
}

// Run implements Stage.
func (s *JunkFilter) Run(ctx context.Context, deps *Deps, st *State, nonce string) (*Outcome, error) {
	chunks := chunkText(st.Article.Content, chunkSize, chunkOverlap)
	tel := &models.LLMTelemetry{}

	huntable := make([]bool, len(chunks))
	tels := make([]*models.LLMTelemetry, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxChunkClassifiers)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			chunkTel := &models.LLMTelemetry{}
			tels[i] = chunkTel
			text, err := agentComplete(gctx, deps, st, models.AgentJunkFilter,
				chunk, fmt.Sprintf("%s-chunk-%d", nonce, i), chunkTel)
			if err != nil {
				return err
			}
			huntable[i] = isHuntableVerdict(text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, t := range tels {
		if t != nil {
			mergeTelemetry(tel, t)
		}
	}

	var kept []string
	var keptIdx []int
	for i, h := range huntable {
		if h {
			kept = append(kept, chunks[i])
			keptIdx = append(keptIdx, i)
		}
	}

	out := &Outcome{
		Output: junkFilterOutput{
			Chunks:         len(chunks),
			HuntableChunks: len(kept),
			HuntableIndex:  keptIdx,
		},
		Telemetry: tel,
	}

	if len(kept) < st.Config.Thresholds.MinHuntableChunks {
		out.TerminationReason = models.ReasonJunkFiltered
		return out, nil
	}

	st.FilteredContent = strings.Join(kept, "\n\n")
	return out, nil
}

// isHuntableVerdict interprets the classifier response. Anything that is not
// recognizably "huntable" counts as junk.
func isHuntableVerdict(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Trim(t, `"'.`)
	return t == "huntable" || strings.HasPrefix(t, "huntable")
}

// chunkText splits s into fixed-size rune windows with the given overlap.
func chunkText(s string, size, overlap int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= size {
		return []string{s}
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// mergeTelemetry folds b into a, keeping a's identity fields when set.
func mergeTelemetry(a, b *models.LLMTelemetry) {
	if a.Provider == "" {
		a.Provider = b.Provider
		a.Model = b.Model
	}
	a.PromptTokens += b.PromptTokens
	a.CompletionTokens += b.CompletionTokens
	a.LatencyMS += b.LatencyMS
	a.Calls += b.Calls
}
