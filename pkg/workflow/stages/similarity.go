package stages

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/detecteam/sigmaflow/pkg/models"
	"github.com/detecteam/sigmaflow/pkg/sigma"
)

// maxConcurrentEmbeds bounds parallel embedding calls per execution.
const maxConcurrentEmbeds = 4

// SimilarityMatch embeds each generated rule, finds its nearest corpus
// neighbors, and scores each pair with the atom and logic-shape metrics.
type SimilarityMatch struct{}

// Name implements Stage.
func (s *SimilarityMatch) Name() models.StageName { return models.StageSimilarityMatch }

// Run implements Stage.
func (s *SimilarityMatch) Run(ctx context.Context, deps *Deps, st *State, nonce string) (*Outcome, error) {
	if st.Sigma == nil || len(st.Sigma.Rules) == 0 {
		st.Similarity = []models.RuleSimilarity{}
		return &Outcome{Output: st.Similarity, Skipped: true}, nil
	}

	results := make([]models.RuleSimilarity, len(st.Sigma.Rules))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentEmbeds)
	for i, ruleYAML := range st.Sigma.Rules {
		i, ruleYAML := i, ruleYAML
		g.Go(func() error {
			rs, err := s.matchRule(gctx, deps, st, i, ruleYAML)
			if err != nil {
				return err
			}
			results[i] = *rs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	st.Similarity = results
	return &Outcome{Output: results}, nil
}

// matchRule scores one generated rule against its corpus neighbors.
func (s *SimilarityMatch) matchRule(ctx context.Context, deps *Deps, st *State, index int, ruleYAML string) (*models.RuleSimilarity, error) {
	rule, err := sigma.Parse(ruleYAML)
	if err != nil {
		// Only validated rules reach this stage; a parse failure here means
		// the stage inputs are corrupt.
		return nil, Validationf("generated rule %d no longer parses: %v", index, err)
	}

	vec, err := deps.Gateway.Embed(ctx, ruleYAML)
	if err != nil {
		return nil, err
	}

	neighbors := deps.Corpus.Neighbors(toFloat64(vec),
		st.Config.SimilarityK, st.Config.Thresholds.Similarity)

	rs := &models.RuleSimilarity{
		RuleIndex:      index,
		RuleTitle:      rule.Title,
		Matches:        make([]models.RuleMatch, 0, len(neighbors)),
		Classification: models.NoveltyNovel,
	}

	for _, n := range neighbors {
		corpusRule, err := sigma.Parse(n.Rule.YAMLText)
		if err != nil {
			// Unparseable corpus entries cannot be scored; skip them.
			continue
		}
		cmp := sigma.Compare(rule, corpusRule)
		match := models.RuleMatch{
			CorpusRuleID:         n.Rule.ID,
			Title:                n.Rule.Title,
			AtomJaccard:          cmp.AtomJaccard,
			LogicShapeSimilarity: cmp.LogicShape,
			WeightedSimilarity:   cmp.Weighted(),
			EmbeddingSimilarity:  n.Similarity,
			Classification:       cmp.Classify(),
		}
		rs.Matches = append(rs.Matches, match)
		rs.Classification = strongerNovelty(rs.Classification, match.Classification)
	}
	return rs, nil
}

// strongerNovelty returns the stronger of two classifications in the
// DUPLICATE > SIMILAR > NOVEL hierarchy.
func strongerNovelty(a, b models.NoveltyClass) models.NoveltyClass {
	rank := map[models.NoveltyClass]int{
		models.NoveltyNovel:     0,
		models.NoveltySimilar:   1,
		models.NoveltyDuplicate: 2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
