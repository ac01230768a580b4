package sigma

import (
	"github.com/detecteam/sigmaflow/pkg/models"
)

// Classification thresholds. DUPLICATE requires both metrics above 0.95;
// SIMILAR requires atom Jaccard above 0.80. The hierarchy is strict:
// DUPLICATE ⟹ SIMILAR ⟹ not NOVEL.
const (
	duplicateThreshold = 0.95
	similarThreshold   = 0.80
)

// Weights for the combined similarity score when logic shape is available.
const (
	atomWeight  = 0.7
	shapeWeight = 0.3
)

// Comparison holds the pairwise similarity metrics between two rules.
type Comparison struct {
	AtomJaccard float64
	// LogicShape is nil when the atom sets are identical (structure adds no
	// signal); for disjoint or partially overlapping atom sets it is always
	// set, 0.0 at full structural divergence.
	LogicShape *float64
}

// Compare computes the similarity metrics between two parsed rules.
func Compare(a, b *Rule) Comparison {
	atomsA, atomsB := Atoms(a), Atoms(b)
	cmp := Comparison{AtomJaccard: Jaccard(atomsA, atomsB)}

	if atomsA.Equal(atomsB) {
		return cmp
	}

	shape := shapeSimilarity(a, b)
	cmp.LogicShape = &shape
	return cmp
}

// shapeSimilarity compares the normalized condition-tree structures of two
// rules: Jaccard over the multiset of operator paths. Unparseable conditions
// compare as fully divergent.
func shapeSimilarity(a, b *Rule) float64 {
	ta, errA := conditionTree(a)
	tb, errB := conditionTree(b)
	if errA != nil || errB != nil {
		return 0.0
	}
	return pathJaccard(ta.Shape(), tb.Shape())
}

func conditionTree(r *Rule) (*Node, error) {
	cond, _ := r.Detection["condition"].(string)
	return ParseCondition(cond)
}

// pathJaccard is Jaccard over path multisets: intersection counts each path
// min(countA, countB) times.
func pathJaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	countA := make(map[string]int)
	for _, p := range a {
		countA[p]++
	}
	inter := 0
	for _, p := range b {
		if countA[p] > 0 {
			countA[p]--
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Weighted combines the metrics: 0.7·atom + 0.3·shape when shape is set,
// otherwise the atom Jaccard alone.
func (c Comparison) Weighted() float64 {
	if c.LogicShape == nil {
		return c.AtomJaccard
	}
	return atomWeight*c.AtomJaccard + shapeWeight*(*c.LogicShape)
}

// Classify maps the metrics onto the novelty hierarchy.
func (c Comparison) Classify() models.NoveltyClass {
	shape := c.AtomJaccard // identical atom sets: structure adds no signal
	if c.LogicShape != nil {
		shape = *c.LogicShape
	}
	switch {
	case c.AtomJaccard > duplicateThreshold && shape > duplicateThreshold:
		return models.NoveltyDuplicate
	case c.AtomJaccard > similarThreshold:
		return models.NoveltySimilar
	default:
		return models.NoveltyNovel
	}
}
