package models

// NoveltyClass is the classification of a generated rule against a corpus rule.
type NoveltyClass string

// Novelty classes form a strict hierarchy: DUPLICATE ⟹ SIMILAR ⟹ not NOVEL.
const (
	NoveltyDuplicate NoveltyClass = "DUPLICATE"
	NoveltySimilar   NoveltyClass = "SIMILAR"
	NoveltyNovel     NoveltyClass = "NOVEL"
)

// RuleMatch is one k-NN neighbor of a generated rule with its similarity
// metrics. LogicShapeSimilarity is nil when the atom sets are identical.
type RuleMatch struct {
	CorpusRuleID         string       `json:"corpus_rule_id"`
	Title                string       `json:"title,omitempty"`
	AtomJaccard          float64      `json:"atom_jaccard"`
	LogicShapeSimilarity *float64     `json:"logic_shape_similarity"`
	WeightedSimilarity   float64      `json:"weighted_similarity"`
	EmbeddingSimilarity  float64      `json:"embedding_similarity"`
	Classification       NoveltyClass `json:"classification"`
}

// RuleSimilarity is the similarity stage output for one generated rule:
// ordered matches (best first) and the overall classification, which is the
// strongest classification among the matches.
type RuleSimilarity struct {
	RuleIndex      int          `json:"rule_index"`
	RuleTitle      string       `json:"rule_title,omitempty"`
	Matches        []RuleMatch  `json:"matches"`
	Classification NoveltyClass `json:"classification"`
}

// SigmaAttempt logs one generation attempt for one Sigma rule candidate.
type SigmaAttempt struct {
	Attempt int      `json:"attempt"`
	Valid   bool     `json:"valid"`
	Errors  []string `json:"errors,omitempty"`
}

// SigmaGenOutput is the SigmaGen stage output: the validated rules plus the
// attempt log for every candidate, valid or not.
type SigmaGenOutput struct {
	Rules    []string       `json:"rules"`
	Attempts []SigmaAttempt `json:"attempts,omitempty"`
	// Fallback is true when generation used filtered content because no
	// discrete huntables were extracted.
	Fallback bool `json:"fallback,omitempty"`
}
