package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/detecteam/sigmaflow/pkg/models"
	"github.com/detecteam/sigmaflow/pkg/sigma"
)

// sigmaFixAttempts is the per-candidate budget: the first generation plus
// correction rounds fed with validator errors.
const sigmaFixAttempts = 3

// SigmaGen produces sigma rules for the extracted huntables. When nothing was
// extracted it falls back to the filtered content if the config allows, and
// skips cleanly otherwise.
type SigmaGen struct{}

// Name implements Stage.
func (s *SigmaGen) Name() models.StageName { return models.StageSigmaGen }

// Run implements Stage.
func (s *SigmaGen) Run(ctx context.Context, deps *Deps, st *State, nonce string) (*Outcome, error) {
	input, fallback, ok := s.selectInput(st)
	if !ok {
		st.Sigma = &models.SigmaGenOutput{Rules: []string{}}
		return &Outcome{Output: st.Sigma, Skipped: true}, nil
	}

	tel := &models.LLMTelemetry{}
	text, err := agentComplete(ctx, deps, st, models.AgentSigmaGen, input, nonce, tel)
	if err != nil {
		return nil, err
	}

	out := &models.SigmaGenOutput{Rules: []string{}, Fallback: fallback}
	for i, candidate := range splitYAMLDocs(text) {
		validated, attempts, err := s.validateWithFeedback(ctx, deps, st,
			candidate, fmt.Sprintf("%s-rule-%d", nonce, i), tel)
		if err != nil {
			return nil, err
		}
		out.Attempts = append(out.Attempts, attempts...)
		if validated != "" {
			out.Rules = append(out.Rules, validated)
		}
	}

	st.Sigma = out
	return &Outcome{Output: out, Telemetry: tel}, nil
}

// selectInput picks the generation input: extraction content when huntables
// exist, filtered content when the fallback is enabled and non-empty,
// otherwise nothing.
func (s *SigmaGen) selectInput(st *State) (input string, fallback, ok bool) {
	if st.Extraction != nil && st.Extraction.DiscreteHuntablesCount > 0 {
		return st.Extraction.Content, false, true
	}
	if st.Config.SigmaFallbackEnabled && strings.TrimSpace(st.FilteredContent) != "" {
		return st.FilteredContent, true, true
	}
	return "", false, false
}

// sigmaRoundOutput is the stage-result payload of one rejected validation
// round.
type sigmaRoundOutput struct {
	Candidate string   `json:"candidate"`
	Errors    []string `json:"errors"`
}

// validateWithFeedback validates one candidate, feeding validator errors back
// to the model for correction. Returns the validated YAML, or "" when the
// candidate never validated (recorded in the attempt log, not an error). Each
// rejected round is also appended to the execution's stage history.
func (s *SigmaGen) validateWithFeedback(ctx context.Context, deps *Deps, st *State, candidate, nonce string, tel *models.LLMTelemetry) (string, []models.SigmaAttempt, error) {
	var attempts []models.SigmaAttempt

	for attempt := 1; attempt <= sigmaFixAttempts; attempt++ {
		errs := validateCandidate(candidate)
		attempts = append(attempts, models.SigmaAttempt{
			Attempt: attempt,
			Valid:   len(errs) == 0,
			Errors:  errs,
		})
		if len(errs) == 0 {
			return candidate, attempts, nil
		}
		if st.Record != nil {
			st.Record(models.StageStatusFailed, fmt.Sprintf("%s-check-%d", nonce, attempt),
				sigmaRoundOutput{Candidate: candidate, Errors: errs},
				"sigma rule failed validation: "+strings.Join(errs, "; "))
		}
		if attempt == sigmaFixAttempts {
			break
		}

		correction := fmt.Sprintf(
			"The following sigma rule failed validation:\n\n%s\n\nErrors:\n- %s\n\n"+
				"Fix the rule and output ONLY the corrected sigma YAML document.",
			candidate, strings.Join(errs, "\n- "))
		fixed, err := agentComplete(ctx, deps, st, models.AgentSigmaGen,
			correction, fmt.Sprintf("%s-fix-%d", nonce, attempt), tel)
		if err != nil {
			return "", attempts, err
		}
		candidate = stripYAMLFence(fixed)
	}
	return "", attempts, nil
}

func validateCandidate(candidate string) []string {
	res := sigma.Validate(candidate)
	if res.OK {
		return nil
	}
	return res.Errors
}

// splitYAMLDocs splits a model response into YAML documents on "---"
// separators, dropping empties and markdown fences.
func splitYAMLDocs(text string) []string {
	text = stripYAMLFence(text)
	var docs []string
	for _, doc := range strings.Split(text, "\n---") {
		doc = strings.TrimSpace(strings.TrimPrefix(doc, "---"))
		if doc != "" {
			docs = append(docs, doc)
		}
	}
	return docs
}

func stripYAMLFence(text string) string {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```yaml"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}
