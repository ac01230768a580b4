package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/detecteam/sigmaflow/pkg/models"
)

// Rank scores the filtered article 0-10 for detection-engineering value and
// terminates executions below the configured threshold.
type Rank struct{}

// Name implements Stage.
func (s *Rank) Name() models.StageName { return models.StageRank }

type rankOutput struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale,omitempty"`
}

// Run implements Stage.
func (s *Rank) Run(ctx context.Context, deps *Deps, st *State, nonce string) (*Outcome, error) {
	tel := &models.LLMTelemetry{}

	var parsed struct {
		Score     *float64 `json:"score"`
		Rationale string   `json:"rationale"`
	}
	// Missing or out-of-range scores are fed back to the model within the
	// JSON feedback budget rather than failing on the first bad response.
	validate := func() error {
		if parsed.Score == nil {
			return errors.New("response is missing the score field")
		}
		if *parsed.Score < 0 || *parsed.Score > 10 {
			return fmt.Errorf("score %.2f is out of the range [0, 10]", *parsed.Score)
		}
		return nil
	}
	if err := agentCompleteJSONValidated(ctx, deps, st, models.AgentRank,
		clip(st.FilteredContent, 24000), nonce, &parsed, validate, tel); err != nil {
		return nil, err
	}
	score := *parsed.Score
	st.RankScore = score

	out := &Outcome{
		Output:    rankOutput{Score: score, Rationale: parsed.Rationale},
		Telemetry: tel,
	}
	if score < st.Config.Thresholds.Ranking {
		out.TerminationReason = models.ReasonBelowRankThreshold
	}
	return out, nil
}
