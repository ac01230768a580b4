package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/detecteam/sigmaflow/pkg/llm"
	"github.com/detecteam/sigmaflow/pkg/models"
)

// ExtractSupervisor fans out to the enabled extraction sub-agents, runs the
// optional QA pass per sub-agent, and merges their results deterministically.
//
// A sub-agent failure is isolated: its items become empty and the error is
// recorded on its sub-result. The stage fails only when every sub-agent
// errored.
type ExtractSupervisor struct{}

// Name implements Stage.
func (s *ExtractSupervisor) Name() models.StageName { return models.StageExtractSupervisor }

// subAgentFor maps observable types onto their extraction agents.
func subAgentFor(t models.ObservableType) models.AgentName {
	switch t {
	case models.ObservableCmdline:
		return models.AgentCmdline
	case models.ObservableProcessLineage:
		return models.AgentProcTree
	case models.ObservableHuntQuery:
		return models.AgentHuntQueries
	}
	return ""
}

// indexedSubResult pairs a sub-agent result with its launch index.
type indexedSubResult struct {
	index  int
	typ    models.ObservableType
	result *models.SubAgentResult
	tel    *models.LLMTelemetry
	err    error
}

// Run implements Stage.
func (s *ExtractSupervisor) Run(ctx context.Context, deps *Deps, st *State, nonce string) (*Outcome, error) {
	types := st.Config.EnabledSubAgents
	if len(types) == 0 {
		return nil, Configf("no extraction sub-agents enabled")
	}

	// Launch one goroutine per enabled sub-agent and wait for all of them.
	results := make(chan indexedSubResult, len(types))
	var wg sync.WaitGroup
	for i, t := range types {
		wg.Add(1)
		go func(idx int, typ models.ObservableType) {
			defer wg.Done()
			tel := &models.LLMTelemetry{}
			sr, err := s.runSubAgent(ctx, deps, st,
				typ, fmt.Sprintf("%s-%s", nonce, typ), tel)
			results <- indexedSubResult{index: idx, typ: typ, result: sr, tel: tel, err: err}
		}(i, t)
	}
	wg.Wait()
	close(results)

	tel := &models.LLMTelemetry{}
	sub := make(map[models.ObservableType]*models.SubAgentResult, len(types))
	var errs []error
	for r := range results {
		mergeTelemetry(tel, r.tel)
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.typ, r.err))
			sub[r.typ] = &models.SubAgentResult{Items: []string{}, Error: r.err.Error()}
			continue
		}
		sub[r.typ] = r.result
	}

	if len(errs) == len(types) {
		// Nothing contributed. Config errors stay permanent; anything else is
		// retried by the engine.
		joined := errors.Join(errs...)
		if allConfigErrors(errs) {
			return nil, joined
		}
		return nil, llm.Transient(fmt.Errorf("all extraction sub-agents failed: %w", joined))
	}

	st.Extraction = models.Merge(sub)
	return &Outcome{Output: st.Extraction, Telemetry: tel}, nil
}

func allConfigErrors(errs []error) bool {
	for _, err := range errs {
		if !errors.Is(err, ErrConfig) {
			return false
		}
	}
	return true
}

// runSubAgent executes one typed extraction plus its optional QA pass.
func (s *ExtractSupervisor) runSubAgent(ctx context.Context, deps *Deps, st *State, typ models.ObservableType, nonce string, tel *models.LLMTelemetry) (*models.SubAgentResult, error) {
	agent := subAgentFor(typ)
	if agent == "" {
		return nil, Configf("unknown sub-agent type %q", typ)
	}

	var sr *models.SubAgentResult
	var err error
	switch typ {
	case models.ObservableCmdline:
		sr, err = s.extractCmdlines(ctx, deps, st, nonce, tel)
	case models.ObservableProcessLineage:
		sr, err = s.extractLineage(ctx, deps, st, nonce, tel)
	case models.ObservableHuntQuery:
		sr, err = s.extractQueries(ctx, deps, st, nonce, tel)
	}
	if err != nil {
		return nil, err
	}

	if st.Config.QAEnabled[agent] {
		if err := s.reviewSubAgent(ctx, deps, st, typ, nonce, sr, tel); err != nil {
			return nil, err
		}
	}

	sr.Count = len(sr.Items)
	return sr, nil
}

func (s *ExtractSupervisor) extractCmdlines(ctx context.Context, deps *Deps, st *State, nonce string, tel *models.LLMTelemetry) (*models.SubAgentResult, error) {
	var parsed struct {
		Items []struct {
			Value   string `json:"value"`
			Context string `json:"context"`
		} `json:"items"`
	}
	if err := agentCompleteJSON(ctx, deps, st, models.AgentCmdline,
		st.FilteredContent, nonce, &parsed, tel); err != nil {
		return nil, err
	}

	sr := &models.SubAgentResult{Items: []string{}}
	for _, item := range parsed.Items {
		v := strings.TrimSpace(item.Value)
		if v == "" {
			continue
		}
		sr.Items = append(sr.Items, v)
	}
	return sr, nil
}

func (s *ExtractSupervisor) extractLineage(ctx context.Context, deps *Deps, st *State, nonce string, tel *models.LLMTelemetry) (*models.SubAgentResult, error) {
	var parsed struct {
		Lineages []models.ProcessLineage `json:"lineages"`
	}
	if err := agentCompleteJSON(ctx, deps, st, models.AgentProcTree,
		st.FilteredContent, nonce, &parsed, tel); err != nil {
		return nil, err
	}

	sr := &models.SubAgentResult{Items: []string{}}
	for _, pl := range parsed.Lineages {
		if !validLineage(pl) {
			continue
		}
		sr.Lineage = append(sr.Lineage, pl)
		sr.Items = append(sr.Items, models.RenderLineage(pl))
	}
	return sr, nil
}

// validLineage enforces the lineage invariants: both processes explicitly
// named, source text present, and cmd.exe never accepted as a parent.
func validLineage(pl models.ProcessLineage) bool {
	parent := strings.ToLower(strings.TrimSpace(pl.Parent))
	child := strings.TrimSpace(pl.Child)
	if parent == "" || child == "" || strings.TrimSpace(pl.SourceText) == "" {
		return false
	}
	base := parent
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	return base != "cmd.exe" && base != "cmd"
}

func (s *ExtractSupervisor) extractQueries(ctx context.Context, deps *Deps, st *State, nonce string, tel *models.LLMTelemetry) (*models.SubAgentResult, error) {
	var parsed struct {
		Queries []struct {
			Query   string `json:"query"`
			Type    string `json:"type"`
			Context string `json:"context"`
		} `json:"queries"`
	}
	if err := agentCompleteJSON(ctx, deps, st, models.AgentHuntQueries,
		st.FilteredContent, nonce, &parsed, tel); err != nil {
		return nil, err
	}

	sr := &models.SubAgentResult{Items: []string{}}
	for _, q := range parsed.Queries {
		query := strings.TrimSpace(q.Query)
		if query == "" {
			continue
		}
		sr.Queries = append(sr.Queries, models.HuntQuery{
			Query:   query,
			Type:    models.NormalizeQueryType(q.Type),
			Context: q.Context,
		})
		sr.Items = append(sr.Items, query)
	}
	return sr, nil
}

// reviewSubAgent runs the QA agent over a sub-agent output. A pass keeps the
// items; needs_revision replaces them with the corrected list; fail empties
// the result and records the rejection.
func (s *ExtractSupervisor) reviewSubAgent(ctx context.Context, deps *Deps, st *State, typ models.ObservableType, nonce string, sr *models.SubAgentResult, tel *models.LLMTelemetry) error {
	itemsJSON, err := json.Marshal(sr.Items)
	if err != nil {
		return fmt.Errorf("marshaling items for QA: %w", err)
	}

	input := fmt.Sprintf("Sub-agent: %s\nExtracted items:\n%s\n\nSource article:\n%s",
		typ, itemsJSON, clip(st.FilteredContent, 24000))

	var qa models.QAResult
	if err := agentCompleteJSON(ctx, deps, st, models.AgentQAReviewer,
		input, nonce+"-qa", &qa, tel); err != nil {
		return err
	}

	switch qa.Verdict {
	case models.QAPass:
	case models.QANeedsRevision:
		// A needs_revision verdict without a corrections list would wipe the
		// extraction wholesale; refuse it instead.
		if qa.Corrections == nil {
			return Validationf("QA verdict needs_revision carried no corrections")
		}
		s.applyCorrections(typ, sr, qa.Corrections)
	case models.QAFail:
		sr.Items = []string{}
		sr.Lineage = nil
		sr.Queries = nil
		sr.Error = fmt.Sprintf("rejected by QA: %s", qa.Notes)
	default:
		return Validationf("QA returned unknown verdict %q", qa.Verdict)
	}
	return nil
}

// applyCorrections replaces the item list with the QA-corrected one and drops
// typed payload entries whose rendering was removed.
func (s *ExtractSupervisor) applyCorrections(typ models.ObservableType, sr *models.SubAgentResult, corrected []string) {
	keep := make(map[string]bool, len(corrected))
	items := make([]string, 0, len(corrected))
	for _, c := range corrected {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		items = append(items, c)
		keep[c] = true
	}
	sr.Items = items

	switch typ {
	case models.ObservableProcessLineage:
		var lineage []models.ProcessLineage
		for _, pl := range sr.Lineage {
			if keep[models.RenderLineage(pl)] {
				lineage = append(lineage, pl)
			}
		}
		sr.Lineage = lineage
	case models.ObservableHuntQuery:
		var queries []models.HuntQuery
		for _, q := range sr.Queries {
			if keep[q.Query] {
				queries = append(queries, q)
			}
		}
		sr.Queries = queries
	}
}
