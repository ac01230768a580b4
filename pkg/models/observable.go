package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ObservableType tags the typed extraction outputs produced by sub-agents.
type ObservableType string

// Observable types, one per sub-agent. Sort order of the constants defines
// the deterministic merge order of the supervisor fan-in.
const (
	ObservableCmdline        ObservableType = "cmdline"
	ObservableProcessLineage ObservableType = "process_lineage"
	ObservableHuntQuery      ObservableType = "hunt_queries"
)

// HuntQueryType enumerates the query languages recognized by the hunt-query
// sub-agent.
type HuntQueryType string

// Recognized hunt-query platforms. Unknown values normalize to "other".
const (
	QueryKQL         HuntQueryType = "kql"
	QuerySplunk      HuntQueryType = "splunk"
	QueryElastic     HuntQueryType = "elastic"
	QueryFalcon      HuntQueryType = "falcon"
	QuerySentinelOne HuntQueryType = "sentinelone"
	QueryOther       HuntQueryType = "other"
)

// NormalizeQueryType maps provider aliases onto the canonical enum. Sub-agents
// in the wild return "kusto", "spl", "eql" and friends; normalization happens
// once at the adapter boundary.
func NormalizeQueryType(raw string) HuntQueryType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "kql", "kusto", "azure", "sentinel", "defender":
		return QueryKQL
	case "splunk", "spl":
		return QuerySplunk
	case "elastic", "eql", "elasticsearch", "lucene":
		return QueryElastic
	case "falcon", "crowdstrike", "fql":
		return QueryFalcon
	case "sentinelone", "s1", "s1ql", "deep visibility":
		return QuerySentinelOne
	default:
		return QueryOther
	}
}

// ProcessLineage is one parent→child process relationship extracted from an
// article. Both processes must be explicitly named in the source text.
type ProcessLineage struct {
	Parent     string `json:"parent"`
	Child      string `json:"child"`
	Arguments  string `json:"arguments,omitempty"`
	Context    string `json:"context,omitempty"`
	SourceText string `json:"source_text"`
}

// HuntQuery is one verbatim detection query lifted from an article code block.
type HuntQuery struct {
	Query   string        `json:"query"`
	Type    HuntQueryType `json:"type"`
	Context string        `json:"context,omitempty"`
}

// Observable is a typed huntable with its attribution. The Value rendering is
// the canonical single-string form of the underlying item.
type Observable struct {
	Type   ObservableType `json:"type"`
	Value  string         `json:"value"`
	Source string         `json:"source"`
}

// SubAgentResult holds one sub-agent's contribution to the extraction result.
// Items are the canonical string renderings; a failed sub-agent records its
// error and contributes an empty item list.
type SubAgentResult struct {
	Items []string `json:"items"`
	Count int      `json:"count"`
	Error string   `json:"error,omitempty"`

	// Typed payloads, populated for the structured observable types.
	Lineage []ProcessLineage `json:"process_lineage,omitempty"`
	Queries []HuntQuery      `json:"queries,omitempty"`
}

// ExtractionResult is the supervisor fan-in output.
type ExtractionResult struct {
	Observables            []Observable                       `json:"observables"`
	Content                string                             `json:"content"`
	DiscreteHuntablesCount int                                `json:"discrete_huntables_count"`
	SubResults             map[ObservableType]*SubAgentResult `json:"subresults"`
}

// RenderLineage returns the canonical one-line rendering of a process chain.
func RenderLineage(pl ProcessLineage) string {
	s := fmt.Sprintf("%s -> %s", pl.Parent, pl.Child)
	if pl.Arguments != "" {
		s += " " + pl.Arguments
	}
	return s
}

// Merge assembles the deterministic extraction result from per-type sub-agent
// results: observables sorted by type, then by item position. The huntables
// count is always the sum of per-type item counts.
func Merge(sub map[ObservableType]*SubAgentResult) *ExtractionResult {
	types := make([]ObservableType, 0, len(sub))
	for t := range sub {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	res := &ExtractionResult{SubResults: sub}
	var lines []string
	for _, t := range types {
		sr := sub[t]
		if sr == nil {
			continue
		}
		for _, item := range sr.Items {
			res.Observables = append(res.Observables, Observable{
				Type:   t,
				Value:  item,
				Source: "supervisor_aggregation",
			})
			lines = append(lines, item)
		}
		res.DiscreteHuntablesCount += len(sr.Items)
	}
	res.Content = strings.Join(lines, "\n")
	return res
}

// QAVerdict is the outcome of an optional QA pass over a sub-agent output.
type QAVerdict string

// QA verdicts.
const (
	QAPass          QAVerdict = "pass"
	QAFail          QAVerdict = "fail"
	QANeedsRevision QAVerdict = "needs_revision"
)

// QAResult is the QA agent's review of one sub-agent output. Corrections, when
// present, replace the sub-agent's item list.
type QAResult struct {
	Verdict     QAVerdict `json:"verdict"`
	Corrections []string  `json:"corrections,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

// MarshalExtraction serializes an extraction result for the execution row.
func MarshalExtraction(er *ExtractionResult) (json.RawMessage, error) {
	b, err := json.Marshal(er)
	if err != nil {
		return nil, fmt.Errorf("marshaling extraction result: %w", err)
	}
	return b, nil
}
