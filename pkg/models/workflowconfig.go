package models

import "time"

// AgentName identifies an LLM-backed agent in the workflow config.
type AgentName string

// Agents addressable in WorkflowConfig. Sub-agents and their QA reviewers are
// configured independently.
const (
	AgentOSDetect    AgentName = "os_detect"
	AgentJunkFilter  AgentName = "junk_filter"
	AgentRank        AgentName = "rank"
	AgentCmdline     AgentName = "cmdline_extract"
	AgentProcTree    AgentName = "proctree_extract"
	AgentHuntQueries AgentName = "huntqueries_extract"
	AgentQAReviewer  AgentName = "qa_reviewer"
	AgentSigmaGen    AgentName = "sigma_gen"
	AgentEmbedding   AgentName = "embedding"
)

// AgentModelConfig is the per-agent model selection and sampling parameters.
type AgentModelConfig struct {
	Provider    string   `json:"provider" yaml:"provider"`
	Model       string   `json:"model" yaml:"model"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
}

// Thresholds are the numeric decision points of the stage DAG.
type Thresholds struct {
	// Ranking is the minimum Rank score (0–10) to continue past the Rank stage.
	Ranking float64 `json:"ranking" yaml:"ranking"`
	// MinHuntableChunks is the minimum number of huntable chunks for an
	// article to survive JunkFilter.
	MinHuntableChunks int `json:"min_huntable_chunks" yaml:"min_huntable_chunks"`
	// Similarity is the minimum embedding similarity for a corpus neighbor to
	// be reported at all.
	Similarity float64 `json:"similarity" yaml:"similarity"`
	// AutoTrigger is the minimum threat_hunting_score for the sweeper to
	// enqueue an article automatically.
	AutoTrigger float64 `json:"auto_trigger" yaml:"auto_trigger"`
}

// WorkflowConfig is one version of the agent workflow configuration. Each edit
// creates a new version row; executions snapshot the version they ran with.
type WorkflowConfig struct {
	Version      int                             `json:"version" yaml:"version"`
	AgentModels  map[AgentName]AgentModelConfig  `json:"agent_models" yaml:"agent_models"`
	AgentPrompts map[AgentName]string            `json:"agent_prompts" yaml:"agent_prompts"`
	Thresholds   Thresholds                      `json:"thresholds" yaml:"thresholds"`
	QAEnabled    map[AgentName]bool              `json:"qa_enabled" yaml:"qa_enabled"`
	// EnabledSubAgents is the set of extraction sub-agents the supervisor
	// fans out to.
	EnabledSubAgents []ObservableType `json:"enabled_subagents" yaml:"enabled_subagents"`

	// SigmaFallbackEnabled lets SigmaGen run on filtered content when no
	// discrete huntables were extracted.
	SigmaFallbackEnabled bool `json:"sigma_fallback_enabled" yaml:"sigma_fallback_enabled"`
	// TerminateOnUnknownOS makes OSDetect terminate on "unknown" instead of
	// proceeding.
	TerminateOnUnknownOS bool `json:"terminate_on_unknown_os" yaml:"terminate_on_unknown_os"`
	// SimilarityK is the k-NN neighbor count for SimilarityMatch.
	SimilarityK int `json:"similarity_k" yaml:"similarity_k"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
}

// ModelFor returns the model config for an agent and whether it exists.
func (c *WorkflowConfig) ModelFor(name AgentName) (AgentModelConfig, bool) {
	mc, ok := c.AgentModels[name]
	return mc, ok
}

// PromptFor returns the prompt text for an agent and whether it exists.
func (c *WorkflowConfig) PromptFor(name AgentName) (string, bool) {
	p, ok := c.AgentPrompts[name]
	return p, ok
}
