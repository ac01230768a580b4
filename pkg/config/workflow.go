package config

import (
	"fmt"

	"github.com/detecteam/sigmaflow/pkg/models"
)

// Built-in agent prompts. User YAML overrides any of these per agent; they are
// deliberately terse and exist so a bare config directory still runs.
var builtinPrompts = map[models.AgentName]string{
	models.AgentOSDetect: "Identify the operating system this threat intelligence article targets. " +
		"Answer with exactly one of: windows, linux, macos, cross_platform, unknown.",
	models.AgentJunkFilter: "Decide whether this content chunk contains huntable technical detail " +
		"(commands, process activity, file paths, registry keys, network indicators). Answer huntable or junk.",
	models.AgentRank: "Rate how actionable this article is for detection engineering on a 0-10 scale. " +
		"Respond with JSON: {\"score\": <number>, \"rationale\": \"...\"}.",
	models.AgentCmdline: "Extract every literal command line from the text. " +
		"Respond with JSON: {\"items\": [{\"value\": \"...\", \"context\": \"...\"}]}.",
	models.AgentProcTree: "Extract parent/child process relationships from the text. Both processes must be " +
		"explicitly named; never infer a shell parent. Respond with JSON: {\"lineages\": [{\"parent\": \"...\", " +
		"\"child\": \"...\", \"arguments\": \"...\", \"context\": \"...\", \"source_text\": \"...\"}]}.",
	models.AgentHuntQueries: "Extract hunting queries from the text, preserving them verbatim. " +
		"Respond with JSON: {\"queries\": [{\"query\": \"...\", \"type\": \"...\", \"context\": \"...\"}]}.",
	models.AgentQAReviewer: "Review the extracted observables against the source text. " +
		"Respond with JSON: {\"verdict\": \"pass\"|\"fail\"|\"needs_revision\", " +
		"\"corrections\": [\"...\"], \"notes\": \"...\"}. On needs_revision, corrections " +
		"must hold the full corrected item list; on pass or fail, omit it.",
	models.AgentSigmaGen: "Write sigma detection rules for the observables below. " +
		"Output only valid sigma YAML documents separated by '---'.",
}

// DefaultWorkflowConfig returns the built-in workflow configuration, version 1.
func DefaultWorkflowConfig() *models.WorkflowConfig {
	prompts := make(map[models.AgentName]string, len(builtinPrompts))
	for k, v := range builtinPrompts {
		prompts[k] = v
	}
	return &models.WorkflowConfig{
		Version:      1,
		AgentModels:  map[models.AgentName]models.AgentModelConfig{},
		AgentPrompts: prompts,
		Thresholds: models.Thresholds{
			Ranking:           6.0,
			MinHuntableChunks: 1,
			Similarity:        0.5,
			AutoTrigger:       0.7,
		},
		QAEnabled: map[models.AgentName]bool{},
		EnabledSubAgents: []models.ObservableType{
			models.ObservableCmdline,
			models.ObservableProcessLineage,
			models.ObservableHuntQuery,
		},
		SigmaFallbackEnabled: true,
		TerminateOnUnknownOS: false,
		SimilarityK:          10,
	}
}

// mergeWorkflowConfig overlays the user YAML config onto the built-in
// defaults. Prompts merge per agent; scalar zero values keep defaults.
func mergeWorkflowConfig(user *models.WorkflowConfig) *models.WorkflowConfig {
	cfg := DefaultWorkflowConfig()
	if user == nil {
		return cfg
	}

	if user.Version > 0 {
		cfg.Version = user.Version
	}
	for agent, mc := range user.AgentModels {
		cfg.AgentModels[agent] = mc
	}
	for agent, p := range user.AgentPrompts {
		cfg.AgentPrompts[agent] = p
	}
	for agent, enabled := range user.QAEnabled {
		cfg.QAEnabled[agent] = enabled
	}
	if user.Thresholds.Ranking > 0 {
		cfg.Thresholds.Ranking = user.Thresholds.Ranking
	}
	if user.Thresholds.MinHuntableChunks > 0 {
		cfg.Thresholds.MinHuntableChunks = user.Thresholds.MinHuntableChunks
	}
	if user.Thresholds.Similarity > 0 {
		cfg.Thresholds.Similarity = user.Thresholds.Similarity
	}
	if user.Thresholds.AutoTrigger > 0 {
		cfg.Thresholds.AutoTrigger = user.Thresholds.AutoTrigger
	}
	if len(user.EnabledSubAgents) > 0 {
		cfg.EnabledSubAgents = user.EnabledSubAgents
	}
	cfg.SigmaFallbackEnabled = user.SigmaFallbackEnabled
	cfg.TerminateOnUnknownOS = user.TerminateOnUnknownOS
	if user.SimilarityK > 0 {
		cfg.SimilarityK = user.SimilarityK
	}
	return cfg
}

// validateWorkflowConfig checks the workflow config against provider registry
// references and value ranges.
func validateWorkflowConfig(cfg *models.WorkflowConfig, providers *LLMProviderRegistry) error {
	if cfg.Version < 1 {
		return NewValidationError("workflow", "config", "version",
			fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.Thresholds.Ranking < 0 || cfg.Thresholds.Ranking > 10 {
		return NewValidationError("workflow", "config", "thresholds.ranking",
			fmt.Errorf("%w: must be in [0, 10]", ErrInvalidValue))
	}
	if cfg.Thresholds.Similarity < 0 || cfg.Thresholds.Similarity > 1 {
		return NewValidationError("workflow", "config", "thresholds.similarity",
			fmt.Errorf("%w: must be in [0, 1]", ErrInvalidValue))
	}
	if cfg.Thresholds.AutoTrigger < 0 || cfg.Thresholds.AutoTrigger > 1 {
		return NewValidationError("workflow", "config", "thresholds.auto_trigger",
			fmt.Errorf("%w: must be in [0, 1]", ErrInvalidValue))
	}
	if cfg.SimilarityK < 1 {
		return NewValidationError("workflow", "config", "similarity_k",
			fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}

	for _, t := range cfg.EnabledSubAgents {
		switch t {
		case models.ObservableCmdline, models.ObservableProcessLineage, models.ObservableHuntQuery:
		default:
			return NewValidationError("workflow", "config", "enabled_subagents",
				fmt.Errorf("%w: unknown sub-agent %q", ErrInvalidValue, t))
		}
	}

	for agent, mc := range cfg.AgentModels {
		if !mc.Enabled {
			continue
		}
		if mc.Provider == "" || mc.Model == "" {
			return NewValidationError("workflow", string(agent), "model",
				fmt.Errorf("%w: provider and model are required", ErrMissingRequiredField))
		}
		if !providers.Has(mc.Provider) {
			return NewValidationError("workflow", string(agent), "provider",
				fmt.Errorf("%w: %s", ErrLLMProviderNotFound, mc.Provider))
		}
		if _, ok := cfg.AgentPrompts[agent]; !ok && agent != models.AgentEmbedding {
			return NewValidationError("workflow", string(agent), "prompt",
				fmt.Errorf("%w: no prompt configured", ErrMissingRequiredField))
		}
	}
	return nil
}
