// Package config loads and validates the sigmaflow YAML configuration.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/detecteam/sigmaflow/pkg/models"
)

// SigmaflowYAMLConfig represents the complete sigmaflow.yaml file structure.
type SigmaflowYAMLConfig struct {
	System   *SystemYAMLConfig      `yaml:"system"`
	Redis    *RedisYAMLConfig       `yaml:"redis"`
	Queue    *QueueConfig           `yaml:"queue"`
	Workflow *models.WorkflowConfig `yaml:"workflow"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	ListenAddr string               `yaml:"listen_addr"`
	Scheduler  *SchedulerYAMLConfig `yaml:"scheduler"`
}

// SchedulerYAMLConfig holds auto-trigger sweeper settings from YAML.
type SchedulerYAMLConfig struct {
	Enabled        *bool  `yaml:"enabled,omitempty"`
	Cron           string `yaml:"cron,omitempty"`
	CandidateLimit int    `yaml:"candidate_limit,omitempty"`
}

// RedisYAMLConfig holds broker settings from YAML.
type RedisYAMLConfig struct {
	Addr        string `yaml:"addr,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
	DB          int    `yaml:"db,omitempty"`
	QueueKey    string `yaml:"queue_key,omitempty"`
}

// LLMProvidersYAMLConfig represents the llm-providers.yaml file structure.
type LLMProvidersYAMLConfig struct {
	LLMProviders map[string]*LLMProviderConfig `yaml:"llm_providers"`
}

// RedisConfig is the resolved broker configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	QueueKey string
}

// SchedulerConfig is the resolved auto-trigger sweeper configuration.
type SchedulerConfig struct {
	Enabled        bool
	Cron           string
	CandidateLimit int
}

// Config is the fully resolved application configuration.
type Config struct {
	configDir string

	ListenAddr          string
	Redis               *RedisConfig
	Queue               *QueueConfig
	Scheduler           *SchedulerConfig
	Workflow            *models.WorkflowConfig
	LLMProviderRegistry *LLMProviderRegistry
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Merge built-in defaults with user-defined values
//  4. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"llm_providers", cfg.LLMProviderRegistry.Len(),
		"workflow_config_version", cfg.Workflow.Version,
		"worker_count", cfg.Queue.WorkerCount)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	mainConfig, err := loader.loadSigmaflowYAML()
	if err != nil {
		return nil, NewLoadError("sigmaflow.yaml", err)
	}

	llmProviders, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	// Queue: merge user YAML on top of built-in defaults so unset values
	// keep their defaults.
	queueConfig := DefaultQueueConfig()
	if mainConfig.Queue != nil {
		if err := mergo.Merge(queueConfig, mainConfig.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	return &Config{
		configDir:           configDir,
		ListenAddr:          resolveListenAddr(mainConfig.System),
		Redis:               resolveRedisConfig(mainConfig.Redis),
		Queue:               queueConfig,
		Scheduler:           resolveSchedulerConfig(mainConfig.System),
		Workflow:            mergeWorkflowConfig(mainConfig.Workflow),
		LLMProviderRegistry: NewLLMProviderRegistry(llmProviders),
	}, nil
}

func validate(cfg *Config) error {
	if cfg.Queue.WorkerCount < 1 {
		return NewValidationError("queue", "queue", "worker_count",
			fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.Queue.MaxConcurrentExecutions < 1 {
		return NewValidationError("queue", "queue", "max_concurrent_executions",
			fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.Queue.HeartbeatInterval >= cfg.Queue.OrphanThreshold {
		return NewValidationError("queue", "queue", "heartbeat_interval",
			fmt.Errorf("%w: must be shorter than orphan_threshold", ErrInvalidValue))
	}

	for name, p := range cfg.LLMProviderRegistry.GetAll() {
		switch p.Type {
		case ProviderTypeAnthropic, ProviderTypeOpenAI:
		default:
			return NewValidationError("llm_provider", name, "type",
				fmt.Errorf("%w: %q", ErrInvalidValue, p.Type))
		}
		if p.APIKeyEnv != "" && os.Getenv(p.APIKeyEnv) == "" {
			slog.Warn("LLM provider API key environment variable is empty",
				"provider", name, "env", p.APIKeyEnv)
		}
	}

	return validateWorkflowConfig(cfg.Workflow, cfg.LLMProviderRegistry)
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

func (l *configLoader) loadSigmaflowYAML() (*SigmaflowYAMLConfig, error) {
	var config SigmaflowYAMLConfig
	if err := l.loadYAML("sigmaflow.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func (l *configLoader) loadLLMProvidersYAML() (map[string]*LLMProviderConfig, error) {
	config := LLMProvidersYAMLConfig{
		LLMProviders: make(map[string]*LLMProviderConfig),
	}
	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		return nil, err
	}
	return config.LLMProviders, nil
}

func resolveListenAddr(sys *SystemYAMLConfig) string {
	if sys != nil && sys.ListenAddr != "" {
		return sys.ListenAddr
	}
	return ":8080"
}

func resolveRedisConfig(r *RedisYAMLConfig) *RedisConfig {
	cfg := &RedisConfig{
		Addr:     "localhost:6379",
		QueueKey: "sigmaflow:workflows",
	}
	if r == nil {
		return cfg
	}
	if r.Addr != "" {
		cfg.Addr = r.Addr
	}
	if r.PasswordEnv != "" {
		cfg.Password = os.Getenv(r.PasswordEnv)
	}
	cfg.DB = r.DB
	if r.QueueKey != "" {
		cfg.QueueKey = r.QueueKey
	}
	return cfg
}

func resolveSchedulerConfig(sys *SystemYAMLConfig) *SchedulerConfig {
	cfg := &SchedulerConfig{
		Enabled:        true,
		Cron:           "@every 5m",
		CandidateLimit: 50,
	}
	if sys == nil || sys.Scheduler == nil {
		return cfg
	}
	s := sys.Scheduler
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if s.Cron != "" {
		cfg.Cron = s.Cron
	}
	if s.CandidateLimit > 0 {
		cfg.CandidateLimit = s.CandidateLimit
	}
	return cfg
}
