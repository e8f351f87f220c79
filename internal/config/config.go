// Package config loads and validates the engine's runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/anthropics/crucible-engine/internal/domain"
)

// WorkerCommand defines how to launch a worker backend process.
type WorkerCommand struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	TimeoutSec int               `json:"timeout_sec"`
}

// CheckConfig defines one external verification check.
type CheckConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// RuleConfig defines one declarative guardrail rule evaluated against
// workspace file contents.
type RuleConfig struct {
	Name     string `json:"name"`
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"` // "fail" or "violation"
}

// AdvisoryConfig tunes the scope-escalation advisor.
type AdvisoryConfig struct {
	AutoThreshold float64 `json:"auto_threshold"`
	PatternWeight float64 `json:"pattern_weight"`
	AlignWeight   float64 `json:"align_weight"`
	HistoryWeight float64 `json:"history_weight"`
}

// Config holds the engine's runtime configuration.
type Config struct {
	DBPath                  string                   `json:"db_path"`
	Workspace               string                   `json:"workspace"`
	ListenAddr              string                   `json:"listen_addr"`
	CompletionMarker        string                   `json:"completion_marker"`
	MaxConcurrentTasks      int                      `json:"max_concurrent_tasks"`
	EscalationFileThreshold int                      `json:"escalation_file_threshold"`
	ReuseBandMin            int                      `json:"reuse_band_min"`
	ReuseBandMax            int                      `json:"reuse_band_max"`
	DefaultIterationBudget  int                      `json:"default_iteration_budget"`
	BudgetExtension         int                      `json:"budget_extension"`
	IterationBudgets        map[string]int           `json:"iteration_budgets"`
	Workers                 map[string]WorkerCommand `json:"workers"`
	Checks                  []CheckConfig            `json:"checks"`
	Rules                   []RuleConfig             `json:"rules"`
	Advisory                AdvisoryConfig           `json:"advisory"`
}

// Load reads a JSON config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9810"
	}
	if c.CompletionMarker == "" {
		c.CompletionMarker = "CRUCIBLE_TASK_COMPLETE"
	}
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = 4
	}
	if c.EscalationFileThreshold == 0 {
		c.EscalationFileThreshold = 5
	}
	if c.ReuseBandMin == 0 {
		c.ReuseBandMin = 2
	}
	if c.ReuseBandMax == 0 {
		c.ReuseBandMax = 10
	}
	if c.DefaultIterationBudget == 0 {
		c.DefaultIterationBudget = 5
	}
	if c.BudgetExtension == 0 {
		c.BudgetExtension = 3
	}
	if c.Advisory.AutoThreshold == 0 {
		c.Advisory.AutoThreshold = 0.85
	}
	if c.Advisory.PatternWeight == 0 && c.Advisory.AlignWeight == 0 && c.Advisory.HistoryWeight == 0 {
		c.Advisory.PatternWeight = 0.4
		c.Advisory.AlignWeight = 0.3
		c.Advisory.HistoryWeight = 0.3
	}
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return domain.WrapEngineError(domain.ErrConfigInvalid.Code, "db_path is required", nil)
	}
	if c.Workspace == "" {
		return domain.WrapEngineError(domain.ErrConfigInvalid.Code, "workspace is required", nil)
	}
	if c.MaxConcurrentTasks < 1 {
		return domain.WrapEngineError(domain.ErrConfigInvalid.Code, "max_concurrent_tasks must be >= 1", nil)
	}
	if c.ReuseBandMin > c.ReuseBandMax {
		return domain.WrapEngineError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("reuse band min %d exceeds max %d", c.ReuseBandMin, c.ReuseBandMax), nil)
	}
	if c.DefaultIterationBudget < 1 {
		return domain.WrapEngineError(domain.ErrConfigInvalid.Code, "default_iteration_budget must be >= 1", nil)
	}
	for taskType, budget := range c.IterationBudgets {
		if budget < 1 {
			return domain.WrapEngineError(domain.ErrConfigInvalid.Code,
				fmt.Sprintf("iteration budget for %q must be >= 1", taskType), nil)
		}
	}
	if c.Advisory.AutoThreshold < 0 || c.Advisory.AutoThreshold > 1 {
		return domain.WrapEngineError(domain.ErrConfigInvalid.Code, "advisory auto_threshold must be within [0,1]", nil)
	}
	for _, rule := range c.Rules {
		if rule.Severity != "fail" && rule.Severity != "violation" {
			return domain.WrapEngineError(domain.ErrConfigInvalid.Code,
				fmt.Sprintf("rule %q severity must be fail or violation", rule.Name), nil)
		}
	}
	return nil
}

// IterationBudget returns the configured budget for a task type,
// falling back to the default.
func (c *Config) IterationBudget(taskType domain.TaskType) int {
	if b, ok := c.IterationBudgets[string(taskType)]; ok {
		return b
	}
	return c.DefaultIterationBudget
}
