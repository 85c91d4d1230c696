package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/emberworks/fabric/pkg/models"
)

// FileConfig is the optional YAML file named by FABRIC_CONFIG. Everything
// in it is additive: circuit rules seed the rule table, machines build the
// driver registry, thresholds tune the readiness gates.
type FileConfig struct {
	CircuitRules        []CircuitRuleConfig `yaml:"circuit_rules"`
	Machines            []MachineConfig     `yaml:"machines"`
	ReadinessThresholds *ThresholdsConfig   `yaml:"readiness_thresholds"`
}

// CircuitRuleConfig is one rule definition in YAML form.
type CircuitRuleConfig struct {
	Name          string `yaml:"name"`
	Enabled       *bool  `yaml:"enabled"`
	Condition     string `yaml:"condition"`
	Window        string `yaml:"window"`
	Action        string `yaml:"action"`
	AlertSeverity string `yaml:"alert_severity"`
	CommandType   string `yaml:"command_type"`
}

// Model converts the YAML shape to the stored rule. Enabled defaults to
// true; a rule someone bothered to write down should run.
func (r CircuitRuleConfig) Model() models.CircuitRule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	severity := r.AlertSeverity
	if severity == "" {
		severity = "warning"
	}
	return models.CircuitRule{
		Name:          r.Name,
		Enabled:       enabled,
		Condition:     r.Condition,
		Window:        r.Window,
		Action:        models.RuleAction(r.Action),
		AlertSeverity: severity,
		CommandType:   r.CommandType,
	}
}

// MachineConfig names one roaster and the driver that reaches it.
type MachineConfig struct {
	ID         string         `yaml:"id"`
	Driver     string         `yaml:"driver"`
	Connection map[string]any `yaml:"connection"`
}

// ThresholdsConfig tunes the readiness gates. Unset fields keep their
// defaults.
type ThresholdsConfig struct {
	MinSuccessRate    float64 `yaml:"min_success_rate"`
	MaxErrorRate      float64 `yaml:"max_error_rate"`
	MaxRollbackRate   float64 `yaml:"max_rollback_rate"`
	MinCommandVolume  int     `yaml:"min_command_volume"`
	MinApprovalRate   float64 `yaml:"min_approval_rate"`
	MaxIncidents      int     `yaml:"max_incidents"`
	MaxRollbacks      int     `yaml:"max_rollbacks"`
	MinValidationDays int     `yaml:"min_validation_days"`
	MinOverallScore   float64 `yaml:"min_overall_score"`
}

// DefaultFileConfig returns the built-in rule set used when no file is
// given: the three protections every deployment wants from day one.
func DefaultFileConfig() *FileConfig {
	enabled := true
	return &FileConfig{
		CircuitRules: []CircuitRuleConfig{
			{
				Name:          "critical_incident",
				Enabled:       &enabled,
				Condition:     `incident.severity === "critical"`,
				Window:        "24h",
				Action:        string(models.ActionRevertToL3),
				AlertSeverity: "critical",
			},
			{
				Name:          "error_spike",
				Enabled:       &enabled,
				Condition:     "errorRate > 0.05",
				Window:        "1h",
				Action:        string(models.ActionRevertToL3),
				AlertSeverity: "critical",
			},
			{
				Name:          "rollback_surge",
				Enabled:       &enabled,
				Condition:     "rollbackRate > 0.1",
				Window:        "24h",
				Action:        string(models.ActionAlertOnly),
				AlertSeverity: "warning",
			},
		},
	}
}

// LoadFile reads and merges the YAML file over the defaults. An empty path
// returns the defaults unchanged.
func LoadFile(path string) (*FileConfig, error) {
	cfg := DefaultFileConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var fromFile FileConfig
	if err := yaml.Unmarshal(raw, &fromFile); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Non-empty file sections replace the defaults wholesale; a deployment
	// that lists its own circuit rules owns the complete rule set.
	if err := mergo.Merge(cfg, &fromFile, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *FileConfig) validate() error {
	seen := map[string]bool{}
	for _, r := range c.CircuitRules {
		if r.Name == "" {
			return fmt.Errorf("circuit rule without a name")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate circuit rule %q", r.Name)
		}
		seen[r.Name] = true
		if !models.RuleAction(r.Action).Valid() {
			return fmt.Errorf("circuit rule %q: unknown action %q", r.Name, r.Action)
		}
		if r.Window == "" {
			return fmt.Errorf("circuit rule %q: window is required", r.Name)
		}
	}
	for _, m := range c.Machines {
		if m.ID == "" {
			return fmt.Errorf("machine without an id")
		}
		if m.Driver == "" {
			return fmt.Errorf("machine %q: driver is required", m.ID)
		}
	}
	return nil
}

// Rules converts the configured circuit rules to their stored form.
func (c *FileConfig) Rules() []models.CircuitRule {
	rules := make([]models.CircuitRule, 0, len(c.CircuitRules))
	for _, r := range c.CircuitRules {
		rules = append(rules, r.Model())
	}
	return rules
}
