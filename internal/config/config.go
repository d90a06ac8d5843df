package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models pulseline.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Risk struct {
		ProbabilityHigh   float64 `yaml:"probability_high"`
		ProbabilityMedium float64 `yaml:"probability_medium"`
		ImpactHigh        float64 `yaml:"impact_high"`
		ImpactMedium      float64 `yaml:"impact_medium"`
		CriticalScore     float64 `yaml:"critical_score"`
	} `yaml:"risk"`
	Scanner struct {
		Workers     int            `yaml:"workers"`
		DedupWindow map[string]int `yaml:"dedup_window_days"`
	} `yaml:"scanner"`
	Advisor struct {
		Enabled        bool   `yaml:"enabled"`
		Endpoint       string `yaml:"endpoint"`
		Model          string `yaml:"model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"advisor"`
	Sources  []Source  `yaml:"sources"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Source is a connected business solution the scanner pulls candidates from.
type Source struct {
	Name           string `yaml:"name"`
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run pulse org init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	r := c.Risk
	if r.ProbabilityHigh <= 0 || r.ProbabilityHigh > 1 {
		return fmt.Errorf("config.risk.probability_high must be in (0,1]")
	}
	if r.ProbabilityMedium <= 0 || r.ProbabilityMedium >= r.ProbabilityHigh {
		return fmt.Errorf("config.risk.probability_medium must be in (0,probability_high)")
	}
	if r.ImpactHigh <= 0 || r.ImpactHigh > 10 {
		return fmt.Errorf("config.risk.impact_high must be in (0,10]")
	}
	if r.ImpactMedium <= 0 || r.ImpactMedium >= r.ImpactHigh {
		return fmt.Errorf("config.risk.impact_medium must be in (0,impact_high)")
	}
	if r.CriticalScore <= 0 || r.CriticalScore > 10 {
		return fmt.Errorf("config.risk.critical_score must be in (0,10]")
	}
	if c.Scanner.Workers < 1 {
		return fmt.Errorf("config.scanner.workers must be at least 1")
	}
	for rule, days := range c.Scanner.DedupWindow {
		if rule == "" {
			return fmt.Errorf("config.scanner.dedup_window_days has empty rule name")
		}
		if days < 0 {
			return fmt.Errorf("dedup window for rule %s must not be negative", rule)
		}
	}
	if c.Advisor.Enabled && c.Advisor.Endpoint == "" {
		return fmt.Errorf("config.advisor.endpoint is required when advisor is enabled")
	}
	if c.Advisor.TimeoutSeconds < 0 {
		return fmt.Errorf("config.advisor.timeout_seconds must not be negative")
	}
	seen := map[string]bool{}
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("source %d has empty name", i)
		}
		if src.URL == "" {
			return fmt.Errorf("source %s has empty url", src.Name)
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source name %s", src.Name)
		}
		seen[src.Name] = true
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, ev := range hook.Events {
			if ev == "" {
				return fmt.Errorf("webhook %s has empty event filter entry", hook.URL)
			}
		}
	}
	return nil
}

// DedupWindowDays returns the configured window for a rule, or the given default.
func (c *Config) DedupWindowDays(rule string, fallback int) int {
	if c == nil {
		return fallback
	}
	if days, ok := c.Scanner.DedupWindow[rule]; ok {
		return days
	}
	return fallback
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pulseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Org.ID = orgID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `org:
  id: %s
  name: ""

risk:
  probability_high: 0.66
  probability_medium: 0.33
  impact_high: 6.6
  impact_medium: 3.3
  critical_score: 7.0

scanner:
  workers: 4
  dedup_window_days:
    receivable_overdue: 0
    allocation_overload: 0
    project_stalled: 7
    deal_stale: 7

advisor:
  enabled: false
  endpoint: ""
  model: pulse-advisor-v1
  timeout_seconds: 10

sources: []

webhooks: []
`
