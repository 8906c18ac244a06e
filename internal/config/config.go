package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models agritrace.yml.
type Config struct {
	Program struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"program"`
	Retry struct {
		MaxAttempts   int `yaml:"max_attempts"`
		BaseBackoffMs int `yaml:"base_backoff_ms"`
		MaxBackoffMs  int `yaml:"max_backoff_ms"`
	} `yaml:"retry"`
	Sweep struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"sweep"`
	RBAC struct {
		Roles                 map[string]Role     `yaml:"roles"`
		ReviewerJurisdictions map[string][]string `yaml:"reviewer_jurisdictions"`
	} `yaml:"rbac"`
	Sinks []SinkConfig `yaml:"sinks"`
}

type Role struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// SinkConfig is one notification sink endpoint.
type SinkConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with agritrace config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Program.ID == "" {
		return fmt.Errorf("config.program.id is required")
	}
	if c.Program.Kind != "compliance-program" {
		return fmt.Errorf("config.program.kind must be 'compliance-program'")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config.retry.max_attempts must be positive")
	}
	if c.Retry.BaseBackoffMs <= 0 || c.Retry.MaxBackoffMs < c.Retry.BaseBackoffMs {
		return fmt.Errorf("config.retry backoff bounds invalid")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["operator"]; !ok {
			return fmt.Errorf("config.rbac.roles must include operator")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for roleID, jurisdictions := range c.RBAC.ReviewerJurisdictions {
		if roleID == "" {
			return fmt.Errorf("config.rbac.reviewer_jurisdictions has empty role id")
		}
		if len(c.RBAC.Roles) > 0 {
			if _, ok := c.RBAC.Roles[roleID]; !ok {
				return fmt.Errorf("reviewer_jurisdictions references unknown role %s", roleID)
			}
		}
		for _, j := range jurisdictions {
			if j == "" {
				return fmt.Errorf("role %s has empty jurisdiction", roleID)
			}
		}
	}
	for i, sink := range c.Sinks {
		if sink.URL == "" {
			return fmt.Errorf("sink %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agritrace.yml")
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

// Default returns the default Config struct for a program.
func Default(programID string) *Config {
	var cfg Config
	cfg.Program.ID = programID
	cfg.Program.Kind = "compliance-program"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, programID))).Decode(&cfg)
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

const defaultTemplate = `program:
  id: %s
  kind: compliance-program

retry:
  max_attempts: 5
  base_backoff_ms: 200
  max_backoff_ms: 10000

sweep:
  interval_seconds: 60

rbac:
  roles:
    operator:
      description: "Platform operator; may override blocked workflows"
      permissions: [workflow.advance, workflow.block, workflow.unblock, workflow.review.resolve, operator.queue.read, offer.expire]
    field_inspector:
      description: "County field inspector"
      permissions: [workflow.advance]
    certificate_reviewer:
      description: "Certification reviewer for assigned jurisdictions"
      permissions: [certificate.decide, certificate.queue.read]
    regulatory_reviewer:
      description: "Export trade technical reviewer"
      permissions: [request.review]
    port_inspector:
      description: "Port of export physical inspector"
      permissions: [request.inspection.schedule, request.inspection.result]
    exporter:
      description: "Licensed exporter"
      permissions: [request.submit, request.resubmit]
    buyer:
      description: "Licensed agent or buyer"
      permissions: [offer.create, request.respond]

  reviewer_jurisdictions:
    certificate_reviewer: [montserrado, bong, nimba, lofa, grand-bassa]
`
