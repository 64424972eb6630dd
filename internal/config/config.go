package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"gateline/internal/domain"
)

// Config models gateline.yml.
type Config struct {
	Server struct {
		JWTSecret string `yaml:"jwt_secret"`
		BasePath  string `yaml:"base_path"`
	} `yaml:"server"`
	Roles map[string]Role `yaml:"roles"`
	// Approvals.Stages is the default approver-role matrix seeded onto new
	// workstreams that do not bring their own.
	Approvals struct {
		Stages map[string][]string `yaml:"stages"`
	} `yaml:"approvals"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
}

type Role struct {
	Description string `yaml:"description"`
}

type WebhookConfig struct {
	URL string `yaml:"url"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run gl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Approvals.Stages) == 0 {
		return fmt.Errorf("config.approvals.stages is required")
	}
	for key, roles := range c.Approvals.Stages {
		if _, ok := domain.ParseStage(key); !ok {
			return fmt.Errorf("config.approvals.stages has unknown stage %q", key)
		}
		for _, role := range roles {
			if role == "" {
				return fmt.Errorf("stage %s has empty approver role", key)
			}
			if len(c.Roles) > 0 {
				if _, ok := c.Roles[role]; !ok {
					return fmt.Errorf("stage %s references unknown role %s", key, role)
				}
			}
		}
	}
	for _, wh := range c.Notifications.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.notifications.webhooks contains empty url")
		}
	}
	return nil
}

// ApproverMatrix converts the configured stage map into domain stage keys.
func (c *Config) ApproverMatrix() map[domain.Stage][]string {
	matrix := make(map[domain.Stage][]string, len(c.Approvals.Stages))
	for key, roles := range c.Approvals.Stages {
		if stage, ok := domain.ParseStage(key); ok {
			matrix[stage] = append([]string(nil), roles...)
		}
	}
	return matrix
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `server:
  base_path: /v0
  jwt_secret: ""

roles:
  portfolio-lead:
    description: "Owns the workstream portfolio and chairs gate reviews"
  finance-controller:
    description: "Validates financial distributions and totals"
  sponsor:
    description: "Executive sponsor signing off late gates"
  delivery-lead:
    description: "Accountable for execution readiness"

approvals:
  stages:
    l0: [portfolio-lead]
    l1: [portfolio-lead, finance-controller]
    l2: [portfolio-lead, finance-controller]
    l3: [portfolio-lead, finance-controller, sponsor]
    l4: [finance-controller, sponsor, delivery-lead]
    l5: [sponsor]

notifications:
  webhooks: []
`
