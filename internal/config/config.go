package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models phaseline.yml.
type Config struct {
	Instance struct {
		Name string `yaml:"name"`
	} `yaml:"instance"`
	ArtifactTypes struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"artifact_types"`
	Progress struct {
		RecentIterations int `yaml:"recent_iterations"`
	} `yaml:"progress"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// KnownArtifactType reports whether the catalog recognizes the type id.
func (c *Config) KnownArtifactType(id string) bool {
	_, ok := c.ArtifactTypes.Catalog[id]
	return ok
}

// RecentIterationLimit returns the capped iteration summary count.
func (c *Config) RecentIterationLimit() int {
	if c.Progress.RecentIterations <= 0 {
		return 5
	}
	return c.Progress.RecentIterations
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Instance.Name == "" {
		return fmt.Errorf("config.instance.name is required")
	}
	if len(c.ArtifactTypes.Catalog) == 0 {
		return fmt.Errorf("config.artifact_types.catalog is required")
	}
	for id, entry := range c.ArtifactTypes.Catalog {
		if id == "" {
			return fmt.Errorf("config.artifact_types.catalog contains empty type id")
		}
		if entry.Description == "" {
			return fmt.Errorf("artifact type %s has empty description", id)
		}
	}
	if c.Progress.RecentIterations < 0 {
		return fmt.Errorf("config.progress.recent_iterations must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if _, err := url.ParseRequestURI(hook.URL); err != nil {
			return fmt.Errorf("webhook %d has invalid url: %w", i, err)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phaseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(instanceName string) string {
	return fmt.Sprintf(defaultTemplate, instanceName)
}

// Default returns the default Config struct.
func Default(instanceName string) *Config {
	var cfg Config
	cfg.Instance.Name = instanceName
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, instanceName))).Decode(&cfg)
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

const defaultTemplate = `instance:
  name: %s

artifact_types:
  catalog:
    vision:
      description: "Vision statement for the product"
    glossary:
      description: "Shared vocabulary for the project"
    use-case-model:
      description: "Use cases and actors"
    risk-list:
      description: "Ranked list of project risks"
    project-plan:
      description: "Phase and milestone planning document"
    iteration-plan:
      description: "Plan for a single iteration"
    architecture-notebook:
      description: "Key architectural decisions and constraints"
    design:
      description: "Design model or notes"
    build:
      description: "Deliverable build or release package"
    test-plan:
      description: "Test strategy and scope"
    test-log:
      description: "Record of executed tests"
    deployment-plan:
      description: "Rollout and deployment planning"
    status-assessment:
      description: "Periodic project health assessment"

progress:
  recent_iterations: 5

webhooks: []
`
