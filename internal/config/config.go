package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models redline.yml.
type Config struct {
	Service struct {
		Name    string `yaml:"name"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"service"`
	Agreements struct {
		CurrentVersion    string                      `yaml:"current_version"`
		MaxSignedVersions int                         `yaml:"max_signed_versions"`
		Catalog           map[string]AgreementVersion `yaml:"catalog"`
	} `yaml:"agreements"`
	Defaults struct {
		Path        string `yaml:"path"`
		Language    string `yaml:"language"`
		Brief       string `yaml:"brief"`
		CurrentStep string `yaml:"current_step"`
	} `yaml:"defaults"`
	Mail struct {
		Endpoint string `yaml:"endpoint"`
		Secret   string `yaml:"secret"`
		From     string `yaml:"from"`
	} `yaml:"mail"`
	Admins []string `yaml:"admins"`
}

type AgreementVersion struct {
	Title string `yaml:"title"`
	Text  string `yaml:"text"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Agreements.CurrentVersion == "" {
		return fmt.Errorf("config.agreements.current_version is required")
	}
	if c.Agreements.MaxSignedVersions <= 0 {
		return fmt.Errorf("config.agreements.max_signed_versions must be positive")
	}
	if len(c.Agreements.Catalog) == 0 {
		return fmt.Errorf("config.agreements.catalog is required")
	}
	if _, ok := c.Agreements.Catalog[c.Agreements.CurrentVersion]; !ok {
		return fmt.Errorf("current agreement version %s not in catalog", c.Agreements.CurrentVersion)
	}
	for version, entry := range c.Agreements.Catalog {
		if version == "" {
			return fmt.Errorf("config.agreements.catalog contains empty version")
		}
		if entry.Text == "" {
			return fmt.Errorf("agreement version %s has empty text", version)
		}
	}
	if c.Defaults.CurrentStep == "" {
		return fmt.Errorf("config.defaults.current_step is required")
	}
	for _, admin := range c.Admins {
		if admin == "" {
			return fmt.Errorf("config.admins contains empty entry")
		}
	}
	return nil
}

// IsAdmin reports whether an email is in the configured admin list.
func (c *Config) IsAdmin(email string) bool {
	for _, admin := range c.Admins {
		if admin == email {
			return true
		}
	}
	return false
}

// AgreementText returns the catalog text for a version, if known.
func (c *Config) AgreementText(version string) (AgreementVersion, bool) {
	entry, ok := c.Agreements.Catalog[version]
	return entry, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "redline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in default configuration.
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

// GenerateDefault returns the default config YAML for bootstrapping.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `service:
  name: redline
  base_url: http://localhost:8080

agreements:
  current_version: "1.1"
  max_signed_versions: 2
  catalog:
    "1.0":
      title: "Contributor Agreement"
      text: |
        The contributor grants the publisher a non-exclusive licence to
        publish the submitted work. The contributor confirms the work is
        original and that they hold the rights required to grant this
        licence.
    "1.1":
      title: "Contributor Agreement"
      text: |
        The contributor grants the publisher a non-exclusive licence to
        publish the submitted work. The contributor confirms the work is
        original and that they hold the rights required to grant this
        licence. Attribution follows the byline stated in the submission.

defaults:
  path: general
  language: en
  brief: ""
  current_step: editing

mail:
  endpoint: ""
  secret: ""
  from: legal@redline.example

admins:
  - editors@redline.example
`
