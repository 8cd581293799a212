package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models jobforge.yml.
type Config struct {
	Catalog struct {
		ID          string `yaml:"id"`
		Description string `yaml:"description"`
	} `yaml:"catalog"`
	GitHub struct {
		Owner            string `yaml:"owner"`
		APICredentialsID string `yaml:"api_credentials_id"`
		SSHCredentialsID string `yaml:"ssh_credentials_id"`
	} `yaml:"github"`
	Build struct {
		ScriptPath string `yaml:"script_path"`
	} `yaml:"build"`
	Deploy struct {
		ScriptPath         string `yaml:"script_path"`
		InfrastructureRepo string `yaml:"infrastructure_repo"`
	} `yaml:"deploy"`
	CKAN     CKANConfig      `yaml:"ckan"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// CKANConfig drives the demo-data seeder.
type CKANConfig struct {
	URL               string `yaml:"url"`
	APIKey            string `yaml:"api_key"`
	DataPath          string `yaml:"data_path"`
	DocumentsFile     string `yaml:"documents_file"`
	GroupsFile        string `yaml:"groups_file"`
	ResourceFolder    string `yaml:"resource_folder"`
	OwnerOrganization string `yaml:"owner_organization"`
	DatasetType       string `yaml:"dataset_type"`
}

// WebhookConfig declares an outbound event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with jf config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Catalog.ID == "" {
		return fmt.Errorf("config.catalog.id is required")
	}
	if c.GitHub.Owner == "" {
		return fmt.Errorf("config.github.owner is required")
	}
	if c.GitHub.APICredentialsID == "" {
		return fmt.Errorf("config.github.api_credentials_id is required")
	}
	if c.GitHub.SSHCredentialsID == "" {
		return fmt.Errorf("config.github.ssh_credentials_id is required")
	}
	if c.Build.ScriptPath == "" {
		return fmt.Errorf("config.build.script_path is required")
	}
	if c.Deploy.ScriptPath == "" {
		return fmt.Errorf("config.deploy.script_path is required")
	}
	if c.Deploy.InfrastructureRepo == "" {
		return fmt.Errorf("config.deploy.infrastructure_repo is required")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "jobforge.yml")
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

// Default returns the default Config struct for a catalog.
func Default(catalogID string) *Config {
	var cfg Config
	cfg.Catalog.ID = catalogID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, catalogID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(catalogID string) string {
	return fmt.Sprintf(defaultTemplate, catalogID)
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

const defaultTemplate = `catalog:
  id: %s

github:
  owner: Fjelltopp
  api_credentials_id: jenkins_github_api
  ssh_credentials_id: jenkins_github_ssh

build:
  script_path: jenkins/Jenkinsfile.build.groovy

deploy:
  script_path: jenkinsfiles/ckan_deploy.groovy
  infrastructure_repo: fjelltopp-infrastructure

ckan:
  url: ""
  api_key: ""
  data_path: data
  documents_file: documents.csv
  groups_file: groups.json
  resource_folder: resources
  owner_organization: spectrum
  dataset_type: oht
`
