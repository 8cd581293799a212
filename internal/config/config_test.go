package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"jobforge/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("fjelltopp-ci")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Catalog.ID != "fjelltopp-ci" {
		t.Errorf("catalog id: %q", cfg.Catalog.ID)
	}
	if cfg.GitHub.Owner != "Fjelltopp" {
		t.Errorf("owner: %q", cfg.GitHub.Owner)
	}
	if cfg.Deploy.InfrastructureRepo != "fjelltopp-infrastructure" {
		t.Errorf("infrastructure repo: %q", cfg.Deploy.InfrastructureRepo)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	raw := config.GenerateDefault("demo")
	cfg, err := config.FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("parse generated default: %v", err)
	}
	if cfg.Catalog.ID != "demo" {
		t.Errorf("catalog id: %q", cfg.Catalog.ID)
	}
	if cfg.CKAN.OwnerOrganization != "spectrum" || cfg.CKAN.DatasetType != "oht" {
		t.Errorf("ckan defaults: %+v", cfg.CKAN)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		mutate func(*config.Config)
		want   string
	}{
		{func(c *config.Config) { c.Catalog.ID = "" }, "catalog.id"},
		{func(c *config.Config) { c.GitHub.Owner = "" }, "github.owner"},
		{func(c *config.Config) { c.GitHub.APICredentialsID = "" }, "api_credentials_id"},
		{func(c *config.Config) { c.GitHub.SSHCredentialsID = "" }, "ssh_credentials_id"},
		{func(c *config.Config) { c.Build.ScriptPath = "" }, "build.script_path"},
		{func(c *config.Config) { c.Deploy.ScriptPath = "" }, "deploy.script_path"},
		{func(c *config.Config) { c.Deploy.InfrastructureRepo = "" }, "infrastructure_repo"},
		{func(c *config.Config) { c.Webhooks = []config.WebhookConfig{{}} }, "webhooks[0].url"},
	}
	for _, tc := range cases {
		cfg := config.Default("demo")
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("expected error containing %q, got %v", tc.want, err)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config for empty workspace")
	}

	if err := os.WriteFile(filepath.Join(dir, "jobforge.yml"), []byte(config.GenerateDefault("demo")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional with file: %v", err)
	}
	if cfg == nil || cfg.Catalog.ID != "demo" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := config.FromYAML([]byte("{ not yaml")); err == nil {
		t.Fatal("expected yaml error")
	}
	if _, err := config.FromYAML([]byte("catalog:\n  id: x\n")); err == nil {
		t.Fatal("expected validation error for incomplete config")
	}
}
