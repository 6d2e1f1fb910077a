package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

const awsConfig = `project_name: {{ envOr "PROJECT" "fallback" }}
provider: AWS
domain: {{ envOr "DOMAIN" "qhub.example.com" }}
env_files: [".env"]
amazon_web_services:
  region: us-west-2
  kubernetes_version: "1.29"
  node_groups:
    general: {instance: m5.xlarge, min_nodes: 1, max_nodes: 1}
security:
  keycloak:
    initial_root_password: QHUB_SECRET_ROOT_PASSWORD
  users:
    alice@example.com:
      primary_group: admin
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRendersTemplateAndResolvesSecrets(t *testing.T) {
	path := writeConfig(t, awsConfig)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte("PROJECT=demo\n"), 0o600))

	cfg, err := Load(path, LoadOptions{
		UserVars: env.Vars{"DOMAIN": "demo.example.org"},
		Environ:  []string{"ROOT_PASSWORD=s3cret"},
	})
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.ProjectName)
	assert.Equal(t, provider.AWS, cfg.Provider)
	assert.Equal(t, "demo.example.org", cfg.Domain)
	assert.Equal(t, "s3cret", cfg.Security.Keycloak.InitialRootPassword)
	assert.Equal(t, DefaultNamespace, cfg.Namespace)
	assert.Equal(t, filepath.Join(filepath.Dir(path), DefaultStagesDir), cfg.StagesDir())
	assert.True(t, cfg.RemoteState())

	timeout, err := cfg.TerraformTimeout()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, timeout)

	require.NotNil(t, cfg.Cloud())
	assert.Equal(t, "us-west-2", cfg.Cloud().Region)
	assert.Equal(t, 1, cfg.NodeGroups()["general"].MaxNodes)
}

func TestLoadMissingSecret(t *testing.T) {
	path := writeConfig(t, awsConfig)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte("PROJECT=demo\n"), 0o600))

	_, err := Load(path, LoadOptions{Environ: []string{}})
	var missing *env.MissingSecretError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "ROOT_PASSWORD", missing.Variable)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("project_name: demo\nprovider: local\ndomain: x\nbogus: 1\n"), nil)
	assert.ErrorContains(t, err, "bogus")
}

func TestParseLocalDefaults(t *testing.T) {
	cfg, err := Parse([]byte("project_name: demo\nprovider: local\ndomain: localhost\nlocal:\n  node_selectors:\n    general: {kubernetes.io/os: linux}\n"), nil)
	require.NoError(t, err)
	assert.False(t, cfg.RemoteState())
	assert.Nil(t, cfg.Cloud())
	assert.Contains(t, cfg.NodeGroups(), "general")
	assert.Equal(t, CertSelfSigned, cfg.Certificate.Type)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := &Config{ProjectName: "demo", Provider: provider.Local, Domain: "localhost"}
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path, LoadOptions{Environ: []string{}})
	require.NoError(t, err)
	assert.Equal(t, "demo", loaded.ProjectName)
	assert.Equal(t, provider.Local, loaded.Provider)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{ProjectName: "demo", Provider: provider.Local, Domain: "localhost"}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		problem string
	}{
		{"valid", func(*Config) {}, ""},
		{"project name", func(c *Config) { c.ProjectName = "Demo_1" }, "project_name"},
		{"long project name", func(c *Config) { c.ProjectName = "a123456789012345678901234567890123" }, "longer than"},
		{"provider", func(c *Config) { c.Provider = "openstack" }, "unknown provider"},
		{"gcp block", func(c *Config) { c.Provider = provider.GCP }, "google_cloud_platform block"},
		{"gcp region", func(c *Config) {
			c.Provider = provider.GCP
			c.GoogleCloudPlatform = &GCPConfig{Project: "p"}
		}, "region is required"},
		{"existing state", func(c *Config) { c.TerraformState.Type = StateExisting }, "terraform_state.backend"},
		{"lets-encrypt", func(c *Config) { c.Certificate.Type = CertLetsEncrypt }, "acme_email"},
		{"auth", func(c *Config) { c.Security.Authentication.Type = "ldap" }, "authentication.type"},
		{"timeout", func(c *Config) { c.Terraform.Timeout = "soon" }, "terraform.timeout"},
		{"primary group", func(c *Config) {
			c.Security.Users = map[string]*User{"bob": {PrimaryGroup: "ghosts"}}
		}, "not a declared group"},
		{"extension code", func(c *Config) {
			c.Extensions = []Extension{{Name: "x", URLSlug: "x", Envs: []ExtensionEnv{{Code: "LDAP"}}}}
		}, "no such extension env code"},
		{"node groups", func(c *Config) {
			c.Provider = provider.DigitalOcean
			c.DigitalOcean = &CloudConfig{Region: "nyc3", NodeGroups: map[string]NodeGroup{"user": {MinNodes: 3, MaxNodes: 1}}}
		}, "min_nodes <= max_nodes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.problem == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestResourceNames(t *testing.T) {
	cfg := &Config{
		ProjectName: "data-science",
		Namespace:   "prod",
		Provider:    provider.Azure,
		Azure:       &AzureConfig{StorageAccountPostfix: "x9Z"},
	}
	assert.Equal(t, "data-science-prod", cfg.DeploymentName())
	assert.Equal(t, "data-science-prod-terraform-state", cfg.StateName())
	assert.Equal(t, "data-science-prod-state", cfg.StateResourceGroup())
	assert.Equal(t, "datascienceprodx9z", cfg.StorageAccountName())

	cfg.ProjectName = "a-very-long-project-name"
	assert.Len(t, cfg.StorageAccountName(), 24)
}
