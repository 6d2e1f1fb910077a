package render

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/pipeline"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

var stageIDs = []string{
	"01-terraform-state",
	"02-infrastructure",
	"03-kubernetes-initialize",
	"04-kubernetes-ingress",
	"05-kubernetes-keycloak",
	"06-kubernetes-keycloak-configuration",
	"07-kubernetes-services",
	"08-qhub-tf-extensions",
}

func testConfig(p provider.Name) *config.Config {
	cfg := &config.Config{
		ProjectName:    "demo",
		Provider:       p,
		Namespace:      "dev",
		Domain:         "demo.example.com",
		Stages:         config.StagesConfig{Directory: "stages", ModulesDir: "/opt/qhub/modules"},
		Terraform:      config.TerraformConfig{Version: "1.5.7"},
		TerraformState: config.TerraformStateConfig{Type: config.StateRemote},
		Extensions: []config.Extension{{
			Name:         "mlflow",
			Image:        "mlflow:1",
			URLSlug:      "mlflow",
			OAuth2Client: true,
			Envs:         []config.ExtensionEnv{{Code: "KEYCLOAK"}, {Code: "OAUTH2CLIENT"}, {Code: "JWT"}},
		}},
	}
	cloud := &config.CloudConfig{Region: "us-east-1"}
	switch p {
	case provider.AWS:
		cfg.AmazonWebServices = cloud
	case provider.DigitalOcean:
		cloud.Region = "nyc3"
		cfg.DigitalOcean = cloud
	case provider.GCP:
		cfg.GoogleCloudPlatform = &config.GCPConfig{CloudConfig: *cloud, Project: "demo-project"}
	case provider.Azure:
		cfg.Azure = &config.AzureConfig{CloudConfig: *cloud, StorageAccountPostfix: "x1"}
	case provider.Local:
		cfg.Local = &config.LocalConfig{}
	}
	return cfg
}

func request(cfg *config.Config, stageID string) pipeline.RenderRequest {
	return pipeline.RenderRequest{StageID: stageID, Subdir: stageID, Provider: cfg.Provider, Config: cfg}
}

func TestRenderAllStagesAllProviders(t *testing.T) {
	e := New()
	for _, p := range provider.Known() {
		for _, id := range stageIDs {
			t.Run(string(p)+"/"+id, func(t *testing.T) {
				art, err := e.Render(context.Background(), request(testConfig(p), id))
				require.NoError(t, err)
				require.Contains(t, art.Files, "main.tf")
				require.Contains(t, art.Files, "versions.tf")
				for name, content := range art.Files {
					assert.True(t, strings.HasPrefix(string(content), Header), name)
				}
			})
		}
	}
}

func TestEmbeddedSharedTemplates(t *testing.T) {
	e := New()
	for _, name := range []string{"shared/backend.tf.tmpl", "shared/versions.tf.tmpl"} {
		_, err := fs.Stat(e.templates, name)
		assert.NoError(t, err, name)
	}
}

func TestRenderIsIdempotent(t *testing.T) {
	e := New()
	cfg := testConfig(provider.AWS)
	first, err := e.Render(context.Background(), request(cfg, "08-qhub-tf-extensions"))
	require.NoError(t, err)
	second, err := e.Render(context.Background(), request(cfg, "08-qhub-tf-extensions"))
	require.NoError(t, err)
	assert.Equal(t, first.Digest(), second.Digest())

	main := string(first.Files["main.tf"])
	assert.Contains(t, main, `resource "random_password" "keycloak-qhub-bot-password"`)
	assert.Contains(t, main, `resource "random_password" "qhub-ext-mlflow-jwt-secret"`)
	assert.Contains(t, main, "value = random_password.qhub-ext-mlflow-keycloak-client-pw.result")
}

func TestRenderSkipProducesNothing(t *testing.T) {
	req := request(testConfig(provider.Local), "01-terraform-state")
	req.Skip = true
	art, err := New().Render(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, art.Files)
}

func TestRenderUnknownStage(t *testing.T) {
	_, err := New().Render(context.Background(), request(testConfig(provider.AWS), "99-nothing"))
	assert.ErrorContains(t, err, "no templates for stage 99-nothing")
}

func TestRenderUnknownExtensionCode(t *testing.T) {
	cfg := testConfig(provider.AWS)
	cfg.Extensions[0].Envs = []config.ExtensionEnv{{Code: "BOGUS"}}
	_, err := New().Render(context.Background(), request(cfg, "08-qhub-tf-extensions"))
	assert.ErrorContains(t, err, "no such extension env code")
}

func TestBackendPerProvider(t *testing.T) {
	tests := []struct {
		name     string
		provider provider.Name
		state    string
		stage    string
		backend  string
		contains []string
	}{
		{name: "aws", provider: provider.AWS, state: config.StateRemote, stage: "04-kubernetes-ingress", backend: "s3",
			contains: []string{`bucket = "demo-dev-terraform-state"`, `dynamodb_table = "demo-dev-terraform-state-lock"`, `key = "terraform/demo-dev/04-kubernetes-ingress.tfstate"`, "encrypt = true"}},
		{name: "gcp", provider: provider.GCP, state: config.StateRemote, stage: "02-infrastructure", backend: "gcs",
			contains: []string{`prefix = "terraform/demo-dev/02-infrastructure"`}},
		{name: "do", provider: provider.DigitalOcean, state: config.StateRemote, stage: "02-infrastructure", backend: "s3",
			contains: []string{`endpoint = "nyc3.digitaloceanspaces.com"`, "skip_credentials_validation = true"}},
		{name: "azure", provider: provider.Azure, state: config.StateRemote, stage: "02-infrastructure", backend: "azurerm",
			contains: []string{`storage_account_name = "demodevx1"`, `resource_group_name = "demo-dev-state"`}},
		{name: "state stage keeps local state", provider: provider.AWS, state: config.StateRemote, stage: "01-terraform-state"},
		{name: "local provider", provider: provider.Local, state: config.StateRemote, stage: "02-infrastructure"},
		{name: "local state", provider: provider.GCP, state: config.StateLocal, stage: "02-infrastructure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.provider)
			cfg.TerraformState.Type = tt.state
			art, err := New().Render(context.Background(), request(cfg, tt.stage))
			require.NoError(t, err)
			content, ok := art.Files["backend.tf"]
			if tt.backend == "" {
				assert.False(t, ok, "backend.tf should be omitted")
				return
			}
			require.True(t, ok)
			assert.Contains(t, string(content), `backend "`+tt.backend+`"`)
			for _, want := range tt.contains {
				assert.Contains(t, string(content), want)
			}
		})
	}
}

func TestBackendExisting(t *testing.T) {
	cfg := testConfig(provider.AWS)
	cfg.TerraformState = config.TerraformStateConfig{
		Type:    config.StateExisting,
		Backend: "s3",
		Config:  map[string]string{"bucket": "shared-state", "region": "eu-west-1"},
	}
	art, err := New().Render(context.Background(), request(cfg, "03-kubernetes-initialize"))
	require.NoError(t, err)
	content := string(art.Files["backend.tf"])
	assert.Contains(t, content, `backend "s3"`)
	assert.Contains(t, content, `bucket = "shared-state"`)
	assert.Contains(t, content, `region = "eu-west-1"`)
}

func TestWriteRemovesStaleGeneratedFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"demo/main.tf.tmpl":         {Data: []byte(`name = "{{ .Config.ProjectName }}"`)},
		"demo/modules/extra.tf.tmpl": {Data: []byte(`{{ if eq .Config.Namespace "dev" }}extra = true{{ end }}`)},
	}
	e := New(WithTemplates(fsys))
	dir := t.TempDir()
	cfg := testConfig(provider.Local)

	art, err := e.Render(context.Background(), request(cfg, "demo"))
	require.NoError(t, err)
	assert.Equal(t, []string{"main.tf", "modules/extra.tf"}, art.Names())
	require.NoError(t, e.Write(dir, art))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.tf"), []byte("# mine\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".terraform"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".terraform", "cached.tf"), []byte(Header), 0o644))

	cfg.Namespace = "prod"
	art, err = e.Render(context.Background(), request(cfg, "demo"))
	require.NoError(t, err)
	assert.Equal(t, []string{"main.tf"}, art.Names())
	require.NoError(t, e.Write(dir, art))

	assert.NoFileExists(t, filepath.Join(dir, "modules", "extra.tf"))
	assert.FileExists(t, filepath.Join(dir, "custom.tf"))
	assert.FileExists(t, filepath.Join(dir, ".terraform", "cached.tf"))

	main, err := os.ReadFile(filepath.Join(dir, "main.tf"))
	require.NoError(t, err)
	assert.Equal(t, Header+"name = \"demo\"\n", string(main))
}

func TestCheckRoot(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)
	assert.ErrorContains(t, CheckRoot(home), "home directory")
	assert.ErrorContains(t, CheckRoot("~"), "home directory")
	assert.NoError(t, CheckRoot(t.TempDir()))
	assert.NoError(t, CheckRoot(filepath.Join(home, "qhub", "stages")))
}
