package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/logging"
	"github.com/qhub-dev/qhubctl/internal/pipeline"
	"github.com/qhub-dev/qhubctl/internal/render"
	"github.com/qhub-dev/qhubctl/internal/stages"
)

const awsConfig = `project_name: demo
provider: aws
domain: demo.example.com
terraform_state:
  type: remote
amazon_web_services:
  region: us-west-2
`

const localConfig = `project_name: demo
provider: local
domain: demo.example.com
security:
  keycloak:
    initial_root_password: changeme
`

type recordingBackend struct {
	mu      sync.Mutex
	outputs map[string]pipeline.Outputs
	calls   []pipeline.Invocation
}

func (b *recordingBackend) Invoke(_ context.Context, inv pipeline.Invocation) (pipeline.Outputs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, inv)
	if inv.Destroy {
		return pipeline.Outputs{}, nil
	}
	if out, ok := b.outputs[inv.Stage]; ok {
		return out, nil
	}
	return pipeline.Outputs{}, nil
}

func (b *recordingBackend) destroyed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for _, c := range b.calls {
		if c.Destroy {
			ids = append(ids, c.Stage)
		}
	}
	return ids
}

func (b *recordingBackend) applied() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for _, c := range b.calls {
		if c.Apply {
			ids = append(ids, c.Stage)
		}
	}
	return ids
}

// keycloakStub accepts any password login and logout.
func keycloakStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/realms/master/protocol/openid-connect/token", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "access", "refresh_token": "refresh"})
	})
	mux.HandleFunc("POST /auth/realms/master/protocol/openid-connect/logout", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newBackend(t *testing.T) *recordingBackend {
	srv := keycloakStub(t)
	return &recordingBackend{outputs: map[string]pipeline.Outputs{
		stages.Infrastructure: {"kubernetes_credentials": map[string]any{"value": map[string]any{
			"host":  "https://127.0.0.1:6443",
			"token": "token",
		}}},
		stages.KubernetesKeycloak: {"keycloak_credentials": map[string]any{"value": map[string]any{
			"url":      srv.URL + "/auth",
			"username": "root",
			"password": "changeme",
		}}},
		stages.KubernetesKeycloakConfiguration: {"realm_id": map[string]any{"value": "qhub"}},
	}}
}

type harness struct {
	dir     string
	config  string
	backend *recordingBackend
	// engine replaces backend when set.
	engine pipeline.Backend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, config.DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(localConfig), 0o644))
	return &harness{dir: dir, config: path, backend: newBackend(t)}
}

func (h *harness) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	opts := &Options{
		stderr: io.Discard,
		newBackend: func(*config.Config, *slog.Logger) (pipeline.Backend, error) {
			if h.engine != nil {
				return h.engine, nil
			}
			return h.backend, nil
		},
	}
	cmd := newRootCommand(opts, logging.Discard())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", h.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid: 8 stages for provider local")
	assert.Empty(t, h.backend.calls)
}

type versionedBackend struct {
	*recordingBackend
	version string
	err     error
}

func (b versionedBackend) Version(context.Context) (string, error) { return b.version, b.err }

func TestValidateReportsTerraformVersion(t *testing.T) {
	h := newHarness(t)
	h.engine = versionedBackend{recordingBackend: h.backend, version: "1.5.7"}

	out, err := h.run(t, "", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "terraform 1.5.7 (terraform)")

	out, err = h.run(t, "", "validate", "--skip-terraform")
	require.NoError(t, err)
	assert.NotContains(t, out, "terraform 1.5.7")

	h.engine = versionedBackend{recordingBackend: h.backend, err: errors.New("executable file not found")}
	_, err = h.run(t, "", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terraform preflight")
}

func TestValidateRejectsBadConfig(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.config, []byte("project_name: Demo\nprovider: local\n"), 0o644))

	_, err := h.run(t, "", "validate")
	require.Error(t, err)
	assert.True(t, config.IsValidationError(err))
	assert.Contains(t, err.Error(), "domain is required")
}

func TestStagesCommand(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "", "stages")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 9)
	assert.Contains(t, lines[1], stages.TerraformState)
	assert.Contains(t, lines[3], stages.KubernetesInitialize)
	assert.Contains(t, lines[3], stages.Infrastructure)
	assert.Contains(t, lines[8], stages.Extensions)
	assert.Contains(t, lines[8], filepath.Join(h.dir, "stages", stages.Extensions, "local"))
}

func TestRenderCommandWritesStages(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "", "render")
	require.NoError(t, err)
	assert.Contains(t, out, "rendered")

	entries, err := os.ReadDir(filepath.Join(h.dir, "stages", stages.Infrastructure, "local"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	raw, err := os.ReadFile(filepath.Join(h.dir, "stages", stages.Infrastructure, "local", entries[0].Name()))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), render.Header))
	assert.Empty(t, h.backend.calls)

	target := filepath.Join(h.dir, "stages", stages.Infrastructure, "local")
	assert.FileExists(t, filepath.Join(target, "versions.tf"))
	assert.NoFileExists(t, filepath.Join(target, "backend.tf"))
}

func TestRenderRemoteStateWritesBackend(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.config, []byte(awsConfig), 0o644))

	_, err := h.run(t, "", "render")
	require.NoError(t, err)

	target := filepath.Join(h.dir, "stages", stages.Infrastructure, "aws")
	backendTF, err := os.ReadFile(filepath.Join(target, "backend.tf"))
	require.NoError(t, err)
	assert.Contains(t, string(backendTF), `backend "s3"`)
	assert.Contains(t, string(backendTF), `bucket = "demo-dev-terraform-state"`)
	assert.Contains(t, string(backendTF), `key = "terraform/demo-dev/02-infrastructure.tfstate"`)

	versions, err := os.ReadFile(filepath.Join(target, "versions.tf"))
	require.NoError(t, err)
	assert.Contains(t, string(versions), `required_version = ">= 1.5.7"`)

	assert.NoFileExists(t, filepath.Join(h.dir, "stages", stages.TerraformState, "aws", "backend.tf"))
}

func TestStagesDirFromEnv(t *testing.T) {
	h := newHarness(t)
	custom := filepath.Join(h.dir, "elsewhere")
	t.Setenv("QHUB_STAGES_DIR", custom)

	_, err := h.run(t, "", "render")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(custom, stages.KubernetesServices, "local"))
	assert.NoError(t, err)
}

func TestDeployCommand(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "", "deploy", "--disable-checks")
	require.NoError(t, err)

	assert.Equal(t, []string{
		stages.Infrastructure,
		stages.KubernetesInitialize,
		stages.KubernetesIngress,
		stages.KubernetesKeycloak,
		stages.KubernetesKeycloakConfiguration,
		stages.KubernetesServices,
		stages.Extensions,
	}, h.backend.applied())
	assert.Contains(t, out, "deployed")

	for _, c := range h.backend.calls {
		if c.Stage == stages.KubernetesServices {
			assert.Equal(t, "qhub", c.Variables["realm_id"])
			assert.NotEmpty(t, c.Env["KUBECONFIG"])
			assert.NotEmpty(t, c.Env["KEYCLOAK_URL"])
		}
	}
}

func TestDeployChecksDisabledFromEnv(t *testing.T) {
	h := newHarness(t)
	t.Setenv("QHUB_DISABLE_CHECKS", "true")

	_, err := h.run(t, "", "deploy")
	require.NoError(t, err)
	assert.Len(t, h.backend.applied(), 7)
}

func TestDestroyRequiresConfirmation(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "nope\n", "destroy")
	require.EqualError(t, err, "destroy aborted")
	assert.Empty(t, h.backend.calls)

	out, err := h.run(t, "demo\n", "destroy")
	require.NoError(t, err)
	assert.Contains(t, out, "Type the project name to confirm")
	assert.Equal(t, []string{
		stages.Extensions,
		stages.KubernetesServices,
		stages.KubernetesKeycloakConfiguration,
		stages.KubernetesKeycloak,
		stages.KubernetesIngress,
		stages.KubernetesInitialize,
		stages.Infrastructure,
	}, h.backend.destroyed())
}

func TestDestroyYesFromEnv(t *testing.T) {
	h := newHarness(t)
	t.Setenv("QHUB_YES", "1")

	out, err := h.run(t, "", "destroy")
	require.NoError(t, err)
	assert.NotContains(t, out, "Type the project name")
	assert.Contains(t, out, "destroyed")
}

func TestInitCommand(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "aws.yaml")
	t.Setenv("KEYCLOAK_ROOT_PASSWORD", "s3cret")

	out, err := h.run(t, "", "--config", path, "init", "aws", "--project", "acme", "--domain", "acme.example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "KEYCLOAK_ROOT_PASSWORD")

	cfg, err := config.Load(path, config.LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.ProjectName)
	assert.Equal(t, "s3cret", cfg.Security.Keycloak.InitialRootPassword)
	require.NotNil(t, cfg.AmazonWebServices)
	assert.Equal(t, "us-west-2", cfg.AmazonWebServices.Region)
	assert.Equal(t, "m5.2xlarge", cfg.AmazonWebServices.NodeGroups["general"].Instance)
	assert.True(t, cfg.RemoteState())

	_, err = h.run(t, "", "--config", path, "init", "aws")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = h.run(t, "", "--config", path, "init", "local", "--force")
	require.NoError(t, err)
	cfg, err = config.Load(path, config.LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, config.StateLocal, cfg.TerraformState.Type)
	assert.Equal(t, "linux", cfg.Local.NodeSelectors["user"]["value"])
}

func TestInitAzurePostfix(t *testing.T) {
	f := initFlags{project: "acme", domain: "acme.example.com", namespace: "dev", auth: "password"}
	cfg := starterConfig("azure", f)
	require.NotNil(t, cfg.Azure)
	assert.Len(t, cfg.Azure.StorageAccountPostfix, 4)
	require.NoError(t, cfg.Validate())
}

func TestInitUnknownProvider(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "", "--config", filepath.Join(h.dir, "x.yaml"), "init", "openstack")
	require.Error(t, err)
}
