package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/logging"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ProjectName: "demo",
		Provider:    provider.Local,
		Namespace:   "dev",
		Domain:      "demo.example.com",
		Stages:      config.StagesConfig{Directory: t.TempDir()},
	}
}

type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeBackend struct {
	events  *events
	outputs map[string]Outputs
	failOn  func(ctx context.Context, inv Invocation) error
	calls   []Invocation
}

func (b *fakeBackend) Invoke(ctx context.Context, inv Invocation) (Outputs, error) {
	b.calls = append(b.calls, inv)
	if b.events != nil {
		b.events.add("invoke:%s:%s", inv.Stage, phase(inv))
	}
	if b.failOn != nil {
		if err := b.failOn(ctx, inv); err != nil {
			return nil, err
		}
	}
	if inv.Destroy {
		return Outputs{}, nil
	}
	return b.outputs[inv.Stage], nil
}

func (b *fakeBackend) stagesCalled() []string {
	var ids []string
	for _, c := range b.calls {
		ids = append(ids, c.Stage)
	}
	return ids
}

func phase(inv Invocation) string {
	switch {
	case inv.Destroy:
		return "destroy"
	case inv.Apply:
		return "apply"
	default:
		return "refresh"
	}
}

type fakeHandle struct {
	name string
	env  env.Vars
}

func (h *fakeHandle) Env() env.Vars { return h.env }

type fakeProvider struct {
	name        string
	events      *events
	credentials []any
	exitCtxErrs []error
	failExit    error
}

func (p *fakeProvider) Activate(_ context.Context, credential any) (Handle, error) {
	p.credentials = append(p.credentials, credential)
	p.events.add("enter:%s", p.name)
	return &fakeHandle{name: p.name, env: env.Vars{"SCOPE_" + p.name: "active"}}, nil
}

func (p *fakeProvider) Deactivate(ctx context.Context, h Handle) error {
	p.exitCtxErrs = append(p.exitCtxErrs, ctx.Err())
	p.events.add("exit:%s", p.name)
	return p.failExit
}

type diskRenderer struct{}

func (diskRenderer) Render(_ context.Context, req RenderRequest) (Artifact, error) {
	body := fmt.Sprintf("# %s for %s on %s\n", req.StageID, req.Config.ProjectName, req.Provider)
	return Artifact{Files: map[string][]byte{
		"main.tf":      []byte(body),
		"variables.tf": []byte("variable \"environment\" {}\n"),
	}}, nil
}

func (diskRenderer) Write(dir string, art Artifact) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, body := range art.Files {
		if err := os.WriteFile(filepath.Join(dir, name), body, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func plainStage(id string) Descriptor {
	return Descriptor{ID: id, Capabilities: provider.All()}
}

func scopedStage(id, source string, p ProviderContext, path ...string) Descriptor {
	d := plainStage(id)
	d.Scope = &CredentialScope{Source: source, Path: path, Provider: p}
	return d
}

func testLogger() *slog.Logger {
	return logging.Discard()
}
