package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

// Invocation describes one call into the infrastructure backend.
type Invocation struct {
	// Stage is the id of the invoking stage, for logging.
	Stage string
	// Dir is the stage target directory holding the backend source and state.
	Dir     string
	Init    bool
	Import  bool
	Apply   bool
	Destroy bool
	// Variables are the stage input variables.
	Variables map[string]any
	// Imports maps resource addresses to the ids of existing resources to adopt.
	Imports map[string]string
	// Env holds variables from the active provider contexts.
	Env env.Vars
}

// Backend runs the infrastructure engine for a stage directory and returns
// the outputs it reports.
type Backend interface {
	Invoke(ctx context.Context, inv Invocation) (Outputs, error)
}

// RenderRequest is everything a renderer may use to produce a stage's source.
type RenderRequest struct {
	StageID  string
	Subdir   string
	Provider provider.Name
	Dir      string
	Config   *config.Config
	// Skip is set for stages with nothing to provision; renderers should return no files.
	Skip bool
}

// Artifact is the backend source rendered for one stage, keyed by file name
// relative to the stage target directory.
type Artifact struct {
	Files map[string][]byte
}

// Names returns the artifact file names, sorted.
func (a Artifact) Names() []string {
	names := make([]string, 0, len(a.Files))
	for name := range a.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Digest is a stable hash over file names and contents.
func (a Artifact) Digest() string {
	h := sha256.New()
	for _, name := range a.Names() {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(a.Files[name])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Renderer produces and materializes backend source. Render must be pure:
// identical requests yield identical artifacts.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (Artifact, error)
	Write(dir string, art Artifact) error
}

// CheckContext is passed to post-deploy checks.
type CheckContext struct {
	StageID string
	Config  *config.Config
	// Outputs exposes the stage's own outputs and those of earlier stages.
	Outputs View
	// Env holds variables from the active provider contexts.
	Env    env.Vars
	Logger *slog.Logger
}

// CheckFunc validates a deployed stage.
type CheckFunc func(ctx context.Context, cc CheckContext) error

// Descriptor declares a stage. The pipeline constructs a fresh Stage from it
// for every operation.
type Descriptor struct {
	// ID is the stage identifier and its key on the bus.
	ID string
	// Subdir is the directory under the stage root; defaults to ID.
	Subdir string
	// Capabilities lists the providers the stage supports.
	Capabilities provider.Set
	// Scope optionally activates a provider context from an earlier stage's output.
	Scope *CredentialScope
	// Reads lists the earlier stages whose outputs InputVariables or StateImports consult.
	Reads []string
	// InputVariables computes the backend variables.
	InputVariables func(cfg *config.Config, outputs View) (map[string]any, error)
	// StateImports lists existing resources to adopt.
	StateImports func(cfg *config.Config, outputs View) (map[string]string, error)
	// Check runs after a successful deploy.
	Check CheckFunc
	// Import requests state imports on deploy.
	Import bool
	// SkipBackend reports whether the stage has nothing to provision for cfg.
	SkipBackend func(cfg *config.Config) bool
}

func (d Descriptor) subdir() string {
	if d.Subdir != "" {
		return d.Subdir
	}
	return d.ID
}
