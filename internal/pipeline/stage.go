package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

// Op names a stage operation.
type Op string

const (
	OpRender  Op = "render"
	OpDeploy  Op = "deploy"
	OpDestroy Op = "destroy"
	OpCheck   Op = "check"
)

// Lifecycle is the state of a stage within one operation.
type Lifecycle int

const (
	Unrendered Lifecycle = iota
	Rendered
	Deployed
	Destroyed
)

func (l Lifecycle) String() string {
	switch l {
	case Unrendered:
		return "unrendered"
	case Rendered:
		return "rendered"
	case Deployed:
		return "deployed"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

// Flags select the backend phases of an invocation.
type Flags struct {
	Init    bool
	Import  bool
	Apply   bool
	Destroy bool
}

// DestroyFlags are the phases used to tear a stage down: existing resources
// are imported first so that destroy also removes them.
var DestroyFlags = Flags{Init: true, Import: true, Destroy: true}

// TargetDir returns root/subdir/provider.
func TargetDir(root, subdir string, p provider.Name) string {
	return filepath.Join(root, subdir, string(p))
}

// Stage is one provisioning unit bound to its target directory for the
// duration of a single operation.
type Stage struct {
	desc     Descriptor
	target   string
	cfg      *config.Config
	backend  Backend
	renderer Renderer
	outputs  View
	ambient  func() env.Vars
	logger   *slog.Logger
	state    Lifecycle

	// suppressed is the backend error swallowed by an ignore-errors destroy.
	suppressed error
}

// ID returns the stage identifier.
func (s *Stage) ID() string { return s.desc.ID }

// Target returns the stage target directory.
func (s *Stage) Target() string { return s.target }

// State returns the current lifecycle state.
func (s *Stage) State() Lifecycle { return s.state }

// Scope returns the stage's credential scope, nil if it has none.
func (s *Stage) Scope() *CredentialScope { return s.desc.Scope }

func (s *Stage) advance(to Lifecycle) error {
	if to < s.state && to != Destroyed {
		return fmt.Errorf("stage %s cannot move from %s to %s", s.desc.ID, s.state, to)
	}
	s.state = to
	return nil
}

func (s *Stage) skipBackend() bool {
	return s.desc.SkipBackend != nil && s.desc.SkipBackend(s.cfg)
}

// InputVariables returns the backend variables for this stage.
func (s *Stage) InputVariables() (map[string]any, error) {
	if s.desc.InputVariables == nil {
		return map[string]any{}, nil
	}
	return s.desc.InputVariables(s.cfg, s.outputs)
}

// StateImports returns the resources the backend should adopt.
func (s *Stage) StateImports() (map[string]string, error) {
	if s.desc.StateImports == nil {
		return map[string]string{}, nil
	}
	return s.desc.StateImports(s.cfg, s.outputs)
}

// Render materializes the stage's backend source in its target directory and
// returns the file list and digest.
func (s *Stage) Render(ctx context.Context) (Outputs, error) {
	if s.renderer == nil {
		return nil, fmt.Errorf("stage %s: no renderer configured", s.desc.ID)
	}
	art, err := s.renderer.Render(ctx, RenderRequest{
		StageID:  s.desc.ID,
		Subdir:   s.desc.subdir(),
		Provider: s.cfg.Provider,
		Dir:      s.target,
		Config:   s.cfg,
		Skip:     s.skipBackend(),
	})
	if err != nil {
		return nil, fmt.Errorf("render stage %s: %w", s.desc.ID, err)
	}
	if err := s.renderer.Write(s.target, art); err != nil {
		return nil, fmt.Errorf("write stage %s: %w", s.desc.ID, err)
	}
	if err := s.advance(Rendered); err != nil {
		return nil, err
	}

	names := art.Names()
	files := make([]any, len(names))
	for i, n := range names {
		files[i] = n
	}
	s.logger.Info("rendered stage", "stage", s.desc.ID, "dir", s.target, "files", len(names))
	return Outputs{"files": files, "digest": art.Digest()}, nil
}

// Deploy invokes the backend with the stage's input variables and state imports.
func (s *Stage) Deploy(ctx context.Context, flags Flags) (Outputs, error) {
	out, err := s.invoke(ctx, flags)
	if err != nil {
		return nil, err
	}

	switch {
	case flags.Destroy:
		err = s.advance(Destroyed)
	case flags.Apply:
		err = s.advance(Deployed)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Stage) invoke(ctx context.Context, flags Flags) (Outputs, error) {
	if s.skipBackend() {
		s.logger.Info("stage has nothing to provision", "stage", s.desc.ID)
		return Outputs{}, nil
	}
	if s.backend == nil {
		return nil, fmt.Errorf("stage %s: no backend configured", s.desc.ID)
	}

	vars, err := s.InputVariables()
	if err != nil {
		return nil, fmt.Errorf("input variables of stage %s: %w", s.desc.ID, err)
	}
	var imports map[string]string
	if flags.Import {
		if imports, err = s.StateImports(); err != nil {
			return nil, fmt.Errorf("state imports of stage %s: %w", s.desc.ID, err)
		}
	}

	inv := Invocation{
		Stage:     s.desc.ID,
		Dir:       s.target,
		Init:      flags.Init,
		Import:    flags.Import,
		Apply:     flags.Apply,
		Destroy:   flags.Destroy,
		Variables: vars,
		Imports:   imports,
		Env:       s.ambient(),
	}
	out, err := s.backend.Invoke(ctx, inv)
	if err != nil {
		return nil, &BackendInvocationError{Stage: s.desc.ID, Dir: s.target, Err: err}
	}
	return out, nil
}

// Refresh initializes the stage and reads its current outputs without changing anything.
func (s *Stage) Refresh(ctx context.Context) (Outputs, error) {
	return s.Deploy(ctx, Flags{Init: true})
}

// Destroy tears the stage down. When the backend fails and ignoreErrors is
// set, the failure is logged and reported as false with a nil error;
// otherwise the error is returned along with false.
func (s *Stage) Destroy(ctx context.Context, ignoreErrors bool, flags Flags) (bool, error) {
	flags.Destroy = true
	if _, err := s.Deploy(ctx, flags); err != nil {
		if ignoreErrors {
			s.logger.Warn("destroy failed, continuing", "stage", s.desc.ID, "error", err)
			s.suppressed = err
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Suppressed returns the error an ignore-errors Destroy swallowed, if any.
func (s *Stage) Suppressed() error { return s.suppressed }

// Check runs the stage's post-deploy validation.
func (s *Stage) Check(ctx context.Context) error {
	if s.desc.Check == nil {
		return nil
	}
	err := s.desc.Check(ctx, CheckContext{
		StageID: s.desc.ID,
		Config:  s.cfg,
		Outputs: s.outputs,
		Env:     s.ambient(),
		Logger:  s.logger.With("stage", s.desc.ID),
	})
	if err != nil {
		return &CheckFailure{Stage: s.desc.ID, Err: err}
	}
	s.logger.Info("stage check passed", "stage", s.desc.ID)
	return nil
}
