// Package pipeline runs qhub stages in their fixed order, passing outputs
// forward on a per-run bus and holding credential scopes on a LIFO stack that
// is always unwound before an operation returns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/logging"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for the pipeline and its stages.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithRoot overrides the stage root directory taken from the config.
func WithRoot(dir string) Option {
	return func(p *Pipeline) { p.root = dir }
}

// Pipeline drives render, deploy and destroy across an ordered list of stages.
type Pipeline struct {
	cfg      *config.Config
	root     string
	stages   []Descriptor
	backend  Backend
	renderer Renderer
	logger   *slog.Logger
}

// New validates the stage list against cfg and returns a Pipeline. Every
// stage must support the configured provider and may only depend on stages
// that come before it; violations are reported as ConfigurationError.
func New(cfg *config.Config, stages []Descriptor, backend Backend, renderer Renderer, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, &ConfigurationError{Reason: "config is nil"}
	}
	p := &Pipeline{
		cfg:      cfg,
		root:     cfg.StagesDir(),
		stages:   append([]Descriptor(nil), stages...),
		backend:  backend,
		renderer: renderer,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) validate() error {
	if _, err := provider.Parse(string(p.cfg.Provider)); err != nil {
		return &ConfigurationError{Reason: err.Error()}
	}
	if strings.TrimSpace(p.root) == "" {
		return &ConfigurationError{Reason: "stage root directory is empty"}
	}

	seen := make(map[string]bool, len(p.stages))
	for i, d := range p.stages {
		if d.ID == "" {
			return &ConfigurationError{Reason: fmt.Sprintf("stage at position %d has no id", i)}
		}
		if seen[d.ID] {
			return &ConfigurationError{Stage: d.ID, Reason: "duplicate stage id"}
		}
		if !d.Capabilities.Has(p.cfg.Provider) {
			return &ConfigurationError{
				Stage:  d.ID,
				Reason: fmt.Sprintf("provider %s is not supported (supports: %s)", p.cfg.Provider, d.Capabilities),
			}
		}
		if d.Scope != nil && !seen[d.Scope.Source] {
			return &ConfigurationError{Stage: d.ID, Reason: fmt.Sprintf("credential scope reads stage %q which does not run before it", d.Scope.Source)}
		}
		for _, dep := range d.Reads {
			if !seen[dep] {
				return &ConfigurationError{Stage: d.ID, Reason: fmt.Sprintf("reads outputs of stage %q which does not run before it", dep)}
			}
		}
		seen[d.ID] = true
	}
	return nil
}

// Provider returns the provider all stages target.
func (p *Pipeline) Provider() provider.Name { return p.cfg.Provider }

// Root returns the stage root directory.
func (p *Pipeline) Root() string { return p.root }

// StageInfo describes a stage without running it.
type StageInfo struct {
	ID           string
	Target       string
	Capabilities provider.Set
	// ScopeSource is the stage whose output the credential scope reads, if any.
	ScopeSource string
}

// Stages lists the stages in execution order.
func (p *Pipeline) Stages() []StageInfo {
	out := make([]StageInfo, len(p.stages))
	for i, d := range p.stages {
		out[i] = StageInfo{
			ID:           d.ID,
			Target:       TargetDir(p.root, d.subdir(), p.cfg.Provider),
			Capabilities: d.Capabilities,
		}
		if d.Scope != nil {
			out[i].ScopeSource = d.Scope.Source
		}
	}
	return out
}

// StageResult is the outcome of one stage in a run.
type StageResult struct {
	ID     string
	Target string
	State  Lifecycle
	// Destroyed reports the result of a destroy; false when the teardown failed.
	Destroyed bool
	Err       error
}

// Report summarizes a run. Outputs is the bus content when the run ended.
type Report struct {
	RunID   string
	Op      Op
	Stages  []StageResult
	Outputs map[string]Outputs
}

// Stage returns the result for id.
func (r Report) Stage(id string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageResult{}, false
}

// DeployOptions tune Deploy.
type DeployOptions struct {
	// SkipChecks disables post-deploy checks.
	SkipChecks bool
}

// DestroyOptions tune Destroy.
type DestroyOptions struct {
	// IgnoreErrors keeps going after a stage fails to tear down; the stage is
	// reported with Destroyed=false.
	IgnoreErrors bool
}

// Render writes the backend source of every stage. Credential scopes are not
// activated since rendering never touches provisioned systems.
func (p *Pipeline) Render(ctx context.Context) (Report, error) {
	r := p.begin(OpRender)
	return r.finish(ctx, r.render(ctx))
}

// Deploy provisions every stage in order, running each stage's check right
// after it deploys unless opts.SkipChecks is set.
func (p *Pipeline) Deploy(ctx context.Context, opts DeployOptions) (Report, error) {
	r := p.begin(OpDeploy)
	return r.finish(ctx, r.deploy(ctx, opts))
}

// Destroy tears every stage down. Stages are first entered in order so that
// their outputs and credential scopes are available, then destroyed in
// reverse order, each stage's scope being exited right after its teardown.
func (p *Pipeline) Destroy(ctx context.Context, opts DestroyOptions) (Report, error) {
	r := p.begin(OpDestroy)
	return r.finish(ctx, r.destroy(ctx, opts))
}

// run holds the state of a single operation.
type run struct {
	p      *Pipeline
	op     Op
	bus    *Bus
	stack  *Stack
	logger *slog.Logger
	report Report
}

func (p *Pipeline) begin(op Op) *run {
	id := uuid.NewString()
	logger := p.logger.With("run", id, "op", string(op))
	logger.Info("starting pipeline", "provider", p.cfg.Provider, "root", p.root, "stages", len(p.stages))
	return &run{
		p:      p,
		op:     op,
		bus:    NewBus(),
		stack:  NewStack(logger),
		logger: logger,
		report: Report{RunID: id, Op: op},
	}
}

func (r *run) finish(ctx context.Context, err error) (Report, error) {
	if unwindErr := r.stack.Unwind(ctx); unwindErr != nil {
		err = errors.Join(err, unwindErr)
	}
	r.report.Outputs = r.bus.Snapshot()
	if err != nil {
		r.logger.Error("pipeline failed", "error", err)
		return r.report, err
	}
	r.logger.Info("pipeline completed")
	return r.report, nil
}

// stage constructs a fresh Stage for position i, bound to this run.
func (r *run) stage(i int) *Stage {
	d := r.p.stages[i]
	visible := make([]string, 0, i+1)
	for _, prev := range r.p.stages[:i+1] {
		visible = append(visible, prev.ID)
	}
	return &Stage{
		desc:     d,
		target:   TargetDir(r.p.root, d.subdir(), r.p.cfg.Provider),
		cfg:      r.p.cfg,
		backend:  r.p.backend,
		renderer: r.p.renderer,
		outputs:  newView(r.bus, visible),
		ambient:  r.stack.Env,
		logger:   r.logger,
	}
}

// enter pushes the stage's scope, activating it when activate is set.
func (r *run) enter(ctx context.Context, st *Stage, activate bool) error {
	scope := st.Scope()
	if scope == nil || !activate {
		r.stack.Push(st.ID(), nil, nil)
		return nil
	}
	h, err := scope.Enter(ctx, st.outputs)
	if err != nil {
		return err
	}
	r.logger.Debug("entered stage scope", "stage", st.ID(), "source", scope.Source)
	r.stack.Push(st.ID(), h, func(ctx context.Context) error {
		return scope.Exit(ctx, h)
	})
	return nil
}

func (r *run) record(st *Stage, err error) {
	r.report.Stages = append(r.report.Stages, StageResult{
		ID:        st.ID(),
		Target:    st.Target(),
		State:     st.State(),
		Destroyed: st.State() == Destroyed,
		Err:       err,
	})
}

func (r *run) fail(st *Stage, op Op, err error) error {
	r.record(st, err)
	return &OperationError{Stage: st.ID(), Op: op, Err: err}
}

func (r *run) interrupted(ctx context.Context, i int) error {
	if err := ctx.Err(); err != nil {
		return &OperationError{Stage: r.p.stages[i].ID, Op: r.op, Err: fmt.Errorf("interrupted: %w", err)}
	}
	return nil
}

func (r *run) render(ctx context.Context) error {
	for i := range r.p.stages {
		if err := r.interrupted(ctx, i); err != nil {
			return err
		}
		st := r.stage(i)
		if err := r.enter(ctx, st, false); err != nil {
			return r.fail(st, OpRender, err)
		}
		out, err := st.Render(ctx)
		if err != nil {
			return r.fail(st, OpRender, err)
		}
		if err := r.bus.Put(st.ID(), out); err != nil {
			return r.fail(st, OpRender, err)
		}
		r.record(st, nil)
	}
	return nil
}

func (r *run) deploy(ctx context.Context, opts DeployOptions) error {
	for i := range r.p.stages {
		if err := r.interrupted(ctx, i); err != nil {
			return err
		}
		st := r.stage(i)
		if err := r.enter(ctx, st, true); err != nil {
			return r.fail(st, OpDeploy, err)
		}
		out, err := st.Deploy(ctx, Flags{Init: true, Import: st.desc.Import, Apply: true})
		if err != nil {
			return r.fail(st, OpDeploy, err)
		}
		if err := r.bus.Put(st.ID(), out); err != nil {
			return r.fail(st, OpDeploy, err)
		}
		if !opts.SkipChecks {
			if err := st.Check(ctx); err != nil {
				return r.fail(st, OpCheck, err)
			}
		}
		r.record(st, nil)
	}
	return nil
}

type enteredStage struct {
	stage  *Stage
	pushed bool
	err    error
}

func (r *run) destroy(ctx context.Context, opts DestroyOptions) error {
	entered := make([]enteredStage, 0, len(r.p.stages))
	for i := range r.p.stages {
		if err := r.interrupted(ctx, i); err != nil {
			return err
		}
		st := r.stage(i)
		if err := r.enter(ctx, st, true); err != nil {
			if !opts.IgnoreErrors {
				return r.fail(st, OpDestroy, err)
			}
			r.logger.Warn("cannot enter stage scope, stage will not be destroyed", "stage", st.ID(), "error", err)
			entered = append(entered, enteredStage{stage: st, err: err})
			continue
		}
		out, err := st.Refresh(ctx)
		if err != nil {
			if !opts.IgnoreErrors {
				return r.fail(st, OpDestroy, err)
			}
			r.logger.Warn("cannot read stage outputs", "stage", st.ID(), "error", err)
		} else if err := r.bus.Put(st.ID(), out); err != nil {
			return r.fail(st, OpDestroy, err)
		}
		entered = append(entered, enteredStage{stage: st, pushed: true})
	}

	var teardown []error
	for i := len(entered) - 1; i >= 0; i-- {
		e := entered[i]
		if e.err != nil {
			r.record(e.stage, e.err)
		} else {
			ok, err := e.stage.Destroy(ctx, opts.IgnoreErrors, DestroyFlags)
			if err != nil {
				return errors.Join(append(teardown, r.fail(e.stage, OpDestroy, err))...)
			}
			if !ok {
				cause := e.stage.Suppressed()
				if cause == nil {
					cause = fmt.Errorf("stage %s was not destroyed", e.stage.ID())
				}
				r.record(e.stage, &OperationError{Stage: e.stage.ID(), Op: OpDestroy, Err: cause})
			} else {
				r.record(e.stage, nil)
			}
		}
		if e.pushed {
			if err := r.stack.Pop(context.WithoutCancel(ctx)); err != nil {
				teardown = append(teardown, err)
			}
		}
	}
	return errors.Join(teardown...)
}
