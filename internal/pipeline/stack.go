package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/logging"
)

// Handle is an active provider context. Env returns the variables a backend
// invocation needs to reach the provisioned system.
type Handle interface {
	Env() env.Vars
}

type stackEntry struct {
	stage  string
	handle Handle
	exit   func(context.Context) error
}

// Stack is the LIFO of entered stage scopes for one run. Stages without a
// credential scope push a no-op entry so the stack always mirrors the stages
// entered so far.
type Stack struct {
	entries []stackEntry
	logger  *slog.Logger
}

// NewStack returns an empty stack.
func NewStack(logger *slog.Logger) *Stack {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Stack{logger: logger}
}

// Push records an entered scope. exit may be nil for stages without a scope.
func (s *Stack) Push(stage string, handle Handle, exit func(context.Context) error) {
	s.entries = append(s.entries, stackEntry{stage: stage, handle: handle, exit: exit})
}

// Len returns the number of active entries.
func (s *Stack) Len() int { return len(s.entries) }

// Stages returns the stage ids of active entries in entry order.
func (s *Stack) Stages() []string {
	ids := make([]string, len(s.entries))
	for i, e := range s.entries {
		ids[i] = e.stage
	}
	return ids
}

// Env merges the variables of every active handle, later entries winning.
func (s *Stack) Env() env.Vars {
	out := make(env.Vars)
	for _, e := range s.entries {
		if e.handle == nil {
			continue
		}
		out = env.Merge(out, e.handle.Env())
	}
	return out
}

// Pop exits the most recent entry.
func (s *Stack) Pop(ctx context.Context) error {
	if len(s.entries) == 0 {
		return nil
	}
	top := s.entries[len(s.entries)-1]
	s.entries = s.entries[:len(s.entries)-1]
	if top.exit == nil {
		return nil
	}
	s.logger.Debug("exiting stage scope", "stage", top.stage)
	if err := top.exit(ctx); err != nil {
		return fmt.Errorf("exit scope of stage %s: %w", top.stage, err)
	}
	return nil
}

// Unwind exits every entry in reverse order. It ignores cancellation of ctx
// so that an interrupted run still releases what it acquired.
func (s *Stack) Unwind(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for len(s.entries) > 0 {
		if err := s.Pop(ctx); err != nil {
			s.logger.Warn("scope teardown failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
