package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports a pipeline that cannot run as declared: a stage
// that does not support the selected provider, a scope or read that targets a
// later stage, or a duplicate stage id. It is raised before any backend call.
type ConfigurationError struct {
	// Stage is the offending stage id, empty for pipeline-wide problems.
	Stage string
	// Reason describes the problem.
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return "invalid pipeline configuration"
	}
	if e.Stage == "" {
		return "invalid pipeline configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid pipeline configuration: stage %s: %s", e.Stage, e.Reason)
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// MissingDependencyError reports a read of an output that was never produced.
type MissingDependencyError struct {
	// Stage is the stage whose outputs were read.
	Stage string
	// Path is the key path inside the outputs, empty when the whole stage is missing.
	Path []string
	// Err is the underlying cause, typically an UnknownStageError.
	Err error
}

func (e *MissingDependencyError) Error() string {
	if e == nil {
		return "missing dependency"
	}
	if len(e.Path) == 0 {
		return fmt.Sprintf("missing dependency: no outputs from stage %s", e.Stage)
	}
	return fmt.Sprintf("missing dependency: stage %s has no output %s", e.Stage, strings.Join(e.Path, "."))
}

func (e *MissingDependencyError) Unwrap() error { return e.Err }

// IsMissingDependencyError reports whether err is a MissingDependencyError.
func IsMissingDependencyError(err error) bool {
	var target *MissingDependencyError
	return errors.As(err, &target)
}

// UnknownStageError is returned by Bus.Get for a stage that has not written outputs in this run.
type UnknownStageError struct {
	Stage string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("no outputs recorded for stage %q", e.Stage)
}

// IsUnknownStageError reports whether err is an UnknownStageError.
func IsUnknownStageError(err error) bool {
	var target *UnknownStageError
	return errors.As(err, &target)
}

// BackendInvocationError wraps a failed backend call for one stage.
type BackendInvocationError struct {
	Stage string
	Dir   string
	Err   error
}

func (e *BackendInvocationError) Error() string {
	return fmt.Sprintf("backend invocation for stage %s in %s failed: %v", e.Stage, e.Dir, e.Err)
}

func (e *BackendInvocationError) Unwrap() error { return e.Err }

// IsBackendInvocationError reports whether err is a BackendInvocationError.
func IsBackendInvocationError(err error) bool {
	var target *BackendInvocationError
	return errors.As(err, &target)
}

// CheckFailure reports a post-deploy check that failed. The stage's deploy
// succeeded and its outputs stay on the bus.
type CheckFailure struct {
	Stage string
	Err   error
}

func (e *CheckFailure) Error() string {
	return fmt.Sprintf("stage %s deployed but its check failed: %v", e.Stage, e.Err)
}

func (e *CheckFailure) Unwrap() error { return e.Err }

// IsCheckFailure reports whether err is a CheckFailure.
func IsCheckFailure(err error) bool {
	var target *CheckFailure
	return errors.As(err, &target)
}

// OperationError names the stage and operation at which a pipeline run stopped.
type OperationError struct {
	Stage string
	Op    Op
	Err   error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed at stage %s: %v", e.Op, e.Stage, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
