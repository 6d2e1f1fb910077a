// Package terraform drives the terraform CLI on behalf of pipeline stages.
package terraform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/qhub-dev/qhubctl/internal/logging"
)

// Command is a single terraform CLI call.
type Command struct {
	// Dir is the working directory.
	Dir string
	// Args are the arguments after the binary name.
	Args []string
	// Env is the full process environment.
	Env []string
	// Capture returns stdout to the caller instead of logging it.
	Capture bool
}

// Runner executes terraform commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExitError reports a terraform command that did not succeed.
type ExitError struct {
	Args     []string
	Dir      string
	ExitCode int
	// Stderr holds the tail of the command's error output.
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("terraform %s in %s exited with code %d", strings.Join(e.Args, " "), e.Dir, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// IsExitError reports whether err came from a failed terraform command.
func IsExitError(err error) bool {
	var target *ExitError
	return errors.As(err, &target)
}

// ExecRunner runs the terraform binary as a subprocess, forwarding its output
// to the logger line by line.
type ExecRunner struct {
	Binary string
	Logger *slog.Logger
}

// NewExecRunner constructs an ExecRunner for binary.
func NewExecRunner(binary string, logger *slog.Logger) *ExecRunner {
	if binary == "" {
		binary = "terraform"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &ExecRunner{Binary: binary, Logger: logger}
}

const stderrTailLines = 20

// Run executes cmd and waits for it to finish.
func (r *ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Binary, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env

	stdoutLog := logging.NewWriter(r.Logger, slog.LevelInfo, "dir", c.Dir, "cmd", firstArg(c.Args), "stream", "stdout")
	stderrLog := logging.NewWriter(r.Logger, slog.LevelWarn, "dir", c.Dir, "cmd", firstArg(c.Args), "stream", "stderr")
	defer stdoutLog.Flush()
	defer stderrLog.Flush()

	var stdout, stderr bytes.Buffer
	if c.Capture {
		cmd.Stdout = &stdout
	} else {
		cmd.Stdout = stdoutLog
	}
	cmd.Stderr = io.MultiWriter(stderrLog, &stderr)

	r.Logger.Debug("running terraform", "dir", c.Dir, "args", c.Args)
	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(err, ctxErr)
		}
		return nil, &ExitError{
			Args:     c.Args,
			Dir:      c.Dir,
			ExitCode: code,
			Stderr:   tail(stderr.String(), stderrTailLines),
			Err:      err,
		}
	}
	return stdout.Bytes(), nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
