package terraform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/logging"
	"github.com/qhub-dev/qhubctl/internal/pipeline"
)

// Client runs init, import, apply, destroy and output for a stage directory.
// It satisfies pipeline.Backend.
type Client struct {
	runner  Runner
	timeout time.Duration
	environ []string
	logger  *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout bounds every Invoke call. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithEnviron replaces the base environment passed to terraform (os.Environ by default).
func WithEnviron(environ []string) Option {
	return func(c *Client) { c.environ = environ }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New constructs a Client on top of runner.
func New(runner Runner, opts ...Option) *Client {
	c := &Client{runner: runner}
	for _, opt := range opts {
		opt(c)
	}
	if c.environ == nil {
		c.environ = os.Environ()
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}

var _ pipeline.Backend = (*Client)(nil)

// Invoke runs the phases selected in inv and returns the outputs reported by
// `terraform output -json`. Destroy invocations return no outputs.
func (c *Client) Invoke(ctx context.Context, inv pipeline.Invocation) (pipeline.Outputs, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	info, err := os.Stat(inv.Dir)
	if err != nil {
		return nil, fmt.Errorf("stage directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("stage directory %s is not a directory", inv.Dir)
	}

	environ := c.processEnv(inv.Env)
	logger := c.logger.With("stage", inv.Stage, "dir", inv.Dir)

	if inv.Init {
		logger.Info("terraform init")
		if _, err := c.run(ctx, inv.Dir, environ, false, "init", "-input=false", "-no-color"); err != nil {
			return nil, err
		}
	}

	var varFile string
	if inv.Import || inv.Apply || inv.Destroy {
		path, cleanup, err := writeVarFile(inv.Variables)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		varFile = path
	}

	if inv.Import && len(inv.Imports) > 0 {
		if err := c.importState(ctx, logger, inv.Dir, environ, varFile, inv.Imports); err != nil {
			return nil, err
		}
	}

	if inv.Apply {
		logger.Info("terraform apply")
		if _, err := c.run(ctx, inv.Dir, environ, false, "apply", "-auto-approve", "-input=false", "-no-color", "-var-file="+varFile); err != nil {
			return nil, err
		}
	}

	if inv.Destroy {
		logger.Info("terraform destroy")
		if _, err := c.run(ctx, inv.Dir, environ, false, "destroy", "-auto-approve", "-input=false", "-no-color", "-var-file="+varFile); err != nil {
			return nil, err
		}
		return pipeline.Outputs{}, nil
	}

	return c.Output(ctx, inv.Dir, inv.Env)
}

// Output returns the decoded `terraform output -json` of dir.
func (c *Client) Output(ctx context.Context, dir string, extra env.Vars) (pipeline.Outputs, error) {
	raw, err := c.run(ctx, dir, c.processEnv(extra), true, "output", "-json", "-no-color")
	if err != nil {
		return nil, err
	}
	out := pipeline.Outputs{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode terraform outputs of %s: %w", dir, err)
	}
	return out, nil
}

func (c *Client) stateList(ctx context.Context, dir string, environ []string) ([]string, error) {
	raw, err := c.run(ctx, dir, environ, true, "state", "list")
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			addrs = append(addrs, line)
		}
	}
	return addrs, nil
}

type versionInfo struct {
	Version string `json:"terraform_version"`
}

// Version returns the version of the terraform binary.
func (c *Client) Version(ctx context.Context) (string, error) {
	raw, err := c.run(ctx, "", c.processEnv(nil), true, "version", "-json")
	if err != nil {
		return "", err
	}
	var v versionInfo
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("decode terraform version: %w", err)
	}
	return v.Version, nil
}

// importState adopts existing resources, skipping addresses already in state.
func (c *Client) importState(ctx context.Context, logger *slog.Logger, dir string, environ []string, varFile string, imports map[string]string) error {
	present := make(map[string]bool)
	existing, err := c.stateList(ctx, dir, environ)
	if err != nil {
		logger.Warn("cannot list terraform state, importing everything", "error", err)
	}
	for _, addr := range existing {
		present[addr] = true
	}

	addrs := make([]string, 0, len(imports))
	for addr := range imports {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		if present[addr] {
			logger.Debug("resource already in state", "address", addr)
			continue
		}
		logger.Info("terraform import", "address", addr, "id", imports[addr])
		if _, err := c.run(ctx, dir, environ, false, "import", "-input=false", "-no-color", "-var-file="+varFile, addr, imports[addr]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) run(ctx context.Context, dir string, environ []string, capture bool, args ...string) ([]byte, error) {
	return c.runner.Run(ctx, Command{Dir: dir, Args: args, Env: environ, Capture: capture})
}

// processEnv layers TF_IN_AUTOMATION and the scope variables over the base environment.
func (c *Client) processEnv(extra env.Vars) []string {
	merged := env.Merge(env.FromList(c.environ), env.Vars{"TF_IN_AUTOMATION": "1"}, extra)
	return merged.List()
}

// writeVarFile stores vars as a temporary .tfvars.json file.
func writeVarFile(vars map[string]any) (string, func(), error) {
	if vars == nil {
		vars = map[string]any{}
	}
	body, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("encode input variables: %w", err)
	}
	f, err := os.CreateTemp("", "qhub-*.tfvars.json")
	if err != nil {
		return "", nil, fmt.Errorf("create var file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write var file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close var file: %w", err)
	}
	return f.Name(), cleanup, nil
}
