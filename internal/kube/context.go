package kube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"k8s.io/client-go/tools/clientcmd"

	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/logging"
	"github.com/qhub-dev/qhubctl/internal/pipeline"
)

// Context is the cluster-access provider context. Activating it materializes
// a private kubeconfig that backend invocations pick up through the
// environment; deactivating removes it.
type Context struct {
	// Dir holds the temporary kubeconfig files; empty means os.TempDir.
	Dir    string
	Logger *slog.Logger
}

var _ pipeline.ProviderContext = (*Context)(nil)

// NewContext returns a cluster-access provider context.
func NewContext(logger *slog.Logger) *Context {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Context{Logger: logger}
}

// Session is an active cluster-access context.
type Session struct {
	Path        string
	ContextName string
	Credentials Credentials
}

// Env points kubectl, helm and the terraform kubernetes providers at the
// session kubeconfig.
func (s *Session) Env() env.Vars {
	return env.Vars{
		"KUBECONFIG":       s.Path,
		"KUBE_CONFIG_PATH": s.Path,
		"KUBE_CTX":         s.ContextName,
	}
}

// Activate writes a kubeconfig for the credential to a private temp file.
func (c *Context) Activate(_ context.Context, credential any) (pipeline.Handle, error) {
	creds, err := ParseCredentials(credential)
	if err != nil {
		return nil, err
	}
	cfg, err := creds.Kubeconfig()
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(c.Dir, "qhub-kubeconfig-*")
	if err != nil {
		return nil, fmt.Errorf("create kubeconfig: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("create kubeconfig: %w", err)
	}
	if err := clientcmd.WriteToFile(*cfg, path); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write kubeconfig: %w", err)
	}

	s := &Session{Path: path, ContextName: cfg.CurrentContext, Credentials: creds}
	c.logger().Debug("cluster access activated", "kubeconfig", path, "context", s.ContextName)
	return s, nil
}

// Deactivate removes the session kubeconfig.
func (c *Context) Deactivate(_ context.Context, h pipeline.Handle) error {
	s, ok := h.(*Session)
	if !ok {
		return fmt.Errorf("kube: unexpected handle %T", h)
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove kubeconfig %s: %w", s.Path, err)
	}
	c.logger().Debug("cluster access released", "kubeconfig", s.Path)
	return nil
}

func (c *Context) logger() *slog.Logger {
	if c.Logger == nil {
		return logging.Discard()
	}
	return c.Logger
}
