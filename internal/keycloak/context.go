package keycloak

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/logging"
	"github.com/qhub-dev/qhubctl/internal/pipeline"
)

// Context is the identity-provider provider context: it logs in with the
// admin credentials published by the keycloak stage and exposes them to the
// terraform keycloak provider.
type Context struct {
	Options []Option
	Logger  *slog.Logger
}

var _ pipeline.ProviderContext = (*Context)(nil)

// NewContext returns an identity-provider context.
func NewContext(logger *slog.Logger, opts ...Option) *Context {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Context{Options: opts, Logger: logger}
}

// Session is an active admin session.
type Session struct {
	Client *Client
}

// Env returns the terraform keycloak provider variables.
func (s *Session) Env() env.Vars {
	return s.Client.Credentials().Env()
}

// Activate logs in with credential.
func (c *Context) Activate(ctx context.Context, credential any) (pipeline.Handle, error) {
	creds, err := ParseCredentials(credential)
	if err != nil {
		return nil, err
	}
	client := NewClient(creds, c.Options...)
	if err := client.Login(ctx); err != nil {
		return nil, err
	}
	c.logger().Debug("keycloak session opened", "url", creds.URL, "realm", creds.realm())
	return &Session{Client: client}, nil
}

// Deactivate logs the session out.
func (c *Context) Deactivate(ctx context.Context, h pipeline.Handle) error {
	s, ok := h.(*Session)
	if !ok {
		return fmt.Errorf("keycloak: unexpected handle %T", h)
	}
	if err := s.Client.Logout(ctx); err != nil {
		return err
	}
	c.logger().Debug("keycloak session closed", "url", s.Client.Credentials().URL)
	return nil
}

func (c *Context) logger() *slog.Logger {
	if c.Logger == nil {
		return logging.Discard()
	}
	return c.Logger
}
