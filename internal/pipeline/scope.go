package pipeline

import (
	"context"
	"fmt"
)

// ProviderContext activates access to a provisioned system from a credential
// produced by an earlier stage.
type ProviderContext interface {
	Activate(ctx context.Context, credential any) (Handle, error)
	Deactivate(ctx context.Context, h Handle) error
}

// CredentialScope reads a credential out of an earlier stage's outputs and
// keeps a provider context active while later operations run.
type CredentialScope struct {
	// Source is the id of the stage producing the credential.
	Source string
	// Path locates the credential inside Source's outputs.
	Path []string
	// Provider activates the context.
	Provider ProviderContext
}

// Enter resolves the credential from view and activates the provider context.
func (s *CredentialScope) Enter(ctx context.Context, view View) (Handle, error) {
	credential, err := view.Lookup(s.Source, s.Path...)
	if err != nil {
		return nil, err
	}
	if s.Provider == nil {
		return nil, fmt.Errorf("scope on %s has no provider context", s.Source)
	}
	h, err := s.Provider.Activate(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("activate provider context from %s: %w", s.Source, err)
	}
	return h, nil
}

// Exit deactivates the provider context.
func (s *CredentialScope) Exit(ctx context.Context, h Handle) error {
	if s.Provider == nil || h == nil {
		return nil
	}
	return s.Provider.Deactivate(ctx, h)
}
