package secret

import (
	"context"
)

// SecretRef is a parsed ${type:name} reference.
type SecretRef struct {
	Type     string // env, keyring, cred
	Name     string
	Original string
}

// Provider resolves references of a single type.
type Provider interface {
	CanResolve(secretType string) bool
	Resolve(ctx context.Context, ref SecretRef) (string, error)
	IsAvailable() bool
}

// Store is implemented by providers that can persist secrets.
type Store interface {
	Store(ctx context.Context, ref SecretRef, value string) error
	Delete(ctx context.Context, ref SecretRef) error
}

// Resolver dispatches references to the provider registered for their type.
type Resolver struct {
	providers map[string]Provider
}
