package secret

import (
	"context"
	"fmt"
)

// NewResolver creates a resolver with the env and keyring providers registered.
func NewResolver() *Resolver {
	r := &Resolver{
		providers: make(map[string]Provider),
	}

	r.RegisterProvider(SecretTypeEnv, NewEnvProvider())
	r.RegisterProvider(SecretTypeKeyring, NewKeyringProvider())

	return r
}

// RegisterProvider registers provider for secretType, replacing any previous one.
func (r *Resolver) RegisterProvider(secretType string, provider Provider) {
	r.providers[secretType] = provider
}

// WithCredentials returns a copy of r that also resolves ${cred:name} from creds.
// The receiver is left untouched so one connection's credentials never become
// visible to another.
func (r *Resolver) WithCredentials(creds map[string]string) *Resolver {
	clone := &Resolver{providers: make(map[string]Provider, len(r.providers)+1)}
	for k, v := range r.providers {
		clone.providers[k] = v
	}
	clone.providers[SecretTypeCredential] = NewCredentialProvider(creds)
	return clone
}

// Resolve resolves a single reference.
func (r *Resolver) Resolve(ctx context.Context, ref SecretRef) (string, error) {
	provider, exists := r.providers[ref.Type]
	if !exists {
		return "", fmt.Errorf("no provider for secret type: %s", ref.Type)
	}

	if !provider.CanResolve(ref.Type) {
		return "", fmt.Errorf("provider cannot resolve secret type: %s", ref.Type)
	}

	if !provider.IsAvailable() {
		return "", fmt.Errorf("provider for %s is not available on this system", ref.Type)
	}

	return provider.Resolve(ctx, ref)
}

// Store persists a secret through the provider for ref.Type.
func (r *Resolver) Store(ctx context.Context, ref SecretRef, value string) error {
	store, err := r.store(ref.Type)
	if err != nil {
		return err
	}
	return store.Store(ctx, ref, value)
}

// Delete removes a secret through the provider for ref.Type.
func (r *Resolver) Delete(ctx context.Context, ref SecretRef) error {
	store, err := r.store(ref.Type)
	if err != nil {
		return err
	}
	return store.Delete(ctx, ref)
}

func (r *Resolver) store(secretType string) (Store, error) {
	provider, exists := r.providers[secretType]
	if !exists {
		return nil, fmt.Errorf("no provider for secret type: %s", secretType)
	}
	if !provider.IsAvailable() {
		return nil, fmt.Errorf("provider for %s is not available on this system", secretType)
	}
	store, ok := provider.(Store)
	if !ok {
		return nil, fmt.Errorf("%s provider does not support storing secrets", secretType)
	}
	return store, nil
}
