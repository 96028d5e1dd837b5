package secret

import (
	"context"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName is the keyring service all entries are stored under.
	ServiceName       = "mcpagent"
	SecretTypeKeyring = "keyring"
)

// KeyringProvider resolves secrets from the OS keyring (Keychain, Secret Service, WinCred).
type KeyringProvider struct {
	serviceName string
}

func NewKeyringProvider() *KeyringProvider {
	return &KeyringProvider{serviceName: ServiceName}
}

func (p *KeyringProvider) CanResolve(secretType string) bool {
	return secretType == SecretTypeKeyring
}

func (p *KeyringProvider) Resolve(_ context.Context, ref SecretRef) (string, error) {
	value, err := keyring.Get(p.serviceName, ref.Name)
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s from keyring: %w", ref.Name, err)
	}
	return value, nil
}

func (p *KeyringProvider) Store(_ context.Context, ref SecretRef, value string) error {
	if err := keyring.Set(p.serviceName, ref.Name, value); err != nil {
		return fmt.Errorf("failed to store secret %s in keyring: %w", ref.Name, err)
	}
	return nil
}

func (p *KeyringProvider) Delete(_ context.Context, ref SecretRef) error {
	if err := keyring.Delete(p.serviceName, ref.Name); err != nil {
		return fmt.Errorf("failed to delete secret %s from keyring: %w", ref.Name, err)
	}
	return nil
}

// IsAvailable always reports true; an unusable keyring surfaces on Resolve.
func (p *KeyringProvider) IsAvailable() bool {
	return true
}
