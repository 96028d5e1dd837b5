package secret

import (
	"context"
	"fmt"
)

// SecretTypeCredential resolves values handed in by the caller for a single
// connection, such as a user's OAuth token for a mail or CRM server.
const SecretTypeCredential = "cred"

// CredentialProvider resolves ${cred:name} from an in-memory map.
type CredentialProvider struct {
	creds map[string]string
}

// NewCredentialProvider copies creds so later mutation by the caller is not observed.
func NewCredentialProvider(creds map[string]string) *CredentialProvider {
	copied := make(map[string]string, len(creds))
	for k, v := range creds {
		copied[k] = v
	}
	return &CredentialProvider{creds: copied}
}

func (p *CredentialProvider) CanResolve(secretType string) bool {
	return secretType == SecretTypeCredential
}

func (p *CredentialProvider) Resolve(_ context.Context, ref SecretRef) (string, error) {
	value, ok := p.creds[ref.Name]
	if !ok || value == "" {
		return "", fmt.Errorf("credential %s not provided", ref.Name)
	}
	return value, nil
}

func (p *CredentialProvider) IsAvailable() bool {
	return true
}
