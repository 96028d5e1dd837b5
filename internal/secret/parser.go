package secret

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var secretRefRegex = regexp.MustCompile(`\$\{([^:}]+):([^}]+)\}`)

// ParseSecretRef parses a single ${type:name} reference.
func ParseSecretRef(input string) (*SecretRef, error) {
	matches := secretRefRegex.FindStringSubmatch(input)
	if len(matches) != 3 {
		return nil, fmt.Errorf("invalid secret reference format: %s", input)
	}

	return &SecretRef{
		Type:     strings.TrimSpace(matches[1]),
		Name:     strings.TrimSpace(matches[2]),
		Original: input,
	}, nil
}

// IsSecretRef reports whether input contains at least one reference.
func IsSecretRef(input string) bool {
	return secretRefRegex.MatchString(input)
}

// FindSecretRefs returns every reference in input, in order of appearance.
func FindSecretRefs(input string) []*SecretRef {
	matches := secretRefRegex.FindAllStringSubmatch(input, -1)
	refs := make([]*SecretRef, 0, len(matches))

	for _, match := range matches {
		refs = append(refs, &SecretRef{
			Type:     strings.TrimSpace(match[1]),
			Name:     strings.TrimSpace(match[2]),
			Original: match[0],
		})
	}

	return refs
}

// ExpandSecretRefs replaces all references in input with resolved values.
func (r *Resolver) ExpandSecretRefs(ctx context.Context, input string) (string, error) {
	if !IsSecretRef(input) {
		return input, nil
	}

	result := input
	for _, ref := range FindSecretRefs(input) {
		value, err := r.Resolve(ctx, *ref)
		if err != nil {
			return "", fmt.Errorf("failed to resolve secret %s: %w", ref.Original, err)
		}
		result = strings.ReplaceAll(result, ref.Original, value)
	}

	return result, nil
}

// MaskSecretValue masks a secret value for display.
func MaskSecretValue(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "****" + value[len(value)-2:]
}
