package secrets

import (
	"context"
	"fmt"
	"strings"
)

const secretRefPrefix = "$SECRET:"

// Resolver turns "$SECRET:name" references — a provider API token,
// a run's extra environment variables — into the plaintext value
// backing them, fetched from the store on each call rather than cached.
type Resolver struct {
	store *Store
}

// NewResolver builds a Resolver backed by store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveEnvVars resolves every "$SECRET:" reference in envVars, returning a
// new map the same shape as the input with values that aren't references
// passed through unchanged.
func (r *Resolver) ResolveEnvVars(ctx context.Context, envVars map[string]string) (map[string]string, error) {
	if len(envVars) == 0 {
		return envVars, nil
	}

	resolved := make(map[string]string, len(envVars))
	for k, v := range envVars {
		resolvedValue, err := r.ResolveValue(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", k, err)
		}
		resolved[k] = resolvedValue
	}

	return resolved, nil
}

// ResolveValue resolves value if it is a "$SECRET:name" reference, or
// returns it unchanged otherwise.
func (r *Resolver) ResolveValue(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, secretRefPrefix) {
		return value, nil
	}

	secretName := strings.TrimPrefix(value, secretRefPrefix)
	if secretName == "" {
		return "", fmt.Errorf("empty secret name in reference")
	}

	secretValue, err := r.store.Get(ctx, secretName)
	if err != nil {
		return "", fmt.Errorf("get secret '%s': %w", secretName, err)
	}

	return string(secretValue), nil
}

// IsSecretRef reports whether value is a "$SECRET:name" reference.
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, secretRefPrefix)
}

// ExtractSecretName returns the name portion of a "$SECRET:name" reference,
// or "" if value isn't one.
func ExtractSecretName(value string) string {
	if !strings.HasPrefix(value, secretRefPrefix) {
		return ""
	}
	return strings.TrimPrefix(value, secretRefPrefix)
}

// ListSecretRefs returns the secret names referenced anywhere in envVars'
// values, for logging which secrets a run will touch without logging values.
func ListSecretRefs(envVars map[string]string) []string {
	var refs []string
	for _, v := range envVars {
		if name := ExtractSecretName(v); name != "" {
			refs = append(refs, name)
		}
	}
	return refs
}
