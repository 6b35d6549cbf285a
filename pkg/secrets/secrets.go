// Package secrets resolves tool credential names to values at call time.
// Secret values never appear in manifests, decisions, traces, or records;
// only the secret name travels through policy.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Provider resolves a secret by its manifest-declared name.
type Provider interface {
	Get(name string) (string, error)
}

// EnvProvider reads secrets from the process environment. A secret named
// "stripe_key" resolves from AGENTGATE_SECRET_STRIPE_KEY.
type EnvProvider struct {
	Prefix string
}

// NewEnvProvider creates a provider with the default prefix.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{Prefix: "AGENTGATE_SECRET_"}
}

func (p *EnvProvider) Get(name string) (string, error) {
	key := p.Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", fmt.Errorf("secrets: %q not configured", name)
	}
	return value, nil
}

// StaticProvider serves secrets from a fixed map. Test use only.
type StaticProvider map[string]string

func (p StaticProvider) Get(name string) (string, error) {
	value, ok := p[name]
	if !ok {
		return "", fmt.Errorf("secrets: %q not configured", name)
	}
	return value, nil
}
