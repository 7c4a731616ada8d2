package factory

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/soumantrivedi/ideaforge/llm"
	"github.com/soumantrivedi/ideaforge/types"
	"go.uber.org/zap"
)

// RotationStrategy selects how GetKey picks the next key for a provider.
type RotationStrategy int

const (
	// RotationRoundRobin walks AlternateKeys in order, wrapping around,
	// and falls back to PrimaryKey when no alternates are configured.
	RotationRoundRobin RotationStrategy = iota
)

// CredentialManager owns one ProviderCredential per configured provider and
// keeps the backing ProviderRegistry's client in sync with it. Rotating or
// reloading a credential rebuilds that provider's client through the
// factory and re-Registers it under the same name — ProviderRegistry.Get
// then hands back a new pointer, which is exactly the signal
// orchestrator.Agent.resolveClient uses to detect and log a rebind.
type CredentialManager struct {
	mu sync.Mutex

	registry *llm.ProviderRegistry
	logger   *zap.Logger

	credentials map[string]*types.ProviderCredential
	baseConfigs map[string]ProviderConfig
}

// NewCredentialManager builds a manager bound to registry. It does not
// register any providers by itself; call UpdateKeys once per provider to
// configure and build its initial client.
func NewCredentialManager(registry *llm.ProviderRegistry, logger *zap.Logger) *CredentialManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialManager{
		registry:    registry,
		logger:      logger,
		credentials: make(map[string]*types.ProviderCredential),
		baseConfigs: make(map[string]ProviderConfig),
	}
}

// UpdateKeys replaces the credential set for provider and rebuilds its
// client from base (base.APIKey is ignored; the credential's PrimaryKey
// is used instead). The rebuilt client is registered under provider,
// replacing whatever was there.
func (m *CredentialManager) UpdateKeys(provider string, cred types.ProviderCredential, base ProviderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred.Provider = provider
	cred.Configured = cred.PrimaryKey != "" || len(cred.AlternateKeys) > 0
	m.credentials[provider] = &cred
	m.baseConfigs[provider] = base

	return m.rebuildLocked(provider)
}

// rebuildLocked constructs a fresh client for provider using its stored
// base config and current PrimaryKey, then registers it. Callers must
// hold m.mu.
func (m *CredentialManager) rebuildLocked(provider string) error {
	cred, ok := m.credentials[provider]
	if !ok {
		return fmt.Errorf("provider %q has no configured credential", provider)
	}
	base := m.baseConfigs[provider]
	base.APIKey = cred.PrimaryKey

	p, err := NewProviderFromConfig(provider, base, m.logger)
	if err != nil {
		return fmt.Errorf("failed to build client for provider %q: %w", provider, err)
	}

	m.registry.Register(provider, p)
	m.logger.Info("provider client rebuilt", zap.String("provider", provider))
	return nil
}

// GetClient returns the currently registered client for provider.
func (m *CredentialManager) GetClient(provider string) (llm.Provider, error) {
	p, ok := m.registry.Get(provider)
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", provider)
	}
	return p, nil
}

// GetKey returns the next key to use for provider under strategy and
// advances the rotation cursor. With RotationRoundRobin it walks
// AlternateKeys in order, wrapping around; a provider with no alternates
// always returns PrimaryKey.
func (m *CredentialManager) GetKey(provider string, strategy RotationStrategy) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.credentials[provider]
	if !ok {
		return "", fmt.Errorf("provider %q has no configured credential", provider)
	}

	switch strategy {
	case RotationRoundRobin:
		if len(cred.AlternateKeys) == 0 {
			return cred.PrimaryKey, nil
		}
		key := cred.AlternateKeys[cred.RotationCursor%len(cred.AlternateKeys)]
		cred.RotationCursor = (cred.RotationCursor + 1) % len(cred.AlternateKeys)
		return key, nil
	default:
		return cred.PrimaryKey, nil
	}
}

// ConfiguredProviders lists every provider whose credential holds at least
// one key, sorted for deterministic iteration.
func (m *CredentialManager) ConfiguredProviders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.credentials))
	for name, cred := range m.credentials {
		if cred.Configured {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ReloadFromEnvironment re-reads each configured provider's API key from
// its <PROVIDER>_API_KEY / <PROVIDER>_API_KEYS environment variables (the
// provider name upper-cased, non-alphanumerics turned into underscores)
// and rebuilds any client whose key actually changed. Returns the first
// rebuild error encountered, after attempting every provider.
func (m *CredentialManager) ReloadFromEnvironment() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for provider, cred := range m.credentials {
		envPrefix := envProviderName(provider)
		primary := os.Getenv(envPrefix + "_API_KEY")
		alternates := splitEnvKeys(os.Getenv(envPrefix + "_API_KEYS"))

		if (primary == "" || primary == cred.PrimaryKey) &&
			(len(alternates) == 0 || stringsEqual(alternates, cred.AlternateKeys)) {
			continue
		}

		if primary != "" {
			cred.PrimaryKey = primary
		}
		if len(alternates) > 0 {
			cred.AlternateKeys = alternates
			cred.RotationCursor = 0
		}
		cred.Configured = cred.PrimaryKey != "" || len(cred.AlternateKeys) > 0

		if err := m.rebuildLocked(provider); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func envProviderName(provider string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(provider) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func splitEnvKeys(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
