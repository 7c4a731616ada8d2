package factory

import (
	"os"
	"testing"

	"github.com/soumantrivedi/ideaforge/llm"
	"github.com/soumantrivedi/ideaforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// CredentialManager Tests
// =============================================================================

func TestCredentialManager_UpdateKeysRegistersClient(t *testing.T) {
	reg := llm.NewProviderRegistry()
	mgr := NewCredentialManager(reg, zap.NewNop())

	err := mgr.UpdateKeys("openai", types.ProviderCredential{PrimaryKey: "sk-primary"}, ProviderConfig{})
	require.NoError(t, err)

	client, err := mgr.GetClient("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", client.Name())

	got, ok := reg.Get("openai")
	require.True(t, ok)
	assert.Same(t, client, got)
}

func TestCredentialManager_UpdateKeysRebindsClientPointer(t *testing.T) {
	reg := llm.NewProviderRegistry()
	mgr := NewCredentialManager(reg, zap.NewNop())

	require.NoError(t, mgr.UpdateKeys("openai", types.ProviderCredential{PrimaryKey: "sk-one"}, ProviderConfig{}))
	first, _ := mgr.GetClient("openai")

	require.NoError(t, mgr.UpdateKeys("openai", types.ProviderCredential{PrimaryKey: "sk-two"}, ProviderConfig{}))
	second, _ := mgr.GetClient("openai")

	assert.NotSame(t, first, second, "rotating keys must rebuild the client so callers observe a new pointer")
}

func TestCredentialManager_GetClientUnknownProvider(t *testing.T) {
	mgr := NewCredentialManager(llm.NewProviderRegistry(), zap.NewNop())
	_, err := mgr.GetClient("nonexistent")
	assert.Error(t, err)
}

func TestCredentialManager_GetKeyRoundRobinIsFair(t *testing.T) {
	reg := llm.NewProviderRegistry()
	mgr := NewCredentialManager(reg, zap.NewNop())

	cred := types.ProviderCredential{
		PrimaryKey:    "sk-primary",
		AlternateKeys: []string{"sk-alt-1", "sk-alt-2", "sk-alt-3"},
	}
	require.NoError(t, mgr.UpdateKeys("openai", cred, ProviderConfig{}))

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		key, err := mgr.GetKey("openai", RotationRoundRobin)
		require.NoError(t, err)
		seen[key]++
	}

	assert.Equal(t, 3, seen["sk-alt-1"])
	assert.Equal(t, 3, seen["sk-alt-2"])
	assert.Equal(t, 3, seen["sk-alt-3"])
	assert.Zero(t, seen["sk-primary"], "primary key is never handed out while alternates exist")
}

func TestCredentialManager_GetKeyFallsBackToPrimaryWithoutAlternates(t *testing.T) {
	reg := llm.NewProviderRegistry()
	mgr := NewCredentialManager(reg, zap.NewNop())

	require.NoError(t, mgr.UpdateKeys("openai", types.ProviderCredential{PrimaryKey: "sk-only"}, ProviderConfig{}))

	for i := 0; i < 3; i++ {
		key, err := mgr.GetKey("openai", RotationRoundRobin)
		require.NoError(t, err)
		assert.Equal(t, "sk-only", key)
	}
}

func TestCredentialManager_GetKeyUnknownProvider(t *testing.T) {
	mgr := NewCredentialManager(llm.NewProviderRegistry(), zap.NewNop())
	_, err := mgr.GetKey("nonexistent", RotationRoundRobin)
	assert.Error(t, err)
}

func TestCredentialManager_ConfiguredProviders(t *testing.T) {
	reg := llm.NewProviderRegistry()
	mgr := NewCredentialManager(reg, zap.NewNop())

	require.NoError(t, mgr.UpdateKeys("openai", types.ProviderCredential{PrimaryKey: "sk-test"}, ProviderConfig{}))
	require.NoError(t, mgr.UpdateKeys("anthropic", types.ProviderCredential{PrimaryKey: "sk-test"}, ProviderConfig{}))
	require.NoError(t, mgr.UpdateKeys("gemini", types.ProviderCredential{}, ProviderConfig{}))

	assert.ElementsMatch(t, []string{"openai", "anthropic"}, mgr.ConfiguredProviders())
}

func TestCredentialManager_ReloadFromEnvironmentRebuildsChangedKey(t *testing.T) {
	reg := llm.NewProviderRegistry()
	mgr := NewCredentialManager(reg, zap.NewNop())

	require.NoError(t, mgr.UpdateKeys("openai", types.ProviderCredential{PrimaryKey: "sk-initial"}, ProviderConfig{}))
	before, _ := mgr.GetClient("openai")

	t.Setenv("OPENAI_API_KEY", "sk-rotated")
	require.NoError(t, mgr.ReloadFromEnvironment())

	after, _ := mgr.GetClient("openai")
	assert.NotSame(t, before, after)

	key, err := mgr.GetKey("openai", RotationRoundRobin)
	require.NoError(t, err)
	assert.Equal(t, "sk-rotated", key)
}

func TestCredentialManager_ReloadFromEnvironmentSkipsUnchangedKey(t *testing.T) {
	reg := llm.NewProviderRegistry()
	mgr := NewCredentialManager(reg, zap.NewNop())

	os.Unsetenv("OPENAI_API_KEY")
	os.Unsetenv("OPENAI_API_KEYS")
	require.NoError(t, mgr.UpdateKeys("openai", types.ProviderCredential{PrimaryKey: "sk-stable"}, ProviderConfig{}))
	before, _ := mgr.GetClient("openai")

	require.NoError(t, mgr.ReloadFromEnvironment())

	after, _ := mgr.GetClient("openai")
	assert.Same(t, before, after, "no rebuild should happen when the environment key is unchanged")
}

func TestCredentialManager_ReloadFromEnvironmentParsesMultipleKeys(t *testing.T) {
	reg := llm.NewProviderRegistry()
	mgr := NewCredentialManager(reg, zap.NewNop())

	require.NoError(t, mgr.UpdateKeys("openai", types.ProviderCredential{PrimaryKey: "sk-primary"}, ProviderConfig{}))

	t.Setenv("OPENAI_API_KEYS", "sk-a, sk-b ,sk-c")
	require.NoError(t, mgr.ReloadFromEnvironment())

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		key, err := mgr.GetKey("openai", RotationRoundRobin)
		require.NoError(t, err)
		seen[key] = true
	}
	assert.True(t, seen["sk-a"])
	assert.True(t, seen["sk-b"])
	assert.True(t, seen["sk-c"])
}

func TestCredentialManager_NilLogger(t *testing.T) {
	mgr := NewCredentialManager(llm.NewProviderRegistry(), nil)
	require.NoError(t, mgr.UpdateKeys("openai", types.ProviderCredential{PrimaryKey: "sk-test"}, ProviderConfig{}))
}

func TestEnvProviderName(t *testing.T) {
	assert.Equal(t, "OPENAI", envProviderName("openai"))
	assert.Equal(t, "GEMINI_VERTEX", envProviderName("gemini-vertex"))
	assert.Equal(t, "OPENAI_COMPAT", envProviderName("openai.compat"))
}

func TestSplitEnvKeys(t *testing.T) {
	assert.Nil(t, splitEnvKeys(""))
	assert.Equal(t, []string{"a", "b"}, splitEnvKeys("a,b"))
	assert.Equal(t, []string{"a", "b"}, splitEnvKeys(" a , b ,"))
}
