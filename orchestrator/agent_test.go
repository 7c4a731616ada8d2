package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/soumantrivedi/ideaforge/cache"
	"github.com/soumantrivedi/ideaforge/llm"
	"github.com/soumantrivedi/ideaforge/llm/circuitbreaker"
	"github.com/soumantrivedi/ideaforge/llm/retry"
	"github.com/soumantrivedi/ideaforge/metrics"
	"github.com/soumantrivedi/ideaforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	name        string
	reply       string
	err         error
	delay       time.Duration
	calls       int
	lastRequest *llm.ChatRequest
}

func (s *stubProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.calls++
	s.lastRequest = req
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{
		Model:   req.Model,
		Choices: []llm.ChatChoice{{Message: types.Message{Role: types.RoleAssistant, Content: s.reply}}},
		Usage:   llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *stubProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (s *stubProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) SupportsNativeFunctionCalling() bool { return true }

func (s *stubProvider) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }

func newTestAgent(t *testing.T, provider llm.Provider) *Agent {
	t.Helper()
	registry := llm.NewProviderRegistry()
	registry.Register("stub", provider)

	resolver := NewTierResolver(map[types.ModelTier]TierBinding{
		types.TierStandard: {ProviderName: "stub", ModelID: "stub-model", TokenLimit: 4096},
		types.TierFast:     {ProviderName: "stub", ModelID: "stub-model-fast", TokenLimit: 2048},
	})

	return &Agent{
		Role:     types.RoleIdeation,
		Profile:  Profile{SystemPrompt: "You are the ideation agent."},
		Registry: registry,
		Tiers:    resolver,
		Metrics:  metrics.NewCollector(nextTestNamespace(), zap.NewNop()),
		Logger:   zap.NewNop(),
	}
}

func TestAgent_Process_Success(t *testing.T) {
	provider := &stubProvider{name: "stub", reply: "here are three ideas"}
	agent := newTestAgent(t, provider)

	history := []types.AgentMessage{
		{Role: types.RoleUser, Content: "please can you brainstorm some ideas for a budgeting app"},
	}

	resp, err := agent.Process(context.Background(), history, types.RequestContext{ProductID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "here are three ideas", resp.Content)
	assert.False(t, resp.Metadata.CacheHit)
	assert.Equal(t, 10, resp.Metadata.InputTokens)
	assert.Equal(t, 5, resp.Metadata.OutputTokens)
	assert.Equal(t, 1, provider.calls)
}

func TestAgent_Process_CacheHitSkipsProvider(t *testing.T) {
	provider := &stubProvider{name: "stub", reply: "cached reply"}
	agent := newTestAgent(t, provider)
	agent.Cache = cache.New(cache.Config{Addr: "127.0.0.1:1"}, zap.NewNop())

	history := []types.AgentMessage{{Role: types.RoleUser, Content: "brainstorm ideas"}}
	reqCtx := types.RequestContext{ProductID: "p1"}

	resp1, err := agent.Process(context.Background(), history, reqCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls)

	resp2, err := agent.Process(context.Background(), history, reqCtx)
	require.NoError(t, err)
	assert.True(t, resp2.Metadata.CacheHit)
	assert.Equal(t, resp1.Content, resp2.Content)
	assert.Equal(t, 1, provider.calls) // second call was served from cache
}

func TestAgent_Process_TimeoutYieldsTypedError(t *testing.T) {
	provider := &stubProvider{name: "stub", reply: "too slow", delay: 50 * time.Millisecond}
	agent := newTestAgent(t, provider)
	agent.ResponseTimeout = 5 * time.Millisecond

	history := []types.AgentMessage{{Role: types.RoleUser, Content: "brainstorm ideas"}}
	_, err := agent.Process(context.Background(), history, types.RequestContext{})

	require.Error(t, err)
	te, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrAgentTimeout, te.Code)
}

func TestAgent_Process_NoProviderConfigured(t *testing.T) {
	agent := &Agent{
		Role:     types.RoleIdeation,
		Registry: llm.NewProviderRegistry(),
		Tiers:    NewTierResolver(nil),
		Logger:   zap.NewNop(),
	}

	_, err := agent.Process(context.Background(), nil, types.RequestContext{})
	require.Error(t, err)
	te, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrProviderNotConfigured, te.Code)
}

func TestAgent_Process_AuthFailureSurfacesTyped(t *testing.T) {
	authErr := types.NewError(types.ErrAuthentication, "bad key").WithProvider("stub")
	provider := &stubProvider{name: "stub", err: authErr}
	agent := newTestAgent(t, provider)

	_, err := agent.Process(context.Background(), []types.AgentMessage{{Role: types.RoleUser, Content: "hi"}}, types.RequestContext{})
	require.Error(t, err)
	te, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrProviderAuthFailed, te.Code)
}

func TestAgent_Process_Rebinding(t *testing.T) {
	provider1 := &stubProvider{name: "stub", reply: "v1"}
	agent := newTestAgent(t, provider1)

	_, err := agent.Process(context.Background(), []types.AgentMessage{{Role: types.RoleUser, Content: "hi"}}, types.RequestContext{})
	require.NoError(t, err)

	provider2 := &stubProvider{name: "stub", reply: "v2"}
	agent.Registry.Register("stub", provider2)

	resp, err := agent.Process(context.Background(), []types.AgentMessage{{Role: types.RoleUser, Content: "hi again"}}, types.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "v2", resp.Content)
	assert.Equal(t, 1, provider2.calls)
	assert.Equal(t, 1, provider1.calls)
}

// flakyProvider fails its first failCount calls, then succeeds.
type flakyProvider struct {
	name      string
	failCount int
	calls     int
}

func (p *flakyProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.calls++
	if p.calls <= p.failCount {
		return nil, types.NewError(types.ErrProviderUnavailable, "temporarily unavailable").WithProvider(p.name)
	}
	return &llm.ChatResponse{
		Model:   req.Model,
		Choices: []llm.ChatChoice{{Message: types.Message{Role: types.RoleAssistant, Content: "recovered"}}},
	}, nil
}

func (p *flakyProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (p *flakyProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *flakyProvider) Name() string                                       { return p.name }
func (p *flakyProvider) SupportsNativeFunctionCalling() bool                 { return true }
func (p *flakyProvider) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }

func TestAgent_Invoke_NilGuardsFallThrough(t *testing.T) {
	provider := &stubProvider{name: "stub", reply: "direct"}
	agent := newTestAgent(t, provider)
	require.Nil(t, agent.Breaker)
	require.Nil(t, agent.Retryer)

	resp, err := agent.Process(context.Background(), []types.AgentMessage{{Role: types.RoleUser, Content: "hi"}}, types.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "direct", resp.Content)
}

func TestAgent_Invoke_RetryerRecoversTransientFailure(t *testing.T) {
	provider := &flakyProvider{name: "stub", failCount: 2}
	agent := newTestAgent(t, provider)
	agent.Retryer = retry.NewBackoffRetryer(&retry.RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   1,
	}, zap.NewNop())

	resp, err := agent.Process(context.Background(), []types.AgentMessage{{Role: types.RoleUser, Content: "hi"}}, types.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 3, provider.calls)
}

func TestAgent_Invoke_BreakerOpensAfterThreshold(t *testing.T) {
	provider := &stubProvider{name: "stub", err: types.NewError(types.ErrProviderUnavailable, "down").WithProvider("stub")}
	agent := newTestAgent(t, provider)
	agent.Breaker = circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
		Threshold:        2,
		Timeout:          time.Second,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := agent.Process(context.Background(), []types.AgentMessage{{Role: types.RoleUser, Content: "hi"}}, types.RequestContext{})
		require.Error(t, err)
	}
	assert.Equal(t, 2, provider.calls)

	_, err := agent.Process(context.Background(), []types.AgentMessage{{Role: types.RoleUser, Content: "hi"}}, types.RequestContext{})
	require.Error(t, err)
	assert.Equal(t, 2, provider.calls, "breaker must short-circuit the third call without reaching the provider")
}
