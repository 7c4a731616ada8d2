// Package orchestrator implements the Agent, KnowledgeAgent, ContextBuilder,
// Coordinator and IntegrationAgent components (C4-C7, C10) of the
// multi-agent runtime.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/soumantrivedi/ideaforge/cache"
	"github.com/soumantrivedi/ideaforge/llm"
	"github.com/soumantrivedi/ideaforge/llm/circuitbreaker"
	"github.com/soumantrivedi/ideaforge/llm/retry"
	"github.com/soumantrivedi/ideaforge/metrics"
	"github.com/soumantrivedi/ideaforge/types"
	"go.uber.org/zap"
)

const (
	defaultMaxHistoryRuns    = 5
	defaultAgentTimeout      = 30 * time.Minute
	defaultResponseCacheTTL  = time.Hour
)

// ResponseMetadata mirrors the teacher's provider adapters' usage reporting,
// extended with the fields the Agent pipeline is required to stamp.
type ResponseMetadata struct {
	ProcessingTime time.Duration
	InputTokens    int
	OutputTokens   int
	CacheHit       bool
	ToolCalls      int
	Extra          map[string]string
}

// Response is what Agent.Process returns: one role-tagged, timestamped
// completion.
type Response struct {
	Role      types.AgentRole
	Content   string
	Metadata  ResponseMetadata
	Timestamp time.Time
}

// boundClient is the Agent's lazily-resolved model binding. Equality of the
// provider pointer across calls to resolveClient is how rebinding is
// detected — the ProviderRegistry hands back the same Provider value until
// it is re-Registered with freshly keyed client, at which point Get returns
// a different pointer and the Agent treats itself as Rebound.
type boundClient struct {
	provider llm.Provider
	binding  TierBinding
}

// Agent is the C4 component: one specialised, model-backed worker. It holds
// no identity beyond its Role and is safe to reuse across concurrent
// requests — all per-call state lives on the stack of Process.
type Agent struct {
	Role    types.AgentRole
	Profile Profile

	Registry *llm.ProviderRegistry
	Cache    *cache.ResponseCache
	Metrics  *metrics.Collector
	Tiers    *TierResolver

	// Breaker and Retryer guard the provider invocation in step 7. Either
	// or both may be nil, in which case that guard is skipped and the call
	// falls through to a direct provider.Completion — this keeps existing
	// callers and tests that build an Agent without them working unchanged.
	Breaker circuitbreaker.CircuitBreaker
	Retryer retry.Retryer

	// Tier is the model tier this agent normally runs at. Coordinator may
	// request a different tier per call (tier escalation, phase-form-help
	// fast path) by passing it explicitly to ProcessWithTier.
	Tier types.ModelTier

	MaxHistoryRuns int
	ResponseTimeout time.Duration
	CacheTTL        time.Duration

	Logger *zap.Logger

	mu    sync.Mutex
	bound *boundClient
}

// Profile is the static, never-mutated description of one agent role: its
// base system prompt and the capability vocabulary Coordinator's routing
// scorer matches query tokens against.
type Profile struct {
	SystemPrompt         string
	CapabilityVocabulary []string
}

func (a *Agent) effectiveHistoryK() int {
	if a.MaxHistoryRuns > 0 {
		return a.MaxHistoryRuns
	}
	return defaultMaxHistoryRuns
}

func (a *Agent) effectiveTimeout() time.Duration {
	if a.ResponseTimeout > 0 {
		return a.ResponseTimeout
	}
	return defaultAgentTimeout
}

func (a *Agent) effectiveCacheTTL() time.Duration {
	if a.CacheTTL > 0 {
		return a.CacheTTL
	}
	return defaultResponseCacheTTL
}

// Process runs the full 11-step pipeline at the agent's configured tier.
func (a *Agent) Process(ctx context.Context, history []types.AgentMessage, reqCtx types.RequestContext) (Response, error) {
	tier := a.Tier
	if tier == "" {
		tier = types.TierStandard
	}
	return a.ProcessWithTier(ctx, history, reqCtx, tier)
}

// ProcessWithTier runs the pipeline at an explicitly chosen tier, letting
// the Coordinator implement tier escalation and the fast-path's
// temporary Fast-tier binding without mutating the Agent's own Tier field.
func (a *Agent) ProcessWithTier(ctx context.Context, history []types.AgentMessage, reqCtx types.RequestContext, tier types.ModelTier) (Response, error) {
	start := time.Now()

	// Steps 1-2: lazy init + key refresh, collapsed into one
	// identity-comparing resolve (see boundClient's doc comment).
	provider, binding, err := a.resolveClient(tier)
	if err != nil {
		return Response{}, err
	}

	// Step 3: cache probe.
	cacheKey := cache.NewKey(a.Role, tier, history, reqCtx, a.effectiveHistoryK())
	if a.Cache != nil {
		if cached, ok := a.Cache.Get(ctx, cacheKey); ok {
			a.recordMetrics(0, true, 0, 0, 0)
			return Response{
				Role:      a.Role,
				Content:   cached.Content,
				Metadata:  ResponseMetadata{CacheHit: true, ProcessingTime: 0},
				Timestamp: time.Now(),
			}, nil
		}
	}

	// Step 4: context enrichment. Builds an addendum rather than mutating
	// a.Profile.SystemPrompt — see renderSystemPrompt's doc comment for why
	// step 11 ("restore") is a no-op in this implementation.
	systemPrompt := a.renderSystemPrompt(reqCtx)

	// Step 5: message compaction.
	compacted := compactHistory(history, a.effectiveHistoryK())

	// Step 6: query rewriting, applied only to the most recent user turn.
	compacted = rewriteLastUserMessage(compacted)

	messages := buildChatMessages(systemPrompt, compacted)

	// Step 7: invocation under a hard timeout.
	callCtx, cancel := context.WithTimeout(ctx, a.effectiveTimeout())
	defer cancel()

	req := &llm.ChatRequest{
		Model:     binding.ModelID,
		Messages:  messages,
		MaxTokens: binding.TokenLimit,
	}

	resp, callErr := a.invoke(callCtx, provider, req)
	dur := time.Since(start)

	if callErr != nil {
		// Step 8: timeout handling.
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			a.recordMetrics(dur, false, 0, 0, 0)
			return Response{}, types.NewError(types.ErrAgentTimeout,
				fmt.Sprintf("%s agent timed out after %s", a.Role, a.effectiveTimeout())).
				WithRetryable(false)
		}
		a.recordMetrics(dur, false, 0, 0, 0)
		return Response{}, classifyProviderError(a.Role, callErr)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	// Step 9: metrics, regardless of outcome (success path here).
	a.recordMetrics(dur, false, 0, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	// Step 10: cache store. Cache write failures are logged and ignored,
	// matching the failure semantics table.
	if a.Cache != nil {
		a.Cache.Set(ctx, cacheKey, types.CachedResponse{
			Role:    a.Role,
			Content: content,
		}, a.effectiveCacheTTL())
	}

	// Step 11: restore. renderSystemPrompt never mutated a.Profile, so
	// there is nothing to restore — the agent's base instructions were
	// never replaced in the first place.

	return Response{
		Role:    a.Role,
		Content: content,
		Metadata: ResponseMetadata{
			ProcessingTime: dur,
			InputTokens:    resp.Usage.PromptTokens,
			OutputTokens:   resp.Usage.CompletionTokens,
			CacheHit:       false,
		},
		Timestamp: time.Now(),
	}, nil
}

// invoke runs the provider call, wrapping it with the circuit breaker
// (innermost, so an open circuit fails fast before any retry delay) and
// then the retryer (outermost, so each retry attempt re-enters the
// breaker and counts toward its failure tally). A nil Breaker or Retryer
// is skipped rather than substituted with a no-op, so the zero-value
// Agent still makes a plain, unguarded call.
func (a *Agent) invoke(ctx context.Context, provider llm.Provider, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	call := func() (*llm.ChatResponse, error) {
		return provider.Completion(ctx, req)
	}

	if a.Breaker != nil {
		inner := call
		call = func() (*llm.ChatResponse, error) {
			return circuitbreaker.CallWithResultTyped(a.Breaker, ctx, inner)
		}
	}

	if a.Retryer != nil {
		inner := call
		call = func() (*llm.ChatResponse, error) {
			return retry.DoWithResultTyped(a.Retryer, ctx, inner)
		}
	}

	return call()
}

func (a *Agent) resolveClient(tier types.ModelTier) (llm.Provider, TierBinding, error) {
	if a.Tiers == nil || a.Registry == nil {
		return nil, TierBinding{}, types.NewError(types.ErrProviderNotConfigured, "agent has no provider registry configured")
	}

	binding, err := a.Tiers.Resolve(tier)
	if err != nil {
		return nil, TierBinding{}, types.NewError(types.ErrProviderNotConfigured, err.Error())
	}

	provider, ok := a.Registry.Get(binding.ProviderName)
	if !ok {
		return nil, TierBinding{}, types.NewError(types.ErrProviderNotConfigured,
			fmt.Sprintf("provider %q is not registered", binding.ProviderName))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bound == nil || a.bound.provider != provider {
		if a.bound != nil && a.Logger != nil {
			a.Logger.Info("agent rebinding to refreshed provider client",
				zap.String("agent_role", string(a.Role)),
				zap.String("provider", binding.ProviderName))
		}
		a.bound = &boundClient{provider: provider, binding: binding}
	}
	return a.bound.provider, a.bound.binding, nil
}

func (a *Agent) recordMetrics(dur time.Duration, cacheHit bool, toolCalls, inputTokens, outputTokens int) {
	if a.Metrics == nil {
		return
	}
	a.Metrics.RecordCall(a.Role, dur, cacheHit, toolCalls, inputTokens, outputTokens)
}

// classifyProviderError maps a raw provider error onto the Agent's failure
// taxonomy. Provider adapters already return *types.Error for the auth and
// network cases; anything else is wrapped as an unavailable provider so the
// Coordinator's partial-failure policy always has a typed error to inspect.
func classifyProviderError(role types.AgentRole, err error) error {
	var te *types.Error
	if errors.As(err, &te) {
		switch te.Code {
		case types.ErrAuthentication, types.ErrUnauthorized, types.ErrForbidden:
			return types.NewError(types.ErrProviderAuthFailed, te.Message).WithCause(err).WithProvider(te.Provider)
		}
		return te
	}
	return types.NewError(types.ErrProviderUnavailable,
		fmt.Sprintf("%s agent provider call failed", role)).WithCause(err).WithRetryable(true)
}

// renderSystemPrompt builds the system prompt for one call: the agent's
// base profile prompt, plus — when context is non-empty — an enrichment
// section describing what context categories are available and an
// instruction to use them. This is a pure function of (profile, reqCtx); it
// never writes back to a.Profile, which is the Open Question decision that
// makes step 11's "restore" a no-op (see ProcessWithTier).
func (a *Agent) renderSystemPrompt(reqCtx types.RequestContext) string {
	base := a.Profile.SystemPrompt
	addendum := contextAddendum(reqCtx)
	if addendum == "" {
		return base
	}
	return base + "\n\n" + addendum
}

func contextAddendum(reqCtx types.RequestContext) string {
	if len(reqCtx.ConversationHistory) == 0 && len(reqCtx.FormData) == 0 &&
		reqCtx.PhaseName == "" && len(reqCtx.KnowledgeSnippets) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Context available for this turn:\n")
	b.WriteString(fmt.Sprintf("- conversation history: %d prior message(s)\n", len(reqCtx.ConversationHistory)))
	if reqCtx.PhaseName != "" {
		b.WriteString(fmt.Sprintf("- current phase: %s\n", reqCtx.PhaseName))
	}
	if len(reqCtx.FormData) > 0 {
		b.WriteString(fmt.Sprintf("- filled form fields: %d\n", len(reqCtx.FormData)))
	}
	if len(reqCtx.KnowledgeSnippets) > 0 {
		b.WriteString(fmt.Sprintf("- retrieved knowledge snippets: %d\n", len(reqCtx.KnowledgeSnippets)))
	}
	b.WriteString("Reference these details explicitly where relevant; do not ask the user to repeat information already provided above.")
	return b.String()
}

func rewriteLastUserMessage(history []types.AgentMessage) []types.AgentMessage {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == types.RoleUser {
			rewritten := append([]types.AgentMessage{}, history...)
			rewritten[i].Content = rewriteQuery(rewritten[i].Content)
			return rewritten
		}
	}
	return history
}

func buildChatMessages(systemPrompt string, history []types.AgentMessage) []types.Message {
	messages := make([]types.Message, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, types.Message{Role: types.RoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		messages = append(messages, types.Message{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
	}
	return messages
}
