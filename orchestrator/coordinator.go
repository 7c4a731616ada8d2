package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soumantrivedi/ideaforge/internal/channel"
	"github.com/soumantrivedi/ideaforge/internal/pool"
	"github.com/soumantrivedi/ideaforge/intent"
	"github.com/soumantrivedi/ideaforge/types"
	"go.uber.org/zap"
)

// Processor is satisfied by Agent, KnowledgeAgent and IntegrationAgent.
// Coordinator dispatches to agents through this interface; it looks at the
// concrete agent type only to read a capability vocabulary (see
// capabilityVocabulary) and to apply tier escalation to an *Agent primary.
type Processor interface {
	Process(ctx context.Context, history []types.AgentMessage, reqCtx types.RequestContext) (Response, error)
}

const (
	knowledgeProgressStart = 0.1
	knowledgeProgressEnd   = 0.2
	supportingProgressLo   = 0.3
	supportingProgressHi   = 0.7
	primaryProgressStart   = 0.8
	primaryProgressEnd     = 0.95
	completeProgress       = 1.0

	lowConfidenceThreshold = 0.3
	defaultFallbackConfidence = 0.5
)

// phaseRoleMap is the fixed PhaseName -> primary-role mapping from the
// routing policy. "Design" is handled separately (best-of scoring over a
// fixed candidate set) and so is absent here.
var phaseRoleMap = map[string]types.AgentRole{
	"Market Research": types.RoleResearch,
	"Requirements":    types.RoleRequirements,
	"Ideation":        types.RoleIdeation,
	"Strategy":        types.RoleStrategy,
	"Analysis":        types.RoleAnalysis,
	"Validation":      types.RoleValidation,
}

var designCandidates = []types.AgentRole{types.RoleIdeation, types.RoleRequirements, types.RoleResearch}

type keywordRule struct {
	role     types.AgentRole
	keywords []string
}

var supportingKeywordRules = []keywordRule{
	{role: types.RoleResearch, keywords: []string{"research", "market", "competitive", "trend"}},
	{role: types.RoleAnalysis, keywords: []string{"analyze", "swot", "feasibility", "risk"}},
	{role: types.RoleIntegration, keywords: []string{"confluence", "jira", "repo", "publish"}},
	{role: types.RoleExport, keywords: []string{"export", "prd", "document"}},
	{role: types.RoleIdeation, keywords: ideationVocabulary},
}

// Request is one Coordinator invocation.
type Request struct {
	Query          string
	PrimaryAgent   types.AgentRole // RoleAgentUnknown ("") means unset
	PhaseName      string
	ResponseLength string // "", "short", "verbose"
	Context        types.RequestContext
}

// Coordinator is the C7 component.
type Coordinator struct {
	Gate           *intent.Gate
	ContextBuilder *ContextBuilder
	Agents         map[types.AgentRole]Processor
	Tiers          *TierResolver
	TierEscalation bool
	Logger         *zap.Logger

	// Pool bounds the concurrency of the supporting-agent fan-out in
	// runSupporting. Nil falls back to one unbounded goroutine per
	// supporting role, matching the original behavior.
	Pool *pool.GoroutinePool
}

// NewCoordinator builds a Coordinator. agents must be keyed by the closed
// AgentRole enum; Coordinator never registers a role dynamically at
// runtime, only reads from the map built at wiring time.
func NewCoordinator(gate *intent.Gate, cb *ContextBuilder, agents map[types.AgentRole]Processor, tiers *TierResolver, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		Gate:           gate,
		ContextBuilder: cb,
		Agents:         agents,
		Tiers:          tiers,
		Logger:         logger.With(zap.String("component", "coordinator")),
	}
}

// Stream runs the full routing/execution/streaming pipeline and returns the
// event channel. The underlying queue is a TunableChannel sized by
// channel.DefaultTunableConfig and grows under sustained backpressure
// (see its Tune); the channel is closed after the terminal Complete (or a
// terminal Error with no prior chunks) event is sent.
func (c *Coordinator) Stream(ctx context.Context, req Request) <-chan types.StreamEvent {
	out := channel.NewTunableChannel[types.StreamEvent](channel.DefaultTunableConfig())
	go c.run(ctx, req, out)
	return out.Chan()
}

// emitter serialises Seq assignment across the possibly-concurrent
// goroutines that send on the same output channel during the
// supporting-agent fan-out. Send honors ctx cancellation instead of
// blocking forever on an abandoned stream.
type emitter struct {
	ctx context.Context
	out *channel.TunableChannel[types.StreamEvent]
	seq uint64
}

func (e *emitter) emit(ev types.StreamEvent) {
	ev.Seq = atomic.AddUint64(&e.seq, 1)
	_ = e.out.Send(e.ctx, ev)
}

func (c *Coordinator) run(ctx context.Context, req Request, out *channel.TunableChannel[types.StreamEvent]) {
	defer out.Close()
	e := &emitter{ctx: ctx, out: out}

	// 1. IntentGate check — the cheap path.
	decision := c.Gate.Classify(req.Query, req.Context.ConversationHistory, req.PhaseName)
	if !decision.Proceed {
		e.emit(types.StreamEvent{Kind: types.EventComplete, Final: decision.SuggestedReply, Progress: completeProgress})
		return
	}

	primaryRole, _ := c.selectPrimary(req)
	primary, ok := c.Agents[primaryRole]
	if !ok {
		e.emit(types.StreamEvent{Kind: types.EventError, Role: primaryRole, ErrorType: string(types.ErrProviderNotConfigured),
			Error: types.NewError(types.ErrProviderNotConfigured, fmt.Sprintf("no agent registered for role %q", primaryRole))})
		return
	}

	supportingRoles := c.selectSupporting(req, primaryRole)

	var interactions []types.Interaction
	contributions := map[types.AgentRole]string{}

	// Knowledge runs first, sequentially, outside the parallel fan-out.
	remaining := supportingRoles
	if containsRole(supportingRoles, types.RoleKnowledge) {
		remaining = removeRole(supportingRoles, types.RoleKnowledge)
		if knowledgeText, interaction, ok := c.runKnowledge(ctx, e, req); ok {
			contributions[types.RoleKnowledge] = knowledgeText
			interactions = append(interactions, interaction)
		}
	}

	if ctx.Err() != nil {
		return
	}

	// Remaining supporting agents run in parallel.
	supportInteractions := c.runSupporting(ctx, e, req, remaining, contributions)
	interactions = append(interactions, supportInteractions...)

	if ctx.Err() != nil {
		return
	}

	// Primary synthesis, last.
	finalText, primaryInteraction, err := c.runPrimary(ctx, e, req, primaryRole, primary, remaining, contributions)
	if err != nil {
		e.emit(types.StreamEvent{Kind: types.EventError, Role: primaryRole, ErrorType: string(types.GetErrorCode(err)), Error: asTypesError(err)})
		return
	}
	interactions = append(interactions, primaryInteraction)

	finalText = enforceResponseLength(finalText, req.ResponseLength)

	e.emit(types.StreamEvent{
		Kind:         types.EventComplete,
		Final:        finalText,
		Interactions: interactions,
		Progress:     completeProgress,
	})
}

func asTypesError(err error) *types.Error {
	if te, ok := err.(*types.Error); ok {
		return te
	}
	return types.NewError(types.ErrInternalError, err.Error())
}

// selectPrimary implements step 2 of the routing policy.
func (c *Coordinator) selectPrimary(req Request) (types.AgentRole, float64) {
	if req.PrimaryAgent != "" {
		return req.PrimaryAgent, 1.0
	}

	if req.PhaseName == "Design" {
		role, score := bestOf(req.Query, designCandidates, c.Agents)
		if score >= lowConfidenceThreshold {
			return role, score
		}
		return types.RoleIdeation, defaultFallbackConfidence
	}

	if role, ok := phaseRoleMap[req.PhaseName]; ok {
		return role, 1.0
	}

	role, score := bestOf(req.Query, types.AllAgentRoles(), c.Agents)
	if score < lowConfidenceThreshold {
		return types.RoleIdeation, defaultFallbackConfidence
	}
	return role, score
}

// bestOf scores every candidate role that has a registered Processor
// (vocabulary from *Agent, *KnowledgeAgent or *IntegrationAgent; any other
// Processor scores 0) and returns the highest-scoring role, ties broken
// alphabetically by role name.
func bestOf(query string, candidates []types.AgentRole, agents map[types.AgentRole]Processor) (types.AgentRole, float64) {
	type scored struct {
		role  types.AgentRole
		score float64
	}
	var results []scored
	for _, role := range candidates {
		proc, ok := agents[role]
		if !ok {
			continue
		}
		vocab := capabilityVocabulary(proc)
		results = append(results, scored{role: role, score: capabilityScore(query, vocab)})
	}
	if len(results) == 0 {
		return types.RoleIdeation, 0
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].role < results[j].role
	})
	return results[0].role, results[0].score
}

func capabilityVocabulary(proc Processor) []string {
	switch a := proc.(type) {
	case *Agent:
		return a.Profile.CapabilityVocabulary
	case *KnowledgeAgent:
		return a.Profile.CapabilityVocabulary
	case *IntegrationAgent:
		return a.Profile.CapabilityVocabulary
	default:
		return nil
	}
}

// capabilityScore is the fraction of an agent's declared capability
// vocabulary that appears in the query, case-insensitively.
func capabilityScore(query string, vocabulary []string) float64 {
	if len(vocabulary) == 0 {
		return 0
	}
	lower := strings.ToLower(query)
	matches := 0
	for _, term := range vocabulary {
		if strings.Contains(lower, strings.ToLower(term)) {
			matches++
		}
	}
	return float64(matches) / float64(len(vocabulary))
}

// selectSupporting implements step 3 of the routing policy.
func (c *Coordinator) selectSupporting(req Request, primaryRole types.AgentRole) []types.AgentRole {
	var roles []types.AgentRole
	if primaryRole != types.RoleKnowledge {
		roles = append(roles, types.RoleKnowledge)
	}

	lower := strings.ToLower(req.Query)
	for _, rule := range supportingKeywordRules {
		if rule.role == primaryRole {
			continue
		}
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				roles = append(roles, rule.role)
				break
			}
		}
	}

	// Phase override: prevent Ideation leaking into non-ideation phases.
	if req.PhaseName != "" && !isIdeationLikePhase(req.PhaseName) && !ContainsIdeationVocabulary(req.Query) {
		roles = removeRole(roles, types.RoleIdeation)
	}

	return dedupeRoles(roles)
}

func isIdeationLikePhase(phase string) bool {
	return strings.EqualFold(phase, "Ideation")
}

func containsRole(roles []types.AgentRole, target types.AgentRole) bool {
	for _, r := range roles {
		if r == target {
			return true
		}
	}
	return false
}

func removeRole(roles []types.AgentRole, target types.AgentRole) []types.AgentRole {
	out := make([]types.AgentRole, 0, len(roles))
	for _, r := range roles {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}

func dedupeRoles(roles []types.AgentRole) []types.AgentRole {
	seen := map[types.AgentRole]bool{}
	out := make([]types.AgentRole, 0, len(roles))
	for _, r := range roles {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// runKnowledge runs the Knowledge agent sequentially. It returns ok=false
// when the agent is unavailable, errored (treated as skipped per the
// partial-failure policy) or returned its empty-result sentinel — in every
// such case its contribution is simply omitted from later prompts.
func (c *Coordinator) runKnowledge(ctx context.Context, e *emitter, req Request) (string, types.Interaction, bool) {
	proc, ok := c.Agents[types.RoleKnowledge]
	if !ok {
		return "", types.Interaction{}, false
	}

	e.emit(types.StreamEvent{Kind: types.EventAgentStart, Role: types.RoleKnowledge, Query: req.Query, Progress: knowledgeProgressStart, Internal: true})

	resp, err := proc.Process(ctx, req.Context.ConversationHistory, req.Context)
	if err != nil {
		c.Logger.Warn("knowledge agent failed, treating as skipped", zap.Error(err))
		return "", types.Interaction{}, false
	}
	if Skipped(resp) {
		return "", types.Interaction{}, false
	}

	e.emit(types.StreamEvent{Kind: types.EventAgentComplete, Role: types.RoleKnowledge, Response: resp.Content, Progress: knowledgeProgressEnd, Internal: true,
		Metadata: map[string]string{"system_context": "knowledge_retrieval"}})

	interaction := types.Interaction{
		FromRole:  types.RoleAgentUnknown,
		ToRole:    types.RoleKnowledge,
		Query:     req.Query,
		Response:  resp.Content,
		Timestamp: time.Now(),
	}
	e.emit(types.StreamEvent{Kind: types.EventInteraction, Interaction: &interaction})

	return resp.Content, interaction, true
}

// runSupporting runs the remaining supporting agents concurrently, each
// with a shared prompt that includes the knowledge contribution (if any)
// and an instruction to keep the answer focused. A failing agent is
// logged and replaced with a short placeholder rather than aborting the
// others.
func (c *Coordinator) runSupporting(ctx context.Context, e *emitter, req Request, roles []types.AgentRole, contributions map[types.AgentRole]string) []types.Interaction {
	if len(roles) == 0 {
		return nil
	}

	n := len(roles)
	span := (supportingProgressHi - supportingProgressLo) / float64(n)

	var mu sync.Mutex
	var wg sync.WaitGroup
	interactions := make([]types.Interaction, n)

	for i, role := range roles {
		proc, ok := c.Agents[role]
		if !ok {
			continue
		}
		wg.Add(1)
		task := func(i int, role types.AgentRole, proc Processor) pool.Task {
			return func(taskCtx context.Context) error {
				defer wg.Done()
				startProgress := supportingProgressLo + float64(i)*span
				endProgress := supportingProgressLo + float64(i+1)*span

				e.emit(types.StreamEvent{Kind: types.EventAgentStart, Role: role, Query: req.Query, Progress: startProgress, Internal: true})

				prompt := buildSupportingPrompt(req.Query, contributions[types.RoleKnowledge])
				history := []types.AgentMessage{{Role: types.RoleUser, Content: prompt}}

				resp, err := proc.Process(taskCtx, history, req.Context)

				var content string
				if err != nil {
					c.Logger.Warn("supporting agent failed", zap.String("agent_role", string(role)), zap.Error(err))
					content = fmt.Sprintf("Agent %s failed", role)
				} else {
					content = resp.Content
				}

				mu.Lock()
				contributions[role] = content
				mu.Unlock()

				e.emit(types.StreamEvent{Kind: types.EventAgentComplete, Role: role, Response: content, Progress: endProgress, Internal: true})

				interaction := types.Interaction{ToRole: role, Query: prompt, Response: content, Timestamp: time.Now()}
				e.emit(types.StreamEvent{Kind: types.EventInteraction, Interaction: &interaction})
				interactions[i] = interaction
				return nil
			}
		}(i, role, proc)

		if c.Pool != nil {
			go func() {
				if err := c.Pool.SubmitWait(ctx, task); err != nil {
					c.Logger.Warn("supporting agent pool submission failed", zap.Error(err))
				}
			}()
		} else {
			go task(ctx)
		}
	}

	wg.Wait()
	return interactions
}

func buildSupportingPrompt(query, knowledge string) string {
	var b strings.Builder
	b.WriteString(query)
	b.WriteString("\n\nProvide focused insights in no more than ~200 words.")
	if knowledge != "" {
		b.WriteString("\n\nRelevant knowledge:\n")
		b.WriteString(knowledge)
	}
	return b.String()
}

// runPrimary builds the synthesis prompt enumerating each supporting
// agent's contribution under a role-derived section header, applies tier
// escalation for chat queries, and runs the primary agent.
func (c *Coordinator) runPrimary(ctx context.Context, e *emitter, req Request, role types.AgentRole, proc Processor, supportingRoles []types.AgentRole, contributions map[types.AgentRole]string) (string, types.Interaction, error) {
	e.emit(types.StreamEvent{Kind: types.EventAgentStart, Role: role, Query: req.Query, Progress: primaryProgressStart})

	prompt := buildSynthesisPrompt(req, supportingRoles, contributions)
	history := []types.AgentMessage{{Role: types.RoleUser, Content: prompt}}

	var resp Response
	var err error

	if agent, ok := proc.(*Agent); ok && c.TierEscalation && isChatQuery(req) && agent.Tier == types.TierFast && c.Tiers != nil {
		resp, err = agent.ProcessWithTier(ctx, history, req.Context, c.Tiers.Escalate(agent.Tier))
	} else {
		resp, err = proc.Process(ctx, history, req.Context)
	}

	if err != nil {
		return "", types.Interaction{}, err
	}

	content := emitChunks(ctx, e, role, resp.Content)

	e.emit(types.StreamEvent{Kind: types.EventAgentComplete, Role: role, Response: content, Progress: primaryProgressEnd,
		Metadata: map[string]string{"system_context": "synthesis"}})

	interaction := types.Interaction{ToRole: role, Query: prompt, Response: content, Timestamp: time.Now()}
	e.emit(types.StreamEvent{Kind: types.EventInteraction, Interaction: &interaction})

	return content, interaction, nil
}

// isChatQuery reports whether this request is ordinary chat rather than
// the phase-form-help fast path (distinguished by CurrentField).
func isChatQuery(req Request) bool {
	return req.Context.CurrentField == ""
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func buildSynthesisPrompt(req Request, supportingRoles []types.AgentRole, contributions map[types.AgentRole]string) string {
	var b strings.Builder
	b.WriteString(req.Query)
	b.WriteString("\n\n")

	sorted := append([]types.AgentRole{}, supportingRoles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, role := range sorted {
		content, ok := contributions[role]
		if !ok {
			continue
		}
		b.WriteString(fmt.Sprintf("### %s\n%s\n\n", titleCase(string(role)), content))
	}

	if req.PhaseName != "" && !ContainsIdeationVocabulary(req.Query) {
		b.WriteString(fmt.Sprintf("Restrict your output to the %s phase only; do not produce a full multi-phase document.\n", req.PhaseName))
	}
	return b.String()
}

// emitChunks splits content into word-grouped chunks and emits an
// AgentChunk event per group, giving the transport a cooperative yield
// point between each and honoring cancellation mid-stream.
func emitChunks(ctx context.Context, e *emitter, role types.AgentRole, content string) string {
	const wordsPerChunk = 20
	words := strings.Fields(content)
	if len(words) == 0 {
		return content
	}

	b := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(b)

	for i := 0; i < len(words); i += wordsPerChunk {
		if ctx.Err() != nil {
			return b.String()
		}
		end := i + wordsPerChunk
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ")
		if b.Len() > 0 {
			chunk = " " + chunk
		}
		b.WriteString(chunk)
		e.emit(types.StreamEvent{Kind: types.EventAgentChunk, Role: role, Chunk: chunk, Progress: primaryProgressStart})
	}
	return b.String()
}

// enforceResponseLength implements the post-generation truncation rule.
func enforceResponseLength(content, responseLength string) string {
	var limit int
	switch responseLength {
	case "short":
		limit = 500
	case "verbose":
		limit = 1000
	default:
		return content
	}

	words := strings.Fields(content)
	if len(words) <= limit {
		return content
	}
	return strings.Join(words[:limit], " ") + continuationMarker
}

// FieldHelp implements the phase-form-help fast path (§4.9): only the
// chosen phase-expert agent runs, bound to Fast tier for this call when it
// is an *Agent, and its output is cut to the same 500/1000-word limits
// that Stream applies. The agent's system prompt is not changed; no
// phase-expert addendum is added. Knowledge is skipped unless
// includeKnowledge is true.
func (c *Coordinator) FieldHelp(ctx context.Context, req Request, includeKnowledge bool) (string, error) {
	role, _ := c.selectPrimary(req)
	proc, ok := c.Agents[role]
	if !ok {
		return "", types.NewError(types.ErrProviderNotConfigured, fmt.Sprintf("no agent registered for role %q", role))
	}

	history := req.Context.ConversationHistory
	if includeKnowledge {
		if knowledge, ok := c.Agents[types.RoleKnowledge]; ok {
			if resp, err := knowledge.Process(ctx, history, req.Context); err == nil && !Skipped(resp) {
				enriched := req.Context
				enriched.KnowledgeSnippets = append(append([]types.KnowledgeSnippet{}, enriched.KnowledgeSnippets...),
					types.KnowledgeSnippet{Content: resp.Content})
				req.Context = enriched
			}
		}
	}

	agent, isAgent := proc.(*Agent)
	var resp Response
	var err error
	if isAgent {
		resp, err = agent.ProcessWithTier(ctx, history, req.Context, types.TierFast)
	} else {
		resp, err = proc.Process(ctx, history, req.Context)
	}
	if err != nil {
		return "", err
	}

	return enforceResponseLength(resp.Content, req.ResponseLength), nil
}

// Run satisfies jobs.Runner: it drives Stream to completion and returns the
// final content (or the terminal error).
func (c *Coordinator) Run(ctx context.Context, reqCtx types.RequestContext, onProgress func(float64)) (string, error) {
	req := Request{Query: lastUserContent(reqCtx.ConversationHistory), PhaseName: reqCtx.PhaseName, Context: reqCtx}

	for ev := range c.Stream(ctx, req) {
		if ev.Progress > 0 && onProgress != nil {
			onProgress(ev.Progress)
		}
		switch ev.Kind {
		case types.EventError:
			if ev.Error != nil {
				return "", ev.Error
			}
			return "", fmt.Errorf("coordinator run failed")
		case types.EventComplete:
			return ev.Final, nil
		}
	}
	return "", fmt.Errorf("coordinator stream closed without a terminal event")
}
