package types

import "time"

// AgentRole identifies the specialised role an agent fills within the
// orchestration pipeline. It is stable across restarts and used both as a
// routing key and as a metrics label.
type AgentRole string

const (
	RoleIdeation      AgentRole = "ideation"
	RoleResearch      AgentRole = "research"
	RoleAnalysis      AgentRole = "analysis"
	RoleValidation    AgentRole = "validation"
	RoleStrategy      AgentRole = "strategy"
	RoleRequirements  AgentRole = "requirements"
	RoleSummary       AgentRole = "summary"
	RoleScoring       AgentRole = "scoring"
	RoleExport        AgentRole = "export"
	RoleKnowledge     AgentRole = "knowledge"
	RoleIntegration   AgentRole = "integration"
	RoleAgentUnknown  AgentRole = "unknown"
)

// AllAgentRoles lists every known role, excluding RoleAgentUnknown. Used by
// MetricsCollector to pre-seed counters and by tests enumerating coverage.
func AllAgentRoles() []AgentRole {
	return []AgentRole{
		RoleIdeation, RoleResearch, RoleAnalysis, RoleValidation, RoleStrategy,
		RoleRequirements, RoleSummary, RoleScoring, RoleExport, RoleKnowledge,
		RoleIntegration,
	}
}

// ModelTier selects the quality/cost point a request should resolve against.
// A tier is resolved to a concrete (Provider, ModelID, TokenLimit) triple
// through the ProviderRegistry; it carries no provider-specific meaning on
// its own.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierStandard ModelTier = "standard"
	TierPremium  ModelTier = "premium"
)

// ProviderCredential is one configured credential set for a single provider.
// Invariant: when Configured is true at least one of PrimaryKey or
// AlternateKeys is non-empty. Rotation walks AlternateKeys round-robin,
// guarded by the owning registry's mutex — RotationCursor is not safe to
// read concurrently with a rotation in progress.
type ProviderCredential struct {
	Provider       string
	PrimaryKey     string
	AlternateKeys  []string
	RotationCursor int
	Configured     bool
}

// AgentMessage is one turn in a conversation handled by the orchestrator.
// Immutable once emitted; callers must copy rather than mutate in place.
type AgentMessage struct {
	Role      Role
	Content   string
	Timestamp time.Time
	AgentRole AgentRole // zero value (RoleAgentUnknown) when not agent-authored
}

// KnowledgeSnippet is one retrieved passage attached to a RequestContext.
type KnowledgeSnippet struct {
	Content  string
	Metadata map[string]string
	Score    float64
}

// RequestContext is assembled once per request by ContextBuilder and is
// never mutated after construction. Agents receive it by shared read-only
// reference; treat every field as read-only regardless of Go's lack of a
// const-struct mechanism.
type RequestContext struct {
	ProductID            string
	PhaseID              string
	PhaseName             string
	CurrentField          string
	FormData              map[string]string
	ConversationHistory    []AgentMessage
	KnowledgeSnippets      []KnowledgeSnippet
	PreviousPhaseOutputs   []string
	UserContext            map[string]string
}

// CacheKey is a deterministic SHA-256 digest produced by cache.NewKey over
// (AgentRole, ModelTier, a bounded window of recent messages, and a
// normalised subset of the request context). Use String for log lines and
// cache backends that require a textual key.
type CacheKey [32]byte

// String renders the key as lowercase hex.
func (k CacheKey) String() string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, len(k)*2)
	for i, b := range k {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}

// IsZero reports whether the key was never assigned.
func (k CacheKey) IsZero() bool {
	return k == CacheKey{}
}

// CachedResponse is one stored agent output. Invariant: StoredAt.Add(Ttl)
// must be at-or-after now while the entry is considered live; ResponseCache
// is responsible for evicting expired entries rather than relying on
// readers to check.
type CachedResponse struct {
	Key      CacheKey
	Role     AgentRole
	Content  string
	Metadata map[string]string
	StoredAt time.Time
	Ttl      time.Duration
}

// Live reports whether the cached entry has not yet expired relative to now.
func (c CachedResponse) Live(now time.Time) bool {
	return now.Before(c.StoredAt.Add(c.Ttl))
}

// AgentMetrics holds per-role counters. AvgTime is derived, never stored.
type AgentMetrics struct {
	Calls        int64
	TotalTime    time.Duration
	CacheHits    int64
	CacheMisses  int64
	ToolCalls    int64
	InputTokens  int64
	OutputTokens int64
}

// AvgTime returns TotalTime/Calls, or zero when there have been no calls.
func (m AgentMetrics) AvgTime() time.Duration {
	if m.Calls == 0 {
		return 0
	}
	return m.TotalTime / time.Duration(m.Calls)
}

// Interaction records one agent-to-agent call for the Coordinator's bounded
// history ring buffer.
type Interaction struct {
	FromRole  AgentRole
	ToRole    AgentRole
	Query     string
	Response  string
	Metadata  map[string]string
	Timestamp time.Time
}

// JobStatus is the lifecycle state of an asynchronous job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether a status can no longer transition.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one submitted unit of asynchronous orchestration work. Lifecycle:
// Pending -> Processing -> (Completed | Failed). Terminal states are
// immutable; JobManager is the sole writer after submission.
type Job struct {
	JobID       string
	Status      JobStatus
	Progress    float64
	SubmittedAt time.Time
	UpdatedAt   time.Time
	Request     RequestContext
	Result      string
	Error       *Error
}

// StreamEventKind discriminates the StreamEvent union.
type StreamEventKind string

const (
	EventAgentStart    StreamEventKind = "agent_start"
	EventAgentChunk    StreamEventKind = "agent_chunk"
	EventAgentComplete StreamEventKind = "agent_complete"
	EventInteraction   StreamEventKind = "interaction"
	EventProgress      StreamEventKind = "progress"
	EventError         StreamEventKind = "error"
	EventComplete      StreamEventKind = "complete"
)

// StreamEvent is one message in the Coordinator's output stream. Seq is
// monotonically increasing within a single stream, starting at 1.
type StreamEvent struct {
	Kind Kind `json:"kind"`
	Seq  uint64      `json:"seq"`
	Role AgentRole   `json:"role,omitempty"`

	// AgentStart / AgentComplete
	Query    string            `json:"query,omitempty"`
	Response string            `json:"response,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Internal bool              `json:"internal,omitempty"`

	// AgentChunk
	Chunk string `json:"chunk,omitempty"`

	// Interaction
	Interaction *Interaction `json:"interaction,omitempty"`

	// Progress
	Progress float64 `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`

	// Error
	Error     *Error `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	// Complete
	Final        string        `json:"final,omitempty"`
	Interactions []Interaction `json:"interactions,omitempty"`
	Partial      bool          `json:"partial,omitempty"`
}

// Kind is an alias retained so StreamEventKind reads naturally as a field
// type above while keeping the exported name call sites already use.
type Kind = StreamEventKind
