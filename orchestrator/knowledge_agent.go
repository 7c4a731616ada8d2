package orchestrator

import (
	"context"
	"time"

	"github.com/soumantrivedi/ideaforge/types"
)

// sentinel metadata keys stamped on the skipped-knowledge response, mirrored
// by the Coordinator to decide whether to omit this agent's contribution.
const (
	metaAgentType = "agent_type"
	metaSkipped   = "skipped"
)

// knowledgeTopK matches the retrieval fan-out named in the contract.
const knowledgeTopK = 5

// KnowledgeStore is the small interface KnowledgeAgent talks to, keeping
// the concrete vector-store backend (Qdrant, Milvus, Weaviate, ...) out of
// the orchestration core.
type KnowledgeStore interface {
	Query(ctx context.Context, productID, query string, topK int) ([]types.KnowledgeSnippet, error)
}

// KnowledgeAgent is the C5 component: an Agent subtype that runs a
// retrieval step before falling through to the base pipeline.
type KnowledgeAgent struct {
	*Agent
	Store KnowledgeStore
}

// Process constrains retrieval to reqCtx.ProductID when present, issues a
// top-K similarity query, and either returns a "skipped" sentinel (when
// nothing was retrieved) or attaches the snippets to the request context
// before running the base Agent pipeline.
func (k *KnowledgeAgent) Process(ctx context.Context, history []types.AgentMessage, reqCtx types.RequestContext) (Response, error) {
	query := lastUserContent(history)

	if k.Store == nil {
		return k.skippedResponse(), nil
	}

	snippets, err := k.Store.Query(ctx, reqCtx.ProductID, query, knowledgeTopK)
	if err != nil {
		// Per the Coordinator's partial-failure policy, a Knowledge
		// failure is treated as skipped by the caller; KnowledgeAgent
		// itself just reports it as a failure and lets the Coordinator
		// decide.
		return Response{}, types.NewError(types.ErrKnowledgeUnavailable, err.Error()).WithCause(err)
	}

	if len(snippets) == 0 {
		return k.skippedResponse(), nil
	}

	enriched := reqCtx
	enriched.KnowledgeSnippets = snippets

	return k.Agent.Process(ctx, history, enriched)
}

func (k *KnowledgeAgent) skippedResponse() Response {
	return Response{
		Role:    types.RoleKnowledge,
		Content: "",
		Metadata: ResponseMetadata{
			Extra: map[string]string{
				metaAgentType: string(types.RoleKnowledge),
				metaSkipped:   "true",
			},
		},
		Timestamp: time.Now(),
	}
}

// Skipped reports whether a Response came from KnowledgeAgent's
// empty-result sentinel rather than an LLM call.
func Skipped(resp Response) bool {
	return resp.Metadata.Extra[metaSkipped] == "true"
}

func lastUserContent(history []types.AgentMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == types.RoleUser {
			return history[i].Content
		}
	}
	return ""
}
