package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/soumantrivedi/ideaforge/rag/sources"
	"github.com/soumantrivedi/ideaforge/types"
	"go.uber.org/zap"
)

// IntegrationSource enumerates the external systems IntegrationAgent can
// fetch grounding documents from. Only GitHub and ArXiv have a built-in
// Source implementation; Jira and Confluence are declared so the
// query-keyword heuristics in Coordinator's routing policy have somewhere
// to point once an adapter is wired in.
type IntegrationSource string

const (
	SourceGitHub     IntegrationSource = "github"
	SourceJira       IntegrationSource = "jira"
	SourceConfluence IntegrationSource = "confluence"
	SourceArXiv      IntegrationSource = "arxiv"
)

// ExternalDocument is one grounding document retrieved from an external
// collaborator, normalised to a shape IntegrationAgent can fold into a
// request context regardless of which Source produced it.
type ExternalDocument struct {
	Source  IntegrationSource
	Title   string
	URL     string
	Summary string
}

// Source is the pluggable adapter interface IntegrationAgent talks to.
type Source interface {
	Fetch(ctx context.Context, query string) ([]ExternalDocument, error)
}

const integrationTopK = 5

// IntegrationAgent is the C10 component: an Agent subtype that runs a
// retrieval step against one or more external sources before falling
// through to the base pipeline, the same shape KnowledgeAgent uses for the
// internal vector store.
type IntegrationAgent struct {
	*Agent
	Sources map[IntegrationSource]Source
}

// Process fetches from every configured source, and — mirroring
// KnowledgeAgent's empty-result sentinel — short-circuits without calling
// the LLM if nothing came back.
func (i *IntegrationAgent) Process(ctx context.Context, history []types.AgentMessage, reqCtx types.RequestContext) (Response, error) {
	query := lastUserContent(history)

	var docs []ExternalDocument
	for name, src := range i.Sources {
		found, err := src.Fetch(ctx, query)
		if err != nil {
			if i.Logger != nil {
				i.Logger.Warn("integration source failed", zap.String("source", string(name)), zap.Error(err))
			}
			continue
		}
		docs = append(docs, found...)
	}

	if len(docs) == 0 {
		return Response{
			Role: types.RoleIntegration,
			Metadata: ResponseMetadata{
				Extra: map[string]string{metaAgentType: string(types.RoleIntegration), metaSkipped: "true"},
			},
			Timestamp: time.Now(),
		}, nil
	}

	enriched := reqCtx
	enriched.KnowledgeSnippets = append(append([]types.KnowledgeSnippet{}, reqCtx.KnowledgeSnippets...), toSnippets(docs)...)

	return i.Agent.Process(ctx, history, enriched)
}

func toSnippets(docs []ExternalDocument) []types.KnowledgeSnippet {
	out := make([]types.KnowledgeSnippet, 0, len(docs))
	for _, d := range docs {
		out = append(out, types.KnowledgeSnippet{
			Content: fmt.Sprintf("%s: %s (%s)", d.Title, d.Summary, d.URL),
			Metadata: map[string]string{
				"source": string(d.Source),
				"url":    d.URL,
			},
		})
	}
	return out
}

// GitHubSource adapts rag/sources.GitHubSource to IntegrationAgent's Source
// interface, searching repositories whose name/description/topics match
// the query.
type GitHubSource struct {
	inner *sources.GitHubSource
}

// NewGitHubSource wraps an already-constructed rag/sources.GitHubSource.
func NewGitHubSource(inner *sources.GitHubSource) *GitHubSource {
	return &GitHubSource{inner: inner}
}

func (g *GitHubSource) Fetch(ctx context.Context, query string) ([]ExternalDocument, error) {
	repos, err := g.inner.SearchRepos(ctx, query, integrationTopK)
	if err != nil {
		return nil, err
	}
	out := make([]ExternalDocument, 0, len(repos))
	for _, r := range repos {
		out = append(out, ExternalDocument{
			Source:  SourceGitHub,
			Title:   r.FullName,
			URL:     r.URL,
			Summary: strings.TrimSpace(r.Description),
		})
	}
	return out, nil
}

// ArXivSource adapts rag/sources.ArxivSource to IntegrationAgent's Source
// interface, searching papers relevant to the query for research-agent
// grounding.
type ArXivSource struct {
	inner *sources.ArxivSource
}

// NewArXivSource wraps an already-constructed rag/sources.ArxivSource.
func NewArXivSource(inner *sources.ArxivSource) *ArXivSource {
	return &ArXivSource{inner: inner}
}

func (a *ArXivSource) Fetch(ctx context.Context, query string) ([]ExternalDocument, error) {
	papers, err := a.inner.Search(ctx, query, integrationTopK)
	if err != nil {
		return nil, err
	}
	out := make([]ExternalDocument, 0, len(papers))
	for _, p := range papers {
		out = append(out, ExternalDocument{
			Source:  SourceArXiv,
			Title:   p.Title,
			URL:     p.AbstractURL,
			Summary: strings.TrimSpace(p.Summary),
		})
	}
	return out, nil
}
