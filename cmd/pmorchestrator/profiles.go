package main

import (
	"github.com/soumantrivedi/ideaforge/orchestrator"
	"github.com/soumantrivedi/ideaforge/types"
)

// roleProfile pairs an AgentRole with the Profile wiring its system prompt
// and capability vocabulary for Coordinator's best-of scoring.
type roleProfile struct {
	role    types.AgentRole
	profile orchestrator.Profile
}

// roleProfiles describes every phase-expert agent the Coordinator can route
// to. Knowledge and Integration are wired separately since they are Agent
// subtypes, not bare Agents.
func roleProfiles() []roleProfile {
	return []roleProfile{
		{types.RoleIdeation, orchestrator.Profile{
			SystemPrompt:         "You are the ideation agent for a product-management copilot. Generate problem statements, solution concepts, personas and use cases grounded in the product's context.",
			CapabilityVocabulary: []string{"problem", "solution", "feature", "persona", "idea", "concept", "brainstorm", "use case", "value proposition", "target user"},
		}},
		{types.RoleResearch, orchestrator.Profile{
			SystemPrompt:         "You are the market research agent. Summarise market size, trends and the competitive landscape relevant to the product.",
			CapabilityVocabulary: []string{"research", "market", "competitive", "trend", "competitor", "landscape"},
		}},
		{types.RoleAnalysis, orchestrator.Profile{
			SystemPrompt:         "You are the analysis agent. Produce SWOT breakdowns, feasibility assessments and risk analyses.",
			CapabilityVocabulary: []string{"analyze", "analysis", "swot", "feasibility", "risk"},
		}},
		{types.RoleValidation, orchestrator.Profile{
			SystemPrompt:         "You are the validation agent. Critique proposed requirements and designs against the product's stated goals and constraints.",
			CapabilityVocabulary: []string{"validate", "validation", "critique", "assumption", "gap"},
		}},
		{types.RoleStrategy, orchestrator.Profile{
			SystemPrompt:         "You are the strategy agent. Recommend prioritisation, sequencing and go-to-market framing for the product roadmap.",
			CapabilityVocabulary: []string{"strategy", "roadmap", "priorit", "sequence", "go-to-market"},
		}},
		{types.RoleRequirements, orchestrator.Profile{
			SystemPrompt:         "You are the requirements agent. Draft functional and non-functional requirements, acceptance criteria and user stories.",
			CapabilityVocabulary: []string{"requirement", "acceptance criteria", "user story", "functional", "non-functional"},
		}},
		{types.RoleSummary, orchestrator.Profile{
			SystemPrompt:         "You are the summary agent. Condense prior phase outputs and conversation history into a concise recap.",
			CapabilityVocabulary: []string{"summarize", "summarise", "recap", "tl;dr", "overview"},
		}},
		{types.RoleScoring, orchestrator.Profile{
			SystemPrompt:         "You are the scoring agent. Rate ideas or requirements against the product's evaluation rubric and justify the score.",
			CapabilityVocabulary: []string{"score", "rank", "rubric", "weight", "criteria"},
		}},
		{types.RoleExport, orchestrator.Profile{
			SystemPrompt:         "You are the export agent. Render the product's current state into a PRD or other exportable document.",
			CapabilityVocabulary: []string{"export", "prd", "document", "render", "format"},
		}},
	}
}
