package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/soumantrivedi/ideaforge/internal/tlsutil"
	"github.com/soumantrivedi/ideaforge/llm"
	"github.com/soumantrivedi/ideaforge/llm/middleware"
	"github.com/soumantrivedi/ideaforge/llm/providers"
	"go.uber.org/zap"
)

const (
	defaultBaseURL      = "https://api.anthropic.com"
	defaultAPIVersion   = "2023-06-01"
	defaultModel        = "claude-opus-4-6"
	messagesPath        = "/v1/messages"
	modelsPath          = "/v1/models"
	defaultMaxTokensCap = 4096
)

// ClaudeProvider implements llm.Provider for Anthropic's Messages API.
// Unlike the OpenAI-compatible providers, Claude's wire format differs enough
// (x-api-key auth, separate system field, array-form content blocks) that it
// does not embed the openaicompat base.
type ClaudeProvider struct {
	cfg           providers.ClaudeConfig
	baseURL       string
	apiVersion    string
	defaultModel  string
	client        *http.Client
	logger        *zap.Logger
	rewriterChain *middleware.RewriterChain
}

// NewClaudeProvider creates a new Claude provider instance.
func NewClaudeProvider(cfg providers.ClaudeConfig, logger *zap.Logger) *ClaudeProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiVersion := cfg.AnthropicVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaudeProvider{
		cfg:          cfg,
		baseURL:      baseURL,
		apiVersion:   apiVersion,
		defaultModel: model,
		client:       tlsutil.SecureHTTPClient(timeout),
		logger:       logger.With(zap.String("provider", "anthropic")),
		rewriterChain: middleware.NewRewriterChain(
			middleware.NewEmptyToolsCleaner(),
		),
	}
}

// Name returns the provider's unique identifier.
func (p *ClaudeProvider) Name() string { return "anthropic" }

// SupportsNativeFunctionCalling reports Claude's tool_use/tool_result support.
func (p *ClaudeProvider) SupportsNativeFunctionCalling() bool { return true }

func (p *ClaudeProvider) resolveAPIKey(ctx context.Context) string {
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if strings.TrimSpace(c.APIKey) != "" {
			return strings.TrimSpace(c.APIKey)
		}
	}
	return p.cfg.APIKey
}

func (p *ClaudeProvider) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.baseURL, "/"), path)
}

func (p *ClaudeProvider) buildHeaders(req *http.Request, apiKey string) {
	if p.cfg.AuthType == "bearer" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	} else {
		req.Header.Set("x-api-key", apiKey)
	}
	req.Header.Set("anthropic-version", p.apiVersion)
	req.Header.Set("Content-Type", "application/json")
}

// contentBlock is one entry in Claude's array-form message content.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type claudeMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float32         `json:"temperature,omitempty"`
	TopP        float32         `json:"top_p,omitempty"`
	StopSeqs    []string        `json:"stop_sequences,omitempty"`
	Tools       []claudeTool    `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	ID           string         `json:"id"`
	Model        string         `json:"model"`
	Role         string         `json:"role"`
	Content      []contentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	Usage        claudeUsage    `json:"usage"`
	ErrorWrapped *claudeAPIErr  `json:"error,omitempty"`
}

type claudeAPIErr struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// splitSystemPrompt pulls out leading system messages into Claude's
// dedicated system field and converts the remainder to content blocks.
func splitSystemPrompt(msgs []llm.Message) (string, []claudeMessage) {
	var system []string
	out := make([]claudeMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
		case llm.RoleTool:
			out = append(out, claudeMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case llm.RoleAssistant:
			blocks := make([]contentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			out = append(out, claudeMessage{Role: "assistant", Content: blocks})
		default:
			out = append(out, claudeMessage{
				Role:    "user",
				Content: []contentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	return strings.Join(system, "\n\n"), out
}

func toClaudeTools(schemas []llm.ToolSchema) []claudeTool {
	if len(schemas) == 0 {
		return nil
	}
	tools := make([]claudeTool, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, claudeTool{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: s.Parameters,
		})
	}
	return tools
}

func (p *ClaudeProvider) buildRequest(req *llm.ChatRequest, stream bool) claudeRequest {
	system, msgs := splitSystemPrompt(req.Messages)
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokensCap
	}
	return claudeRequest{
		Model:       model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    req.Stop,
		Tools:       toClaudeTools(req.Tools),
		Stream:      stream,
	}
}

func fromClaudeResponse(resp claudeResponse, providerName string) *llm.ChatResponse {
	var text strings.Builder
	var toolCalls []llm.ToolCall
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: b.Input,
			})
		}
	}
	return &llm.ChatResponse{
		ID:       resp.ID,
		Provider: providerName,
		Model:    resp.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: resp.StopReason,
			Message: llm.Message{
				Role:      llm.RoleAssistant,
				Content:   text.String(),
				ToolCalls: toolCalls,
			},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		CreatedAt: time.Now(),
	}
}

// Completion performs a non-streaming call against /v1/messages.
func (p *ClaudeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    fmt.Sprintf("request rewrite failed: %v", err),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.Name(),
		}
	}
	req = rewritten

	body := p.buildRequest(req, false)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(messagesPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.resolveAPIKey(ctx))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var cResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}

	return fromClaudeResponse(cResp, p.Name()), nil
}

// claudeSSEEvent mirrors the subset of Anthropic's SSE event shapes needed
// to reconstruct streaming text and tool_use deltas.
type claudeSSEEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message"`
	Usage claudeUsage `json:"usage"`
}

// Stream performs a streaming call and translates Claude's SSE event
// sequence (message_start / content_block_start / content_block_delta /
// content_block_stop / message_delta / message_stop) into StreamChunks.
func (p *ClaudeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    fmt.Sprintf("request rewrite failed: %v", err),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.Name(),
		}
	}
	req = rewritten

	body := p.buildRequest(req, true)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(messagesPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.resolveAPIKey(ctx))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	ch := make(chan llm.StreamChunk)
	go p.streamSSE(ctx, resp.Body, ch)
	return ch, nil
}

func (p *ClaudeProvider) streamSSE(ctx context.Context, body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)

	reader := bufio.NewReader(body)
	var id, model string
	var toolName, toolID string
	var toolIndex = -1

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				select {
				case <-ctx.Done():
				case ch <- llm.StreamChunk{Err: &llm.Error{
					Code: llm.ErrUpstreamError, Message: err.Error(),
					HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
				}}:
				}
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var ev claudeSSEEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		var chunk llm.StreamChunk
		switch ev.Type {
		case "message_start":
			id = ev.Message.ID
			model = ev.Message.Model
			continue
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				toolID = ev.ContentBlock.ID
				toolName = ev.ContentBlock.Name
				toolIndex = ev.Index
			}
			continue
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				chunk = llm.StreamChunk{
					ID: id, Provider: p.Name(), Model: model, Index: ev.Index,
					Delta: llm.Message{Role: llm.RoleAssistant, Content: ev.Delta.Text},
				}
			case "input_json_delta":
				if ev.Index == toolIndex {
					chunk = llm.StreamChunk{
						ID: id, Provider: p.Name(), Model: model, Index: ev.Index,
						Delta: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
							ID: toolID, Name: toolName, Arguments: json.RawMessage(ev.Delta.PartialJSON),
						}}},
					}
				}
			default:
				continue
			}
		case "message_delta":
			chunk = llm.StreamChunk{
				ID: id, Provider: p.Name(), Model: model,
				FinishReason: ev.Delta.StopReason,
				Delta:        llm.Message{Role: llm.RoleAssistant},
				Usage: &llm.ChatUsage{
					CompletionTokens: ev.Usage.OutputTokens,
				},
			}
		case "message_stop":
			return
		default:
			continue
		}

		select {
		case <-ctx.Done():
			return
		case ch <- chunk:
		}
	}
}

// HealthCheck verifies Claude's API is reachable by listing models.
func (p *ClaudeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(modelsPath), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("anthropic health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels returns the models published under /v1/models.
func (p *ClaudeProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(modelsPath), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var listed struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
			CreatedAt   string `json:"created_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}

	models := make([]llm.Model, 0, len(listed.Data))
	for _, d := range listed.Data {
		models = append(models, llm.Model{
			ID:      d.ID,
			Object:  "model",
			OwnedBy: "anthropic",
		})
	}
	return models, nil
}
