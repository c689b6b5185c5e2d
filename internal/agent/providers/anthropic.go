// Package providers adapts third-party LLM SDKs to the agent.LLMProvider
// interface the turn engine and routing layer depend on. Every provider in
// this package streams its response as agent.CompletionChunk values over a
// channel, classifies transport errors into providers.FailoverReason, and
// retries transient failures through internal/retry before giving up.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/retry"
	"github.com/haasonsaas/nexus/pkg/models"
)

// AnthropicProvider drives Claude's Messages API in streaming mode. A
// single instance is shared by every session that routes to Claude; each
// Complete call owns its own stream and goroutine, so the provider itself
// holds no per-turn state beyond its SDK client and retry settings.
type AnthropicProvider struct {
	client anthropic.Client

	apiKey string

	// maxRetries bounds retry attempts for transport-level failures (429,
	// 5xx, timeouts, connection resets). A non-retryable error (auth,
	// malformed request) is surfaced on the first attempt regardless.
	maxRetries int

	// retryDelay seeds the backoff schedule handed to internal/retry;
	// successive delays grow by retry.Config.Factor up to MaxDelay.
	retryDelay time.Duration

	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider. Only APIKey is required;
// the rest default to values tuned for an incident-response workload where
// a slow triage response is worse than a quick failover to another model.
type AnthropicConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a proxy or private
	// deployment. Empty uses the SDK default.
	BaseURL string

	// MaxRetries is the number of retry attempts after the first try.
	// Default 3.
	MaxRetries int

	// RetryDelay is the initial backoff delay; it doubles each retry up to
	// a ceiling derived from MaxRetries. Default 1s.
	RetryDelay time.Duration

	// DefaultModel is used when a request omits Model.
	DefaultModel string
}

func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(options...)

	return &AnthropicProvider{
		client:       client,
		apiKey:       config.APIKey,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Models lists the Claude models the incident responder is allowed to
// select, via either an explicit request or the routing package's
// heuristic classifier.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-sonnet-20240229", Name: "Claude 3 Sonnet", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextSize: 200000, SupportsVision: true},
	}
}

func (p *AnthropicProvider) SupportsTools() bool { return true }

// retryConfig builds the backoff schedule for one Complete call, matching
// the documented "retry_delay * 2^attempt" policy: MaxAttempts counts the
// initial try plus p.maxRetries retries, and MaxDelay is sized so the
// configured exponential growth is never clamped before the last retry.
func (p *AnthropicProvider) retryConfig() retry.Config {
	ceiling := p.retryDelay
	for i := 0; i < p.maxRetries; i++ {
		ceiling *= 2
	}
	return retry.Config{
		MaxAttempts:  p.maxRetries + 1,
		InitialDelay: p.retryDelay,
		MaxDelay:     ceiling,
		Factor:       2.0,
		Jitter:       false,
	}
}

// Complete converts req into Claude's wire format, opens a streaming
// request under retry, and fans SSE events out as CompletionChunk values.
// The returned error is always nil: every failure, including a request
// that cannot be constructed and retry exhaustion, is delivered as a
// terminal chunk on the returned channel instead.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)
	model := p.getModel(req.Model)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		result := retry.Do(ctx, p.retryConfig(), func() error {
			s, err := p.createStream(ctx, req)
			if err != nil {
				wrapped := p.wrapError(err, model)
				if !IsRetryable(wrapped) {
					return retry.Permanent(wrapped)
				}
				return wrapped
			}
			stream = s
			return nil
		})

		if result.Err != nil {
			chunks <- &agent.CompletionChunk{Error: finalRetryError("anthropic", result)}
			return
		}

		p.processStream(stream, chunks, model)
	}()

	return chunks, nil
}

// finalRetryError unwraps a retry.Do result into the error a caller should
// see: the permanent-marked cause when the last attempt failed with a
// non-retryable error, or a message noting the attempt count when the
// schedule was exhausted.
func finalRetryError(provider string, result retry.Result) error {
	err := result.Err
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	if result.Attempts <= 1 {
		return err
	}
	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", provider, result.Attempts, err)
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *agent.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	if req.EnableThinking {
		budgetTokens := int64(req.ThinkingBudgetTokens)
		if budgetTokens < 1024 {
			budgetTokens = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budgetTokens)
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents bounds consecutive events that carry no observable
// payload before the stream is declared malformed and torn down.
const maxEmptyStreamEvents = 300

// processStream drains one SSE stream into CompletionChunk values. Tool
// calls accumulate across content_block_start/delta/stop before a single
// ToolCall chunk is emitted, matching the turn engine's expectation of a
// complete call rather than partial JSON fragments.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var toolCall *toolCallBuilder
	emptyEventCount := 0
	inThinkingBlock := false

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			if ms := event.AsMessageStart(); ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinkingBlock = true
				chunks <- &agent.CompletionChunk{ThinkingStart: true}
				eventProcessed = true
			case "tool_use":
				use := block.AsToolUse()
				toolCall = &toolCallBuilder{id: use.ID, name: use.Name}
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					eventProcessed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.CompletionChunk{Thinking: delta.Thinking}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && toolCall != nil {
					toolCall.input.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			switch {
			case inThinkingBlock:
				chunks <- &agent.CompletionChunk{ThinkingEnd: true}
				inThinkingBlock = false
				eventProcessed = true
			case toolCall != nil:
				chunks <- &agent.CompletionChunk{ToolCall: toolCall.build()}
				toolCall = nil
				eventProcessed = true
			}

		case "message_delta":
			if md := event.AsMessageDelta(); md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- &agent.CompletionChunk{Error: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else if emptyEventCount++; emptyEventCount >= maxEmptyStreamEvents {
			chunks <- &agent.CompletionChunk{Error: p.wrapError(
				fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount), model)}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
	}
}

// toolCallBuilder accumulates a tool call's streamed JSON input across
// multiple content_block_delta events before the engine sees it whole.
type toolCallBuilder struct {
	id, name string
	input    strings.Builder
}

func (b *toolCallBuilder) build() *models.ToolCall {
	return &models.ToolCall{ID: b.id, Name: b.name, Input: json.RawMessage(b.input.String())}
}

// convertMessages maps the engine's flat Role/Content/ToolCalls/ToolResults
// shape onto Anthropic's content-block array. System messages are dropped
// here since they travel via params.System instead.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(toolResult.ToolCallID, toolResult.Content, toolResult.IsError))
		}

		for _, toolCall := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(toolCall.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}

		var message anthropic.MessageParam
		if msg.Role == "assistant" {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			message = anthropic.NewUserMessage(content...)
		}
		result = append(result, message)
	}

	return result, nil
}

// convertTools maps a Tool's JSON Schema onto Anthropic's tool-definition
// wire shape.
func (p *AnthropicProvider) convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, toolParam)
	}

	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError normalizes an Anthropic SDK error (or any other transport
// failure) into a *ProviderError so routing and retry logic never have to
// special-case this provider's error types.
func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return IsRetryable(p.wrapError(err, p.defaultModel))
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{Provider: "anthropic", Model: model, Cause: err, Reason: FailoverUnknown}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		var message, code, requestID string
		requestID = apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}

// CountTokens gives a rough ~4-chars-per-token estimate for an incident
// transcript. It is not a substitute for the provider's own tokenizer, and
// the gateway does not call it.
func (p *AnthropicProvider) CountTokens(req *agent.CompletionRequest) int {
	total := len(req.System) / 4

	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
		total += len(msg.Role) / 4
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name) / 4
			total += len(tc.Input) / 4
		}
		for _, tr := range msg.ToolResults {
			total += len(tr.Content) / 4
		}
	}

	for _, tool := range req.Tools {
		total += len(tool.Name()) / 4
		total += len(tool.Description()) / 4
		total += len(tool.Schema()) / 4
	}

	return total
}
