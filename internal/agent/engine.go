package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/transcript"
	"github.com/haasonsaas/nexus/pkg/models"
)

// EventType names the fixed set of events a turn can emit to the session
// output queue.
type EventType string

const (
	EventDelta          EventType = "delta"
	EventThinking       EventType = "thinking"
	EventToolUse        EventType = "tool_use"
	EventToolResult     EventType = "tool_result"
	EventInterrupted    EventType = "interrupted"
	EventHistoryCleared EventType = "history_cleared"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
)

// Event is one item on a session's ordered output queue. Exactly one of
// Complete/Error/Interrupted terminates a turn; they never interleave.
type Event struct {
	Type       EventType       `json:"type"`
	Content    string          `json:"content,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolName   string          `json:"name,omitempty"`
	ToolInput  json.RawMessage `json:"input,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Sink receives ordered turn events. Implementations (the gateway session's
// FIFO output queue) must preserve call order; the engine never writes to
// the socket itself.
type Sink interface {
	Emit(Event)
}

const (
	defaultMaxTokens  = 4096
	defaultMaxRecurse = 10

	// toolDispatchTimeout bounds a tool call that has been detached from the
	// turn's own cancellation (see dispatch below) so a stuck tool can never
	// hang a turn forever even though an interrupt no longer reaches it.
	toolDispatchTimeout = 30 * time.Second
)

// EngineConfig configures one Streaming Turn Engine instance. One Engine
// is built per WebSocket session and reused across that session's turns;
// it holds no per-turn state itself (that lives in the transcript the
// caller passes in).
type EngineConfig struct {
	Model         string
	System        string
	MaxTokens     int
	EnableThinking bool
	// MaxRecursionDepth bounds step 5d's recursive continuation so a model
	// that keeps requesting tools forever cannot wedge a turn open.
	MaxRecursionDepth int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxRecursionDepth <= 0 {
		c.MaxRecursionDepth = defaultMaxRecurse
	}
	return c
}

// Engine owns a single turn's lifecycle: transcript repair, the streaming
// LLM call, tool dispatch, and the recursive continuation that lets the
// model see tool results before producing its final answer. Tools passed
// in already carry their own Execute method (the gateway wiring layer
// adapts the tool dispatcher's descriptors into agent.Tool values), so the
// engine needs no separate dispatcher dependency.
type Engine struct {
	provider LLMProvider
	tools    []Tool
	cfg      EngineConfig
	logger   *slog.Logger
}

// NewEngine builds an engine bound to one provider and the tool set
// (built-in union external) available for this session.
func NewEngine(provider LLMProvider, tools []Tool, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider: provider,
		tools:    tools,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "turn_engine"),
	}
}

// toolByName looks up a registered Tool so its Execute method — not just
// its descriptor — participates in dispatch. This keeps the agent.Tool
// interface live: the provider only ever reads Name/Description/Schema to
// build the wire-level tool definitions, but the engine is the caller
// that actually invokes Execute.
func (e *Engine) toolByName(name string) Tool {
	for _, t := range e.tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// RunTurn executes the turn protocol (SPEC_FULL §4.4) for prompt against
// tr, emitting ordered events to sink. interrupted is polled at every
// provider stream event boundary; tr is mutated in place as the turn
// progresses so a crash mid-turn leaves a repair-able history.
func (e *Engine) RunTurn(ctx context.Context, tr *transcript.Transcript, prompt string, sink Sink, interrupted func() bool) string {
	return e.runTurn(ctx, tr, prompt, sink, interrupted, 0)
}

func (e *Engine) runTurn(ctx context.Context, tr *transcript.Transcript, prompt string, sink Sink, interrupted func() bool, depth int) string {
	if depth == 0 {
		tr.ValidateAndRepair()
		if prompt != "" {
			tr.Append(transcript.NewUserMessage(prompt))
		}
	}
	if depth > e.cfg.MaxRecursionDepth {
		sink.Emit(Event{Type: EventError, Error: "maximum tool-call recursion depth exceeded"})
		return ""
	}

	req := &CompletionRequest{
		Model:          e.cfg.Model,
		System:         e.cfg.System,
		Messages:       toCompletionMessages(tr.Messages()),
		Tools:          e.tools,
		MaxTokens:      e.cfg.MaxTokens,
		EnableThinking: e.cfg.EnableThinking,
	}

	chunks, err := e.provider.Complete(ctx, req)
	if err != nil {
		return e.handleTerminalError(tr, sink, err)
	}

	var (
		text        string
		assembled   []models.Block
		pendingDone bool
		sawToolUse  bool
		results     []models.Block
	)

	for chunk := range chunks {
		if interrupted != nil && interrupted() {
			sink.Emit(Event{Type: EventInterrupted})
			return text
		}

		switch {
		case chunk.Error != nil:
			return e.handleTerminalError(tr, sink, chunk.Error)

		case chunk.ThinkingStart:
			// no-op marker; thinking text itself arrives via chunk.Thinking

		case chunk.Thinking != "":
			sink.Emit(Event{Type: EventThinking, Content: chunk.Thinking})

		case chunk.ThinkingEnd:
			// no-op marker

		case chunk.ToolCall != nil:
			sawToolUse = true
			id := chunk.ToolCall.ID
			if id == "" {
				id = uuid.NewString()
			}
			input := chunk.ToolCall.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			var probe any
			if err := json.Unmarshal(input, &probe); err != nil {
				errMsg := "Error: Failed to parse tool input JSON: " + err.Error()
				sink.Emit(Event{Type: EventToolUse, ToolUseID: id, ToolName: chunk.ToolCall.Name, ToolInput: input})
				sink.Emit(Event{Type: EventToolResult, ToolUseID: id, Content: errMsg, IsError: true})
				assembled = append(assembled, models.ToolUseBlock(id, chunk.ToolCall.Name, input))
				results = append(results, models.ToolResultBlock(id, errMsg, true))
				continue
			}

			assembled = append(assembled, models.ToolUseBlock(id, chunk.ToolCall.Name, input))
			sink.Emit(Event{Type: EventToolUse, ToolUseID: id, ToolName: chunk.ToolCall.Name, ToolInput: input})

			content, isErr := e.dispatch(ctx, chunk.ToolCall.Name, input)
			sink.Emit(Event{Type: EventToolResult, ToolUseID: id, Content: content, IsError: isErr})
			results = append(results, models.ToolResultBlock(id, content, isErr))

		case chunk.Done:
			pendingDone = true

		default:
			if chunk.Text != "" {
				text += chunk.Text
				sink.Emit(Event{Type: EventDelta, Content: chunk.Text})
				assembled = append(assembled, models.TextBlock(chunk.Text))
			}
		}
	}
	_ = pendingDone

	if sawToolUse {
		assistantMsg := &models.Message{ID: uuid.NewString(), Role: models.RoleAssistant, Blocks: coalesceText(assembled)}
		tr.Append(assistantMsg)
		tr.Append(&models.Message{ID: uuid.NewString(), Role: models.RoleUser, Blocks: results})

		continuation := e.safeContinue(ctx, tr, sink, interrupted, depth+1)
		return text + continuation
	}

	if text != "" {
		tr.Append(&models.Message{ID: uuid.NewString(), Role: models.RoleAssistant, Blocks: []models.Block{models.TextBlock(text)}})
	}

	sink.Emit(Event{Type: EventComplete})
	return text
}

// safeContinue guards the recursive continuation step: an exception there
// (a panic from a misbehaving provider, or any other programmer error)
// must not break the transcript invariant — it still gets a synthetic
// assistant message so the next turn can proceed without repair.
func (e *Engine) safeContinue(ctx context.Context, tr *transcript.Transcript, sink Sink, interrupted func() bool, depth int) (result string) {
	defer func() {
		if r := recover(); r != nil {
			msg := "I encountered an error while processing the tool results. Please try again."
			tr.Append(&models.Message{ID: uuid.NewString(), Role: models.RoleAssistant, Blocks: []models.Block{models.TextBlock(msg)}})
			sink.Emit(Event{Type: EventDelta, Content: msg})
			sink.Emit(Event{Type: EventComplete})
			result = msg
		}
	}()
	return e.runTurn(ctx, tr, "", sink, interrupted, depth)
}

// dispatch executes a tool call on a context detached from the turn's own
// cancellation. The stream loop checks interrupted/ctx at event boundaries
// and can exit mid-turn (a new chat frame, an interrupt), but SPEC_FULL
// §4.6 "Cancellation semantics" and §5 require any tool call already in
// flight to be awaited to completion and its result folded into the
// transcript, not aborted — otherwise a cancelled turn leaves an orphaned
// tool_use block with no tool_result and the next call needs a repair it
// shouldn't have needed. toolDispatchTimeout is the only bound left once
// the turn's cancellation no longer applies.
func (e *Engine) dispatch(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	tool := e.toolByName(name)
	if tool == nil {
		return fmt.Sprintf(`{"error":"no tool registered for %q"}`, name), true
	}
	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), toolDispatchTimeout)
	defer cancel()
	result, err := tool.Execute(dispatchCtx, input)
	if err != nil {
		return err.Error(), true
	}
	return result.Content, result.IsError
}

// handleTerminalError implements the turn's error policy: a provider error
// whose message mentions both tool_use and tool_result indicates the
// transcript itself is corrupted (the provider rejected it), so it is
// cleared; any other error leaves the transcript untouched so the next
// turn can repair it.
func (e *Engine) handleTerminalError(tr *transcript.Transcript, sink Sink, err error) string {
	msg := err.Error()
	if mentionsToolUseAndResult(msg) {
		tr.Clear()
	}
	sink.Emit(Event{Type: EventError, Error: msg})
	return ""
}

func mentionsToolUseAndResult(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "tool_use") && strings.Contains(lower, "tool_result")
}

// coalesceText merges adjacent text blocks produced by multiple delta
// chunks into a single block so the transcript doesn't carry one block per
// streamed fragment.
func coalesceText(blocks []models.Block) []models.Block {
	var out []models.Block
	for _, b := range blocks {
		if b.Type == models.BlockText && len(out) > 0 && out[len(out)-1].Type == models.BlockText {
			out[len(out)-1].Text += b.Text
			continue
		}
		out = append(out, b)
	}
	return out
}

// ToCompletionMessages converts transcript messages into the flat
// Role/Content/ToolCalls/ToolResults shape the provider layer expects. The
// orchestrator's planning pass uses this directly since it builds its own
// CompletionRequest rather than going through RunTurn.
func ToCompletionMessages(messages []*models.Message) []CompletionMessage {
	return toCompletionMessages(messages)
}

func toCompletionMessages(messages []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		cm := CompletionMessage{Role: string(m.Role)}
		for _, b := range m.Blocks {
			switch b.Type {
			case models.BlockText:
				cm.Content += b.Text
			case models.BlockToolUse:
				cm.ToolCalls = append(cm.ToolCalls, models.ToolCall{ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput})
			case models.BlockToolResult:
				cm.ToolResults = append(cm.ToolResults, models.ToolResult{ToolCallID: b.ToolResultID, Content: b.Content, IsError: b.IsError})
			}
		}
		out = append(out, cm)
	}
	return out
}
