package agent_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/transcript"
	"github.com/haasonsaas/nexus/pkg/models"
)

type recordingSink struct {
	events []agent.Event
}

func (s *recordingSink) Emit(e agent.Event) {
	s.events = append(s.events, e)
}

func (s *recordingSink) typesOf() []agent.EventType {
	out := make([]agent.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *recordingSink) count(t agent.EventType) int {
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// scriptedProvider returns one scripted response slice per Complete call,
// mirroring the orchestrator package's stubProvider so the recursive
// continuation (a second Complete call) can be scripted independently of
// the first.
type scriptedProvider struct {
	responses [][]*agent.CompletionChunk
	calls     int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	idx := p.calls
	p.calls++
	var chunks []*agent.CompletionChunk
	if idx < len(p.responses) {
		chunks = p.responses[idx]
	}
	ch := make(chan *agent.CompletionChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string          { return "scripted" }
func (p *scriptedProvider) Models() []agent.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool   { return true }

type echoTool struct {
	name string
}

func (t echoTool) Name() string            { return t.name }
func (t echoTool) Description() string     { return "test tool" }
func (t echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t echoTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: `{"ok":true}`}, nil
}

func textChunk(s string) *agent.CompletionChunk { return &agent.CompletionChunk{Text: s} }
func doneChunk() *agent.CompletionChunk         { return &agent.CompletionChunk{Done: true} }

// TestRunTurnNoTools covers E1: a tool-free turn yields delta events
// followed by exactly one complete event, and the transcript grows by a
// user message and an assistant message.
func TestRunTurnNoTools(t *testing.T) {
	provider := &scriptedProvider{responses: [][]*agent.CompletionChunk{
		{textChunk("hel"), textChunk("lo"), doneChunk()},
	}}
	tr := transcript.New()
	sink := &recordingSink{}
	e := agent.NewEngine(provider, nil, agent.EngineConfig{Model: "test"}, nil)

	result := e.RunTurn(context.Background(), tr, "hi", sink, nil)

	if result != "hello" {
		t.Fatalf("result = %q, want %q", result, "hello")
	}
	if sink.count(agent.EventComplete) != 1 {
		t.Fatalf("expected exactly one complete event, got %v", sink.typesOf())
	}
	if sink.count(agent.EventError) != 0 || sink.count(agent.EventInterrupted) != 0 {
		t.Fatalf("unexpected terminal event mix: %v", sink.typesOf())
	}
	if tr.Len() != 2 {
		t.Fatalf("transcript length = %d, want 2", tr.Len())
	}
	if tr.Messages()[0].Role != models.RoleUser || tr.Messages()[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected roles: %v, %v", tr.Messages()[0].Role, tr.Messages()[1].Role)
	}
	if err := transcript.Validate(tr.Messages()); err != nil {
		t.Fatalf("transcript invalid after turn: %v", err)
	}
}

// TestRunTurnWithToolCall covers E2/E3: a tool_use block is dispatched,
// its result recorded, and the model's follow-up text is appended after a
// second, recursive Complete call. The transcript grows to 4 messages
// (user, assistant-with-tooluse, user-tool-results, assistant-text).
func TestRunTurnWithToolCall(t *testing.T) {
	toolCall := &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: "call-1", Name: "get_incidents", Input: json.RawMessage(`{"limit":10}`)}}
	provider := &scriptedProvider{responses: [][]*agent.CompletionChunk{
		{toolCall, doneChunk()},
		{textChunk("done"), doneChunk()},
	}}
	tr := transcript.New()
	sink := &recordingSink{}
	e := agent.NewEngine(provider, []agent.Tool{echoTool{name: "get_incidents"}}, agent.EngineConfig{Model: "test"}, nil)

	result := e.RunTurn(context.Background(), tr, "show me recent incidents", sink, nil)

	if result != "done" {
		t.Fatalf("result = %q, want %q", result, "done")
	}
	wantSeq := []agent.EventType{agent.EventToolUse, agent.EventToolResult, agent.EventDelta, agent.EventComplete}
	got := sink.typesOf()
	if len(got) != len(wantSeq) {
		t.Fatalf("events = %v, want %v", got, wantSeq)
	}
	for i, w := range wantSeq {
		if got[i] != w {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, got[i], w, got)
		}
	}
	if sink.count(agent.EventComplete) != 1 {
		t.Fatalf("expected exactly one complete event, got %v", got)
	}

	if tr.Len() != 4 {
		t.Fatalf("transcript length = %d, want 4", tr.Len())
	}
	assistantMsg := tr.Messages()[1]
	resultMsg := tr.Messages()[2]
	toolUseIDs := map[string]struct{}{}
	for _, b := range assistantMsg.ToolUseBlocks() {
		toolUseIDs[b.ToolUseID] = struct{}{}
	}
	toolResultIDs := map[string]struct{}{}
	for _, b := range resultMsg.ToolResultBlocks() {
		toolResultIDs[b.ToolResultID] = struct{}{}
	}
	if len(toolUseIDs) != 1 || len(toolResultIDs) != 1 {
		t.Fatalf("expected 1 tool_use/tool_result id pair, got %v / %v", toolUseIDs, toolResultIDs)
	}
	for id := range toolUseIDs {
		if _, ok := toolResultIDs[id]; !ok {
			t.Fatalf("tool_use id %q has no matching tool_result", id)
		}
	}
	if err := transcript.Validate(tr.Messages()); err != nil {
		t.Fatalf("transcript invalid after tool round trip: %v", err)
	}
}

// TestRunTurnToolInputParseFailure covers E5: malformed tool_use JSON still
// yields an error tool_result bound to the same id, and the transcript
// stays invariant.
func TestRunTurnToolInputParseFailure(t *testing.T) {
	badCall := &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: "call-bad", Name: "get_incidents", Input: json.RawMessage(`{not json`)}}
	provider := &scriptedProvider{responses: [][]*agent.CompletionChunk{
		{badCall, doneChunk()},
		{textChunk("sorry"), doneChunk()},
	}}
	tr := transcript.New()
	sink := &recordingSink{}
	e := agent.NewEngine(provider, []agent.Tool{echoTool{name: "get_incidents"}}, agent.EngineConfig{Model: "test"}, nil)

	e.RunTurn(context.Background(), tr, "show incidents", sink, nil)

	var toolResult *agent.Event
	for i := range sink.events {
		if sink.events[i].Type == agent.EventToolResult {
			toolResult = &sink.events[i]
			break
		}
	}
	if toolResult == nil {
		t.Fatalf("expected a tool_result event, got %v", sink.typesOf())
	}
	if !toolResult.IsError {
		t.Fatalf("expected tool_result to be an error for malformed input")
	}
	if toolResult.ToolUseID != "call-bad" {
		t.Fatalf("tool_result id = %q, want call-bad", toolResult.ToolUseID)
	}
	if err := transcript.Validate(tr.Messages()); err != nil {
		t.Fatalf("transcript invalid after parse failure: %v", err)
	}
}

// TestRunTurnInterrupted covers E4: setting the interrupt flag causes the
// next event boundary to emit interrupted instead of completing the turn.
func TestRunTurnInterrupted(t *testing.T) {
	provider := &scriptedProvider{responses: [][]*agent.CompletionChunk{
		{textChunk("a"), textChunk("b"), textChunk("c"), doneChunk()},
	}}
	tr := transcript.New()
	sink := &recordingSink{}
	e := agent.NewEngine(provider, nil, agent.EngineConfig{Model: "test"}, nil)

	seen := 0
	interrupted := func() bool {
		seen++
		return seen > 2
	}

	e.RunTurn(context.Background(), tr, "hi", sink, interrupted)

	if sink.count(agent.EventInterrupted) != 1 {
		t.Fatalf("expected exactly one interrupted event, got %v", sink.typesOf())
	}
	if sink.count(agent.EventComplete) != 0 {
		t.Fatalf("complete must not fire after interruption, got %v", sink.typesOf())
	}
	last := sink.events[len(sink.events)-1]
	if last.Type != agent.EventInterrupted {
		t.Fatalf("last event = %s, want interrupted (terminator must be last)", last.Type)
	}
}

// TestRunTurnRecursionCapped ensures a model that keeps requesting the same
// tool forever cannot wedge a turn open indefinitely (DESIGN NOTES, cap at
// MaxRecursionDepth).
func TestRunTurnRecursionCapped(t *testing.T) {
	loopingCall := func() []*agent.CompletionChunk {
		return []*agent.CompletionChunk{
			{ToolCall: &models.ToolCall{ID: "call-loop", Name: "get_incidents", Input: json.RawMessage(`{}`)}},
			doneChunk(),
		}
	}
	responses := make([][]*agent.CompletionChunk, 0, 5)
	for i := 0; i < 5; i++ {
		responses = append(responses, loopingCall())
	}
	provider := &scriptedProvider{responses: responses}
	tr := transcript.New()
	sink := &recordingSink{}
	e := agent.NewEngine(provider, []agent.Tool{echoTool{name: "get_incidents"}}, agent.EngineConfig{Model: "test", MaxRecursionDepth: 2}, nil)

	e.RunTurn(context.Background(), tr, "loop forever", sink, nil)

	if sink.count(agent.EventError) != 1 {
		t.Fatalf("expected exactly one error event when recursion cap is hit, got %v", sink.typesOf())
	}
	if provider.calls > 4 {
		t.Fatalf("provider called %d times, recursion cap should have stopped it sooner", provider.calls)
	}
}

// TestRunTurnProviderErrorClearsOnToolMismatch covers the §4.4 error policy:
// an error message mentioning both tool_use and tool_result clears the
// transcript, while any other error leaves it untouched for the next turn
// to repair.
func TestRunTurnProviderErrorClearsOnToolMismatch(t *testing.T) {
	provider := &scriptedProvider{responses: [][]*agent.CompletionChunk{
		{&agent.CompletionChunk{Error: errToolMismatch{}}},
	}}
	tr := transcript.New()
	tr.Append(transcript.NewUserMessage("earlier turn"))
	sink := &recordingSink{}
	e := agent.NewEngine(provider, nil, agent.EngineConfig{Model: "test"}, nil)

	e.RunTurn(context.Background(), tr, "", sink, nil)

	if sink.count(agent.EventError) != 1 {
		t.Fatalf("expected exactly one error event, got %v", sink.typesOf())
	}
	if tr.Len() != 0 {
		t.Fatalf("expected transcript to be cleared on tool_use/tool_result mismatch error, len=%d", tr.Len())
	}
}

func TestRunTurnProviderErrorLeavesTranscript(t *testing.T) {
	provider := &scriptedProvider{responses: [][]*agent.CompletionChunk{
		{&agent.CompletionChunk{Error: errGeneric{}}},
	}}
	tr := transcript.New()
	tr.Append(transcript.NewUserMessage("earlier turn"))
	sink := &recordingSink{}
	e := agent.NewEngine(provider, nil, agent.EngineConfig{Model: "test"}, nil)

	e.RunTurn(context.Background(), tr, "", sink, nil)

	if tr.Len() != 1 {
		t.Fatalf("expected transcript untouched by a generic error, len=%d", tr.Len())
	}
}

type errToolMismatch struct{}

func (errToolMismatch) Error() string { return "provider rejected history: tool_use without tool_result" }

type errGeneric struct{}

func (errGeneric) Error() string { return "upstream timeout" }
