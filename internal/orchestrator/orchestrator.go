// Package orchestrator implements the hybrid plan/stream decision that
// sits in front of the streaming turn engine: tool-free prompts go
// straight to the stream, while prompts that look like they need tools
// first go through a cheap non-streaming planning call so the tool round
// trip doesn't show up as dead air on the user's first token.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/audit"
	"github.com/haasonsaas/nexus/internal/transcript"
	"github.com/haasonsaas/nexus/pkg/models"
)

// plannerDispatchTimeout bounds a planner-phase tool call detached from the
// turn's own cancellation, mirroring internal/agent.Engine.dispatch: an
// interrupt or superseding chat frame must stop the turn without aborting a
// tool call already in flight (SPEC_FULL §4.6, §5).
const plannerDispatchTimeout = 30 * time.Second

// DefaultKeywords is the fixed vocabulary that triggers the planner path.
// Callers append the names of any configured external tool servers so a
// prompt naming a specific integration also routes through the planner.
var DefaultKeywords = []string{
	"incident", "alert", "acknowledge", "resolve", "show", "list", "get",
	"fetch", "stats", "recent", "latest", "logs", "search",
}

const defaultPlanMaxTokens = 1024

// Config configures one Orchestrator.
type Config struct {
	// Keywords is the vocabulary checked against the lowercased prompt.
	// If empty, DefaultKeywords is used.
	Keywords []string
	// AlwaysPlan forces every turn through the planner path regardless of
	// keyword match.
	AlwaysPlan bool
	// PlanModel/PlanSystem configure the planning LLM call. PlanSystem
	// typically matches the streaming engine's system prompt so the plan
	// and the final answer share the same persona and constraints.
	PlanModel     string
	PlanSystem    string
	PlanMaxTokens int
}

func (c Config) withDefaults() Config {
	if len(c.Keywords) == 0 {
		c.Keywords = DefaultKeywords
	}
	if c.PlanMaxTokens <= 0 {
		c.PlanMaxTokens = defaultPlanMaxTokens
	}
	return c
}

// Orchestrator decides, per turn, whether to plan first or stream
// directly, and runs whichever path it picks.
type Orchestrator struct {
	provider agent.LLMProvider
	tools    []agent.Tool
	engine   *agent.Engine
	cfg      Config
	keywords *regexp.Regexp
	auditLog *audit.Logger
	logger   *slog.Logger
}

// New builds an orchestrator. provider and tools back the planning call;
// engine runs both the direct-stream path and the planner's follow-on
// streaming pass once tool results (if any) are in the transcript.
func New(provider agent.LLMProvider, tools []agent.Tool, engine *agent.Engine, cfg Config, auditLog *audit.Logger, logger *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		provider: provider,
		tools:    tools,
		engine:   engine,
		cfg:      cfg,
		keywords: buildKeywordRegex(cfg.Keywords),
		auditLog: auditLog,
		logger:   logger.With("component", "orchestrator"),
	}
}

func buildKeywordRegex(keywords []string) *regexp.Regexp {
	if len(keywords) == 0 {
		return nil
	}
	escaped := make([]string, len(keywords))
	for i, k := range keywords {
		escaped[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(escaped, "|") + `)\b`)
}

// Decide applies the keyword heuristic (SPEC_FULL §4.5): it returns
// whether the planner path should run and the reason recorded on the
// routing-decision audit event.
func (o *Orchestrator) Decide(prompt string) (usePlanner bool, reason string) {
	if o.cfg.AlwaysPlan {
		return true, "always_plan"
	}
	if len(o.tools) == 0 {
		return false, "direct"
	}
	if o.keywords != nil {
		if m := o.keywords.FindString(strings.ToLower(prompt)); m != "" {
			return true, "keyword:" + m
		}
	}
	return false, "direct"
}

func (o *Orchestrator) toolByName(name string) agent.Tool {
	for _, t := range o.tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// Run executes one turn: it decides the path, records the routing
// decision, and hands off to either the engine directly or the planner
// followed by the engine. actor identifies the session for audit
// correlation; it may be the zero value if auditing is disabled.
func (o *Orchestrator) Run(ctx context.Context, tr *transcript.Transcript, prompt string, sink agent.Sink, interrupted func() bool, actor audit.Actor) string {
	usePlanner, reason := o.Decide(prompt)
	o.auditRouting(ctx, actor, usePlanner, reason)

	if !usePlanner {
		return o.engine.RunTurn(ctx, tr, prompt, sink, interrupted)
	}
	return o.runPlanned(ctx, tr, prompt, sink, interrupted, actor)
}

func (o *Orchestrator) auditRouting(ctx context.Context, actor audit.Actor, usePlanner bool, reason string) {
	if o.auditLog == nil {
		return
	}
	o.auditLog.Log(ctx, audit.Event{
		Category: audit.CategoryChat,
		Type:     "routing_decision",
		Status:   audit.StatusSuccess,
		Actor:    actor,
		Details: map[string]any{
			"reason":  reason,
			"planner": usePlanner,
			"model":   o.provider.Name(),
		},
	})
}

// runPlanned implements the planner path (SPEC_FULL §4.5 steps 1-5).
func (o *Orchestrator) runPlanned(ctx context.Context, tr *transcript.Transcript, prompt string, sink agent.Sink, interrupted func() bool, actor audit.Actor) string {
	tr.ValidateAndRepair()
	tr.Append(transcript.NewUserMessage(prompt))

	text, toolCalls, err := o.plan(ctx, tr)
	if err != nil {
		sink.Emit(agent.Event{Type: agent.EventError, Error: err.Error()})
		return ""
	}

	if len(toolCalls) == 0 {
		tr.Append(&models.Message{ID: uuid.NewString(), Role: models.RoleAssistant, Blocks: []models.Block{models.TextBlock(text)}})
		if text != "" {
			sink.Emit(agent.Event{Type: agent.EventDelta, Content: text})
		}
		sink.Emit(agent.Event{Type: agent.EventComplete})
		return text
	}

	assistantBlocks := make([]models.Block, 0, len(toolCalls))
	resultBlocks := make([]models.Block, 0, len(toolCalls))
	for _, call := range toolCalls {
		assistantBlocks = append(assistantBlocks, models.ToolUseBlock(call.ID, call.Name, call.Input))
		sink.Emit(agent.Event{Type: agent.EventToolUse, ToolUseID: call.ID, ToolName: call.Name, ToolInput: call.Input})

		content, isErr := o.dispatch(ctx, call.Name, call.Input)
		resultBlocks = append(resultBlocks, models.ToolResultBlock(call.ID, content, isErr))
		sink.Emit(agent.Event{Type: agent.EventToolResult, ToolUseID: call.ID, Content: content, IsError: isErr})

		o.auditTool(ctx, actor, call.Name, isErr)
	}

	tr.Append(&models.Message{ID: uuid.NewString(), Role: models.RoleAssistant, Blocks: assistantBlocks})
	tr.AppendToolResults(resultBlocks)

	// Enter the streaming engine with the tool round already resolved in
	// the transcript; no new user prompt accompanies this call.
	return o.engine.RunTurn(ctx, tr, "", sink, interrupted)
}

func (o *Orchestrator) dispatch(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	tool := o.toolByName(name)
	if tool == nil {
		return fmt.Sprintf(`{"error":"no tool registered for %q"}`, name), true
	}
	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), plannerDispatchTimeout)
	defer cancel()
	result, err := tool.Execute(dispatchCtx, input)
	if err != nil {
		return err.Error(), true
	}
	return result.Content, result.IsError
}

func (o *Orchestrator) auditTool(ctx context.Context, actor audit.Actor, name string, isErr bool) {
	if o.auditLog == nil {
		return
	}
	status := audit.StatusSuccess
	if isErr {
		status = audit.StatusFailure
	}
	o.auditLog.Log(ctx, audit.Event{
		Category: audit.CategoryTool,
		Type:     "planner_tool_dispatch",
		Status:   status,
		Actor:    actor,
		Resource: audit.Resource{ToolName: name},
	})
}

// plannedToolCall is the planner's own record of one dispatched call,
// independent of the tool dispatcher's Result shape so this package has
// no dependency on internal/tools.
type plannedToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// plan issues the non-streaming planning call and drains it fully before
// returning: the planner never streams partial text to the sink, it only
// ever contributes a finished text answer or a finished set of tool
// calls.
func (o *Orchestrator) plan(ctx context.Context, tr *transcript.Transcript) (string, []plannedToolCall, error) {
	req := &agent.CompletionRequest{
		Model:     o.cfg.PlanModel,
		System:    o.cfg.PlanSystem,
		Messages:  agent.ToCompletionMessages(tr.Messages()),
		Tools:     o.tools,
		MaxTokens: o.cfg.PlanMaxTokens,
	}

	chunks, err := o.provider.Complete(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("orchestrator: planning call failed: %w", err)
	}

	var (
		text  string
		calls []plannedToolCall
	)
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			return "", nil, chunk.Error
		case chunk.ToolCall != nil:
			id := chunk.ToolCall.ID
			if id == "" {
				id = uuid.NewString()
			}
			input := chunk.ToolCall.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			calls = append(calls, plannedToolCall{ID: id, Name: chunk.ToolCall.Name, Input: input})
		case chunk.Text != "":
			text += chunk.Text
		}
	}
	return text, calls, nil
}
