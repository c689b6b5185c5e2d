package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/mcp"
)

// agentTool adapts a single Descriptor, dispatched through a Dispatcher,
// into the agent.Tool interface the turn engine and orchestrator consume.
// The engine only ever sees agent.Tool; it has no notion of built-in vs.
// external tool servers, so this is the one seam where that distinction
// disappears.
type agentTool struct {
	descriptor Descriptor
	dispatcher *Dispatcher
}

// AgentTools builds the []agent.Tool surface for one session's dispatcher,
// wrapping every descriptor it currently exposes (built-in plus whatever
// external servers were leased for this user).
func AgentTools(d *Dispatcher, external map[string][]*mcp.MCPTool) []agent.Tool {
	descriptors := d.Descriptors(external)
	out := make([]agent.Tool, 0, len(descriptors))
	for _, desc := range descriptors {
		out = append(out, &agentTool{descriptor: desc, dispatcher: d})
	}
	return out
}

func (t *agentTool) Name() string            { return t.descriptor.Name }
func (t *agentTool) Description() string     { return t.descriptor.Description }
func (t *agentTool) Schema() json.RawMessage { return t.descriptor.InputSchema }

func (t *agentTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	result := t.dispatcher.Dispatch(ctx, t.descriptor.Name, params)
	return &agent.ToolResult{Content: result.Content, IsError: result.IsError}, nil
}
