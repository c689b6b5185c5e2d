// Package transcript owns the append-only message history for a session:
// validating role alternation and tool_use/tool_result id agreement, and
// repairing histories that were interrupted mid tool-round.
package transcript

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Transcript is the ordered, append-only history of one session's turns.
// It is not safe for concurrent use; callers serialize access the same way
// they serialize turn execution for a given session.
type Transcript struct {
	messages []*models.Message
}

// New returns an empty transcript.
func New() *Transcript {
	return &Transcript{}
}

// FromMessages rebuilds a transcript from a previously persisted history,
// repairing it first so replay never starts from an inconsistent state.
func FromMessages(messages []*models.Message) *Transcript {
	return &Transcript{messages: Repair(messages)}
}

// Append adds a message to the end of the transcript.
func (t *Transcript) Append(msg *models.Message) {
	t.messages = append(t.messages, msg)
}

// Messages returns the transcript's messages. The slice is owned by the
// transcript; callers must not mutate it.
func (t *Transcript) Messages() []*models.Message {
	return t.messages
}

// Len reports the number of messages in the transcript.
func (t *Transcript) Len() int {
	return len(t.messages)
}

// Clone returns a deep copy of the transcript, safe to hand off to a
// streaming turn so the caller's own copy can keep being appended to
// independently. The orchestrator does not use it: its planning and
// streaming passes share one transcript.
func (t *Transcript) Clone() *Transcript {
	cp := make([]*models.Message, len(t.messages))
	for i, m := range t.messages {
		cp[i] = m.Clone()
	}
	return &Transcript{messages: cp}
}

// Snapshot returns a deep-copied, provider-ready view of the transcript.
// Callers may hold onto the returned messages without risking a later
// mutation of the live transcript leaking through.
func (t *Transcript) Snapshot() []*models.Message {
	out := make([]*models.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}

// Clear empties the transcript. Used when a provider error indicates the
// history itself was rejected as malformed (SPEC_FULL §4.4 error policy)
// and no local repair can recover it.
func (t *Transcript) Clear() {
	t.messages = nil
}

// AppendToolResults appends a single user message containing exactly one
// tool-result block per element. It is a no-op if results is empty — the
// invariant (SPEC_FULL §4.1) forbids an empty tool-results message.
func (t *Transcript) AppendToolResults(results []models.Block) {
	if len(results) == 0 {
		return
	}
	t.Append(&models.Message{ID: uuid.NewString(), Role: models.RoleUser, Blocks: results})
}

// ValidateAndRepair inspects the transcript and, if any invariant (SPEC_FULL
// §3) is violated, repairs it in place by inserting synthetic tool-result
// blocks for orphaned tool-use ids. It reports whether a repair was made.
func (t *Transcript) ValidateAndRepair() bool {
	if Validate(t.messages) == nil {
		return false
	}
	t.messages = Repair(t.messages)
	return true
}

// NewUserMessage builds a plain-text user turn.
func NewUserMessage(text string) *models.Message {
	return &models.Message{
		ID:     uuid.NewString(),
		Role:   models.RoleUser,
		Blocks: []models.Block{models.TextBlock(text)},
	}
}

// Validate checks the invariants the turn engine and persistence layer
// both rely on:
//   - roles strictly alternate user/assistant (system messages are carried
//     out of band and never appear in the transcript itself)
//   - every tool_use block in an assistant message is answered by exactly
//     one tool_result block, in the very next message, with a matching id
//   - no tool_result appears without a preceding unanswered tool_use
func Validate(messages []*models.Message) error {
	var pendingIDs map[string]struct{}
	lastRole := models.Role("")

	for i, msg := range messages {
		if msg == nil {
			return fmt.Errorf("transcript: message %d is nil", i)
		}

		switch msg.Role {
		case models.RoleUser:
			if len(msg.ToolResultBlocks()) > 0 {
				if err := checkToolResults(msg, pendingIDs); err != nil {
					return fmt.Errorf("transcript: message %d: %w", i, err)
				}
				pendingIDs = nil
				lastRole = msg.Role
				continue
			}
			if pendingIDs != nil {
				return fmt.Errorf("transcript: message %d: expected tool_result for pending tool_use ids, got plain user turn", i)
			}
			if lastRole == models.RoleUser {
				return fmt.Errorf("transcript: message %d: consecutive user turns break role alternation", i)
			}
		case models.RoleAssistant:
			if pendingIDs != nil {
				return fmt.Errorf("transcript: message %d: assistant turn follows unanswered tool_use", i)
			}
			if lastRole == models.RoleAssistant {
				return fmt.Errorf("transcript: message %d: consecutive assistant turns break role alternation", i)
			}
			ids := map[string]struct{}{}
			for _, b := range msg.ToolUseBlocks() {
				ids[b.ToolUseID] = struct{}{}
			}
			if len(ids) > 0 {
				pendingIDs = ids
			}
		default:
			return fmt.Errorf("transcript: message %d: unexpected role %q in transcript", i, msg.Role)
		}
		lastRole = msg.Role
	}

	if pendingIDs != nil {
		return fmt.Errorf("transcript: history ends with unanswered tool_use ids")
	}
	return nil
}

func checkToolResults(msg *models.Message, pending map[string]struct{}) error {
	results := msg.ToolResultBlocks()
	if pending == nil {
		return fmt.Errorf("tool_result with no preceding tool_use")
	}
	seen := map[string]struct{}{}
	for _, b := range results {
		if _, ok := pending[b.ToolResultID]; !ok {
			return fmt.Errorf("tool_result id %q does not match any pending tool_use", b.ToolResultID)
		}
		seen[b.ToolResultID] = struct{}{}
	}
	for id := range pending {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("tool_use id %q has no matching tool_result", id)
		}
	}
	return nil
}

// Repair restores Validate's invariants on a history that may have been
// interrupted mid tool-round (the gateway crashed, the process was
// restarted, a turn was aborted) before persistence caught up. Unlike a
// simple "drop what doesn't match" pass, Repair inserts synthetic
// tool_result blocks for orphaned tool_use ids rather than deleting the
// tool_use blocks themselves: the assistant's tool_use call is part of the
// auditable record of what the model asked to do, and dropping it would
// silently rewrite history. The synthetic result is marked IsError so a
// resumed turn treats it as a failed call rather than a successful no-op.
func Repair(messages []*models.Message) []*models.Message {
	if len(messages) == 0 {
		return messages
	}

	var pendingIDs []string
	pendingSet := map[string]struct{}{}
	repaired := make([]*models.Message, 0, len(messages))

	flushOrphans := func() {
		if len(pendingIDs) == 0 {
			return
		}
		blocks := make([]models.Block, 0, len(pendingIDs))
		for _, id := range pendingIDs {
			blocks = append(blocks, models.ToolResultBlock(id, "Tool execution was interrupted. Please try again.", true))
		}
		repaired = append(repaired, &models.Message{
			ID:     uuid.NewString(),
			Role:   models.RoleUser,
			Blocks: blocks,
		})
		pendingIDs = nil
		pendingSet = map[string]struct{}{}
	}

	for _, msg := range messages {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			flushOrphans()
			repaired = append(repaired, msg)
			for _, b := range msg.ToolUseBlocks() {
				if b.ToolUseID == "" {
					continue
				}
				pendingIDs = append(pendingIDs, b.ToolUseID)
				pendingSet[b.ToolUseID] = struct{}{}
			}
		case models.RoleUser:
			results := msg.ToolResultBlocks()
			if len(results) == 0 {
				flushOrphans()
				repaired = append(repaired, msg)
				continue
			}
			matched := make([]models.Block, 0, len(results))
			for _, b := range results {
				if _, ok := pendingSet[b.ToolResultID]; ok {
					matched = append(matched, b)
					delete(pendingSet, b.ToolResultID)
					pendingIDs = removeID(pendingIDs, b.ToolResultID)
				}
			}
			// Any ids still pending after this message get their synthetic
			// tool_result merged into this same message (repair policy (c))
			// rather than a separate flushOrphans call, which would insert a
			// second consecutive user message and itself break role
			// alternation.
			for _, id := range pendingIDs {
				matched = append(matched, models.ToolResultBlock(id, "Tool execution was interrupted. Please try again.", true))
			}
			pendingIDs = nil
			pendingSet = map[string]struct{}{}
			if len(matched) > 0 {
				cp := *msg
				cp.Blocks = matched
				repaired = append(repaired, &cp)
			}
		default:
			flushOrphans()
			repaired = append(repaired, msg)
		}
	}
	flushOrphans()

	return repaired
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
