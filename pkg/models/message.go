// Package models holds the data shapes shared across the runtime: transcript
// messages, content blocks, and the session/tool metadata that rides along
// with them.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type. Transcript turns alternate
// strictly user/assistant; system prompts are carried out-of-band.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates the Block sum type.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one element of a message's content. It is a discriminated union:
// exactly the fields matching Type are meaningful. Plain string content
// (user text, assistant text) is represented as a single BlockText element
// rather than a separate message shape, so "content is a string" and
// "content is a list of blocks" share one representation at the storage
// layer; Message.Text()/IsTextOnly() recover the simple-string view.
type Block struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ToolUseID   string          `json:"id,omitempty"`
	ToolName    string          `json:"name,omitempty"`
	ToolInput   json.RawMessage `json:"input,omitempty"`

	// BlockToolResult
	ToolResultID string `json:"tool_use_id,omitempty"`
	Content      string `json:"content,omitempty"`
	IsError      bool   `json:"is_error,omitempty"`
}

// TextBlock builds a BlockText element.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolUseBlock builds a BlockToolUse element.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// ToolResultBlock builds a BlockToolResult element.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolResultID: toolUseID, Content: content, IsError: isError}
}

// Message is one transcript turn: a role plus an ordered list of blocks.
// Pure text turns (user prompts, final assistant replies) are a single
// BlockText; tool-bearing turns interleave BlockText and BlockToolUse (for
// assistant messages) or hold only BlockToolResult elements (for user
// tool-results messages).
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Blocks    []Block   `json:"blocks"`
	CreatedAt time.Time `json:"created_at"`
}

// IsTextOnly reports whether the message is a single text block, the shape
// used for plain user/assistant turns.
func (m *Message) IsTextOnly() bool {
	return len(m.Blocks) == 1 && m.Blocks[0].Type == BlockText
}

// Text concatenates every text block in the message, in order.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUseBlocks returns the tool_use blocks in the message, in order.
func (m *Message) ToolUseBlocks() []Block {
	var out []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// ToolResultBlocks returns the tool_result blocks in the message, in order.
func (m *Message) ToolResultBlocks() []Block {
	var out []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolResult {
			out = append(out, b)
		}
	}
	return out
}

// Clone returns a deep copy of the message, safe to hand to a caller that
// must not observe subsequent mutation of the owning transcript.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Blocks = make([]Block, len(m.Blocks))
	for i, b := range m.Blocks {
		if len(b.ToolInput) > 0 {
			input := make(json.RawMessage, len(b.ToolInput))
			copy(input, b.ToolInput)
			b.ToolInput = input
		}
		cp.Blocks[i] = b
	}
	return &cp
}

// Session identifies the tenant context a turn executes under.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OrgID          string    `json:"org_id"`
	ProjectID      string    `json:"project_id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToolCall is a single model-requested invocation, used by the dispatcher
// and audit trail independent of its transcript block representation.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Attachment is an inline or remote media reference attached to a user
// message, passed through to vision-capable providers as an image content
// block. URL may be a remote http(s) URL or a data: URL carrying inline
// base64 bytes.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID  string       `json:"tool_call_id"`
	Content     string       `json:"content"`
	IsError     bool         `json:"is_error"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
