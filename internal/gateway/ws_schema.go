package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// wsSchemaRegistry compiles the inbound frame schemas once and reuses them
// for every connection, the same compile-once-validate-many shape the
// teacher's own gateway schema layer uses.
type wsSchemaRegistry struct {
	once    sync.Once
	initErr error
	byType  map[string]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		docs := map[string]string{
			"chat":          wsChatFrameSchema,
			"interrupt":     wsBareFrameSchema,
			"clear_history": wsBareFrameSchema,
		}
		wsSchemas.byType = make(map[string]*jsonschema.Schema, len(docs))
		for typ, doc := range docs {
			compiled, err := jsonschema.CompileString("ws_frame_"+typ, doc)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.byType[typ] = compiled
		}
	})
	return wsSchemas.initErr
}

// validateWSInboundFrame parses raw as a frame and validates it against the
// schema selected by its "type" field (defaulting to "chat" when omitted,
// per the inbound-frame table). It returns the decoded frame on success.
func validateWSInboundFrame(raw []byte) (*wsInboundFrame, error) {
	if err := initWSSchemas(); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON message")
	}

	var frame wsInboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("invalid JSON message")
	}
	if frame.Type == "" {
		frame.Type = wsFrameChat
	}

	schema, ok := wsSchemas.byType[frame.Type]
	if !ok {
		return nil, fmt.Errorf("unrecognized frame type %q", frame.Type)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, err
	}
	return &frame, nil
}

// wsInboundFrame is the union of every field any inbound frame type may
// carry. Only the fields relevant to frame.Type are populated by the
// sender; the rest are zero values.
type wsInboundFrame struct {
	Type      string `json:"type"`
	Prompt    string `json:"prompt"`
	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id"`
}

const (
	wsFrameChat         = "chat"
	wsFrameInterrupt    = "interrupt"
	wsFrameClearHistory = "clear_history"
)

const wsBareFrameSchema = `{
  "type": "object",
  "properties": {
    "type": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsChatFrameSchema = `{
  "type": "object",
  "properties": {
    "type": { "type": "string" },
    "prompt": { "type": "string" },
    "org_id": { "type": "string" },
    "project_id": { "type": "string" }
  },
  "additionalProperties": true
}`
