package gateway

import "testing"

func TestValidateWSInboundFrameDefaultsToChat(t *testing.T) {
	frame, err := validateWSInboundFrame([]byte(`{"prompt":"hello"}`))
	if err != nil {
		t.Fatalf("validateWSInboundFrame: %v", err)
	}
	if frame.Type != wsFrameChat {
		t.Errorf("Type = %q, want %q", frame.Type, wsFrameChat)
	}
	if frame.Prompt != "hello" {
		t.Errorf("Prompt = %q, want hello", frame.Prompt)
	}
}

func TestValidateWSInboundFrameChatWithContext(t *testing.T) {
	frame, err := validateWSInboundFrame([]byte(`{"type":"chat","prompt":"show incidents","org_id":"o1","project_id":"p1"}`))
	if err != nil {
		t.Fatalf("validateWSInboundFrame: %v", err)
	}
	if frame.OrgID != "o1" || frame.ProjectID != "p1" {
		t.Errorf("OrgID/ProjectID = %q/%q", frame.OrgID, frame.ProjectID)
	}
}

func TestValidateWSInboundFrameInterrupt(t *testing.T) {
	frame, err := validateWSInboundFrame([]byte(`{"type":"interrupt"}`))
	if err != nil {
		t.Fatalf("validateWSInboundFrame: %v", err)
	}
	if frame.Type != wsFrameInterrupt {
		t.Errorf("Type = %q, want %q", frame.Type, wsFrameInterrupt)
	}
}

func TestValidateWSInboundFrameClearHistory(t *testing.T) {
	frame, err := validateWSInboundFrame([]byte(`{"type":"clear_history"}`))
	if err != nil {
		t.Fatalf("validateWSInboundFrame: %v", err)
	}
	if frame.Type != wsFrameClearHistory {
		t.Errorf("Type = %q, want %q", frame.Type, wsFrameClearHistory)
	}
}

func TestValidateWSInboundFrameInvalidJSON(t *testing.T) {
	if _, err := validateWSInboundFrame([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidateWSInboundFrameUnrecognizedType(t *testing.T) {
	if _, err := validateWSInboundFrame([]byte(`{"type":"bogus"}`)); err == nil {
		t.Fatal("expected error for unrecognized frame type")
	}
}

func TestValidateWSInboundFrameWrongFieldType(t *testing.T) {
	if _, err := validateWSInboundFrame([]byte(`{"type":"chat","prompt":123}`)); err == nil {
		t.Fatal("expected schema validation error for non-string prompt")
	}
}
