package transcript

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus/pkg/models"
)

func assistantWithTool(id, name string) *models.Message {
	return &models.Message{
		Role: models.RoleAssistant,
		Blocks: []models.Block{
			models.TextBlock("let me check that"),
			models.ToolUseBlock(id, name, json.RawMessage(`{}`)),
		},
	}
}

func userToolResult(id, content string, isErr bool) *models.Message {
	return &models.Message{
		Role:   models.RoleUser,
		Blocks: []models.Block{models.ToolResultBlock(id, content, isErr)},
	}
}

func TestValidateAcceptsMatchedHistory(t *testing.T) {
	history := []*models.Message{
		NewUserMessage("what's open?"),
		assistantWithTool("call_1", "get_incidents"),
		userToolResult("call_1", "[]", false),
		{Role: models.RoleAssistant, Blocks: []models.Block{models.TextBlock("nothing open")}},
	}
	if err := Validate(history); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsOrphanToolUse(t *testing.T) {
	history := []*models.Message{
		NewUserMessage("what's open?"),
		assistantWithTool("call_1", "get_incidents"),
	}
	if err := Validate(history); err == nil {
		t.Fatal("Validate() = nil, want error for unanswered tool_use")
	}
}

func TestValidateRejectsUnmatchedToolResult(t *testing.T) {
	history := []*models.Message{
		NewUserMessage("hi"),
		userToolResult("call_1", "result", false),
	}
	if err := Validate(history); err == nil {
		t.Fatal("Validate() = nil, want error for tool_result with no tool_use")
	}
}

func TestRepairInsertsSyntheticResultForOrphanToolUse(t *testing.T) {
	history := []*models.Message{
		NewUserMessage("what's open?"),
		assistantWithTool("call_1", "get_incidents"),
	}

	repaired := Repair(history)
	if err := Validate(repaired); err != nil {
		t.Fatalf("Repair() produced invalid history: %v", err)
	}

	last := repaired[len(repaired)-1]
	results := last.ToolResultBlocks()
	if len(results) != 1 || results[0].ToolResultID != "call_1" {
		t.Fatalf("expected synthetic tool_result for call_1, got %+v", results)
	}
	if !results[0].IsError {
		t.Error("synthetic tool_result should be marked as error")
	}

	toolUse := repaired[1].ToolUseBlocks()
	if len(toolUse) != 1 || toolUse[0].ToolUseID != "call_1" {
		t.Fatal("Repair() must not drop the original tool_use block")
	}
}

func TestRepairLeavesCompleteHistoryUntouched(t *testing.T) {
	history := []*models.Message{
		NewUserMessage("what's open?"),
		assistantWithTool("call_1", "get_incidents"),
		userToolResult("call_1", "[]", false),
	}
	repaired := Repair(history)
	if len(repaired) != len(history) {
		t.Fatalf("Repair() changed message count: got %d, want %d", len(repaired), len(history))
	}
}

func TestValidateRejectsBackToBackAssistantTurns(t *testing.T) {
	history := []*models.Message{
		NewUserMessage("hi"),
		{Role: models.RoleAssistant, Blocks: []models.Block{models.TextBlock("hello")}},
		assistantWithTool("call_1", "get_incidents"),
	}
	if err := Validate(history); err == nil {
		t.Fatal("Validate() = nil, want error for consecutive assistant turns")
	}
}

func TestValidateAndRepairFixesOrphanInPlace(t *testing.T) {
	tr := New()
	tr.Append(NewUserMessage("what's open?"))
	tr.Append(assistantWithTool("call_1", "get_incidents"))

	repaired := tr.ValidateAndRepair()
	if !repaired {
		t.Fatal("ValidateAndRepair() = false, want true for orphan tool_use")
	}
	if err := Validate(tr.Messages()); err != nil {
		t.Fatalf("transcript still invalid after repair: %v", err)
	}

	repairedAgain := tr.ValidateAndRepair()
	if repairedAgain {
		t.Fatal("ValidateAndRepair() repaired an already-valid transcript")
	}
}

func TestValidateAndRepairIsIdempotent(t *testing.T) {
	build := func() *Transcript {
		tr := New()
		tr.Append(NewUserMessage("what's open?"))
		tr.Append(assistantWithTool("call_1", "get_incidents"))
		return tr
	}

	once := build()
	once.ValidateAndRepair()
	snapshotOnce, err := json.Marshal(once.Snapshot())
	if err != nil {
		t.Fatal(err)
	}

	twice := build()
	twice.ValidateAndRepair()
	twice.ValidateAndRepair()
	snapshotTwice, err := json.Marshal(twice.Snapshot())
	if err != nil {
		t.Fatal(err)
	}

	if string(snapshotOnce) != string(snapshotTwice) {
		t.Fatalf("repeated repair changed the transcript:\nfirst:  %s\nsecond: %s", snapshotOnce, snapshotTwice)
	}
}

func TestClearEmptiesTranscript(t *testing.T) {
	tr := New()
	tr.Append(NewUserMessage("hi"))
	tr.Clear()
	if tr.Len() != 0 {
		t.Fatalf("Len() after Clear() = %d, want 0", tr.Len())
	}
}

func TestAppendToolResultsNoopOnEmpty(t *testing.T) {
	tr := New()
	tr.AppendToolResults(nil)
	if tr.Len() != 0 {
		t.Fatalf("AppendToolResults(nil) appended a message: Len() = %d", tr.Len())
	}
}
