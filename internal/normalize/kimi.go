package normalize

import (
	"context"
	"encoding/json"

	"github.com/attemptengine/core/internal/logstore"
	"github.com/attemptengine/core/internal/types"
)

// KimiParser decodes Kimi CLI's typed turn/step/tool-call event enum
// (TurnBegin/TurnEnd, StepBegin/StepInterrupted, AgentMessageChunk/
// AgentThoughtChunk, ToolCallStart/Progress/Complete, ApprovalRequest/
// Response, StatusUpdate). Distinct enough from the Claude-shaped stream
// to warrant its own parser rather than the generic table-driven one.
type KimiParser struct{}

func (KimiParser) Run(ctx context.Context, src *logstore.Store, out Sink, worktreeRoot string, seed []types.ConversationPatch) {
	st := newState(types.NewEntryIndexProvider(seed), out, worktreeRoot)
	for line := range src.StdoutLinesStream(ctx) {
		st.handleKimiLine(line)
	}
}

func (s *state) handleKimiLine(line string) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		s.emitSystem(line)
		return
	}
	switch getString(raw, "type") {
	case "turn_begin":
		s.closeStreamingText()
	case "turn_end", "step_interrupted":
		s.closeStreamingText()
	case "step_begin":
		// New agent loop cycle; no entry of its own, but any open text
		// from the previous step must not bleed into this one.
		s.closeStreamingText()
	case "agent_message_chunk":
		s.appendAssistantText(getString(raw, "content"))
	case "agent_thought_chunk":
		s.appendThinkingText(getString(raw, "content"))
	case "tool_call_start":
		s.handleKimiToolCallStart(raw)
	case "tool_call_progress":
		s.handleKimiToolCallProgress(raw)
	case "tool_call_complete":
		s.handleKimiToolCallComplete(raw)
	case "approval_request":
		s.closeStreamingText()
		// Swallowed until resolved; a denial arrives via approval_response.
	case "approval_response":
		if getString(raw, "response") == "deny" {
			s.emitUserFeedback(getString(raw, "tool_call_id"))
		}
	case "status_update", "compaction_begin", "compaction_end":
		// Metadata-only; no conversation entry.
	default:
		s.emitSystem(line)
	}
}

func (s *state) handleKimiToolCallStart(raw map[string]any) {
	toolCall, ok := getMap(raw, "tool_call")
	if !ok {
		return
	}
	vendorID := getString(toolCall, "id")
	name := getString(toolCall, "name")
	argsRaw, _ := json.Marshal(toolCall["arguments"])
	s.openToolCall(vendorID, types.ToolUseDetail{
		ToolName: name,
		Status:   types.ToolCreated,
		Action:   types.ActionDetail{Kind: classifyToolName(name), ToolName: name, Arguments: argsRaw},
	})
}

func (s *state) handleKimiToolCallProgress(raw map[string]any) {
	vendorID := getString(raw, "tool_call_id")
	contentRaw, _ := json.Marshal(raw["content"])
	s.updateToolCall(vendorID, func(d *types.ToolUseDetail) {
		d.Action.GenericResult = contentRaw
	})
}

func (s *state) handleKimiToolCallComplete(raw map[string]any) {
	vendorID := getString(raw, "tool_call_id")
	resultRaw, _ := json.Marshal(raw["result"])
	s.updateToolCall(vendorID, func(d *types.ToolUseDetail) {
		d.Status = types.ToolSuccess
		if d.Action.Kind == types.ActionCommandRun {
			d.Action.Result = string(resultRaw)
		} else {
			d.Action.GenericResult = resultRaw
		}
	})
}
