package normalize

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/attemptengine/core/internal/logstore"
	"github.com/attemptengine/core/internal/types"
)

// ACPParser decodes Agent Client Protocol session/update notifications,
// dispatching each update type through a lookup table: adding a new
// update type is one map entry plus one handler function.
type ACPParser struct{}

// acpUpdateHandler mutates s in response to one decoded inner update.
type acpUpdateHandler func(s *state, raw map[string]any)

var acpUpdateHandlers = map[string]acpUpdateHandler{
	"agent_message_chunk": acpContentChunk(false),
	"agent_thought_chunk": acpContentChunk(true),
	"user_message_chunk":  acpUserMessageChunk,
	"tool_call":           acpToolCall,
	"tool_call_update":    acpToolCallUpdate,
	"plan":                acpPlan,
	"current_mode_update": acpModeUpdate,
	"usage_update":        acpSilent,
}

func (ACPParser) Run(ctx context.Context, src *logstore.Store, out Sink, worktreeRoot string, seed []types.ConversationPatch) {
	st := newState(types.NewEntryIndexProvider(seed), out, worktreeRoot)
	for line := range src.StdoutLinesStream(ctx) {
		st.handleACPLine(line)
	}
}

func (s *state) handleACPLine(line string) {
	var envelope struct {
		SessionID string          `json:"sessionId"`
		Update    json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal([]byte(line), &envelope); err != nil || len(envelope.Update) == 0 {
		s.emitSystem(line)
		return
	}
	if envelope.SessionID != "" && !s.sessionIDReported {
		s.out.PushSessionID(envelope.SessionID)
		s.sessionIDReported = true
	}

	var header struct {
		SessionUpdate string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(envelope.Update, &header); err != nil || header.SessionUpdate == "" {
		s.emitSystem("unknown")
		return
	}

	var inner map[string]any
	_ = json.Unmarshal(envelope.Update, &inner)

	handler, ok := acpUpdateHandlers[header.SessionUpdate]
	if !ok {
		s.closeStreamingText()
		s.emitSystem(header.SessionUpdate)
		return
	}
	handler(s, inner)
}

func acpContentChunk(thinking bool) acpUpdateHandler {
	return func(s *state, raw map[string]any) {
		content, ok := getMap(raw, "content")
		if !ok {
			return
		}
		text := getString(content, "text")
		if thinking {
			s.appendThinkingText(text)
		} else {
			s.appendAssistantText(text)
		}
	}
}

func acpUserMessageChunk(s *state, raw map[string]any) {
	s.closeStreamingText()
	content, _ := getMap(raw, "content")
	s.emitSystem(getString(content, "text"))
}

func acpToolCall(s *state, raw map[string]any) {
	vendorID := getString(raw, "toolCallId")
	name := getString(raw, "title")
	rawInput, _ := json.Marshal(raw["rawInput"])
	s.openToolCall(vendorID, types.ToolUseDetail{
		ToolName: name,
		Status:   types.ToolCreated,
		Action:   types.ActionDetail{Kind: types.ActionGeneric, ToolName: name, Arguments: rawInput},
	})
}

func acpToolCallUpdate(s *state, raw map[string]any) {
	vendorID := getString(raw, "toolCallId")
	switch getString(raw, "status") {
	case "completed":
		result := acpExtractContentText(raw["content"])
		s.updateToolCall(vendorID, func(d *types.ToolUseDetail) {
			d.Status = types.ToolSuccess
			d.Action.GenericResult, _ = json.Marshal(result)
		})
	case "failed":
		s.updateToolCall(vendorID, func(d *types.ToolUseDetail) {
			d.Status = types.ToolFailed
		})
	default:
		// in_progress / pending: no status-bearing replace needed yet.
	}
}

func acpExtractContentText(raw any) string {
	blocks, ok := raw.([]any)
	if !ok {
		return ""
	}
	for _, b := range blocks {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if cm, ok := getMap(bm, "content"); ok {
			if text := getString(cm, "text"); text != "" {
				return text
			}
		}
	}
	return ""
}

func acpPlan(s *state, raw map[string]any) {
	entries, ok := getArray(raw, "entries")
	if !ok {
		return
	}
	var b strings.Builder
	for i, e := range entries {
		em, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(getString(em, "content"))
	}
	entriesJSON, _ := json.Marshal(entries)
	s.closeStreamingText()
	i := s.idx.Next()
	s.out.PushPatch(types.ConversationPatch{
		Op:    types.PatchAdd,
		Index: i,
		Entry: &types.NormalizedEntry{
			Type: types.EntryToolUse,
			Tool: &types.ToolUseDetail{
				ToolName: "plan",
				Status:   types.ToolSuccess,
				Action:   types.ActionDetail{Kind: types.ActionPlanPresentation, Plan: b.String(), Todos: entriesJSON},
			},
		},
	})
}

func acpModeUpdate(s *state, raw map[string]any) {
	s.closeStreamingText()
	s.emitSystem("mode:" + getString(raw, "currentModeId"))
}

func acpSilent(*state, map[string]any) {}
