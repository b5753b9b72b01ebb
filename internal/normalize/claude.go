package normalize

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/attemptengine/core/internal/logstore"
	"github.com/attemptengine/core/internal/types"
)

// ClaudeParser decodes Claude Code's `--output-format stream-json` lines:
// system/init, assistant, tool, result, error, and stream_event events.
type ClaudeParser struct{}

func (ClaudeParser) Run(ctx context.Context, src *logstore.Store, out Sink, worktreeRoot string, seed []types.ConversationPatch) {
	st := newState(types.NewEntryIndexProvider(seed), out, worktreeRoot)
	for line := range src.StdoutLinesStream(ctx) {
		st.handleClaudeLine(line)
	}
}

func (s *state) handleClaudeLine(line string) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		s.emitSystem(line)
		return
	}
	typeStr := getString(raw, "type")
	switch typeStr {
	case "system":
		s.handleClaudeSystem(raw)
	case "assistant":
		s.handleClaudeAssistant(raw)
	case "user":
		s.handleClaudeUser(raw)
	case "tool":
		s.handleClaudeToolResult(raw)
	case "result":
		s.closeStreamingText()
	case "error":
		s.closeStreamingText()
		s.emitError("claude", getString(raw, "message"))
	case "stream_event":
		s.handleClaudeStreamEvent(raw)
	case "approval_response":
		s.handleClaudeApproval(raw)
	default:
		s.emitSystem(line)
	}
}

func (s *state) handleClaudeSystem(raw map[string]any) {
	if getString(raw, "subtype") == "init" {
		if id := getString(raw, "session_id"); id != "" && !s.sessionIDReported {
			s.out.PushSessionID(id)
			s.sessionIDReported = true
		}
		if getString(raw, "apiKeySource") == "ANTHROPIC_API_KEY" {
			s.emitError("other", "Using ANTHROPIC_API_KEY from the environment for billing; "+
				"usage against this key is billed directly, outside any subscription plan.")
		}
		return
	}
	s.closeStreamingText()
	s.emitSystem(getString(raw, "message"))
}

func (s *state) handleClaudeAssistant(raw map[string]any) {
	message, ok := getMap(raw, "message")
	if !ok {
		return
	}
	content, ok := getArray(message, "content")
	if !ok {
		return
	}
	for _, c := range content {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		switch getString(cm, "type") {
		case "thinking":
			s.appendThinkingText(getString(cm, "thinking"))
		case "tool_use":
			s.closeStreamingText()
			s.openClaudeToolUse(cm)
		default:
			if text := getString(cm, "text"); text != "" {
				s.appendAssistantText(text)
			}
		}
	}
}

func (s *state) openClaudeToolUse(cm map[string]any) {
	vendorID := getString(cm, "id")
	name := getString(cm, "name")
	inputRaw, _ := json.Marshal(cm["input"])
	detail := types.ToolUseDetail{
		ToolName: name,
		Status:   types.ToolCreated,
		Action:   s.claudeActionDetail(name, inputRaw),
	}
	s.openToolCall(vendorID, detail)
}

// claudeActionDetail maps a Claude tool name + its raw input to the shared
// typed ActionDetail union, relativizing file paths and building a
// FileChange for edit/write tools.
func (s *state) claudeActionDetail(name string, inputRaw json.RawMessage) types.ActionDetail {
	var input map[string]any
	_ = json.Unmarshal(inputRaw, &input)

	kind := classifyToolName(name)
	switch kind {
	case types.ActionFileRead:
		return types.ActionDetail{Kind: kind, Path: s.relPath(getString(input, "file_path"))}
	case types.ActionFileEdit:
		path := s.relPath(getString(input, "file_path"))
		newText := getString(input, "content")
		if newText == "" {
			newText = getString(input, "new_string")
		}
		hadPrior := name != "Write"
		var priorText string
		if s, ok := input["old_string"].(string); ok {
			priorText = s
		}
		return types.ActionDetail{
			Kind:    kind,
			Path:    path,
			Changes: []types.FileChange{fileChangeFor(priorText, hadPrior, newText)},
		}
	case types.ActionCommandRun:
		return types.ActionDetail{Kind: kind, Command: getString(input, "command")}
	case types.ActionSearch:
		return types.ActionDetail{Kind: kind, Query: getString(input, "pattern")}
	case types.ActionWebFetch:
		return types.ActionDetail{Kind: kind, URL: getString(input, "url")}
	case types.ActionTaskCreate:
		return types.ActionDetail{Kind: kind, Description: getString(input, "description")}
	case types.ActionPlanPresentation:
		return types.ActionDetail{Kind: kind, Plan: getString(input, "plan")}
	case types.ActionTodoManagement:
		todos, _ := json.Marshal(input["todos"])
		return types.ActionDetail{Kind: kind, Todos: todos, Operation: name}
	default:
		return types.ActionDetail{Kind: types.ActionGeneric, ToolName: name, Arguments: inputRaw}
	}
}

func (s *state) handleClaudeUser(raw map[string]any) {
	message, ok := getMap(raw, "message")
	if !ok {
		return
	}
	content, ok := getArray(message, "content")
	if !ok {
		return
	}
	for _, c := range content {
		cm, ok := c.(map[string]any)
		if !ok || getString(cm, "type") != "tool_result" {
			continue
		}
		vendorID := getString(cm, "tool_use_id")
		status := types.ToolSuccess
		if getBool(cm, "is_error") {
			status = types.ToolFailed
		}
		resultText := extractResultText(cm["content"])
		s.updateToolCall(vendorID, func(d *types.ToolUseDetail) {
			d.Status = status
			if d.Action.Kind == types.ActionCommandRun {
				d.Action.Result = resultText
			} else if d.Action.Kind == types.ActionGeneric {
				d.Action.GenericResult, _ = json.Marshal(resultText)
			}
		})
	}
}

func extractResultText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if text := getString(m, "text"); text != "" {
					return text
				}
			}
		}
	}
	return ""
}

func (s *state) handleClaudeToolResult(raw map[string]any) {
	vendorID := getString(raw, "tool_use_id")
	s.updateToolCall(vendorID, func(d *types.ToolUseDetail) {
		d.Status = types.ToolSuccess
		d.Action.Result = fmt.Sprint(raw["output"])
	})
}

func (s *state) handleClaudeStreamEvent(raw map[string]any) {
	event, ok := getMap(raw, "event")
	if !ok {
		return
	}
	if getString(event, "type") != "content_block_delta" {
		return
	}
	delta, ok := getMap(event, "delta")
	if !ok {
		return
	}
	switch getString(delta, "type") {
	case "text_delta":
		s.appendAssistantText(getString(delta, "text"))
	case "thinking_delta":
		s.appendThinkingText(getString(delta, "thinking"))
	}
}

func (s *state) handleClaudeApproval(raw map[string]any) {
	if getString(raw, "decision") == "deny" {
		s.emitUserFeedback(getString(raw, "tool_name"))
	}
	// approved-silent per spec.md §4.4: no entry emitted.
}
