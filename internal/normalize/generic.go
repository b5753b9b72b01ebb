package normalize

import (
	"context"
	"encoding/json"

	"github.com/attemptengine/core/internal/logstore"
	"github.com/attemptengine/core/internal/types"
)

// genericStreamJSONParser handles vendor CLIs whose stream-json output
// follows the same shape Claude's does (assistant/tool_use/tool_result/
// error events) closely enough that one engine serves all of them, each
// configured by field-name aliases. Codex, Opencode, Amp, and Gemini all
// emit this family of event shape.
type genericStreamJSONParser struct {
	vendor string

	// Field aliases, since vendors disagree on key names for otherwise
	// identical concepts.
	sessionIDFields []string
	textFields      []string
	toolCallType    string
	toolResultType  string
	errorType       string

	// ampResumeRewrite marks Amp's distinct mode (spec.md §4.4): on
	// --resume, Amp resends the *entire* history rather than just new
	// events, so the parser must treat every incoming line as a full
	// replay and reset state instead of appending.
	ampResumeRewrite bool
}

// NewCodexParser builds the parser for Codex's stdin-driven control
// protocol stream (control messages plus permission-mode/hook config),
// represented here as the same line-oriented JSON event family as the
// others once framed.
func NewCodexParser() Parser {
	return &genericStreamJSONParser{
		vendor:          "codex",
		sessionIDFields: []string{"session_id", "conversation_id"},
		textFields:      []string{"text", "content"},
		toolCallType:    "tool_call",
		toolResultType:  "tool_result",
		errorType:       "error",
	}
}

// NewOpencodeParser builds the parser for Opencode's event stream.
func NewOpencodeParser() Parser {
	return &genericStreamJSONParser{
		vendor:          "opencode",
		sessionIDFields: []string{"sessionID", "session_id"},
		textFields:      []string{"text"},
		toolCallType:    "tool.call",
		toolResultType:  "tool.result",
		errorType:       "error",
	}
}

// NewAmpParser builds the parser for Amp, which shares Opencode's event
// shape but rewrites history wholesale on resume rather than appending.
func NewAmpParser() Parser {
	return &genericStreamJSONParser{
		vendor:           "amp",
		sessionIDFields:  []string{"threadID", "thread_id"},
		textFields:       []string{"text"},
		toolCallType:     "tool.call",
		toolResultType:   "tool.result",
		errorType:        "error",
		ampResumeRewrite: true,
	}
}

// NewGeminiParser builds the parser for Gemini CLI's event stream.
func NewGeminiParser() Parser {
	return &genericStreamJSONParser{
		vendor:          "gemini",
		sessionIDFields: []string{"session_id"},
		textFields:      []string{"text", "content"},
		toolCallType:    "tool_call",
		toolResultType:  "tool_result",
		errorType:       "error",
	}
}

// NewQoderParser builds the parser for Qoder CLI, whose `-p --output-format
// stream-json` shape tracks Claude's closely (confirmed against the
// Rust reference implementation's Qoder executor).
func NewQoderParser() Parser {
	return &genericStreamJSONParser{
		vendor:          "qoder",
		sessionIDFields: []string{"session_id"},
		textFields:      []string{"text"},
		toolCallType:    "tool_use",
		toolResultType:  "tool_result",
		errorType:       "error",
	}
}

func (p *genericStreamJSONParser) Run(ctx context.Context, src *logstore.Store, out Sink, worktreeRoot string, seed []types.ConversationPatch) {
	st := newState(types.NewEntryIndexProvider(seed), out, worktreeRoot)
	for line := range src.StdoutLinesStream(ctx) {
		if p.ampResumeRewrite {
			// A resumed Amp session resends full history; reset streaming
			// state (but keep the index provider, which is itself seeded
			// from history and must not regress) so accumulated text
			// buffers don't straddle two unrelated replays.
			st.closeStreamingText()
		}
		p.handleLine(st, line)
	}
}

func (p *genericStreamJSONParser) handleLine(st *state, line string) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		st.emitSystem(line)
		return
	}

	if !st.sessionIDReported {
		for _, f := range p.sessionIDFields {
			if id := getString(raw, f); id != "" {
				st.out.PushSessionID(id)
				st.sessionIDReported = true
				break
			}
		}
	}

	typeStr := getString(raw, "type")
	switch {
	case typeStr == p.toolCallType:
		st.closeStreamingText()
		p.openGenericToolCall(st, raw)
	case typeStr == p.toolResultType:
		p.closeGenericToolCall(st, raw)
	case typeStr == p.errorType:
		st.closeStreamingText()
		st.emitError(p.vendor, getString(raw, "message"))
	case typeStr == "thinking" || typeStr == "reasoning":
		st.appendThinkingText(p.textOf(raw))
	default:
		if text := p.textOf(raw); text != "" {
			st.appendAssistantText(text)
			return
		}
		st.closeStreamingText()
		st.emitSystem(line)
	}
}

func (p *genericStreamJSONParser) textOf(raw map[string]any) string {
	for _, f := range p.textFields {
		if v := getString(raw, f); v != "" {
			return v
		}
	}
	return ""
}

func (p *genericStreamJSONParser) openGenericToolCall(st *state, raw map[string]any) {
	vendorID := getString(raw, "id")
	if vendorID == "" {
		vendorID = getString(raw, "call_id")
	}
	name := getString(raw, "name")
	if name == "" {
		name = InferToolName(vendorID)
	}
	input, argsRaw := genericToolInput(raw)
	st.openToolCall(vendorID, types.ToolUseDetail{
		ToolName: name,
		Status:   types.ToolCreated,
		Action:   st.genericActionDetail(name, input, argsRaw),
	})
}

// genericToolInput resolves a tool call's argument object, preferring
// "arguments" (Codex/Gemini) then falling back to "input" (Opencode/Amp/
// Qoder's Claude-shaped alias).
func genericToolInput(raw map[string]any) (map[string]any, json.RawMessage) {
	if m, ok := getMap(raw, "arguments"); ok {
		b, _ := json.Marshal(m)
		return m, b
	}
	if m, ok := getMap(raw, "input"); ok {
		b, _ := json.Marshal(m)
		return m, b
	}
	return nil, nil
}

// genericActionDetail maps a tool call's name + argument object to the
// shared typed ActionDetail union the same way the Claude parser does:
// relativizing file paths against the worktree root and building a
// FileChange for edit/write tools. These vendors reuse Claude's own tool
// names and argument shapes closely enough to share the field aliases.
func (s *state) genericActionDetail(name string, input map[string]any, argsRaw json.RawMessage) types.ActionDetail {
	kind := classifyToolName(name)
	switch kind {
	case types.ActionFileRead:
		return types.ActionDetail{Kind: kind, Path: s.relPath(genericField(input, "file_path", "path"))}
	case types.ActionFileEdit:
		path := s.relPath(genericField(input, "file_path", "path"))
		newText := genericField(input, "content", "new_string", "new_text")
		priorText := genericField(input, "old_string", "old_text")
		hadPrior := name != "Write"
		return types.ActionDetail{
			Kind:    kind,
			Path:    path,
			Changes: []types.FileChange{fileChangeFor(priorText, hadPrior, newText)},
		}
	case types.ActionCommandRun:
		return types.ActionDetail{Kind: kind, Command: genericField(input, "command", "cmd")}
	case types.ActionSearch:
		return types.ActionDetail{Kind: kind, Query: genericField(input, "pattern", "query")}
	case types.ActionWebFetch:
		return types.ActionDetail{Kind: kind, URL: genericField(input, "url")}
	default:
		return types.ActionDetail{Kind: types.ActionGeneric, ToolName: name, Arguments: argsRaw}
	}
}

// genericField returns the first non-empty string found under any of keys.
func genericField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := getString(m, k); v != "" {
			return v
		}
	}
	return ""
}

func (p *genericStreamJSONParser) closeGenericToolCall(st *state, raw map[string]any) {
	vendorID := getString(raw, "id")
	if vendorID == "" {
		vendorID = getString(raw, "call_id")
	}
	status := types.ToolSuccess
	if getBool(raw, "is_error") || getString(raw, "status") == "failed" {
		status = types.ToolFailed
	}
	resultRaw, _ := json.Marshal(raw["result"])
	st.updateToolCall(vendorID, func(d *types.ToolUseDetail) {
		d.Status = status
		if d.Action.Kind == types.ActionCommandRun {
			d.Action.Result = string(resultRaw)
		} else {
			d.Action.GenericResult = resultRaw
		}
	})
}
