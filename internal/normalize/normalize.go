// Package normalize turns each vendor coding-agent CLI's raw stdout into
// the shared NormalizedEntry/ConversationPatch schema (internal/types),
// so every consumer downstream of the Message Store sees one conversation
// shape regardless of which agent produced it.
//
// Each vendor parser follows the same shape described in spec.md §4.4:
// obtain an EntryIndexProvider seeded from history, subscribe to the raw
// stream, maintain small streaming state (open text/thinking buffers,
// in-flight tool calls keyed by vendor id), and translate each parsed
// event into zero or more ConversationPatch values pushed back into the
// same MessageStore.
package normalize

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/attemptengine/core/internal/logstore"
	"github.com/attemptengine/core/internal/types"
)

// maxTrackedTools bounds how many in-flight tool calls a single process's
// parser tracks at once. A vendor stream that never closes a tool call
// (or a session with thousands of distinct tool invocations) would
// otherwise grow this map unbounded for the life of the process; eviction
// only drops the ability to merge further updates into the oldest-touched
// tool call, which the UI already shows as terminal by then in practice.
const maxTrackedTools = 4096

// Sink is the subset of *logstore.Store a normalizer writes to. Kept as an
// interface so tests can substitute a recording fake.
type Sink interface {
	PushPatch(types.ConversationPatch)
	PushSessionID(string)
}

// partialToolCall is the in-flight state for one tool invocation between
// its first sighting and its terminal status.
type partialToolCall struct {
	index  int
	detail types.ToolUseDetail
}

// state is the per-process streaming state every vendor parser threads
// through its event loop. Not safe for concurrent use — each process has
// exactly one parser goroutine, per spec.md §4.4's "single-threaded per
// process" discipline.
type state struct {
	idx *types.EntryIndexProvider
	out Sink

	worktreeRoot string

	assistantIdx *int
	assistantBuf strings.Builder

	thinkingIdx *int
	thinkingBuf strings.Builder

	tools *lru.Cache[string, *partialToolCall]

	sessionIDReported bool
}

func newState(idx *types.EntryIndexProvider, out Sink, worktreeRoot string) *state {
	tools, err := lru.New[string, *partialToolCall](maxTrackedTools)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// maxTrackedTools never is.
		panic(err)
	}
	return &state{
		idx:          idx,
		out:          out,
		worktreeRoot: worktreeRoot,
		tools:        tools,
	}
}

// closeStreamingText closes any open assistant/thinking buffer without
// emitting further deltas, per spec.md §4.4's "non-text event forces any
// open streaming text buffers closed" rule.
func (s *state) closeStreamingText() {
	s.assistantIdx = nil
	s.assistantBuf.Reset()
	s.thinkingIdx = nil
	s.thinkingBuf.Reset()
}

func (s *state) appendAssistantText(delta string) {
	s.appendStreamingText(&s.assistantIdx, &s.assistantBuf, types.EntryAssistant, delta)
}

func (s *state) appendThinkingText(delta string) {
	s.appendStreamingText(&s.thinkingIdx, &s.thinkingBuf, types.EntryThinking, delta)
}

func (s *state) appendStreamingText(idxPtr **int, buf *strings.Builder, kind types.NormalizedEntryType, delta string) {
	buf.WriteString(delta)
	if *idxPtr == nil {
		i := s.idx.Next()
		idxPtr2 := i
		*idxPtr = &idxPtr2
		s.out.PushPatch(types.ConversationPatch{
			Op:    types.PatchAdd,
			Index: i,
			Entry: &types.NormalizedEntry{Type: kind, Content: buf.String()},
		})
		return
	}
	s.out.PushPatch(types.ConversationPatch{
		Op:    types.PatchReplace,
		Index: **idxPtr,
		Entry: &types.NormalizedEntry{Type: kind, Content: buf.String()},
	})
}

func (s *state) emitSystem(content string) {
	i := s.idx.Next()
	s.out.PushPatch(types.ConversationPatch{
		Op:    types.PatchAdd,
		Index: i,
		Entry: &types.NormalizedEntry{Type: types.EntrySystem, Content: content},
	})
}

func (s *state) emitError(errType, content string) {
	i := s.idx.Next()
	s.out.PushPatch(types.ConversationPatch{
		Op:    types.PatchAdd,
		Index: i,
		Entry: &types.NormalizedEntry{Type: types.EntryError, ErrorType: errType, Content: content},
	})
}

func (s *state) emitUserFeedback(deniedTool string) {
	i := s.idx.Next()
	s.out.PushPatch(types.ConversationPatch{
		Op:    types.PatchAdd,
		Index: i,
		Entry: &types.NormalizedEntry{Type: types.EntryUserFeedback, DeniedTool: deniedTool},
	})
}

// openToolCall registers a new tool invocation (first sighting) and emits
// its `add`.
func (s *state) openToolCall(vendorID string, detail types.ToolUseDetail) {
	s.closeStreamingText()
	i := s.idx.Next()
	s.tools.Add(vendorID, &partialToolCall{index: i, detail: detail})
	s.out.PushPatch(types.ConversationPatch{
		Op:    types.PatchAdd,
		Index: i,
		Entry: &types.NormalizedEntry{Type: types.EntryToolUse, Tool: &detail},
	})
}

// updateToolCall merges into a previously opened tool call (by vendor id)
// and re-emits a `replace`. No-op (with a bool false) if the id is unknown
// (never opened, or evicted for staleness).
func (s *state) updateToolCall(vendorID string, merge func(*types.ToolUseDetail)) bool {
	pc, ok := s.tools.Get(vendorID)
	if !ok {
		return false
	}
	merge(&pc.detail)
	s.out.PushPatch(types.ConversationPatch{
		Op:    types.PatchReplace,
		Index: pc.index,
		Entry: &types.NormalizedEntry{Type: types.EntryToolUse, Tool: &pc.detail},
	})
	return true
}

func (s *state) relPath(p string) string {
	if s.worktreeRoot == "" || p == "" {
		return p
	}
	if rel, err := filepath.Rel(s.worktreeRoot, p); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return p
}

// InferToolName recovers a logical tool name from a vendor's raw tool-call
// id, per spec.md §4.4's shared inference rules:
//   - "name-<digits>" recovers "name";
//   - "mcp__<server>__<tool>" renders as "mcp:<server>:<tool>".
func InferToolName(vendorID string) string {
	if strings.HasPrefix(vendorID, "mcp__") {
		parts := strings.SplitN(strings.TrimPrefix(vendorID, "mcp__"), "__", 2)
		if len(parts) == 2 {
			return "mcp:" + parts[0] + ":" + parts[1]
		}
	}
	if i := strings.LastIndexByte(vendorID, '-'); i > 0 {
		suffix := vendorID[i+1:]
		if _, err := strconv.Atoi(suffix); err == nil {
			return vendorID[:i]
		}
	}
	return vendorID
}

// classifyToolName maps the well-known first-party tool names to their
// typed ActionKind; anything else is the generic "Tool" fallback.
func classifyToolName(name string) types.ActionKind {
	switch name {
	case "Read":
		return types.ActionFileRead
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		return types.ActionFileEdit
	case "Bash":
		return types.ActionCommandRun
	case "Grep", "Glob":
		return types.ActionSearch
	case "WebFetch", "WebSearch":
		return types.ActionWebFetch
	case "Task":
		return types.ActionTaskCreate
	case "ExitPlanMode":
		return types.ActionPlanPresentation
	case "TodoWrite", "TodoRead":
		return types.ActionTodoManagement
	default:
		return types.ActionGeneric
	}
}

// Parser is what every vendor module exposes to the container service: run
// consumes raw output from src until it ends, pushing NormalizedEntry
// patches into out; it must never block the producer (it reads from a
// buffered stream it fully owns) and must return once src is exhausted.
type Parser interface {
	Run(ctx context.Context, src *logstore.Store, out Sink, worktreeRoot string, seed []types.ConversationPatch)
}

// ForVendor resolves the parser for a coding-agent vendor name (the same
// string stored on types.ExecutorProfile.Vendor). Unknown vendors and the
// empty string fall back to PlainTextParser so an unrecognized or
// non-JSON-emitting executor never blocks normalization entirely.
func ForVendor(vendor string) Parser {
	switch vendor {
	case "claude":
		return ClaudeParser{}
	case "acp":
		return ACPParser{}
	case "kimi":
		return KimiParser{}
	case "codex":
		return NewCodexParser()
	case "opencode":
		return NewOpencodeParser()
	case "amp":
		return NewAmpParser()
	case "gemini":
		return NewGeminiParser()
	case "qoder":
		return NewQoderParser()
	default:
		return PlainTextParser{}
	}
}
