package normalize

import (
	"context"

	"github.com/attemptengine/core/internal/logstore"
	"github.com/attemptengine/core/internal/types"
)

// PlainTextParser is used for non-JSON agent output (Script/cleanup
// processes, and any stderr stream): it has no structure to parse, so each
// already-time-gap-coalesced chunk from the Message Store (see
// logstore.Store's stderr coalescing) becomes one ErrorMessage entry
// verbatim. Only the stderr stream is read; stdout lines produce no entries.
type PlainTextParser struct{}

func (PlainTextParser) Run(ctx context.Context, src *logstore.Store, out Sink, worktreeRoot string, seed []types.ConversationPatch) {
	idx := types.NewEntryIndexProvider(seed)
	for chunk := range src.StderrChunkedStream(ctx) {
		i := idx.Next()
		out.PushPatch(types.ConversationPatch{
			Op:    types.PatchAdd,
			Index: i,
			Entry: &types.NormalizedEntry{Type: types.EntryError, ErrorType: "stderr", Content: chunk},
		})
	}
}
