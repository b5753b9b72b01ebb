package container

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/attemptengine/core/internal/gitintegration"
	"github.com/attemptengine/core/internal/types"
)

// diffDebounce coalesces a burst of filesystem events (e.g. an editor's
// write-then-rename) into a single diff recompute.
const diffDebounce = 300 * time.Millisecond

// DiffMsgKind tags a StreamDiff event.
type DiffMsgKind string

const (
	DiffMsgAddFile    DiffMsgKind = "AddFileDiff"
	DiffMsgRemoveFile DiffMsgKind = "RemoveFileDiff"
)

// DiffMsg is one patch in a StreamDiff sequence.
type DiffMsg struct {
	Kind DiffMsgKind
	Path string
	Diff *gitintegration.FileDiff // nil for DiffMsgRemoveFile
}

// StreamDiff implements spec.md §4.6's stream_diff: it first emits one
// AddFileDiff per file in the current snapshot, then — unless the attempt
// already has an immutable merge commit, in which case the stream ends
// there — subscribes to a filesystem watcher on the worktree and, after
// each debounced burst of events, re-emits one AddFileDiff per file in the
// recomputed diff, until ctx is cancelled. RemoveFileDiff is never sent: a
// file that drops out of the diff gets no patch. The watcher covers the
// worktree's top-level directory only; changes inside subdirectories
// trigger no recompute.
func (s *Service) StreamDiff(ctx context.Context, attempt types.TaskAttempt, repoPath string, statsOnly bool) (<-chan DiffMsg, error) {
	out := make(chan DiffMsg, 64)

	oneShot := attempt.Merge != nil && attempt.MergeCommitID != ""

	snapshot, err := s.currentDiff(ctx, attempt, repoPath)
	if err != nil {
		close(out)
		return nil, err
	}

	if oneShot {
		go func() {
			defer close(out)
			emitSnapshot(ctx, out, snapshot)
		}()
		return out, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		close(out)
		return nil, err
	}
	if err := watcher.Add(attempt.ContainerRef); err != nil {
		_ = watcher.Close()
		close(out)
		return nil, err
	}

	go func() {
		defer close(out)
		defer watcher.Close()

		if !emitSnapshot(ctx, out, snapshot) {
			return
		}

		var timer *time.Timer
		pending := false
		for {
			var timerC <-chan time.Time
			if timer != nil {
				timerC = timer.C
			}
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				pending = true
				if timer == nil {
					timer = time.NewTimer(diffDebounce)
				} else {
					timer.Reset(diffDebounce)
				}
			case <-watcher.Errors:
				// Filesystem watcher errors are discarded; the stream keeps
				// running on a best-effort basis rather than aborting the
				// diff view.
			case <-timerC:
				if !pending {
					continue
				}
				pending = false
				diff, err := s.currentDiff(ctx, attempt, repoPath)
				if err != nil {
					continue
				}
				if !emitSnapshot(ctx, out, diff) {
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *Service) currentDiff(ctx context.Context, attempt types.TaskAttempt, repoPath string) (*gitintegration.EnhancedDiff, error) {
	return s.git.GetEnhancedDiff(ctx, repoPath, attempt.ContainerRef, attempt.MergeCommitID, attempt.BaseBranchRef, nil)
}

func emitSnapshot(ctx context.Context, out chan<- DiffMsg, diff *gitintegration.EnhancedDiff) bool {
	for i := range diff.Files {
		f := diff.Files[i]
		select {
		case out <- DiffMsg{Kind: DiffMsgAddFile, Path: f.Path, Diff: &f}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
