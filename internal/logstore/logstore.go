// Package logstore is the per-process Message Store: a durable, bounded,
// append-only log with multi-consumer live fan-out. It is the spine
// connecting the process runner (raw bytes), the agent normalizers
// (conversation patches), and any external consumer that wants the full
// history-then-live view of a running attempt.
package logstore

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/attemptengine/core/internal/types"
)

// MsgKind tags a Store entry's payload.
type MsgKind string

const (
	MsgStdout     MsgKind = "Stdout"
	MsgStderr     MsgKind = "Stderr"
	MsgJSONPatch  MsgKind = "JsonPatch"
	MsgSessionID  MsgKind = "SessionId"
	MsgReady      MsgKind = "Ready"
	MsgFinished   MsgKind = "Finished"
)

// LogMsg is one entry in a Store's append-only sequence.
type LogMsg struct {
	Kind      MsgKind
	Bytes     []byte                    // Stdout, Stderr
	Patch     types.ConversationPatch   // JsonPatch
	SessionID string                    // SessionId
}

// finishDrain is how long the store stays alive after Finished so slow
// subscribers can observe the final message before the producer drops it.
const finishDrain = 50 * time.Millisecond

// lagSubscriberBuffer bounds how far a subscriber may fall behind before
// it is dropped rather than blocking the producer. Sized generously since
// history replay is usually the bulk of a fresh subscriber's backlog.
const lagSubscriberBuffer = 256

// maxHistory bounds how many messages a Store retains for future
// subscribers' replay. Oldest-first truncation (FIFO), not least-recently
// accessed eviction, so golang-lru's Cache is the wrong tool here — a
// plain capped slice is used instead; the LRU is used by internal/normalize
// for its in-flight tool-call tracking.
const maxHistory = 20000

// Store is a per-process append-only log with bounded history and
// multi-consumer live fan-out. The zero value is not usable; construct
// with New.
type Store struct {
	mu      sync.Mutex
	history []LogMsg
	subs    map[int]chan LogMsg
	nextSub int
	closed  bool

	stdoutBuf []byte // trailing partial stdout line, flushed on Finished

	stderrMu       sync.Mutex
	stderrPending  []byte
	stderrTimer    *time.Timer
	stderrGap      time.Duration
}

// New creates a Store. stderrGap coalesces stderr by time gaps; zero
// selects the 2s default from spec.md §4.2.
func New(stderrGap time.Duration) *Store {
	if stderrGap <= 0 {
		stderrGap = 2 * time.Second
	}
	return &Store{
		subs:      make(map[int]chan LogMsg),
		stderrGap: stderrGap,
	}
}

// push appends msg to history and fans it out to all live subscribers.
// Never blocks: a subscriber that can't keep up is dropped. Accepts pushes
// even after Finished: the normalizer reacting to the just-flushed trailing
// stdout line (or to Finished itself) runs asynchronously and must still be
// able to record its resulting patch, so only HistoryPlusStream's decision
// to hand out a *new* live subscription is gated on closed, not push itself.
func (s *Store) push(msg LogMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
	if len(s.history) > maxHistory {
		drop := len(s.history) - maxHistory
		s.history = append(s.history[:0], s.history[drop:]...)
	}
	for id, ch := range s.subs {
		select {
		case ch <- msg:
		default:
			close(ch)
			delete(s.subs, id)
		}
	}
}

// PushStdout splits b on complete lines, pushing one MsgStdout per
// completed line; a trailing partial line is buffered until it completes
// or PushFinished flushes it as a final entry.
func (s *Store) PushStdout(b []byte) {
	s.mu.Lock()
	s.stdoutBuf = append(s.stdoutBuf, b...)
	var lines [][]byte
	for {
		i := indexByte(s.stdoutBuf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, append([]byte(nil), s.stdoutBuf[:i]...))
		s.stdoutBuf = s.stdoutBuf[i+1:]
	}
	s.mu.Unlock()
	for _, line := range lines {
		s.push(LogMsg{Kind: MsgStdout, Bytes: line})
	}
}

// PushStderr coalesces stderr bytes by stderrGap before pushing, so a burst
// of error output from a failing script becomes one entry instead of many.
func (s *Store) PushStderr(b []byte) {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	s.stderrPending = append(s.stderrPending, b...)
	if s.stderrTimer != nil {
		s.stderrTimer.Stop()
	}
	s.stderrTimer = time.AfterFunc(s.stderrGap, s.flushStderr)
}

func (s *Store) flushStderr() {
	s.stderrMu.Lock()
	pending := s.stderrPending
	s.stderrPending = nil
	s.stderrMu.Unlock()
	if len(pending) == 0 {
		return
	}
	s.push(LogMsg{Kind: MsgStderr, Bytes: pending})
}

// PushPatch appends a normalizer-produced conversation patch.
func (s *Store) PushPatch(p types.ConversationPatch) {
	s.push(LogMsg{Kind: MsgJSONPatch, Patch: p})
}

// PushSessionID records the vendor session id discovered in the first
// bytes of a coding-agent's stdout.
func (s *Store) PushSessionID(id string) {
	s.push(LogMsg{Kind: MsgSessionID, SessionID: id})
}

// PushReady signals the process has completed its startup handshake.
func (s *Store) PushReady() {
	s.push(LogMsg{Kind: MsgReady})
}

// PushFinished flushes any buffered partial stdout line as a final entry,
// then pushes Finished and marks the store closed to new subscriptions.
// Existing subscribers still observe Finished before their channel closes;
// pushes are still accepted afterward (the normalizer reacting to the
// trailing line or to Finished itself runs asynchronously and needs to be
// able to record what it produces) until the store is dropped.
func (s *Store) PushFinished() {
	s.mu.Lock()
	trailing := s.stdoutBuf
	s.stdoutBuf = nil
	s.mu.Unlock()

	s.flushStderr()
	if len(trailing) > 0 {
		s.push(LogMsg{Kind: MsgStdout, Bytes: trailing})
	}
	s.push(LogMsg{Kind: MsgFinished})

	s.mu.Lock()
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()
}

// History returns a snapshot of the store's current contents.
func (s *Store) History() []LogMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogMsg, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryPlusStream returns a channel that first replays the current
// history snapshot, then continues with live appends until Finished is
// observed or ctx is cancelled. The channel is closed when the stream ends.
func (s *Store) HistoryPlusStream(ctx context.Context) <-chan LogMsg {
	out := make(chan LogMsg, lagSubscriberBuffer)

	s.mu.Lock()
	snapshot := make([]LogMsg, len(s.history))
	copy(snapshot, s.history)
	closed := s.closed
	var live chan LogMsg
	if !closed {
		live = make(chan LogMsg, lagSubscriberBuffer)
		id := s.nextSub
		s.nextSub++
		s.subs[id] = live
	}
	s.mu.Unlock()

	go func() {
		defer close(out)
		for _, m := range snapshot {
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
			if m.Kind == MsgFinished {
				return
			}
		}
		if live == nil {
			return
		}
		for {
			select {
			case m, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
				if m.Kind == MsgFinished {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// StdoutLinesStream projects the store down to decoded stdout lines only.
func (s *Store) StdoutLinesStream(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for m := range s.HistoryPlusStream(ctx) {
			if m.Kind != MsgStdout {
				continue
			}
			select {
			case out <- string(m.Bytes):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// StderrChunkedStream projects the store down to decoded, already-coalesced
// stderr chunks.
func (s *Store) StderrChunkedStream(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for m := range s.HistoryPlusStream(ctx) {
			if m.Kind != MsgStderr {
				continue
			}
			select {
			case out <- string(m.Bytes):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SpawnForwarder attaches an upstream byte stream, forwarding each read
// verbatim via push (stdout framing applies line-splitting; use this for
// stdout/stderr pipes directly, or PushStdout/PushStderr for pre-chunked
// data from a custom source).
func (s *Store) SpawnForwarder(r io.Reader, kind MsgKind) {
	go func() {
		reader := bufio.NewReaderSize(r, 64*1024)
		buf := make([]byte, 64*1024)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				switch kind {
				case MsgStdout:
					s.PushStdout(chunk)
				case MsgStderr:
					s.PushStderr(chunk)
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// WaitDrainAndClose pushes Finished, sleeps the drain window so live
// subscribers can observe it, then releases the store's buffers.
func (s *Store) WaitDrainAndClose() {
	s.PushFinished()
	time.Sleep(finishDrain)
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
