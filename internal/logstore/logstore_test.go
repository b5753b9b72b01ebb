package logstore

import (
	"context"
	"testing"
	"time"
)

func TestPushStdoutSplitsCompleteLines(t *testing.T) {
	s := New(0)
	s.PushStdout([]byte("hello\nwor"))
	s.PushStdout([]byte("ld\n"))
	hist := s.History()
	if len(hist) != 2 {
		t.Fatalf("want 2 entries, got %d: %+v", len(hist), hist)
	}
	if string(hist[0].Bytes) != "hello" || string(hist[1].Bytes) != "world" {
		t.Errorf("want [hello world], got [%s %s]", hist[0].Bytes, hist[1].Bytes)
	}
}

func TestPushFinishedFlushesTrailingPartialLine(t *testing.T) {
	s := New(0)
	s.PushStdout([]byte("no newline yet"))
	if len(s.History()) != 0 {
		t.Fatalf("partial line should not be visible before Finished")
	}
	s.PushFinished()
	hist := s.History()
	if len(hist) != 2 {
		t.Fatalf("want trailing line + Finished, got %d: %+v", len(hist), hist)
	}
	if string(hist[0].Bytes) != "no newline yet" {
		t.Errorf("want flushed trailing line, got %q", hist[0].Bytes)
	}
	if hist[1].Kind != MsgFinished {
		t.Errorf("want Finished as last entry, got %v", hist[1].Kind)
	}
}

func TestStderrCoalescesWithinGap(t *testing.T) {
	s := New(30 * time.Millisecond)
	s.PushStderr([]byte("err1 "))
	s.PushStderr([]byte("err2"))
	time.Sleep(100 * time.Millisecond)
	hist := s.History()
	if len(hist) != 1 {
		t.Fatalf("want single coalesced stderr entry, got %d: %+v", len(hist), hist)
	}
	if string(hist[0].Bytes) != "err1 err2" {
		t.Errorf("want coalesced %q, got %q", "err1 err2", hist[0].Bytes)
	}
}

func TestHistoryPlusStreamReplaysThenLive(t *testing.T) {
	s := New(0)
	s.PushStdout([]byte("first\n"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stream := s.HistoryPlusStream(ctx)

	s.PushStdout([]byte("second\n"))
	s.PushFinished()

	var got []string
	for m := range stream {
		if m.Kind == MsgStdout {
			got = append(got, string(m.Bytes))
		}
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("want [first second], got %v", got)
	}
}

func TestSubscriberDroppedWhenSlow(t *testing.T) {
	s := New(0)

	s.mu.Lock()
	slow := make(chan LogMsg) // unbuffered and never drained: next push must not block
	s.subs[s.nextSub] = slow
	s.nextSub++
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.PushStdout([]byte("line\n"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked on a slow subscriber instead of dropping it")
	}

	s.mu.Lock()
	_, stillSubscribed := s.subs[0]
	s.mu.Unlock()
	if stillSubscribed {
		t.Error("want slow subscriber removed from subs map")
	}
}

func TestStdoutLinesStreamFiltersToStdout(t *testing.T) {
	s := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lines := s.StdoutLinesStream(ctx)

	s.PushStderr([]byte("noise"))
	s.PushStdout([]byte("signal\n"))
	s.PushFinished()

	var got []string
	for l := range lines {
		got = append(got, l)
	}
	if len(got) != 1 || got[0] != "signal" {
		t.Errorf("want [signal], got %v", got)
	}
}

func TestHistoryBoundedByMaxHistory(t *testing.T) {
	s := New(0)
	for i := 0; i < maxHistory+100; i++ {
		s.PushStdout([]byte("x\n"))
	}
	if got := len(s.History()); got != maxHistory {
		t.Errorf("want history capped at %d, got %d", maxHistory, got)
	}
}
