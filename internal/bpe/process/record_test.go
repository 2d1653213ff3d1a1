package process

import (
	"testing"

	"github.com/muxlabs/bpe/internal/bpe/clockpath"
)

func scratch() clockpath.ScratchPaths {
	return clockpath.ScratchPaths{
		StdoutPath:   "/tmp/p/1.out",
		StderrPath:   "/tmp/p/1.err",
		ExitCodePath: "/tmp/p/1.rc",
	}
}

func TestNew_StartsInStarting(t *testing.T) {
	r := New("1", "ws", "echo hi", "/tmp", nil, "", nil, 0, scratch())
	if r.Status() != StatusStarting {
		t.Errorf("expected starting, got %s", r.Status())
	}
}

func TestMarkRunning_OnlyFromStarting(t *testing.T) {
	r := New("1", "ws", "echo hi", "/tmp", nil, "", nil, 0, scratch())
	if !r.MarkRunning(42, 100) {
		t.Fatal("expected MarkRunning to succeed from starting")
	}
	if r.Status() != StatusRunning || r.PID() != 42 {
		t.Errorf("expected running with pid 42, got %s pid %d", r.Status(), r.PID())
	}
	if r.MarkRunning(99, 200) {
		t.Error("expected second MarkRunning to fail, status already running")
	}
}

func TestTerminalStates_AreSticky(t *testing.T) {
	r := New("1", "ws", "echo hi", "/tmp", nil, "", nil, 0, scratch())
	r.MarkRunning(1, 0)
	if !r.MarkFinished(0, 10, false) {
		t.Fatal("expected first MarkFinished to succeed")
	}
	if r.Status() != StatusExited {
		t.Errorf("expected exited, got %s", r.Status())
	}

	if r.MarkFinished(1, 20, true) {
		t.Error("expected second MarkFinished to be rejected: terminal state must be sticky")
	}
	if r.Status() != StatusExited {
		t.Errorf("status must not change once terminal, got %s", r.Status())
	}

	if r.MarkFailed("late failure") {
		t.Error("expected MarkFailed to be rejected once terminal")
	}
}

func TestMarkFinished_KilledVsExited(t *testing.T) {
	killed := New("1", "ws", "x", "/tmp", nil, "", nil, 0, scratch())
	killed.MarkRunning(1, 0)
	killed.MarkFinished(137, 5, true)
	if killed.Status() != StatusKilled {
		t.Errorf("expected killed, got %s", killed.Status())
	}

	exited := New("2", "ws", "x", "/tmp", nil, "", nil, 0, scratch())
	exited.MarkRunning(1, 0)
	exited.MarkFinished(0, 5, false)
	if exited.Status() != StatusExited {
		t.Errorf("expected exited, got %s", exited.Status())
	}
}

func TestMarkFailed_FromStarting(t *testing.T) {
	r := New("1", "ws", "x", "/tmp", nil, "", nil, 0, scratch())
	if !r.MarkFailed("spawn failed") {
		t.Fatal("expected MarkFailed to succeed from starting")
	}
	if r.Status() != StatusFailed {
		t.Errorf("expected failed, got %s", r.Status())
	}
	snap := r.Snapshot()
	if snap.LastError != "spawn failed" {
		t.Errorf("expected lastError preserved in snapshot, got %q", snap.LastError)
	}
}

func TestSnapshot_ReflectsExitCodeAndFinishedAt(t *testing.T) {
	r := New("1", "ws", "x", "/tmp", nil, "", nil, 0, scratch())
	r.MarkRunning(7, 1)
	r.MarkFinished(3, 9, false)

	snap := r.Snapshot()
	if snap.ExitCode == nil || *snap.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %v", snap.ExitCode)
	}
	if snap.FinishedAt == nil || *snap.FinishedAt != 9 {
		t.Errorf("expected finishedAt 9, got %v", snap.FinishedAt)
	}
	if snap.PID != 7 {
		t.Errorf("expected pid 7, got %d", snap.PID)
	}
}

func TestStatus_TerminalPredicate(t *testing.T) {
	cases := map[Status]bool{
		StatusStarting: false,
		StatusRunning:  false,
		StatusExited:   true,
		StatusKilled:   true,
		StatusFailed:   true,
	}
	for s, want := range cases {
		if got := s.Terminal(); got != want {
			t.Errorf("Status(%s).Terminal() = %v, want %v", s, got, want)
		}
	}
}
