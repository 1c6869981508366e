package models

import (
	"testing"
	"time"
)

func TestValidJobType(t *testing.T) {
	for _, typ := range []string{TypeSyncPosts, TypeSyncComments, TypeSyncAll} {
		if !ValidJobType(typ) {
			t.Errorf("ValidJobType(%q) = false, want true", typ)
		}
	}
	if ValidJobType("sync_everything") {
		t.Error("ValidJobType accepted an unknown type")
	}
	if ValidJobType("") {
		t.Error("ValidJobType accepted empty string")
	}
}

func TestTerminalStatus(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusCancelled} {
		if !TerminalStatus(s) {
			t.Errorf("TerminalStatus(%q) = false, want true", s)
		}
	}
	for _, s := range []string{StatusPending, StatusInProgress, ""} {
		if TerminalStatus(s) {
			t.Errorf("TerminalStatus(%q) = true, want false", s)
		}
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want int
	}{
		{"halfway", Job{TotalItems: 10, ProcessedItems: 5}, 50},
		{"zero of many", Job{TotalItems: 10, ProcessedItems: 0}, 0},
		{"done", Job{TotalItems: 10, ProcessedItems: 10}, 100},
		{"overshoot clamps", Job{TotalItems: 10, ProcessedItems: 15}, 100},
		{"no total pending", Job{Status: StatusPending}, 0},
		{"no total in progress", Job{Status: StatusInProgress}, 0},
		{"no total completed", Job{Status: StatusCompleted}, 100},
	}
	for _, tt := range tests {
		if got := tt.job.ProgressPercent(); got != tt.want {
			t.Errorf("%s: ProgressPercent() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestDuration(t *testing.T) {
	if _, ok := (Job{}).Duration(); ok {
		t.Fatal("Duration reported ok for a job that never started")
	}

	start := time.Now().Add(-3 * time.Second)
	end := start.Add(2 * time.Second)
	finished := Job{StartedAt: &start, CompletedAt: &end}
	d, ok := finished.Duration()
	if !ok || d != 2*time.Second {
		t.Fatalf("finished job Duration() = %v, %v; want 2s, true", d, ok)
	}

	running := Job{StartedAt: &start}
	d, ok = running.Duration()
	if !ok || d < 3*time.Second {
		t.Fatalf("running job Duration() = %v, %v; want >= 3s, true", d, ok)
	}
}
