// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package auction

import (
	"testing"
	"time"
)

func TestNewSchedule(t *testing.T) {
	tests := []struct {
		name                   string
		commit, reveal, settle time.Duration
		wantErr                bool
	}{
		{"ok", 30 * time.Second, 15 * time.Second, 15 * time.Second, false},
		{"minimum", time.Millisecond, time.Millisecond, time.Millisecond, false},
		{"zero commit", 0, time.Second, time.Second, true},
		{"zero reveal", time.Second, 0, time.Second, true},
		{"zero settle", time.Second, time.Second, 0, true},
		{"sub-millisecond", time.Microsecond, time.Second, time.Second, true},
	}
	for _, tt := range tests {
		_, err := NewSchedule(tt.commit, tt.reveal, tt.settle)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: NewSchedule error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestScheduleAt(t *testing.T) {
	// 10s commit + 5s reveal + 5s settle = 20s cycle.
	sched, err := NewSchedule(10*time.Second, 5*time.Second, 5*time.Second)
	if err != nil {
		t.Fatalf("NewSchedule error: %v", err)
	}
	if sched.CycleDuration() != 20*time.Second {
		t.Fatalf("cycle duration = %v, want 20s", sched.CycleDuration())
	}

	const batch = int64(50)
	start := sched.BatchStart(batch)

	tests := []struct {
		name          string
		at            time.Time
		wantBatch     int64
		wantPhase     Phase
		wantRemaining time.Duration
	}{
		{"batch start", start, batch, PhaseCommit, 10 * time.Second},
		{"mid commit", start.Add(4 * time.Second), batch, PhaseCommit, 6 * time.Second},
		{"last commit ms", start.Add(10*time.Second - time.Millisecond), batch, PhaseCommit, time.Millisecond},
		{"commit deadline", start.Add(10 * time.Second), batch, PhaseReveal, 5 * time.Second},
		{"mid reveal", start.Add(12 * time.Second), batch, PhaseReveal, 3 * time.Second},
		{"reveal deadline", start.Add(15 * time.Second), batch, PhaseSettling, 5 * time.Second},
		{"mid settling", start.Add(17 * time.Second), batch, PhaseSettling, 3 * time.Second},
		{"next batch", start.Add(20 * time.Second), batch + 1, PhaseCommit, 10 * time.Second},
	}
	for _, tt := range tests {
		batchID, phase, remaining := sched.At(tt.at)
		if batchID != tt.wantBatch || phase != tt.wantPhase || remaining != tt.wantRemaining {
			t.Errorf("%s: At = (%d, %s, %v), want (%d, %s, %v)", tt.name,
				batchID, phase, remaining, tt.wantBatch, tt.wantPhase, tt.wantRemaining)
		}
	}
}

func TestScheduleDeadlines(t *testing.T) {
	sched, err := NewSchedule(10*time.Second, 5*time.Second, 5*time.Second)
	if err != nil {
		t.Fatalf("NewSchedule error: %v", err)
	}
	const batch = int64(3)
	start := sched.BatchStart(batch)
	if dl := sched.CommitDeadline(batch); !dl.Equal(start.Add(10 * time.Second)) {
		t.Errorf("commit deadline = %v, want %v", dl, start.Add(10*time.Second))
	}
	if dl := sched.RevealDeadline(batch); !dl.Equal(start.Add(15 * time.Second)) {
		t.Errorf("reveal deadline = %v, want %v", dl, start.Add(15*time.Second))
	}
	if end := sched.BatchEnd(batch); !end.Equal(sched.BatchStart(batch + 1)) {
		t.Errorf("batch end %v does not open the next batch at %v", end, sched.BatchStart(batch+1))
	}
}
