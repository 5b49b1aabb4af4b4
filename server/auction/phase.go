// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package auction

import (
	"fmt"
	"time"
)

// Phase is a batch lifecycle phase. Phases advance in one direction only:
// COMMIT -> REVEAL -> SETTLING -> archived. No phase is skipped or
// re-entered.
type Phase uint8

const (
	// PhaseCommit is the window in which the batch accepts sealed
	// commitments.
	PhaseCommit Phase = iota
	// PhaseReveal is the window in which traders must reveal their committed
	// order details.
	PhaseReveal
	// PhaseSettling is the window in which clearing and settlement run. No
	// commit or reveal is accepted for the batch once it begins.
	PhaseSettling
)

var phaseNames = map[Phase]string{
	PhaseCommit:   "commit",
	PhaseReveal:   "reveal",
	PhaseSettling: "settling",
}

// String implements Stringer.
func (p Phase) String() string {
	name, ok := phaseNames[p]
	if !ok {
		return "unknown"
	}
	return name
}

// Schedule maps wall-clock time onto the batch cadence. The durations are
// fixed at construction; the batch ID and phase are pure functions of the
// injected time, so scheduling logic is testable without clock mocking.
// Deadlines are hard. A request arriving after its window is rejected no
// matter why it is late.
type Schedule struct {
	commitMs int64
	revealMs int64
	settleMs int64
}

// NewSchedule creates a Schedule from the three phase durations. Durations
// have millisecond resolution and must all be positive.
func NewSchedule(commit, reveal, settle time.Duration) (*Schedule, error) {
	if commit < time.Millisecond || reveal < time.Millisecond || settle < time.Millisecond {
		return nil, fmt.Errorf("all phase durations must be at least 1 ms "+
			"(commit %s, reveal %s, settle %s)", commit, reveal, settle)
	}
	return &Schedule{
		commitMs: commit.Milliseconds(),
		revealMs: reveal.Milliseconds(),
		settleMs: settle.Milliseconds(),
	}, nil
}

// CycleDuration is the full duration of one batch.
func (s *Schedule) CycleDuration() time.Duration {
	return time.Duration(s.cycleMs()) * time.Millisecond
}

func (s *Schedule) cycleMs() int64 {
	return s.commitMs + s.revealMs + s.settleMs
}

// At computes the batch ID, phase, and time remaining in that phase for the
// given time.
func (s *Schedule) At(now time.Time) (batchID int64, phase Phase, remaining time.Duration) {
	ms := now.UnixMilli()
	cycle := s.cycleMs()
	batchID = ms / cycle
	offset := ms % cycle
	switch {
	case offset < s.commitMs:
		phase = PhaseCommit
		remaining = time.Duration(s.commitMs-offset) * time.Millisecond
	case offset < s.commitMs+s.revealMs:
		phase = PhaseReveal
		remaining = time.Duration(s.commitMs+s.revealMs-offset) * time.Millisecond
	default:
		phase = PhaseSettling
		remaining = time.Duration(cycle-offset) * time.Millisecond
	}
	return
}

// BatchStart is the time the batch's commit phase opens.
func (s *Schedule) BatchStart(batchID int64) time.Time {
	return time.UnixMilli(batchID * s.cycleMs()).UTC()
}

// CommitDeadline is the instant the batch stops accepting commitments and its
// reveal phase opens. The commit window is [BatchStart, CommitDeadline).
func (s *Schedule) CommitDeadline(batchID int64) time.Time {
	return time.UnixMilli(batchID*s.cycleMs() + s.commitMs).UTC()
}

// RevealDeadline is the instant the batch stops accepting reveals and
// settling begins. The reveal window is [CommitDeadline, RevealDeadline).
func (s *Schedule) RevealDeadline(batchID int64) time.Time {
	return time.UnixMilli(batchID*s.cycleMs() + s.commitMs + s.revealMs).UTC()
}

// BatchEnd is the scheduled end of the batch's settling window, which is also
// the start of the next batch.
func (s *Schedule) BatchEnd(batchID int64) time.Time {
	return time.UnixMilli((batchID + 1) * s.cycleMs()).UTC()
}
