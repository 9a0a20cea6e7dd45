package appointment

import (
	"math/rand"
	"testing"
	"time"
)

func TestOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		aStart time.Time
		aMin   int
		bStart time.Time
		bMin   int
		want   bool
	}{
		{"identical windows", base, 60, base, 60, true},
		{"partial overlap", base, 60, base.Add(30 * time.Minute), 60, true},
		{"b inside a", base, 120, base.Add(30 * time.Minute), 30, true},
		{"a inside b", base.Add(30 * time.Minute), 30, base, 120, true},
		{"back to back, a first", base, 60, base.Add(60 * time.Minute), 60, false},
		{"back to back, b first", base.Add(60 * time.Minute), 60, base, 60, false},
		{"disjoint", base, 60, base.Add(3 * time.Hour), 60, false},
		{"one minute overlap", base, 60, base.Add(59 * time.Minute), 60, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overlaps(tt.aStart, tt.aMin, tt.bStart, tt.bMin); got != tt.want {
				t.Errorf("Overlaps(%v,%d, %v,%d) = %v, want %v",
					tt.aStart, tt.aMin, tt.bStart, tt.bMin, got, tt.want)
			}
			// Overlap is symmetric.
			if got := Overlaps(tt.bStart, tt.bMin, tt.aStart, tt.aMin); got != tt.want {
				t.Errorf("Overlaps is not symmetric for %s", tt.name)
			}
		})
	}
}

// TestOverlapsRandomized cross-checks the interval test against a minute-grid
// brute force over random windows.
func TestOverlapsRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	occupied := func(start time.Time, minutes int, m time.Time) bool {
		return !m.Before(start) && m.Before(start.Add(time.Duration(minutes)*time.Minute))
	}

	for i := 0; i < 2000; i++ {
		aStart := day.Add(time.Duration(rng.Intn(12*60)) * time.Minute)
		bStart := day.Add(time.Duration(rng.Intn(12*60)) * time.Minute)
		aMin := 1 + rng.Intn(180)
		bMin := 1 + rng.Intn(180)

		brute := false
		for m := 0; m < 24*60; m++ {
			at := day.Add(time.Duration(m) * time.Minute)
			if occupied(aStart, aMin, at) && occupied(bStart, bMin, at) {
				brute = true
				break
			}
		}

		if got := Overlaps(aStart, aMin, bStart, bMin); got != brute {
			t.Fatalf("Overlaps(%v,%d, %v,%d) = %v, brute force says %v",
				aStart, aMin, bStart, bMin, got, brute)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusRequested, StatusScheduled, true}, // direct-booking acceptance
		{StatusScheduled, StatusConfirmed, true},
		{StatusConfirmed, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},

		// Open slots activate through booking, not the gateway.
		{StatusOpen, StatusScheduled, false},

		// Skipping a stage is rejected.
		{StatusScheduled, StatusInProgress, false},
		{StatusScheduled, StatusCompleted, false},
		{StatusConfirmed, StatusCompleted, false},

		// Re-issuing the same transition is rejected.
		{StatusConfirmed, StatusConfirmed, false},

		// Terminal targets are reachable from any non-terminal status.
		{StatusRequested, StatusCancelled, true},
		{StatusOpen, StatusCancelled, true},
		{StatusClaimed, StatusRejected, true},
		{StatusScheduled, StatusNoShow, true},
		{StatusInProgress, StatusCancelled, true},

		// Nothing leaves a terminal status.
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusScheduled, false},
		{StatusNoShow, StatusNoShow, false},
		{StatusRejected, StatusConfirmed, false},

		// Pool statuses cannot jump straight into the staged chain.
		{StatusRequested, StatusConfirmed, false},
		{StatusOpen, StatusInProgress, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusHelpers(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusNoShow, StatusRejected} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusRequested, StatusOpen, StatusClaimed, StatusScheduled, StatusConfirmed, StatusInProgress} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}

	if Status("paused").IsValid() {
		t.Error("unknown status should not validate")
	}
	if !StatusClaimed.IsValid() {
		t.Error("claimed should validate")
	}

	for _, s := range ActiveStatuses {
		if !s.RequiresSchedule() {
			t.Errorf("active status %s must carry a schedule", s)
		}
	}
	if StatusRequested.RequiresSchedule() {
		t.Error("requested must not require a schedule")
	}
}

func TestAppointmentEnd(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	a := &Appointment{StartTime: &start, DurationMinutes: 45}
	if got, want := a.End(), start.Add(45*time.Minute); !got.Equal(want) {
		t.Errorf("End() = %v, want %v", got, want)
	}

	unscheduled := &Appointment{DurationMinutes: 60}
	if !unscheduled.End().IsZero() {
		t.Error("End() of an unscheduled row should be zero")
	}
}
