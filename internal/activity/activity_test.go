package activity

import (
	"sync"
	"testing"
	"time"
)

func TestTracker_ZeroValue(t *testing.T) {
	var tr Tracker
	if !tr.Last().IsZero() {
		t.Errorf("Last() = %v, want zero time", tr.Last())
	}

	tr.Touch()
	if tr.Last().IsZero() {
		t.Error("Last() is zero after Touch()")
	}
}

func TestTracker_Monotonic(t *testing.T) {
	tr := NewTracker()
	tr.Touch()
	before := tr.Last()

	time.Sleep(time.Millisecond)
	tr.Touch()
	after := tr.Last()

	if after.Before(before) {
		t.Errorf("Last() went backwards: before = %v, after = %v", before, after)
	}
}

func TestTracker_FixedClock(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := &Tracker{now: func() time.Time { return fixed }}
	tr.Touch()

	if !tr.Last().Equal(fixed) {
		t.Errorf("Last() = %v, want %v", tr.Last(), fixed)
	}
}

func TestTracker_ConcurrentTouch(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Touch()
		}()
	}
	wg.Wait()

	if tr.Last().IsZero() {
		t.Error("Last() is zero after concurrent Touch()")
	}
}

func TestTracker_ClockStepsBack(t *testing.T) {
	later := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	clock := later
	tr := &Tracker{now: func() time.Time { return clock }}
	tr.Touch()

	clock = earlier
	tr.Touch()

	if !tr.Last().Equal(later) {
		t.Errorf("Last() = %v, want %v after clock stepped back", tr.Last(), later)
	}
}
