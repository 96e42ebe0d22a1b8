package scheduler

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// fakeClock is a manually-advanced Clock for deterministic tests.
type fakeClock struct{ now float64 }

func (f *fakeClock) Now() float64      { return f.now }
func (f *fakeClock) Advance(d float64) { f.now += d }

func newTestScheduler() (*Scheduler, *fakeClock) {
	fc := &fakeClock{}
	s := New(fc.Now, nil)
	return s, fc
}

func TestSchedule_FiresInTimeOrder(t *testing.T) {
	s, fc := newTestScheduler()
	var fired []int

	s.Schedule(3, PriorityDefault, func() { fired = append(fired, 3) })
	s.Schedule(1, PriorityDefault, func() { fired = append(fired, 1) })
	s.Schedule(2, PriorityDefault, func() { fired = append(fired, 2) })

	fc.Advance(10)
	s.Flush()

	if len(fired) != 3 || fired[0] != 1 || fired[1] != 2 || fired[2] != 3 {
		t.Fatalf("fired = %v, want [1 2 3]", fired)
	}
}

func TestSchedule_PriorityBreaksTimeTies(t *testing.T) {
	s, fc := newTestScheduler()
	var fired []int

	s.Schedule(1, PriorityNaturalEnd, func() { fired = append(fired, PriorityNaturalEnd) })
	s.Schedule(1, PriorityRelease, func() { fired = append(fired, PriorityRelease) })
	s.Schedule(1, PriorityDefault, func() { fired = append(fired, PriorityDefault) })

	fc.Advance(10)
	s.Flush()

	want := []int{PriorityRelease, PriorityDefault, PriorityNaturalEnd}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired = %v, want %v", fired, want)
		}
	}
}

func TestSchedule_InsertionOrderBreaksRemainingTies(t *testing.T) {
	s, fc := newTestScheduler()
	var fired []string

	s.Schedule(1, PriorityDefault, func() { fired = append(fired, "a") })
	s.Schedule(1, PriorityDefault, func() { fired = append(fired, "b") })

	fc.Advance(10)
	s.Flush()

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", fired)
	}
}

func TestCancel_SkipsDeadEventWithoutFiring(t *testing.T) {
	s, fc := newTestScheduler()
	fired := false

	h := s.Schedule(1, PriorityDefault, func() { fired = true })
	s.Cancel(h)

	fc.Advance(10)
	s.Flush()

	if fired {
		t.Fatal("cancelled callback must not fire")
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", s.Pending())
	}
}

func TestClear_DropsAllPendingEvents(t *testing.T) {
	s, fc := newTestScheduler()
	fired := 0
	s.Schedule(1, PriorityDefault, func() { fired++ })
	s.Schedule(2, PriorityDefault, func() { fired++ })

	s.Clear()
	fc.Advance(10)

	if s.Pending() != 0 {
		t.Fatalf("pending after Clear = %d, want 0", s.Pending())
	}
	if fired != 0 {
		t.Fatalf("fired = %d, want 0 after Clear", fired)
	}
}

func TestFlush_OnlyFiresDueEvents(t *testing.T) {
	s, fc := newTestScheduler()
	fired := 0
	s.Schedule(5, PriorityDefault, func() { fired++ })

	fc.Advance(1)
	s.Flush()
	if fired != 0 {
		t.Fatalf("event at t=5 fired early at t=1")
	}

	fc.Advance(10)
	s.Flush()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 once due", fired)
	}
}

func TestCallbackPanicIsRecoveredAndFlushContinues(t *testing.T) {
	s, fc := newTestScheduler()
	secondFired := false

	s.Schedule(1, PriorityDefault, func() { panic("boom") })
	s.Schedule(1, PriorityDefault, func() { secondFired = true })

	fc.Advance(10)
	s.Flush()

	if !secondFired {
		t.Fatal("a panicking callback must not stop the flush loop")
	}
}

// TestProperty_MonotonicDraining checks the invariant from spec section 8:
// events drained from the scheduler are non-decreasing in time.
func TestProperty_MonotonicDraining(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("drained events are time-sorted", prop.ForAll(
		func(times []int) bool {
			s, fc := newTestScheduler()
			var drained []float64

			for _, tm := range times {
				when := float64(tm)
				s.Schedule(when, PriorityDefault, func() { drained = append(drained, when) })
			}

			fc.Advance(1 << 20)
			s.Flush()

			return sort.Float64sAreSorted(drained)
		},
		gen.SliceOfN(20, gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
