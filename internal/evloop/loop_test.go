package evloop

import (
	"testing"
	"time"
)

type stubScheduler struct{}

func (stubScheduler) Now() time.Time                  { return time.Unix(0, 0) }
func (stubScheduler) AfterFunc(time.Duration, func()) Timer { return nil }
func (stubScheduler) CallSoon(func())                 {}

func TestSetRegistersFirstScheduler(t *testing.T) {
	defer Reset()
	Reset()

	s := stubScheduler{}
	if err := Set(s); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if Get() != s {
		t.Fatal("Get() did not return the scheduler just registered")
	}
}

func TestSetNilIsIgnored(t *testing.T) {
	defer Reset()
	Reset()

	s := stubScheduler{}
	if err := Set(s); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Set(nil); err != nil {
		t.Fatalf("Set(nil): %v", err)
	}
	if Get() != s {
		t.Fatal("Set(nil) must not replace the registered scheduler")
	}
}

func TestSetSameSchedulerAgainIsNoOp(t *testing.T) {
	defer Reset()
	Reset()

	s := stubScheduler{}
	if err := Set(s); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Set(s); err != nil {
		t.Fatalf("Set same scheduler again: %v", err)
	}
}

func TestSetDifferentSchedulerConflicts(t *testing.T) {
	defer Reset()
	Reset()

	if err := Set(stubScheduler{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	err := Set(fakeRealTime{})
	if err != ErrLoopConflict {
		t.Fatalf("Set second scheduler err = %v, want ErrLoopConflict", err)
	}
}

func TestGetLazilyRegistersRealTimeDefault(t *testing.T) {
	defer Reset()
	Reset()

	sched := Get()
	if _, ok := sched.(realTime); !ok {
		t.Fatalf("Get() with nothing registered = %T, want realTime", sched)
	}
	if Get() != sched {
		t.Fatal("a second Get() call must return the same lazily-registered instance")
	}
}

func TestResetClearsRegisteredScheduler(t *testing.T) {
	defer Reset()
	if err := Set(stubScheduler{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	Reset()
	if _, ok := Get().(realTime); !ok {
		t.Fatal("Reset must clear the registered scheduler back to the lazy default")
	}
}

// fakeRealTime is a distinct Scheduler implementation from stubScheduler
// so the conflict test compares two genuinely different values.
type fakeRealTime struct{}

func (fakeRealTime) Now() time.Time                  { return time.Unix(1, 0) }
func (fakeRealTime) AfterFunc(time.Duration, func()) Timer { return nil }
func (fakeRealTime) CallSoon(func())                 {}
