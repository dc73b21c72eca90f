package breaker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func TestBreakerTrips(t *testing.T) {
	b := New("query", 100)
	if err := b.AddEstimateBytesAndMaybeBreak(60, "a"); err != nil {
		t.Fatal(err)
	}
	err := b.AddEstimateBytesAndMaybeBreak(50, "b")
	if err == nil {
		t.Fatal("expected breaker to trip")
	}
	var cbe *CircuitBreakingError
	if !errors.As(err, &cbe) {
		t.Fatalf("expected *CircuitBreakingError, got %T", err)
	}
	if cbe.Label != "b" || cbe.Requested != 50 || cbe.Used != 60 {
		t.Errorf("unexpected error fields: %+v", cbe)
	}
	if b.Used() != 60 {
		t.Errorf("refused charge must not be applied, used=%d", b.Used())
	}
	if !IsTripped(fmt.Errorf("wrapped: %w", err)) {
		t.Error("IsTripped should see through wrapping")
	}
	if b.Trips() != 1 {
		t.Errorf("expected 1 trip, got %d", b.Trips())
	}
}

func TestBreakerUnlimited(t *testing.T) {
	b := New("query", Unlimited)
	if err := b.AddEstimateBytesAndMaybeBreak(1<<40, "big"); err != nil {
		t.Fatal(err)
	}
	b.AddWithoutBreaking(-(1 << 40))
	if b.Used() != 0 {
		t.Errorf("expected 0 used, got %d", b.Used())
	}
}

func TestTrackerReleasesExactlyWhatItAdded(t *testing.T) {
	b := New("query", 1000)
	b.AddWithoutBreaking(10)

	tr := NewTracker(b, "dedup")
	if err := tr.Grow(200); err != nil {
		t.Fatal(err)
	}
	if err := tr.Resize(500); err != nil {
		t.Fatal(err)
	}
	if err := tr.Grow(600); err == nil {
		t.Fatal("expected trip")
	}
	if tr.Held() != 500 || b.Used() != 510 {
		t.Fatalf("held=%d used=%d", tr.Held(), b.Used())
	}
	tr.Close()
	tr.Close()
	if b.Used() != 10 {
		t.Errorf("tracker must return only its own bytes, used=%d", b.Used())
	}
}

func TestTrackerWithoutBreaker(t *testing.T) {
	tr := NewTracker(nil, "none")
	if err := tr.Grow(1 << 30); err != nil {
		t.Fatal(err)
	}
	tr.Close()
	if tr.Held() != 0 {
		t.Errorf("expected 0 held, got %d", tr.Held())
	}
}

func TestAllocatorChargesAndPanicsOverLimit(t *testing.T) {
	checked := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer checked.AssertSize(t, 0)

	b := New("query", 1<<20)
	alloc := NewAllocator(checked, b, "page")

	bldr := array.NewInt64Builder(alloc)
	bldr.AppendValues([]int64{1, 2, 3}, nil)
	arr := bldr.NewArray()
	bldr.Release()
	if b.Used() == 0 || alloc.CurrentUsed() != b.Used() {
		t.Fatalf("expected allocation charged, used=%d current=%d", b.Used(), alloc.CurrentUsed())
	}
	arr.Release()
	if b.Used() != 0 {
		t.Fatalf("expected charge released, used=%d", b.Used())
	}

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !IsTripped(err) {
			t.Fatalf("expected circuit breaking panic, got %v", r)
		}
		if b.Used() != 0 {
			t.Errorf("refused allocation must not be charged, used=%d", b.Used())
		}
	}()
	alloc.Allocate(2 << 20)
}
