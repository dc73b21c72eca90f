package operator

import (
	"errors"
	"testing"
)

func TestFutureCompleteRunsCallbacksOnce(t *testing.T) {
	f := NewFuture()
	calls := 0
	f.OnComplete(func() { calls++ })
	if f.IsDone() {
		t.Fatal("new future should be pending")
	}
	f.Complete()
	f.Complete()
	if calls != 1 {
		t.Fatalf("expected 1 callback, got %d", calls)
	}
	f.OnComplete(func() { calls++ })
	if calls != 2 {
		t.Fatal("callback on completed future should run immediately")
	}
	select {
	case <-f.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}

func TestNotBlockedIsDone(t *testing.T) {
	if !NotBlocked.IsDone() {
		t.Fatal("NotBlocked must be complete")
	}
}

func TestAnyOf(t *testing.T) {
	a, b := NewFuture(), NewFuture()
	first := AnyOf(a, b)
	if first.IsDone() {
		t.Fatal("AnyOf of pending futures should be pending")
	}
	b.Complete()
	if !first.IsDone() {
		t.Fatal("AnyOf should complete when one input completes")
	}
	if AnyOf() != NotBlocked {
		t.Fatal("AnyOf() should be NotBlocked")
	}
	if AnyOf(NewFuture(), NotBlocked) != NotBlocked {
		t.Fatal("AnyOf with a done input should return it")
	}
}

func TestMustNeedInputPanics(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrContractViolation) {
			t.Fatalf("expected contract violation, got %v", r)
		}
	}()
	MustNeedInput(false, "dedup")
}

func TestAnyOfDetachesFromPendingInputs(t *testing.T) {
	poll := NewFuture()
	for i := 0; i < 100; i++ {
		other := NewFuture()
		combined := AnyOf(poll, other)
		other.Complete()
		if !combined.IsDone() {
			t.Fatal("combined future should complete with any input")
		}
	}
	if n := poll.pendingCallbacks(); n != 0 {
		t.Fatalf("long-lived future holds %d callbacks after completed waits", n)
	}

	for i := 0; i < 100; i++ {
		combined := AnyOf(poll, NewFuture())
		combined.Abandon()
	}
	if n := poll.pendingCallbacks(); n != 0 {
		t.Fatalf("long-lived future holds %d callbacks after abandoned waits", n)
	}

	combined := AnyOf(poll, NewFuture())
	poll.Complete()
	if !combined.IsDone() {
		t.Fatal("combined future should complete when the long-lived input does")
	}
}

func TestOnCompleteCancel(t *testing.T) {
	f := NewFuture()
	calls := 0
	cancel := f.OnComplete(func() { calls++ })
	cancel()
	cancel()
	f.Complete()
	if calls != 0 {
		t.Fatalf("cancelled callback ran %d times", calls)
	}
}
