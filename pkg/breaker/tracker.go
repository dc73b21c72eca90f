package breaker

// Tracker records what one component charged so it can hand back exactly
// that amount. A nil *Breaker makes every call a no-op, so components can be
// used without a budget.
//
// Tracker is not goroutine-safe; it belongs to a single owner.
type Tracker struct {
	b     *Breaker
	label string
	held  int64
}

// NewTracker returns a tracker charging b under label.
func NewTracker(b *Breaker, label string) *Tracker {
	return &Tracker{b: b, label: label}
}

// Grow charges n more bytes, failing if the budget is exhausted.
func (t *Tracker) Grow(n int64) error {
	if t.b == nil || n == 0 {
		t.held += n
		return nil
	}
	if err := t.b.AddEstimateBytesAndMaybeBreak(n, t.label); err != nil {
		return err
	}
	t.held += n
	return nil
}

// Resize adjusts the charge to total bytes.
func (t *Tracker) Resize(total int64) error {
	if total < t.held {
		t.Shrink(t.held - total)
		return nil
	}
	return t.Grow(total - t.held)
}

// Shrink returns n bytes (capped at what is held).
func (t *Tracker) Shrink(n int64) {
	if n > t.held {
		n = t.held
	}
	t.held -= n
	if t.b != nil {
		t.b.AddWithoutBreaking(-n)
	}
}

// Held returns the bytes this tracker currently holds.
func (t *Tracker) Held() int64 { return t.held }

// Close returns everything still held. Safe to call more than once.
func (t *Tracker) Close() {
	t.Shrink(t.held)
}
