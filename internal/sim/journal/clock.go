package journal

import "sync/atomic"

// Clock is the monotonic sequence counter stamped onto every journal entry.
//
// Entries are ordered by seq, never by wall clock: wall-clock timestamps are
// recorded for humans but excluded from determinism comparisons. Replay
// resumes a clock at its snapshotted position so sequence numbers stay
// globally unique across a restore.
//
// Thread-safety: atomic, though the engine's single-writer design means one
// goroutine calls Next() in practice.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming from a specific sequence number.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number. Each call returns a unique,
// strictly increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the clock position without advancing it.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
