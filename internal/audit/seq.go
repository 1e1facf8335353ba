package audit

import "sync/atomic"

// Clock is the monotonic logical clock that stamps audit entries.
//
// Every appended entry receives a strictly increasing seq. Wall-clock
// timestamps can repeat at second resolution; seq never does, so it is the
// authoritative write order.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClockAt creates a clock that resumes after start. Used when reopening
// a log to continue from its last entry.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
