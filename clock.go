package rfmesh

import (
	"sync/atomic"
	"time"
)

// Clock provides the current time to the scheduler and the sweep.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the OS clock.
var SystemClock Clock = systemClock{}

// OffsetClock is a logical clock: a base clock shifted by an offset learned
// through clock synchronization. The OS clock is never modified.
type OffsetClock struct {
	base   Clock
	offset atomic.Int64 // nanoseconds
}

// NewOffsetClock returns a logical clock running on top of base.
func NewOffsetClock(base Clock) *OffsetClock {
	if base == nil {
		base = SystemClock
	}
	return &OffsetClock{base: base}
}

func (c *OffsetClock) Now() time.Time {
	return c.base.Now().Add(time.Duration(c.offset.Load()))
}

// Adjust shifts the clock by d on top of any previous adjustment.
func (c *OffsetClock) Adjust(d time.Duration) {
	c.offset.Add(int64(d))
}

// Offset returns the total adjustment applied so far.
func (c *OffsetClock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

var globalTimestampValue atomic.Uint64

// uniqueTimestamp returns a microsecond timestamp that is unique even when
// called several times within the same microsecond. Used as storage key.
func uniqueTimestamp(now time.Time) uint64 {
	tm := uint64(now.UnixMicro())

	for {
		v := globalTimestampValue.Load()
		if v >= tm {
			// too many values or time went back, use the counter instead
			return globalTimestampValue.Add(1)
		}
		if globalTimestampValue.CompareAndSwap(v, tm) {
			return tm
		}
	}
}
