package rfmesh

import (
	"math"
	"time"
)

// Stamp represents a point in time as carried inside packets: seconds since
// the Unix epoch as a float, the representation shared by every node of the
// network. A zero Stamp means "not stamped yet" (see the ntp exchange).
type Stamp float64

// StampOf converts a time to a Stamp.
func StampOf(t time.Time) Stamp {
	return Stamp(float64(t.UnixNano()) / 1e9)
}

// Time returns the Stamp as a time.Time.
func (s Stamp) Time() time.Time {
	sec, frac := math.Modf(float64(s))
	return time.Unix(int64(sec), int64(frac*1e9))
}

// IsZero reports whether the stamp was never set.
func (s Stamp) IsZero() bool {
	return s == 0
}

// Add returns the stamp shifted by d.
func (s Stamp) Add(d time.Duration) Stamp {
	return s + Stamp(d.Seconds())
}

// Sub returns the duration s-s2.
func (s Stamp) Sub(s2 Stamp) time.Duration {
	return time.Duration(float64(s-s2) * float64(time.Second))
}

func (s Stamp) String() string {
	return s.Time().String()
}
