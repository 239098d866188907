package rfmesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SyncState is the state of a clock synchronization.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRequestSent
	SyncAwaitingReply
	SyncSynchronized
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRequestSent:
		return "request_sent"
	case SyncAwaitingReply:
		return "awaiting_reply"
	case SyncSynchronized:
		return "synchronized"
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

// ClockOffset computes the NTP clock offset in seconds from the four
// timestamps of an exchange: t1 request sent, t2 request received, t3 reply
// sent, t4 reply received.
//
// See "Internet time synchronization: the network time protocol", D. L. Mills.
func ClockOffset(t1, t2, t3, t4 Stamp) float64 {
	return (float64(t2-t1) + float64(t3-t4)) / 2
}

// ClockSync runs the 4-timestamp exchange against the ground node and applies
// the resulting offset to a logical clock. One round trip is enough.
type ClockSync struct {
	mu     sync.Mutex
	id     int
	clock  *OffsetClock
	state  SyncState
	offset time.Duration
	done   chan struct{}
}

// NewClockSync returns a synchronizer adjusting clock.
func NewClockSync(id int, clock *OffsetClock) *ClockSync {
	return &ClockSync{id: id, clock: clock, done: make(chan struct{})}
}

// SetID updates the node id, once known after join.
func (c *ClockSync) SetID(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// State returns the current state.
func (c *ClockSync) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Offset returns the offset applied when the exchange completed.
func (c *ClockSync) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Done is closed once the clock is synchronized.
func (c *ClockSync) Done() <-chan struct{} {
	return c.done
}

// Request builds a new request stamped with the local send time.
func (c *ClockSync) Request() *NTP {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != SyncSynchronized {
		c.state = SyncRequestSent
	}
	return &NTP{SensorID: c.id, Timestamp1: StampOf(c.clock.Now())}
}

// Sent records that the request left the node.
func (c *ClockSync) Sent() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == SyncRequestSent {
		c.state = SyncAwaitingReply
	}
}

// Process handles an inbound ntp packet. A request (t2 unset) is answered:
// the returned reply must be sent back to p.SensorID. A reply completes the
// exchange and returns nil.
func (c *ClockSync) Process(p *NTP) *NTP {
	now := StampOf(c.clock.Now())

	if p.Timestamp2.IsZero() {
		reply := Clone(p).(*NTP)
		reply.Timestamp2 = now
		reply.Timestamp3 = StampOf(c.clock.Now())
		return reply
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == SyncSynchronized {
		// late answer to a retried request
		return nil
	}

	p.Timestamp4 = now
	offset := time.Duration(ClockOffset(p.Timestamp1, p.Timestamp2, p.Timestamp3, p.Timestamp4) * float64(time.Second))
	c.clock.Adjust(offset)
	c.offset = offset
	c.state = SyncSynchronized
	close(c.done)

	slog.Info(fmt.Sprintf("[rfmesh] clock synchronized with ground, offset %s", offset), "event", "rfmesh:ntp:synchronized", "rfmesh.offset", offset)
	return nil
}

// Run sends a request every delay until a reply completes the exchange or
// ctx is cancelled.
func (c *ClockSync) Run(ctx context.Context, delay time.Duration, send func(context.Context, *NTP) error) error {
	for {
		if c.State() == SyncSynchronized {
			return nil
		}

		if err := send(ctx, c.Request()); err != nil {
			slog.Debug(fmt.Sprintf("[rfmesh] failed to send ntp request: %s", err), "event", "rfmesh:ntp:send_fail")
		} else {
			c.Sent()
		}

		t := time.NewTimer(delay)
		select {
		case <-c.done:
			t.Stop()
			return nil
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
