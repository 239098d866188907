package rfmesh

import (
	"sync"
	"time"
)

// Scheduler computes when a node may transmit. Nodes 1..N take turns in a
// cycle of N slots, the ground node has no slot. A node advances its own
// timestamp after each transmission and snaps back to the phase of any peer
// it hears, so that drifting nodes converge instead of accumulating skew.
type Scheduler struct {
	mu    sync.Mutex
	id    int
	nodes int
	slot  time.Duration
	clock Clock
	next  time.Time
}

// NewScheduler returns a scheduler for a network of nodes mobile nodes.
func NewScheduler(id, nodes int, slot time.Duration, clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	if nodes < 1 {
		nodes = 1
	}
	return &Scheduler{id: id, nodes: nodes, slot: slot, clock: clock}
}

// SetID updates the node id, once known after join.
func (s *Scheduler) SetID(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

// Cycle returns the duration of a full round of slots.
func (s *Scheduler) Cycle() time.Duration {
	return time.Duration(s.nodes) * s.slot
}

// Next returns the currently scheduled transmission time. The zero time means
// the node may transmit immediately.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Due reports whether the transmission slot has arrived.
func (s *Scheduler) Due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.clock.Now().Before(s.next)
}

// NextTimestamp must be called right after this node transmitted. It moves
// the schedule one full cycle ahead and returns the new timestamp.
func (s *Scheduler) NextTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cycle := s.Cycle()
	if s.next.IsZero() || now.Sub(s.next) > cycle {
		// first transmission, or the loop stalled for more than a cycle
		s.next = now.Add(cycle)
	} else {
		s.next = s.next.Add(cycle)
	}
	return s.next
}

// Synchronize realigns the schedule on a packet received from a peer. Only
// probes carry a peer timestamp, other packets leave the schedule untouched.
// A peer observation always wins over the local value, even a sooner one.
func (s *Scheduler) Synchronize(p Packet) (time.Time, bool) {
	probe, ok := p.(*RSSIBroadcast)
	if !ok || probe.Timestamp.IsZero() {
		return s.Next(), false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.next = probe.Timestamp.Time().Add(time.Duration(s.slotsAfter(probe.SensorID)) * s.slot)
	return s.next, true
}

// slotsAfter returns how many slots after peer this node transmits.
func (s *Scheduler) slotsAfter(peer int) int {
	offset := ((s.id-peer)%s.nodes + s.nodes) % s.nodes
	if offset == 0 {
		return s.nodes
	}
	return offset
}
