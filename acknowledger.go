package rfmesh

import (
	"fmt"
	"log/slog"
	"sync"
)

// Acknowledger is the receiving side of a Delivery, running on a mobile
// node. It rebuilds the sequence sent by the ground node and acknowledges
// each step with the next index it expects.
type Acknowledger struct {
	node   *Node
	onDone func(payloads [][]byte)

	lk       sync.Mutex
	items    [][]byte
	complete bool
}

// NewAcknowledger registers the waypoint callbacks on node. onDone receives
// the payloads once the done marker arrives.
func NewAcknowledger(node *Node, onDone func(payloads [][]byte)) *Acknowledger {
	a := &Acknowledger{node: node, onDone: onDone}

	node.AddPacketCallback(SpecWaypointClear, a.handle)
	node.AddPacketCallback(SpecWaypointAdd, a.handle)
	node.AddPacketCallback(SpecWaypointDone, a.handle)
	return a
}

// Close removes the callbacks.
func (a *Acknowledger) Close() {
	a.node.RemovePacketCallback(SpecWaypointClear)
	a.node.RemovePacketCallback(SpecWaypointAdd)
	a.node.RemovePacketCallback(SpecWaypointDone)
}

// Items returns the payloads received so far.
func (a *Acknowledger) Items() [][]byte {
	a.lk.Lock()
	defer a.lk.Unlock()
	return append([][]byte(nil), a.items...)
}

func (a *Acknowledger) handle(p Packet) {
	next, done := a.apply(p)
	if done != nil && a.onDone != nil {
		a.onDone(done)
	}
	a.ack(next)
}

// apply updates the sequence and returns the index to acknowledge, plus the
// payloads if the sequence just completed.
func (a *Acknowledger) apply(p Packet) (int, [][]byte) {
	a.lk.Lock()
	defer a.lk.Unlock()

	switch pkt := p.(type) {
	case *WaypointClear:
		a.items = nil
		a.complete = false
		return 0, nil
	case *WaypointAdd:
		if !a.complete && pkt.Index == len(a.items) {
			a.items = append(a.items, pkt.Payload)
		}
		// duplicates and gaps are answered with what we expect
		return len(a.items), nil
	case *WaypointDone:
		if a.complete {
			return len(a.items) + 1, nil
		}
		a.complete = true
		return len(a.items) + 1, append([][]byte(nil), a.items...)
	}
	return len(a.items), nil
}

func (a *Acknowledger) ack(next int) {
	ident, err := a.node.Identity()
	if err != nil {
		return
	}
	err = a.node.Enqueue(&WaypointAck{SensorID: ident.ID, NextIndex: next}, GroundID)
	if err != nil {
		slog.Warn(fmt.Sprintf("[rfmesh] failed to acknowledge: %s", err), "event", "rfmesh:ack:enqueue_fail")
	}
}
