package rfmesh

import "testing"

func TestPacketQueueDrain(t *testing.T) {
	var q packetQueue
	for i := 0; i < 7; i++ {
		q.push(queuedPacket{packet: &WaypointClear{ToID: i}, to: i})
	}

	first := q.drain(5)
	if len(first) != 5 {
		t.Fatalf("drained %d packets, expected 5", len(first))
	}
	if q.len() != 2 {
		t.Errorf("%d packets left, expected 2", q.len())
	}
	second := q.drain(5)
	if len(second) != 2 {
		t.Fatalf("drained %d packets, expected 2", len(second))
	}

	// order is kept across slots
	for i, item := range append(first, second...) {
		if item.to != i {
			t.Errorf("position %d holds packet for %d", i, item.to)
		}
	}

	if res := q.drain(5); res != nil {
		t.Errorf("empty queue returned %d packets", len(res))
	}
}
