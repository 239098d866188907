package rfmesh

import "testing"

func TestAcknowledgerSequence(t *testing.T) {
	a := &Acknowledger{}

	steps := []struct {
		packet Packet
		next   int
		done   bool
	}{
		{&WaypointClear{ToID: 1}, 0, false},
		{&WaypointAdd{ToID: 1, Index: 0, Payload: []byte("a")}, 1, false},
		{&WaypointAdd{ToID: 1, Index: 0, Payload: []byte("a")}, 1, false}, // duplicate
		{&WaypointAdd{ToID: 1, Index: 2, Payload: []byte("c")}, 1, false}, // gap
		{&WaypointAdd{ToID: 1, Index: 1, Payload: []byte("b")}, 2, false},
		{&WaypointDone{ToID: 1}, 3, true},
		{&WaypointDone{ToID: 1}, 3, false}, // repeated done
	}

	for i, step := range steps {
		next, done := a.apply(step.packet)
		if next != step.next {
			t.Errorf("step %d (%s): acknowledged %d, expected %d", i, step.packet.Specification(), next, step.next)
		}
		if (done != nil) != step.done {
			t.Errorf("step %d: completion = %v, expected %v", i, done != nil, step.done)
		}
		if done != nil && (len(done) != 2 || string(done[0]) != "a" || string(done[1]) != "b") {
			t.Errorf("step %d: unexpected payloads %q", i, done)
		}
	}

	// a new clear starts over
	if next, _ := a.apply(&WaypointClear{ToID: 1}); next != 0 || len(a.Items()) != 0 {
		t.Errorf("clear did not reset the sequence")
	}
}
