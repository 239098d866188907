package rfmesh

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestForRaceConditions runs a live network while the application enqueues
// packets and registers callbacks from several goroutines. This should be
// used with the -race flag.
// Example: go test -race github.com/KarpelesLab/rfmesh -run TestForRaceConditions
func TestForRaceConditions(t *testing.T) {
	network := NewSimNetwork()
	cfg := testConfig(network, 3)
	cfg.Synchronize = false

	buf := &MemoryBuffer{}
	nodes := startNetwork(t, network, cfg, func(id int) []NodeOption {
		if id == GroundID {
			return []NodeOption{WithBuffer(buf)}
		}
		return nil
	})

	const numGoroutines = 3
	const numPackets = 20

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			node := nodes[n+1]
			for j := 0; j < numPackets; j++ {
				payload := []byte(fmt.Sprintf("packet-%d-%d", n, j))
				if err := node.Enqueue(&WaypointAdd{ToID: 0, Index: j, Payload: payload}); err != nil {
					t.Errorf("Enqueue failed: %s", err)
				}
				if j%5 == 0 {
					node.AddPacketCallback(SpecWaypointAdd, func(Packet) {})
				} else if j%5 == 3 {
					node.RemovePacketCallback(SpecWaypointAdd)
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	waitFor(t, 5*time.Second, "queues to drain", func() bool {
		for _, n := range nodes {
			if n.Queued() != 0 {
				return false
			}
		}
		return true
	})
}

// TestDeactivateWhileRunning checks a node stops cleanly in the middle of
// its activity.
func TestDeactivateWhileRunning(t *testing.T) {
	network := NewSimNetwork()
	cfg := testConfig(network, 2)
	cfg.Synchronize = false

	nodes := startNetwork(t, network, cfg, nil)
	time.Sleep(50 * time.Millisecond)

	for _, n := range nodes {
		if err := n.Deactivate(); err != nil {
			t.Errorf("Deactivate failed: %s", err)
		}
		// a second call does nothing
		if err := n.Deactivate(); err != nil {
			t.Errorf("second Deactivate failed: %s", err)
		}
		if n.Pending() != 0 {
			t.Errorf("pending measurements kept after deactivation")
		}
	}
}
