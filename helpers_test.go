package rfmesh

import (
	"context"
	"sync"
	"testing"
	"time"
)

// manualClock is a Clock only moving when told to.
type manualClock struct {
	lk  sync.Mutex
	now time.Time
}

func newManualClock(t time.Time) *manualClock {
	return &manualClock{now: t}
}

func (c *manualClock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = c.now.Add(d)
}

// testConfig returns a fast configuration for an in-memory network of nodes
// mobile nodes.
func testConfig(network *SimNetwork, nodes int) *Config {
	cfg := DefaultConfig()
	cfg.NumberOfSensors = nodes
	cfg.Sensors = network.Addresses(nodes)
	cfg.SlotWidth = 20 * time.Millisecond
	cfg.LoopDelay = 2 * time.Millisecond
	cfg.ResponseDelay = 5 * time.Millisecond
	cfg.NTPDelay = 50 * time.Millisecond
	cfg.Delivery.RetryInterval = 500 * time.Millisecond
	return cfg
}

// waitFor polls cond until it returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// startNetwork creates and activates a ground node and nodes mobile nodes.
func startNetwork(t *testing.T, network *SimNetwork, cfg *Config, opts func(id int) []NodeOption) []*Node {
	t.Helper()

	res := make([]*Node, cfg.NumberOfSensors+1)
	for id := range res {
		var o []NodeOption
		if opts != nil {
			o = opts(id)
		}
		n, err := NewNode(cfg, network.Radio(id), o...)
		if err != nil {
			t.Fatalf("NewNode(%d) failed: %s", id, err)
		}
		res[id] = n
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, len(res))
	for _, n := range res {
		go func(n *Node) { errs <- n.Activate(ctx) }(n)
	}
	for range res {
		if err := <-errs; err != nil {
			t.Fatalf("Activate failed: %s", err)
		}
	}

	t.Cleanup(func() {
		for _, n := range res {
			n.Deactivate()
		}
	})
	return res
}
