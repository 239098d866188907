package rfmesh

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeLink stands for the ground node: it records what is enqueued and
// lets a responder answer with acknowledgements.
type fakeLink struct {
	lk      sync.Mutex
	cbs     map[Specification]PacketCallback
	sent    map[int][]Packet
	respond func(to int, p Packet) *WaypointAck
}

func newFakeLink(respond func(to int, p Packet) *WaypointAck) *fakeLink {
	return &fakeLink{
		cbs:     make(map[Specification]PacketCallback),
		sent:    make(map[int][]Packet),
		respond: respond,
	}
}

func (f *fakeLink) Enqueue(p Packet, to ...int) error {
	f.lk.Lock()
	defer f.lk.Unlock()

	for _, dst := range to {
		f.sent[dst] = append(f.sent[dst], p)
		if f.respond == nil {
			continue
		}
		if ack := f.respond(dst, p); ack != nil {
			if cb := f.cbs[SpecWaypointAck]; cb != nil {
				go cb(ack)
			}
		}
	}
	return nil
}

func (f *fakeLink) AddPacketCallback(spec Specification, cb PacketCallback) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.cbs[spec] = cb
}

func (f *fakeLink) RemovePacketCallback(spec Specification) {
	f.lk.Lock()
	defer f.lk.Unlock()
	delete(f.cbs, spec)
}

func (f *fakeLink) sentTo(to int) []Packet {
	f.lk.Lock()
	defer f.lk.Unlock()
	return append([]Packet(nil), f.sent[to]...)
}

func (f *fakeLink) hasCallback(spec Specification) bool {
	f.lk.Lock()
	defer f.lk.Unlock()
	return f.cbs[spec] != nil
}

// vehicles answers like Acknowledgers would, optionally dropping packets.
func vehicles(drop func(to, n int) bool) func(to int, p Packet) *WaypointAck {
	var lk sync.Mutex
	acks := make(map[int]*Acknowledger)
	counts := make(map[int]int)

	return func(to int, p Packet) *WaypointAck {
		lk.Lock()
		defer lk.Unlock()

		counts[to]++
		if drop != nil && drop(to, counts[to]) {
			return nil
		}
		a, ok := acks[to]
		if !ok {
			a = &Acknowledger{}
			acks[to] = a
		}
		next, _ := a.apply(p)
		return &WaypointAck{SensorID: to, NextIndex: next}
	}
}

func addWaypoint(to, index int, item string) Packet {
	return &WaypointAdd{ToID: to, Index: index, Payload: []byte(item)}
}

func TestDeliveryExhaustion(t *testing.T) {
	link := newFakeLink(nil)
	metrics := NewMetrics(nil)

	d := NewDelivery(link, link, DeliveryConfig[string]{
		Add:           addWaypoint,
		MaxRetries:    3,
		RetryInterval: 5 * time.Millisecond,
		Data:          map[int][]string{1: {"a", "b"}},
		Metrics:       metrics,
	})
	d.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := d.Wait(ctx)
	var exhausted *DeliveryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected DeliveryExhaustedError, got %v", err)
	}
	if !errors.Is(err, ErrDeliveryExhausted) {
		t.Errorf("error does not match ErrDeliveryExhausted")
	}
	if exhausted.To != 1 || exhausted.Step != "clearing waypoints" {
		t.Errorf("unexpected error %+v", exhausted)
	}

	sent := link.sentTo(1)
	if len(sent) != 3 {
		t.Errorf("expected 3 sends before giving up, got %d", len(sent))
	}
	for _, p := range sent {
		if p.Specification() != SpecWaypointClear {
			t.Errorf("sent %s while clearing", p.Specification())
		}
	}
	if link.hasCallback(SpecWaypointAck) {
		t.Errorf("ack callback left registered")
	}
}

func TestDeliveryAcksDoNotConsumeBudget(t *testing.T) {
	link := newFakeLink(vehicles(nil))

	var lk sync.Mutex
	var values []int
	d := NewDelivery(link, link, DeliveryConfig[string]{
		Add:           addWaypoint,
		MaxRetries:    1,
		RetryInterval: 40 * time.Millisecond,
		Data:          map[int][]string{1: {"a", "b", "c"}, 2: {"d", "e", "f"}},
		OnProgress: func(value, total int) {
			lk.Lock()
			defer lk.Unlock()
			values = append(values, value)
		},
	})
	if d.Total() != 8 {
		t.Fatalf("total = %d, expected 8", d.Total())
	}
	d.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := d.Wait(ctx); err != nil {
		t.Fatalf("delivery failed: %s", err)
	}

	for _, to := range []int{1, 2} {
		// clear, three items and done, each sent exactly once
		if n := len(link.sentTo(to)); n != 5 {
			t.Errorf("vehicle %d got %d packets, expected 5", to, n)
		}
	}

	lk.Lock()
	defer lk.Unlock()

	if len(values) == 0 || values[len(values)-1] != 8 {
		t.Fatalf("final progress %v, expected 8", values)
	}
	for i, v := range values {
		if v > 8 || v < 0 {
			t.Errorf("progress %d out of range", v)
		}
		if v == 8 && i < len(values)-2 {
			t.Errorf("progress complete before the end: %v", values)
			break
		}
	}
}

func TestDeliveryRecoversFromLoss(t *testing.T) {
	// every first attempt of a step is lost
	link := newFakeLink(vehicles(func(to, n int) bool { return n%2 == 1 }))

	var lk sync.Mutex
	var lastLabels []string
	d := NewDelivery(link, link, DeliveryConfig[string]{
		Add:           addWaypoint,
		MaxRetries:    3,
		RetryInterval: 40 * time.Millisecond,
		Data:          map[int][]string{1: {"a", "b"}},
		OnLabels: func(labels []string) {
			lk.Lock()
			defer lk.Unlock()
			if strings.Contains(labels[0], "attempts remaining") {
				lastLabels = labels
			}
		},
	})
	d.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := d.Wait(ctx); err != nil {
		t.Fatalf("delivery failed: %s", err)
	}
	if n := len(link.sentTo(1)); n != 8 {
		t.Errorf("expected 8 packets (4 steps sent twice), got %d", n)
	}

	lk.Lock()
	defer lk.Unlock()
	if len(lastLabels) != 1 || !strings.HasPrefix(lastLabels[0], "Vehicle 1: ") || !strings.HasSuffix(lastLabels[0], "(2 attempts remaining)") {
		t.Errorf("unexpected retry label %q", lastLabels)
	}
}

func TestDeliveryCancel(t *testing.T) {
	link := newFakeLink(nil)

	d := NewDelivery(link, link, DeliveryConfig[string]{
		Add:           addWaypoint,
		MaxRetries:    3,
		RetryInterval: time.Hour,
		Data:          map[int][]string{1: {"a"}, 2: {"b"}},
	})
	d.Start(context.Background())
	waitFor(t, time.Second, "initial clears", func() bool {
		return len(link.sentTo(1)) == 1 && len(link.sentTo(2)) == 1
	})

	d.Cancel("operator request")

	err := d.Wait(context.Background())
	if !errors.Is(err, ErrDeliveryCancelled) {
		t.Fatalf("expected ErrDeliveryCancelled, got %v", err)
	}
	if link.hasCallback(SpecWaypointAck) {
		t.Errorf("ack callback left registered")
	}

	// no resurrection
	d.Cancel("again")
	d.Start(context.Background())
	if err := d.Wait(context.Background()); !errors.Is(err, ErrDeliveryCancelled) {
		t.Errorf("final state changed: %v", err)
	}
}

func TestDeliveryContextCancel(t *testing.T) {
	link := newFakeLink(nil)

	d := NewDelivery(link, link, DeliveryConfig[string]{
		Add:           addWaypoint,
		MaxRetries:    3,
		RetryInterval: time.Hour,
		Data:          map[int][]string{1: {"a"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatalf("delivery still running after its context was cancelled")
	}
	if err := d.Wait(context.Background()); !errors.Is(err, ErrDeliveryCancelled) {
		t.Errorf("expected ErrDeliveryCancelled, got %v", err)
	}
}

func TestDeliveryIgnoresOutOfRangeAck(t *testing.T) {
	respond := vehicles(nil)
	first := true
	link := newFakeLink(func(to int, p Packet) *WaypointAck {
		if first {
			// answered before anything was cleared, with an impossible index
			first = false
			return &WaypointAck{SensorID: to, NextIndex: -2}
		}
		return respond(to, p)
	})

	d := NewDelivery(link, link, DeliveryConfig[string]{
		Add:           addWaypoint,
		MaxRetries:    3,
		RetryInterval: 40 * time.Millisecond,
		Data:          map[int][]string{1: {"a", "b"}},
	})
	d.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := d.Wait(ctx); err != nil {
		t.Fatalf("delivery failed: %s", err)
	}
	// the clear is sent again, then both items and done
	if n := len(link.sentTo(1)); n != 5 {
		t.Errorf("expected 5 packets, got %d", n)
	}
}

func TestDeliveryCancelBeforeStartKeepsCallback(t *testing.T) {
	link := newFakeLink(nil)

	running := NewDelivery(link, link, DeliveryConfig[string]{
		Add:           addWaypoint,
		MaxRetries:    3,
		RetryInterval: time.Hour,
		Data:          map[int][]string{1: {"a"}},
	})
	running.Start(context.Background())
	defer running.Cancel("test end")

	waitFor(t, time.Second, "ack callback", func() bool {
		return link.hasCallback(SpecWaypointAck)
	})

	unused := NewDelivery(link, link, DeliveryConfig[string]{
		Add:           addWaypoint,
		MaxRetries:    3,
		RetryInterval: time.Hour,
		Data:          map[int][]string{2: {"b"}},
	})
	unused.Cancel("not needed")

	if err := unused.Wait(context.Background()); !errors.Is(err, ErrDeliveryCancelled) {
		t.Fatalf("expected ErrDeliveryCancelled, got %v", err)
	}
	if !link.hasCallback(SpecWaypointAck) {
		t.Errorf("cancelling an unstarted delivery removed the running delivery's callback")
	}
	if n := len(link.sentTo(2)); n != 0 {
		t.Errorf("cancelled delivery sent %d packets", n)
	}
}

func TestDeliveryOverNetwork(t *testing.T) {
	network := NewSimNetwork()
	network.SetLoss(0.1)
	cfg := testConfig(network, 2)
	cfg.Synchronize = false
	cfg.Delivery.MaxRetries = 10

	nodes := startNetwork(t, network, cfg, nil)

	got := make(chan [][]byte, 2)
	for id := 1; id <= 2; id++ {
		NewAcknowledger(nodes[id], func(payloads [][]byte) { got <- payloads })
	}

	ground := nodes[GroundID]
	d := NewDelivery(ground, ground, DeliveryConfig[string]{
		Add:           addWaypoint,
		MaxRetries:    cfg.Delivery.MaxRetries,
		RetryInterval: cfg.Delivery.RetryInterval,
		Data:          map[int][]string{1: {"a", "b", "c"}, 2: {"d"}},
	})
	d.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := d.Wait(ctx); err != nil {
		t.Fatalf("delivery failed: %s", err)
	}

	total := 0
	for i := 0; i < 2; i++ {
		select {
		case payloads := <-got:
			total += len(payloads)
		case <-ctx.Done():
			t.Fatalf("vehicles did not report completion")
		}
	}
	if total != 4 {
		t.Errorf("vehicles received %d waypoints, expected 4", total)
	}
}
