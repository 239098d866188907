package rfmesh

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Enqueuer queues packets for a destination node, typically a *Node.
type Enqueuer interface {
	Enqueue(p Packet, to ...int) error
}

// CallbackRegistry routes received custom packets by specification,
// typically a *Node.
type CallbackRegistry interface {
	AddPacketCallback(spec Specification, cb PacketCallback)
	RemovePacketCallback(spec Specification)
}

// DeliveryConfig describes what a Delivery sends and how hard it tries.
type DeliveryConfig[T any] struct {
	// Name of an item in labels, for example "waypoint".
	Name string

	// Specifications of the clear, done and acknowledgement packets. They
	// default to the waypoint ones.
	Clear, Done, Ack Specification

	// Add builds the packet carrying item number index for destination to.
	Add func(to, index int, item T) Packet

	// MaxRetries is the number of sends a step gets before the delivery
	// fails, the first send included.
	MaxRetries    int
	RetryInterval time.Duration

	// Data lists the items to send to each destination, in order.
	Data map[int][]T

	OnProgress func(value, total int)
	OnLabels   func(labels []string)

	Metrics *Metrics
}

type destination struct {
	retries int
	index   int // -1 until the clear is acknowledged, then next expected item
	label   string
	timer   *time.Timer
	gen     int
}

// Delivery sends an ordered sequence of items to several destinations over
// a lossy link. Each destination is first cleared, then receives its items
// one by one, then a done marker. Every step waits for an acknowledgement
// carrying the next index the destination expects and is resent when none
// arrives in time. The whole group fails when one destination runs out of
// attempts.
//
// All state is owned by a single goroutine. Acknowledgements and timer
// expiries reach it as events.
type Delivery[T any] struct {
	id        uuid.UUID
	cfg       DeliveryConfig[T]
	sender    Enqueuer
	callbacks CallbackRegistry

	dests map[int]*destination
	total int

	events    chan func()
	done      chan struct{}
	loopOnce  sync.Once
	startOnce sync.Once
	err       error // set before done is closed
	finished  bool

	// the ack callback is ours to remove
	registered bool
}

// NewDelivery prepares a delivery. Nothing is sent before Start.
func NewDelivery[T any](sender Enqueuer, callbacks CallbackRegistry, cfg DeliveryConfig[T]) *Delivery[T] {
	if cfg.Name == "" {
		cfg.Name = "waypoint"
	}
	if cfg.Clear == "" {
		cfg.Clear = SpecWaypointClear
	}
	if cfg.Done == "" {
		cfg.Done = SpecWaypointDone
	}
	if cfg.Ack == "" {
		cfg.Ack = SpecWaypointAck
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}

	d := &Delivery[T]{
		id:        uuid.New(),
		cfg:       cfg,
		sender:    sender,
		callbacks: callbacks,
		dests:     make(map[int]*destination),
		events:    make(chan func()),
		done:      make(chan struct{}),
	}
	for to, items := range cfg.Data {
		d.dests[to] = &destination{retries: cfg.MaxRetries, index: -1}
		d.total += len(items) + 1
	}
	return d
}

// ID identifies the delivery in logs.
func (d *Delivery[T]) ID() uuid.UUID {
	return d.id
}

// Total returns the progress value reached on completion.
func (d *Delivery[T]) Total() int {
	return d.total
}

// Start registers the acknowledgement callback and sends the first clear to
// every destination. Cancelling ctx cancels the delivery. A delivery
// cancelled before Start never touches the callback registry.
func (d *Delivery[T]) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		select {
		case <-d.done:
			// cancelled before start
			return
		default:
		}

		stop := context.AfterFunc(ctx, func() {
			d.Cancel(ctx.Err().Error())
		})
		go func() {
			<-d.done
			stop()
		}()
		d.ensureLoop()

		slog.Info(fmt.Sprintf("[rfmesh] delivery %s: sending %ss to %d vehicles", d.id, d.cfg.Name, len(d.dests)), "event", "rfmesh:delivery:start", "rfmesh.delivery", d.id.String())

		d.post(func() {
			d.callbacks.AddPacketCallback(d.cfg.Ack, func(p Packet) {
				d.post(func() { d.receiveAck(p) })
			})
			d.registered = true

			if len(d.dests) == 0 {
				d.finish(nil)
				return
			}
			for _, to := range d.order() {
				d.sendClear(to)
			}
		})
	})
}

// Cancel stops the delivery. It returns once the delivery reached its final
// state; cancelling a finished delivery does nothing. It must not be called
// from OnProgress or OnLabels.
func (d *Delivery[T]) Cancel(reason string) {
	d.ensureLoop()
	d.post(func() {
		d.finish(fmt.Errorf("%w: %s", ErrDeliveryCancelled, reason))
	})
	<-d.done
}

// Wait blocks until the delivery completes and returns nil on success.
func (d *Delivery[T]) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the delivery reached its final state.
func (d *Delivery[T]) Done() <-chan struct{} {
	return d.done
}

func (d *Delivery[T]) ensureLoop() {
	d.loopOnce.Do(func() {
		go d.run()
	})
}

func (d *Delivery[T]) run() {
	for {
		select {
		case ev := <-d.events:
			ev()
			if d.finished {
				return
			}
		case <-d.done:
			return
		}
	}
}

// post hands ev to the delivery goroutine. Events posted after the end are
// discarded.
func (d *Delivery[T]) post(ev func()) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

func (d *Delivery[T]) order() []int {
	res := make([]int, 0, len(d.dests))
	for to := range d.dests {
		res = append(res, to)
	}
	slices.Sort(res)
	return res
}

func (d *Delivery[T]) isDone(to int) bool {
	return d.dests[to].index > len(d.cfg.Data[to])
}

func (d *Delivery[T]) allDone() bool {
	for to := range d.dests {
		if !d.isDone(to) {
			return false
		}
	}
	return true
}

func (d *Delivery[T]) receiveAck(p Packet) {
	ack, ok := p.(*WaypointAck)
	if !ok {
		slog.Debug(fmt.Sprintf("[rfmesh] delivery %s: ignoring %s acknowledgement", d.id, p.Specification()), "event", "rfmesh:delivery:bad_ack")
		return
	}

	dest, ok := d.dests[ack.SensorID]
	if !ok {
		return
	}
	if ack.NextIndex < -1 {
		slog.Debug(fmt.Sprintf("[rfmesh] delivery %s: ignoring acknowledgement of index %d from vehicle %d", d.id, ack.NextIndex, ack.SensorID), "event", "rfmesh:delivery:bad_ack")
		return
	}
	dest.index = ack.NextIndex
	dest.retries = d.cfg.MaxRetries + 1
}

func (d *Delivery[T]) retry(to, gen int) {
	dest := d.dests[to]
	if dest.gen != gen {
		// timer re-armed since
		return
	}

	d.updateProgress()
	if d.allDone() {
		slog.Info(fmt.Sprintf("[rfmesh] delivery %s: all vehicles acknowledged", d.id), "event", "rfmesh:delivery:complete", "rfmesh.delivery", d.id.String())
		d.finish(nil)
		return
	}
	if d.isDone(to) {
		return
	}

	dest.retries--
	if dest.retries > 0 {
		if dest.retries < d.cfg.MaxRetries {
			d.cfg.Metrics.inc(mDeliveryRetries)
		}
		switch {
		case dest.index == -1:
			d.sendClear(to)
		case dest.index >= len(d.cfg.Data[to]):
			d.sendDone(to)
		default:
			d.sendOne(to)
		}
		return
	}

	var step string
	if dest.index == -1 {
		step = fmt.Sprintf("clearing %ss", d.cfg.Name)
	} else {
		step = fmt.Sprintf("%s #%d", d.cfg.Name, dest.index)
	}
	d.cfg.Metrics.inc(mDeliveryFailures)
	err := &DeliveryExhaustedError{To: to, Step: step}
	slog.Warn(fmt.Sprintf("[rfmesh] delivery %s: %s", d.id, err), "event", "rfmesh:delivery:exhausted", "rfmesh.delivery", d.id.String())
	d.finish(err)
}

func (d *Delivery[T]) sendClear(to int) {
	p, _ := NewPacket(d.cfg.Clear)
	Set(p, "to_id", to)
	d.send(to, p, fmt.Sprintf("Clearing old %ss", d.cfg.Name))
}

func (d *Delivery[T]) sendDone(to int) {
	p, _ := NewPacket(d.cfg.Done)
	Set(p, "to_id", to)
	d.send(to, p, fmt.Sprintf("Sending %s done packet", d.cfg.Name))
}

func (d *Delivery[T]) sendOne(to int) {
	index := d.dests[to].index
	item := d.cfg.Data[to][index]
	d.send(to, d.cfg.Add(to, index, item), fmt.Sprintf("Sending %s #%d: %v", d.cfg.Name, index+1, item))
}

func (d *Delivery[T]) send(to int, p Packet, label string) {
	if err := d.sender.Enqueue(p, to); err != nil {
		slog.Warn(fmt.Sprintf("[rfmesh] delivery %s: failed to enqueue %s for vehicle %d: %s", d.id, p.Specification(), to, err), "event", "rfmesh:delivery:enqueue_fail")
	}

	dest := d.dests[to]
	dest.label = label
	d.updateLabels()
	d.updateProgress()

	dest.gen++
	gen := dest.gen
	if dest.timer != nil {
		dest.timer.Stop()
	}
	dest.timer = time.AfterFunc(d.cfg.RetryInterval, func() {
		d.post(func() { d.retry(to, gen) })
	})
}

func (d *Delivery[T]) updateLabels() {
	if d.cfg.OnLabels == nil {
		return
	}
	var labels []string
	for _, to := range d.order() {
		dest := d.dests[to]
		var suffix string
		if dest.retries < d.cfg.MaxRetries {
			suffix = fmt.Sprintf(" (%d attempts remaining)", dest.retries)
		}
		labels = append(labels, fmt.Sprintf("Vehicle %d: %s%s", to, dest.label, suffix))
	}
	d.cfg.OnLabels(labels)
}

// progress sums the acknowledged indexes, clamped to the total.
func (d *Delivery[T]) progress() int {
	sum := 0
	for _, dest := range d.dests {
		sum += dest.index
	}
	return max(0, min(d.total, sum))
}

func (d *Delivery[T]) updateProgress() {
	if d.cfg.OnProgress != nil {
		d.cfg.OnProgress(d.progress(), d.total)
	}
}

// finish moves the delivery to its final state. Only the first call counts.
func (d *Delivery[T]) finish(err error) {
	if d.finished {
		return
	}
	d.finished = true

	if d.registered {
		d.callbacks.RemovePacketCallback(d.cfg.Ack)
	}
	for _, dest := range d.dests {
		if dest.timer != nil {
			dest.timer.Stop()
		}
	}
	if err == nil {
		d.updateProgress()
	}

	d.err = err
	close(d.done)
}
