package rfmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KarpelesLab/emitter"
)

// Identity is who a node is on the network. It is learned from the radio
// when joining and never changes afterwards.
type Identity struct {
	ID      int
	Address Address
}

// Node is a member of the mesh, either the ground node (id 0) or a mobile
// node. It owns the radio transport, the TDMA schedule and the custom packet
// queue.
type Node struct {
	cfg       *Config
	transport Transport
	addresses []Address // indexed by node id

	clock     *OffsetClock
	scheduler *Scheduler
	ntp       *ClockSync
	joiner    joiner
	joined    atomic.Bool

	queue packetQueue

	// measurements waiting for their RSSI, by AT frame id
	frames   map[byte]*RSSIGroundStation
	framesLk sync.Mutex

	handlers   map[Specification]PacketCallback
	handlersLk sync.RWMutex

	receive       ReceiveFunc
	location      LocationFunc
	locationValid LocationValidFunc
	buffer        Buffer
	metrics       *Metrics

	// Events emits "joined" and "synchronized" with the node Identity, and
	// "packet" with each decoded Packet.
	Events *emitter.Hub

	inbox  chan Frame
	runLk  sync.Mutex
	active bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode returns a node using cfg and the radio link t. The node does
// nothing until Activate is called.
func NewNode(cfg *Config, t Transport, opts ...NodeOption) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addresses, err := cfg.Addresses()
	if err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, errors.New("configuration does not list any sensor address")
	}

	n := &Node{
		cfg:       cfg,
		transport: t,
		addresses: addresses,
		frames:    make(map[byte]*RSSIGroundStation),
		handlers:  make(map[Specification]PacketCallback),
		Events:    emitter.New(),
		inbox:     make(chan Frame, cfg.ReceiveQueueSize),
	}

	for _, opt := range opts {
		opt.apply(n)
	}

	if n.clock == nil {
		n.clock = NewOffsetClock(SystemClock)
	}
	n.scheduler = NewScheduler(0, cfg.NumberOfSensors, cfg.SlotWidth, n.clock)
	n.ntp = NewClockSync(0, n.clock)

	return n, nil
}

// Identity returns the identity learned when joining.
func (n *Node) Identity() (Identity, error) {
	if !n.joined.Load() {
		return Identity{}, ErrNotJoined
	}
	id, _ := n.joiner.identity()
	addr, _ := n.joiner.hardwareAddress()
	return Identity{ID: id, Address: addr}, nil
}

// JoinState returns how far the join went.
func (n *Node) JoinState() JoinState {
	return n.joiner.getState()
}

// Clock returns the logical clock of the node, synchronized with the ground
// node once clock synchronization completed.
func (n *Node) Clock() *OffsetClock {
	return n.clock
}

func (n *Node) Scheduler() *Scheduler {
	return n.scheduler
}

// Activate joins the network and starts the send loop. ctx bounds the join
// only: if it expires first, ErrJoinTimeout is returned and the node stays
// inactive. Calling Activate on an active node does nothing.
func (n *Node) Activate(ctx context.Context) error {
	n.runLk.Lock()
	if n.active {
		n.runLk.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	n.active = true
	n.cancel = cancel
	n.runLk.Unlock()

	n.transport.SetReceiver(n.deliver)

	n.wg.Add(1)
	go n.receiveLoop(runCtx)

	joinCtx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(runCtx, stop)()

	if err := n.setup(joinCtx); err != nil {
		n.stop()
		return err
	}

	n.wg.Add(1)
	go n.loop(runCtx)
	return nil
}

func (n *Node) setup(ctx context.Context) error {
	if err := sleepCtx(ctx, n.cfg.StartupDelay); err != nil {
		return joinError(err)
	}
	if err := n.join(ctx); err != nil {
		return err
	}

	id, _ := n.joiner.identity()
	if id != GroundID && n.cfg.Synchronize {
		n.joiner.setState(JoinAwaitClockSync)
		if err := n.ntp.Run(ctx, n.cfg.NTPDelay, n.sendNTP); err != nil {
			return joinError(err)
		}
	}

	n.joiner.setState(JoinJoined)
	n.joined.Store(true)

	ident, _ := n.Identity()
	if id != GroundID && n.cfg.Synchronize {
		n.emit("synchronized", ident)
	}
	n.emit("joined", ident)
	return nil
}

// Deactivate stops the node and closes the transport. Pending measurements
// are discarded, queued custom packets are kept.
func (n *Node) Deactivate() error {
	n.runLk.Lock()
	if !n.active {
		n.runLk.Unlock()
		return nil
	}
	n.runLk.Unlock()

	n.stop()

	n.framesLk.Lock()
	clear(n.frames)
	n.framesLk.Unlock()

	return n.transport.Close()
}

func (n *Node) stop() {
	n.runLk.Lock()
	n.active = false
	cancel := n.cancel
	n.runLk.Unlock()

	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
}

// Enqueue queues a custom packet to be sent in a future slot. Without
// destination, a copy is queued for every mobile node except this one.
func (n *Node) Enqueue(p Packet, to ...int) error {
	if p.Private() {
		return fmt.Errorf("%w: %s", ErrPrivatePacket, p.Specification())
	}

	var items []queuedPacket
	if len(to) == 0 {
		id, ok := n.joiner.identity()
		if !ok {
			return ErrNotJoined
		}
		for dst := 1; dst <= n.cfg.NumberOfSensors; dst++ {
			if dst == id {
				continue
			}
			items = append(items, queuedPacket{packet: Clone(p), to: dst})
		}
	}
	for _, dst := range to {
		if _, ok := n.addressOf(dst); !ok {
			return fmt.Errorf("%w: %d", ErrUnknownNode, dst)
		}
		items = append(items, queuedPacket{packet: Clone(p), to: dst})
	}

	n.queue.push(items...)
	return nil
}

// Queued returns the number of custom packets waiting to be sent.
func (n *Node) Queued() int {
	return n.queue.len()
}

func (n *Node) addressOf(id int) (Address, bool) {
	if id < 0 || id >= len(n.addresses) {
		return "", false
	}
	return n.addresses[id], true
}

func (n *Node) sendPacket(ctx context.Context, to int, p Packet, custom bool) error {
	addr, ok := n.addressOf(to)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, to)
	}
	data, err := marshalFrame(p, custom)
	if err != nil {
		return err
	}
	return n.transport.Send(ctx, addr, data)
}

func (n *Node) sendNTP(ctx context.Context, p *NTP) error {
	return n.sendPacket(ctx, GroundID, p, false)
}

func (n *Node) emit(topic string, args ...any) {
	n.Events.EmitTimeout(100*time.Millisecond, topic, args...)
}

// deliver is the transport callback. It never blocks: when the receive task
// lags behind, frames are dropped.
func (n *Node) deliver(f Frame) {
	select {
	case n.inbox <- f:
	default:
		n.metrics.inc(mDropped)
		slog.Warn("[rfmesh] receive queue full, dropping frame", "event", "rfmesh:receive:dropped")
	}
}

func (n *Node) receiveLoop(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-n.inbox:
			n.handleFrame(ctx, f)
		}
	}
}

func (n *Node) handleFrame(ctx context.Context, f Frame) {
	defer func() {
		// a bad frame must not stop the receive task
		if e := recover(); e != nil {
			slog.Error(fmt.Sprintf("[rfmesh] receive handler panic'd: %s\n%s", e, debug.Stack()), "event", "rfmesh:receive:panic", "category", "go.panic")
		}
	}()

	switch fr := f.(type) {
	case *RxFrame:
		p, custom, err := unmarshalFrame(fr.Data)
		if err != nil {
			n.metrics.inc(mMalformed)
			slog.Debug(fmt.Sprintf("[rfmesh] dropping frame from %s: %s", fr.From, err), "event", "rfmesh:receive:malformed")
			return
		}
		if err := n.process(ctx, p, custom); err != nil {
			slog.Warn(fmt.Sprintf("[rfmesh] failed to process %s packet: %s", p.Specification(), err), "event", "rfmesh:receive:process_fail")
		}
	case *ATResponse:
		n.handleATResponse(fr)
	}
}

// loop runs until ctx is cancelled. Mobile nodes sweep when their slot comes,
// the ground node has no slot and sends its custom packets right away.
func (n *Node) loop(ctx context.Context) {
	defer n.wg.Done()

	t := time.NewTicker(n.cfg.LoopDelay)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n.loopStep(ctx)
	}
}

func (n *Node) loopStep(ctx context.Context) {
	defer func() {
		if e := recover(); e != nil {
			slog.Error(fmt.Sprintf("[rfmesh] send loop panic'd: %s\n%s", e, debug.Stack()), "event", "rfmesh:loop:panic", "category", "go.panic")
		}
	}()

	id, _ := n.joiner.identity()
	if id == GroundID {
		n.sendCustom(ctx)
		return
	}
	if n.scheduler.Due() {
		n.scheduler.NextTimestamp()
		n.sweep(ctx, id)
	}
}
