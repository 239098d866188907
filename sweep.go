package rfmesh

import (
	"context"
	"fmt"
	"log/slog"
)

// sweep uses the transmission slot of the node: a probe to every other mobile
// node, then queued custom packets, then the measurements ready for the
// ground node.
func (n *Node) sweep(ctx context.Context, id int) {
	n.metrics.inc(mSweeps)

	probe := n.probe(id)
	for to := 1; to <= n.cfg.NumberOfSensors; to++ {
		if to == id {
			continue
		}
		if err := n.sendPacket(ctx, to, probe, false); err != nil {
			slog.Debug(fmt.Sprintf("[rfmesh] failed to send probe to %d: %s", to, err), "event", "rfmesh:sweep:probe_fail")
			continue
		}
		n.metrics.inc(mProbesSent)
	}

	n.sendCustom(ctx)
	n.relay(ctx)
}

func (n *Node) probe(id int) *RSSIBroadcast {
	var loc Location
	var index int
	if n.location != nil {
		loc, index = n.location()
	}
	valid := true
	if n.locationValid != nil {
		valid = n.locationValid(nil)
	}

	return &RSSIBroadcast{
		SensorID:      id,
		Latitude:      loc.Latitude,
		Longitude:     loc.Longitude,
		Valid:         valid,
		WaypointIndex: index,
		Timestamp:     StampOf(n.clock.Now()),
	}
}

// sendCustom sends at most CustomPacketLimit queued packets, the rest waits
// for the next slot.
func (n *Node) sendCustom(ctx context.Context) {
	for _, item := range n.queue.drain(n.cfg.CustomPacketLimit) {
		if err := n.sendPacket(ctx, item.to, item.packet, true); err != nil {
			slog.Warn(fmt.Sprintf("[rfmesh] failed to send %s packet to %d: %s", item.packet.Specification(), item.to, err), "event", "rfmesh:sweep:custom_fail")
			continue
		}
		n.metrics.inc(mCustomSent)
	}
}

// relay forwards to the ground node every measurement whose RSSI arrived.
// Measurements still waiting stay pending.
func (n *Node) relay(ctx context.Context) {
	var ready []*RSSIGroundStation

	n.framesLk.Lock()
	for frameID, p := range n.frames {
		if !p.HasRSSI() {
			continue
		}
		ready = append(ready, p)
		delete(n.frames, frameID)
	}
	n.framesLk.Unlock()

	for _, p := range ready {
		if err := n.sendPacket(ctx, GroundID, p, false); err != nil {
			slog.Debug(fmt.Sprintf("[rfmesh] failed to relay measurement: %s", err), "event", "rfmesh:sweep:relay_fail")
			continue
		}
		n.metrics.inc(mRelayed)
	}
}

// Pending returns the number of measurements waiting for their RSSI or for
// the next slot.
func (n *Node) Pending() int {
	n.framesLk.Lock()
	defer n.framesLk.Unlock()
	return len(n.frames)
}

// process dispatches a decoded packet according to its kind and the role of
// this node.
func (n *Node) process(ctx context.Context, p Packet, custom bool) error {
	n.emit("packet", p)

	if custom || !p.Private() {
		n.dispatchCustom(p)
		return nil
	}

	id, _ := n.joiner.identity()

	switch pkt := p.(type) {
	case *NTP:
		request := pkt.Timestamp2.IsZero()
		if id == GroundID {
			if !request {
				// the ground clock is the reference, it never adjusts
				return fmt.Errorf("%w: ntp reply received by the ground node", ErrUnknownSpecification)
			}
			return n.sendPacket(ctx, pkt.SensorID, n.ntp.Process(pkt), false)
		}
		if request {
			return fmt.Errorf("%w: ntp request received by node %d", ErrUnknownSpecification, id)
		}
		n.ntp.Process(pkt)
		return nil
	case *RSSIGroundStation:
		if id != GroundID {
			return fmt.Errorf("%w: %s received by node %d", ErrUnknownSpecification, p.Specification(), id)
		}
		n.metrics.inc(mMeasurements)
		if n.buffer == nil {
			return nil
		}
		return n.buffer.Put(pkt)
	case *RSSIBroadcast:
		if id == GroundID {
			return fmt.Errorf("%w: %s received by the ground node", ErrUnknownSpecification, p.Specification())
		}
		return n.measure(ctx, id, pkt)
	}
	return fmt.Errorf("%w: %s", ErrUnknownSpecification, p.Specification())
}

// measure handles a probe from a peer: the schedule follows the peer, and a
// measurement is prepared while the radio is asked for the RSSI of the frame.
func (n *Node) measure(ctx context.Context, id int, probe *RSSIBroadcast) error {
	n.scheduler.Synchronize(probe)

	m := n.groundStationPacket(id, probe)
	frameID := randFrameID()

	n.framesLk.Lock()
	// a frame id still in use is overwritten, its measurement is lost
	n.frames[frameID] = m
	n.framesLk.Unlock()

	return n.transport.Query(ctx, CmdRSSI, frameID)
}

func (n *Node) groundStationPacket(id int, probe *RSSIBroadcast) *RSSIGroundStation {
	var loc Location
	if n.location != nil {
		loc, _ = n.location()
	}
	toValid := true
	if n.locationValid != nil {
		toValid = n.locationValid(probe)
	}

	m := &RSSIGroundStation{
		SensorID:      id,
		FromLatitude:  probe.Latitude,
		FromLongitude: probe.Longitude,
		FromValid:     probe.Valid,
		ToLatitude:    loc.Latitude,
		ToLongitude:   loc.Longitude,
		ToValid:       toValid,
		Timestamp:     probe.Timestamp,
	}
	Unset(m, "rssi")
	return m
}

func (n *Node) handleATResponse(r *ATResponse) {
	if n.joiner.handle(r) {
		return
	}
	if r.Command != CmdRSSI {
		return
	}
	if r.Status != 0 || len(r.Parameter) == 0 {
		return
	}

	n.framesLk.Lock()
	defer n.framesLk.Unlock()

	if m, ok := n.frames[r.FrameID]; ok {
		m.SetRSSI(int(r.Parameter[0]))
	}
}
