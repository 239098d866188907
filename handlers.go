package rfmesh

// PacketCallback receives a custom packet delivered to this node.
type PacketCallback func(Packet)

// AddPacketCallback routes custom packets of the given specification to cb
// instead of the receive callback. A later call replaces the callback.
func (n *Node) AddPacketCallback(spec Specification, cb PacketCallback) {
	n.handlersLk.Lock()
	defer n.handlersLk.Unlock()

	n.handlers[spec] = cb
}

// RemovePacketCallback removes the callback registered for spec.
func (n *Node) RemovePacketCallback(spec Specification) {
	n.handlersLk.Lock()
	defer n.handlersLk.Unlock()

	delete(n.handlers, spec)
}

func (n *Node) getPacketCallback(spec Specification) PacketCallback {
	n.handlersLk.RLock()
	defer n.handlersLk.RUnlock()

	return n.handlers[spec]
}

// dispatchCustom hands a custom packet to its registered callback, or to the
// receive callback. Custom packets end at their destination node.
func (n *Node) dispatchCustom(p Packet) {
	if cb := n.getPacketCallback(p.Specification()); cb != nil {
		cb(p)
		return
	}
	if n.receive != nil {
		n.receive(p)
	}
}
