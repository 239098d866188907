package rfmesh

// NodeOption configures a Node at construction time.
type NodeOption interface {
	apply(*Node)
}

// ReceiveFunc receives custom packets that have no registered callback.
type ReceiveFunc func(Packet)

func (f ReceiveFunc) apply(n *Node) {
	n.receive = f
}

// LocationFunc returns the current location of the node and the index of the
// waypoint it is heading to.
type LocationFunc func() (Location, int)

func (f LocationFunc) apply(n *Node) {
	n.location = f
}

// LocationValidFunc tells whether a measurement location is usable. It is
// called with nil for the node's own location, and with the received probe
// when judging a measurement taken against a peer.
type LocationValidFunc func(other *RSSIBroadcast) bool

func (f LocationValidFunc) apply(n *Node) {
	n.locationValid = f
}

type optionFunc func(*Node)

func (o optionFunc) apply(n *Node) {
	o(n)
}

// WithReceive sets the callback receiving custom packets.
func WithReceive(f func(Packet)) NodeOption {
	return ReceiveFunc(f)
}

// WithLocation sets the location provider stamped in probes.
func WithLocation(f func() (Location, int)) NodeOption {
	return LocationFunc(f)
}

// WithLocationValid sets the location validity callback.
func WithLocationValid(f func(other *RSSIBroadcast) bool) NodeOption {
	return LocationValidFunc(f)
}

// WithBuffer sets where the ground node stores measurements.
func WithBuffer(b Buffer) NodeOption {
	return optionFunc(func(n *Node) {
		n.buffer = b
	})
}

// WithMetrics makes the node account its activity in m.
func WithMetrics(m *Metrics) NodeOption {
	return optionFunc(func(n *Node) {
		n.metrics = m
	})
}

// WithClock replaces the base clock, mostly useful in tests.
func WithClock(c Clock) NodeOption {
	return optionFunc(func(n *Node) {
		n.clock = NewOffsetClock(c)
	})
}
