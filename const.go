package rfmesh

import "time"

// GroundID is the id of the sink node. It never sends probes.
const GroundID = 0

// Specification selects the semantic type of a packet.
type Specification string

const (
	SpecRSSIBroadcast     Specification = "rssi_broadcast"
	SpecRSSIGroundStation Specification = "rssi_ground_station"
	SpecNTP               Specification = "ntp"
	SpecWaypointClear     Specification = "waypoint_clear"
	SpecWaypointAdd       Specification = "waypoint_add"
	SpecWaypointDone      Specification = "waypoint_done"
	SpecWaypointAck       Specification = "waypoint_ack"
)

// AT-style commands understood by the radio.
const (
	CmdNodeIdentifier = "NI"
	CmdSerialHigh     = "SH"
	CmdSerialLow      = "SL"
	CmdAssociation    = "AI"
	CmdRSSI           = "DB"
)

// AssociationJoined is the only AI status meaning the radio joined.
const AssociationJoined = 0x00

// envelope keys
const (
	keySpecification = "specification"
	keyCustom        = "custom"
)

// defaults, see DefaultConfig
const (
	DefaultSlotWidth         = 250 * time.Millisecond
	DefaultLoopDelay         = 10 * time.Millisecond
	DefaultResponseDelay     = 100 * time.Millisecond
	DefaultNTPDelay          = time.Second
	DefaultCustomPacketLimit = 5
	DefaultReceiveQueueSize  = 64
	DefaultPublishTimeout    = 2 * time.Second
)
