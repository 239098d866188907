package rfmesh

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// Packet is a typed wire message. Each specification has exactly one Go type
// implementing Packet, the set of fields of that type is closed.
type Packet interface {
	// Specification returns the semantic type of the packet.
	Specification() Specification

	// Private reports whether the packet is protocol-internal. Private
	// packets cannot be enqueued by applications.
	Private() bool

	fields() []field
	state() *base
}

// Field is a single named value, as returned by Fields.
type Field struct {
	Name  string
	Value any
}

type field struct {
	name string
	ptr  any // *int, *bool, *float64, *Stamp or *[]byte
}

// base tracks fields explicitly unset. The zero value means every field is
// set, which is what struct literals produce.
type base struct {
	unset map[string]bool
}

func (b *base) state() *base { return b }

func (b *base) isSet(name string) bool {
	return !b.unset[name]
}

func (b *base) markSet(name string) {
	delete(b.unset, name)
}

func (b *base) markUnset(name string) {
	if b.unset == nil {
		b.unset = make(map[string]bool)
	}
	b.unset[name] = true
}

// Location is a position as reported by the location callback.
type Location struct {
	Latitude  float64
	Longitude float64
}

// RSSIBroadcast is the probe every node sends to its peers during its slot.
type RSSIBroadcast struct {
	base
	SensorID      int
	Latitude      float64
	Longitude     float64
	Valid         bool
	WaypointIndex int
	Timestamp     Stamp
}

func (p *RSSIBroadcast) Specification() Specification { return SpecRSSIBroadcast }
func (p *RSSIBroadcast) Private() bool                { return true }

func (p *RSSIBroadcast) fields() []field {
	return []field{
		{"sensor_id", &p.SensorID},
		{"latitude", &p.Latitude},
		{"longitude", &p.Longitude},
		{"valid", &p.Valid},
		{"waypoint_index", &p.WaypointIndex},
		{"timestamp", &p.Timestamp},
	}
}

// Location returns the sender's location carried by the probe.
func (p *RSSIBroadcast) Location() Location {
	return Location{Latitude: p.Latitude, Longitude: p.Longitude}
}

// RSSIGroundStation is a measurement relayed to the ground node: the signal
// strength at which SensorID heard a probe, with both endpoints' locations.
type RSSIGroundStation struct {
	base
	SensorID      int
	RSSI          int
	FromLatitude  float64
	FromLongitude float64
	FromValid     bool
	ToLatitude    float64
	ToLongitude   float64
	ToValid       bool
	Timestamp     Stamp
}

func (p *RSSIGroundStation) Specification() Specification { return SpecRSSIGroundStation }
func (p *RSSIGroundStation) Private() bool                { return true }

func (p *RSSIGroundStation) fields() []field {
	return []field{
		{"sensor_id", &p.SensorID},
		{"rssi", &p.RSSI},
		{"from_latitude", &p.FromLatitude},
		{"from_longitude", &p.FromLongitude},
		{"from_valid", &p.FromValid},
		{"to_latitude", &p.ToLatitude},
		{"to_longitude", &p.ToLongitude},
		{"to_valid", &p.ToValid},
		{"timestamp", &p.Timestamp},
	}
}

// HasRSSI reports whether the signal strength was filled in.
func (p *RSSIGroundStation) HasRSSI() bool {
	return p.isSet("rssi")
}

// SetRSSI fills in the signal strength.
func (p *RSSIGroundStation) SetRSSI(v int) {
	p.RSSI = v
	p.markSet("rssi")
}

// NTP carries the four timestamps of a clock synchronization exchange.
type NTP struct {
	base
	SensorID   int
	Timestamp1 Stamp
	Timestamp2 Stamp
	Timestamp3 Stamp
	Timestamp4 Stamp
}

func (p *NTP) Specification() Specification { return SpecNTP }
func (p *NTP) Private() bool                { return true }

func (p *NTP) fields() []field {
	return []field{
		{"sensor_id", &p.SensorID},
		{"timestamp_1", &p.Timestamp1},
		{"timestamp_2", &p.Timestamp2},
		{"timestamp_3", &p.Timestamp3},
		{"timestamp_4", &p.Timestamp4},
	}
}

// WaypointClear asks a vehicle to forget its waypoints.
type WaypointClear struct {
	base
	ToID int
}

func (p *WaypointClear) Specification() Specification { return SpecWaypointClear }
func (p *WaypointClear) Private() bool                { return false }
func (p *WaypointClear) fields() []field              { return []field{{"to_id", &p.ToID}} }

// WaypointAdd carries one item of a sequence, at position Index.
type WaypointAdd struct {
	base
	ToID    int
	Index   int
	Payload []byte
}

func (p *WaypointAdd) Specification() Specification { return SpecWaypointAdd }
func (p *WaypointAdd) Private() bool                { return false }

func (p *WaypointAdd) fields() []field {
	return []field{
		{"to_id", &p.ToID},
		{"index", &p.Index},
		{"payload", &p.Payload},
	}
}

// WaypointDone terminates a sequence.
type WaypointDone struct {
	base
	ToID int
}

func (p *WaypointDone) Specification() Specification { return SpecWaypointDone }
func (p *WaypointDone) Private() bool                { return false }
func (p *WaypointDone) fields() []field              { return []field{{"to_id", &p.ToID}} }

// WaypointAck acknowledges progress: NextIndex is the index the vehicle
// expects next.
type WaypointAck struct {
	base
	SensorID  int
	NextIndex int
}

func (p *WaypointAck) Specification() Specification { return SpecWaypointAck }
func (p *WaypointAck) Private() bool                { return false }

func (p *WaypointAck) fields() []field {
	return []field{
		{"sensor_id", &p.SensorID},
		{"next_index", &p.NextIndex},
	}
}

// NewPacket returns an empty packet for the given specification with every
// field unset.
func NewPacket(spec Specification) (Packet, error) {
	var p Packet
	switch spec {
	case SpecRSSIBroadcast:
		p = &RSSIBroadcast{}
	case SpecRSSIGroundStation:
		p = &RSSIGroundStation{}
	case SpecNTP:
		p = &NTP{}
	case SpecWaypointClear:
		p = &WaypointClear{}
	case SpecWaypointAdd:
		p = &WaypointAdd{}
	case SpecWaypointDone:
		p = &WaypointDone{}
	case SpecWaypointAck:
		p = &WaypointAck{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpecification, spec)
	}
	for _, f := range p.fields() {
		p.state().markUnset(f.name)
	}
	return p, nil
}

func lookup(p Packet, name string) (field, error) {
	for _, f := range p.fields() {
		if f.name == name {
			return f, nil
		}
	}
	return field{}, fmt.Errorf("%w: %s has no field %q", ErrUnexpectedField, p.Specification(), name)
}

// Get returns the value of a named field. The "specification" name always
// resolves.
func Get(p Packet, name string) (any, error) {
	if name == keySpecification {
		return string(p.Specification()), nil
	}
	f, err := lookup(p, name)
	if err != nil {
		return nil, err
	}
	if !p.state().isSet(name) {
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingField, p.Specification(), name)
	}
	return deref(f.ptr), nil
}

// Set assigns a named field. Numeric values are converted when lossless.
func Set(p Packet, name string, value any) error {
	if name == keySpecification {
		if s, ok := value.(string); ok && Specification(s) == p.Specification() {
			return nil
		}
		return fmt.Errorf("%w: cannot change specification of %s", ErrUnexpectedField, p.Specification())
	}
	f, err := lookup(p, name)
	if err != nil {
		return err
	}
	if err := assign(f.ptr, value); err != nil {
		return fmt.Errorf("field %s.%s: %w", p.Specification(), name, err)
	}
	p.state().markSet(name)
	return nil
}

// Unset clears a named field.
func Unset(p Packet, name string) error {
	f, err := lookup(p, name)
	if err != nil {
		return err
	}
	zero(f.ptr)
	p.state().markUnset(name)
	return nil
}

// Fields returns every set field in declaration order, starting with the
// specification. It is meant for logging and inspection.
func Fields(p Packet) []Field {
	res := []Field{{Name: keySpecification, Value: string(p.Specification())}}
	for _, f := range p.fields() {
		if p.state().isSet(f.name) {
			res = append(res, Field{Name: f.name, Value: deref(f.ptr)})
		}
	}
	return res
}

// Equal compares two packets by content.
func Equal(a, b Packet) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Specification() != b.Specification() {
		return false
	}
	fa, fb := a.fields(), b.fields()
	for i := range fa {
		sa, sb := a.state().isSet(fa[i].name), b.state().isSet(fb[i].name)
		if sa != sb {
			return false
		}
		if !sa {
			continue
		}
		va, vb := deref(fa[i].ptr), deref(fb[i].ptr)
		if ba, ok := va.([]byte); ok {
			if !bytes.Equal(ba, vb.([]byte)) {
				return false
			}
			continue
		}
		if va != vb {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of p.
func Clone(p Packet) Packet {
	c, _ := NewPacket(p.Specification())
	src, dst := p.fields(), c.fields()
	for i := range src {
		if !p.state().isSet(src[i].name) {
			continue
		}
		v := deref(src[i].ptr)
		if b, ok := v.([]byte); ok {
			v = bytes.Clone(b)
		}
		assign(dst[i].ptr, v)
		c.state().markSet(src[i].name)
	}
	return c
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// core deterministic encoding sorts map keys, so the bytes do not depend
	// on the order fields were set in
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		MaxMapPairs: 64,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal serializes a packet. Every field must be set.
func Marshal(p Packet) ([]byte, error) {
	return marshalFrame(p, false)
}

// Unmarshal decodes a packet. Any decoding problem is reported as
// ErrMalformedPacket.
func Unmarshal(data []byte) (Packet, error) {
	p, _, err := unmarshalFrame(data)
	return p, err
}

func marshalFrame(p Packet, custom bool) ([]byte, error) {
	m := map[string]any{keySpecification: string(p.Specification())}
	for _, f := range p.fields() {
		if !p.state().isSet(f.name) {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingField, p.Specification(), f.name)
		}
		m[f.name] = deref(f.ptr)
	}
	if custom {
		m[keyCustom] = true
	}
	return encMode.Marshal(m)
}

// unmarshalFrame decodes a frame, reporting whether it carried the piggyback
// marker. The marker is stripped from the returned packet.
func unmarshalFrame(data []byte) (Packet, bool, error) {
	var m map[string]any
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	specV, ok := m[keySpecification].(string)
	if !ok {
		return nil, false, fmt.Errorf("%w: no specification", ErrMalformedPacket)
	}
	delete(m, keySpecification)

	custom := false
	if v, ok := m[keyCustom]; ok {
		custom, _ = v.(bool)
		delete(m, keyCustom)
	}

	p, err := NewPacket(Specification(specV))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	for k, v := range m {
		if err := Set(p, k, v); err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
		}
	}
	for _, f := range p.fields() {
		if !p.state().isSet(f.name) {
			return nil, false, fmt.Errorf("%w: %w: %s.%s", ErrMalformedPacket, ErrMissingField, specV, f.name)
		}
	}
	return p, custom, nil
}

func deref(ptr any) any {
	switch v := ptr.(type) {
	case *int:
		return *v
	case *bool:
		return *v
	case *float64:
		return *v
	case *Stamp:
		return float64(*v)
	case *[]byte:
		return *v
	}
	return nil
}

func zero(ptr any) {
	switch v := ptr.(type) {
	case *int:
		*v = 0
	case *bool:
		*v = false
	case *float64:
		*v = 0
	case *Stamp:
		*v = 0
	case *[]byte:
		*v = nil
	}
}

var errBadValue = errors.New("value has the wrong type")

func assign(ptr any, value any) error {
	switch v := ptr.(type) {
	case *int:
		n, ok := asInt(value)
		if !ok {
			return fmt.Errorf("%w: %T is not an integer", errBadValue, value)
		}
		*v = n
	case *bool:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %T is not a boolean", errBadValue, value)
		}
		*v = b
	case *float64:
		f, ok := asFloat(value)
		if !ok {
			return fmt.Errorf("%w: %T is not a number", errBadValue, value)
		}
		*v = f
	case *Stamp:
		f, ok := asFloat(value)
		if !ok {
			return fmt.Errorf("%w: %T is not a timestamp", errBadValue, value)
		}
		*v = Stamp(f)
	case *[]byte:
		switch b := value.(type) {
		case []byte:
			*v = b
		case string:
			*v = []byte(b)
		case nil:
			*v = nil
		default:
			return fmt.Errorf("%w: %T is not binary", errBadValue, value)
		}
	}
	return nil
}

func asInt(value any) (int, bool) {
	switch n := value.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case Stamp:
		return float64(n), true
	}
	if i, ok := asInt(value); ok {
		return float64(i), true
	}
	return 0, false
}
