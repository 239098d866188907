package rfmesh

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
)

// SimNetwork is an in-memory radio network. Radios attached to it exchange
// frames directly and answer AT queries like a joined XBee would.
type SimNetwork struct {
	lk     sync.RWMutex
	radios map[Address]*SimRadio

	rngLk sync.Mutex
	rng   *rand.Rand
	loss  float64

	// RSSI returns the signal strength of a frame between two radios. The
	// default is a constant 60.
	RSSI func(from, to Address) byte
}

// NewSimNetwork returns an empty network without loss.
func NewSimNetwork() *SimNetwork {
	return &SimNetwork{
		radios: make(map[Address]*SimRadio),
		rng:    rand.New(rand.NewSource(1)),
	}
}

// SimAddress returns the address given to the radio of node id.
func SimAddress(id int) Address {
	buf := []byte{0x00, 0x13, 0xa2, 0x00}
	return Address(binary.BigEndian.AppendUint32(buf, uint32(id)))
}

// SetLoss makes the network drop frames with probability p.
func (s *SimNetwork) SetLoss(p float64) {
	s.rngLk.Lock()
	defer s.rngLk.Unlock()
	s.loss = p
}

func (s *SimNetwork) lost() bool {
	s.rngLk.Lock()
	defer s.rngLk.Unlock()
	return s.loss > 0 && s.rng.Float64() < s.loss
}

// Radio attaches a radio configured as node id to the network.
func (s *SimNetwork) Radio(id int) *SimRadio {
	r := &SimRadio{net: s, id: id, addr: SimAddress(id)}

	s.lk.Lock()
	defer s.lk.Unlock()
	s.radios[r.addr] = r
	return r
}

// Addresses returns the hex address table for nodes 0..nodes, suitable for
// Config.Sensors.
func (s *SimNetwork) Addresses(nodes int) []string {
	res := make([]string, nodes+1)
	for i := range res {
		res[i] = SimAddress(i).String()
	}
	return res
}

func (s *SimNetwork) deliver(from, to Address, data []byte) error {
	s.lk.RLock()
	dst, ok := s.radios[to]
	s.lk.RUnlock()

	if !ok {
		return fmt.Errorf("%w: no radio at %s", ErrUnknownNode, to)
	}
	if s.lost() {
		return nil
	}

	rssi := byte(60)
	if s.RSSI != nil {
		rssi = s.RSSI(from, to)
	}
	dst.receiveFrame(&RxFrame{From: from, Data: bytes.Clone(data)}, rssi)
	return nil
}

// SimRadio is one radio of a SimNetwork. It implements Transport.
type SimRadio struct {
	net  *SimNetwork
	id   int
	addr Address

	lk        sync.Mutex
	recv      func(Frame)
	closed    bool
	lastRSSI  byte
	unjoined  int
	sent      int
	queries   map[string]int
	duplicate bool
}

// SetAssociationDelay makes the radio report "not associated" to the next n
// association queries.
func (r *SimRadio) SetAssociationDelay(n int) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.unjoined = n
}

// SetDuplicateResponses makes the radio answer every query twice.
func (r *SimRadio) SetDuplicateResponses(v bool) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.duplicate = v
}

// Sent returns the number of frames sent by this radio.
func (r *SimRadio) Sent() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.sent
}

// Queries returns how many times command was queried.
func (r *SimRadio) Queries(command string) int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.queries[command]
}

func (r *SimRadio) Address() Address {
	return r.addr
}

func (r *SimRadio) Send(ctx context.Context, to Address, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.lk.Lock()
	if r.closed {
		r.lk.Unlock()
		return net.ErrClosed
	}
	r.sent++
	r.lk.Unlock()

	return r.net.deliver(r.addr, to, data)
}

func (r *SimRadio) Query(ctx context.Context, command string, frameID byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.lk.Lock()
	if r.closed {
		r.lk.Unlock()
		return net.ErrClosed
	}
	if r.queries == nil {
		r.queries = make(map[string]int)
	}
	r.queries[command]++

	res := &ATResponse{Command: command, FrameID: frameID}
	switch command {
	case CmdNodeIdentifier:
		res.Parameter = []byte(strconv.Itoa(r.id))
	case CmdSerialHigh:
		res.Parameter = []byte(r.addr[:len(r.addr)/2])
	case CmdSerialLow:
		res.Parameter = []byte(r.addr[len(r.addr)/2:])
	case CmdAssociation:
		if r.unjoined > 0 {
			r.unjoined--
			res.Parameter = []byte{0x22} // scanning
		} else {
			res.Parameter = []byte{AssociationJoined}
		}
	case CmdRSSI:
		res.Parameter = []byte{r.lastRSSI}
	default:
		res.Status = 2 // invalid command
	}
	recv := r.recv
	dup := r.duplicate
	r.lk.Unlock()

	if recv != nil {
		recv(res)
		if dup {
			recv(res)
		}
	}
	return nil
}

func (r *SimRadio) SetReceiver(f func(Frame)) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.recv = f
}

func (r *SimRadio) receiveFrame(f *RxFrame, rssi byte) {
	r.lk.Lock()
	if r.closed {
		r.lk.Unlock()
		return
	}
	r.lastRSSI = rssi
	recv := r.recv
	r.lk.Unlock()

	if recv != nil {
		recv(f)
	}
}

// Close detaches the radio from its network.
func (r *SimRadio) Close() error {
	r.lk.Lock()
	r.closed = true
	r.lk.Unlock()

	r.net.lk.Lock()
	defer r.net.lk.Unlock()
	if r.net.radios[r.addr] == r {
		delete(r.net.radios, r.addr)
	}
	return nil
}
