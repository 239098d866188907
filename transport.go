package rfmesh

import (
	"context"
	"encoding/hex"
	"fmt"
)

// Address is an opaque hardware address, for XBee radios the 64 bits serial
// number. It is stored as a string of raw bytes so it can key maps.
type Address string

// ParseAddress decodes a hex encoded address such as "0013a20040a1b2c3".
func ParseAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address(b), nil
}

func (a Address) Bytes() []byte {
	return []byte(a)
}

func (a Address) String() string {
	return hex.EncodeToString([]byte(a))
}

// Frame is something the transport received: either an RxFrame or an
// ATResponse.
type Frame interface {
	isFrame()
}

// RxFrame is a packet received from another radio, not decoded yet.
type RxFrame struct {
	From Address
	Data []byte
}

// ATResponse is the answer of the local radio to a Query.
type ATResponse struct {
	Command   string
	FrameID   byte
	Status    byte // 0 means OK
	Parameter []byte
}

func (*RxFrame) isFrame()    {}
func (*ATResponse) isFrame() {}

// Transport is the radio link used by a Node. Implementations must invoke
// the receiver quickly, it is expected to only hand the frame over.
type Transport interface {
	// Send transmits data to the radio at address to.
	Send(ctx context.Context, to Address, data []byte) error

	// Query issues an AT-style command to the local radio. The answer comes
	// back asynchronously as an *ATResponse carrying the same frame id.
	Query(ctx context.Context, command string, frameID byte) error

	// SetReceiver registers the callback receiving inbound frames.
	SetReceiver(func(Frame))

	// Close releases the link.
	Close() error
}
