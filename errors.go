// Package rfmesh coordinates a star-topology radio mesh of one ground node and
// several mobile nodes sharing a TDMA schedule.
package rfmesh

import (
	"errors"
	"fmt"
)

// Error constants used throughout the rfmesh library.
var (
	// ErrMalformedPacket is returned when wire data is truncated or corrupt. The
	// packet must be dropped, it is never propagated.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrMissingField is returned when reading or serializing a field that has
	// not been set and has no default.
	ErrMissingField = errors.New("missing packet field")

	// ErrUnexpectedField is returned when a field name does not belong to the
	// packet's specification.
	ErrUnexpectedField = errors.New("unexpected packet field")

	// ErrUnknownSpecification is returned for a specification this library does
	// not know, or for a packet arriving at a node role that should never see
	// it (for example a ground-only packet at a mobile node). It signals a
	// topology or configuration mistake rather than a transient fault.
	ErrUnknownSpecification = errors.New("unknown packet specification")

	// ErrPrivatePacket is returned when an application tries to enqueue a
	// protocol-internal packet.
	ErrPrivatePacket = errors.New("private packets cannot be enqueued")

	// ErrJoinTimeout is returned when the context passed to Activate expires
	// before the node joined. Join itself retries forever.
	ErrJoinTimeout = errors.New("timed out joining the network")

	// ErrNotJoined is returned by operations needing a node identity before the
	// join completed.
	ErrNotJoined = errors.New("node has not joined the network")

	// ErrUnknownNode is returned when a node id has no configured address.
	ErrUnknownNode = errors.New("unknown node id")

	// ErrDeliveryCancelled is returned by Delivery.Wait after a cancellation
	// that was not caused by an exhausted destination.
	ErrDeliveryCancelled = errors.New("delivery has been cancelled")

	// ErrDeliveryExhausted matches any *DeliveryExhaustedError with errors.Is.
	ErrDeliveryExhausted = errors.New("delivery retry budget exhausted")
)

// DeliveryExhaustedError reports the destination whose retry budget reached
// zero and the step it was stuck at. It aborts the whole delivery group.
type DeliveryExhaustedError struct {
	To   int
	Step string
}

func (e *DeliveryExhaustedError) Error() string {
	return fmt.Sprintf("vehicle %d: maximum retry attempts for %s reached", e.To, e.Step)
}

func (e *DeliveryExhaustedError) Is(target error) bool {
	return target == ErrDeliveryExhausted
}
