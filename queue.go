package rfmesh

import "sync"

type queuedPacket struct {
	packet Packet
	to     int
}

// packetQueue is the FIFO of custom packets waiting for a transmission slot.
// It is shared by the application, the receive task and the send loop.
type packetQueue struct {
	lk    sync.Mutex
	items []queuedPacket
}

func (q *packetQueue) push(items ...queuedPacket) {
	q.lk.Lock()
	defer q.lk.Unlock()

	q.items = append(q.items, items...)
}

// drain removes up to limit packets from the head of the queue. What is left
// stays queued, in order, for the next slot.
func (q *packetQueue) drain(limit int) []queuedPacket {
	q.lk.Lock()
	defer q.lk.Unlock()

	if limit > len(q.items) {
		limit = len(q.items)
	}
	if limit <= 0 {
		return nil
	}
	res := make([]queuedPacket, limit)
	copy(res, q.items)
	clear(q.items[:limit])
	q.items = q.items[limit:]
	return res
}

func (q *packetQueue) len() int {
	q.lk.Lock()
	defer q.lk.Unlock()

	return len(q.items)
}
