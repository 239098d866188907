package rfmesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// JoinState is the progress of a node joining the network.
type JoinState int

const (
	JoinAwaitIdentifier JoinState = iota
	JoinAwaitAddress
	JoinAwaitAssociation
	JoinAwaitClockSync
	JoinJoined
)

func (s JoinState) String() string {
	switch s {
	case JoinAwaitIdentifier:
		return "await_identifier"
	case JoinAwaitAddress:
		return "await_address"
	case JoinAwaitAssociation:
		return "await_association"
	case JoinAwaitClockSync:
		return "await_clock_sync"
	case JoinJoined:
		return "joined"
	}
	return fmt.Sprintf("JoinState(%d)", int(s))
}

// joiner collects the identity of the local radio from its AT responses.
// Responses may arrive late, twice, or out of order.
type joiner struct {
	lk         sync.Mutex
	state      JoinState
	id         int
	idSet      bool
	address    []byte
	addressSet bool
	associated bool
}

func (j *joiner) getState() JoinState {
	j.lk.Lock()
	defer j.lk.Unlock()
	return j.state
}

func (j *joiner) setState(s JoinState) {
	j.lk.Lock()
	defer j.lk.Unlock()
	j.state = s
}

// handle processes an AT response and reports whether it was a join command.
func (j *joiner) handle(r *ATResponse) bool {
	switch r.Command {
	case CmdNodeIdentifier, CmdSerialHigh, CmdSerialLow, CmdAssociation:
	default:
		return false
	}
	if r.Command != CmdAssociation && r.Status != 0 {
		// failed command, the query will be repeated
		return true
	}

	j.lk.Lock()
	defer j.lk.Unlock()

	switch r.Command {
	case CmdNodeIdentifier:
		id, err := strconv.Atoi(strings.TrimSpace(string(bytes.TrimRight(r.Parameter, "\x00"))))
		if err != nil || id < 0 {
			slog.Warn(fmt.Sprintf("[rfmesh] radio node identifier %q is not a node id", r.Parameter), "event", "rfmesh:join:bad_identifier")
			return true
		}
		j.id = id
		j.idSet = true
	case CmdSerialHigh, CmdSerialLow:
		if len(r.Parameter) == 0 {
			return true
		}
		if j.address == nil {
			j.address = bytes.Clone(r.Parameter)
			return true
		}
		if bytes.Contains(j.address, r.Parameter) {
			// same half received again
			return true
		}
		if r.Command == CmdSerialHigh {
			j.address = append(bytes.Clone(r.Parameter), j.address...)
		} else {
			j.address = append(j.address, r.Parameter...)
		}
		j.addressSet = true
	case CmdAssociation:
		if len(r.Parameter) > 0 && r.Parameter[0] == AssociationJoined {
			j.associated = true
		}
	}
	return true
}

func (j *joiner) identity() (int, bool) {
	j.lk.Lock()
	defer j.lk.Unlock()
	return j.id, j.idSet
}

func (j *joiner) hardwareAddress() (Address, bool) {
	j.lk.Lock()
	defer j.lk.Unlock()
	return Address(j.address), j.addressSet
}

func (j *joiner) isAssociated() bool {
	j.lk.Lock()
	defer j.lk.Unlock()
	return j.associated
}

// join walks the radio through identification, addressing and association.
// Each step repeats its query every ResponseDelay until answered, the only
// way out is ctx.
func (n *Node) join(ctx context.Context) error {
	delay := n.cfg.ResponseDelay

	n.joiner.setState(JoinAwaitIdentifier)
	err := n.poll(ctx, delay, func() bool { _, ok := n.joiner.identity(); return ok }, CmdNodeIdentifier)
	if err != nil {
		return err
	}
	id, _ := n.joiner.identity()
	n.scheduler.SetID(id)
	n.ntp.SetID(id)

	n.joiner.setState(JoinAwaitAddress)
	err = n.poll(ctx, delay, func() bool { _, ok := n.joiner.hardwareAddress(); return ok }, CmdSerialHigh, CmdSerialLow)
	if err != nil {
		return err
	}
	addr, _ := n.joiner.hardwareAddress()
	if expect, ok := n.addressOf(id); ok && expect != addr {
		slog.Warn(fmt.Sprintf("[rfmesh] radio address %s does not match configured address %s for node %d", addr, expect, id), "event", "rfmesh:join:address_mismatch")
	}

	n.joiner.setState(JoinAwaitAssociation)
	err = n.poll(ctx, delay, n.joiner.isAssociated, CmdAssociation)
	if err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("[rfmesh] node %d joined the network with address %s", id, addr), "event", "rfmesh:join:joined", "rfmesh.id", id)
	return nil
}

// poll sends each command then waits delay, until done returns true.
func (n *Node) poll(ctx context.Context, delay time.Duration, done func() bool, cmds ...string) error {
	for !done() {
		for _, cmd := range cmds {
			if done() {
				break
			}
			if err := n.transport.Query(ctx, cmd, randFrameID()); err != nil {
				slog.Debug(fmt.Sprintf("[rfmesh] failed to query %s: %s", cmd, err), "event", "rfmesh:join:query_fail")
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return joinError(err)
			}
		}
	}
	return nil
}

func joinError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrJoinTimeout, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
