package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/internal/wire"
	"github.com/zde37/ringkv/pkg/keyspace"
)

// JoinReport describes where Enter placed the node.
type JoinReport struct {
	Range       ring.Range `json:"range"`
	Predecessor int        `json:"predecessor"`
	Successor   int        `json:"successor"`
	Path        []int      `json:"path"`
}

// Render formats the report for the console.
func (r JoinReport) Render() string {
	return fmt.Sprintf("Successful entry\nRange: %s\nPredecessor ID: %d\nSuccessor ID: %d\nTraversed: %s",
		r.Range, r.Predecessor, r.Successor, keyspace.FormatPath(r.Path))
}

// Enter asks the root to place this node on the ring and waits until the
// owner of its identifier hands over the lower part of its range.
func (n *Node) Enter(ctx context.Context) (*JoinReport, error) {
	if n.IsRoot() {
		return nil, ErrRootOnly
	}
	if !n.membership.TryLock() {
		return nil, ErrMembershipBusy
	}
	defer n.membership.Unlock()

	if !n.state.Transition(ring.Uninitialized, ring.Joining) {
		return nil, fmt.Errorf("cannot enter while %s", n.state.Get())
	}

	done := make(chan error, 1)
	n.joinMu.Lock()
	n.joinCh = done
	n.joinMu.Unlock()
	defer func() {
		n.joinMu.Lock()
		n.joinCh = nil
		n.joinMu.Unlock()
	}()

	n.logger.Info().
		Str("root", n.root.Address()).
		Msg("Requesting entry")

	if err := n.remote.Enter(ctx, n.root, n.id, n.self); err != nil {
		n.state.Transition(ring.Joining, ring.Uninitialized)
		n.metrics.Membership.WithLabelValues("join", "failed").Inc()
		return nil, fmt.Errorf("failed to contact root: %w", err)
	}

	timer := time.NewTimer(n.config.JoinTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = ErrJoinTimeout
	case <-ctx.Done():
		err = ctx.Err()
	case <-n.ctx.Done():
		err = ErrShutdown
	}

	// An acceptance that finished while we gave up still counts.
	if err != nil && n.state.Transition(ring.Joining, ring.Uninitialized) {
		result := "failed"
		if errors.Is(err, ErrJoinRefused) {
			result = "refused"
		}
		n.metrics.Membership.WithLabelValues("join", result).Inc()
		n.logger.Warn().Err(err).Msg("Entry failed")
		return nil, err
	}

	n.mu.Lock()
	report := &JoinReport{
		Range: n.rng,
		Path:  append([]int{}, n.joinPath...),
	}
	pred, succ := n.pred, n.succ
	n.mu.Unlock()

	report.Predecessor = n.describe(ctx, pred)
	report.Successor = n.describe(ctx, succ)

	n.metrics.Membership.WithLabelValues("join", "ok").Inc()
	n.logger.Info().
		Str("range", report.Range.String()).
		Int("predecessor", report.Predecessor).
		Int("successor", report.Successor).
		Str("traversed", keyspace.FormatPath(report.Path)).
		Msg("Joined the ring")
	n.publish(EventNodeJoin, fmt.Sprintf("node %d joined owning %s", n.id, report.Range))

	return report, nil
}

// describe returns the identifier of p, or -1 when it cannot be reached.
func (n *Node) describe(ctx context.Context, p ring.Peer) int {
	id, err := n.peerID(ctx, p)
	if err != nil {
		n.logger.Warn().
			Err(err).
			Str("peer", p.Address()).
			Msg("Failed to query neighbour id")
		return -1
	}
	return id
}

func (n *Node) signalJoin(err error) {
	n.joinMu.Lock()
	defer n.joinMu.Unlock()
	if n.joinCh == nil {
		return
	}
	select {
	case n.joinCh <- err:
	default:
	}
}

// handleJoinRequest acks enter and entering and places the joiner off the
// connection worker, so the sender is never blocked behind the split.
func (n *Node) handleJoinRequest(msg wire.Message) wire.Message {
	id, joiner, path, err := transport.DecodeJoin(msg)
	if err != nil {
		return n.violation(msg, err)
	}
	if st := n.state.Get(); st != ring.Active {
		return wire.Errorf("node %d is %s", n.id, st)
	}

	if !n.goAsync(func(ctx context.Context) { n.placeJoiner(ctx, id, joiner, path) }) {
		return wire.Errorf("node %d is shutting down", n.id)
	}
	return wire.Ack()
}

// placeJoiner splits when id falls in this node's range and forwards the
// request to the successor otherwise.
func (n *Node) placeJoiner(ctx context.Context, id int, joiner ring.Peer, path []int) {
	ctx, cancel := context.WithTimeout(ctx, n.config.JoinTimeout)
	defer cancel()

	if id == keyspace.Root {
		n.refuse(ctx, joiner, id, "identifier 0 belongs to the root")
		return
	}
	if id == n.id {
		n.refuse(ctx, joiner, id, fmt.Sprintf("identifier %d is already on the ring", id))
		return
	}

	n.mu.Lock()
	owns := n.owns && n.rng.Contains(id)
	succ := n.succ
	n.mu.Unlock()

	if owns {
		if err := n.split(ctx, id, joiner, path); err != nil {
			n.logger.Warn().
				Err(err).
				Int("joining_id", id).
				Msg("Failed to split range")
			n.refuse(ctx, joiner, id, err.Error())
		}
		return
	}

	// Coming back around means nobody owns the id, which only happens on a
	// damaged ring.
	if keyspace.Contains(path, n.id) || n.isSelf(succ) {
		n.refuse(ctx, joiner, id, "ring exhausted without finding an owner")
		return
	}

	next := append(append([]int{}, path...), n.id)
	if err := n.remote.Entering(ctx, succ, id, joiner, next); err != nil {
		n.logger.Warn().
			Err(err).
			Int("joining_id", id).
			Str("successor", succ.Address()).
			Msg("Failed to forward join request")
		n.refuse(ctx, joiner, id, "successor unreachable")
		return
	}

	n.logger.Debug().
		Int("joining_id", id).
		Str("traversed", keyspace.FormatPath(next)).
		Msg("Forwarded join request")
}

func (n *Node) refuse(ctx context.Context, joiner ring.Peer, id int, reason string) {
	n.metrics.Membership.WithLabelValues("split", "refused").Inc()
	n.logger.Warn().
		Int("joining_id", id).
		Str("joiner", joiner.Address()).
		Str("reason", reason).
		Msg("Refusing join")

	if err := n.remote.Refuse(ctx, joiner, id, reason); err != nil {
		n.logger.Warn().Err(err).Int("joining_id", id).Msg("Failed to deliver refusal")
	}
}

// split hands [start, id] and its keys to the joiner. Nothing changes locally
// until the joiner has acknowledged the end of the key stream.
func (n *Node) split(ctx context.Context, id int, joiner ring.Peer, path []int) error {
	if !n.membership.TryLock() {
		return ErrMembershipBusy
	}
	if st := n.state.Get(); st != ring.Active {
		n.membership.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, st)
	}

	// The gate opens before the new range becomes visible.
	n.mu.Lock()
	err := n.splitLocked(ctx, id, joiner, path)
	n.membership.Unlock()
	n.mu.Unlock()
	return err
}

func (n *Node) splitLocked(ctx context.Context, id int, joiner ring.Peer, path []int) error {
	if !n.owns || !n.rng.Contains(id) {
		return fmt.Errorf("identifier %d is no longer in range %s", id, n.rng)
	}
	lower, upper, err := n.rng.Split(id)
	if err != nil {
		return err
	}

	pred, oldSucc := n.pred, n.succ
	entries := n.store.Extract(lower.Start, lower.End)

	// The predecessor points at the joiner before any key moves.
	if n.isSelf(pred) {
		n.succ = joiner
	} else if err := n.remote.UpdateSuccessor(ctx, pred, joiner); err != nil {
		return fmt.Errorf("failed to update predecessor: %w", err)
	}

	acc := ring.Acceptance{
		Predecessor: pred,
		Successor:   n.self,
		Start:       lower.Start,
		Path:        append(append([]int{}, path...), n.id),
	}
	if err := n.remote.Split(ctx, joiner, id, acc, entries); err != nil {
		n.restorePredecessorLocked(pred, oldSucc)
		return fmt.Errorf("failed to transfer %s: %w", lower, err)
	}

	for _, e := range entries {
		if _, _, err := n.store.Delete(e.Key); err != nil {
			n.logger.Error().Err(err).Int("key", e.Key).Msg("Failed to drop transferred key")
		}
	}
	n.rng = upper
	n.pred = joiner
	n.updateGaugesLocked()

	n.metrics.Membership.WithLabelValues("split", "ok").Inc()
	n.metrics.KeysMoved.WithLabelValues("out").Add(float64(len(entries)))
	n.logger.Info().
		Int("joining_id", id).
		Str("handed", lower.String()).
		Str("kept", upper.String()).
		Int("keys", len(entries)).
		Msg("Split range for joining node")
	n.publish(EventRangeChange, fmt.Sprintf("node %d handed %s to node %d", n.id, lower, id))

	return nil
}

// restorePredecessorLocked points pred back at this node after a failed split.
func (n *Node) restorePredecessorLocked(pred, oldSucc ring.Peer) {
	if n.isSelf(pred) {
		n.succ = oldSucc
		return
	}

	ctx, cancel := n.rpcContext()
	defer cancel()
	if err := n.remote.UpdateSuccessor(ctx, pred, n.self); err != nil {
		n.logger.Error().
			Err(err).
			Str("predecessor", pred.Address()).
			Msg("Failed to restore predecessor after aborted split")
	}
}

// handleEntered is the joiner's side of a split: acceptance, then the key
// stream, then the switch to ACTIVE.
func (n *Node) handleEntered(ctx context.Context, link *transport.Link, msg wire.Message) wire.Message {
	acc, err := transport.DecodeAcceptance(msg)
	if err != nil {
		return n.violation(msg, err)
	}
	if st := n.state.Get(); st != ring.Joining {
		return wire.Errorf("node %d is %s", n.id, st)
	}

	within := ring.Range{Start: acc.Start, End: n.id}
	if err := link.Send(ctx, wire.Ack()); err != nil {
		return wire.Errorf("%v", err)
	}

	entries, err := receiveEntries(ctx, link, within)
	if err != nil {
		n.signalJoin(fmt.Errorf("key transfer failed: %w", err))
		return wire.Errorf("%v", err)
	}

	n.mu.Lock()
	if !n.state.Transition(ring.Joining, ring.Active) {
		n.mu.Unlock()
		return wire.Errorf("node %d stopped joining", n.id)
	}
	n.rng = within
	n.owns = true
	n.pred = acc.Predecessor
	n.succ = acc.Successor
	n.joinPath = acc.Path
	for _, e := range entries {
		if err := n.store.Put(e.Key, e.Value); err != nil {
			n.logger.Error().Err(err).Int("key", e.Key).Msg("Failed to store transferred key")
		}
	}
	n.updateGaugesLocked()
	n.mu.Unlock()

	n.metrics.KeysMoved.WithLabelValues("in").Add(float64(len(entries)))
	n.logger.Info().
		Str("range", within.String()).
		Int("keys", len(entries)).
		Msg("Accepted onto the ring")

	n.signalJoin(nil)
	return wire.Ack()
}

func (n *Node) handleRefused(msg wire.Message) wire.Message {
	if len(msg.Args) < 1 {
		return n.violation(msg, fmt.Errorf("%w: refused needs an id", wire.ErrMalformed))
	}
	id, err := msg.ID(0)
	if err != nil {
		return n.violation(msg, err)
	}
	if id != n.id {
		return n.violation(msg, fmt.Errorf("refusal for %d delivered to %d", id, n.id))
	}

	reason := strings.Join(msg.Args[1:], " ")
	n.signalJoin(fmt.Errorf("%w: %s", ErrJoinRefused, reason))
	return wire.Ack()
}
