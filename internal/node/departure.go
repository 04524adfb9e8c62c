package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"

	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/internal/wire"
	"github.com/zde37/ringkv/pkg/keyspace"
)

// DepartureReport describes what Exit handed to the successor.
type DepartureReport struct {
	Successor int        `json:"successor"`
	Handed    ring.Range `json:"handed"`
	Keys      int        `json:"keys"`
}

// Render formats the report for the console.
func (r DepartureReport) Render() string {
	return fmt.Sprintf("Successful exit\nID of successor: %d\nRange of keys handed over: %s",
		r.Successor, r.Handed)
}

// Exit hands this node's range and keys to its successor, splices the node
// out of the ring and shuts it down.
//
// A failure before the successor acknowledges the handoff leaves the node
// ACTIVE with its data. Once the handoff is done the node leaves regardless,
// and a failed pointer repair is returned alongside the report.
func (n *Node) Exit(ctx context.Context) (*DepartureReport, error) {
	if n.IsRoot() {
		return nil, ErrRootOnly
	}
	if !n.membership.TryLock() {
		return nil, ErrMembershipBusy
	}
	defer n.membership.Unlock()

	if !n.state.Transition(ring.Active, ring.Departing) {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, n.state.Get())
	}

	n.mu.Lock()
	rng, pred, succ := n.rng, n.pred, n.succ

	succID, err := n.peerID(ctx, succ)
	if err != nil {
		n.mu.Unlock()
		n.abortExit(err)
		return nil, fmt.Errorf("failed to reach successor %s: %w", succ.Address(), err)
	}

	entries := n.store.Extract(rng.Start, rng.End)
	if err := n.remote.Handoff(ctx, succ, rng.Start, entries); err != nil {
		n.mu.Unlock()
		n.abortExit(err)
		return nil, fmt.Errorf("failed to hand %s to node %d: %w", rng, succID, err)
	}

	for _, e := range entries {
		if _, _, err := n.store.Delete(e.Key); err != nil {
			n.logger.Error().Err(err).Int("key", e.Key).Msg("Failed to drop handed key")
		}
	}
	n.owns = false
	n.updateGaugesLocked()

	relinkErr := n.relink(ctx, pred, succ)
	n.mu.Unlock()

	report := &DepartureReport{Successor: succID, Handed: rng, Keys: len(entries)}

	n.metrics.KeysMoved.WithLabelValues("out").Add(float64(len(entries)))
	n.metrics.Membership.WithLabelValues("exit", "ok").Inc()
	n.logger.Info().
		Int("successor", succID).
		Str("handed", rng.String()).
		Int("keys", len(entries)).
		Msg("Left the ring")
	n.publish(EventNodeLeave, fmt.Sprintf("node %d left, handing %s to node %d", n.id, rng, succID))

	n.Shutdown()

	if relinkErr != nil {
		return report, fmt.Errorf("left the ring but failed to relink neighbours: %w", relinkErr)
	}
	return report, nil
}

func (n *Node) abortExit(err error) {
	n.state.Set(ring.Active)
	n.metrics.Membership.WithLabelValues("exit", "failed").Inc()
	n.logger.Warn().Err(err).Msg("Exit aborted")
}

// relink points the successor back at pred and pred forward at the successor.
func (n *Node) relink(ctx context.Context, pred, succ ring.Peer) error {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(n.config.DialAttempts),
		retry.Delay(n.config.DialDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// a refusal from the peer will not change on retry
			var remote *wire.RemoteError
			return !errors.As(err, &remote)
		}),
	}

	errPred := retry.Do(func() error {
		return n.remote.UpdatePredecessor(ctx, succ, pred)
	}, opts...)
	if errPred != nil {
		errPred = fmt.Errorf("updatePredecessor on %s: %w", succ.Address(), errPred)
	}

	errSucc := retry.Do(func() error {
		return n.remote.UpdateSuccessor(ctx, pred, succ)
	}, opts...)
	if errSucc != nil {
		errSucc = fmt.Errorf("updateSuccessor on %s: %w", pred.Address(), errSucc)
	}

	return errors.Join(errPred, errSucc)
}

// handleUpdateRange0 is the successor's side of a departure: it extends the
// range down to the new start and takes the streamed keys.
func (n *Node) handleUpdateRange0(ctx context.Context, link *transport.Link, msg wire.Message) wire.Message {
	if err := msg.Expect(wire.VerbUpdateRange0, 1); err != nil {
		return n.violation(msg, err)
	}
	start, err := msg.ID(0)
	if err != nil {
		return n.violation(msg, err)
	}
	if st := n.state.Get(); st != ring.Active {
		return wire.Errorf("node %d is %s", n.id, st)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.owns {
		return wire.Errorf("node %d owns no range", n.id)
	}
	extended := ring.Range{Start: start, End: n.id}
	if !extended.Contains(n.rng.Start) || extended.Size() <= n.rng.Size() {
		return n.violation(msg, fmt.Errorf("range %s does not extend %s", extended, n.rng))
	}
	handed := ring.Range{Start: start, End: keyspace.Prev(n.rng.Start)}

	if err := link.Send(ctx, wire.Ack()); err != nil {
		return wire.Errorf("%v", err)
	}
	entries, err := receiveEntries(ctx, link, handed)
	if err != nil {
		return wire.Errorf("%v", err)
	}

	for _, e := range entries {
		if err := n.store.Put(e.Key, e.Value); err != nil {
			n.logger.Error().Err(err).Int("key", e.Key).Msg("Failed to store handed key")
		}
	}
	old := n.rng
	n.rng = extended
	n.updateGaugesLocked()

	n.metrics.KeysMoved.WithLabelValues("in").Add(float64(len(entries)))
	n.logger.Info().
		Str("old", old.String()).
		Str("new", extended.String()).
		Str("handed", handed.String()).
		Int("keys", len(entries)).
		Msg("Range extended by departing predecessor")
	n.publish(EventRangeChange, fmt.Sprintf("node %d now owns %s", n.id, extended))

	return wire.Ack()
}
