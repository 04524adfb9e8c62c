package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/internal/wire"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/keyspace"
)

// Lookup finds key on the ring. Root only.
func (n *Node) Lookup(ctx context.Context, key int) (ring.Result, error) {
	return n.issue(ctx, ring.Request{Op: ring.OpLookup, Key: key})
}

// Insert stores value under key on its owner, overwriting. Root only.
func (n *Node) Insert(ctx context.Context, key int, value string) (ring.Result, error) {
	if !pkg.ValidValue(value) {
		return ring.Result{}, pkg.ErrInvalidValue
	}
	return n.issue(ctx, ring.Request{Op: ring.OpInsert, Key: key, Value: value})
}

// Delete removes key from its owner. Root only.
func (n *Node) Delete(ctx context.Context, key int) (ring.Result, error) {
	return n.issue(ctx, ring.Request{Op: ring.OpDelete, Key: key})
}

// issue starts a request at the root and waits for its result.
func (n *Node) issue(ctx context.Context, req ring.Request) (ring.Result, error) {
	if !n.IsRoot() {
		return ring.Result{}, ErrNotRoot
	}
	if !keyspace.Valid(req.Key) {
		return ring.Result{}, fmt.Errorf("key %d: %w", req.Key, pkg.ErrKeyOutOfRange)
	}
	if st := n.state.Get(); st != ring.Active {
		return ring.Result{}, fmt.Errorf("%w: %s", ErrNotActive, st)
	}

	start := time.Now()
	defer func() {
		n.metrics.OperationDuration.WithLabelValues(string(req.Op)).Observe(time.Since(start).Seconds())
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.RequestTimeout)
		defer cancel()
	}

	req.ID = n.reqSeq.Add(1)
	req.Path = []int{}

	results := n.pending.register(req.ID)
	defer n.pending.remove(req.ID)

	res, done, err := n.process(ctx, req)
	if err != nil {
		return ring.Result{}, err
	}
	if done {
		return res, nil
	}

	select {
	case res := <-results:
		return res, nil
	case <-ctx.Done():
		return ring.Result{}, fmt.Errorf("%w: request %d: %v", ErrRequestTimeout, req.ID, ctx.Err())
	case <-n.ctx.Done():
		return ring.Result{}, ErrShutdown
	}
}

// process completes req locally when this node owns the key, and forwards
// it to the successor otherwise. done reports whether res is final.
func (n *Node) process(ctx context.Context, req ring.Request) (res ring.Result, done bool, err error) {
	n.mu.Lock()
	if n.owns && n.rng.Contains(req.Key) {
		res, err = n.applyLocked(req)
		n.mu.Unlock()
		return res, err == nil, err
	}
	succ := n.succ
	n.mu.Unlock()

	// A request that comes back to a node it already passed has no owner.
	if keyspace.Contains(req.Path, n.id) {
		return n.complete(req, ring.OutcomeUnowned, ""), true, nil
	}

	next, err := n.peerID(ctx, succ)
	if err != nil {
		return ring.Result{}, false, fmt.Errorf("failed to reach successor %s: %w", succ.Address(), err)
	}
	if next == keyspace.Root {
		// The root checked first, so every node has now been asked.
		return n.complete(req, ring.OutcomeUnowned, ""), true, nil
	}

	fwd := req
	fwd.Path = append(append([]int{}, req.Path...), n.id)
	if err := n.remote.Forward(ctx, succ, fwd); err != nil {
		return ring.Result{}, false, fmt.Errorf("failed to forward request %d: %w", req.ID, err)
	}

	n.metrics.Forwards.Inc()
	n.logger.Debug().
		Uint64("request_id", req.ID).
		Str("op", string(req.Op)).
		Int("key", req.Key).
		Int("successor", next).
		Msg("Forwarded request")
	return ring.Result{}, false, nil
}

// applyLocked runs req against the local store. Caller holds mu.
func (n *Node) applyLocked(req ring.Request) (ring.Result, error) {
	switch req.Op {
	case ring.OpLookup:
		value, err := n.store.Get(req.Key)
		if errors.Is(err, pkg.ErrKeyNotFound) {
			return n.complete(req, ring.OutcomeNotFound, ""), nil
		}
		if err != nil {
			return ring.Result{}, err
		}
		return n.complete(req, ring.OutcomeFound, value), nil

	case ring.OpInsert:
		if err := n.store.Put(req.Key, req.Value); err != nil {
			return ring.Result{}, err
		}
		n.updateGaugesLocked()
		return n.complete(req, ring.OutcomeInserted, req.Value), nil

	case ring.OpDelete:
		value, ok, err := n.store.Delete(req.Key)
		if err != nil {
			return ring.Result{}, err
		}
		if !ok {
			return n.complete(req, ring.OutcomeNotFound, ""), nil
		}
		n.updateGaugesLocked()
		return n.complete(req, ring.OutcomeDeleted, value), nil
	}

	return ring.Result{}, fmt.Errorf("unknown operation %q", req.Op)
}

// complete builds the result of req finishing at this node.
func (n *Node) complete(req ring.Request, outcome ring.Outcome, value string) ring.Result {
	n.metrics.Operations.WithLabelValues(string(req.Op), string(outcome)).Inc()
	n.logger.Debug().
		Uint64("request_id", req.ID).
		Str("op", string(req.Op)).
		Str("outcome", string(outcome)).
		Int("key", req.Key).
		Msg("Request completed")
	n.publish(EventOperation, fmt.Sprintf("%s of key %d %s at node %d", req.Op, req.Key, outcome, n.id))

	return ring.Result{
		ID:      req.ID,
		Op:      req.Op,
		Outcome: outcome,
		Key:     req.Key,
		Value:   value,
		Path:    req.Path,
		Node:    n.id,
	}
}

func (n *Node) handleRouted(msg wire.Message) wire.Message {
	req, err := transport.DecodeRequest(msg)
	if err != nil {
		return n.violation(msg, err)
	}
	switch st := n.state.Get(); st {
	case ring.Joining, ring.Active, ring.Departing:
	default:
		return wire.Errorf("node %d is %s", n.id, st)
	}

	if !n.goAsync(func(ctx context.Context) { n.route(ctx, req) }) {
		return wire.Errorf("node %d is shutting down", n.id)
	}
	return wire.Ack()
}

// route handles a request received from the predecessor and reports the
// result to the root when it completes here.
func (n *Node) route(ctx context.Context, req ring.Request) {
	ctx, cancel := context.WithTimeout(ctx, n.config.RequestTimeout)
	defer cancel()

	// A predecessor may point here before the key stream has finished.
	if err := n.awaitPlacement(ctx); err != nil {
		n.logger.Warn().Err(err).Uint64("request_id", req.ID).Msg("Dropped request while joining")
		return
	}

	res, done, err := n.process(ctx, req)
	if err != nil {
		n.logger.Error().
			Err(err).
			Uint64("request_id", req.ID).
			Int("key", req.Key).
			Msg("Failed to route request")
		return
	}
	if !done {
		return
	}

	if n.IsRoot() {
		n.resolve(res)
		return
	}
	if err := n.remote.Deliver(ctx, n.root, res); err != nil {
		n.logger.Error().
			Err(err).
			Uint64("request_id", res.ID).
			Msg("Failed to deliver result to root")
	}
}

func (n *Node) awaitPlacement(ctx context.Context) error {
	if n.state.Get() != ring.Joining {
		return nil
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for n.state.Get() == ring.Joining {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (n *Node) handlePrint(msg wire.Message) wire.Message {
	res, err := transport.DecodeResult(msg)
	if err != nil {
		return n.violation(msg, err)
	}
	if !n.IsRoot() {
		return n.violation(msg, fmt.Errorf("node %d is not the root", n.id))
	}

	n.resolve(res)
	return wire.Ack()
}

// resolve wakes the caller waiting on res. Late results go to the result handler.
func (n *Node) resolve(res ring.Result) {
	if n.pending.resolve(res) {
		return
	}

	n.logger.Warn().
		Uint64("request_id", res.ID).
		Str("op", string(res.Op)).
		Int("key", res.Key).
		Msg("Received result for unknown request")
	if n.onResult != nil {
		n.onResult(res)
	}
}
