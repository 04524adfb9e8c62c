package node

import (
	"context"
	"fmt"

	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/internal/wire"
	"github.com/zde37/ringkv/pkg"
)

var knownVerbs = map[string]bool{
	wire.VerbEnter:             true,
	wire.VerbEntering:          true,
	wire.VerbEntered:           true,
	wire.VerbRefused:           true,
	wire.VerbGetID:             true,
	wire.VerbUpdatePredecessor: true,
	wire.VerbUpdateSuccessor:   true,
	wire.VerbUpdateRange0:      true,
	wire.VerbLookupNext:        true,
	wire.VerbInserting:         true,
	wire.VerbDeleting:          true,
	wire.VerbPrint:             true,
}

// HandleMessage serves one inbound request. It implements transport.Handler.
func (n *Node) HandleMessage(ctx context.Context, link *transport.Link, msg wire.Message) wire.Message {
	label := msg.Verb
	if !knownVerbs[label] {
		label = "unknown"
	}
	n.metrics.MessagesHandled.WithLabelValues(label).Inc()

	switch msg.Verb {
	case wire.VerbGetID:
		return wire.IDReply(n.id)
	case wire.VerbEnter, wire.VerbEntering:
		return n.handleJoinRequest(msg)
	case wire.VerbEntered:
		return n.handleEntered(ctx, link, msg)
	case wire.VerbRefused:
		return n.handleRefused(msg)
	case wire.VerbUpdateSuccessor:
		return n.handleUpdateSuccessor(msg)
	case wire.VerbUpdatePredecessor:
		return n.handleUpdatePredecessor(msg)
	case wire.VerbUpdateRange0:
		return n.handleUpdateRange0(ctx, link, msg)
	case wire.VerbLookupNext, wire.VerbInserting, wire.VerbDeleting:
		return n.handleRouted(msg)
	case wire.VerbPrint:
		return n.handlePrint(msg)
	default:
		return n.violation(msg, fmt.Errorf("unknown verb %q", msg.Verb))
	}
}

// violation records a malformed or unexpected message and builds the error reply.
func (n *Node) violation(msg wire.Message, err error) wire.Message {
	n.metrics.ProtocolViolations.Inc()
	n.logger.Warn().
		Err(err).
		Str("verb", msg.Verb).
		Msg("Protocol violation")
	return wire.Errorf("%v", err)
}

func (n *Node) acceptsPointerUpdates() bool {
	st := n.state.Get()
	return st == ring.Active || st == ring.Departing
}

func (n *Node) handleUpdateSuccessor(msg wire.Message) wire.Message {
	p, err := transport.DecodePeer(msg)
	if err != nil {
		return n.violation(msg, err)
	}
	if !n.acceptsPointerUpdates() {
		return wire.Errorf("node %d is %s", n.id, n.state.Get())
	}

	n.mu.Lock()
	old := n.succ
	n.succ = p
	n.mu.Unlock()

	n.logger.Info().
		Str("old", old.Address()).
		Str("new", p.Address()).
		Msg("Successor updated")
	return wire.Ack()
}

func (n *Node) handleUpdatePredecessor(msg wire.Message) wire.Message {
	p, err := transport.DecodePeer(msg)
	if err != nil {
		return n.violation(msg, err)
	}
	if !n.acceptsPointerUpdates() {
		return wire.Errorf("node %d is %s", n.id, n.state.Get())
	}

	n.mu.Lock()
	old := n.pred
	n.pred = p
	n.mu.Unlock()

	n.logger.Info().
		Str("old", old.Address()).
		Str("new", p.Address()).
		Msg("Predecessor updated")
	return wire.Ack()
}

// receiveEntries reads acknowledged key lines until EOF. Every key must fall
// inside within. The EOF itself is acknowledged by the handler's final reply.
func receiveEntries(ctx context.Context, link *transport.Link, within ring.Range) ([]pkg.Entry, error) {
	var entries []pkg.Entry
	for {
		line, err := link.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if line.Is(wire.VerbEOF) {
			return entries, nil
		}

		key, value, err := wire.ParseKeyValue(line)
		if err != nil {
			return nil, err
		}
		if !within.Contains(key) {
			return nil, fmt.Errorf("key %d outside %s", key, within)
		}
		entries = append(entries, pkg.Entry{Key: key, Value: value})

		if err := link.Send(ctx, wire.Ack()); err != nil {
			return nil, err
		}
	}
}
