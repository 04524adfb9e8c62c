package node

import (
	"context"

	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/pkg"
)

// RemoteClient is the set of calls a node makes to other ring nodes.
// transport.Client is the production implementation.
type RemoteClient interface {
	// GetID asks peer for its identifier, which is also the upper bound of its range.
	GetID(ctx context.Context, peer ring.Peer) (int, error)

	// Enter asks the root to place joiner on the ring.
	Enter(ctx context.Context, root ring.Peer, id int, joiner ring.Peer) error

	// Entering forwards a join request to the successor with the traversal so far.
	Entering(ctx context.Context, successor ring.Peer, id int, joiner ring.Peer, path []int) error

	// Refuse tells a joining node its request cannot be placed.
	Refuse(ctx context.Context, joiner ring.Peer, id int, reason string) error

	UpdateSuccessor(ctx context.Context, target, successor ring.Peer) error
	UpdatePredecessor(ctx context.Context, target, predecessor ring.Peer) error

	// Forward hands a routed request to the successor.
	Forward(ctx context.Context, successor ring.Peer, req ring.Request) error

	// Deliver reports a completed request to the root.
	Deliver(ctx context.Context, root ring.Peer, res ring.Result) error

	// Split transfers the lower part of a range and its keys to a joining node.
	Split(ctx context.Context, joiner ring.Peer, id int, acc ring.Acceptance, entries []pkg.Entry) error

	// Handoff transfers a departing node's range and keys to its successor.
	Handoff(ctx context.Context, successor ring.Peer, start int, entries []pkg.Entry) error

	Close() error
}
