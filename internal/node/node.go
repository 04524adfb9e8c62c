package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/ringkv/internal/config"
	"github.com/zde37/ringkv/internal/metrics"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/keyspace"
)

var _ RemoteClient = (*transport.Client)(nil)

// Node is one participant of the identifier ring. It owns the inclusive range
// [start, id] and keeps descriptors of its predecessor and successor.
type Node struct {
	// Node identity
	id   int
	self ring.Peer
	root ring.Peer

	config  *config.Config
	logger  *pkg.Logger
	metrics *metrics.Metrics

	// Remote client for calls to other nodes
	remote RemoteClient
	server *transport.Server

	state *ring.AtomicState

	// membership admits one join split or departure at a time
	membership sync.Mutex

	// mu guards the ring position and compound store operations.
	// It is never held while waiting for a routed result.
	mu       sync.Mutex
	rng      ring.Range
	owns     bool
	pred     ring.Peer
	succ     ring.Peer
	store    *pkg.KeyStore
	joinPath []int

	// Root only: routed requests waiting for a PRINT
	pending  *pendingResults
	reqSeq   atomic.Uint64
	onResult func(ring.Result)

	joinMu sync.Mutex
	joinCh chan error

	broadcaster   Broadcaster
	broadcasterMu sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdown   bool
	shutdownMu sync.RWMutex
}

// Option customises a Node at construction.
type Option func(*Node)

// WithRemote replaces the default transport client.
func WithRemote(remote RemoteClient) Option {
	return func(n *Node) { n.remote = remote }
}

// WithMetrics registers the node's metrics on m instead of a fresh set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithBroadcaster sets the receiver of ring update events.
func WithBroadcaster(b Broadcaster) Option {
	return func(n *Node) { n.broadcaster = b }
}

// WithResultHandler sets a callback for results that arrive after their
// request stopped waiting.
func WithResultHandler(fn func(ring.Result)) Option {
	return func(n *Node) { n.onResult = fn }
}

// New creates a ring node with the given configuration.
func New(cfg *config.Config, logger *pkg.Logger, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		id:      cfg.NodeID,
		self:    ring.NewPeer(cfg.Host, cfg.Port),
		config:  cfg,
		logger:  logger.WithFields(pkg.Fields{"node_id": cfg.NodeID}),
		state:   ring.NewState(ring.Uninitialized),
		store:   pkg.NewKeyStore(),
		pending: newPendingResults(),
		ctx:     ctx,
		cancel:  cancel,
	}
	if !cfg.IsRoot() {
		n.root = ring.NewPeer(cfg.RootHost, cfg.RootPort)
	}

	for _, opt := range opts {
		opt(n)
	}

	if n.metrics == nil {
		n.metrics = metrics.New()
	}
	if n.remote == nil {
		n.remote = transport.NewClient(transport.ClientConfig{
			Timeout:      cfg.RPCTimeout,
			MaxFrameSize: cfg.MaxFrameSize,
			DialAttempts: cfg.DialAttempts,
			DialDelay:    cfg.DialDelay,
		}, n.logger)
	}

	n.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Bool("root", cfg.IsRoot()).
		Msg("Node created")

	return n, nil
}

// Start binds the peer listener and begins serving. The root seeds its
// store and becomes ACTIVE owning the whole ring; other nodes wait for Enter.
func (n *Node) Start() error {
	if n.IsShutdown() {
		return ErrShutdown
	}
	if n.server != nil {
		return fmt.Errorf("node already started")
	}

	srv, err := transport.NewServer(transport.ServerConfig{
		Address:      n.config.Address(),
		Timeout:      n.config.RPCTimeout,
		MaxFrameSize: n.config.MaxFrameSize,
	}, n, n.logger)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("failed to bind %s: %w", n.config.Address(), err)
	}

	// port 0 resolves to the ephemeral port chosen by the OS
	if addr, ok := srv.Addr().(*net.TCPAddr); ok {
		n.self.Port = addr.Port
	}
	n.server = srv

	if n.IsRoot() {
		n.root = n.self

		n.mu.Lock()
		n.rng = ring.FullRange()
		n.owns = true
		n.pred = n.self
		n.succ = n.self
		for key, value := range n.config.Seeds {
			if err := n.store.Put(key, value); err != nil {
				n.mu.Unlock()
				srv.Stop()
				return fmt.Errorf("failed to seed key %d: %w", key, err)
			}
		}
		n.updateGaugesLocked()
		n.mu.Unlock()

		n.state.Set(ring.Active)
		n.logger.Info().
			Int("seeded_keys", len(n.config.Seeds)).
			Str("range", n.rng.String()).
			Msg("Root node owns the ring")
	}

	srv.Serve()

	n.logger.Info().
		Str("address", n.self.Address()).
		Str("state", n.state.Get().String()).
		Msg("Node started")
	return nil
}

// Shutdown stops serving, closes every link and waits for in-flight work.
func (n *Node) Shutdown() error {
	n.shutdownMu.Lock()
	if n.shutdown {
		n.shutdownMu.Unlock()
		return nil // Already shutdown
	}
	n.shutdown = true
	n.shutdownMu.Unlock()

	n.logger.Info().Msg("Shutting down node")

	n.cancel()
	if n.server != nil {
		n.server.Stop()
	}
	n.wg.Wait()

	if err := n.remote.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to close peer links")
	}
	n.store.Close()
	n.state.Set(ring.Terminated)

	n.logger.Info().Msg("Node shutdown complete")
	return nil
}

// IsShutdown returns whether the node has been shutdown.
func (n *Node) IsShutdown() bool {
	n.shutdownMu.RLock()
	defer n.shutdownMu.RUnlock()
	return n.shutdown
}

// Done is closed once the node shuts down, including after Exit.
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

// ID returns the node's identifier.
func (n *Node) ID() int {
	return n.id
}

// Self returns the node's network descriptor. Valid after Start.
func (n *Node) Self() ring.Peer {
	return n.self
}

// IsRoot reports whether this node bootstraps the ring.
func (n *Node) IsRoot() bool {
	return n.id == keyspace.Root
}

// State returns the current membership state.
func (n *Node) State() ring.State {
	return n.state.Get()
}

// Metrics returns the node's metrics.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// SetBroadcaster sets the broadcaster for ring updates.
func (n *Node) SetBroadcaster(b Broadcaster) {
	n.broadcasterMu.Lock()
	defer n.broadcasterMu.Unlock()
	n.broadcaster = b
}

// Status returns a point-in-time view of the node.
func (n *Node) Status() ring.Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	snap := ring.Snapshot{
		ID:          n.id,
		State:       n.state.Get().String(),
		Address:     n.self.Address(),
		Predecessor: n.pred,
		Successor:   n.succ,
		Keys:        n.store.Len(),
	}
	if n.owns {
		r := n.rng
		snap.Range = &r
	}
	return snap
}

// Keys lists the stored entries in ascending key order.
func (n *Node) Keys() []pkg.Entry {
	return n.store.Snapshot()
}

func (n *Node) isSelf(p ring.Peer) bool {
	return p.Equals(n.self)
}

// peerID asks p for its identifier without dialing when p is this node.
func (n *Node) peerID(ctx context.Context, p ring.Peer) (int, error) {
	if n.isSelf(p) {
		return n.id, nil
	}
	return n.remote.GetID(ctx, p)
}

// goAsync runs fn on a tracked goroutine unless the node is shutting down.
func (n *Node) goAsync(fn func(ctx context.Context)) bool {
	n.shutdownMu.RLock()
	defer n.shutdownMu.RUnlock()
	if n.shutdown {
		return false
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn(n.ctx)
	}()
	return true
}

// updateGaugesLocked refreshes the storage gauges. Caller holds mu.
func (n *Node) updateGaugesLocked() {
	n.metrics.KeysStored.Set(float64(n.store.Len()))
	if n.owns {
		n.metrics.RangeSize.Set(float64(n.rng.Size()))
	} else {
		n.metrics.RangeSize.Set(0)
	}
}

// publish sends a ring update to the broadcaster, if one is set.
func (n *Node) publish(eventType, message string) {
	n.broadcasterMu.RLock()
	b := n.broadcaster
	n.broadcasterMu.RUnlock()

	if b == nil {
		return
	}

	event := RingUpdateEvent{
		Type:      eventType,
		NodeID:    n.id,
		Timestamp: time.Now().Unix(),
		Message:   message,
	}
	if err := b.BroadcastRingUpdate(event); err != nil {
		n.logger.Warn().
			Err(err).
			Str("event", eventType).
			Msg("Failed to broadcast ring update")
	}
}

// rpcContext bounds a follow-up call that must run even if the caller's
// context is already done.
func (n *Node) rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(n.ctx, n.config.RPCTimeout)
}
