package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/singleflight"

	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/internal/wire"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/keyspace"
)

// ErrIdentityMismatch is returned when a peer answers getID with an unexpected id.
var ErrIdentityMismatch = errors.New("peer identity mismatch")

// ClientConfig holds the dial and I/O parameters of a Client.
type ClientConfig struct {
	Timeout      time.Duration
	MaxFrameSize int
	DialAttempts uint
	DialDelay    time.Duration
}

// Client manages outbound links to other ring nodes, one cached link per address.
type Client struct {
	logger *pkg.Logger
	cfg    ClientConfig
	dial   func(ctx context.Context, network, address string) (net.Conn, error)

	// Dials run outside linkMu, at most one per address.
	dials singleflight.Group

	links  map[string]*Link
	linkMu sync.RWMutex
	closed bool
}

// NewClient creates a new peer client.
func NewClient(cfg ClientConfig, logger *pkg.Logger) *Client {
	if logger == nil {
		logger = pkg.Nop()
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = 1
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	return &Client{
		logger: logger.WithFields(pkg.Fields{"component": "peer_client"}),
		cfg:    cfg,
		dial:   dialer.DialContext,
		links:  make(map[string]*Link),
	}
}

// getLink returns a link to address, dialing one if needed.
func (c *Client) getLink(ctx context.Context, address string) (*Link, error) {
	c.linkMu.RLock()
	link, exists := c.links[address]
	closed := c.closed
	c.linkMu.RUnlock()

	if closed {
		return nil, ErrLinkClosed
	}
	if exists && !link.Closed() {
		return link, nil
	}

	v, err, _ := c.dials.Do(address, func() (any, error) {
		return c.dialLink(ctx, address)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Link), nil
}

// dialLink opens a new link to address and caches it. A slow or unreachable
// peer only holds up callers of that address.
func (c *Client) dialLink(ctx context.Context, address string) (*Link, error) {
	c.linkMu.RLock()
	link, exists := c.links[address]
	c.linkMu.RUnlock()
	if exists && !link.Closed() {
		return link, nil
	}

	var conn net.Conn
	err := retry.Do(
		func() error {
			var err error
			conn, err = c.dial(ctx, "tcp", address)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.DialAttempts),
		retry.Delay(c.cfg.DialDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug().
				Err(err).
				Str("address", address).
				Uint("attempt", n+1).
				Msg("Retrying dial")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	link = NewLink(conn, c.cfg.Timeout, c.cfg.MaxFrameSize)

	c.linkMu.Lock()
	if c.closed {
		c.linkMu.Unlock()
		link.Close()
		return nil, ErrLinkClosed
	}
	c.links[address] = link
	c.linkMu.Unlock()

	c.logger.Debug().Str("address", address).Msg("Created new peer link")
	return link, nil
}

// IsRetryable reports transport errors worth another dial attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Call sends one message to address and returns the reply.
// A link that fails at the transport level is dropped from the pool.
func (c *Client) Call(ctx context.Context, address string, m wire.Message) (wire.Message, error) {
	link, err := c.getLink(ctx, address)
	if err != nil {
		return wire.Message{}, err
	}

	reply, err := link.Call(ctx, m)
	if err != nil {
		c.discard(address, link)
		return wire.Message{}, err
	}
	return reply, nil
}

// Stream runs a multi-message exchange with exclusive use of the link to address.
func (c *Client) Stream(ctx context.Context, address string, fn func(*Exchange) error) error {
	link, err := c.getLink(ctx, address)
	if err != nil {
		return err
	}

	err = link.Stream(ctx, fn)
	if err != nil {
		var remote *wire.RemoteError
		if !errors.As(err, &remote) {
			c.discard(address, link)
		}
	}
	return err
}

func (c *Client) callAck(ctx context.Context, address string, m wire.Message) error {
	reply, err := c.Call(ctx, address, m)
	if err != nil {
		return err
	}
	if err := reply.ExpectAck(); err != nil {
		return fmt.Errorf("%s to %s: %w", m.Verb, address, err)
	}
	return nil
}

// discard closes link and removes it from the pool if it is still the cached one.
func (c *Client) discard(address string, link *Link) {
	c.linkMu.Lock()
	if cur, ok := c.links[address]; ok && cur == link {
		delete(c.links, address)
	}
	c.linkMu.Unlock()
	link.Close()
}

// GetID asks peer for the upper bound of its range.
func (c *Client) GetID(ctx context.Context, peer ring.Peer) (int, error) {
	reply, err := c.Call(ctx, peer.Address(), wire.New(wire.VerbGetID))
	if err != nil {
		return 0, err
	}
	return wire.ParseIDReply(reply)
}

// Enter asks the root to place joiner with the given id on the ring.
func (c *Client) Enter(ctx context.Context, root ring.Peer, id int, joiner ring.Peer) error {
	m := wire.New(wire.VerbEnter, strconv.Itoa(id), strconv.Itoa(joiner.Port), joiner.Host)
	return c.callAck(ctx, root.Address(), m)
}

// Entering forwards a join request to successor.
func (c *Client) Entering(ctx context.Context, successor ring.Peer, id int, joiner ring.Peer, path []int) error {
	m := wire.New(wire.VerbEntering,
		strconv.Itoa(id), strconv.Itoa(joiner.Port), joiner.Host, keyspace.FormatPath(path))
	return c.callAck(ctx, successor.Address(), m)
}

// Refuse tells a joining node its request was rejected.
func (c *Client) Refuse(ctx context.Context, joiner ring.Peer, id int, reason string) error {
	args := append([]string{strconv.Itoa(id)}, strings.Fields(reason)...)
	m := wire.New(wire.VerbRefused, args...)
	return c.callAck(ctx, joiner.Address(), m)
}

// UpdateSuccessor tells target to repoint its successor link at successor.
func (c *Client) UpdateSuccessor(ctx context.Context, target, successor ring.Peer) error {
	m := wire.New(wire.VerbUpdateSuccessor, successor.WireFields()...)
	return c.callAck(ctx, target.Address(), m)
}

// UpdatePredecessor tells target to repoint its predecessor link at predecessor.
func (c *Client) UpdatePredecessor(ctx context.Context, target, predecessor ring.Peer) error {
	m := wire.New(wire.VerbUpdatePredecessor, predecessor.WireFields()...)
	return c.callAck(ctx, target.Address(), m)
}

// Forward hands a routed request to successor.
func (c *Client) Forward(ctx context.Context, successor ring.Peer, req ring.Request) error {
	m, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return c.callAck(ctx, successor.Address(), m)
}

// Deliver sends a result to the root over the standing root link.
func (c *Client) Deliver(ctx context.Context, root ring.Peer, res ring.Result) error {
	return c.callAck(ctx, root.Address(), EncodeResult(res))
}

// Split hands the lower part of a range to a joining node: identity handshake,
// acceptance, then one acknowledged line per key and the EOF terminator.
func (c *Client) Split(ctx context.Context, joiner ring.Peer, id int, acc ring.Acceptance, entries []pkg.Entry) error {
	return c.Stream(ctx, joiner.Address(), func(x *Exchange) error {
		reply, err := x.Call(wire.New(wire.VerbGetID))
		if err != nil {
			return err
		}
		got, err := wire.ParseIDReply(reply)
		if err != nil {
			return err
		}
		if got != id {
			return fmt.Errorf("%w: want %d, got %d", ErrIdentityMismatch, id, got)
		}

		args := append(acc.Predecessor.WireFields(), acc.Successor.WireFields()...)
		args = append(args, strconv.Itoa(acc.Start), keyspace.FormatPath(acc.Path))
		if err := x.CallAck(wire.New(wire.VerbEntered, args...)); err != nil {
			return err
		}
		return streamEntries(x, entries)
	})
}

// Handoff gives successor the departing range lower bound and its keys.
func (c *Client) Handoff(ctx context.Context, successor ring.Peer, start int, entries []pkg.Entry) error {
	return c.Stream(ctx, successor.Address(), func(x *Exchange) error {
		if err := x.CallAck(wire.New(wire.VerbUpdateRange0, strconv.Itoa(start))); err != nil {
			return err
		}
		return streamEntries(x, entries)
	})
}

func streamEntries(x *Exchange, entries []pkg.Entry) error {
	for _, e := range entries {
		if err := x.CallAck(wire.KeyValue(e.Key, e.Value)); err != nil {
			return fmt.Errorf("transfer key %d: %w", e.Key, err)
		}
	}
	return x.CallAck(wire.EOF())
}

// Close closes every cached link.
func (c *Client) Close() error {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()

	c.closed = true
	for address, link := range c.links {
		if err := link.Close(); err != nil {
			c.logger.Warn().Err(err).Str("address", address).Msg("Failed to close peer link")
		}
		delete(c.links, address)
	}

	c.logger.Debug().Msg("Closed all peer links")
	return nil
}
