package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/ringkv/internal/wire"
)

// ErrLinkClosed is returned when using a link after Close.
var ErrLinkClosed = errors.New("link closed")

// Link carries framed protocol messages over one connection.
// Call and Stream serialize exchanges; Send and Receive do not lock and are
// meant for the single worker that owns an inbound connection.
type Link struct {
	conn     net.Conn
	timeout  time.Duration
	maxFrame int

	mu     sync.Mutex
	closed atomic.Bool
}

// NewLink wraps conn. timeout bounds every read and write.
func NewLink(conn net.Conn, timeout time.Duration, maxFrame int) *Link {
	return &Link{
		conn:     conn,
		timeout:  timeout,
		maxFrame: maxFrame,
	}
}

// RemoteAddr returns the peer's address.
func (l *Link) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// deadline picks the earlier of the context deadline and now+timeout.
func (l *Link) deadline(ctx context.Context) time.Time {
	var d time.Time
	if l.timeout > 0 {
		d = time.Now().Add(l.timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

// Send writes one message.
func (l *Link) Send(ctx context.Context, m wire.Message) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.conn.SetWriteDeadline(l.deadline(ctx)); err != nil {
		return err
	}
	if err := wire.WriteFrame(l.conn, m, l.maxFrame); err != nil {
		return fmt.Errorf("send %s: %w", m.Verb, err)
	}
	return nil
}

// Receive reads one message, bounded by the link timeout.
func (l *Link) Receive(ctx context.Context) (wire.Message, error) {
	if l.closed.Load() {
		return wire.Message{}, ErrLinkClosed
	}
	if err := ctx.Err(); err != nil {
		return wire.Message{}, err
	}
	if err := l.conn.SetReadDeadline(l.deadline(ctx)); err != nil {
		return wire.Message{}, err
	}
	return wire.ReadFrame(l.conn, l.maxFrame)
}

// next waits without a deadline for the next request on an idle connection.
func (l *Link) next() (wire.Message, error) {
	if l.closed.Load() {
		return wire.Message{}, ErrLinkClosed
	}
	if err := l.conn.SetReadDeadline(time.Time{}); err != nil {
		return wire.Message{}, err
	}
	return wire.ReadFrame(l.conn, l.maxFrame)
}

// Call sends m and waits for the single reply.
func (l *Link) Call(ctx context.Context, m wire.Message) (wire.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.call(ctx, m)
}

func (l *Link) call(ctx context.Context, m wire.Message) (wire.Message, error) {
	if err := l.Send(ctx, m); err != nil {
		return wire.Message{}, err
	}
	reply, err := l.Receive(ctx)
	if err != nil {
		return wire.Message{}, fmt.Errorf("await reply to %s: %w", m.Verb, err)
	}
	return reply, nil
}

// Exchange is exclusive access to a link for a multi-message sequence.
type Exchange struct {
	ctx  context.Context
	link *Link
}

// Call sends m and waits for the reply within the exchange.
func (e *Exchange) Call(m wire.Message) (wire.Message, error) {
	return e.link.call(e.ctx, m)
}

// CallAck sends m and requires a plain acknowledgement.
func (e *Exchange) CallAck(m wire.Message) error {
	reply, err := e.Call(m)
	if err != nil {
		return err
	}
	if err := reply.ExpectAck(); err != nil {
		return fmt.Errorf("%s: %w", m.Verb, err)
	}
	return nil
}

// Stream runs fn with the link held, so no other exchange interleaves.
func (l *Link) Stream(ctx context.Context, fn func(*Exchange) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(&Exchange{ctx: ctx, link: l})
}

// Close closes the underlying connection.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.conn.Close()
}

// Closed reports whether Close was called.
func (l *Link) Closed() bool {
	return l.closed.Load()
}

// isClosedErr reports errors that just mean the peer or we hung up.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrLinkClosed)
}
