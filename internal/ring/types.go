package ring

import (
	"fmt"
	"net"
	"strconv"

	"github.com/zde37/ringkv/pkg/keyspace"
)

// Peer is the network descriptor of a node on the ring.
// Identifiers are not part of a descriptor; ask the peer with getID.
type Peer struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// NewPeer creates a Peer from host and port.
func NewPeer(host string, port int) Peer {
	return Peer{Host: host, Port: port}
}

// ParsePeer builds a Peer from the (port, address) field pair used on the wire.
func ParsePeer(port, host string) (Peer, error) {
	p, err := strconv.Atoi(port)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid port %q: %w", port, err)
	}
	if p <= 0 || p > 65535 {
		return Peer{}, fmt.Errorf("invalid port %d", p)
	}
	if host == "" {
		return Peer{}, fmt.Errorf("empty host")
	}
	return Peer{Host: host, Port: p}, nil
}

// Address returns the network address in "host:port" format.
func (p Peer) Address() string {
	if p.IsZero() {
		return ""
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// WireFields returns the (port, address) pair as sent on the wire.
func (p Peer) WireFields() []string {
	return []string{strconv.Itoa(p.Port), p.Host}
}

// Equals checks if two descriptors point at the same endpoint.
func (p Peer) Equals(other Peer) bool {
	return p.Host == other.Host && p.Port == other.Port
}

// IsZero reports whether the descriptor is unset.
func (p Peer) IsZero() bool {
	return p.Host == "" && p.Port == 0
}

// String returns a human-readable representation of the peer.
func (p Peer) String() string {
	if p.IsZero() {
		return "Peer{nil}"
	}
	return fmt.Sprintf("Peer{%s}", p.Address())
}

// Range is the inclusive, possibly wrapping interval [Start, End] a node owns.
// End is always the owner's own identifier.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// FullRange is the root's range before any node joins.
func FullRange() Range {
	return Range{Start: keyspace.Next(keyspace.Root), End: keyspace.Root}
}

// Contains reports whether id falls inside the range.
func (r Range) Contains(id int) bool {
	return keyspace.InRange(id, r.Start, r.End)
}

// Size returns the number of identifiers covered.
func (r Range) Size() int {
	return keyspace.Span(r.Start, r.End)
}

// Split cuts the range at id. lower is [Start, id], upper is [id+1, End].
// id must be inside the range and different from End.
func (r Range) Split(id int) (lower, upper Range, err error) {
	if !r.Contains(id) {
		return Range{}, Range{}, fmt.Errorf("identifier %d outside %s", id, r)
	}
	if id == r.End {
		return Range{}, Range{}, fmt.Errorf("identifier %d is the range owner", id)
	}
	return Range{Start: r.Start, End: id}, Range{Start: keyspace.Next(id), End: r.End}, nil
}

// String renders the range as "[start, end]".
func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}
