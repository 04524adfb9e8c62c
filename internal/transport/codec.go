package transport

import (
	"fmt"
	"strconv"

	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/internal/wire"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/keyspace"
)

var opVerbs = map[ring.Op]string{
	ring.OpLookup: wire.VerbLookupNext,
	ring.OpInsert: wire.VerbInserting,
	ring.OpDelete: wire.VerbDeleting,
}

// EncodeRequest renders a routed request as lookupNext, inserting or deleting.
func EncodeRequest(req ring.Request) (wire.Message, error) {
	verb, ok := opVerbs[req.Op]
	if !ok {
		return wire.Message{}, fmt.Errorf("%w: unknown operation %q", wire.ErrMalformed, req.Op)
	}

	args := []string{strconv.FormatUint(req.ID, 10), strconv.Itoa(req.Key)}
	if req.Op == ring.OpInsert {
		if !pkg.ValidValue(req.Value) {
			return wire.Message{}, pkg.ErrInvalidValue
		}
		args = append(args, req.Value)
	}
	args = append(args, keyspace.FormatPath(req.Path))
	return wire.New(verb, args...), nil
}

// DecodeRequest parses a routed request message.
func DecodeRequest(m wire.Message) (ring.Request, error) {
	var req ring.Request
	nargs := 3
	switch m.Verb {
	case wire.VerbLookupNext:
		req.Op = ring.OpLookup
	case wire.VerbInserting:
		req.Op = ring.OpInsert
		nargs = 4
	case wire.VerbDeleting:
		req.Op = ring.OpDelete
	default:
		return req, fmt.Errorf("%w: %s is not a routed request", wire.ErrMalformed, m.Verb)
	}
	if err := m.Expect(m.Verb, nargs); err != nil {
		return req, err
	}

	id, err := strconv.ParseUint(m.Args[0], 10, 64)
	if err != nil {
		return req, fmt.Errorf("%w: request id %q", wire.ErrMalformed, m.Args[0])
	}
	req.ID = id

	if req.Key, err = m.ID(1); err != nil {
		return req, err
	}
	if req.Op == ring.OpInsert {
		req.Value = m.Args[2]
		if !pkg.ValidValue(req.Value) {
			return req, fmt.Errorf("%w: %v", wire.ErrMalformed, pkg.ErrInvalidValue)
		}
	}
	if req.Path, err = m.Path(nargs - 1); err != nil {
		return req, err
	}
	return req, nil
}

// EncodeResult renders a result as a PRINT message:
// PRINT <id> <op> <outcome> <key> <value|-> <path> <node>
// The value field is read literally for outcomes that carry a value.
func EncodeResult(res ring.Result) wire.Message {
	value := res.Value
	if !res.Outcome.HasValue() || value == "" {
		value = wire.NoValue
	}
	return wire.New(wire.VerbPrint,
		strconv.FormatUint(res.ID, 10),
		string(res.Op),
		string(res.Outcome),
		strconv.Itoa(res.Key),
		value,
		keyspace.FormatPath(res.Path),
		strconv.Itoa(res.Node),
	)
}

// DecodeResult parses a PRINT message.
func DecodeResult(m wire.Message) (ring.Result, error) {
	var res ring.Result
	if err := m.Expect(wire.VerbPrint, 7); err != nil {
		return res, err
	}

	id, err := strconv.ParseUint(m.Args[0], 10, 64)
	if err != nil {
		return res, fmt.Errorf("%w: result id %q", wire.ErrMalformed, m.Args[0])
	}
	res.ID = id

	res.Op = ring.Op(m.Args[1])
	if !res.Op.Valid() {
		return res, fmt.Errorf("%w: operation %q", wire.ErrMalformed, m.Args[1])
	}
	res.Outcome = ring.Outcome(m.Args[2])
	if !res.Outcome.Valid() {
		return res, fmt.Errorf("%w: outcome %q", wire.ErrMalformed, m.Args[2])
	}
	if res.Key, err = m.ID(3); err != nil {
		return res, err
	}
	if res.Outcome.HasValue() {
		if !pkg.ValidValue(m.Args[4]) {
			return res, fmt.Errorf("%w: %v", wire.ErrMalformed, pkg.ErrInvalidValue)
		}
		res.Value = m.Args[4]
	}
	if res.Path, err = m.Path(5); err != nil {
		return res, err
	}
	if res.Node, err = m.ID(6); err != nil {
		return res, err
	}
	return res, nil
}

// DecodeJoin parses enter (id port address) and entering (id port address path).
func DecodeJoin(m wire.Message) (id int, joiner ring.Peer, path []int, err error) {
	switch m.Verb {
	case wire.VerbEnter:
		err = m.Expect(wire.VerbEnter, 3)
	case wire.VerbEntering:
		err = m.Expect(wire.VerbEntering, 4)
	default:
		err = fmt.Errorf("%w: %s is not a join request", wire.ErrMalformed, m.Verb)
	}
	if err != nil {
		return 0, ring.Peer{}, nil, err
	}

	if id, err = m.ID(0); err != nil {
		return 0, ring.Peer{}, nil, err
	}
	if joiner, err = ring.ParsePeer(m.Args[1], m.Args[2]); err != nil {
		return 0, ring.Peer{}, nil, fmt.Errorf("%w: %v", wire.ErrMalformed, err)
	}
	path = []int{}
	if m.Verb == wire.VerbEntering {
		if path, err = m.Path(3); err != nil {
			return 0, ring.Peer{}, nil, err
		}
	}
	return id, joiner, path, nil
}

// DecodeAcceptance parses an entered message.
func DecodeAcceptance(m wire.Message) (ring.Acceptance, error) {
	var acc ring.Acceptance
	if err := m.Expect(wire.VerbEntered, 6); err != nil {
		return acc, err
	}

	var err error
	if acc.Predecessor, err = ring.ParsePeer(m.Args[0], m.Args[1]); err != nil {
		return acc, fmt.Errorf("%w: predecessor: %v", wire.ErrMalformed, err)
	}
	if acc.Successor, err = ring.ParsePeer(m.Args[2], m.Args[3]); err != nil {
		return acc, fmt.Errorf("%w: successor: %v", wire.ErrMalformed, err)
	}
	if acc.Start, err = m.ID(4); err != nil {
		return acc, err
	}
	if acc.Path, err = m.Path(5); err != nil {
		return acc, err
	}
	return acc, nil
}

// DecodePeer parses updatePredecessor and updateSuccessor (port address).
func DecodePeer(m wire.Message) (ring.Peer, error) {
	if len(m.Args) != 2 {
		return ring.Peer{}, fmt.Errorf("%w: %s takes 2 fields, got %d", wire.ErrMalformed, m.Verb, len(m.Args))
	}
	p, err := ring.ParsePeer(m.Args[0], m.Args[1])
	if err != nil {
		return ring.Peer{}, fmt.Errorf("%w: %v", wire.ErrMalformed, err)
	}
	return p, nil
}
