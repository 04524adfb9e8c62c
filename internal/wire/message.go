package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/keyspace"
)

// Verbs of the peer protocol.
const (
	VerbEnter             = "enter"
	VerbEntering          = "entering"
	VerbEntered           = "entered"
	VerbRefused           = "refused"
	VerbGetID             = "getID"
	VerbUpdatePredecessor = "updatePredecessor"
	VerbUpdateSuccessor   = "updateSuccessor"
	VerbUpdateRange0      = "updateRange0"
	VerbLookupNext        = "lookupNext"
	VerbInserting         = "inserting"
	VerbDeleting          = "deleting"
	VerbPrint             = "PRINT"
	VerbAck               = "ack"
	VerbEOF               = "EOF"
	VerbError             = "error"
)

// NoValue marks an absent value in a result.
const NoValue = "-"

var (
	// ErrMalformed is returned for messages that do not match their verb's shape.
	ErrMalformed = errors.New("malformed message")

	// ErrUnexpectedReply is returned when a peer answers with the wrong verb.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// Message is one whitespace delimited protocol command.
type Message struct {
	Verb string
	Args []string
}

// New builds a message from a verb and its positional fields.
func New(verb string, args ...string) Message {
	return Message{Verb: verb, Args: args}
}

// Ack is the plain acknowledgement.
func Ack() Message { return New(VerbAck) }

// EOF terminates a key stream.
func EOF() Message { return New(VerbEOF) }

// Errorf builds an error reply. The reason is flattened to single spaces.
func Errorf(format string, args ...any) Message {
	return New(VerbError, strings.Fields(fmt.Sprintf(format, args...))...)
}

// Parse splits a payload into a message.
func Parse(payload string) (Message, error) {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return Message{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	return Message{Verb: fields[0], Args: fields[1:]}, nil
}

// String renders the message payload.
func (m Message) String() string {
	if len(m.Args) == 0 {
		return m.Verb
	}
	return m.Verb + " " + strings.Join(m.Args, " ")
}

// Is reports whether the message carries verb.
func (m Message) Is(verb string) bool {
	return m.Verb == verb
}

// Expect checks the verb and the number of fields.
func (m Message) Expect(verb string, nargs int) error {
	if m.Verb != verb {
		return fmt.Errorf("%w: want %s, got %q", ErrUnexpectedReply, verb, m.String())
	}
	if len(m.Args) != nargs {
		return fmt.Errorf("%w: %s takes %d fields, got %d", ErrMalformed, verb, nargs, len(m.Args))
	}
	return nil
}

// Err converts an error reply into a Go error. Any other message yields nil.
func (m Message) Err() error {
	if m.Verb != VerbError {
		return nil
	}
	return &RemoteError{Reason: strings.Join(m.Args, " ")}
}

// ExpectAck checks for a plain acknowledgement, surfacing error replies.
func (m Message) ExpectAck() error {
	if err := m.Err(); err != nil {
		return err
	}
	return m.Expect(VerbAck, 0)
}

// Int parses field i as an integer.
func (m Message) Int(i int) (int, error) {
	if i >= len(m.Args) {
		return 0, fmt.Errorf("%w: %s missing field %d", ErrMalformed, m.Verb, i)
	}
	v, err := strconv.Atoi(m.Args[i])
	if err != nil {
		return 0, fmt.Errorf("%w: %s field %d: %v", ErrMalformed, m.Verb, i, err)
	}
	return v, nil
}

// ID parses field i as a ring identifier.
func (m Message) ID(i int) (int, error) {
	v, err := m.Int(i)
	if err != nil {
		return 0, err
	}
	if !keyspace.Valid(v) {
		return 0, fmt.Errorf("%w: %s field %d: %v", ErrMalformed, m.Verb, i, pkg.ErrKeyOutOfRange)
	}
	return v, nil
}

// Path parses field i as a traversal list.
func (m Message) Path(i int) ([]int, error) {
	if i >= len(m.Args) {
		return nil, fmt.Errorf("%w: %s missing field %d", ErrMalformed, m.Verb, i)
	}
	path, err := keyspace.ParsePath(m.Args[i])
	if err != nil {
		return nil, fmt.Errorf("%w: %s field %d: %v", ErrMalformed, m.Verb, i, err)
	}
	return path, nil
}

// RemoteError is a failure reported by the peer in an error reply.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "peer: " + e.Reason
}

// KeyValue builds one line of a key stream.
func KeyValue(key int, value string) Message {
	return Message{Verb: strconv.Itoa(key), Args: []string{value}}
}

// ParseKeyValue reads one line of a key stream.
func ParseKeyValue(m Message) (int, string, error) {
	if len(m.Args) != 1 {
		return 0, "", fmt.Errorf("%w: key line %q", ErrMalformed, m.String())
	}
	key, err := keyspace.ParseID(m.Verb)
	if err != nil {
		return 0, "", fmt.Errorf("%w: key line %q: %v", ErrMalformed, m.String(), err)
	}
	if !pkg.ValidValue(m.Args[0]) {
		return 0, "", fmt.Errorf("%w: key line %q: %v", ErrMalformed, m.String(), pkg.ErrInvalidValue)
	}
	return key, m.Args[0], nil
}

// IDReply is the bare identifier answer to getID.
func IDReply(id int) Message {
	return Message{Verb: strconv.Itoa(id)}
}

// ParseIDReply reads the answer to getID.
func ParseIDReply(m Message) (int, error) {
	if err := m.Err(); err != nil {
		return 0, err
	}
	if len(m.Args) != 0 {
		return 0, fmt.Errorf("%w: getID reply %q", ErrMalformed, m.String())
	}
	id, err := keyspace.ParseID(m.Verb)
	if err != nil {
		return 0, fmt.Errorf("%w: getID reply %q: %v", ErrMalformed, m.String(), err)
	}
	return id, nil
}
