package ring

import (
	"fmt"
	"strings"

	"github.com/zde37/ringkv/pkg/keyspace"
)

// Op is a routed key operation.
type Op string

const (
	OpLookup Op = "lookup"
	OpInsert Op = "insert"
	OpDelete Op = "delete"
)

// Valid reports whether o names a known operation.
func (o Op) Valid() bool {
	switch o {
	case OpLookup, OpInsert, OpDelete:
		return true
	}
	return false
}

// Outcome is the terminal result of a routed operation.
type Outcome string

const (
	OutcomeFound    Outcome = "found"
	OutcomeNotFound Outcome = "notfound"
	OutcomeInserted Outcome = "inserted"
	OutcomeDeleted  Outcome = "deleted"
	// OutcomeUnowned ends a request that went around the ring without reaching an owner.
	OutcomeUnowned Outcome = "unowned"
)

// Valid reports whether o names a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeFound, OutcomeNotFound, OutcomeInserted, OutcomeDeleted, OutcomeUnowned:
		return true
	}
	return false
}

// HasValue reports whether results with this outcome carry the key's value.
func (o Outcome) HasValue() bool {
	switch o {
	case OutcomeFound, OutcomeInserted, OutcomeDeleted:
		return true
	}
	return false
}

// Request is a key operation travelling around the ring.
type Request struct {
	ID    uint64 `json:"id"`
	Op    Op     `json:"op"`
	Key   int    `json:"key"`
	Value string `json:"value,omitempty"`
	Path  []int  `json:"path"`
}

// Result is what the completing node reports back to the root.
// Path holds the nodes that forwarded the request; Node is where it completed.
type Result struct {
	ID      uint64  `json:"id"`
	Op      Op      `json:"op"`
	Outcome Outcome `json:"outcome"`
	Key     int     `json:"key"`
	Value   string  `json:"value,omitempty"`
	Path    []int   `json:"path"`
	Node    int     `json:"node"`
}

// Hops returns how many forwards the request took.
func (r Result) Hops() int {
	return len(r.Path)
}

// Route renders the traversal including the completing node.
func (r Result) Route() string {
	return keyspace.FormatPath(append(append([]int{}, r.Path...), r.Node))
}

// Render formats the result the way the operator console prints it.
func (r Result) Render() string {
	var b strings.Builder
	switch r.Outcome {
	case OutcomeFound:
		fmt.Fprintf(&b, "Key: %d Value: %s\n", r.Key, r.Value)
	case OutcomeInserted:
		fmt.Fprintf(&b, "Key: %d Value: %s Insert\n", r.Key, r.Value)
	case OutcomeDeleted:
		fmt.Fprintf(&b, "Key: %d Value: %s Successful Deletion\n", r.Key, r.Value)
	default:
		b.WriteString("Key not found\n")
	}
	fmt.Fprintf(&b, "Traversed: %s\n", r.Route())

	switch {
	case r.Outcome == OutcomeInserted:
		fmt.Fprintf(&b, "Inserted at: %d", r.Node)
	case r.Outcome == OutcomeDeleted:
		fmt.Fprintf(&b, "Deleted at: %d", r.Node)
	case r.Outcome == OutcomeUnowned:
		fmt.Fprintf(&b, "Final response obtained: %d", r.Node)
	case r.Op == OpDelete || r.Op == OpInsert:
		fmt.Fprintf(&b, "Failed at: %d", r.Node)
	default:
		fmt.Fprintf(&b, "Final response obtained: %d", r.Node)
	}
	return b.String()
}

// Acceptance is the content of an entered message.
type Acceptance struct {
	Predecessor Peer  `json:"predecessor"`
	Successor   Peer  `json:"successor"`
	Start       int   `json:"start"`
	Path        []int `json:"path"`
}
