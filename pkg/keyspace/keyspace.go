package keyspace

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Size is the number of identifiers on the ring (0..Size-1).
	Size = 1024

	// Root is the identifier reserved for the bootstrap node.
	Root = 0

	// MaxID is the largest valid identifier.
	MaxID = Size - 1
)

// Valid reports whether id lies in the identifier space.
func Valid(id int) bool {
	return id >= 0 && id < Size
}

// Next returns the identifier following id, wrapping after MaxID.
func Next(id int) int {
	return mod(id + 1)
}

// Prev returns the identifier preceding id, wrapping before 0.
func Prev(id int) int {
	return mod(id - 1)
}

// InRange checks if id is in the range [start, end] on the ring.
// Both ends are inclusive. The range wraps around if start > end.
//
// Examples:
//   - InRange(5, 1, 10) = true
//   - InRange(1, 1, 10) = true
//   - InRange(0, 4, 0) = true     // wraps past MaxID
//   - InRange(700, 4, 0) = true
//   - InRange(3, 4, 0) = false
//   - InRange(0, 1, 0) = true     // [1, 0] is the whole ring
func InRange(id, start, end int) bool {
	if !Valid(id) || !Valid(start) || !Valid(end) {
		return false
	}

	if start <= end {
		return id >= start && id <= end
	}
	return id >= start || id <= end
}

// Span returns how many identifiers the inclusive range [start, end] covers.
func Span(start, end int) int {
	return Distance(start, end) + 1
}

// Walk calls fn for each identifier of [start, end] in ring order until fn
// returns false.
func Walk(start, end int, fn func(id int) bool) {
	n := Span(start, end)
	for i := 0; i < n; i++ {
		if !fn(mod(start + i)) {
			return
		}
	}
}

// Distance computes the clockwise distance from start to end.
func Distance(start, end int) int {
	return mod(end - start)
}

// FormatPath renders a traversal list as comma separated identifiers.
// An empty list renders as "-" so it stays a single token on the wire.
func FormatPath(path []int) string {
	if len(path) == 0 {
		return "-"
	}

	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// ParsePath is the inverse of FormatPath.
func ParsePath(s string) ([]int, error) {
	if s == "" || s == "-" {
		return []int{}, nil
	}

	parts := strings.Split(s, ",")
	path := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := ParseID(p)
		if err != nil {
			return nil, fmt.Errorf("invalid traversal entry %q: %w", p, err)
		}
		path = append(path, id)
	}
	return path, nil
}

// ParseID parses a decimal identifier and checks that it is on the ring.
func ParseID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if !Valid(id) {
		return 0, fmt.Errorf("identifier %d outside [0, %d]", id, MaxID)
	}
	return id, nil
}

// Contains reports whether path already holds id.
func Contains(path []int, id int) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

// mod returns x mod Size, always non-negative.
func mod(x int) int {
	r := x % Size
	if r < 0 {
		r += Size
	}
	return r
}
