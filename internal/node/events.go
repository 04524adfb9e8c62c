package node

// Ring update event types
const (
	EventNodeJoin    = "node_join"
	EventNodeLeave   = "node_leave"
	EventRangeChange = "range_change"
	EventOperation   = "operation"
)

// Broadcaster receives ring updates from a node.
// This allows the node to notify external systems (like WebSocket clients)
// without creating circular dependencies.
type Broadcaster interface {
	// BroadcastRingUpdate sends a ring update notification.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology or data change.
type RingUpdateEvent struct {
	Type      string `json:"type"`      // "node_join", "node_leave", "range_change", "operation"
	NodeID    int    `json:"node_id"`   // ID of the node that reported the event
	Timestamp int64  `json:"timestamp"` // Unix timestamp
	Message   string `json:"message"`   // Human-readable message
}
