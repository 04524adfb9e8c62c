package node

import "errors"

var (
	// ErrNotActive is returned when an operation needs an ACTIVE node
	ErrNotActive = errors.New("node is not active")

	// ErrNotRoot is returned for operations only the root may issue
	ErrNotRoot = errors.New("operation is only available on the root node")

	// ErrRootOnly is returned when the root is asked to join or leave
	ErrRootOnly = errors.New("the root node cannot join or leave the ring")

	// ErrMembershipBusy is returned when a join split or departure is already running
	ErrMembershipBusy = errors.New("membership change already in progress")

	// ErrJoinRefused is returned when the ring rejects a join request
	ErrJoinRefused = errors.New("join refused")

	// ErrJoinTimeout is returned when no acceptance arrives in time
	ErrJoinTimeout = errors.New("timed out waiting to be placed on the ring")

	// ErrRequestTimeout is returned when a routed result does not come back in time
	ErrRequestTimeout = errors.New("timed out waiting for routed result")

	// ErrShutdown is returned once the node has been shut down
	ErrShutdown = errors.New("node is shut down")
)
