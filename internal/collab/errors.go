package collab

import "errors"

var (
	// ErrUnauthorized covers missing, invalid, and expired collaboration
	// credentials. The connection is rejected before any room attachment.
	ErrUnauthorized = errors.New("collab: unauthorized")

	// ErrReadOnly is returned when a read-permission session submits a delta.
	// The delta is dropped before the merge step; the session stays connected.
	ErrReadOnly = errors.New("collab: session is read-only")

	// ErrMalformedDelta marks a delta that could not be decoded. It is logged
	// and dropped without affecting the room.
	ErrMalformedDelta = errors.New("collab: malformed delta")

	// ErrNotActive is returned when a session outside the Active state
	// submits a delta.
	ErrNotActive = errors.New("collab: session not active")
)
