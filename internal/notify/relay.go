// Package notify pushes domain events to specific online users. Delivery is
// at-most-once: offline users are skipped silently, nothing is queued or
// retried.
package notify

import (
	"inkwell/api/internal/presence"
)

const (
	EventDocumentUpdated         = "documentUpdated"
	EventDocumentDeleted         = "documentDeleted"
	EventCollaboratorAdded       = "collaboratorAdded"
	EventCollaboratorRemoved     = "collaboratorRemoved"
	EventCollaboratorRoleUpdated = "collaboratorRoleUpdated"
)

type Relay struct {
	hub *presence.Hub
}

func NewRelay(hub *presence.Hub) *Relay {
	return &Relay{hub: hub}
}

// Notify delivers eventType with payload to each online user in userIDs.
func (r *Relay) Notify(userIDs []string, eventType string, payload any) {
	for _, userID := range userIDs {
		handle, ok := r.hub.Lookup(userID)
		if !ok {
			continue
		}
		handle.Deliver(presence.Event{Type: eventType, Payload: payload})
	}
}
