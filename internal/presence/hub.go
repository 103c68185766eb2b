// Package presence tracks which users are online and relays ephemeral
// signals (typing, cursor position, active-user roster). Nothing here is
// persisted; delivery is best-effort.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"

	"inkwell/api/internal/store"
)

// Event is the envelope handed to connection handles. The transport layer
// decides how to put it on the wire.
type Event struct {
	Type     string
	NoteID   string
	UserID   string
	Username string
	Name     string
	Position json.RawMessage
	Users    []string
	Payload  any
}

const (
	EventActiveUsers    = "activeUsersRoster"
	EventTyping         = "typing"
	EventStopTyping     = "stopTyping"
	EventCursorPosition = "cursorPosition"
)

// Handle is one online user's connection.
type Handle interface {
	Deliver(event Event)
}

// UserLookup resolves display metadata for cursor broadcasts.
type UserLookup interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

// RoomDirectory reports which users currently have a session attached to a
// note's room. Implemented by the collaboration session manager.
type RoomDirectory interface {
	RoomUserIDs(noteID string) []string
}

// Hub is the process-wide presence registry. It is constructed explicitly and
// injected into the components that need it; there are no package globals.
type Hub struct {
	users UserLookup

	mu     sync.RWMutex
	online map[string]Handle
	rooms  RoomDirectory
}

func NewHub(users UserLookup) *Hub {
	return &Hub{
		users:  users,
		online: make(map[string]Handle),
	}
}

// BindRooms attaches the room directory after construction; the session
// manager and the hub reference each other, so one side binds late.
func (h *Hub) BindRooms(rooms RoomDirectory) {
	h.mu.Lock()
	h.rooms = rooms
	h.mu.Unlock()
}

// Login registers a user's connection and re-broadcasts the roster. If the
// user already has a connection, the newest one wins.
func (h *Hub) Login(userID string, handle Handle) {
	h.mu.Lock()
	h.online[userID] = handle
	h.mu.Unlock()
	h.broadcastRoster()
}

// Logout removes the mapping only if handle still owns it, so a stale
// disconnect cannot evict a newer login.
func (h *Hub) Logout(userID string, handle Handle) {
	h.mu.Lock()
	current, ok := h.online[userID]
	if ok && current == handle {
		delete(h.online, userID)
	}
	h.mu.Unlock()
	if ok && current == handle {
		h.broadcastRoster()
	}
}

// Lookup returns the connection handle for an online user.
func (h *Hub) Lookup(userID string) (Handle, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handle, ok := h.online[userID]
	return handle, ok
}

// Roster returns the sorted list of online user ids.
func (h *Hub) Roster() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]string, 0, len(h.online))
	for userID := range h.online {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (h *Hub) broadcastRoster() {
	users := h.Roster()
	event := Event{Type: EventActiveUsers, Users: users}

	h.mu.RLock()
	handles := make([]Handle, 0, len(h.online))
	for _, handle := range h.online {
		handles = append(handles, handle)
	}
	h.mu.RUnlock()

	for _, handle := range handles {
		handle.Deliver(event)
	}
}

// RelayTyping broadcasts a typing signal to the other users in the note's room.
func (h *Hub) RelayTyping(userID, noteID string) {
	h.relayToRoom(userID, noteID, Event{Type: EventTyping, NoteID: noteID, UserID: userID})
}

func (h *Hub) RelayStopTyping(userID, noteID string) {
	h.relayToRoom(userID, noteID, Event{Type: EventStopTyping, NoteID: noteID, UserID: userID})
}

// RelayCursor resolves the user's display metadata and broadcasts the cursor
// position to the rest of the room. Lookup failures are swallowed: a cursor
// without a name is better than a blocked relay.
func (h *Hub) RelayCursor(ctx context.Context, userID, noteID string, position json.RawMessage) {
	event := Event{Type: EventCursorPosition, NoteID: noteID, UserID: userID, Position: position}
	if h.users != nil {
		if user, err := h.users.GetUserByID(ctx, userID); err == nil {
			event.Username = user.Username
			event.Name = user.Name
		} else {
			log.Printf("presence: cursor metadata lookup for %s failed: %v", userID, err)
		}
	}
	h.relayToRoom(userID, noteID, event)
}

func (h *Hub) relayToRoom(senderID, noteID string, event Event) {
	h.mu.RLock()
	rooms := h.rooms
	h.mu.RUnlock()
	if rooms == nil {
		return
	}

	for _, userID := range rooms.RoomUserIDs(noteID) {
		if userID == senderID {
			continue
		}
		if handle, ok := h.Lookup(userID); ok {
			handle.Deliver(event)
		}
	}
}

// Shutdown drops all presence state.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.online = make(map[string]Handle)
	h.mu.Unlock()
}
