package collab

import "encoding/json"

// Wire message types. Client to server: join, editDelta, typing, stopTyping,
// cursorPosition. Server to client: the rest.
const (
	TypeJoin           = "join"
	TypeEditDelta      = "editDelta"
	TypeTyping         = "typing"
	TypeStopTyping     = "stopTyping"
	TypeCursorPosition = "cursorPosition"

	TypeJoined                  = "joined"
	TypeActiveUsers             = "activeUsersRoster"
	TypeDocumentUpdated         = "documentUpdated"
	TypeDocumentDeleted         = "documentDeleted"
	TypeCollaboratorAdded       = "collaboratorAdded"
	TypeCollaboratorRemoved     = "collaboratorRemoved"
	TypeCollaboratorRoleUpdated = "collaboratorRoleUpdated"
	TypeError                   = "error"
)

// Message is the JSON envelope exchanged over a collaboration connection.
// Unused fields are omitted on the wire.
type Message struct {
	Type     string          `json:"type"`
	Token    string          `json:"token,omitempty"`
	NoteID   string          `json:"noteId,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Username string          `json:"username,omitempty"`
	Name     string          `json:"name,omitempty"`
	Delta    []byte          `json:"delta,omitempty"`
	State    []byte          `json:"state,omitempty"`
	Position json.RawMessage `json:"position,omitempty"`
	Users    []string        `json:"users,omitempty"`
	Payload  any             `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
	Code     string          `json:"code,omitempty"`
}

func errorMessage(code, msg string) Message {
	return Message{Type: TypeError, Code: code, Error: msg}
}
