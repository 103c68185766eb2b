package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	Username     string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

// Collaborator grants a user access to someone else's note. Roles map onto
// collaboration permissions: editor connections may write, viewer connections
// may only observe.
type Collaborator struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type Note struct {
	ID            string
	Title         string
	Content       json.RawMessage
	CreatorID     string
	Collaborators []Collaborator
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Snapshot is the durable, flattened form of a note's collaborative state.
// State carries the CRDT document bytes used to seed the next replica; Title
// and Content are the human-readable projection of the same state.
type Snapshot struct {
	Title         string          `json:"title"`
	Content       json.RawMessage `json:"content"`
	State         []byte          `json:"-"`
	Collaborators []Collaborator  `json:"collaborators"`
}
