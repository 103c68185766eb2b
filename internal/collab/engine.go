package collab

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"

	"inkwell/api/internal/store"
)

// replica is the server-side copy of one note's document. Deltas are raw
// automerge change bytes; applying the same set in any order, or applying a
// delta twice, yields the same document. Concurrent edits to the same
// position are ordered by actor id, so every replica resolves them the same
// way.
type replica struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

// newReplica builds a replica from a persisted snapshot. Saved CRDT state
// takes priority; when a note predates collaborative editing and has only
// JSON content, the replica is seeded from that.
func newReplica(snapshot store.Snapshot) (*replica, error) {
	if len(snapshot.State) > 0 {
		doc, err := automerge.Load(snapshot.State)
		if err != nil {
			return nil, fmt.Errorf("load document state: %w", err)
		}
		return &replica{doc: doc}, nil
	}

	doc := automerge.New()
	if err := doc.Path("title").Set(snapshot.Title); err != nil {
		return nil, fmt.Errorf("seed title: %w", err)
	}
	var content any
	if len(snapshot.Content) > 0 {
		if err := json.Unmarshal(snapshot.Content, &content); err != nil {
			return nil, fmt.Errorf("seed content: %w", err)
		}
	}
	if content == nil {
		content = map[string]any{}
	}
	if err := doc.Path("content").Set(content); err != nil {
		return nil, fmt.Errorf("seed content: %w", err)
	}
	if _, err := doc.Commit("seed", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("seed commit: %w", err)
	}
	return &replica{doc: doc}, nil
}

// ApplyDelta validates and merges a delta into the replica. Malformed bytes
// are rejected without touching the document.
func (r *replica) ApplyDelta(delta []byte) error {
	changes, err := automerge.LoadChanges(delta)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	if len(changes) == 0 {
		return ErrMalformedDelta
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.Apply(changes...); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	return nil
}

// State serializes the full document, suitable for seeding a newly joined
// client's replica.
func (r *replica) State() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save()
}

// Snapshot flattens the document into its persisted form.
func (r *replica) Snapshot() (store.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	title, err := automerge.As[string](r.doc.Path("title").Get())
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("read title: %w", err)
	}
	content, err := automerge.As[map[string]any](r.doc.Path("content").Get())
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("read content: %w", err)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("encode content: %w", err)
	}
	return store.Snapshot{
		Title:   title,
		Content: raw,
		State:   r.doc.Save(),
	}, nil
}
