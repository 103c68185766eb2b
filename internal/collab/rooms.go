package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"inkwell/api/internal/store"
)

// SnapshotStore persists note snapshots.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, noteID string) (store.Snapshot, error)
	SaveSnapshot(ctx context.Context, noteID string, snapshot store.Snapshot) error
}

// FlushHook runs after a snapshot is persisted. Hooks are best-effort:
// failures are logged and never fail the flush.
type FlushHook func(ctx context.Context, noteID string, snapshot store.Snapshot)

// RestoreFunc fetches archived replica state for a note whose primary
// snapshot carries neither state nor content.
type RestoreFunc func(ctx context.Context, noteID string) ([]byte, error)

// ManagerConfig tunes the persistence scheduler shared by all rooms.
type ManagerConfig struct {
	Debounce     time.Duration
	MaxWait      time.Duration
	FlushRetries int
}

// Manager owns the in-memory rooms, one per note with active sessions. The
// first session to join a note loads its snapshot and builds the replica;
// concurrent joiners for the same note wait for that load rather than racing
// it. When the last session leaves, the room is flushed and evicted.
type Manager struct {
	snapshots SnapshotStore
	cfg       ManagerConfig

	mu      sync.Mutex
	rooms   map[string]*room
	hooks   []FlushHook
	restore RestoreFunc
}

type room struct {
	noteID string

	once    sync.Once
	initErr error
	replica *replica
	sched   *scheduler

	mu       sync.Mutex
	sessions map[string]*Session
	evicted  bool
}

func NewManager(snapshots SnapshotStore, cfg ManagerConfig) *Manager {
	return &Manager{
		snapshots: snapshots,
		cfg:       cfg,
		rooms:     make(map[string]*room),
	}
}

// OnFlush registers a hook to run after every successful snapshot write.
// Call before the manager starts accepting joins.
func (m *Manager) OnFlush(hook FlushHook) {
	m.hooks = append(m.hooks, hook)
}

// OnRestore registers a disaster-recovery source for replica state, tried
// only when the primary snapshot is completely empty. Call before the
// manager starts accepting joins.
func (m *Manager) OnRestore(fn RestoreFunc) {
	m.restore = fn
}

// Join attaches an authenticated grant to the note's room and returns the
// session together with the full document state for seeding the client.
func (m *Manager) Join(ctx context.Context, grant Grant, sink Sink) (*Session, []byte, error) {
	for {
		rm := m.getOrCreateRoom(grant.NoteID)

		rm.once.Do(func() {
			snapshot, err := m.snapshots.LoadSnapshot(ctx, grant.NoteID)
			if err != nil {
				rm.initErr = fmt.Errorf("load snapshot: %w", err)
				return
			}
			// An empty State with non-empty Content means the note was
			// edited outside a session and must reseed from that JSON, so
			// the archive is consulted only when both are missing.
			if len(snapshot.State) == 0 && emptyContent(snapshot.Content) && m.restore != nil {
				if state, err := m.restore(ctx, grant.NoteID); err == nil && len(state) > 0 {
					snapshot.State = state
				} else if err != nil {
					log.Printf("collab: note %s: archive restore failed: %v", grant.NoteID, err)
				}
			}
			rm.replica, rm.initErr = newReplica(snapshot)
			if rm.initErr == nil {
				rm.sched = newScheduler(grant.NoteID, m.cfg.Debounce, m.cfg.MaxWait, m.cfg.FlushRetries, m.flushFunc(rm))
			}
		})
		if rm.initErr != nil {
			m.evictIfEmpty(rm)
			return nil, nil, rm.initErr
		}

		session := newSession(grant, sink)
		session.state = StateActive

		rm.mu.Lock()
		if rm.evicted {
			// A concurrent last Leave tore the room down between our map
			// lookup and here. Start over with a fresh room.
			rm.mu.Unlock()
			continue
		}
		rm.sessions[session.ID] = session
		rm.mu.Unlock()

		return session, rm.replica.State(), nil
	}
}

// Leave detaches a session. When it was the room's last, pending changes are
// flushed and the room is evicted; if that flush fails, the room stays
// resident so the changes survive until a retry or the next join.
func (m *Manager) Leave(ctx context.Context, session *Session) {
	if session == nil || session.state == StateDisconnected {
		return
	}
	session.state = StateDisconnected

	m.mu.Lock()
	rm, ok := m.rooms[session.NoteID]
	m.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	delete(rm.sessions, session.ID)
	empty := len(rm.sessions) == 0
	rm.mu.Unlock()
	if !empty {
		return
	}

	if err := rm.sched.Force(ctx); err != nil {
		log.Printf("collab: note %s: final flush failed, room retained: %v", session.NoteID, err)
		return
	}
	m.evictIfEmpty(rm)
}

// Submit applies a delta from a session, schedules persistence, and relays
// the delta to the other sessions in the room.
func (m *Manager) Submit(session *Session, delta []byte) error {
	if session == nil || session.state != StateActive {
		return ErrNotActive
	}
	if session.Permission != PermissionWrite {
		return ErrReadOnly
	}

	m.mu.Lock()
	rm, ok := m.rooms[session.NoteID]
	m.mu.Unlock()
	if !ok {
		return ErrNotActive
	}

	if err := rm.replica.ApplyDelta(delta); err != nil {
		return err
	}
	rm.sched.MarkDirty()

	rm.broadcast(session.ID, Message{
		Type:   TypeEditDelta,
		NoteID: session.NoteID,
		UserID: session.UserID,
		Delta:  delta,
	})
	return nil
}

// RoomUserIDs lists the distinct users with a session on the note, sorted.
func (m *Manager) RoomUserIDs(noteID string) []string {
	m.mu.Lock()
	rm, ok := m.rooms[noteID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	seen := make(map[string]struct{}, len(rm.sessions))
	for _, s := range rm.sessions {
		seen[s.UserID] = struct{}{}
	}
	rm.mu.Unlock()

	users := make([]string, 0, len(seen))
	for userID := range seen {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// CloseNote tears the room down without persisting, broadcasting msg to its
// sessions first. Used when the note is deleted out from under the room.
func (m *Manager) CloseNote(noteID string, msg Message) {
	m.mu.Lock()
	rm, ok := m.rooms[noteID]
	if ok {
		delete(m.rooms, noteID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	rm.evicted = true
	sessions := make([]*Session, 0, len(rm.sessions))
	for _, s := range rm.sessions {
		sessions = append(sessions, s)
	}
	rm.sessions = make(map[string]*Session)
	rm.mu.Unlock()

	if rm.sched != nil {
		rm.sched.Close()
	}
	for _, s := range sessions {
		s.state = StateDisconnected
		s.send(msg)
	}
}

// Shutdown force-flushes every dirty room. Rooms that fail to flush keep
// their changes only in memory, so the failures are logged loudly.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, rm := range m.rooms {
		rooms = append(rooms, rm)
	}
	m.rooms = make(map[string]*room)
	m.mu.Unlock()

	for _, rm := range rooms {
		rm.mu.Lock()
		rm.evicted = true
		rm.mu.Unlock()
		if rm.sched == nil {
			continue
		}
		if err := rm.sched.Force(ctx); err != nil {
			log.Printf("collab: note %s: shutdown flush failed, changes lost: %v", rm.noteID, err)
		}
		rm.sched.Close()
	}
}

func (m *Manager) getOrCreateRoom(noteID string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[noteID]
	if !ok {
		rm = &room{
			noteID:   noteID,
			sessions: make(map[string]*Session),
		}
		m.rooms[noteID] = rm
	}
	return rm
}

// evictIfEmpty drops the room when it has no sessions and nothing dirty. The
// emptiness check, the evicted mark, and the map delete happen under both
// locks so a racing Join either registers before the check or observes the
// mark and retries; lock order is always m.mu then rm.mu.
func (m *Manager) evictIfEmpty(rm *room) {
	m.mu.Lock()
	rm.mu.Lock()
	if len(rm.sessions) > 0 || (rm.sched != nil && rm.sched.Dirty()) {
		rm.mu.Unlock()
		m.mu.Unlock()
		return
	}
	rm.evicted = true
	if current, ok := m.rooms[rm.noteID]; ok && current == rm {
		delete(m.rooms, rm.noteID)
	}
	rm.mu.Unlock()
	m.mu.Unlock()

	if rm.sched != nil {
		rm.sched.Close()
	}
}

// flushFunc builds the scheduler's flush callback for a room: flatten the
// replica, persist the snapshot, then run the hooks.
func (m *Manager) flushFunc(rm *room) flushFunc {
	return func(ctx context.Context) error {
		snapshot, err := rm.replica.Snapshot()
		if err != nil {
			return err
		}
		if err := m.snapshots.SaveSnapshot(ctx, rm.noteID, snapshot); err != nil {
			return err
		}
		for _, hook := range m.hooks {
			hook(ctx, rm.noteID, snapshot)
		}
		return nil
	}
}

func emptyContent(content json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(content))
	return trimmed == "" || trimmed == "null"
}

func (rm *room) broadcast(originSessionID string, msg Message) {
	rm.mu.Lock()
	sessions := make([]*Session, 0, len(rm.sessions))
	for _, s := range rm.sessions {
		if s.ID == originSessionID {
			continue
		}
		sessions = append(sessions, s)
	}
	rm.mu.Unlock()

	for _, s := range sessions {
		s.send(msg)
	}
}
