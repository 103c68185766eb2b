package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"inkwell/api/internal/store"
)

type fakeSnapshots struct {
	mu        sync.Mutex
	snapshots map[string]store.Snapshot
	saves     int
	failSaves int
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{snapshots: map[string]store.Snapshot{
		"n_1": {Title: "meeting notes", Content: json.RawMessage(`{"body":"hello"}`)},
	}}
}

func (f *fakeSnapshots) LoadSnapshot(_ context.Context, noteID string) (store.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot, ok := f.snapshots[noteID]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	return snapshot, nil
}

func (f *fakeSnapshots) SaveSnapshot(_ context.Context, noteID string, snapshot store.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("storage unavailable")
	}
	f.snapshots[noteID] = snapshot
	f.saves++
	return nil
}

func (f *fakeSnapshots) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

type fakeSink struct {
	mu       sync.Mutex
	messages []Message
}

func (f *fakeSink) Send(msg Message) {
	f.mu.Lock()
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
}

func (f *fakeSink) byType(msgType string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.messages {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func testManager(snapshots SnapshotStore, debounce time.Duration) *Manager {
	return NewManager(snapshots, ManagerConfig{
		Debounce:     debounce,
		MaxWait:      10 * debounce,
		FlushRetries: 1,
	})
}

func writeGrant(userID string) Grant {
	return Grant{UserID: userID, NoteID: "n_1", Permission: PermissionWrite}
}

func TestJoinReturnsSeededState(t *testing.T) {
	m := testManager(newFakeSnapshots(), time.Minute)
	defer m.Shutdown(context.Background())

	session, state, err := m.Join(context.Background(), writeGrant("u_1"), &fakeSink{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if session.state != StateActive {
		t.Fatalf("state = %v", session.state)
	}
	r, err := newReplica(store.Snapshot{State: state})
	if err != nil {
		t.Fatalf("load returned state: %v", err)
	}
	if content := contentOf(t, r); content["body"] != "hello" {
		t.Fatalf("content = %v", content)
	}
}

func TestJoinUnknownNote(t *testing.T) {
	m := testManager(newFakeSnapshots(), time.Minute)
	defer m.Shutdown(context.Background())

	grant := Grant{UserID: "u_1", NoteID: "n_missing", Permission: PermissionWrite}
	if _, _, err := m.Join(context.Background(), grant, &fakeSink{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if users := m.RoomUserIDs("n_missing"); users != nil {
		t.Fatalf("failed room left behind: %v", users)
	}
}

func TestSubmitRejectsReadOnly(t *testing.T) {
	m := testManager(newFakeSnapshots(), time.Minute)
	defer m.Shutdown(context.Background())

	grant := Grant{UserID: "u_viewer", NoteID: "n_1", Permission: PermissionRead}
	session, state, err := m.Join(context.Background(), grant, &fakeSink{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.Submit(session, deltaFor(t, state, "body", "sneaky edit")); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestSubmitBroadcastsToOthersOnly(t *testing.T) {
	m := testManager(newFakeSnapshots(), time.Minute)
	defer m.Shutdown(context.Background())

	origin, other := &fakeSink{}, &fakeSink{}
	s1, state, err := m.Join(context.Background(), writeGrant("u_1"), origin)
	if err != nil {
		t.Fatalf("join u_1: %v", err)
	}
	if _, _, err := m.Join(context.Background(), writeGrant("u_2"), other); err != nil {
		t.Fatalf("join u_2: %v", err)
	}

	delta := deltaFor(t, state, "alpha", "shared edit")
	if err := m.Submit(s1, delta); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if got := other.byType(TypeEditDelta); len(got) != 1 || got[0].UserID != "u_1" {
		t.Fatalf("other sink: %+v", got)
	}
	if got := origin.byType(TypeEditDelta); len(got) != 0 {
		t.Fatalf("delta echoed to origin: %+v", got)
	}
}

func TestRoomUserIDs(t *testing.T) {
	m := testManager(newFakeSnapshots(), time.Minute)
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	s1, _, _ := m.Join(ctx, writeGrant("u_b"), &fakeSink{})
	m.Join(ctx, writeGrant("u_a"), &fakeSink{})
	m.Join(ctx, writeGrant("u_a"), &fakeSink{}) // second session, same user

	users := m.RoomUserIDs("n_1")
	if len(users) != 2 || users[0] != "u_a" || users[1] != "u_b" {
		t.Fatalf("users = %v", users)
	}

	m.Leave(ctx, s1)
	users = m.RoomUserIDs("n_1")
	if len(users) != 1 || users[0] != "u_a" {
		t.Fatalf("users after leave = %v", users)
	}
}

func TestDebounceCoalescesWrites(t *testing.T) {
	snapshots := newFakeSnapshots()
	m := testManager(snapshots, 50*time.Millisecond)
	defer m.Shutdown(context.Background())

	session, state, err := m.Join(context.Background(), writeGrant("u_1"), &fakeSink{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	// a burst of edits inside one debounce window
	for i, key := range []string{"one", "two", "three", "four", "five"} {
		if err := m.Submit(session, deltaFor(t, state, key, i)); err != nil {
			t.Fatalf("submit %s: %v", key, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for snapshots.saveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	if got := snapshots.saveCount(); got != 1 {
		t.Fatalf("saves = %d, want 1", got)
	}
	saved := snapshots.snapshots["n_1"]
	var content map[string]any
	if err := json.Unmarshal(saved.Content, &content); err != nil {
		t.Fatalf("decode saved content: %v", err)
	}
	for _, key := range []string{"one", "two", "three", "four", "five"} {
		if _, ok := content[key]; !ok {
			t.Fatalf("saved content missing %q: %v", key, content)
		}
	}
}

func TestLastLeaveForcesFlushAndEvicts(t *testing.T) {
	snapshots := newFakeSnapshots()
	m := testManager(snapshots, time.Minute)
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	session, state, err := m.Join(ctx, writeGrant("u_1"), &fakeSink{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.Submit(session, deltaFor(t, state, "parting", "thought")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	m.Leave(ctx, session)

	if got := snapshots.saveCount(); got != 1 {
		t.Fatalf("saves = %d, want 1 (flush on last disconnect)", got)
	}
	if users := m.RoomUserIDs("n_1"); users != nil {
		t.Fatalf("room not evicted: %v", users)
	}
}

func TestJoinRestoresStateFromArchive(t *testing.T) {
	// Build archived state containing an edit, then wipe the primary
	// snapshot down to an empty row.
	seeded, err := newReplica(store.Snapshot{Content: json.RawMessage(`{"body":"hello"}`)})
	if err != nil {
		t.Fatalf("seed replica: %v", err)
	}
	archived := seeded.State()

	snapshots := newFakeSnapshots()
	snapshots.snapshots["n_1"] = store.Snapshot{}
	m := testManager(snapshots, time.Minute)
	defer m.Shutdown(context.Background())
	m.OnRestore(func(_ context.Context, noteID string) ([]byte, error) {
		if noteID != "n_1" {
			t.Fatalf("restore asked for %s", noteID)
		}
		return archived, nil
	})

	_, state, err := m.Join(context.Background(), writeGrant("u_1"), &fakeSink{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	joined, err := newReplica(store.Snapshot{State: state})
	if err != nil {
		t.Fatalf("reload joined state: %v", err)
	}
	if got := contentOf(t, joined); got["body"] != "hello" {
		t.Fatalf("restored content = %v, want archived body", got)
	}
}

func TestJoinDoesNotRestoreOverDirectEdits(t *testing.T) {
	seeded, err := newReplica(store.Snapshot{Content: json.RawMessage(`{"body":"stale"}`)})
	if err != nil {
		t.Fatalf("seed replica: %v", err)
	}
	archived := seeded.State()

	// A direct edit clears stored state but leaves fresh JSON content; the
	// room must seed from that JSON, not the archive.
	snapshots := newFakeSnapshots()
	snapshots.snapshots["n_1"] = store.Snapshot{Content: json.RawMessage(`{"body":"rewritten"}`)}
	m := testManager(snapshots, time.Minute)
	defer m.Shutdown(context.Background())
	m.OnRestore(func(context.Context, string) ([]byte, error) {
		return archived, nil
	})

	_, state, err := m.Join(context.Background(), writeGrant("u_1"), &fakeSink{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	joined, err := newReplica(store.Snapshot{State: state})
	if err != nil {
		t.Fatalf("reload joined state: %v", err)
	}
	if got := contentOf(t, joined); got["body"] != "rewritten" {
		t.Fatalf("content = %v, want the direct edit", got)
	}
}

func TestJoinRacingLastLeaveStaysActive(t *testing.T) {
	snapshots := newFakeSnapshots()
	m := testManager(snapshots, time.Millisecond)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		// Reset the persisted snapshot so the document's history does not
		// accumulate across iterations; otherwise load/save cost and
		// cgo-side memory grow superlinearly and the test binary OOMs.
		snapshots.mu.Lock()
		snapshots.snapshots["n_1"] = store.Snapshot{Title: "meeting notes", Content: json.RawMessage(`{"body":"hello"}`)}
		snapshots.mu.Unlock()

		first, _, err := m.Join(ctx, writeGrant("u_1"), &fakeSink{})
		if err != nil {
			t.Fatalf("iteration %d: first join: %v", i, err)
		}

		var (
			wg      sync.WaitGroup
			second  *Session
			state   []byte
			joinErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Leave(ctx, first)
		}()
		go func() {
			defer wg.Done()
			second, state, joinErr = m.Join(ctx, writeGrant("u_2"), &fakeSink{})
		}()
		wg.Wait()

		if joinErr != nil {
			t.Fatalf("iteration %d: racing join: %v", i, joinErr)
		}
		// The joined session must be attached to a live room.
		if err := m.Submit(second, deltaFor(t, state, "k", i)); err != nil {
			t.Fatalf("iteration %d: submit after racing join: %v", i, err)
		}
		m.Leave(ctx, second)
	}
}

func TestFlushFailureRetainsChanges(t *testing.T) {
	snapshots := newFakeSnapshots()
	snapshots.failSaves = 1
	m := testManager(snapshots, time.Minute)
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	session, state, err := m.Join(ctx, writeGrant("u_1"), &fakeSink{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.Submit(session, deltaFor(t, state, "fragile", "edit")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	m.Leave(ctx, session) // flush fails, room retained

	// a later join sees the in-memory replica with the unpersisted edit
	_, rejoined, err := m.Join(ctx, writeGrant("u_2"), &fakeSink{})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	r, err := newReplica(store.Snapshot{State: rejoined})
	if err != nil {
		t.Fatalf("load rejoined state: %v", err)
	}
	if content := contentOf(t, r); content["fragile"] != "edit" {
		t.Fatalf("retained edit lost: %v", content)
	}
}

func TestFlushHooksRunAfterSave(t *testing.T) {
	snapshots := newFakeSnapshots()
	m := testManager(snapshots, time.Minute)
	defer m.Shutdown(context.Background())

	var mu sync.Mutex
	var hookNotes []string
	m.OnFlush(func(_ context.Context, noteID string, _ store.Snapshot) {
		mu.Lock()
		hookNotes = append(hookNotes, noteID)
		mu.Unlock()
	})

	ctx := context.Background()
	session, state, err := m.Join(ctx, writeGrant("u_1"), &fakeSink{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.Submit(session, deltaFor(t, state, "hooked", true)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	m.Leave(ctx, session)

	mu.Lock()
	defer mu.Unlock()
	if len(hookNotes) != 1 || hookNotes[0] != "n_1" {
		t.Fatalf("hooks = %v", hookNotes)
	}
}

func TestCloseNoteDisconnectsSessions(t *testing.T) {
	m := testManager(newFakeSnapshots(), time.Minute)
	defer m.Shutdown(context.Background())

	sink := &fakeSink{}
	session, state, err := m.Join(context.Background(), writeGrant("u_1"), sink)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	m.CloseNote("n_1", Message{Type: TypeDocumentDeleted, NoteID: "n_1"})

	if got := sink.byType(TypeDocumentDeleted); len(got) != 1 {
		t.Fatalf("expected deletion notice, got %+v", sink.messages)
	}
	if err := m.Submit(session, deltaFor(t, state, "late", "edit")); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after close, got %v", err)
	}
}
