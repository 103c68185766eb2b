package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/collab"
	"inkwell/api/internal/config"
	"inkwell/api/internal/notify"
	"inkwell/api/internal/presence"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

type fakeStore struct {
	createUserFn             func(context.Context, store.User) (store.User, error)
	getUserByIDFn            func(context.Context, string) (store.User, error)
	getUserByUsernameFn      func(context.Context, string) (store.User, error)
	createNoteFn             func(context.Context, store.Note) (store.Note, error)
	getNoteFn                func(context.Context, string) (store.Note, error)
	listNotesByCreatorFn     func(context.Context, string) ([]store.Note, error)
	listSharedNotesFn        func(context.Context, string) ([]store.Note, error)
	updateNoteContentFn      func(context.Context, string, string, json.RawMessage) (store.Note, error)
	deleteNoteFn             func(context.Context, string) error
	addCollaboratorFn        func(context.Context, string, string, string) error
	removeCollaboratorFn     func(context.Context, string, string) error
	updateCollaboratorRoleFn func(context.Context, string, string, string) error
	noteRoleFn               func(context.Context, string, string) (string, error)
	searchNotesFn            func(context.Context, string, string, int) ([]store.Note, error)
	listAllNotesFn           func(context.Context) ([]store.Note, error)
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) (store.User, error) {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	user.ID = "u_new"
	return user, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, Username: "someone", Name: "Someone"}, nil
}

func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if f.getUserByUsernameFn != nil {
		return f.getUserByUsernameFn(ctx, username)
	}
	return store.User{}, store.ErrNotFound
}

func (f *fakeStore) CreateNote(ctx context.Context, note store.Note) (store.Note, error) {
	if f.createNoteFn != nil {
		return f.createNoteFn(ctx, note)
	}
	note.ID = "n_new"
	return note, nil
}

func (f *fakeStore) GetNote(ctx context.Context, noteID string) (store.Note, error) {
	if f.getNoteFn != nil {
		return f.getNoteFn(ctx, noteID)
	}
	return store.Note{}, store.ErrNotFound
}

func (f *fakeStore) ListNotesByCreator(ctx context.Context, userID string) ([]store.Note, error) {
	if f.listNotesByCreatorFn != nil {
		return f.listNotesByCreatorFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) ListSharedNotes(ctx context.Context, userID string) ([]store.Note, error) {
	if f.listSharedNotesFn != nil {
		return f.listSharedNotesFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateNoteContent(ctx context.Context, noteID, title string, content json.RawMessage) (store.Note, error) {
	if f.updateNoteContentFn != nil {
		return f.updateNoteContentFn(ctx, noteID, title, content)
	}
	return store.Note{ID: noteID, Title: title, Content: content}, nil
}

func (f *fakeStore) DeleteNote(ctx context.Context, noteID string) error {
	if f.deleteNoteFn != nil {
		return f.deleteNoteFn(ctx, noteID)
	}
	return nil
}

func (f *fakeStore) AddCollaborator(ctx context.Context, noteID, userID, role string) error {
	if f.addCollaboratorFn != nil {
		return f.addCollaboratorFn(ctx, noteID, userID, role)
	}
	return nil
}

func (f *fakeStore) RemoveCollaborator(ctx context.Context, noteID, userID string) error {
	if f.removeCollaboratorFn != nil {
		return f.removeCollaboratorFn(ctx, noteID, userID)
	}
	return nil
}

func (f *fakeStore) UpdateCollaboratorRole(ctx context.Context, noteID, userID, role string) error {
	if f.updateCollaboratorRoleFn != nil {
		return f.updateCollaboratorRoleFn(ctx, noteID, userID, role)
	}
	return nil
}

func (f *fakeStore) NoteRole(ctx context.Context, noteID, userID string) (string, error) {
	if f.noteRoleFn != nil {
		return f.noteRoleFn(ctx, noteID, userID)
	}
	return "", store.ErrNotFound
}

func (f *fakeStore) SearchNotes(ctx context.Context, userID, query string, limit int) ([]store.Note, error) {
	if f.searchNotesFn != nil {
		return f.searchNotesFn(ctx, userID, query, limit)
	}
	return nil, nil
}

func (f *fakeStore) ListAllNotes(ctx context.Context) ([]store.Note, error) {
	if f.listAllNotesFn != nil {
		return f.listAllNotesFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeRefresh struct {
	sessions map[string]store.User
}

func newFakeRefresh() *fakeRefresh {
	return &fakeRefresh{sessions: make(map[string]store.User)}
}

func (f *fakeRefresh) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.sessions[tokenHash] = user
	return nil
}

func (f *fakeRefresh) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	user, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeRefresh) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.sessions, tokenHash)
	return nil
}

type fakeRooms struct {
	userIDs map[string][]string
	closed  []string
}

func (f *fakeRooms) RoomUserIDs(noteID string) []string { return f.userIDs[noteID] }
func (f *fakeRooms) CloseNote(noteID string, _ collab.Message) {
	f.closed = append(f.closed, noteID)
}

func newTestService(fs *fakeStore) *Service {
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
	hub := presence.NewHub(fs)
	return New(
		cfg,
		fs,
		newFakeRefresh(),
		authpw.NewService(fs),
		collab.NewGateway([]byte("collab-secret"), time.Hour),
		&fakeRooms{userIDs: map[string][]string{}},
		notify.NewRelay(hub),
	)
}

func noteWithRole(t *testing.T, fs *fakeStore, note store.Note, roles map[string]string) {
	t.Helper()
	fs.getNoteFn = func(_ context.Context, noteID string) (store.Note, error) {
		if noteID != note.ID {
			return store.Note{}, store.ErrNotFound
		}
		return note, nil
	}
	fs.noteRoleFn = func(_ context.Context, noteID, userID string) (string, error) {
		if noteID != note.ID {
			return "", store.ErrNotFound
		}
		role, ok := roles[userID]
		if !ok {
			return "", store.ErrNotFound
		}
		return role, nil
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs)

	user := store.User{ID: "u_1", Username: "ada", Name: "Ada"}
	first, err := svc.issueTokens(context.Background(), user)
	if err != nil {
		t.Fatalf("issue tokens: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected a rotated refresh token")
	}

	// The old token is dead after rotation.
	if _, err := svc.Refresh(context.Background(), first.RefreshToken); err == nil {
		t.Fatalf("expected reused refresh token to be rejected")
	}
	var domainErr *DomainError
	_, err = svc.Refresh(context.Background(), first.RefreshToken)
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestSessionFromTokenRejectsDeletedUser(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(context.Context, string) (store.User, error) {
			return store.User{}, store.ErrNotFound
		},
	}
	svc := newTestService(fs)

	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:      "u_gone",
		Username: "gone",
		JTI:      "jti_test",
		Exp:      time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := svc.SessionFromToken(context.Background(), token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestUpdateNoteRefusedDuringLiveSession(t *testing.T) {
	fs := &fakeStore{}
	note := store.Note{ID: "n_1", Title: "Plan", CreatorID: "u_1"}
	noteWithRole(t, fs, note, map[string]string{"u_1": "owner"})

	svc := newTestService(fs)
	svc.rooms = &fakeRooms{userIDs: map[string][]string{"n_1": {"u_1", "u_2"}}}

	_, err := svc.UpdateNote(context.Background(), Session{UserID: "u_1"}, "n_1", "Plan v2", nil)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusConflict {
		t.Fatalf("expected 409 while a room is active, got %v", err)
	}
}

func TestDeleteNoteClosesRoom(t *testing.T) {
	fs := &fakeStore{}
	note := store.Note{ID: "n_1", CreatorID: "u_1"}
	noteWithRole(t, fs, note, map[string]string{"u_1": "owner"})

	rooms := &fakeRooms{userIDs: map[string][]string{}}
	svc := newTestService(fs)
	svc.rooms = rooms

	if err := svc.DeleteNote(context.Background(), Session{UserID: "u_1"}, "n_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(rooms.closed) != 1 || rooms.closed[0] != "n_1" {
		t.Fatalf("expected room n_1 to be closed, got %v", rooms.closed)
	}
}

func TestDeleteNoteRequiresOwner(t *testing.T) {
	fs := &fakeStore{}
	note := store.Note{ID: "n_1", CreatorID: "u_1", Collaborators: []store.Collaborator{{UserID: "u_2", Role: "editor"}}}
	noteWithRole(t, fs, note, map[string]string{"u_1": "owner", "u_2": "editor"})

	svc := newTestService(fs)
	err := svc.DeleteNote(context.Background(), Session{UserID: "u_2"}, "n_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner delete, got %v", err)
	}
}

func TestAddCollaboratorRejectsCreatorAndDuplicates(t *testing.T) {
	fs := &fakeStore{}
	note := store.Note{
		ID:            "n_1",
		CreatorID:     "u_1",
		Collaborators: []store.Collaborator{{UserID: "u_2", Role: "viewer"}},
	}
	noteWithRole(t, fs, note, map[string]string{"u_1": "owner"})
	svc := newTestService(fs)
	session := Session{UserID: "u_1"}

	var domainErr *DomainError
	_, err := svc.AddCollaborator(context.Background(), session, "n_1", "u_1", "editor")
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_COLLABORATOR" {
		t.Fatalf("expected INVALID_COLLABORATOR for creator, got %v", err)
	}

	_, err = svc.AddCollaborator(context.Background(), session, "n_1", "u_2", "editor")
	if !errors.As(err, &domainErr) || domainErr.Code != "ALREADY_COLLABORATOR" {
		t.Fatalf("expected ALREADY_COLLABORATOR, got %v", err)
	}

	_, err = svc.AddCollaborator(context.Background(), session, "n_1", "u_3", "admin")
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_ROLE" {
		t.Fatalf("expected INVALID_ROLE, got %v", err)
	}
}

func TestCollabTokenPermissionFollowsRole(t *testing.T) {
	cases := []struct {
		role string
		want collab.Permission
	}{
		{"owner", collab.PermissionWrite},
		{"editor", collab.PermissionWrite},
		{"viewer", collab.PermissionRead},
	}
	for _, tc := range cases {
		fs := &fakeStore{
			noteRoleFn: func(context.Context, string, string) (string, error) {
				return tc.role, nil
			},
		}
		svc := newTestService(fs)

		token, permission, err := svc.CollabToken(context.Background(), Session{UserID: "u_1"}, "n_1")
		if err != nil {
			t.Fatalf("role %s: %v", tc.role, err)
		}
		if permission != tc.want {
			t.Fatalf("role %s: expected permission %s, got %s", tc.role, tc.want, permission)
		}

		grant, err := svc.gateway.Authenticate(token)
		if err != nil {
			t.Fatalf("role %s: authenticate minted token: %v", tc.role, err)
		}
		if grant.Permission != tc.want || grant.NoteID != "n_1" || grant.UserID != "u_1" {
			t.Fatalf("role %s: unexpected grant %+v", tc.role, grant)
		}
	}
}

func TestCollabTokenForbiddenWithoutRole(t *testing.T) {
	fs := &fakeStore{
		getNoteFn: func(context.Context, string) (store.Note, error) {
			return store.Note{ID: "n_1"}, nil
		},
		noteRoleFn: func(context.Context, string, string) (string, error) {
			return "", store.ErrNotFound
		},
	}
	svc := newTestService(fs)

	_, _, err := svc.CollabToken(context.Background(), Session{UserID: "u_9"}, "n_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 for stranger, got %v", err)
	}
}

func TestSearchNotesDatabaseFallback(t *testing.T) {
	content, _ := json.Marshal(map[string]any{
		"type": "doc",
		"content": []any{
			map[string]any{"type": "paragraph", "content": []any{
				map[string]any{"type": "text", "text": "quarterly planning notes"},
			}},
		},
	})
	fs := &fakeStore{
		searchNotesFn: func(_ context.Context, _, query string, _ int) ([]store.Note, error) {
			if query != "planning" {
				t.Fatalf("unexpected query %q", query)
			}
			return []store.Note{{ID: "n_1", Title: "Q3", Content: content}}, nil
		},
	}
	svc := newTestService(fs)

	resp, err := svc.SearchNotes(context.Background(), Session{UserID: "u_1"}, "planning", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "n_1" {
		t.Fatalf("unexpected results %+v", resp.Results)
	}
	if resp.Results[0].Snippet == "" {
		t.Fatalf("expected a snippet from the note body")
	}
}

func TestBootstrapReindexesWhenSearchConfigured(t *testing.T) {
	listed := false
	fs := &fakeStore{
		listAllNotesFn: func(context.Context) ([]store.Note, error) {
			listed = true
			return []store.Note{{ID: "n_1", Title: "Q3", CreatorID: "u_1"}}, nil
		},
	}

	svc := newTestService(fs)
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap without search: %v", err)
	}
	if listed {
		t.Fatalf("bootstrap should not touch the store when search is disabled")
	}

	svc = newTestService(fs).WithSearch(search.NewService(nil, fs))
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !listed {
		t.Fatalf("expected bootstrap to load the note corpus for reindexing")
	}
}

func TestNoteHistoryDisabled(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.NoteHistory(context.Background(), Session{UserID: "u_1"}, "n_1", 10)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusNotImplemented {
		t.Fatalf("expected 501 when history backend is absent, got %v", err)
	}
}
