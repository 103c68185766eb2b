package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"inkwell/api/internal/archive"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/collab"
	"inkwell/api/internal/config"
	"inkwell/api/internal/export"
	"inkwell/api/internal/history"
	"inkwell/api/internal/notify"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// dataStore is the persistence surface the service needs. Implemented by
// store.PostgresStore; tests substitute fakes.
type dataStore interface {
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)

	CreateNote(ctx context.Context, note store.Note) (store.Note, error)
	GetNote(ctx context.Context, noteID string) (store.Note, error)
	ListNotesByCreator(ctx context.Context, userID string) ([]store.Note, error)
	ListSharedNotes(ctx context.Context, userID string) ([]store.Note, error)
	UpdateNoteContent(ctx context.Context, noteID, title string, content json.RawMessage) (store.Note, error)
	DeleteNote(ctx context.Context, noteID string) error

	AddCollaborator(ctx context.Context, noteID, userID, role string) error
	RemoveCollaborator(ctx context.Context, noteID, userID string) error
	UpdateCollaboratorRole(ctx context.Context, noteID, userID, role string) error
	NoteRole(ctx context.Context, noteID, userID string) (string, error)

	SearchNotes(ctx context.Context, userID, query string, limit int) ([]store.Note, error)
	ListAllNotes(ctx context.Context) ([]store.Note, error)
	Ping(ctx context.Context) error
}

// refreshStore holds refresh sessions, keyed by token hash. Redis when
// configured, Postgres otherwise.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// roomManager is the slice of the collaboration manager the service uses.
type roomManager interface {
	RoomUserIDs(noteID string) []string
	CloseNote(noteID string, msg collab.Message)
}

// Session identifies an authenticated REST caller.
type Session struct {
	UserID   string
	Username string
	Name     string
}

// TokenPair is issued on sign-in and refresh.
type TokenPair struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// Service implements the REST-facing operations: accounts, sessions, note
// CRUD, sharing, collaboration credentials, search, history, and export.
type Service struct {
	cfg     config.Config
	store   dataStore
	refresh refreshStore

	passwords *authpw.Service
	gateway   *collab.Gateway
	rooms     roomManager
	relay     *notify.Relay

	// optional backends, nil when not configured
	search   *search.Service
	history  *history.Service
	exporter *export.Service
	archive  *archive.Service

	readyChecks map[string]func(context.Context) error
}

func New(cfg config.Config, dataStore dataStore, refresh refreshStore, passwords *authpw.Service, gateway *collab.Gateway, rooms roomManager, relay *notify.Relay) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		refresh:   refresh,
		passwords: passwords,
		gateway:   gateway,
		rooms:     rooms,
		relay:     relay,
	}
}

// WithSearch attaches the search backend.
func (s *Service) WithSearch(svc *search.Service) *Service {
	s.search = svc
	return s
}

// WithHistory attaches the snapshot history backend.
func (s *Service) WithHistory(svc *history.Service) *Service {
	s.history = svc
	return s
}

// WithExporter attaches the export backend.
func (s *Service) WithExporter(svc *export.Service) *Service {
	s.exporter = svc
	return s
}

// WithArchive attaches the object-storage archive backend.
func (s *Service) WithArchive(svc *archive.Service) *Service {
	s.archive = svc
	return s
}

// Bootstrap runs one-time startup work: pushing the full note corpus into the
// search index so it catches up on anything written while the indexer was
// down. Failures are returned for the caller to log, never fatal.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search == nil {
		return nil
	}
	notes, err := s.store.ListAllNotes(ctx)
	if err != nil {
		return fmt.Errorf("load notes for reindex: %w", err)
	}
	records := make([]search.NoteRecord, 0, len(notes))
	for _, note := range notes {
		ids := make([]string, 0, len(note.Collaborators))
		for _, c := range note.Collaborators {
			ids = append(ids, c.UserID)
		}
		records = append(records, search.NoteRecord{
			ID:              note.ID,
			Title:           note.Title,
			Body:            search.ExtractText(note.Content),
			CreatorID:       note.CreatorID,
			CollaboratorIDs: ids,
		})
	}
	s.search.ReindexAll(records)
	return nil
}

// AddReadyCheck registers an extra dependency probed by the readiness
// endpoint, under the database check.
func (s *Service) AddReadyCheck(name string, check func(context.Context) error) *Service {
	if s.readyChecks == nil {
		s.readyChecks = make(map[string]func(context.Context) error)
	}
	s.readyChecks[name] = check
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready probes the database and any registered backends. The returned map
// holds one entry per check, nil when healthy.
func (s *Service) Ready(ctx context.Context) map[string]error {
	results := map[string]error{"database": s.store.Ping(ctx)}
	for name, check := range s.readyChecks {
		results[name] = check(ctx)
	}
	return results
}

// Accounts and sessions

type AuthResponse struct {
	TokenPair
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

func (s *Service) SignUp(ctx context.Context, username, name, password string) (AuthResponse, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Username: username,
		Name:     name,
		Password: password,
	})
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrUsernameTaken):
			return AuthResponse{}, domainError(http.StatusConflict, "USERNAME_TAKEN", "Username already registered", nil)
		case errors.Is(err, authpw.ErrWeakPassword):
			return AuthResponse{}, domainError(http.StatusBadRequest, "WEAK_PASSWORD", "Password too short", nil)
		}
		return AuthResponse{}, err
	}
	return s.issueTokens(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, username, password string) (AuthResponse, error) {
	user, err := s.passwords.SignIn(ctx, username, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return AuthResponse{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
		}
		return AuthResponse{}, err
	}
	return s.issueTokens(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	hash := auth.HashToken(refreshToken)
	user, err := s.refresh.LookupRefreshSession(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AuthResponse{}, domainError(http.StatusUnauthorized, "INVALID_REFRESH", "Refresh token unknown or expired", nil)
		}
		return AuthResponse{}, err
	}
	if err := s.refresh.RevokeRefreshSession(ctx, hash); err != nil {
		return AuthResponse{}, err
	}
	return s.issueTokens(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{UserID: user.ID, Username: user.Username, Name: user.Name}, nil
}

func (s *Service) issueTokens(ctx context.Context, user store.User) (AuthResponse, error) {
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		JTI:      util.NewID("jti"),
		Exp:      time.Now().Add(s.cfg.AccessTTL).Unix(),
	})
	if err != nil {
		return AuthResponse{}, fmt.Errorf("issue access token: %w", err)
	}

	refreshToken := util.NewSecret()
	expiresAt := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user, expiresAt); err != nil {
		return AuthResponse{}, fmt.Errorf("save refresh session: %w", err)
	}

	return AuthResponse{
		TokenPair: TokenPair{Token: token, RefreshToken: refreshToken},
		UserID:    user.ID,
		Username:  user.Username,
		Name:      user.Name,
	}, nil
}

// LookupUser finds an account by username, used when adding collaborators.
func (s *Service) LookupUser(ctx context.Context, username string) (store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No such user", nil)
		}
		return store.User{}, err
	}
	return user, nil
}

// Notes

func (s *Service) CreateNote(ctx context.Context, session Session, title string, content json.RawMessage) (store.Note, error) {
	note, err := s.store.CreateNote(ctx, store.Note{
		Title:     title,
		Content:   content,
		CreatorID: session.UserID,
	})
	if err != nil {
		return store.Note{}, err
	}
	s.indexNote(note)
	return note, nil
}

func (s *Service) GetNote(ctx context.Context, session Session, noteID string) (store.Note, error) {
	if _, err := s.requireRole(ctx, noteID, session.UserID, "viewer"); err != nil {
		return store.Note{}, err
	}
	return s.store.GetNote(ctx, noteID)
}

func (s *Service) ListNotes(ctx context.Context, session Session) ([]store.Note, error) {
	return s.store.ListNotesByCreator(ctx, session.UserID)
}

func (s *Service) ListSharedNotes(ctx context.Context, session Session) ([]store.Note, error) {
	return s.store.ListSharedNotes(ctx, session.UserID)
}

// UpdateNote is the non-collaborative edit path. It is refused while a live
// editing room holds the note, since the room's replica is then the source
// of truth.
func (s *Service) UpdateNote(ctx context.Context, session Session, noteID, title string, content json.RawMessage) (store.Note, error) {
	if _, err := s.requireRole(ctx, noteID, session.UserID, "editor"); err != nil {
		return store.Note{}, err
	}
	if s.rooms != nil && len(s.rooms.RoomUserIDs(noteID)) > 0 {
		return store.Note{}, domainError(http.StatusConflict, "NOTE_IN_SESSION", "Note is being edited collaboratively", nil)
	}

	note, err := s.store.UpdateNoteContent(ctx, noteID, title, content)
	if err != nil {
		return store.Note{}, err
	}
	s.indexNote(note)
	s.notifyNoteUsers(ctx, note, session.UserID, notify.EventDocumentUpdated, map[string]any{
		"noteId": note.ID,
		"title":  note.Title,
	})
	return note, nil
}

func (s *Service) DeleteNote(ctx context.Context, session Session, noteID string) error {
	note, err := s.requireRole(ctx, noteID, session.UserID, "owner")
	if err != nil {
		return err
	}

	if s.rooms != nil {
		s.rooms.CloseNote(noteID, collab.Message{Type: collab.TypeDocumentDeleted, NoteID: noteID})
	}
	if err := s.store.DeleteNote(ctx, noteID); err != nil {
		return err
	}

	if s.search != nil {
		s.search.DeleteNote(noteID)
	}
	if s.history != nil {
		if err := s.history.Remove(noteID); err != nil {
			log.Printf("app: remove history for %s: %v", noteID, err)
		}
	}
	if s.archive != nil {
		if err := s.archive.DeleteSnapshot(ctx, noteID); err != nil {
			log.Printf("app: remove archived state for %s: %v", noteID, err)
		}
	}
	s.notifyNoteUsers(ctx, note, session.UserID, notify.EventDocumentDeleted, map[string]any{"noteId": noteID})
	return nil
}

// Collaborators

func (s *Service) AddCollaborator(ctx context.Context, session Session, noteID, collaboratorID, role string) (store.Note, error) {
	note, err := s.requireRole(ctx, noteID, session.UserID, "owner")
	if err != nil {
		return store.Note{}, err
	}
	if !validRole(role) {
		return store.Note{}, domainError(http.StatusBadRequest, "INVALID_ROLE", "Role must be editor or viewer", nil)
	}
	if collaboratorID == note.CreatorID {
		return store.Note{}, domainError(http.StatusBadRequest, "INVALID_COLLABORATOR", "Creator is already an owner", nil)
	}
	if _, err := s.store.GetUserByID(ctx, collaboratorID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Note{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "Collaborator not found", nil)
		}
		return store.Note{}, err
	}
	for _, c := range note.Collaborators {
		if c.UserID == collaboratorID {
			return store.Note{}, domainError(http.StatusBadRequest, "ALREADY_COLLABORATOR", "User is already a collaborator", nil)
		}
	}

	if err := s.store.AddCollaborator(ctx, noteID, collaboratorID, role); err != nil {
		return store.Note{}, err
	}
	updated, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return store.Note{}, err
	}
	s.indexNote(updated)
	s.relay.Notify([]string{collaboratorID}, notify.EventCollaboratorAdded, map[string]any{
		"noteId": noteID,
		"title":  updated.Title,
		"role":   role,
	})
	return updated, nil
}

func (s *Service) RemoveCollaborator(ctx context.Context, session Session, noteID, collaboratorID string) (store.Note, error) {
	if _, err := s.requireRole(ctx, noteID, session.UserID, "owner"); err != nil {
		return store.Note{}, err
	}
	if err := s.store.RemoveCollaborator(ctx, noteID, collaboratorID); err != nil {
		return store.Note{}, err
	}
	updated, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return store.Note{}, err
	}
	s.indexNote(updated)
	s.relay.Notify([]string{collaboratorID}, notify.EventCollaboratorRemoved, map[string]any{"noteId": noteID})
	return updated, nil
}

func (s *Service) UpdateCollaboratorRole(ctx context.Context, session Session, noteID, collaboratorID, role string) (store.Note, error) {
	note, err := s.requireRole(ctx, noteID, session.UserID, "owner")
	if err != nil {
		return store.Note{}, err
	}
	if !validRole(role) {
		return store.Note{}, domainError(http.StatusBadRequest, "INVALID_ROLE", "Role must be editor or viewer", nil)
	}
	found := false
	for _, c := range note.Collaborators {
		if c.UserID == collaboratorID {
			found = true
			break
		}
	}
	if !found {
		return store.Note{}, domainError(http.StatusNotFound, "COLLABORATOR_NOT_FOUND", "Collaborator not found", nil)
	}

	if err := s.store.UpdateCollaboratorRole(ctx, noteID, collaboratorID, role); err != nil {
		return store.Note{}, err
	}
	updated, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return store.Note{}, err
	}
	s.notifyNoteUsers(ctx, updated, session.UserID, notify.EventCollaboratorRoleUpdated, map[string]any{
		"noteId":         noteID,
		"collaboratorId": collaboratorID,
		"role":           role,
	})
	return updated, nil
}

// Collaboration credentials

// CollabToken mints a connection credential for a note. The permission is
// derived from the caller's role on the note, never taken from the request:
// owners and editors may write, viewers may only read.
func (s *Service) CollabToken(ctx context.Context, session Session, noteID string) (string, collab.Permission, error) {
	role, err := s.store.NoteRole(ctx, noteID, session.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", domainError(http.StatusNotFound, "NOT_FOUND", "Note not found", nil)
		}
		return "", "", err
	}

	var permission collab.Permission
	switch role {
	case "owner", "editor":
		permission = collab.PermissionWrite
	case "viewer":
		permission = collab.PermissionRead
	default:
		return "", "", domainError(http.StatusForbidden, "FORBIDDEN", "No access to this note", nil)
	}

	token, err := s.gateway.MintCredential(session.UserID, noteID, permission)
	if err != nil {
		return "", "", err
	}
	return token, permission, nil
}

// Search, history, export

func (s *Service) SearchNotes(ctx context.Context, session Session, text string, limit, offset int) (search.Response, error) {
	query := search.Query{Text: text, UserID: session.UserID, Limit: limit, Offset: offset}
	if s.search != nil {
		return s.search.Search(ctx, query), nil
	}

	if limit <= 0 {
		limit = 20
	}
	notes, err := s.store.SearchNotes(ctx, session.UserID, text, limit)
	if err != nil {
		return search.Response{}, err
	}
	results := make([]search.Result, 0, len(notes))
	for _, note := range notes {
		snippet := search.ExtractText(note.Content)
		if len(snippet) > 160 {
			snippet = snippet[:160]
		}
		results = append(results, search.Result{ID: note.ID, Title: note.Title, Snippet: snippet})
	}
	return search.Response{Results: results, Total: len(results), Query: text}, nil
}

func (s *Service) NoteHistory(ctx context.Context, session Session, noteID string, limit int) ([]history.CommitInfo, error) {
	if s.history == nil {
		return nil, domainError(http.StatusNotImplemented, "HISTORY_DISABLED", "Snapshot history is not configured", nil)
	}
	if _, err := s.requireRole(ctx, noteID, session.UserID, "viewer"); err != nil {
		return nil, err
	}
	return s.history.History(noteID, limit)
}

func (s *Service) NoteVersionAt(ctx context.Context, session Session, noteID, hash string) (history.Version, error) {
	if s.history == nil {
		return history.Version{}, domainError(http.StatusNotImplemented, "HISTORY_DISABLED", "Snapshot history is not configured", nil)
	}
	if _, err := s.requireRole(ctx, noteID, session.UserID, "viewer"); err != nil {
		return history.Version{}, err
	}
	version, err := s.history.VersionAt(noteID, hash)
	if err != nil {
		return history.Version{}, domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "No such version", nil)
	}
	return version, nil
}

func (s *Service) ExportNote(ctx context.Context, session Session, noteID, version string, format export.Format) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusNotImplemented, "EXPORT_DISABLED", "Export is not configured", nil)
	}
	if _, err := s.requireRole(ctx, noteID, session.UserID, "viewer"); err != nil {
		return nil, err
	}
	result, err := s.exporter.Export(ctx, export.Request{NoteID: noteID, Version: version, Format: format})
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(http.StatusNotImplemented, "PDF_UNAVAILABLE", "PDF rendering is not available on this host", nil)
		}
		return nil, err
	}
	return result, nil
}

// Helpers

// requireRole loads the note and checks the caller's role clears the floor:
// owner > editor > viewer.
func (s *Service) requireRole(ctx context.Context, noteID, userID, floor string) (store.Note, error) {
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Note{}, domainError(http.StatusNotFound, "NOT_FOUND", "Note not found", nil)
		}
		return store.Note{}, err
	}

	role, err := s.store.NoteRole(ctx, noteID, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.Note{}, err
	}
	if !roleAtLeast(role, floor) {
		return store.Note{}, domainError(http.StatusForbidden, "FORBIDDEN", "No access to this note", nil)
	}
	return note, nil
}

func roleAtLeast(role, floor string) bool {
	rank := map[string]int{"viewer": 1, "editor": 2, "owner": 3}
	return rank[role] >= rank[floor]
}

func validRole(role string) bool {
	return role == "editor" || role == "viewer"
}

// notifyNoteUsers delivers an event to everyone on the note except the actor.
func (s *Service) notifyNoteUsers(_ context.Context, note store.Note, actorID, eventType string, payload any) {
	if s.relay == nil {
		return
	}
	userIDs := make([]string, 0, len(note.Collaborators)+1)
	if note.CreatorID != actorID {
		userIDs = append(userIDs, note.CreatorID)
	}
	for _, c := range note.Collaborators {
		if c.UserID != actorID {
			userIDs = append(userIDs, c.UserID)
		}
	}
	s.relay.Notify(userIDs, eventType, payload)
}

func (s *Service) indexNote(note store.Note) {
	if s.search == nil {
		return
	}
	ids := make([]string, 0, len(note.Collaborators))
	for _, c := range note.Collaborators {
		ids = append(ids, c.UserID)
	}
	s.search.IndexNote(search.NoteRecord{
		ID:              note.ID,
		Title:           note.Title,
		Body:            search.ExtractText(note.Content),
		CreatorID:       note.CreatorID,
		CollaboratorIDs: ids,
	})
}
