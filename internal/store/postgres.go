package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	const query = `
		INSERT INTO users (username, name, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, username, name, password_hash, created_at
	`
	var created User
	err := s.db.QueryRowContext(ctx, query, user.Username, user.Name, user.PasswordHash).
		Scan(&created.ID, &created.Username, &created.Name, &created.PasswordHash, &created.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `SELECT id, username, name, password_hash, created_at FROM users WHERE id=$1`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).
		Scan(&user.ID, &user.Username, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	const query = `SELECT id, username, name, password_hash, created_at FROM users WHERE username=$1`
	var user User
	err := s.db.QueryRowContext(ctx, query, username).
		Scan(&user.ID, &user.Username, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by username: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, name, created_at FROM users WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.Name, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// Notes

func (s *PostgresStore) CreateNote(ctx context.Context, note Note) (Note, error) {
	content := note.Content
	if len(content) == 0 {
		content = json.RawMessage(`null`)
	}
	const query = `
		INSERT INTO notes (title, content, creator_id)
		VALUES ($1, $2, $3)
		RETURNING id, title, creator_id, created_at, updated_at
	`
	var created Note
	err := s.db.QueryRowContext(ctx, query, note.Title, []byte(content), note.CreatorID).
		Scan(&created.ID, &created.Title, &created.CreatorID, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return Note{}, fmt.Errorf("insert note: %w", err)
	}
	created.Content = note.Content
	return created, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID string) (Note, error) {
	const query = `SELECT id, title, COALESCE(content, 'null'::jsonb), creator_id, created_at, updated_at FROM notes WHERE id=$1`
	var note Note
	var content []byte
	err := s.db.QueryRowContext(ctx, query, noteID).
		Scan(&note.ID, &note.Title, &content, &note.CreatorID, &note.CreatedAt, &note.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("lookup note: %w", err)
	}
	note.Content = content

	collaborators, err := s.listCollaborators(ctx, noteID)
	if err != nil {
		return Note{}, err
	}
	note.Collaborators = collaborators
	return note, nil
}

func (s *PostgresStore) ListNotesByCreator(ctx context.Context, userID string) ([]Note, error) {
	return s.listNotes(ctx, `
		SELECT id, title, COALESCE(content, 'null'::jsonb), creator_id, created_at, updated_at
		FROM notes WHERE creator_id=$1 ORDER BY updated_at DESC
	`, userID)
}

// ListSharedNotes returns notes shared with userID through a collaborator grant.
func (s *PostgresStore) ListSharedNotes(ctx context.Context, userID string) ([]Note, error) {
	return s.listNotes(ctx, `
		SELECT n.id, n.title, COALESCE(n.content, 'null'::jsonb), n.creator_id, n.created_at, n.updated_at
		FROM notes n
		JOIN note_collaborators nc ON nc.note_id = n.id
		WHERE nc.user_id=$1 ORDER BY n.updated_at DESC
	`, userID)
}

// ListAllNotes returns every note with its collaborators populated, used to
// rebuild the search index.
func (s *PostgresStore) ListAllNotes(ctx context.Context) ([]Note, error) {
	notes, err := s.listNotes(ctx, `
		SELECT id, title, COALESCE(content, 'null'::jsonb), creator_id, created_at, updated_at
		FROM notes ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	for i := range notes {
		collaborators, err := s.listCollaborators(ctx, notes[i].ID)
		if err != nil {
			return nil, err
		}
		notes[i].Collaborators = collaborators
	}
	return notes, nil
}

func (s *PostgresStore) listNotes(ctx context.Context, query string, args ...any) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var note Note
		var content []byte
		if err := rows.Scan(&note.ID, &note.Title, &content, &note.CreatorID, &note.CreatedAt, &note.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		note.Content = content
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// UpdateNoteContent replaces a note's title and content directly, outside the
// collaborative path. The stored CRDT state is cleared so the next session
// seeds from the new JSON content.
func (s *PostgresStore) UpdateNoteContent(ctx context.Context, noteID, title string, content json.RawMessage) (Note, error) {
	if len(content) == 0 {
		content = json.RawMessage(`null`)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE notes SET title=$2, content=$3, crdt_state=NULL, updated_at=NOW() WHERE id=$1
	`, noteID, title, []byte(content))
	if err != nil {
		return Note{}, fmt.Errorf("update note: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Note{}, fmt.Errorf("update note rows: %w", err)
	}
	if affected == 0 {
		return Note{}, ErrNotFound
	}
	return s.GetNote(ctx, noteID)
}

func (s *PostgresStore) DeleteNote(ctx context.Context, noteID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id=$1`, noteID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete note rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Collaborators

func (s *PostgresStore) AddCollaborator(ctx context.Context, noteID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO note_collaborators (note_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (note_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, noteID, userID, role)
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, noteID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM note_collaborators WHERE note_id=$1 AND user_id=$2`, noteID, userID)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCollaboratorRole(ctx context.Context, noteID, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE note_collaborators SET role=$3 WHERE note_id=$1 AND user_id=$2
	`, noteID, userID, role)
	if err != nil {
		return fmt.Errorf("update collaborator role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update collaborator rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// NoteRole reports userID's role on a note: "owner" for the creator, the
// collaborator role when granted, empty when the user has no access.
func (s *PostgresStore) NoteRole(ctx context.Context, noteID, userID string) (string, error) {
	var creatorID string
	err := s.db.QueryRowContext(ctx, `SELECT creator_id FROM notes WHERE id=$1`, noteID).Scan(&creatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup note creator: %w", err)
	}
	if creatorID == userID {
		return "owner", nil
	}

	var role string
	err = s.db.QueryRowContext(ctx, `SELECT role FROM note_collaborators WHERE note_id=$1 AND user_id=$2`, noteID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup collaborator role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) listCollaborators(ctx context.Context, noteID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT nc.user_id, u.username, u.name, nc.role
		FROM note_collaborators nc
		JOIN users u ON u.id = nc.user_id
		WHERE nc.note_id=$1
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	var collaborators []Collaborator
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.UserID, &c.Username, &c.Name, &c.Role); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		collaborators = append(collaborators, c)
	}
	return collaborators, rows.Err()
}

// Snapshots (NoteStore contract for the collaboration subsystem)

func (s *PostgresStore) LoadSnapshot(ctx context.Context, noteID string) (Snapshot, error) {
	const query = `SELECT title, COALESCE(content, 'null'::jsonb), crdt_state FROM notes WHERE id=$1`
	var snapshot Snapshot
	var content []byte
	err := s.db.QueryRowContext(ctx, query, noteID).Scan(&snapshot.Title, &content, &snapshot.State)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	snapshot.Content = content

	collaborators, err := s.listCollaborators(ctx, noteID)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot.Collaborators = collaborators
	return snapshot, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, noteID string, snapshot Snapshot) error {
	content := snapshot.Content
	if len(content) == 0 {
		content = json.RawMessage(`null`)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE notes SET title=$2, content=$3, crdt_state=$4, updated_at=NOW() WHERE id=$1
	`, noteID, snapshot.Title, []byte(content), snapshot.State)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save snapshot rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchNotes is the Postgres fallback when no dedicated search backend is
// configured. Matches title and content text for notes the user can access.
func (s *PostgresStore) SearchNotes(ctx context.Context, userID, query string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.listNotes(ctx, `
		SELECT DISTINCT n.id, n.title, COALESCE(n.content, 'null'::jsonb), n.creator_id, n.created_at, n.updated_at
		FROM notes n
		LEFT JOIN note_collaborators nc ON nc.note_id = n.id
		WHERE (n.creator_id=$1 OR nc.user_id=$1)
			AND (n.title ILIKE '%' || $2 || '%' OR n.content::text ILIKE '%' || $2 || '%')
		ORDER BY n.updated_at DESC
		LIMIT $3
	`, userID, query, limit)
}

// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.name
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username, &user.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}
