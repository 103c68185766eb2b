package app

import (
	"context"
	"encoding/json"
	"fmt"

	"inkwell/api/internal/export"
	"inkwell/api/internal/history"
	"inkwell/api/internal/store"
)

// ExportData adapts the note store, and the history backend when present,
// to the export service's read interface.
type ExportData struct {
	store   *store.PostgresStore
	history *history.Service
}

func NewExportData(st *store.PostgresStore, hist *history.Service) *ExportData {
	return &ExportData{store: st, history: hist}
}

func (d *ExportData) GetNoteInfo(ctx context.Context, noteID string) (export.NoteInfo, error) {
	note, err := d.store.GetNote(ctx, noteID)
	if err != nil {
		return export.NoteInfo{}, err
	}

	author := note.CreatorID
	if creator, err := d.store.GetUserByID(ctx, note.CreatorID); err == nil {
		author = creator.Name
	}
	collaborators := make([]string, 0, len(note.Collaborators))
	for _, c := range note.Collaborators {
		collaborators = append(collaborators, c.Name)
	}

	return export.NoteInfo{
		ID:            note.ID,
		Title:         note.Title,
		Author:        author,
		Collaborators: collaborators,
		UpdatedAt:     note.UpdatedAt,
	}, nil
}

// GetNoteContent returns the rich-text tree of the current note, or of an
// archived version when a commit hash is given.
func (d *ExportData) GetNoteContent(ctx context.Context, noteID, version string) (any, error) {
	var raw json.RawMessage
	if version != "" {
		if d.history == nil {
			return nil, fmt.Errorf("version export requires the history backend")
		}
		v, err := d.history.VersionAt(noteID, version)
		if err != nil {
			return nil, err
		}
		raw = v.Content
	} else {
		note, err := d.store.GetNote(ctx, noteID)
		if err != nil {
			return nil, err
		}
		raw = note.Content
	}

	if len(raw) == 0 {
		return nil, nil
	}
	var content any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("decode note content: %w", err)
	}
	return content, nil
}
