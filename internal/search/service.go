package search

import (
	"context"
	"log"

	"inkwell/api/internal/store"
)

// NoteSearcher is the database fallback used when Meilisearch is down.
type NoteSearcher interface {
	SearchNotes(ctx context.Context, userID, query string, limit int) ([]store.Note, error)
}

// Service is the facade that tries Meilisearch first and falls back to a
// substring scan in Postgres.
type Service struct {
	meili *Meili
	db    NoteSearcher
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, db NoteSearcher) *Service {
	return &Service{meili: meili, db: db}
}

// Search tries Meilisearch if healthy, otherwise falls back to the database.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to database: %v", err)
	}

	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	notes, err := s.db.SearchNotes(ctx, q.UserID, q.Text, limit)
	if err != nil {
		log.Printf("search: database fallback: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results := make([]Result, 0, len(notes))
	for _, note := range notes {
		snippet := ExtractText(note.Content)
		if len(snippet) > 160 {
			snippet = snippet[:160]
		}
		results = append(results, Result{ID: note.ID, Title: note.Title, Snippet: snippet})
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// IndexNote indexes a note, fire-and-forget.
func (s *Service) IndexNote(record NoteRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNote(record); err != nil {
			log.Printf("search: index note %s: %v", record.ID, err)
		}
	}()
}

// ReindexAll bulk-pushes every note into Meilisearch. Called at startup so
// the index catches up on writes made while Meilisearch was unreachable.
func (s *Service) ReindexAll(records []NoteRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	if err := s.meili.IndexNotes(records); err != nil {
		log.Printf("search: reindex %d notes: %v", len(records), err)
	}
}

// DeleteNote removes a note from the index, fire-and-forget.
func (s *Service) DeleteNote(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteNote(id); err != nil {
			log.Printf("search: delete note %s: %v", id, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
