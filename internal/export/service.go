package export

import (
	"context"
	"fmt"
	"html/template"
	"time"
)

// DataStore is the data access the export service needs. The app layer
// implements it over the note store and the history service.
type DataStore interface {
	GetNoteInfo(ctx context.Context, noteID string) (NoteInfo, error)
	GetNoteContent(ctx context.Context, noteID, version string) (any, error)
}

// NoteInfo holds note metadata for the rendered header.
type NoteInfo struct {
	ID            string
	Title         string
	Author        string
	Collaborators []string
	UpdatedAt     time.Time
}

// Service renders notes to HTML and PDF.
type Service struct {
	store DataStore
}

func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates an export in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	info, err := s.store.GetNoteInfo(ctx, req.NoteID)
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}

	content, err := s.store.GetNoteContent(ctx, req.NoteID, req.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	page, err := RenderNoteHTML(TemplateData{
		Title:         info.Title,
		ContentHTML:   template.HTML(RichTextToHTML(content)),
		Author:        info.Author,
		Collaborators: info.Collaborators,
		UpdatedAt:     info.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("render note: %w", err)
	}

	switch req.Format {
	case FormatHTML, "":
		return &Result{
			Data:     []byte(page),
			Filename: sanitizeFilename(info.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(page, info.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
