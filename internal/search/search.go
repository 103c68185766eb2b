package search

import (
	"encoding/json"
	"strings"
)

// NoteRecord is the data we index for a note.
type NoteRecord struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Body            string   `json:"body"`
	CreatorID       string   `json:"creatorId"`
	CollaboratorIDs []string `json:"collaboratorIds"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Query describes a search request. UserID scopes results to notes the user
// owns or collaborates on.
type Query struct {
	Text   string
	UserID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// ExtractText flattens rich-text note content into plain text for indexing.
// It walks the node tree collecting text leaves, joining blocks with newlines.
func ExtractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var node map[string]any
	if err := json.Unmarshal(content, &node); err != nil {
		return ""
	}
	var b strings.Builder
	collectText(node, &b)
	return strings.TrimSpace(b.String())
}

func collectText(node map[string]any, b *strings.Builder) {
	if text, ok := node["text"].(string); ok {
		b.WriteString(text)
	}
	children, ok := node["content"].([]any)
	if !ok {
		return
	}
	for _, child := range children {
		childNode, ok := child.(map[string]any)
		if !ok {
			continue
		}
		collectText(childNode, b)
		if typ, _ := childNode["type"].(string); isBlock(typ) && b.Len() > 0 {
			b.WriteString("\n")
		}
	}
}

func isBlock(typ string) bool {
	switch typ {
	case "paragraph", "heading", "blockquote", "codeBlock", "listItem":
		return true
	default:
		return false
	}
}
