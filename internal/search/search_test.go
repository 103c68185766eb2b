package search

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestExtractText(t *testing.T) {
	content := json.RawMessage(`{
		"type": "doc",
		"content": [
			{"type": "heading", "attrs": {"level": 1}, "content": [{"type": "text", "text": "Standup"}]},
			{"type": "paragraph", "content": [
				{"type": "text", "text": "Discussed the "},
				{"type": "text", "marks": [{"type": "bold"}], "text": "release plan"}
			]},
			{"type": "bulletList", "content": [
				{"type": "listItem", "content": [
					{"type": "paragraph", "content": [{"type": "text", "text": "ship it"}]}
				]}
			]}
		]
	}`)

	got := ExtractText(content)
	for _, want := range []string{"Standup", "Discussed the release plan", "ship it"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
	if !strings.Contains(got, "\n") {
		t.Fatalf("blocks not separated: %q", got)
	}
}

func TestExtractTextEmptyAndInvalid(t *testing.T) {
	if got := ExtractText(nil); got != "" {
		t.Fatalf("nil content: %q", got)
	}
	if got := ExtractText(json.RawMessage(`not json`)); got != "" {
		t.Fatalf("invalid content: %q", got)
	}
	if got := ExtractText(json.RawMessage(`{"type":"doc"}`)); got != "" {
		t.Fatalf("empty doc: %q", got)
	}
}
