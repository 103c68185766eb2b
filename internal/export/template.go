package export

import (
	"bytes"
	"html/template"
	"time"
)

// TemplateData holds data for note rendering.
type TemplateData struct {
	Title         string
	ContentHTML   template.HTML
	Author        string
	Collaborators []string
	UpdatedAt     time.Time
}

var noteTemplate = template.Must(template.New("note").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 760px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    blockquote { border-left: 3px solid #ccc; margin-left: 0; padding-left: 1rem; color: #555; }
    pre { background: #f5f5f5; padding: 1rem; overflow-x: auto; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">
    {{.Author}}{{if .Collaborators}} (with {{range $i, $c := .Collaborators}}{{if $i}}, {{end}}{{$c}}{{end}}){{end}}
    {{if not .UpdatedAt.IsZero}} | {{.UpdatedAt.Format "Jan 2, 2006"}}{{end}}
  </div>
  <div>{{.ContentHTML}}</div>
</body>
</html>`))

// RenderNoteHTML renders a note into a standalone HTML page.
func RenderNoteHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := noteTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
