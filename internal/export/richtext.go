package export

import (
	"fmt"
	"html"
	"strings"
)

// RichTextToHTML converts rich-text note content (a ProseMirror-style node
// tree decoded from JSON) into HTML.
func RichTextToHTML(doc any) string {
	root, ok := doc.(map[string]any)
	if !ok {
		return ""
	}
	return renderNode(root)
}

func renderNode(node map[string]any) string {
	nodeType, _ := node["type"].(string)
	if nodeType == "" {
		return ""
	}

	switch nodeType {
	case "doc":
		return renderChildren(node["content"])
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", renderChildren(node["content"]))
	case "heading":
		level := 1
		if attrs, ok := node["attrs"].(map[string]any); ok {
			if lvl, ok := attrs["level"].(float64); ok {
				level = int(lvl)
			}
		}
		if level < 1 || level > 6 {
			level = 1
		}
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderChildren(node["content"]), level)
	case "bulletList":
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderChildren(node["content"]))
	case "orderedList":
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderChildren(node["content"]))
	case "listItem":
		return fmt.Sprintf("<li>%s</li>\n", renderChildren(node["content"]))
	case "taskList":
		return fmt.Sprintf("<ul class=\"tasks\">\n%s</ul>\n", renderChildren(node["content"]))
	case "taskItem":
		box := "&#9744;"
		if attrs, ok := node["attrs"].(map[string]any); ok {
			if checked, _ := attrs["checked"].(bool); checked {
				box = "&#9745;"
			}
		}
		return fmt.Sprintf("<li>%s %s</li>\n", box, renderChildren(node["content"]))
	case "blockquote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderChildren(node["content"]))
	case "codeBlock":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", html.EscapeString(renderChildren(node["content"])))
	case "text":
		text, _ := node["text"].(string)
		marks, _ := node["marks"].([]any)
		return renderTextWithMarks(text, marks)
	case "hardBreak":
		return "<br>"
	case "horizontalRule":
		return "<hr>\n"
	default:
		return renderChildren(node["content"])
	}
}

func renderChildren(content any) string {
	items, ok := content.([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, item := range items {
		if node, ok := item.(map[string]any); ok {
			b.WriteString(renderNode(node))
		}
	}
	return b.String()
}

// renderTextWithMarks wraps escaped text in its formatting marks, applied
// from the outermost mark inward.
func renderTextWithMarks(text string, marks []any) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)

	for i := len(marks) - 1; i >= 0; i-- {
		mark, ok := marks[i].(map[string]any)
		if !ok {
			continue
		}
		markType, _ := mark["type"].(string)
		switch markType {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "highlight":
			out = "<mark>" + out + "</mark>"
		case "link":
			href := ""
			if attrs, ok := mark["attrs"].(map[string]any); ok {
				href, _ = attrs["href"].(string)
			}
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		}
	}
	return out
}
