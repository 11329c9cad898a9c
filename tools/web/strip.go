package web

import (
	"html"
	"strings"
	"unicode"
)

// stripHTML is the fallback when readability extraction yields nothing:
// drop tags, scripts and styles, decode entities, collapse whitespace.
func stripHTML(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inTag := false
	skipDepth := 0 // inside <script> or <style>
	var tag strings.Builder

	for _, r := range content {
		switch {
		case r == '<':
			inTag = true
			tag.Reset()
		case inTag:
			if r == '>' {
				inTag = false
				name := tagName(tag.String())
				switch name {
				case "script", "style":
					skipDepth++
				case "/script", "/style":
					if skipDepth > 0 {
						skipDepth--
					}
				}
				if isBlockTag(name) {
					out.WriteByte('\n')
				}
			} else {
				tag.WriteRune(r)
			}
		case skipDepth > 0:
			// swallow script/style bodies
		default:
			out.WriteRune(r)
		}
	}

	return collapseWhitespace(html.UnescapeString(out.String()))
}

// tagName pulls the lowercase element name out of raw tag innards,
// keeping a leading slash for closing tags.
func tagName(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if i := strings.IndexFunc(raw, unicode.IsSpace); i >= 0 {
		raw = raw[:i]
	}
	return strings.ToLower(strings.TrimSuffix(raw, "/"))
}

func isBlockTag(tag string) bool {
	tag = strings.TrimPrefix(tag, "/")
	switch tag {
	case "p", "div", "br", "hr", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "ul", "ol", "table", "tr", "blockquote", "pre",
		"section", "article", "header", "footer", "nav", "main":
		return true
	}
	return false
}

// collapseWhitespace squeezes runs of spaces and limits consecutive
// newlines to two.
func collapseWhitespace(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	newlines := 0
	space := false
	for _, r := range s {
		if r == '\n' {
			newlines++
			space = false
			if newlines <= 2 {
				out.WriteRune('\n')
			}
			continue
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && newlines == 0 && out.Len() > 0 {
			out.WriteByte(' ')
		}
		space = false
		newlines = 0
		out.WriteRune(r)
	}
	return strings.TrimSpace(out.String())
}
