package preview

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDFText pulls plain text out of a PDF up to maxChars, returning
// the text and the page count. Pages that fail to decode are skipped.
func extractPDFText(data []byte, maxChars int) (string, int, error) {
	if len(data) == 0 {
		return "", 0, fmt.Errorf("empty PDF")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}

	pages := r.NumPage()
	var text strings.Builder
	for i := 1; i <= pages && text.Len() < maxChars; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}

	out := strings.TrimSpace(text.String())
	if len(out) > maxChars {
		out = out[:maxChars] + "\n... (truncated)"
	}
	return out, pages, nil
}
