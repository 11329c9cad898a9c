package preview

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

type fileKind int

const (
	kindBinary fileKind = iota
	kindCSV
	kindText
	kindSQLite
	kindPDF
	kindImage
	kindMedia
)

var sqliteMagic = []byte("SQLite format 3\x00")

// classify routes a file to a preview strategy by magic bytes first,
// then MIME, then extension.
func classify(filename, mime string, data []byte) fileKind {
	switch {
	case bytes.HasPrefix(data, sqliteMagic):
		return kindSQLite
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return kindPDF
	}

	mime = strings.ToLower(mime)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	ext := strings.ToLower(filepath.Ext(filename))

	switch {
	case strings.HasPrefix(mime, "image/"):
		return kindImage
	case strings.HasPrefix(mime, "audio/"), strings.HasPrefix(mime, "video/"):
		return kindMedia
	case mime == "application/pdf":
		return kindPDF
	case mime == "text/csv", ext == ".csv", ext == ".tsv":
		return kindCSV
	case ext == ".db", ext == ".sqlite", ext == ".sqlite3",
		mime == "application/vnd.sqlite3", mime == "application/x-sqlite3":
		return kindSQLite
	}

	if strings.HasPrefix(mime, "text/") || textualMIME(mime) || looksTextual(data) {
		return kindText
	}
	return kindBinary
}

func textualMIME(mime string) bool {
	switch mime {
	case "application/json", "application/xml", "application/yaml",
		"application/x-yaml", "application/javascript", "application/toml":
		return true
	}
	return strings.HasSuffix(mime, "+json") || strings.HasSuffix(mime, "+xml")
}

// looksTextual samples the head of the file for valid UTF-8 without NUL
// bytes.
func looksTextual(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 1024 {
		sample = sample[:1024]
		// a rune may be split at the sample boundary; trim at most 3
		// trailing continuation bytes
		for i := 0; i < 3 && len(sample) > 0 && sample[len(sample)-1]&0xC0 == 0x80; i++ {
			sample = sample[:len(sample)-1]
		}
		if len(sample) > 0 && sample[len(sample)-1] >= 0xC0 {
			sample = sample[:len(sample)-1]
		}
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return false
	}
	return utf8.Valid(sample)
}
