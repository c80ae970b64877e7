// Package extract is the boundary to document text extraction. The chat
// path only needs plain text out of an uploaded file; what engine produces
// it (PDF parser, OCR, ...) is a deployment concern behind TextExtractor.
package extract

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// TextExtractor pulls plain text from an uploaded file. The boolean is
// false when the extension is unsupported or extraction fails; callers
// degrade to plain chat in that case.
type TextExtractor interface {
	Extract(data []byte, filename string) (string, bool)
}

var supportedExtensions = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".txt":  true,
}

// Supported reports whether the filename's extension is accepted for
// upload at all.
func Supported(filename string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// PlainText is the built-in extractor: it accepts payloads that already are
// valid UTF-8 text. Binary formats need a real engine wired in its place.
type PlainText struct{}

func (PlainText) Extract(data []byte, filename string) (string, bool) {
	if !Supported(filename) {
		return "", false
	}
	if len(data) == 0 || !utf8.Valid(data) {
		return "", false
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", false
	}
	return text, true
}
