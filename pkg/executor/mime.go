package executor

import (
	"mime"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// guessContentType prefers the extension table and falls back to sniffing
// the file header. Empty means "let the store decide".
func guessContentType(path string) string {
	if ext := filepath.Ext(path); ext != "" {
		if contentType := mime.TypeByExtension(ext); contentType != "" {
			return contentType
		}
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	return detected.String()
}
