package downloader

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const defaultMediaExtension = ".mp4"

// sanitizeFileName keeps [A-Za-z0-9._ -], replaces everything else with '_' and trims surrounding
// whitespace. Names without a single letter or digit left are replaced by a generated placeholder.
func sanitizeFileName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	hasAlnum := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			hasAlnum = true
			b.WriteRune(r)
		case r == '.', r == '_', r == ' ', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	sanitized := strings.TrimSpace(b.String())
	if sanitized == "" || !hasAlnum {
		return placeholderFileName()
	}
	return sanitized
}

func placeholderFileName() string {
	return "download-" + uuid.NewString() + defaultMediaExtension
}

// numberedFileName inserts " (n)" before the extension: "movie.mp4" -> "movie (1).mp4".
func numberedFileName(name string, n int) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s (%d)%s", base, n, ext)
}
