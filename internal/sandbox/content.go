package sandbox

import (
	"path"
	"strings"
)

// ContentLimits decides whether a watched file's content may be delivered.
// Files over the size limit or with a known binary extension are surfaced
// without content.
type ContentLimits struct {
	MaxFileBytes int64
	binaryExts   map[string]bool
}

// NewContentLimits builds limits from a max byte size and a list of binary
// extensions (with or without leading dot).
func NewContentLimits(maxBytes int64, extensions []string) ContentLimits {
	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(ext, "."))
		if ext != "" {
			exts[ext] = true
		}
	}
	return ContentLimits{MaxFileBytes: maxBytes, binaryExts: exts}
}

// AllowsContent reports whether a file of the given path and size should be
// read as text.
func (l ContentLimits) AllowsContent(filePath string, size int64) bool {
	if l.MaxFileBytes > 0 && size > l.MaxFileBytes {
		return false
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filePath), "."))
	if ext != "" && l.binaryExts[ext] {
		return false
	}
	return true
}
