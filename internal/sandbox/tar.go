package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"strings"
	"time"
)

// BuildTarArchive packs files into a tar stream for one-round-trip bulk
// writes. Paths are stored relative to / so extraction with -C / restores
// the absolute layout.
func BuildTarArchive(files []WriteRequest) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, f := range files {
		name := strings.TrimPrefix(f.Path, "/")
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(f.Content)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write tar header for %s: %w", f.Path, err)
		}
		if _, err := tw.Write([]byte(f.Content)); err != nil {
			return nil, fmt.Errorf("failed to write tar entry for %s: %w", f.Path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize tar archive: %w", err)
	}
	return buf.Bytes(), nil
}
