package sandbox

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"
)

func TestContentLimits_AllowsContent(t *testing.T) {
	limits := NewContentLimits(1024*1024, []string{"png", ".jpg", "BIN"})

	tests := []struct {
		name string
		path string
		size int64
		want bool
	}{
		{"small text file", "README.md", 100, true},
		{"exactly at limit", "notes.txt", 1024 * 1024, true},
		{"over limit", "big.txt", 1024*1024 + 1, false},
		{"binary extension", "logo.png", 10, false},
		{"binary extension with dot config", "photo.jpg", 10, false},
		{"case insensitive extension", "data.BIN", 10, false},
		{"no extension", "Makefile", 10, true},
		{"nested path", "src/a/b/c.go", 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := limits.AllowsContent(tt.path, tt.size); got != tt.want {
				t.Errorf("AllowsContent(%q, %d) = %v, want %v", tt.path, tt.size, got, tt.want)
			}
		})
	}
}

func TestBuildTarArchive(t *testing.T) {
	files := []WriteRequest{
		{Path: "/workspace/README.md", Content: "# Hi"},
		{Path: "/root/.claude/settings.json", Content: "{}"},
	}

	archive, err := BuildTarArchive(files)
	if err != nil {
		t.Fatalf("BuildTarArchive failed: %v", err)
	}

	tr := tar.NewReader(bytes.NewReader(archive))
	got := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read failed: %v", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("tar entry read failed: %v", err)
		}
		got[hdr.Name] = string(content)
	}

	if got["workspace/README.md"] != "# Hi" {
		t.Errorf("workspace/README.md = %q", got["workspace/README.md"])
	}
	if got["root/.claude/settings.json"] != "{}" {
		t.Errorf("root/.claude/settings.json = %q", got["root/.claude/settings.json"])
	}
}

func TestIOError(t *testing.T) {
	inner := io.ErrUnexpectedEOF
	err := NewIOError("readFile", "/workspace/a.txt", inner)

	if err.Unwrap() != inner {
		t.Error("Unwrap should return the provider error")
	}
	want := "sandbox readFile /workspace/a.txt: unexpected EOF"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
