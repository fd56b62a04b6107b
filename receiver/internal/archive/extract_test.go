package archive

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w := zip.NewWriter(f)
	for name, content := range entries {
		entry, err := w.Create(name)
		if err != nil {
			t.Fatalf("create entry: %v", err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func TestExtractZip(t *testing.T) {
	path := writeZip(t, map[string]string{
		"series1/0001.dcm": "aaaa",
		"series1/0002.dcm": "bbbb",
	})
	dst := t.TempDir()

	files, err := ExtractZip(path, dst)
	if err != nil {
		t.Fatalf("ExtractZip: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			t.Fatalf("missing extracted file %s: %v", f, err)
		}
	}
}

func TestExtractZipMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.zip")
	if err := os.WriteFile(path, []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ExtractZip(path, t.TempDir()); !errors.Is(err, ErrMalformedArchive) {
		t.Fatalf("expected ErrMalformedArchive, got %v", err)
	}
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	for _, name := range []string{"../escape.dcm", "nested/../../escape.dcm", "/abs/escape.dcm"} {
		path := writeZip(t, map[string]string{name: "x"})
		if _, err := ExtractZip(path, t.TempDir()); !errors.Is(err, ErrUnsafePath) {
			t.Fatalf("entry %q: expected ErrUnsafePath, got %v", name, err)
		}
	}
}
