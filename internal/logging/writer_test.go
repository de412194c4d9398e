package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestOpen_ProcessStreams(t *testing.T) {
	w, err := Open("stdout", 1, 1, 1)
	if err != nil {
		t.Fatalf("Open(stdout): %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("closing stdout writer must be a no-op, got %v", err)
	}
}

func TestRotatingWriter_CreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")

	rw, err := NewRotatingWriter(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	n, err := rw.Write([]byte("hello\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 6 {
		t.Fatalf("Write returned %d, want 6", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("file content = %q, want %q", string(data), "hello\n")
	}
}

func TestRotatingWriter_RotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(path, 0, 3, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	// Override maxBytes directly for a small test
	rw.maxBytes = 100
	defer rw.Close()

	data := strings.Repeat("x", 60)
	rw.Write([]byte(data))
	rw.Write([]byte(data)) // should trigger rotation

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	rotatedCount := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "test-") && strings.HasSuffix(e.Name(), ".log") {
			rotatedCount++
		}
	}
	if rotatedCount < 1 {
		t.Errorf("expected at least 1 rotated file, got %d", rotatedCount)
	}
}

func TestRotatingWriter_PruneEnforcesMaxBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(path, 0, 2, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	rw.maxBytes = 1 << 40
	defer rw.Close()

	// Pre-create rotated files; prune runs synchronously here.
	for _, stamp := range []string{"20240101-000000", "20240102-000000", "20240103-000000", "20240104-000000"} {
		name := filepath.Join(dir, "test-"+stamp+".log")
		if err := os.WriteFile(name, []byte("old"), 0o644); err != nil {
			t.Fatalf("seeding rotated file: %v", err)
		}
	}

	rw.prune()

	entries, _ := os.ReadDir(dir)
	rotated := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "test-") {
			rotated++
		}
	}
	if rotated != 2 {
		t.Errorf("expected 2 rotated files after prune, got %d", rotated)
	}
}
