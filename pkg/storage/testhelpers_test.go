package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testStore opens a Store for testing with sensible defaults and closes it
// when the test completes.
func testStore(t *testing.T, opts ...Options) *Store {
	t.Helper()

	var o Options
	if len(opts) > 0 {
		o = opts[0]
	} else {
		o = DefaultOptions()
		o.Dir = t.TempDir()
	}

	if o.Dir == "" {
		o.Dir = t.TempDir()
	}

	s, err := Open(o)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("Warning: Close() failed during cleanup: %v", err)
		}
	})

	return s
}

// reopen closes s and opens a new store over the same directory with the
// same options.
func reopen(t *testing.T, s *Store) *Store {
	t.Helper()

	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}
	opts := s.opts
	opts.Metrics = nil
	return testStore(t, opts)
}

// smallSegments returns options that rotate after max keys.
func smallSegments(t *testing.T, max int) Options {
	o := DefaultOptions()
	o.Dir = t.TempDir()
	o.MaxRecordsPerSegment = max
	return o
}

// writeSegment writes a raw segment file and sets its modification time.
func writeSegment(t *testing.T, dir, name, content string, mtime time.Time) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write segment %s: %v", name, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Failed to set mtime on %s: %v", name, err)
	}
	return path
}

func mustSet(t *testing.T, s *Store, key uint64, value string) {
	t.Helper()
	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set(%d) failed: %v", key, err)
	}
}

func mustGet(t *testing.T, s *Store, key uint64) string {
	t.Helper()
	v, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get(%d) failed: %v", key, err)
	}
	return v
}

// checkAll fails the test on the first key whose value differs from want.
func checkAll(t *testing.T, s *Store, want map[uint64]string) {
	t.Helper()
	for k, v := range want {
		if got := mustGet(t, s, k); got != v {
			t.Fatalf("Get(%d) = %q, want %q", k, got, v)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return string(data)
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat %s: %v", path, err)
	}
	return info.Size()
}
