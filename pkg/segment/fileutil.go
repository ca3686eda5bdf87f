package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	Extension     = ".seg"
	HintExtension = ".hint"
	TempExtension = ".tmp"
)

// FileInfo is a segment file found in the data directory.
type FileInfo struct {
	Path    string
	Name    string
	ModTime time.Time
	Size    int64
}

// NewName returns a fresh segment file name. The zero-padded timestamp keeps
// lexical order equal to creation order; the uuid keeps names unique when
// two segments are created within the same clock tick.
func NewName(now time.Time) string {
	return fmt.Sprintf("%020d-%s%s", now.UnixNano(), uuid.NewString(), Extension)
}

// generatedName reports whether name was produced by NewName and returns
// the creation time encoded in it.
func generatedName(name string) (int64, bool) {
	const digits = 20
	if len(name) < digits+1 || name[digits] != '-' || !strings.HasSuffix(name, Extension) {
		return 0, false
	}
	if _, err := uuid.Parse(strings.TrimSuffix(name[digits+1:], Extension)); err != nil {
		return 0, false
	}
	nanos, err := strconv.ParseInt(name[:digits], 10, 64)
	if err != nil {
		return 0, false
	}
	return nanos, true
}

// created orders two files whose modification times are equal. Filesystem
// timestamps are coarse, so a freshly rotated segment often shares its
// mtime with the segment it replaced. Generated names always come after
// foreign ones, and among themselves follow their encoded creation time.
func created(a, b FileInfo) bool {
	an, aGen := generatedName(a.Name)
	bn, bGen := generatedName(b.Name)
	switch {
	case aGen != bGen:
		return bGen
	case aGen && an != bn:
		return an < bn
	}
	return a.Name < b.Name
}

// HintPath returns the hint file path belonging to a segment.
func HintPath(segmentPath string) string {
	return segmentPath + HintExtension
}

// IsSegmentFile reports whether a directory entry name is a segment. Hidden
// files and the hint/temp files this package writes are skipped; any other
// regular file counts, so hand-written segments such as "seg1.db" load too.
func IsSegmentFile(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.HasSuffix(name, HintExtension) && !strings.HasSuffix(name, TempExtension)
}

// List returns the segment files of dir, oldest first. Files are ordered by
// modification time. On equal times generated segments sort after foreign
// files such as "seg1.db", then by name.
func List(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsSegmentFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", e.Name(), err)
		}
		files = append(files, FileInfo{
			Path:    filepath.Join(dir, e.Name()),
			Name:    e.Name(),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return created(files[i], files[j])
	})
	return files, nil
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
