package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/mmap"
)

// Segment is one append-only data file plus its in-memory index.
//
// A segment starts writable and is frozen exactly once, on rotation. After
// Freeze returns no further bytes are ever appended, and reads go through a
// read-only memory map.
type Segment struct {
	path  string
	name  string
	index *Index

	// writeMu serializes appends and Freeze.
	writeMu sync.Mutex
	file    *os.File
	size    atomic.Int64
	frozen  atomic.Bool
	closed  atomic.Bool

	mapped atomic.Pointer[mmap.ReaderAt]

	loadedFromHint bool
}

// OpenOptions controls how an existing segment file is loaded.
type OpenOptions struct {
	Writable bool
	UseHint  bool
}

// Create makes a new, empty, writable segment in dir.
func Create(dir string) (*Segment, error) {
	path := filepath.Join(dir, NewName(time.Now()))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %s: %w", path, err)
	}

	return &Segment{
		path:  path,
		name:  filepath.Base(path),
		index: NewIndex(),
		file:  file,
	}, nil
}

// Open loads an existing segment. Frozen segments use a valid hint file when
// allowed and fall back to a full replay; the writable segment is always
// replayed. A writable segment whose last record lacks its newline gets one
// appended so the next record starts on a fresh line.
func Open(path string, opts OpenOptions) (*Segment, error) {
	s := &Segment{
		path: path,
		name: filepath.Base(path),
	}

	if !opts.Writable && opts.UseHint {
		if idx, size, err := loadHintFor(path); err == nil {
			s.index = idx
			s.size.Store(size)
			s.loadedFromHint = true
		}
	}

	var tornTail bool
	if s.index == nil {
		idx, res, err := replay(path)
		if err != nil {
			return nil, err
		}
		s.index = idx
		s.size.Store(res.size)
		tornTail = res.tornTail
	}

	if !opts.Writable {
		s.frozen.Store(true)
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
		}
		s.file = file
		if m, err := mmap.Open(path); err == nil {
			s.mapped.Store(m)
		}
		return s, nil
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	s.file = file

	if tornTail {
		if _, err := file.Write([]byte{recordDelimiter}); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to terminate last record of %s: %w", path, err)
		}
		s.size.Add(1)
	}
	return s, nil
}

// loadHintFor returns the hinted index only when it still describes the
// file as it is on disk.
func loadHintFor(path string) (*Index, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	idx, err := LoadHint(HintPath(path), info.Size())
	if err != nil {
		return nil, 0, err
	}
	return idx, info.Size(), nil
}

// Path returns the segment file path
func (s *Segment) Path() string { return s.path }

// Name returns the segment file name
func (s *Segment) Name() string { return s.name }

// Index returns the segment's key directory
func (s *Segment) Index() *Index { return s.index }

// Size returns the number of bytes in the file
func (s *Segment) Size() int64 { return s.size.Load() }

// Frozen reports whether the segment has been sealed by rotation
func (s *Segment) Frozen() bool { return s.frozen.Load() }

// LoadedFromHint reports whether the index came from a hint file
func (s *Segment) LoadedFromHint() bool { return s.loadedFromHint }

// Lock acquires the segment's write mutex. The segment set takes it while
// still holding its own lock so that rotation cannot freeze a segment with
// an append in flight. The holder must call AppendLocked or Unlock.
func (s *Segment) Lock() { s.writeMu.Lock() }

// Unlock releases the write mutex taken by Lock.
func (s *Segment) Unlock() { s.writeMu.Unlock() }

// Append writes one record and indexes it.
func (s *Segment) Append(key uint64, value string, fsync bool) (Entry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.AppendLocked(key, value, fsync)
}

// AppendLocked is Append for a caller that already holds the write mutex.
//
// The record goes out in a single write. If the write or the optional fsync
// fails the file is truncated back to its previous size, so the segment
// never keeps a torn or unindexed record.
func (s *Segment) AppendLocked(key uint64, value string, fsync bool) (Entry, error) {
	if s.closed.Load() {
		return Entry{}, ErrSegmentClosed
	}
	if s.frozen.Load() {
		return Entry{}, ErrSegmentFrozen
	}
	if !ValidValue(value) {
		return Entry{}, ErrInvalidValue
	}

	rec := EncodeRecord(key, value)
	start := s.size.Load()

	n, err := s.file.Write(rec)
	if err == nil && n != len(rec) {
		err = io.ErrShortWrite
	}
	if err == nil && fsync {
		err = s.file.Sync()
	}
	if err != nil {
		if truncErr := s.file.Truncate(start); truncErr != nil {
			return Entry{}, fmt.Errorf("failed to append to %s: %w (rollback failed: %v)", s.path, err, truncErr)
		}
		return Entry{}, fmt.Errorf("failed to append to %s: %w", s.path, err)
	}

	entry := Entry{
		Offset: uint64(start) + uint64(len(rec)-len(value)-1),
		Length: uint64(len(value)),
	}
	s.size.Store(start + int64(n))
	s.index.Put(key, entry)
	return entry, nil
}

// ReadValue reads exactly e.Length bytes at e.Offset.
func (s *Segment) ReadValue(e Entry) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrSegmentClosed
	}

	var r io.ReaderAt = s.file
	if m := s.mapped.Load(); m != nil {
		r = m
	}

	buf := make([]byte, e.Length)
	n, err := r.ReadAt(buf, int64(e.Offset))
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = ErrShortRead
	}
	return nil, fmt.Errorf("failed to read %d bytes at offset %d of %s: %w", e.Length, e.Offset, s.path, err)
}

// Freeze seals the segment. It waits for an in-flight append to finish,
// then maps the file read-only. A failed map leaves the segment frozen and
// readable through its file handle; the error is returned for logging.
func (s *Segment) Freeze() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.freezeLocked()
}

// FreezeLocked is Freeze for a caller that already holds the write mutex.
func (s *Segment) FreezeLocked() error {
	return s.freezeLocked()
}

func (s *Segment) freezeLocked() error {
	if s.frozen.Swap(true) {
		return nil
	}
	m, err := mmap.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to map frozen segment %s: %w", s.path, err)
	}
	s.mapped.Store(m)
	return nil
}

// Close releases the file handle and memory map. Callers must ensure no
// reads are in flight.
func (s *Segment) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}

	var errs []error
	if m := s.mapped.Swap(nil); m != nil {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats describes one segment for metrics and the admin endpoints.
type Stats struct {
	Name     string `json:"name"`
	Keys     int    `json:"keys"`
	Bytes    int64  `json:"bytes"`
	Frozen   bool   `json:"frozen"`
	FromHint bool   `json:"from_hint"`
}

// Stats returns a point-in-time description of the segment
func (s *Segment) Stats() Stats {
	return Stats{
		Name:     s.name,
		Keys:     s.index.Len(),
		Bytes:    s.size.Load(),
		Frozen:   s.frozen.Load(),
		FromHint: s.loadedFromHint,
	}
}
