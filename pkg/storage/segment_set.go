package storage

import (
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-segkv/pkg/logging"
	"github.com/dd0wney/cluso-segkv/pkg/segment"
)

// SegmentSet is the ordered list of segments, oldest first. Only the last
// segment is writable.
//
// Readers load the list through an atomic pointer and never block on
// writers. mu serializes the rotate-or-append decision; the chosen
// segment's write lock is taken before mu is released, so a rotation can
// never freeze a segment that still has an append in flight.
type SegmentSet struct {
	dir        string
	maxRecords int
	logger     logging.Logger

	mu       sync.Mutex
	segments atomic.Pointer[[]*segment.Segment]

	onFreeze func(*segment.Segment)
}

// AppendResult describes where a record landed.
type AppendResult struct {
	Entry   segment.Entry
	Segment *segment.Segment
	Bytes   int
	// Frozen is the segment sealed by this call, if it rotated.
	Frozen *segment.Segment
}

func newSegmentSet(dir string, segs []*segment.Segment, maxRecords int, logger logging.Logger) *SegmentSet {
	ss := &SegmentSet{
		dir:        dir,
		maxRecords: maxRecords,
		logger:     logger,
	}
	list := append([]*segment.Segment(nil), segs...)
	ss.segments.Store(&list)
	return ss
}

func (ss *SegmentSet) list() []*segment.Segment {
	return *ss.segments.Load()
}

// AppendOrRotate appends a record to the writable segment, first rotating
// to a fresh segment when the writable one already indexes more than the
// configured number of keys.
func (ss *SegmentSet) AppendOrRotate(key uint64, value string, fsync bool) (AppendResult, error) {
	ss.mu.Lock()
	segs := ss.list()
	w := segs[len(segs)-1]
	w.Lock()

	var frozen *segment.Segment
	if w.Index().Len() > ss.maxRecords {
		next, err := segment.Create(ss.dir)
		if err != nil {
			w.Unlock()
			ss.mu.Unlock()
			return AppendResult{}, err
		}
		if err := w.FreezeLocked(); err != nil {
			// Still frozen; reads fall back to the file handle.
			ss.logger.Warn("frozen segment not memory mapped", logging.Segment(w.Name()), logging.Error(err))
		}
		w.Unlock()

		next.Lock()
		grown := make([]*segment.Segment, len(segs), len(segs)+1)
		copy(grown, segs)
		grown = append(grown, next)
		ss.segments.Store(&grown)

		frozen, w = w, next
	}
	ss.mu.Unlock()

	entry, err := w.AppendLocked(key, value, fsync)
	w.Unlock()

	if frozen != nil && ss.onFreeze != nil {
		ss.onFreeze(frozen)
	}
	if err != nil {
		return AppendResult{Segment: w, Frozen: frozen}, err
	}

	return AppendResult{
		Entry:   entry,
		Segment: w,
		Bytes:   len(segment.EncodeRecord(key, value)),
		Frozen:  frozen,
	}, nil
}

// LookupNewestFirst checks segment indexes from newest to oldest and returns
// the first hit, which is the most recent write of key.
func (ss *SegmentSet) LookupNewestFirst(key uint64) (segment.Entry, *segment.Segment, error) {
	segs := ss.list()
	for i := len(segs) - 1; i >= 0; i-- {
		if e, ok := segs[i].Index().Get(key); ok {
			return e, segs[i], nil
		}
	}
	return segment.Entry{}, nil, ErrKeyNotFound
}

// Writable returns the segment currently receiving appends.
func (ss *SegmentSet) Writable() *segment.Segment {
	segs := ss.list()
	return segs[len(segs)-1]
}

// Frozen returns the sealed segments, oldest first. A compactor would merge
// these; nothing in them changes after rotation.
func (ss *SegmentSet) Frozen() []*segment.Segment {
	segs := ss.list()
	return append([]*segment.Segment(nil), segs[:len(segs)-1]...)
}

// Segments returns every segment, oldest first.
func (ss *SegmentSet) Segments() []*segment.Segment {
	return append([]*segment.Segment(nil), ss.list()...)
}

// Len returns the number of segments.
func (ss *SegmentSet) Len() int {
	return len(ss.list())
}

// SetStats summarizes the segment set.
type SetStats struct {
	Segments       int             `json:"segments"`
	FrozenSegments int             `json:"frozen_segments"`
	IndexedKeys    int             `json:"indexed_keys"`
	Bytes          int64           `json:"bytes"`
	Detail         []segment.Stats `json:"detail,omitempty"`
}

// Stats returns a point-in-time summary of every segment.
func (ss *SegmentSet) Stats() SetStats {
	segs := ss.list()
	st := SetStats{
		Segments:       len(segs),
		FrozenSegments: len(segs) - 1,
		Detail:         make([]segment.Stats, 0, len(segs)),
	}
	for _, s := range segs {
		d := s.Stats()
		st.IndexedKeys += d.Keys
		st.Bytes += d.Bytes
		st.Detail = append(st.Detail, d)
	}
	return st
}
