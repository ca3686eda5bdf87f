package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dd0wney/cluso-segkv/pkg/logging"
	"github.com/dd0wney/cluso-segkv/pkg/metrics"
	"github.com/dd0wney/cluso-segkv/pkg/segment"
	"github.com/dd0wney/cluso-segkv/pkg/validation"
)

// Store is a log-structured key-value store over a directory of segment
// files. It is safe for concurrent use.
type Store struct {
	opts    Options
	set     *SegmentSet
	worker  *freezeWorker
	logger  logging.Logger
	metrics *metrics.Registry

	// mu is held shared by every operation and exclusively by Close, so
	// segments are never unmapped under a reader.
	mu     sync.RWMutex
	closed bool
}

// Open loads every segment in opts.Dir, oldest first by modification time,
// and makes the newest one writable. An empty or missing directory starts
// with a single fresh segment. A corrupt segment fails Open.
func Open(opts Options) (*Store, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With(logging.Component("store"))
	timer := logging.StartTimer(logger, "store opened", logging.Path(opts.Dir))

	if err := segment.EnsureDir(opts.Dir); err != nil {
		return nil, NewError("open").Path(opts.Dir).Kind(ErrIO).Cause(err).Err()
	}

	files, err := segment.List(opts.Dir)
	if err != nil {
		return nil, NewError("open").Path(opts.Dir).Kind(ErrIO).Cause(err).Err()
	}

	segs := make([]*segment.Segment, 0, len(files)+1)
	closeAll := func() {
		for _, s := range segs {
			s.Close()
		}
	}

	for i, f := range files {
		writable := i == len(files)-1
		seg, err := segment.Open(f.Path, segment.OpenOptions{
			Writable: writable,
			UseHint:  opts.UseHints,
		})
		if err != nil {
			closeAll()
			kind := ErrIO
			if errors.Is(err, segment.ErrCorruptRecord) {
				kind = ErrCorruptRecord
			}
			return nil, NewError("open").Path(f.Path).Kind(kind).Cause(err).Err()
		}

		source := metrics.SourceReplay
		if seg.LoadedFromHint() {
			source = metrics.SourceHint
		}
		opts.Metrics.RecordSegmentLoad(source)
		logger.Debug("segment loaded",
			logging.Segment(seg.Name()),
			logging.Count(seg.Index().Len()),
			logging.String("source", source),
			logging.Bool("writable", writable))

		segs = append(segs, seg)
	}

	if len(segs) == 0 {
		seg, err := segment.Create(opts.Dir)
		if err != nil {
			return nil, NewError("open").Path(opts.Dir).Kind(ErrIO).Cause(err).Err()
		}
		logger.Info("created first segment", logging.Segment(seg.Name()))
		segs = append(segs, seg)
	}

	s := &Store{
		opts:    opts,
		set:     newSegmentSet(opts.Dir, segs, opts.MaxRecordsPerSegment, logger),
		worker:  newFreezeWorker(opts),
		logger:  logger,
		metrics: opts.Metrics,
	}
	s.set.onFreeze = s.segmentFrozen
	s.worker.start()

	// Frozen segments replayed from scratch get a hint for the next start.
	if opts.UseHints {
		for _, seg := range s.set.Frozen() {
			if !seg.LoadedFromHint() {
				s.worker.enqueue(freezeJob{seg: seg})
			}
		}
	}

	s.publishShape()
	s.metrics.SetStartupDuration(timer.Elapsed())
	timer.End(logging.Count(len(segs)))
	return s, nil
}

// Get returns the most recently written value for key.
func (s *Store) Get(key uint64) (string, error) {
	start := time.Now()
	value, err := s.get(key)

	status := metrics.StatusSuccess
	switch {
	case errors.Is(err, ErrKeyNotFound):
		status = metrics.StatusNotFound
	case err != nil:
		status = metrics.StatusError
	}
	s.metrics.RecordStorageOperation("get", status, time.Since(start))
	return value, err
}

func (s *Store) get(key uint64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ClosedError("get")
	}

	entry, seg, err := s.set.LookupNewestFirst(key)
	if err != nil {
		return "", KeyNotFoundError(key)
	}

	raw, err := seg.ReadValue(entry)
	if err != nil {
		s.logger.Error("read failed", logging.Key(key), logging.Segment(seg.Name()), logging.Offset(entry.Offset), logging.Error(err))
		return "", IOError("get", key, seg.Path(), err)
	}
	if !utf8.Valid(raw) {
		return "", NewError("get").Key(key).Path(seg.Path()).Kind(ErrEncoding).Err()
	}

	s.logger.Debug("get", logging.Key(key), logging.Segment(seg.Name()), logging.Offset(entry.Offset))
	return string(raw), nil
}

// Set appends a new record for key. Overwrites never touch earlier records;
// the newer record simply shadows them.
func (s *Store) Set(key uint64, value string) error {
	start := time.Now()
	err := s.put(key, value)

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	s.metrics.RecordStorageOperation("set", status, time.Since(start))
	return err
}

func (s *Store) put(key uint64, value string) error {
	if err := validation.ValidateValue(value); err != nil {
		return InvalidValueError(key, err.Error())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ClosedError("set")
	}

	res, err := s.set.AppendOrRotate(key, value, s.opts.SyncWrites)
	if err != nil {
		path := s.opts.Dir
		if res.Segment != nil {
			path = res.Segment.Path()
		}
		s.logger.Error("append failed", logging.Key(key), logging.Path(path), logging.Error(err))
		return IOError("set", key, path, err)
	}

	s.metrics.RecordAppend(res.Bytes)
	if res.Frozen != nil {
		s.publishShape()
	}
	s.logger.Debug("set", logging.Key(key), logging.Segment(res.Segment.Name()), logging.Offset(res.Entry.Offset))
	return nil
}

// segmentFrozen runs after a rotation, outside all set locks.
func (s *Store) segmentFrozen(seg *segment.Segment) {
	s.metrics.RecordRotation()
	s.logger.Info("segment rotated",
		logging.Segment(seg.Name()),
		logging.Count(seg.Index().Len()),
		logging.Int64("bytes", seg.Size()))
	s.worker.enqueue(freezeJob{seg: seg, archive: true})
}

func (s *Store) publishShape() {
	st := s.set.Stats()
	s.metrics.SetStorageShape(st.Segments, st.FrozenSegments, st.IndexedKeys, st.Bytes)
}

// Segments exposes the segment set, for inspection and future compaction.
func (s *Store) Segments() *SegmentSet {
	return s.set
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.opts.Dir
}

// Stats describes the store for the admin endpoints.
type Stats struct {
	SetStats
	Writable          string `json:"writable"`
	PendingFreezeJobs int    `json:"pending_freeze_jobs"`
	Closed            bool   `json:"closed"`
}

// Stats returns a point-in-time summary and refreshes the shape gauges.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		SetStats:          s.set.Stats(),
		Writable:          s.set.Writable().Name(),
		PendingFreezeJobs: s.worker.queued(),
		Closed:            s.closed,
	}
	s.metrics.SetStorageShape(st.Segments, st.FrozenSegments, st.IndexedKeys, st.Bytes)
	return st
}

// Close stops background work, letting queued hint writes and uploads
// finish, and releases every segment. Calls in flight complete first.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.worker.stop()

	var errs []error
	for _, seg := range s.set.Segments() {
		if err := seg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", seg.Name(), err))
		}
	}
	s.logger.Info("store closed", logging.Path(s.opts.Dir))
	return errors.Join(errs...)
}
