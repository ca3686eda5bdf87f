package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dd0wney/cluso-segkv/pkg/metrics"
	"github.com/dd0wney/cluso-segkv/pkg/segment"
)

func TestStore_RoundTrip(t *testing.T) {
	s := testStore(t)

	values := map[uint64]string{
		0:                    "zero",
		1:                    "a",
		42:                   "hello world",
		7:                    "",
		100:                  "commas, are, fine",
		101:                  "  leading and trailing  ",
		18446744073709551615: "max key",
		8:                    "héllo 日本語 🌍",
	}
	for k, v := range values {
		mustSet(t, s, k, v)
	}
	for k, v := range values {
		if got := mustGet(t, s, k); got != v {
			t.Errorf("Get(%d) = %q, want %q", k, got, v)
		}
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := testStore(t)

	_, err := s.Get(404)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Expected ErrKeyNotFound, got %v", err)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should report true")
	}
	if got := ClientMessage(err); got != "get key 404: key not found" {
		t.Errorf("ClientMessage() = %q", got)
	}
}

func TestStore_LastWriteWins(t *testing.T) {
	s := testStore(t)

	mustSet(t, s, 5, "x")
	mustSet(t, s, 5, "yy")
	if got := mustGet(t, s, 5); got != "yy" {
		t.Errorf("Get(5) = %q, want %q", got, "yy")
	}

	// The shadowed record is still on disk.
	if got := readFile(t, s.Segments().Writable().Path()); got != "5,x\n5,yy\n" {
		t.Errorf("Segment content = %q", got)
	}
}

func TestStore_InvalidValue(t *testing.T) {
	s := testStore(t)

	for _, v := range []string{"two\nlines", "\n", "bad \xff utf8", "tail\r"} {
		if err := s.Set(1, v); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("Set(%q) error = %v, want ErrInvalidValue", v, err)
		}
	}

	// Nothing was written.
	if size := s.Segments().Writable().Size(); size != 0 {
		t.Errorf("Expected empty segment, got %d bytes", size)
	}
	if _, err := s.Get(1); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}

	if msg := ClientMessage(s.Set(2, "a\nb")); !strings.Contains(msg, "must not contain a newline") {
		t.Errorf("ClientMessage() = %q", msg)
	}
}

func TestStore_SegmentExample(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "seg1.db", "1,a\n2,bb\n1,ccc\n", time.Now().Add(-time.Hour))

	o := DefaultOptions()
	o.Dir = dir
	s := testStore(t, o)

	if got := mustGet(t, s, 1); got != "ccc" {
		t.Errorf("Get(1) = %q, want %q", got, "ccc")
	}
	if got := mustGet(t, s, 2); got != "bb" {
		t.Errorf("Get(2) = %q, want %q", got, "bb")
	}

	e, ok := s.Segments().Writable().Index().Get(1)
	if !ok {
		t.Fatal("Key 1 missing from index")
	}
	if want := (segment.Entry{Offset: 11, Length: 3}); e != want {
		t.Errorf("Index entry = %+v, want %+v", e, want)
	}
}

func TestStore_ModTimeOrdering(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	// Lexical order is the reverse of modification order.
	writeSegment(t, dir, "b-old.seg", "5,old\n6,only-old\n", now.Add(-2*time.Hour))
	writeSegment(t, dir, "a-new.seg", "5,new\n", now.Add(-time.Hour))

	o := DefaultOptions()
	o.Dir = dir
	s := testStore(t, o)

	if got := mustGet(t, s, 5); got != "new" {
		t.Errorf("Get(5) = %q, want %q", got, "new")
	}
	if got := mustGet(t, s, 6); got != "only-old" {
		t.Errorf("Get(6) = %q, want %q", got, "only-old")
	}
	if name := s.Segments().Writable().Name(); name != "a-new.seg" {
		t.Errorf("Writable segment = %s, want a-new.seg", name)
	}

	// New writes land in the newest file.
	mustSet(t, s, 7, "seven")
	if got := readFile(t, filepath.Join(dir, "a-new.seg")); got != "5,new\n7,seven\n" {
		t.Errorf("Segment content = %q", got)
	}
}

func TestStore_RotationFromForeignSegmentSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	seg1 := writeSegment(t, dir, "seg1.db", "1,apple\n2,banana\n", time.Now())

	o := DefaultOptions()
	o.Dir = dir
	o.MaxRecordsPerSegment = 2
	s := testStore(t, o)

	mustSet(t, s, 3, "x")
	mustSet(t, s, 1, "cherry")
	if n := s.Segments().Len(); n != 2 {
		t.Fatalf("Expected a rotation, got %d segments", n)
	}
	rotated := s.Segments().Writable().Path()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Coarse filesystem clocks often stamp both files with the same time.
	same := time.Now().Truncate(time.Second)
	for _, path := range []string{seg1, rotated} {
		if err := os.Chtimes(path, same, same); err != nil {
			t.Fatalf("Failed to set mtime on %s: %v", path, err)
		}
	}

	for i := 0; i < 2; i++ {
		s = reopen(t, s)
		if got := mustGet(t, s, 1); got != "cherry" {
			t.Fatalf("Get(1) after restart %d = %q, want %q", i+1, got, "cherry")
		}
		if got := mustGet(t, s, 2); got != "banana" {
			t.Errorf("Get(2) after restart %d = %q, want %q", i+1, got, "banana")
		}
		if got := s.Segments().Writable().Path(); got != rotated {
			t.Errorf("Writable segment after restart = %s, want %s", got, rotated)
		}
	}
}

func TestStore_CorruptSegmentFailsOpen(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "good.seg", "1,a\n", time.Now().Add(-2*time.Hour))
	bad := writeSegment(t, dir, "bad.seg", "2,b\nnot-a-record\n", time.Now().Add(-time.Hour))

	o := DefaultOptions()
	o.Dir = dir
	s, err := Open(o)
	if err == nil {
		s.Close()
		t.Fatal("Expected Open to fail on a corrupt segment")
	}
	if s != nil {
		t.Error("Expected nil store on failure")
	}
	if !errors.Is(err, ErrCorruptRecord) || !IsCorrupt(err) {
		t.Errorf("Expected corrupt record error, got %v", err)
	}
	if !strings.Contains(err.Error(), bad) {
		t.Errorf("Error %q does not name %s", err, bad)
	}

	var cre *segment.CorruptRecordError
	if !errors.As(err, &cre) {
		t.Fatalf("Expected *segment.CorruptRecordError, got %T", err)
	}
	if cre.Line != 2 || cre.Offset != 4 {
		t.Errorf("Corrupt record at line %d offset %d, want line 2 offset 4", cre.Line, cre.Offset)
	}
}

func TestStore_EncodingError(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "raw.seg", "1,\xff\xfe\n2,ok\n", time.Now())

	o := DefaultOptions()
	o.Dir = dir
	s := testStore(t, o)

	if _, err := s.Get(1); !errors.Is(err, ErrEncoding) {
		t.Errorf("Expected ErrEncoding, got %v", err)
	}
	if got := mustGet(t, s, 2); got != "ok" {
		t.Errorf("Get(2) = %q, want %q", got, "ok")
	}
}

func TestStore_ReadIOError(t *testing.T) {
	s := testStore(t)
	mustSet(t, s, 1, "value")

	// Shrink the writable file behind the store's back.
	if err := os.Truncate(s.Segments().Writable().Path(), 2); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}

	_, err := s.Get(1)
	if !errors.Is(err, ErrIO) || !errors.Is(err, segment.ErrShortRead) {
		t.Fatalf("Expected short read i/o error, got %v", err)
	}
	if got := ClientMessage(err); got != "get key 1: i/o error" {
		t.Errorf("ClientMessage() = %q", got)
	}
}

func TestStore_Rotation(t *testing.T) {
	s := testStore(t, smallSegments(t, 2))

	for k := uint64(1); k <= 9; k++ {
		mustSet(t, s, k, fmt.Sprintf("v%d", k))
	}
	// Each segment takes max+1 distinct keys before the next set rotates.
	if n := s.Segments().Len(); n != 3 {
		t.Fatalf("Expected 3 segments, got %d", n)
	}

	// The size check runs before every append, so a full segment rotates
	// even when the key is already in it.
	mustSet(t, s, 9, "v9-again")
	if n := s.Segments().Len(); n != 4 {
		t.Fatalf("Expected 4 segments after overwrite, got %d", n)
	}

	mustSet(t, s, 10, "v10")
	if n := s.Segments().Len(); n != 4 {
		t.Fatalf("Expected 4 segments, got %d", n)
	}

	for k := uint64(1); k <= 8; k++ {
		if got, want := mustGet(t, s, k), fmt.Sprintf("v%d", k); got != want {
			t.Errorf("Get(%d) = %q, want %q", k, got, want)
		}
	}
	if got := mustGet(t, s, 9); got != "v9-again" {
		t.Errorf("Get(9) = %q, want %q", got, "v9-again")
	}

	frozen := s.Segments().Frozen()
	if len(frozen) != 3 {
		t.Fatalf("Expected 3 frozen segments, got %d", len(frozen))
	}
	for _, seg := range frozen {
		if !seg.Frozen() {
			t.Errorf("Segment %s should be frozen", seg.Name())
		}
		if n := seg.Index().Len(); n != 3 {
			t.Errorf("Frozen segment %s holds %d keys, want 3", seg.Name(), n)
		}
	}
	if s.Segments().Writable().Frozen() {
		t.Error("Writable segment should not be frozen")
	}
	if got := testutil.ToFloat64(s.metrics.StorageRotationsTotal); got != 3 {
		t.Errorf("Expected 3 rotations, got %v", got)
	}
}

func TestStore_FrozenSegmentsNeverChange(t *testing.T) {
	s := testStore(t, smallSegments(t, 1))

	for k := uint64(0); k < 6; k++ {
		mustSet(t, s, k, "first")
	}
	sizes := map[string]int64{}
	for _, seg := range s.Segments().Frozen() {
		sizes[seg.Path()] = fileSize(t, seg.Path())
	}

	for k := uint64(0); k < 6; k++ {
		mustSet(t, s, k, "second")
	}
	for path, size := range sizes {
		if got := fileSize(t, path); got != size {
			t.Errorf("Frozen segment %s changed size: %d -> %d", path, size, got)
		}
	}
	for k := uint64(0); k < 6; k++ {
		if got := mustGet(t, s, k); got != "second" {
			t.Errorf("Get(%d) = %q, want %q", k, got, "second")
		}
	}
}

func TestStore_OverwriteAcrossSegments(t *testing.T) {
	s := testStore(t, smallSegments(t, 1))

	mustSet(t, s, 1, "old")
	mustSet(t, s, 2, "filler")
	mustSet(t, s, 3, "rotates")
	if n := s.Segments().Len(); n != 2 {
		t.Fatalf("Expected 2 segments, got %d", n)
	}

	mustSet(t, s, 1, "new")
	if got := mustGet(t, s, 1); got != "new" {
		t.Errorf("Get(1) = %q, want %q", got, "new")
	}

	// The first segment still holds the old value.
	first := s.Segments().Frozen()[0]
	e, ok := first.Index().Get(1)
	if !ok {
		t.Fatal("Key 1 missing from first segment")
	}
	old, err := first.ReadValue(e)
	if err != nil {
		t.Fatalf("ReadValue failed: %v", err)
	}
	if string(old) != "old" {
		t.Errorf("First segment value = %q, want %q", old, "old")
	}
}

func TestStore_RestartIdempotence(t *testing.T) {
	for _, useHints := range []bool{false, true} {
		t.Run(fmt.Sprintf("hints=%v", useHints), func(t *testing.T) {
			o := smallSegments(t, 3)
			o.UseHints = useHints
			s := testStore(t, o)

			want := map[uint64]string{}
			for i := 0; i < 40; i++ {
				k := uint64(i % 13)
				v := fmt.Sprintf("value-%d", i)
				mustSet(t, s, k, v)
				want[k] = v
			}
			segments := s.Segments().Len()

			s = reopen(t, s)
			if n := s.Segments().Len(); n != segments {
				t.Errorf("Expected %d segments after restart, got %d", segments, n)
			}
			checkAll(t, s, want)

			hinted := testutil.ToFloat64(s.metrics.StorageSegmentLoads.WithLabelValues(metrics.SourceHint))
			if useHints && hinted != float64(segments-1) {
				t.Errorf("Expected %d segments loaded from hints, got %v", segments-1, hinted)
			}
			if !useHints && hinted != 0 {
				t.Errorf("Expected no hint loads, got %v", hinted)
			}

			// Reopening twice changes nothing.
			s = reopen(t, s)
			checkAll(t, s, want)
		})
	}
}

func TestStore_HintsWrittenForReplayedSegments(t *testing.T) {
	dir := t.TempDir()
	old := writeSegment(t, dir, "old.seg", "1,a\n2,b\n", time.Now().Add(-time.Hour))
	writeSegment(t, dir, "new.seg", "3,c\n", time.Now())

	o := DefaultOptions()
	o.Dir = dir
	s := testStore(t, o)
	s.worker.waitIdle()

	if !segment.FileExists(segment.HintPath(old)) {
		t.Error("Expected a hint for the frozen segment")
	}
	if segment.FileExists(segment.HintPath(filepath.Join(dir, "new.seg"))) {
		t.Error("The writable segment must not get a hint")
	}
}

func TestStore_TornTailRepairedOnOpen(t *testing.T) {
	dir := t.TempDir()
	path := writeSegment(t, dir, "crash.seg", "1,a\n2,partial", time.Now())

	o := DefaultOptions()
	o.Dir = dir
	s := testStore(t, o)

	if got := mustGet(t, s, 2); got != "partial" {
		t.Errorf("Get(2) = %q, want %q", got, "partial")
	}
	mustSet(t, s, 3, "c")

	if got := readFile(t, path); got != "1,a\n2,partial\n3,c\n" {
		t.Errorf("Segment content = %q", got)
	}

	s = reopen(t, s)
	if got := mustGet(t, s, 3); got != "c" {
		t.Errorf("Get(3) = %q, want %q", got, "c")
	}
}

func TestStore_IgnoresHiddenAndHintFiles(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, ".DS_Store", "garbage without comma\n", time.Now())
	writeSegment(t, dir, "x.seg.hint", "not a segment\n", time.Now())
	writeSegment(t, dir, "x.seg.hint.tmp", "not a segment\n", time.Now())

	o := DefaultOptions()
	o.Dir = dir
	s := testStore(t, o)
	if n := s.Segments().Len(); n != 1 {
		t.Errorf("Expected 1 segment, got %d", n)
	}
}

func TestStore_CreatesDirectory(t *testing.T) {
	o := DefaultOptions()
	o.Dir = filepath.Join(t.TempDir(), "nested", "db")
	s := testStore(t, o)

	mustSet(t, s, 1, "a")
	if info, err := os.Stat(o.Dir); err != nil || !info.IsDir() {
		t.Fatalf("Expected directory %s: %v", o.Dir, err)
	}
	if name := s.Segments().Writable().Name(); !strings.HasSuffix(name, segment.Extension) {
		t.Errorf("Segment name %s lacks %s", name, segment.Extension)
	}
}

func TestStore_SyncWrites(t *testing.T) {
	o := DefaultOptions()
	o.Dir = t.TempDir()
	o.SyncWrites = true
	s := testStore(t, o)

	mustSet(t, s, 1, "durable")
	if got := mustGet(t, s, 1); got != "durable" {
		t.Errorf("Get(1) = %q, want %q", got, "durable")
	}
}

func TestStore_Closed(t *testing.T) {
	s := testStore(t)
	mustSet(t, s, 1, "a")
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}

	if _, err := s.Get(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := s.Set(1, "b"); !IsClosed(err) {
		t.Errorf("Expected closed error, got %v", err)
	}
	if !s.Stats().Closed {
		t.Error("Stats should report closed")
	}
}

func TestStore_Stats(t *testing.T) {
	s := testStore(t, smallSegments(t, 1))

	for k := uint64(0); k < 5; k++ {
		mustSet(t, s, k, "v")
	}

	st := s.Stats()
	bytes := int64(5 * len("0,v\n"))
	if st.Segments != 3 || st.FrozenSegments != 2 || st.IndexedKeys != 5 {
		t.Errorf("Stats = %d segments, %d frozen, %d keys; want 3, 2, 5",
			st.Segments, st.FrozenSegments, st.IndexedKeys)
	}
	if st.Bytes != bytes {
		t.Errorf("Stats bytes = %d, want %d", st.Bytes, bytes)
	}
	if st.Writable != s.Segments().Writable().Name() {
		t.Errorf("Stats writable = %s", st.Writable)
	}
	if len(st.Detail) != 3 {
		t.Errorf("Expected 3 segment details, got %d", len(st.Detail))
	}

	if got := testutil.ToFloat64(s.metrics.StorageSegments); got != 3 {
		t.Errorf("Segments gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(s.metrics.StorageBytesWritten); got != float64(bytes) {
		t.Errorf("Bytes written = %v, want %d", got, bytes)
	}
}

func TestStore_OperationMetrics(t *testing.T) {
	s := testStore(t)

	mustSet(t, s, 1, "a")
	mustGet(t, s, 1)
	s.Get(2)
	s.Set(3, "bad\n")

	ops := s.metrics.StorageOperationsTotal
	tests := []struct {
		op, status string
	}{
		{"set", metrics.StatusSuccess},
		{"set", metrics.StatusError},
		{"get", metrics.StatusSuccess},
		{"get", metrics.StatusNotFound},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(ops.WithLabelValues(tt.op, tt.status)); got != 1 {
			t.Errorf("%s/%s = %v, want 1", tt.op, tt.status, got)
		}
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := testStore(t, smallSegments(t, 16))

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := uint64(w*perWriter + i)
				if err := s.Set(key, fmt.Sprintf("w%d-%d", w, i)); err != nil {
					t.Errorf("Set failed: %v", err)
					return
				}
			}
		}(w)
	}

	// Readers run alongside rotation.
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := s.Get(0); err != nil && !IsNotFound(err) {
					t.Errorf("Get failed: %v", err)
					return
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()

	want := make(map[uint64]string, writers*perWriter)
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			want[uint64(w*perWriter+i)] = fmt.Sprintf("w%d-%d", w, i)
		}
	}
	checkAll(t, s, want)

	// Every segment must hold max+1 keys except the writable one.
	for _, seg := range s.Segments().Frozen() {
		if n := seg.Index().Len(); n != 17 {
			t.Errorf("Frozen segment %s holds %d keys, want 17", seg.Name(), n)
		}
	}

	checkAll(t, reopen(t, s), want)
}

func TestStore_ConcurrentOverwritesSameKey(t *testing.T) {
	s := testStore(t, smallSegments(t, 4))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				// Distinct filler keys force rotations between overwrites.
				s.Set(uint64(1000+w*100+i), "filler")
				s.Set(1, fmt.Sprintf("w%d", w))
			}
		}(w)
	}
	wg.Wait()

	mustSet(t, s, 1, "final")
	if got := mustGet(t, s, 1); got != "final" {
		t.Errorf("Get(1) = %q, want %q", got, "final")
	}
	if got := mustGet(t, reopen(t, s), 1); got != "final" {
		t.Errorf("Get(1) after restart = %q, want %q", got, "final")
	}
}
