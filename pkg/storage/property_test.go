package storage

import (
	"testing"
	"unicode"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// newPropertyTestStorage opens a store in a fresh directory; the caller
// closes it.
func newPropertyTestStorage(t *testing.T, maxRecords int) *Store {
	o := DefaultOptions()
	o.Dir = t.TempDir()
	o.MaxRecordsPerSegment = maxRecords
	s, err := Open(o)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	return s
}

// TestStoreInvariants uses property-based testing to verify the store's
// read/write contract
func TestStoreInvariants(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	// Property 1: a set value reads back unchanged
	properties.Property("set then get round-trips", prop.ForAll(
		func(key uint64, value string) bool {
			s := newPropertyTestStorage(t, 8)
			defer s.Close()

			if err := s.Set(key, value); err != nil {
				return false
			}
			got, err := s.Get(key)
			return err == nil && got == value
		},
		gen.UInt64(),
		gen.AlphaString(),
	))

	// Property 2: multibyte values keep exact byte offsets
	properties.Property("unicode values round-trip", prop.ForAll(
		func(key uint64, value string) bool {
			s := newPropertyTestStorage(t, 8)
			defer s.Close()

			if err := s.Set(key, value); err != nil {
				return false
			}
			got, err := s.Get(key)
			return err == nil && got == value
		},
		gen.UInt64(),
		gen.UnicodeString(unicode.Han),
	))

	// Property 3: the last write wins regardless of how many rotations
	// separate the writes
	properties.Property("last write wins across rotations", prop.ForAll(
		func(keys []uint8, maxRecords int) bool {
			s := newPropertyTestStorage(t, maxRecords)
			defer s.Close()

			want := map[uint64]string{}
			for i, k := range keys {
				v := string(rune('a'+i%26)) + string(rune('A'+int(k)%26))
				if err := s.Set(uint64(k), v); err != nil {
					return false
				}
				want[uint64(k)] = v
			}
			for k, v := range want {
				got, err := s.Get(k)
				if err != nil || got != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(1, 8),
	))

	// Property 4: closing and reopening preserves every visible value
	properties.Property("restart is idempotent", prop.ForAll(
		func(keys []uint16, values []string) bool {
			s := newPropertyTestStorage(t, 4)
			dir := s.Dir()

			want := map[uint64]string{}
			for i, k := range keys {
				if len(values) == 0 {
					break
				}
				v := values[i%len(values)]
				if err := s.Set(uint64(k), v); err != nil {
					s.Close()
					return false
				}
				want[uint64(k)] = v
			}
			if err := s.Close(); err != nil {
				return false
			}

			o := DefaultOptions()
			o.Dir = dir
			o.MaxRecordsPerSegment = 4
			reopened, err := Open(o)
			if err != nil {
				return false
			}
			defer reopened.Close()

			for k, v := range want {
				got, err := reopened.Get(k)
				if err != nil || got != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt16()),
		gen.SliceOf(gen.AlphaString()),
	))

	// Property 5: keys never written are never found
	properties.Property("unknown keys miss", prop.ForAll(
		func(written []uint32, lookup uint64) bool {
			s := newPropertyTestStorage(t, 4)
			defer s.Close()

			seen := map[uint64]bool{}
			for _, k := range written {
				s.Set(uint64(k), "v")
				seen[uint64(k)] = true
			}
			_, err := s.Get(lookup)
			if seen[lookup] {
				return err == nil
			}
			return IsNotFound(err)
		},
		gen.SliceOf(gen.UInt32()),
		gen.UInt64Range(0, 1<<33),
	))

	properties.TestingRun(t)
}
