package storage

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-segkv/pkg/logging"
	"github.com/dd0wney/cluso-segkv/pkg/metrics"
)

// Defaults used when an Options field is left at its zero value.
const (
	DefaultDir                  = "./db"
	DefaultMaxRecordsPerSegment = 1024
	DefaultArchiveTimeout       = 5 * time.Minute
)

// Archiver ships a frozen segment file somewhere durable. It returns the
// number of bytes uploaded.
type Archiver interface {
	Archive(ctx context.Context, path string) (int64, error)
}

// Options configures a Store.
type Options struct {
	Dir                  string
	MaxRecordsPerSegment int
	SyncWrites           bool
	// UseHints enables writing and loading hint files for frozen segments.
	UseHints bool

	Archiver       Archiver
	ArchiveTimeout time.Duration

	Logger  logging.Logger
	Metrics *metrics.Registry
}

// DefaultOptions returns the options used by the server when nothing is
// configured.
func DefaultOptions() Options {
	return Options{
		Dir:                  DefaultDir,
		MaxRecordsPerSegment: DefaultMaxRecordsPerSegment,
		UseHints:             true,
		ArchiveTimeout:       DefaultArchiveTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = DefaultDir
	}
	if o.MaxRecordsPerSegment <= 0 {
		o.MaxRecordsPerSegment = DefaultMaxRecordsPerSegment
	}
	if o.ArchiveTimeout <= 0 {
		o.ArchiveTimeout = DefaultArchiveTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewRegistry()
	}
	return o
}
