package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-segkv/pkg/logging"
	"github.com/dd0wney/cluso-segkv/pkg/metrics"
	"github.com/dd0wney/cluso-segkv/pkg/segment"
)

// freezeJob is follow-up work for a segment that will never change again.
type freezeJob struct {
	seg     *segment.Segment
	archive bool
}

// freezeWorker writes hint files for frozen segments and hands them to the
// archiver, off the write path.
type freezeWorker struct {
	logger         logging.Logger
	metrics        *metrics.Registry
	useHints       bool
	archiver       Archiver
	archiveTimeout time.Duration

	mu      sync.Mutex
	pending []freezeJob
	idle    *sync.Cond
	busy    bool

	wakeChan chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newFreezeWorker(opts Options) *freezeWorker {
	w := &freezeWorker{
		logger:         opts.Logger.With(logging.Component("freeze-worker")),
		metrics:        opts.Metrics,
		useHints:       opts.UseHints,
		archiver:       opts.Archiver,
		archiveTimeout: opts.ArchiveTimeout,
		wakeChan:       make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
	}
	w.idle = sync.NewCond(&w.mu)
	return w
}

func (w *freezeWorker) start() {
	w.wg.Add(1)
	go w.run()
}

// enqueue never blocks; the queue is unbounded because every rotation must
// eventually be archived.
func (w *freezeWorker) enqueue(job freezeJob) {
	if !w.useHints && (w.archiver == nil || !job.archive) {
		return
	}

	w.mu.Lock()
	w.pending = append(w.pending, job)
	w.mu.Unlock()

	select {
	case w.wakeChan <- struct{}{}:
	default:
	}
}

// stop processes whatever is queued, then returns.
func (w *freezeWorker) stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

// waitIdle blocks until the queue is empty and no job is running.
func (w *freezeWorker) waitIdle() {
	w.mu.Lock()
	for len(w.pending) > 0 || w.busy {
		w.idle.Wait()
	}
	w.mu.Unlock()
}

func (w *freezeWorker) queued() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *freezeWorker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.wakeChan:
			w.drain()
		case <-w.stopChan:
			w.drain()
			return
		}
	}
}

func (w *freezeWorker) drain() {
	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			w.busy = false
			w.idle.Broadcast()
			w.mu.Unlock()
			return
		}
		job := w.pending[0]
		w.pending = w.pending[1:]
		w.busy = true
		w.mu.Unlock()

		w.process(job)
	}
}

func (w *freezeWorker) process(job freezeJob) {
	seg := job.seg

	if w.useHints && !seg.LoadedFromHint() {
		if err := segment.WriteHint(seg.Path(), seg.Size(), seg.Index()); err != nil {
			w.metrics.RecordHintWrite(metrics.StatusError)
			w.logger.Warn("hint write failed", logging.Segment(seg.Name()), logging.Error(err))
		} else {
			w.metrics.RecordHintWrite(metrics.StatusSuccess)
			w.logger.Debug("hint written", logging.Segment(seg.Name()), logging.Count(seg.Index().Len()))
		}
	}

	if job.archive && w.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.archiveTimeout)
		n, err := w.archiver.Archive(ctx, seg.Path())
		cancel()
		if err != nil {
			w.metrics.RecordArchiveUpload(metrics.StatusError, 0)
			w.logger.Error("segment archive failed", logging.Segment(seg.Name()), logging.Error(err))
			return
		}
		w.metrics.RecordArchiveUpload(metrics.StatusSuccess, n)
		w.logger.Info("segment archived", logging.Segment(seg.Name()), logging.Int64("bytes", n))
	}
}
