package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultQueueSize bounds the entries waiting to be written.
	DefaultQueueSize = 256

	writeTimeout = 5 * time.Second
)

// Logger is the logging interface used by the recorder.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Recorder writes entries asynchronously so transport hooks never wait on
// SQLite. A full queue drops the entry and counts it.
type Recorder struct {
	repo   Repository
	logger Logger

	queue chan Entry
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	recorded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// RecorderStats is a snapshot of recorder counters.
type RecorderStats struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
}

// NewRecorder starts a recorder with one writer goroutine. A queueSize of
// zero or less uses DefaultQueueSize. logger may be nil.
func NewRecorder(repo Repository, queueSize int, logger Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		repo:   repo,
		logger: logger,
		queue:  make(chan Entry, queueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record queues e without blocking. It returns false when the entry was
// dropped because the queue is full or the recorder is closed.
func (r *Recorder) Record(e Entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		return false
	}

	select {
	case r.queue <- e:
		return true
	default:
		if r.dropped.Add(1) == 1 && r.logger != nil {
			r.logger.Warn("journal queue full, dropping entries", "capacity", cap(r.queue))
		}
		return false
	}
}

// Close stops accepting entries, writes everything already queued and
// waits for the writer to finish. Safe to call more than once.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}

// Stats returns recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := r.repo.Create(ctx, &e)
		cancel()

		if err != nil {
			r.failed.Add(1)
			if r.logger != nil {
				r.logger.Error("journal write failed", "command", e.Command, "error", err)
			}
			continue
		}
		r.recorded.Add(1)
	}
}
