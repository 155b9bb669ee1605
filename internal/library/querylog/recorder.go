package querylog

import (
	"context"
	"sync"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/research-aggregator/library/log"
)

const (
	defaultRecorderBuffer  = 128
	defaultRecorderWorkers = 1
	defaultWriteTimeout    = 5 * time.Second
)

// Store persists and lists logged queries. *Service satisfies it.
type Store interface {
	Record(ctx context.Context, input RecordInput) error
	Recent(ctx context.Context, mode string, limit int) ([]Entry, error)
}

var _ Store = (*Service)(nil)

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithBuffer sets how many entries may wait for a worker.
func WithBuffer(size int) RecorderOption {
	return func(r *Recorder) {
		if size > 0 {
			r.buffer = size
		}
	}
}

// WithRecorderWorkers sets the number of writer goroutines.
func WithRecorderWorkers(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithWriteTimeout bounds each write.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithRecorderLogger overrides the recorder logger.
func WithRecorderLogger(logger logSDK.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Recorder writes query log entries from a fixed pool of workers.
// Entries that do not fit in the buffer are dropped.
type Recorder struct {
	store        Store
	logger       logSDK.Logger
	buffer       int
	workers      int
	writeTimeout time.Duration

	entries chan RecordInput
	workerG sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRecorder starts the workers.
func NewRecorder(store Store, opts ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("query log store is required")
	}

	r := &Recorder{
		store:        store,
		logger:       log.Logger.Named("query_log_recorder"),
		buffer:       defaultRecorderBuffer,
		workers:      defaultRecorderWorkers,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	r.entries = make(chan RecordInput, r.buffer)
	for i := 0; i < r.workers; i++ {
		r.workerG.Add(1)
		go r.runWorker()
	}
	return r, nil
}

// Submit enqueues input without blocking. It fails when the buffer is full or
// the recorder is closed.
func (r *Recorder) Submit(input RecordInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("query log recorder closed")
	}
	select {
	case r.entries <- input:
		return nil
	default:
		return errors.Errorf("query log buffer full (%d entries)", r.buffer)
	}
}

// Recent lists logged queries from the underlying store.
func (r *Recorder) Recent(ctx context.Context, mode string, limit int) ([]Entry, error) {
	return r.store.Recent(ctx, mode, limit)
}

// Close stops accepting entries and waits for buffered ones to be written.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.entries)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.workerG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "drain query log recorder")
	}
}

func (r *Recorder) runWorker() {
	defer r.workerG.Done()
	for input := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		if err := r.store.Record(ctx, input); err != nil {
			r.logger.Warn("record query log",
				zap.String("mode", input.Mode),
				zap.Error(err))
		}
		cancel()
	}
}
