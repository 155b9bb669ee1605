package records

import (
	"context"
	"sync"
	"time"

	errors "github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/cenkalti/backoff/v4"

	rlibs "github.com/Laisky/research-aggregator/library/db/redis"
	"github.com/Laisky/research-aggregator/library/log"
	"github.com/Laisky/research-aggregator/library/metrics"
	"github.com/Laisky/research-aggregator/library/search"
)

const (
	defaultQueueSize       = 256
	defaultQueueWorkers    = 2
	defaultMaxElapsed      = 2 * time.Minute
	defaultInitialInterval = 500 * time.Millisecond
	defaultReplayInterval  = time.Minute
	defaultReplayBatch     = 16
)

// Upserter writes a batch of records. *Sink satisfies it.
type Upserter interface {
	Upsert(ctx context.Context, batch []search.CanonicalRecord) (int, error)
}

// DeadLetters stores jobs that exhausted their retries. *redis.DB satisfies it.
type DeadLetters interface {
	AddDeadLetter(ctx context.Context, job *rlibs.DeadLetter) error
	PopDeadLetters(ctx context.Context, n int) ([]*rlibs.DeadLetter, error)
}

// JobResult describes how a queued job settled.
type JobResult struct {
	JobID      string
	Inserted   int
	Attempts   int
	DeadLetter bool
	Err        error
}

// QueueOption customizes a Queue.
type QueueOption func(*Queue)

// WithQueueSize bounds how many jobs may wait.
func WithQueueSize(size int) QueueOption {
	return func(q *Queue) {
		if size > 0 {
			q.size = size
		}
	}
}

// WithWorkers sets the number of concurrent writers.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithMaxElapsed bounds the total retry time of one job.
func WithMaxElapsed(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.maxElapsed = d
		}
	}
}

// WithInitialInterval sets the first retry delay.
func WithInitialInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.initialInterval = d
		}
	}
}

// WithDeadLetters parks exhausted jobs in store and replays them once
// writes succeed again.
func WithDeadLetters(store DeadLetters) QueueOption {
	return func(q *Queue) {
		q.deadLetters = store
	}
}

// WithReplayInterval limits how often dead letters are replayed.
func WithReplayInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d >= 0 {
			q.replayInterval = d
		}
	}
}

// WithOnSettled registers a callback invoked after every job settles.
func WithOnSettled(fn func(JobResult)) QueueOption {
	return func(q *Queue) {
		q.onSettled = fn
	}
}

// WithQueueLogger overrides the queue logger.
func WithQueueLogger(logger logSDK.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

type job struct {
	id      string
	records []search.CanonicalRecord
}

// Queue persists record batches in the background with bounded capacity
// and exponential-backoff retries. It implements search.Sink.
type Queue struct {
	upserter        Upserter
	deadLetters     DeadLetters
	logger          logSDK.Logger
	onSettled       func(JobResult)
	size            int
	workers         int
	maxElapsed      time.Duration
	initialInterval time.Duration
	replayInterval  time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	workerG sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	inflight   int
	idle       chan struct{}
	lastReplay time.Time
}

var _ search.Sink = (*Queue)(nil)

// NewQueue starts the workers.
func NewQueue(upserter Upserter, opts ...QueueOption) (*Queue, error) {
	if upserter == nil {
		return nil, errors.New("upserter is required")
	}

	q := &Queue{
		upserter:        upserter,
		logger:          log.Logger.Named("record_queue"),
		size:            defaultQueueSize,
		workers:         defaultQueueWorkers,
		maxElapsed:      defaultMaxElapsed,
		initialInterval: defaultInitialInterval,
		replayInterval:  defaultReplayInterval,
		idle:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	close(q.idle)

	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.jobs = make(chan job, q.size)
	for i := 0; i < q.workers; i++ {
		q.workerG.Add(1)
		go q.runWorker()
	}

	return q, nil
}

// Submit enqueues records without waiting for them to be written.
// It fails with a persistence error when the queue is full or closed.
func (q *Queue) Submit(_ context.Context, batch []search.CanonicalRecord) error {
	if len(batch) == 0 {
		return nil
	}

	j := job{
		id:      gutils.UUID7(),
		records: append([]search.CanonicalRecord(nil), batch...),
	}
	if err := q.enqueue(j); err != nil {
		metrics.SinkJobs.WithLabelValues("rejected").Inc()
		return err
	}
	return nil
}

func (q *Queue) enqueue(j job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return search.NewPersistenceError(errors.New("queue closed"), "submit records")
	}

	select {
	case q.jobs <- j:
	default:
		return search.NewPersistenceError(errors.Errorf("queue full (%d jobs)", q.size), "submit records")
	}

	if q.inflight == 0 {
		q.idle = make(chan struct{})
	}
	q.inflight++
	metrics.SinkQueueDepth.Set(float64(len(q.jobs)))
	return nil
}

// Pending returns the number of submitted jobs that have not settled yet.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Wait blocks until every job submitted so far has settled or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for record queue")
	}
}

// Close stops accepting jobs and drains the queue. When ctx ends first the
// remaining retries are cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workerG.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return errors.Wrap(ctx.Err(), "drain record queue")
	}
}

func (q *Queue) runWorker() {
	defer q.workerG.Done()
	for j := range q.jobs {
		metrics.SinkQueueDepth.Set(float64(len(q.jobs)))
		result := q.process(j)
		if result.Err == nil {
			q.maybeReplay()
		}
		q.settle(result)
	}
}

func (q *Queue) settle(result JobResult) {
	if q.onSettled != nil {
		q.onSettled(result)
	}

	q.mu.Lock()
	q.inflight--
	if q.inflight == 0 {
		close(q.idle)
	}
	q.mu.Unlock()
}

// process writes one job with retries, parking it as a dead letter on exhaustion.
func (q *Queue) process(j job) JobResult {
	result := JobResult{JobID: j.id}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = q.initialInterval
	policy.MaxElapsedTime = q.maxElapsed

	operation := func() error {
		result.Attempts++
		inserted, err := q.upserter.Upsert(q.ctx, j.records)
		if err != nil {
			metrics.SinkJobs.WithLabelValues("retry").Inc()
			q.logger.Debug("persist records failed, will retry",
				zap.String("job", j.id), zap.Int("attempt", result.Attempts), zap.Error(err))
			return err
		}
		result.Inserted = inserted
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, q.ctx))
	if err == nil {
		metrics.SinkJobs.WithLabelValues("ok").Inc()
		metrics.SinkInserted.Add(float64(result.Inserted))
		return result
	}

	result.Err = err
	q.logger.Warn("persist records exhausted retries",
		zap.String("job", j.id),
		zap.Int("records", len(j.records)),
		zap.Int("attempts", result.Attempts),
		zap.Error(err))

	if q.deadLetters != nil {
		letter := &rlibs.DeadLetter{
			JobID:     j.id,
			Records:   j.records,
			Attempts:  result.Attempts,
			LastError: err.Error(),
			FailedAt:  time.Now().UTC(),
		}
		if dlErr := q.deadLetters.AddDeadLetter(context.WithoutCancel(q.ctx), letter); dlErr != nil {
			q.logger.Error("park dead letter", zap.String("job", j.id), zap.Error(dlErr))
		} else {
			result.DeadLetter = true
			metrics.SinkJobs.WithLabelValues("dead_letter").Inc()
		}
	}

	return result
}

// maybeReplay writes parked jobs once the store accepted a write again.
func (q *Queue) maybeReplay() {
	if q.deadLetters == nil {
		return
	}

	q.mu.Lock()
	if time.Since(q.lastReplay) < q.replayInterval {
		q.mu.Unlock()
		return
	}
	q.lastReplay = time.Now()
	q.mu.Unlock()

	letters, err := q.deadLetters.PopDeadLetters(q.ctx, defaultReplayBatch)
	if err != nil {
		q.logger.Warn("load dead letters", zap.Error(err))
		return
	}

	for _, letter := range letters {
		inserted, err := q.upserter.Upsert(q.ctx, letter.Records)
		if err != nil {
			q.logger.Warn("replay dead letter", zap.String("job", letter.JobID), zap.Error(err))
			letter.Attempts++
			letter.LastError = err.Error()
			if dlErr := q.deadLetters.AddDeadLetter(context.WithoutCancel(q.ctx), letter); dlErr != nil {
				q.logger.Error("park dead letter", zap.String("job", letter.JobID), zap.Error(dlErr))
			}
			continue
		}
		metrics.SinkInserted.Add(float64(inserted))
		q.logger.Info("replayed dead letter", zap.String("job", letter.JobID), zap.Int("inserted", inserted))
	}
}
