// Package jobs implements the durable Postgres-backed job queue that drives
// the batch workflow: enqueue with deduplication, scheduled execution,
// bounded retries with linear backoff, cancel-by-tag and an on-exhausted
// error hook. Workers claim jobs with FOR UPDATE SKIP LOCKED so any number
// of processes can share one queue.
package jobs

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/williamwinkler/openai-batch-manager-sub000/pkg/metrics"
)

// Job states.
const (
	StateAvailable = "available"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateDiscarded = "discarded"
	StateCancelled = "cancelled"
)

// Queue names used by the batch manager.
const (
	QueueDefault    = "default"
	QueueUploads    = "batch_uploads"
	QueueProcessing = "batch_processing"
	QueueDelivery   = "delivery"
)

const (
	defaultMaxAttempts = 3
	pollInterval       = 500 * time.Millisecond
	backoffBase        = 10 * time.Second
	backoffJitter      = 3 * time.Second
)

// Job is one unit of queued work handed to a handler.
type Job struct {
	ID          int64
	Queue       string
	Kind        string
	Args        json.RawMessage
	Attempt     int
	MaxAttempts int
	Tag         string
}

// UnmarshalArgs decodes the job arguments into v.
func (j *Job) UnmarshalArgs(v any) error {
	return json.Unmarshal(j.Args, v)
}

// HandlerFunc executes one job. A non-nil error schedules a retry until the
// attempt budget is spent.
type HandlerFunc func(ctx context.Context, job *Job) error

// ErrorHook runs once when a job's attempts are exhausted, before it is
// discarded. Workflow steps use it to surface the failure on the batch row.
type ErrorHook func(ctx context.Context, job *Job, jobErr error)

// Options configures one enqueue.
type Options struct {
	// Queue selects the worker pool; defaults to QueueDefault.
	Queue string

	// UniqueKey deduplicates: while a job with this key is available or
	// running, further enqueues are dropped silently.
	UniqueKey string

	// Tag groups jobs for CancelByTag.
	Tag string

	// RunAt schedules the job; zero means immediately.
	RunAt time.Time

	// MaxAttempts bounds retries; 0 means the default of 3.
	MaxAttempts int
}

// Queue is the job queue over a shared pgx pool.
type Queue struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu         sync.RWMutex
	handlers   map[string]HandlerFunc
	errorHooks map[string]ErrorHook

	// concurrency per queue name
	queues map[string]int

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a queue with per-queue-name worker counts.
func New(pool *pgxpool.Pool, logger *zap.Logger, queues map[string]int) *Queue {
	return &Queue{
		pool:       pool,
		logger:     logger,
		handlers:   make(map[string]HandlerFunc),
		errorHooks: make(map[string]ErrorHook),
		queues:     queues,
	}
}

// Register binds a handler to a job kind.
func (q *Queue) Register(kind string, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// RegisterErrorHook binds the exhausted-attempts hook for a job kind.
func (q *Queue) RegisterErrorHook(kind string, h ErrorHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.errorHooks[kind] = h
}

// Enqueue inserts a job. A UniqueKey collision with a live job is not an
// error; the duplicate is dropped.
func (q *Queue) Enqueue(ctx context.Context, kind string, args any, opts Options) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal job args: %w", err)
	}

	queue := opts.Queue
	if queue == "" {
		queue = QueueDefault
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}

	var uniqueKey, tag *string
	if opts.UniqueKey != "" {
		uniqueKey = &opts.UniqueKey
	}
	if opts.Tag != "" {
		tag = &opts.Tag
	}

	_, err = q.pool.Exec(ctx, `
		INSERT INTO jobs (queue, kind, args, unique_key, tag, run_at, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		queue, kind, argsJSON, uniqueKey, tag, runAt, maxAttempts)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil // deduplicated
		}
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}

// CancelByTag cancels all not-yet-running jobs carrying the tag. Running
// jobs observe the persisted batch state on their next read and
// short-circuit.
func (q *Queue) CancelByTag(ctx context.Context, tag string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET state = $1, updated_at = now()
		 WHERE tag = $2 AND state = $3`,
		StateCancelled, tag, StateAvailable)
	if err != nil {
		return fmt.Errorf("cancel by tag: %w", err)
	}
	return nil
}

// RecoverStuck returns jobs abandoned mid-run by a crashed process to the
// available state. Called once on process start, before workers spin up.
func (q *Queue) RecoverStuck(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET state = $1, updated_at = now()
		 WHERE state = $2`,
		StateAvailable, StateRunning)
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Start launches the worker pools. It returns immediately; Stop drains them.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	q.group = group

	for queue, concurrency := range q.queues {
		for i := 0; i < concurrency; i++ {
			group.Go(func() error {
				q.workerLoop(ctx, queue)
				return nil
			})
		}
	}
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	if q.group != nil {
		_ = q.group.Wait()
	}
}

func (q *Queue) workerLoop(ctx context.Context, queue string) {
	for {
		job, err := q.claim(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("job claim failed", zap.String("queue", queue), zap.Error(err))
		}

		if job != nil {
			q.run(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval + time.Duration(rand.Int63n(int64(pollInterval)))):
		}
	}
}

// claim atomically picks the oldest runnable job in the queue.
func (q *Queue) claim(ctx context.Context, queue string) (*Job, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE jobs SET state = $1, attempts = attempts + 1, updated_at = now()
		 WHERE id = (
			SELECT id FROM jobs
			 WHERE queue = $2 AND state = $3 AND run_at <= now()
			 ORDER BY run_at, id
			 FOR UPDATE SKIP LOCKED
			 LIMIT 1)
		RETURNING id, queue, kind, args, attempts, max_attempts, COALESCE(tag, '')`,
		StateRunning, queue, StateAvailable)

	var job Job
	err := row.Scan(&job.ID, &job.Queue, &job.Kind, &job.Args, &job.Attempt, &job.MaxAttempts, &job.Tag)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *Queue) run(ctx context.Context, job *Job) {
	q.mu.RLock()
	handler, ok := q.handlers[job.Kind]
	hook := q.errorHooks[job.Kind]
	q.mu.RUnlock()

	if !ok {
		q.logger.Error("no handler for job kind", zap.String("kind", job.Kind))
		q.finish(ctx, job, StateDiscarded, "no handler registered")
		return
	}

	err := q.safeExecute(ctx, handler, job)
	if err == nil {
		metrics.JobsProcessed.WithLabelValues(job.Kind, "ok").Inc()
		q.finish(ctx, job, StateCompleted, "")
		return
	}

	if job.Attempt >= job.MaxAttempts {
		metrics.JobsProcessed.WithLabelValues(job.Kind, "discarded").Inc()
		q.logger.Error("job attempts exhausted",
			zap.String("kind", job.Kind), zap.Int64("job_id", job.ID), zap.Error(err))
		if hook != nil {
			hook(ctx, job, err)
		}
		q.finish(ctx, job, StateDiscarded, err.Error())
		return
	}

	metrics.JobsProcessed.WithLabelValues(job.Kind, "retry").Inc()
	q.logger.Warn("job failed, retrying",
		zap.String("kind", job.Kind), zap.Int64("job_id", job.ID),
		zap.Int("attempt", job.Attempt), zap.Error(err))
	q.retry(ctx, job, err)
}

// safeExecute turns handler panics into errors so one bad job cannot take
// down a worker.
func (q *Queue) safeExecute(ctx context.Context, handler HandlerFunc, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) finish(ctx context.Context, job *Job, state, lastError string) {
	var errPtr *string
	if lastError != "" {
		errPtr = &lastError
	}
	if state == StateCompleted {
		// Completed jobs are deleted outright to keep the table small.
		if _, err := q.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID); err != nil {
			q.logger.Error("job delete failed", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		return
	}
	if _, err := q.pool.Exec(ctx, `
		UPDATE jobs SET state = $1, last_error = $2, updated_at = now() WHERE id = $3`,
		state, errPtr, job.ID); err != nil {
		q.logger.Error("job finish failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

func (q *Queue) retry(ctx context.Context, job *Job, jobErr error) {
	delay := time.Duration(job.Attempt)*backoffBase + time.Duration(rand.Int63n(int64(backoffJitter)))
	msg := jobErr.Error()
	if _, err := q.pool.Exec(ctx, `
		UPDATE jobs SET state = $1, run_at = $2, last_error = $3, updated_at = now() WHERE id = $4`,
		StateAvailable, time.Now().Add(delay), msg, job.ID); err != nil {
		q.logger.Error("job retry scheduling failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}
