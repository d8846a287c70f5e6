// Package jobqueue is a bounded-concurrency, in-memory FIFO work queue with
// per-job status, progress and result tracking. Each Queue is an independent
// instance; job state lives only for the life of the process.
package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the lifecycle state of a job: waiting -> active -> completed|failed.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Handler processes one job. It may call job.SetProgress while running.
type Handler[P, R any] func(ctx context.Context, job *Job[P, R]) (R, error)

// Config controls a queue instance.
type Config struct {
	Name         string
	Concurrency  int
	PollInterval time.Duration
	// Observe, when set, is called with each job's terminal status and
	// run time.
	Observe func(queue string, status Status, elapsed time.Duration)
}

// Stats is a point-in-time count of jobs by status.
type Stats struct {
	Name      string `json:"name"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
	Running   bool   `json:"running"`
}

// Queue runs jobs with at most Concurrency handlers in flight. A single
// coordinator goroutine starts waiting jobs in FIFO order, polls while work
// remains and exits when the queue drains; Enqueue restarts it.
type Queue[P, R any] struct {
	cfg      Config
	handler  Handler[P, R]
	logger   zerolog.Logger
	onFinish func(ctx context.Context, job *Job[P, R])

	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*Job[P, R]
	order   []*Job[P, R]
	waiting []*Job[P, R]
	active  map[int64]*Job[P, R]
	running bool
	idle    chan struct{}
	wake    chan struct{}
}

// New creates a queue. Concurrency below 1 is treated as 1 and a zero poll
// interval defaults to 100ms.
func New[P, R any](cfg Config, handler Handler[P, R], logger zerolog.Logger) *Queue[P, R] {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue[P, R]{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "jobqueue").Str("queue", cfg.Name).Logger(),
		byID:    make(map[int64]*Job[P, R]),
		active:  make(map[int64]*Job[P, R]),
		idle:    idle,
		wake:    make(chan struct{}, 1),
	}
}

// OnFinish registers a hook called after a job reaches a terminal state and
// before it leaves the active set. It must be set before the first Enqueue.
func (q *Queue[P, R]) OnFinish(fn func(ctx context.Context, job *Job[P, R])) {
	q.onFinish = fn
}

// Name returns the configured queue name.
func (q *Queue[P, R]) Name() string {
	return q.cfg.Name
}

// Enqueue stores a new waiting job and returns immediately.
func (q *Queue[P, R]) Enqueue(requestID, jobType string, payload P) *Job[P, R] {
	q.mu.Lock()
	q.nextID++
	job := &Job[P, R]{
		ID:        q.nextID,
		RequestID: requestID,
		Type:      jobType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		status:    StatusWaiting,
	}
	q.byID[job.ID] = job
	q.order = append(q.order, job)
	q.waiting = append(q.waiting, job)

	start := !q.running
	if start {
		q.running = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	q.logger.Debug().Int64("job_id", job.ID).Str("request_id", requestID).Str("type", jobType).Msg("job enqueued")

	if start {
		go q.run()
	} else {
		q.signal()
	}
	return job
}

// Get returns the job with the given id.
func (q *Queue[P, R]) Get(id int64) (*Job[P, R], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[id]
	return job, ok
}

// LookupByRequestID scans retained jobs, newest first, for requestID.
func (q *Queue[P, R]) LookupByRequestID(requestID string) (*Job[P, R], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.order) - 1; i >= 0; i-- {
		if q.order[i].RequestID == requestID {
			return q.order[i], true
		}
	}
	return nil, false
}

// Stats counts retained jobs by status.
func (q *Queue[P, R]) Stats() Stats {
	q.mu.Lock()
	jobs := make([]*Job[P, R], len(q.order))
	copy(jobs, q.order)
	s := Stats{Name: q.cfg.Name, Total: len(jobs), Running: q.running}
	q.mu.Unlock()

	for _, j := range jobs {
		switch j.Status() {
		case StatusWaiting:
			s.Waiting++
		case StatusActive:
			s.Active++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Wait blocks until the queue has no waiting or active jobs, or ctx ends.
func (q *Queue[P, R]) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[P, R]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[P, R]) run() {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		for len(q.active) < q.cfg.Concurrency && len(q.waiting) > 0 {
			job := q.waiting[0]
			q.waiting[0] = nil
			q.waiting = q.waiting[1:]

			job.start()
			q.active[job.ID] = job
			go q.runJob(job)
		}
		if len(q.waiting) == 0 && len(q.active) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		select {
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

func (q *Queue[P, R]) runJob(job *Job[P, R]) {
	ctx := context.Background()
	defer func() {
		q.mu.Lock()
		delete(q.active, job.ID)
		q.mu.Unlock()
		q.signal()
	}()

	log := q.logger.With().Int64("job_id", job.ID).Str("request_id", job.RequestID).Logger()

	result, err := q.invoke(ctx, job)
	if err != nil {
		job.fail(err)
		log.Warn().Err(err).Msg("job failed")
	} else {
		job.complete(result)
		log.Debug().Dur("elapsed", job.Snapshot().Elapsed()).Msg("job completed")
	}
	if q.cfg.Observe != nil {
		snap := job.Snapshot()
		q.cfg.Observe(q.cfg.Name, snap.Status, snap.Elapsed())
	}

	if q.onFinish != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("finish hook panicked")
				}
			}()
			q.onFinish(ctx, job)
		}()
	}
}

func (q *Queue[P, R]) invoke(ctx context.Context, job *Job[P, R]) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return q.handler(ctx, job)
}
