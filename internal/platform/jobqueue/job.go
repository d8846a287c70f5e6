package jobqueue

import (
	"sync"
	"time"
)

// Job is a unit of work owned by a Queue. Identity fields are immutable;
// status, progress and outcome are guarded by the job's mutex.
type Job[P, R any] struct {
	ID        int64
	RequestID string
	Type      string
	Payload   P
	CreatedAt time.Time

	mu         sync.RWMutex
	status     Status
	progress   int
	result     R
	errMsg     string
	startedAt  *time.Time
	finishedAt *time.Time
}

// Snapshot is a consistent copy of a job's state.
type Snapshot[P, R any] struct {
	ID         int64      `json:"jobId"`
	RequestID  string     `json:"requestId"`
	Type       string     `json:"type"`
	Payload    P          `json:"payload"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Result     R          `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Elapsed is the time between start and finish, or zero if not finished.
func (s Snapshot[P, R]) Elapsed() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// SetProgress records handler progress, clamped to 0-100.
func (j *Job[P, R]) SetProgress(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
}

func (j *Job[P, R]) Progress() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.progress
}

func (j *Job[P, R]) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Result returns the handler's value once the job has completed.
func (j *Job[P, R]) Result() (R, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result, j.status == StatusCompleted
}

// Err returns the failure message of a failed job.
func (j *Job[P, R]) Err() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.errMsg
}

func (j *Job[P, R]) Snapshot() Snapshot[P, R] {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Snapshot[P, R]{
		ID:         j.ID,
		RequestID:  j.RequestID,
		Type:       j.Type,
		Payload:    j.Payload,
		Status:     j.status,
		Progress:   j.progress,
		Result:     j.result,
		Error:      j.errMsg,
		CreatedAt:  j.CreatedAt,
		StartedAt:  copyTime(j.startedAt),
		FinishedAt: copyTime(j.finishedAt),
	}
}

func (j *Job[P, R]) start() {
	now := time.Now().UTC()
	j.mu.Lock()
	j.status = StatusActive
	j.startedAt = &now
	j.mu.Unlock()
}

func (j *Job[P, R]) complete(result R) {
	now := time.Now().UTC()
	j.mu.Lock()
	j.status = StatusCompleted
	j.result = result
	j.progress = 100
	j.finishedAt = &now
	j.mu.Unlock()
}

func (j *Job[P, R]) fail(err error) {
	now := time.Now().UTC()
	j.mu.Lock()
	j.status = StatusFailed
	j.errMsg = err.Error()
	j.finishedAt = &now
	j.mu.Unlock()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
