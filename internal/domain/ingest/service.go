package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/platform/jobqueue"
	"github.com/radflow/radflow/internal/platform/resultcache"
)

var (
	ErrMissingStudyID = errors.New("invalid or missing Orthanc Study ID")
	ErrJobNotFound    = errors.New("job not found or expired")
)

// Request id prefixes, by notification kind.
const (
	PrefixStable   = "stable"
	PrefixInstance = "instance"
)

// JobStatus is the polling view of a request. Result is set for cached
// outcomes; the live fields for jobs still held by a queue.
type JobStatus struct {
	Status    string          `json:"status"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	JobID     int64           `json:"jobId,omitempty"`
	Progress  *int            `json:"progress,omitempty"`
	CreatedAt *time.Time      `json:"createdAt,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Tracker looks up a request id in a job queue.
type Tracker interface {
	Track(requestID string) (*JobStatus, bool)
}

// TrackerFunc adapts a function to Tracker.
type TrackerFunc func(requestID string) (*JobStatus, bool)

func (f TrackerFunc) Track(requestID string) (*JobStatus, bool) {
	return f(requestID)
}

// StatusOf converts a live queue job into its polling view.
func StatusOf[P, R any](job *jobqueue.Job[P, R]) *JobStatus {
	snap := job.Snapshot()
	created := snap.CreatedAt
	progress := snap.Progress
	return &JobStatus{
		Status:    string(snap.Status),
		RequestID: snap.RequestID,
		JobID:     snap.ID,
		Progress:  &progress,
		CreatedAt: &created,
		Error:     snap.Error,
	}
}

// Submission acknowledges an accepted notification.
type Submission struct {
	JobID          int64  `json:"jobId"`
	RequestID      string `json:"requestId"`
	OrthancStudyID string `json:"orthancStudyId"`
}

// Service accepts archive notifications and answers status polls.
type Service struct {
	queue    *Queue
	cache    resultcache.Cache
	trackers []Tracker
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(queue *Queue, cache resultcache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		queue:  queue,
		cache:  cache,
		logger: logger.With().Str("component", "ingest-service").Logger(),
		now:    time.Now,
	}
}

// AddTracker makes another queue's jobs visible to Status.
func (s *Service) AddTracker(t Tracker) {
	s.trackers = append(s.trackers, t)
}

// SubmitStable queues a study the archive reported as stable.
func (s *Service) SubmitStable(orthancStudyID string) (*Submission, error) {
	return s.submit(PrefixStable, JobStableStudy, Payload{OrthancStudyID: orthancStudyID})
}

// SubmitInstance queues the parent study of a newly received instance.
func (s *Service) SubmitInstance(instanceID, parentStudyID string) (*Submission, error) {
	return s.submit(PrefixInstance, JobInstanceStudy, Payload{OrthancStudyID: parentStudyID, InstanceID: instanceID})
}

func (s *Service) submit(prefix, jobType string, p Payload) (*Submission, error) {
	p.OrthancStudyID = strings.TrimSpace(p.OrthancStudyID)
	if p.OrthancStudyID == "" {
		return nil, ErrMissingStudyID
	}
	p.SubmittedAt = s.now().UTC()
	requestID := s.newRequestID(prefix)

	job := s.queue.Enqueue(requestID, jobType, p)
	s.logger.Info().Str("request_id", requestID).Int64("job_id", job.ID).
		Str("orthanc_study_id", p.OrthancStudyID).Str("type", jobType).Msg("study queued")
	return &Submission{JobID: job.ID, RequestID: requestID, OrthancStudyID: p.OrthancStudyID}, nil
}

// newRequestID returns "{prefix}_{unix ms}_{9 hex chars}".
func (s *Service) newRequestID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return prefix + "_" + strconv.FormatInt(s.now().UnixMilli(), 10) + "_" + suffix
}

// Status resolves a request id from the result cache first, then from the
// live queues.
func (s *Service) Status(ctx context.Context, requestID string) (*JobStatus, error) {
	data, err := s.cache.Get(ctx, resultcache.JobResultKey(requestID))
	switch {
	case err == nil:
		var probe struct {
			Success bool `json:"success"`
		}
		if jerr := json.Unmarshal(data, &probe); jerr != nil {
			return nil, fmt.Errorf("decode cached result %s: %w", requestID, jerr)
		}
		status := string(jobqueue.StatusFailed)
		if probe.Success {
			status = string(jobqueue.StatusCompleted)
		}
		return &JobStatus{Status: status, RequestID: requestID, Result: data}, nil
	case !errors.Is(err, resultcache.ErrMiss):
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("result cache lookup failed")
	}

	if s.queue != nil {
		if job, ok := s.queue.LookupByRequestID(requestID); ok {
			return StatusOf(job), nil
		}
	}
	for _, t := range s.trackers {
		if st, ok := t.Track(requestID); ok {
			return st, nil
		}
	}
	return nil, ErrJobNotFound
}

// QueueStats reports the ingestion queue counters.
func (s *Service) QueueStats() jobqueue.Stats {
	return s.queue.Stats()
}

// ProbeCache round-trips a short-lived key through the result cache.
func (s *Service) ProbeCache(ctx context.Context) error {
	key := "connection:probe:" + uuid.NewString()
	if err := s.cache.SetEx(ctx, key, time.Minute, []byte("ok")); err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	got, err := s.cache.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("cache read: %w", err)
	}
	if string(got) != "ok" {
		return fmt.Errorf("cache read back %q", got)
	}
	if err := s.cache.Del(ctx, key); err != nil {
		s.logger.Debug().Err(err).Msg("cache probe cleanup failed")
	}
	return nil
}
