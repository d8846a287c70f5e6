package archive

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/domain/study"
	"github.com/radflow/radflow/internal/platform/jobqueue"
	"github.com/radflow/radflow/internal/platform/resultcache"
)

// ErrStudyNotFound is returned when a bundle is requested for an unknown study.
var ErrStudyNotFound = errors.New("study not found in database")

// Request outcomes.
const (
	StateQueued     = "queued"
	StateProcessing = "processing"
	StateCompleted  = "completed"
)

// Outcome answers a manual bundle request.
type Outcome struct {
	State     string
	JobID     int64
	RequestID string
	Bundle    *study.DownloadBundle
}

// Service schedules archive jobs. It implements study.ArchiveScheduler.
type Service struct {
	queue   *Queue
	studies StudyStore
	logger  zerolog.Logger
	now     func() time.Time

	cache    resultcache.Cache
	cacheTTL time.Duration

	mu      sync.Mutex
	pending map[string]*Job
}

// completedResult and failedResult are the cached shapes of a finished
// archive job, matching the ingestion results.
type completedResult struct {
	Success bool `json:"success"`
	Result
}

type failedResult struct {
	Success        bool      `json:"success"`
	Error          string    `json:"error"`
	OrthancStudyID string    `json:"orthancStudyId"`
	FailedAt       time.Time `json:"failedAt"`
}

// NewService wraps queue and registers its finish hook; queue must not have
// received jobs yet.
func NewService(queue *Queue, studies StudyStore, logger zerolog.Logger) *Service {
	s := &Service{
		queue:   queue,
		studies: studies,
		logger:  logger.With().Str("component", "archive-service").Logger(),
		now:     time.Now,
		pending: make(map[string]*Job),
	}
	queue.OnFinish(s.finished)
	return s
}

// ScheduleArchive enqueues a bundle build. A job for the same study that has
// not started yet is reused, since it will read the latest counts anyway.
func (s *Service) ScheduleArchive(_ context.Context, req study.ArchiveRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.pending[req.OrthancStudyID]; ok && j.Status() == jobqueue.StatusWaiting {
		s.logger.Debug().Str("orthanc_study_id", req.OrthancStudyID).Int64("job_id", j.ID).Msg("archive already queued")
		return j.ID, nil
	}
	job := s.queue.Enqueue(s.newRequestID(), JobType, req)
	s.pending[req.OrthancStudyID] = job
	return job.ID, nil
}

// SetResultCache makes finished jobs readable from cache for ttl after the
// queue forgets them.
func (s *Service) SetResultCache(cache resultcache.Cache, ttl time.Duration) {
	s.cache = cache
	s.cacheTTL = ttl
}

func (s *Service) finished(ctx context.Context, job *Job) {
	s.mu.Lock()
	if cur, ok := s.pending[job.Payload.OrthancStudyID]; ok && cur == job {
		delete(s.pending, job.Payload.OrthancStudyID)
	}
	s.mu.Unlock()

	if s.cache != nil {
		s.cacheResult(ctx, job)
	}
}

func (s *Service) cacheResult(ctx context.Context, job *Job) {
	var out any
	switch job.Status() {
	case jobqueue.StatusCompleted:
		res, _ := job.Result()
		out = completedResult{Success: true, Result: res}
	case jobqueue.StatusFailed:
		out = failedResult{Error: job.Err(), OrthancStudyID: job.Payload.OrthancStudyID, FailedAt: s.now().UTC()}
	default:
		return
	}

	data, err := json.Marshal(out)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", job.RequestID).Msg("encode archive result")
		return
	}
	if err := s.cache.SetEx(ctx, resultcache.JobResultKey(job.RequestID), s.cacheTTL, data); err != nil {
		s.logger.Warn().Err(err).Str("request_id", job.RequestID).Msg("cache archive result failed")
	}
}

// Request handles a manual bundle request for a study. An existing bundle
// that is processing or completed is returned instead of a new job.
func (s *Service) Request(ctx context.Context, orthancStudyID string) (*Outcome, error) {
	st, err := s.studies.GetByOrthancID(ctx, orthancStudyID)
	if err != nil {
		if errors.Is(err, study.ErrNotFound) {
			return nil, ErrStudyNotFound
		}
		return nil, err
	}

	if b := st.DownloadBundle; b != nil {
		switch {
		case b.Status == study.BundleProcessing:
			id, _ := strconv.ParseInt(b.JobID, 10, 64)
			return &Outcome{State: StateProcessing, JobID: id, Bundle: b}, nil
		case b.Status == study.BundleCompleted && b.URL != "":
			return &Outcome{State: StateCompleted, Bundle: b}, nil
		}
	}

	id, err := s.ScheduleArchive(ctx, study.ArchiveRequest{
		OrthancStudyID:   st.OrthancStudyID,
		StudyID:          st.ID,
		StudyInstanceUID: st.StudyInstanceUID,
		InstanceCount:    st.InstanceCount,
		SeriesCount:      st.SeriesCount,
	})
	if err != nil {
		return nil, err
	}
	out := &Outcome{State: StateQueued, JobID: id}
	if job, ok := s.queue.Get(id); ok {
		out.RequestID = job.RequestID
	}
	s.logger.Info().Str("orthanc_study_id", orthancStudyID).Int64("job_id", id).Msg("archive requested")
	return out, nil
}

// Job returns an archive job by id.
func (s *Service) Job(id int64) (*Job, bool) {
	return s.queue.Get(id)
}

// Lookup returns an archive job by request id.
func (s *Service) Lookup(requestID string) (*Job, bool) {
	return s.queue.LookupByRequestID(requestID)
}

func (s *Service) QueueStats() jobqueue.Stats {
	return s.queue.Stats()
}

func (s *Service) newRequestID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return "zip_" + strconv.FormatInt(s.now().UnixMilli(), 10) + "_" + suffix
}
