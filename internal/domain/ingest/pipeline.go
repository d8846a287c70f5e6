package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/domain/dicomtag"
	"github.com/radflow/radflow/internal/domain/lab"
	"github.com/radflow/radflow/internal/domain/patient"
	"github.com/radflow/radflow/internal/domain/study"
	"github.com/radflow/radflow/internal/platform/jobqueue"
	"github.com/radflow/radflow/internal/platform/resultcache"
)

// Job types on the ingestion queue.
const (
	JobStableStudy   = "process-stable-study"
	JobInstanceStudy = "process-instance-study"
)

// ResultKeyPrefix prefixes result cache keys; the request id follows.
const ResultKeyPrefix = resultcache.JobResultPrefix

// DefaultResultTTL is how long finished job results stay in the cache.
const DefaultResultTTL = time.Hour

// Payload is the input of one ingestion job.
type Payload struct {
	OrthancStudyID string    `json:"orthancStudyId"`
	InstanceID     string    `json:"instanceId,omitempty"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

// MetadataSummary is the human-readable digest of an ingested study.
type MetadataSummary struct {
	PatientName     string   `json:"patientName"`
	PatientID       string   `json:"patientId"`
	Modalities      []string `json:"modalities"`
	StudyDate       string   `json:"studyDate"`
	LabName         string   `json:"labName"`
	InstitutionName string   `json:"institutionName"`
	TagSource       string   `json:"tagSource"`
	Created         bool     `json:"created"`
}

// Result is the payload handed back to callers polling a request id. A
// failed job carries only Success, Error, OrthancStudyID and FailedAt.
type Result struct {
	Success         bool             `json:"success"`
	OrthancStudyID  string           `json:"orthancStudyId"`
	StudyDatabaseID *uuid.UUID       `json:"studyDatabaseId,omitempty"`
	SeriesCount     int              `json:"seriesCount,omitempty"`
	InstanceCount   int              `json:"instanceCount,omitempty"`
	ProcessedAt     *time.Time       `json:"processedAt,omitempty"`
	ElapsedTimeMs   int64            `json:"elapsedTimeMs,omitempty"`
	ArchiveJobID    int64            `json:"archiveJobId,omitempty"`
	MetadataSummary *MetadataSummary `json:"metadataSummary,omitempty"`
	Error           string           `json:"error,omitempty"`
	FailedAt        *time.Time       `json:"failedAt,omitempty"`
}

type (
	// Queue is the ingestion job queue.
	Queue = jobqueue.Queue[Payload, Result]
	// Job is one ingestion job.
	Job = jobqueue.Job[Payload, Result]
)

type PatientResolver interface {
	Resolve(ctx context.Context, tags dicomtag.Tags) *patient.Patient
}

type LabResolver interface {
	Resolve(ctx context.Context, tags dicomtag.Tags) *lab.Lab
}

type Upserter interface {
	Upsert(ctx context.Context, md *study.Metadata, p *patient.Patient, l *lab.Lab) (*study.UpsertResult, error)
}

// Pipeline is the ingestion queue handler.
type Pipeline struct {
	aggregator *Aggregator
	patients   PatientResolver
	labs       LabResolver
	upserter   Upserter
	cache      resultcache.Cache
	ttl        time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

func NewPipeline(agg *Aggregator, patients PatientResolver, labs LabResolver, upserter Upserter,
	cache resultcache.Cache, ttl time.Duration, logger zerolog.Logger) *Pipeline {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &Pipeline{
		aggregator: agg,
		patients:   patients,
		labs:       labs,
		upserter:   upserter,
		cache:      cache,
		ttl:        ttl,
		logger:     logger.With().Str("component", "ingest").Logger(),
		now:        time.Now,
	}
}

// Handle processes one ingestion job. Progress moves through 10, 30, 50,
// 70, 80 and 90; the queue sets 100 on completion.
func (p *Pipeline) Handle(ctx context.Context, job *Job) (Result, error) {
	start := p.now()
	id := job.Payload.OrthancStudyID
	log := p.logger.With().Int64("job_id", job.ID).Str("request_id", job.RequestID).
		Str("orthanc_study_id", id).Logger()
	log.Info().Str("type", job.Type).Msg("processing study")

	job.SetProgress(10)
	md, err := p.aggregator.Aggregate(ctx, id, job.SetProgress)
	if err != nil {
		return Result{}, err
	}

	job.SetProgress(70)
	pat := p.patients.Resolve(ctx, md.Tags)
	lb := p.labs.Resolve(ctx, md.Tags)
	log.Debug().Str("patient", pat.DisplayName()).Str("lab", lb.Name).Msg("entities resolved")

	job.SetProgress(80)
	res, err := p.upserter.Upsert(ctx, md, pat, lb)
	if err != nil {
		return Result{}, err
	}
	job.SetProgress(90)

	processed := p.now().UTC()
	studyID := res.Study.ID
	out := Result{
		Success:         true,
		OrthancStudyID:  id,
		StudyDatabaseID: &studyID,
		SeriesCount:     res.Study.SeriesCount,
		InstanceCount:   res.Study.InstanceCount,
		ProcessedAt:     &processed,
		ElapsedTimeMs:   processed.Sub(start).Milliseconds(),
		ArchiveJobID:    res.ArchiveJobID,
		MetadataSummary: &MetadataSummary{
			PatientName:     res.Summary.PatientName,
			PatientID:       res.Summary.PatientID,
			Modalities:      res.Summary.Modalities,
			StudyDate:       res.Summary.StudyDate,
			LabName:         res.Summary.LabName,
			InstitutionName: dicomtag.ValueOr(md.Tags.InstitutionName, "Unknown"),
			TagSource:       md.TagSource,
			Created:         res.Created,
		},
	}
	log.Info().Int("series", out.SeriesCount).Int("instances", out.InstanceCount).
		Int64("elapsed_ms", out.ElapsedTimeMs).Bool("created", res.Created).Msg("study processed")
	return out, nil
}

// CacheResult writes a finished job's outcome under its request id. It is
// registered as the queue's finish hook.
func (p *Pipeline) CacheResult(ctx context.Context, job *Job) {
	if job.RequestID == "" {
		return
	}
	var out Result
	switch job.Status() {
	case jobqueue.StatusCompleted:
		out, _ = job.Result()
	case jobqueue.StatusFailed:
		failed := p.now().UTC()
		out = Result{Success: false, Error: job.Err(), OrthancStudyID: job.Payload.OrthancStudyID, FailedAt: &failed}
	default:
		return
	}

	data, err := json.Marshal(out)
	if err != nil {
		p.logger.Error().Err(err).Str("request_id", job.RequestID).Msg("encode job result")
		return
	}
	if err := p.cache.SetEx(ctx, resultcache.JobResultKey(job.RequestID), p.ttl, data); err != nil {
		p.logger.Warn().Err(err).Str("request_id", job.RequestID).Msg("cache job result failed")
	}
}
