// Package archive builds downloadable ZIP bundles of ingested studies,
// stores them in object storage and expires them again.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/domain/study"
	"github.com/radflow/radflow/internal/platform/blobstore"
	"github.com/radflow/radflow/internal/platform/jobqueue"
)

// JobType is the archive queue's only job type.
const JobType = "create-study-zip"

// CacheControl lets browsers keep a bundle for a day and shared caches for
// thirty days.
const CacheControl = "public, max-age=86400, s-maxage=2592000"

// KeyPrefix is the object-key root of all bundles.
const KeyPrefix = "studies/"

// Result is the outcome of one archive job.
type Result struct {
	OrthancStudyID   string    `json:"orthancStudyId"`
	StudyID          uuid.UUID `json:"studyDatabaseId"`
	URL              string    `json:"zipUrl"`
	CDNURL           string    `json:"cdnUrl"`
	Key              string    `json:"key"`
	FileName         string    `json:"fileName"`
	SizeMB           float64   `json:"zipSizeMB"`
	ExpiresAt        time.Time `json:"expiresAt"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
}

type (
	// Queue is the archive job queue.
	Queue = jobqueue.Queue[study.ArchiveRequest, Result]
	// Job is one archive job.
	Job = jobqueue.Job[study.ArchiveRequest, Result]
)

// Source streams a study's ZIP from the imaging archive.
type Source interface {
	StudyArchive(ctx context.Context, orthancStudyID string) (io.ReadCloser, error)
}

// StudyStore is the part of the study repository the archive code uses.
type StudyStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*study.Study, error)
	GetByOrthancID(ctx context.Context, orthancStudyID string) (*study.Study, error)
	SetBundle(ctx context.Context, id uuid.UUID, b *study.DownloadBundle) error
	ListExpiredBundles(ctx context.Context, now time.Time, limit int) ([]*study.Study, error)
}

// Builder is the archive queue handler: it copies a study's ZIP from the
// imaging archive into object storage and records the bundle on the study.
type Builder struct {
	studies StudyStore
	source  Source
	store   blobstore.BlobStore
	urls    blobstore.URLBuilder
	expiry  time.Duration
	logger  zerolog.Logger
	now     func() time.Time
	onReady func(ctx context.Context, r Result)
}

func NewBuilder(studies StudyStore, source Source, store blobstore.BlobStore, urls blobstore.URLBuilder,
	expiry time.Duration, logger zerolog.Logger) *Builder {
	return &Builder{
		studies: studies,
		source:  source,
		store:   store,
		urls:    urls,
		expiry:  expiry,
		logger:  logger.With().Str("component", "archive-builder").Logger(),
		now:     time.Now,
	}
}

// SetReadyHook registers fn to run after each bundle completes.
func (b *Builder) SetReadyHook(fn func(ctx context.Context, r Result)) {
	b.onReady = fn
}

// Build runs one archive job. The study's bundle moves to processing, then
// to completed or failed.
func (b *Builder) Build(ctx context.Context, job *Job) (Result, error) {
	start := b.now()
	req := job.Payload
	log := b.logger.With().Int64("job_id", job.ID).Str("orthanc_study_id", req.OrthancStudyID).Logger()

	s, err := b.lookup(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("archive %s: %w", req.OrthancStudyID, err)
	}
	previous := s.DownloadBundle

	created := start.UTC()
	bundle := &study.DownloadBundle{
		Status:    study.BundleProcessing,
		JobID:     strconv.FormatInt(job.ID, 10),
		CreatedAt: &created,
		Metadata: study.BundleMetadata{
			OrthancStudyID:  s.OrthancStudyID,
			InstanceCount:   s.InstanceCount,
			SeriesCount:     s.SeriesCount,
			CreatedBy:       study.SystemActor,
			StorageProvider: b.store.Provider(),
		},
	}
	if err := b.studies.SetBundle(ctx, s.ID, bundle); err != nil {
		log.Warn().Err(err).Msg("mark bundle processing failed")
	}
	job.SetProgress(10)

	res, err := b.upload(ctx, job, s, bundle)
	bundle.Metadata.ProcessingTimeMs = b.now().Sub(start).Milliseconds()
	if err != nil {
		bundle.Status = study.BundleFailed
		bundle.Metadata.Error = err.Error()
		if serr := b.studies.SetBundle(ctx, s.ID, bundle); serr != nil {
			log.Error().Err(serr).Msg("mark bundle failed")
		}
		log.Warn().Err(err).Msg("archive build failed")
		return Result{}, err
	}

	res.ProcessingTimeMs = bundle.Metadata.ProcessingTimeMs
	if err := b.studies.SetBundle(ctx, s.ID, bundle); err != nil {
		return Result{}, fmt.Errorf("record bundle of %s: %w", s.OrthancStudyID, err)
	}
	job.SetProgress(90)
	b.dropReplaced(ctx, previous, res.Key, log)

	log.Info().Str("key", res.Key).Float64("size_mb", res.SizeMB).
		Int64("elapsed_ms", res.ProcessingTimeMs).Msg("study archive stored")
	if b.onReady != nil {
		b.onReady(ctx, res)
	}
	return res, nil
}

// dropReplaced deletes the object of a bundle that a new build superseded.
func (b *Builder) dropReplaced(ctx context.Context, prev *study.DownloadBundle, key string, log zerolog.Logger) {
	if prev == nil || prev.Key == "" || prev.Key == key {
		return
	}
	if err := b.store.Delete(ctx, prev.Key); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		log.Warn().Err(err).Str("key", prev.Key).Msg("delete replaced archive failed")
		return
	}
	log.Debug().Str("key", prev.Key).Msg("replaced archive deleted")
}

func (b *Builder) lookup(ctx context.Context, req study.ArchiveRequest) (*study.Study, error) {
	if req.StudyID != uuid.Nil {
		return b.studies.GetByID(ctx, req.StudyID)
	}
	return b.studies.GetByOrthancID(ctx, req.OrthancStudyID)
}

// upload streams the archive into the store and fills the completed fields
// of bundle.
func (b *Builder) upload(ctx context.Context, job *Job, s *study.Study, bundle *study.DownloadBundle) (Result, error) {
	rc, err := b.source.StudyArchive(ctx, s.OrthancStudyID)
	if err != nil {
		return Result{}, fmt.Errorf("download archive of %s: %w", s.OrthancStudyID, err)
	}
	defer rc.Close()
	job.SetProgress(30)

	now := b.now().UTC()
	name := FileName(s, now)
	key := ObjectKey(name, now)
	info, err := b.store.Put(ctx, blobstore.PutInput{
		Key:                key,
		ContentType:        "application/zip",
		ContentDisposition: `attachment; filename="` + name + `"`,
		CacheControl:       CacheControl,
		Metadata: map[string]string{
			"study-instance-uid": s.StudyInstanceUID,
			"orthanc-study-id":   s.OrthancStudyID,
			"patient-id":         s.PatientID,
			"patient-name":       s.PatientName,
			"created-at":         now.Format(time.RFC3339),
		},
		Body: rc,
	})
	if err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", key, err)
	}
	job.SetProgress(80)

	expires := now.Add(b.expiry)
	bundle.Status = study.BundleCompleted
	bundle.URL = b.urls.PublicURL(key)
	bundle.CDNURL = b.urls.CDNURL(key)
	bundle.Key = key
	bundle.FileName = name
	bundle.Bucket = b.store.Bucket()
	bundle.SizeMB = SizeMB(info.Size)
	bundle.CreatedAt = &now
	bundle.ExpiresAt = &expires

	return Result{
		OrthancStudyID: s.OrthancStudyID,
		StudyID:        s.ID,
		URL:            bundle.URL,
		CDNURL:         bundle.CDNURL,
		Key:            key,
		FileName:       name,
		SizeMB:         bundle.SizeMB,
		ExpiresAt:      expires,
	}, nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

func component(v string) string {
	if v == "" {
		return "Unknown"
	}
	return unsafeChars.ReplaceAllString(v, "_")
}

// FileName is Study_{patientName}_{patientId}_{studyDate}_{orthancId}_{YYYYMMDD}.zip.
func FileName(s *study.Study, now time.Time) string {
	return fmt.Sprintf("Study_%s_%s_%s_%s_%s.zip",
		component(s.PatientName),
		component(s.PatientID),
		component(s.StudyDateString()),
		component(s.OrthancStudyID),
		now.Format("20060102"),
	)
}

// ObjectKey places a bundle under studies/{year}/.
func ObjectKey(fileName string, now time.Time) string {
	return KeyPrefix + strconv.Itoa(now.Year()) + "/" + fileName
}

// SizeMB converts bytes to megabytes rounded to two decimals.
func SizeMB(bytes int64) float64 {
	return math.Round(float64(bytes)/(1024*1024)*100) / 100
}
