package archive

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/domain/study"
	"github.com/radflow/radflow/internal/platform/blobstore"
)

// DefaultCleanupBatch bounds the studies examined per cleanup run.
const DefaultCleanupBatch = 500

// CleanupReport summarizes one cleanup run.
type CleanupReport struct {
	Checked int      `json:"checked"`
	Cleaned int      `json:"cleaned"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Cleaner deletes expired bundles from storage and marks them expired.
type Cleaner struct {
	studies StudyStore
	store   blobstore.BlobStore
	urls    blobstore.URLBuilder
	batch   int
	logger  zerolog.Logger
	now     func() time.Time
}

func NewCleaner(studies StudyStore, store blobstore.BlobStore, urls blobstore.URLBuilder, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		studies: studies,
		store:   store,
		urls:    urls,
		batch:   DefaultCleanupBatch,
		logger:  logger.With().Str("component", "archive-cleaner").Logger(),
		now:     time.Now,
	}
}

// CleanupExpired removes every completed bundle whose expiry has passed. A
// blob that is already gone still counts as cleaned.
func (c *Cleaner) CleanupExpired(ctx context.Context) (CleanupReport, error) {
	var rep CleanupReport
	studies, err := c.studies.ListExpiredBundles(ctx, c.now().UTC(), c.batch)
	if err != nil {
		return rep, fmt.Errorf("list expired bundles: %w", err)
	}

	for _, s := range studies {
		rep.Checked++
		if err := c.expire(ctx, s); err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, s.OrthancStudyID+": "+err.Error())
			c.logger.Warn().Err(err).Str("orthanc_study_id", s.OrthancStudyID).Msg("bundle cleanup failed")
			continue
		}
		rep.Cleaned++
	}

	if rep.Checked > 0 {
		c.logger.Info().Int("checked", rep.Checked).Int("cleaned", rep.Cleaned).Int("failed", rep.Failed).Msg("expired bundles cleaned")
	}
	return rep, nil
}

// errNoObjectKey marks a bundle whose object cannot be located. The bundle
// is still expired so it leaves the cleanup backlog.
var errNoObjectKey = errors.New("no object key could be derived")

func (c *Cleaner) expire(ctx context.Context, s *study.Study) error {
	b := *s.DownloadBundle
	key := c.objectKey(&b)
	if key == "" {
		b.Metadata.Error = errNoObjectKey.Error()
		markExpired(&b)
		if err := c.studies.SetBundle(ctx, s.ID, &b); err != nil {
			return fmt.Errorf("%w: %w", errNoObjectKey, err)
		}
		return errNoObjectKey
	}
	if err := c.store.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	markExpired(&b)
	return c.studies.SetBundle(ctx, s.ID, &b)
}

// markExpired drops every reference to the deleted object.
func markExpired(b *study.DownloadBundle) {
	b.Status = study.BundleExpired
	b.URL = ""
	b.CDNURL = ""
	b.Key = ""
	b.FileName = ""
	b.SizeMB = 0
}

// objectKey derives the stored key: the recorded key, then the public and
// CDN URLs, then the conventional path from the creation year.
func (c *Cleaner) objectKey(b *study.DownloadBundle) string {
	if b.Key != "" {
		return b.Key
	}
	for _, u := range []string{b.URL, b.CDNURL} {
		if k := c.urls.KeyFromURL(u); k != "" {
			return k
		}
	}
	if b.FileName != "" && b.CreatedAt != nil {
		return KeyPrefix + strconv.Itoa(b.CreatedAt.Year()) + "/" + b.FileName
	}
	return ""
}

// Start runs CleanupExpired every interval until ctx ends.
func (c *Cleaner) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.CleanupExpired(ctx); err != nil {
					c.logger.Error().Err(err).Msg("scheduled cleanup failed")
				}
			}
		}
	}()
}
