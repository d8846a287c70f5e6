// Package ingest turns archive notifications into persisted studies: it
// aggregates study metadata from the archive, resolves the patient and lab,
// runs the upsert, and tracks each request as a job.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/domain/dicomtag"
	"github.com/radflow/radflow/internal/domain/study"
	"github.com/radflow/radflow/internal/platform/orthanc"
)

// Tag sources, from most to least detailed.
const (
	SourceInstanceTags   = "instance_tags"
	SourceSimplifiedTags = "simplified_tags"
	SourceStudyTags      = "study_tags"
	SourceNone           = "none"
)

// ArchiveReader is the part of the archive API the aggregator reads.
type ArchiveReader interface {
	GetStudy(ctx context.Context, studyID string) (*orthanc.Resource, error)
	ListStudySeries(ctx context.Context, studyID string) ([]orthanc.Resource, error)
	GetSeries(ctx context.Context, seriesID string) (*orthanc.Resource, error)
	ListSeriesInstances(ctx context.Context, seriesID string) ([]orthanc.Resource, error)
	ListStudyInstances(ctx context.Context, studyID string, expand bool) ([]orthanc.Resource, error)
	GetInstanceTags(ctx context.Context, instanceID string) (map[string]string, error)
	GetInstanceSimplifiedTags(ctx context.Context, instanceID string) (map[string]string, error)
}

// Aggregator collects tags, counts and modalities for one study. Each tier
// runs only when the previous ones left a gap, and a later tier never
// overwrites a field an earlier tier supplied.
type Aggregator struct {
	archive ArchiveReader
	logger  zerolog.Logger
}

func NewAggregator(archive ArchiveReader, logger zerolog.Logger) *Aggregator {
	return &Aggregator{archive: archive, logger: logger.With().Str("component", "aggregator").Logger()}
}

// aggregation is the state threaded through the tiers of one run.
type aggregation struct {
	id            string
	study         *orthanc.Resource
	series        []orthanc.Resource
	modalities    []string
	seen          map[string]bool
	instances     int
	firstInstance string
	tags          dicomtag.Tags
	source        string
}

// Aggregate reads study orthancStudyID from the archive. progress, when
// non-nil, receives 30 after the series listing and 50 after counting. It
// fails only when the study's series cannot be listed at all.
func (a *Aggregator) Aggregate(ctx context.Context, orthancStudyID string, progress func(int)) (*study.Metadata, error) {
	if progress == nil {
		progress = func(int) {}
	}
	log := a.logger.With().Str("orthanc_study_id", orthancStudyID).Logger()
	ag := &aggregation{id: orthancStudyID, seen: make(map[string]bool), source: SourceNone}

	if err := a.listSeries(ctx, ag, log); err != nil {
		return nil, err
	}
	progress(30)

	a.countSeries(ctx, ag, log)
	progress(50)

	if !a.instanceTags(ctx, ag, log) {
		a.studyTags(ctx, ag, log)
	}
	if ag.tags.Empty() {
		log.Warn().Msg("no tags available from any source, continuing with a minimal tag set")
		ag.source = SourceNone
	}

	if len(ag.modalities) == 0 {
		ag.modalities = []string{study.UnknownModality}
	}

	log.Debug().Int("series", len(ag.series)).Int("instances", ag.instances).
		Strs("modalities", ag.modalities).Str("tag_source", ag.source).Msg("study metadata aggregated")

	return &study.Metadata{
		OrthancStudyID: orthancStudyID,
		Tags:           ag.tags,
		SeriesCount:    len(ag.series),
		InstanceCount:  ag.instances,
		Modalities:     ag.modalities,
		LabCandidate:   dicomtag.ExtractLabCandidate(ag.tags),
		TagSource:      ag.source,
	}, nil
}

// listSeries reads the expanded series list, falling back to the series ids
// embedded in the study resource.
func (a *Aggregator) listSeries(ctx context.Context, ag *aggregation, log zerolog.Logger) error {
	series, err := a.archive.ListStudySeries(ctx, ag.id)
	if err == nil {
		ag.series = series
		return nil
	}
	if errors.Is(err, orthanc.ErrNotFound) {
		return fmt.Errorf("study %s not found in archive: %w", ag.id, err)
	}
	log.Warn().Err(err).Msg("series listing failed, falling back to study resource")

	st, serr := a.archive.GetStudy(ctx, ag.id)
	if serr != nil {
		return fmt.Errorf("list series of study %s: %w", ag.id, errors.Join(err, serr))
	}
	ag.study = st
	ag.series = st.Series
	return nil
}

// countSeries sums instances and collects modalities. Series without an
// embedded instance list are resolved one call per series; series whose
// lookup failed are counted from the study's instance list instead.
func (a *Aggregator) countSeries(ctx context.Context, ag *aggregation, log zerolog.Logger) {
	var unresolved []string
	for i := range ag.series {
		s := ag.series[i]
		switch {
		case !s.Expanded:
			full, err := a.archive.GetSeries(ctx, s.ID)
			if err != nil {
				log.Warn().Err(err).Str("series_id", s.ID).Msg("series lookup failed")
				unresolved = append(unresolved, s.ID)
				continue
			}
			s = *full
		case !s.HasInstances:
			instances, err := a.archive.ListSeriesInstances(ctx, s.ID)
			if err != nil {
				log.Warn().Err(err).Str("series_id", s.ID).Msg("series instance listing failed")
				unresolved = append(unresolved, s.ID)
			} else {
				s.Instances = instances
			}
		}

		if m := s.Tag("Modality"); m != "" && !ag.seen[m] {
			ag.seen[m] = true
			ag.modalities = append(ag.modalities, m)
		}
		ag.instances += len(s.Instances)
		if ag.firstInstance == "" && len(s.Instances) > 0 {
			ag.firstInstance = s.Instances[0].ID
		}
	}

	if len(unresolved) > 0 {
		a.countStudyInstances(ctx, ag, unresolved, log)
	}
}

// countStudyInstances attributes the study's expanded instance list to the
// given series.
func (a *Aggregator) countStudyInstances(ctx context.Context, ag *aggregation, seriesIDs []string, log zerolog.Logger) {
	instances, err := a.archive.ListStudyInstances(ctx, ag.id, true)
	if err != nil {
		log.Warn().Err(err).Int("series", len(seriesIDs)).Msg("study instance listing failed, instances left uncounted")
		return
	}
	want := make(map[string]bool, len(seriesIDs))
	for _, id := range seriesIDs {
		want[id] = true
	}
	counted := 0
	for _, inst := range instances {
		if !want[inst.ParentSeries] {
			continue
		}
		counted++
		if ag.firstInstance == "" {
			ag.firstInstance = inst.ID
		}
	}
	ag.instances += counted
	log.Debug().Int("series", len(seriesIDs)).Int("instances", counted).Msg("counted instances from study listing")
}

// instanceTags reads the representative instance, preferring tag-number
// keyed tags over the simplified dump. It reports whether either worked.
func (a *Aggregator) instanceTags(ctx context.Context, ag *aggregation, log zerolog.Logger) bool {
	if ag.firstInstance == "" {
		return false
	}
	ilog := log.With().Str("instance_id", ag.firstInstance).Logger()

	raw, err := a.archive.GetInstanceTags(ctx, ag.firstInstance)
	if err == nil {
		ag.tags.ApplyTagNumbers(raw)
		ag.source = SourceInstanceTags
		return true
	}
	ilog.Warn().Err(err).Msg("instance tags failed, trying simplified tags")

	simple, err := a.archive.GetInstanceSimplifiedTags(ctx, ag.firstInstance)
	if err == nil {
		ag.tags.ApplyKeywords(simple)
		ag.source = SourceSimplifiedTags
		return true
	}
	ilog.Warn().Err(err).Msg("simplified tags failed")
	return false
}

// studyTags falls back to the study-level tag blocks.
func (a *Aggregator) studyTags(ctx context.Context, ag *aggregation, log zerolog.Logger) {
	if ag.study == nil {
		st, err := a.archive.GetStudy(ctx, ag.id)
		if err != nil {
			log.Warn().Err(err).Msg("study tag fallback failed")
			return
		}
		ag.study = st
	}
	filled := ag.tags.ApplyKeywords(ag.study.MainDicomTags)
	filled += ag.tags.ApplyKeywords(ag.study.PatientMainDicomTags)
	if filled > 0 {
		ag.source = SourceStudyTags
	}
}
