package study

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/domain/dicomtag"
	"github.com/radflow/radflow/internal/domain/lab"
	"github.com/radflow/radflow/internal/domain/patient"
	"github.com/radflow/radflow/internal/platform/db"
)

// ErrMissingStudyID is returned for metadata without an archive study id.
var ErrMissingStudyID = errors.New("orthanc study id is required")

// SystemActor is recorded as the author of ingestion history entries.
const SystemActor = "system"

const defaultExamDescription = "Unknown Study"

// Notifier receives best-effort study change signals.
type Notifier interface {
	NotifyNewStudy(ctx context.Context, s Summary) error
	NotifySimpleNewStudy(ctx context.Context) error
}

// ArchiveRequest describes the study a bundle should be built for.
type ArchiveRequest struct {
	OrthancStudyID   string    `json:"orthancStudyId"`
	StudyID          uuid.UUID `json:"studyDatabaseId"`
	StudyInstanceUID string    `json:"studyInstanceUID"`
	InstanceCount    int       `json:"instanceCount"`
	SeriesCount      int       `json:"seriesCount"`
}

// ArchiveScheduler queues bundle creation and returns the job id.
type ArchiveScheduler interface {
	ScheduleArchive(ctx context.Context, req ArchiveRequest) (int64, error)
}

// UpsertResult describes the outcome of one Upsert call.
type UpsertResult struct {
	Study         *Study
	Created       bool
	StatusChanged bool
	// CountsKept is set when the read reported fewer instances than stored
	// and the stored counts were kept.
	CountsKept   bool
	ArchiveJobID int64
	Summary      Summary
}

// Engine merges aggregated archive metadata into the Study aggregate.
type Engine struct {
	repo      Repository
	tx        db.Transactor
	scheduler ArchiveScheduler
	notifier  Notifier
	logger    zerolog.Logger
	now       func() time.Time
}

func NewEngine(repo Repository, tx db.Transactor, logger zerolog.Logger) *Engine {
	return &Engine{
		repo:   repo,
		tx:     tx,
		logger: logger.With().Str("component", "study-upsert").Logger(),
		now:    time.Now,
	}
}

// SetArchiveScheduler attaches the archive queue. Without one, no bundles
// are scheduled.
func (e *Engine) SetArchiveScheduler(s ArchiveScheduler) {
	e.scheduler = s
}

// SetNotifier attaches the notification sink.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Upsert creates or updates the study identified by md.OrthancStudyID. The
// read-modify-write runs in one transaction with the row locked; an insert
// that loses a race with a concurrent ingestion is retried once as an
// update. Archive scheduling and notifications run after the commit and
// never fail the call.
func (e *Engine) Upsert(ctx context.Context, md *Metadata, p *patient.Patient, l *lab.Lab) (*UpsertResult, error) {
	if md == nil || md.OrthancStudyID == "" {
		return nil, ErrMissingStudyID
	}

	var res *UpsertResult
	write := func(ctx context.Context) error {
		r, err := e.write(ctx, md, p, l)
		res = r
		return err
	}

	err := e.tx.WithinTx(ctx, write)
	if errors.Is(err, ErrDuplicate) {
		e.logger.Info().Str("orthanc_study_id", md.OrthancStudyID).Msg("study created concurrently, retrying as update")
		err = e.tx.WithinTx(ctx, write)
	}
	if err != nil {
		return nil, fmt.Errorf("upsert study %s: %w", md.OrthancStudyID, err)
	}

	res.Summary = summarize(res.Study, l, res.Created)
	e.afterPersist(ctx, res)
	return res, nil
}

func (e *Engine) write(ctx context.Context, md *Metadata, p *patient.Patient, l *lab.Lab) (*UpsertResult, error) {
	existing, err := e.repo.GetByOrthancIDForUpdate(ctx, md.OrthancStudyID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := e.now().UTC()

	if existing == nil {
		s := &Study{OrthancStudyID: md.OrthancStudyID}
		applyCandidate(s, md, p, l)
		if s.ExamDescription == "" {
			s.ExamDescription = defaultExamDescription
		}
		s.Modalities = nextModalities(nil, md.Modalities, false)
		s.SetCounts(md.SeriesCount, md.InstanceCount)
		s.WorkflowStatus = initialStatus(s.InstanceCount)
		s.AppendHistory(HistoryEntry{
			Status:    s.WorkflowStatus,
			ChangedAt: now,
			ChangedBy: SystemActor,
			Note:      fmt.Sprintf("Study created: %d series, %d instances. Lab: %s", s.SeriesCount, s.InstanceCount, labName(l)),
		})
		if err := e.repo.Create(ctx, s); err != nil {
			return nil, err
		}
		e.logger.Info().Str("orthanc_study_id", s.OrthancStudyID).Str("study_id", s.ID.String()).
			Str("status", string(s.WorkflowStatus)).Msg("study created")
		return &UpsertResult{Study: s, Created: true, StatusChanged: true}, nil
	}

	res := &UpsertResult{Study: existing}
	applyCandidate(existing, md, p, l)

	suspect := md.InstanceCount < existing.InstanceCount
	if suspect {
		res.CountsKept = true
		e.logger.Warn().Str("orthanc_study_id", existing.OrthancStudyID).
			Int("stored_instances", existing.InstanceCount).Int("read_instances", md.InstanceCount).
			Msg("read reported fewer instances than stored, keeping stored counts")
	} else {
		existing.SetCounts(max(existing.SeriesCount, md.SeriesCount), md.InstanceCount)
	}
	existing.Modalities = nextModalities(existing.Modalities, md.Modalities, suspect)

	if target := initialStatus(existing.InstanceCount); existing.WorkflowStatus.Advances(target) {
		existing.WorkflowStatus = target
		res.StatusChanged = true
	}
	existing.AppendHistory(HistoryEntry{
		Status:    existing.WorkflowStatus,
		ChangedAt: now,
		ChangedBy: SystemActor,
		Note: fmt.Sprintf("Study updated: %d series, %d instances. Lab: %s",
			existing.SeriesCount, existing.InstanceCount, labName(l)),
	})

	if err := e.repo.Update(ctx, existing); err != nil {
		return nil, err
	}
	e.logger.Info().Str("orthanc_study_id", existing.OrthancStudyID).Str("study_id", existing.ID.String()).
		Bool("status_changed", res.StatusChanged).Msg("study updated")
	return res, nil
}

func (e *Engine) afterPersist(ctx context.Context, res *UpsertResult) {
	s := res.Study
	log := e.logger.With().Str("orthanc_study_id", s.OrthancStudyID).Logger()

	if s.InstanceCount > 0 && e.scheduler != nil {
		jobID, err := e.scheduler.ScheduleArchive(ctx, ArchiveRequest{
			OrthancStudyID:   s.OrthancStudyID,
			StudyID:          s.ID,
			StudyInstanceUID: s.StudyInstanceUID,
			InstanceCount:    s.InstanceCount,
			SeriesCount:      s.SeriesCount,
		})
		if err != nil {
			log.Warn().Err(err).Msg("archive scheduling failed")
		} else {
			res.ArchiveJobID = jobID
			log.Debug().Int64("archive_job_id", jobID).Msg("archive scheduled")
		}
	} else if s.InstanceCount == 0 {
		log.Debug().Msg("no instances yet, archive skipped")
	}

	if e.notifier == nil {
		return
	}
	if res.Created {
		e.notify(log, "new_study", func() error { return e.notifier.NotifyNewStudy(ctx, res.Summary) })
	}
	e.notify(log, "study_list_changed", func() error { return e.notifier.NotifySimpleNewStudy(ctx) })
}

func (e *Engine) notify(log zerolog.Logger, event string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("event", event).Str("panic", fmt.Sprintf("%v", r)).Msg("notification panicked")
		}
	}()
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("notification failed")
	}
}

// applyCandidate copies the ingestion-owned fields of md onto s. Fields the
// read did not report keep their stored value.
func applyCandidate(s *Study, md *Metadata, p *patient.Patient, l *lab.Lab) {
	t := md.Tags
	assign(&s.StudyInstanceUID, dicomtag.Value(t.StudyInstanceUID))

	if p != nil {
		if p.Persisted() {
			id := p.ID
			s.PatientRef = &id
		}
		s.PatientID = p.PatientID
		s.PatientName = p.NameRaw
		s.PatientGender = p.Gender
		if p.DateOfBirth != nil {
			dob := *p.DateOfBirth
			s.PatientBirthDate = &dob
		}
	}
	if l.Persisted() {
		id := l.ID
		s.LabRef = &id
	}

	if raw := dicomtag.Value(t.StudyDate); raw != "" {
		d := dicomtag.ParseDate(raw)
		s.StudyDate = &d
	}
	assign(&s.StudyTime, dicomtag.Value(t.StudyTime))
	assign(&s.ExamDescription, dicomtag.Value(t.StudyDescription))
	assign(&s.InstitutionName, dicomtag.Value(t.InstitutionName))
	assign(&s.AccessionNumber, dicomtag.Value(t.AccessionNumber))
	assign(&s.ReferringPhysician, dicomtag.Value(t.ReferringPhysicianName))

	assign(&s.Equipment.Manufacturer, dicomtag.Value(t.Manufacturer))
	assign(&s.Equipment.Model, dicomtag.Value(t.ManufacturerModelName))
	assign(&s.Equipment.StationName, dicomtag.Value(t.StationName))
	assign(&s.Equipment.SoftwareVersion, dicomtag.Value(t.SoftwareVersions))
	assign(&s.Technologist.Name, dicomtag.ValueOr(t.OperatorsName, dicomtag.Value(t.PerformingPhysicianName)))

	if md.LabCandidate != nil {
		site := *md.LabCandidate
		s.SourceSite = &site
	}
}

func assign(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func initialStatus(instances int) WorkflowStatus {
	if instances > 0 {
		return StatusNewStudyReceived
	}
	return StatusNewMetadataOnly
}

// nextModalities decides the stored modality list. A sentinel-only read
// never replaces real modalities, and a suspect read can only add to them.
func nextModalities(stored, read []string, suspect bool) []string {
	fresh := withoutSentinel(read)
	storedReal := withoutSentinel(stored)

	var out []string
	switch {
	case suspect:
		out = union(storedReal, fresh)
	case len(fresh) == 0:
		out = storedReal
	default:
		out = union(nil, fresh)
	}
	if len(out) == 0 {
		return []string{UnknownModality}
	}
	return out
}

func withoutSentinel(in []string) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		if m != "" && m != UnknownModality {
			out = append(out, m)
		}
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, m := range list {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

func labName(l *lab.Lab) string {
	if l == nil {
		return "Unknown"
	}
	return l.Name
}

func summarize(s *Study, l *lab.Lab, created bool) Summary {
	return Summary{
		StudyID:        s.ID,
		OrthancStudyID: s.OrthancStudyID,
		PatientName:    s.PatientName,
		PatientID:      s.PatientID,
		Modalities:     append([]string(nil), s.Modalities...),
		StudyDate:      s.StudyDateString(),
		LabName:        labName(l),
		WorkflowStatus: s.WorkflowStatus,
		SeriesCount:    s.SeriesCount,
		InstanceCount:  s.InstanceCount,
		Created:        created,
	}
}
