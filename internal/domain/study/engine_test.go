package study

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/domain/dicomtag"
	"github.com/radflow/radflow/internal/domain/lab"
	"github.com/radflow/radflow/internal/domain/patient"
	"github.com/radflow/radflow/internal/platform/db"
)

type recordingScheduler struct {
	mu   sync.Mutex
	reqs []ArchiveRequest
	err  error
}

func (s *recordingScheduler) ScheduleArchive(_ context.Context, req ArchiveRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.reqs = append(s.reqs, req)
	return int64(len(s.reqs)), nil
}

type recordingNotifier struct {
	newStudies []Summary
	simple     int
	err        error
	panic      bool
}

func (n *recordingNotifier) NotifyNewStudy(_ context.Context, s Summary) error {
	if n.panic {
		panic("socket closed")
	}
	n.newStudies = append(n.newStudies, s)
	return n.err
}

func (n *recordingNotifier) NotifySimpleNewStudy(context.Context) error {
	n.simple++
	return n.err
}

// racingRepo simulates a concurrent ingestion that inserts the study between
// this engine's lookup and its insert.
type racingRepo struct {
	*MemoryRepo
	raced bool
}

func (r *racingRepo) Create(ctx context.Context, s *Study) error {
	if !r.raced {
		r.raced = true
		other := &Study{OrthancStudyID: s.OrthancStudyID, WorkflowStatus: StatusNewMetadataOnly}
		other.SetCounts(0, 0)
		if err := r.MemoryRepo.Create(ctx, other); err != nil {
			return err
		}
		return ErrDuplicate
	}
	return r.MemoryRepo.Create(ctx, s)
}

func newTestEngine(repo Repository) *Engine {
	e := NewEngine(repo, db.NopTx{}, zerolog.Nop())
	e.now = func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }
	return e
}

func testMetadata(id string, series, instances int, modalities ...string) *Metadata {
	return &Metadata{
		OrthancStudyID: id,
		Tags: dicomtag.Tags{
			StudyInstanceUID: dicomtag.String("1.2.3." + id),
			StudyDate:        dicomtag.String("20240115"),
			StudyTime:        dicomtag.String("101500"),
			StudyDescription: dicomtag.String("CT HEAD"),
			AccessionNumber:  dicomtag.String("ACC1"),
			InstitutionName:  dicomtag.String("City Hospital"),
			Manufacturer:     dicomtag.String("ACME"),
			OperatorsName:    dicomtag.String("Tech^Tom"),
		},
		SeriesCount:   series,
		InstanceCount: instances,
		Modalities:    modalities,
	}
}

func testPatient() *patient.Patient {
	return &patient.Patient{ID: uuid.New(), MRN: "P1", PatientID: "P1", NameRaw: "Jane Doe", Gender: "F"}
}

func testLab() *lab.Lab {
	return &lab.Lab{ID: uuid.New(), Name: "Unknown Lab (No Identifier Found)", Identifier: lab.UnknownIdentifier, IsActive: true}
}

func TestUpsert_CreatesStudy(t *testing.T) {
	repo := NewMemoryRepo()
	sched := &recordingScheduler{}
	notif := &recordingNotifier{}
	e := newTestEngine(repo)
	e.SetArchiveScheduler(sched)
	e.SetNotifier(notif)

	p, l := testPatient(), testLab()
	res, err := e.Upsert(context.Background(), testMetadata("abc123", 2, 8, "CT", "MR"), p, l)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := res.Study
	if !res.Created || s.WorkflowStatus != StatusNewStudyReceived {
		t.Errorf("created = %v, status = %s", res.Created, s.WorkflowStatus)
	}
	if s.SeriesCount != 2 || s.InstanceCount != 8 || s.SeriesImages != "2/8" {
		t.Errorf("counts = %d/%d %q", s.SeriesCount, s.InstanceCount, s.SeriesImages)
	}
	if strings.Join(s.Modalities, ",") != "CT,MR" {
		t.Errorf("modalities = %v", s.Modalities)
	}
	if s.PatientRef == nil || *s.PatientRef != p.ID || s.LabRef == nil || *s.LabRef != l.ID {
		t.Error("patient and lab references not set")
	}
	if s.PatientName != "Jane Doe" || s.StudyInstanceUID != "1.2.3.abc123" {
		t.Errorf("snapshot = %s / %s", s.PatientName, s.StudyInstanceUID)
	}
	if s.StudyDate == nil || !s.StudyDate.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("study date = %v", s.StudyDate)
	}
	if s.Equipment.Manufacturer != "ACME" || s.Technologist.Name != "Tech^Tom" {
		t.Errorf("equipment/technologist = %+v / %+v", s.Equipment, s.Technologist)
	}
	if len(s.StatusHistory) != 1 || s.StatusHistory[0].Note != "Study created: 2 series, 8 instances. Lab: Unknown Lab (No Identifier Found)" {
		t.Errorf("history = %+v", s.StatusHistory)
	}

	if len(sched.reqs) != 1 || sched.reqs[0].InstanceCount != 8 || sched.reqs[0].StudyID != s.ID {
		t.Errorf("archive requests = %+v", sched.reqs)
	}
	if res.ArchiveJobID != 1 {
		t.Errorf("archive job id = %d", res.ArchiveJobID)
	}
	if len(notif.newStudies) != 1 || notif.simple != 1 {
		t.Errorf("notifications = %d new, %d simple", len(notif.newStudies), notif.simple)
	}
	if res.Summary.LabName != l.Name || res.Summary.StudyDate != "20240115" {
		t.Errorf("summary = %+v", res.Summary)
	}
}

func TestUpsert_MetadataOnlySkipsArchive(t *testing.T) {
	sched := &recordingScheduler{}
	e := newTestEngine(NewMemoryRepo())
	e.SetArchiveScheduler(sched)

	res, err := e.Upsert(context.Background(), testMetadata("m1", 1, 0), testPatient(), testLab())
	if err != nil {
		t.Fatal(err)
	}
	if res.Study.WorkflowStatus != StatusNewMetadataOnly {
		t.Errorf("status = %s", res.Study.WorkflowStatus)
	}
	if strings.Join(res.Study.Modalities, ",") != UnknownModality {
		t.Errorf("modalities = %v", res.Study.Modalities)
	}
	if len(sched.reqs) != 0 {
		t.Error("no archive expected for a study without instances")
	}
}

func TestUpsert_PreservesUserOwnedFields(t *testing.T) {
	repo := NewMemoryRepo()
	e := newTestEngine(repo)
	ctx := context.Background()

	first, err := e.Upsert(ctx, testMetadata("s1", 1, 4, "CT"), testPatient(), testLab())
	if err != nil {
		t.Fatal(err)
	}
	id := first.Study.ID
	bundle := &DownloadBundle{Status: BundleCompleted, Key: "studies/2024/x.zip"}
	_ = repo.SetBundle(ctx, id, bundle)
	_ = repo.SetPreserved(id, func(s *Study) {
		s.ClinicalHistory = json.RawMessage(`{"text":"chest pain"}`)
		s.Assignment = json.RawMessage(`{"assignedTo":"dr-1"}`)
		s.WorkflowStatus = StatusAssignedToDoctor
	})

	res, err := e.Upsert(ctx, testMetadata("s1", 1, 6, "CT"), testPatient(), testLab())
	if err != nil {
		t.Fatal(err)
	}
	if res.Created {
		t.Error("second ingestion must update")
	}

	got, _ := repo.GetByID(ctx, id)
	if string(got.ClinicalHistory) != `{"text":"chest pain"}` || string(got.Assignment) != `{"assignedTo":"dr-1"}` {
		t.Errorf("user data lost: %s / %s", got.ClinicalHistory, got.Assignment)
	}
	if got.WorkflowStatus != StatusAssignedToDoctor {
		t.Errorf("status regressed to %s", got.WorkflowStatus)
	}
	if got.DownloadBundle == nil || got.DownloadBundle.Key != "studies/2024/x.zip" {
		t.Errorf("bundle lost: %+v", got.DownloadBundle)
	}
	if got.InstanceCount != 6 {
		t.Errorf("instances = %d", got.InstanceCount)
	}
	if len(got.StatusHistory) != 2 || got.StatusHistory[1].Status != StatusAssignedToDoctor {
		t.Errorf("history = %+v", got.StatusHistory)
	}
	if repo.Len() != 1 {
		t.Errorf("studies = %d", repo.Len())
	}
}

func TestUpsert_StatusAdvancesFromMetadataOnly(t *testing.T) {
	e := newTestEngine(NewMemoryRepo())
	ctx := context.Background()
	_, _ = e.Upsert(ctx, testMetadata("s2", 1, 0), testPatient(), testLab())

	res, err := e.Upsert(ctx, testMetadata("s2", 1, 3, "US"), testPatient(), testLab())
	if err != nil {
		t.Fatal(err)
	}
	if !res.StatusChanged || res.Study.WorkflowStatus != StatusNewStudyReceived {
		t.Errorf("status = %s, changed = %v", res.Study.WorkflowStatus, res.StatusChanged)
	}
	if strings.Join(res.Study.Modalities, ",") != "US" {
		t.Errorf("modalities = %v", res.Study.Modalities)
	}
}

func TestUpsert_CountsNeverDecrease(t *testing.T) {
	e := newTestEngine(NewMemoryRepo())
	ctx := context.Background()
	_, _ = e.Upsert(ctx, testMetadata("s3", 2, 8, "CT", "MR"), testPatient(), testLab())

	md := testMetadata("s3", 1, 0)
	md.Tags.StudyDescription = dicomtag.String("CT HEAD W/O")
	res, err := e.Upsert(ctx, md, testPatient(), testLab())
	if err != nil {
		t.Fatal(err)
	}
	s := res.Study
	if !res.CountsKept {
		t.Error("expected the partial read to be flagged")
	}
	if s.SeriesCount != 2 || s.InstanceCount != 8 {
		t.Errorf("counts = %d/%d", s.SeriesCount, s.InstanceCount)
	}
	if strings.Join(s.Modalities, ",") != "CT,MR" {
		t.Errorf("modalities = %v", s.Modalities)
	}
	if s.ExamDescription != "CT HEAD W/O" {
		t.Errorf("other fields should still update, description = %q", s.ExamDescription)
	}
	if s.WorkflowStatus != StatusNewStudyReceived {
		t.Errorf("status = %s", s.WorkflowStatus)
	}
}

func TestUpsert_DuplicateInsertRetriesAsUpdate(t *testing.T) {
	repo := &racingRepo{MemoryRepo: NewMemoryRepo()}
	e := newTestEngine(repo)

	res, err := e.Upsert(context.Background(), testMetadata("race", 1, 2, "CR"), testPatient(), testLab())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Created {
		t.Error("retry should have taken the update path")
	}
	if repo.Len() != 1 {
		t.Errorf("studies = %d, want 1", repo.Len())
	}
	if res.Study.InstanceCount != 2 || res.Study.WorkflowStatus != StatusNewStudyReceived {
		t.Errorf("study = %+v", res.Study)
	}
}

func TestUpsert_HistoryIsCapped(t *testing.T) {
	e := newTestEngine(NewMemoryRepo())
	ctx := context.Background()
	var res *UpsertResult
	for i := 0; i < MaxHistory+5; i++ {
		var err error
		res, err = e.Upsert(ctx, testMetadata("busy", 1, 1, "CT"), testPatient(), testLab())
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(res.Study.StatusHistory) != MaxHistory {
		t.Errorf("history = %d", len(res.Study.StatusHistory))
	}
}

func TestUpsert_AbsentFieldsKeepStoredValues(t *testing.T) {
	e := newTestEngine(NewMemoryRepo())
	ctx := context.Background()
	_, _ = e.Upsert(ctx, testMetadata("s4", 1, 1, "CT"), testPatient(), testLab())

	res, err := e.Upsert(ctx, &Metadata{OrthancStudyID: "s4", SeriesCount: 1, InstanceCount: 1, Modalities: []string{UnknownModality}}, testPatient(), testLab())
	if err != nil {
		t.Fatal(err)
	}
	s := res.Study
	if s.AccessionNumber != "ACC1" || s.InstitutionName != "City Hospital" || s.StudyDate == nil {
		t.Errorf("stored fields were cleared: %+v", s)
	}
	if strings.Join(s.Modalities, ",") != "CT" {
		t.Errorf("sentinel replaced real modality: %v", s.Modalities)
	}
}

func TestUpsert_TransientEntitiesLeaveNullRefs(t *testing.T) {
	e := newTestEngine(NewMemoryRepo())
	p := &patient.Patient{MRN: patient.UnknownMRN, PatientID: patient.UnknownPatientID, NameRaw: patient.UnknownName}
	l := &lab.Lab{Name: lab.EmergencyName, Identifier: lab.EmergencyIdentifier}

	res, err := e.Upsert(context.Background(), testMetadata("t1", 1, 1, "CT"), p, l)
	if err != nil {
		t.Fatal(err)
	}
	if res.Study.PatientRef != nil || res.Study.LabRef != nil {
		t.Error("unsaved entities must not be referenced")
	}
	if res.Study.PatientName != patient.UnknownName {
		t.Errorf("patient name = %s", res.Study.PatientName)
	}
}

func TestUpsert_SideEffectFailuresDoNotFail(t *testing.T) {
	e := newTestEngine(NewMemoryRepo())
	e.SetArchiveScheduler(&recordingScheduler{err: errors.New("queue closed")})
	e.SetNotifier(&recordingNotifier{panic: true})

	res, err := e.Upsert(context.Background(), testMetadata("fx", 1, 1, "CT"), testPatient(), testLab())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ArchiveJobID != 0 {
		t.Errorf("archive job id = %d", res.ArchiveJobID)
	}
}

func TestUpsert_RequiresStudyID(t *testing.T) {
	e := newTestEngine(NewMemoryRepo())
	if _, err := e.Upsert(context.Background(), &Metadata{}, testPatient(), testLab()); !errors.Is(err, ErrMissingStudyID) {
		t.Errorf("err = %v", err)
	}
}

func TestNextModalities(t *testing.T) {
	tests := []struct {
		name    string
		stored  []string
		read    []string
		suspect bool
		want    string
	}{
		{"new study", nil, []string{"CT", "MR"}, false, "CT,MR"},
		{"empty read", nil, nil, false, "UNKNOWN"},
		{"replace", []string{"CT"}, []string{"MR"}, false, "MR"},
		{"sentinel keeps stored", []string{"CT"}, []string{"UNKNOWN"}, false, "CT"},
		{"suspect unions", []string{"CT"}, []string{"SR"}, true, "CT,SR"},
		{"drops stored sentinel", []string{"UNKNOWN"}, []string{"US"}, true, "US"},
		{"dedupes", nil, []string{"CT", "CT", "MR"}, false, "CT,MR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(nextModalities(tt.stored, tt.read, tt.suspect), ",")
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
