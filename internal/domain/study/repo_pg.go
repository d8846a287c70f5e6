package study

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radflow/radflow/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const studyCols = `id, orthanc_study_id, study_instance_uid, patient_ref, lab_ref,
	patient_id, patient_name, patient_gender, patient_birth_date,
	study_date, study_time, modalities, exam_description, institution_name, accession_number,
	referring_physician, equipment, technologist, source_site,
	series_count, instance_count, series_images, workflow_status, status_history,
	clinical_history, assignment, report_info, uploaded_reports, doctor_reports, discussions, tat,
	download_bundle, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, s *Study) error {
	s.ID = uuid.New()
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	docs, err := encodeIngestDocs(s)
	if err != nil {
		return fmt.Errorf("study create: %w", err)
	}
	bundle, err := encodeBundle(s.DownloadBundle)
	if err != nil {
		return fmt.Errorf("study create: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO studies (id, orthanc_study_id, study_instance_uid, patient_ref, lab_ref,
			patient_id, patient_name, patient_gender, patient_birth_date,
			study_date, study_time, modalities, exam_description, institution_name, accession_number,
			referring_physician, equipment, technologist, source_site,
			series_count, instance_count, series_images, workflow_status, status_history,
			download_bundle, bundle_status, bundle_expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		s.ID, s.OrthancStudyID, nullString(s.StudyInstanceUID), s.PatientRef, s.LabRef,
		s.PatientID, s.PatientName, s.PatientGender, s.PatientBirthDate,
		s.StudyDate, s.StudyTime, s.Modalities, s.ExamDescription, s.InstitutionName, s.AccessionNumber,
		s.ReferringPhysician, docs.equipment, docs.technologist, docs.sourceSite,
		s.SeriesCount, s.InstanceCount, s.SeriesImages, string(s.WorkflowStatus), docs.history,
		bundle, bundleStatus(s.DownloadBundle), bundleExpiry(s.DownloadBundle), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		s.ID = uuid.Nil
		if db.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("study create: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Study, error) {
	return scanStudy(r.conn(ctx).QueryRow(ctx, `SELECT `+studyCols+` FROM studies WHERE id = $1`, id))
}

func (r *repoPG) GetByOrthancID(ctx context.Context, orthancStudyID string) (*Study, error) {
	return scanStudy(r.conn(ctx).QueryRow(ctx,
		`SELECT `+studyCols+` FROM studies WHERE orthanc_study_id = $1`, orthancStudyID))
}

func (r *repoPG) GetByOrthancIDForUpdate(ctx context.Context, orthancStudyID string) (*Study, error) {
	return scanStudy(r.conn(ctx).QueryRow(ctx,
		`SELECT `+studyCols+` FROM studies WHERE orthanc_study_id = $1 FOR UPDATE`, orthancStudyID))
}

func (r *repoPG) Update(ctx context.Context, s *Study) error {
	docs, err := encodeIngestDocs(s)
	if err != nil {
		return fmt.Errorf("study update: %w", err)
	}
	s.UpdatedAt = time.Now().UTC()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE studies SET study_instance_uid=$2, patient_ref=$3, lab_ref=$4,
			patient_id=$5, patient_name=$6, patient_gender=$7, patient_birth_date=$8,
			study_date=$9, study_time=$10, modalities=$11, exam_description=$12,
			institution_name=$13, accession_number=$14, referring_physician=$15,
			equipment=$16, technologist=$17, source_site=$18,
			series_count=$19, instance_count=$20, series_images=$21,
			workflow_status=$22, status_history=$23, updated_at=$24
		WHERE id = $1`,
		s.ID, nullString(s.StudyInstanceUID), s.PatientRef, s.LabRef,
		s.PatientID, s.PatientName, s.PatientGender, s.PatientBirthDate,
		s.StudyDate, s.StudyTime, s.Modalities, s.ExamDescription,
		s.InstitutionName, s.AccessionNumber, s.ReferringPhysician,
		docs.equipment, docs.technologist, docs.sourceSite,
		s.SeriesCount, s.InstanceCount, s.SeriesImages,
		string(s.WorkflowStatus), docs.history, s.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("study update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) SetBundle(ctx context.Context, id uuid.UUID, b *DownloadBundle) error {
	data, err := encodeBundle(b)
	if err != nil {
		return fmt.Errorf("study set bundle: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE studies SET download_bundle=$2, bundle_status=$3, bundle_expires_at=$4, updated_at=$5
		WHERE id = $1`,
		id, data, bundleStatus(b), bundleExpiry(b), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("study set bundle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListExpiredBundles(ctx context.Context, now time.Time, limit int) ([]*Study, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+studyCols+` FROM studies
		WHERE bundle_status = $1 AND bundle_expires_at < $2
		ORDER BY bundle_expires_at LIMIT $3`,
		string(BundleCompleted), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired bundles: %w", err)
	}
	defer rows.Close()
	studies, _, err := collectStudies(rows, 0)
	return studies, err
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Study, int, error) {
	var where []string
	var args []interface{}
	if f.WorkflowStatus != "" {
		args = append(args, string(f.WorkflowStatus))
		where = append(where, fmt.Sprintf("workflow_status = $%d", len(args)))
	}
	if f.PatientRef != nil {
		args = append(args, *f.PatientRef)
		where = append(where, fmt.Sprintf("patient_ref = $%d", len(args)))
	}
	if f.LabRef != nil {
		args = append(args, *f.LabRef)
		where = append(where, fmt.Sprintf("lab_ref = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM studies`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+studyCols+` FROM studies%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			clause, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectStudies(rows, total)
}

type ingestDocs struct {
	equipment    []byte
	technologist []byte
	sourceSite   []byte
	history      []byte
}

func encodeIngestDocs(s *Study) (ingestDocs, error) {
	var d ingestDocs
	var err error
	if d.equipment, err = json.Marshal(s.Equipment); err != nil {
		return d, err
	}
	if d.technologist, err = json.Marshal(s.Technologist); err != nil {
		return d, err
	}
	if s.SourceSite != nil {
		if d.sourceSite, err = json.Marshal(s.SourceSite); err != nil {
			return d, err
		}
	}
	history := s.StatusHistory
	if history == nil {
		history = []HistoryEntry{}
	}
	if d.history, err = json.Marshal(history); err != nil {
		return d, err
	}
	return d, nil
}

func encodeBundle(b *DownloadBundle) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	return json.Marshal(b)
}

func bundleStatus(b *DownloadBundle) *string {
	if b == nil {
		return nil
	}
	s := string(b.Status)
	return &s
}

func bundleExpiry(b *DownloadBundle) *time.Time {
	if b == nil {
		return nil
	}
	return b.ExpiresAt
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanStudy(row pgx.Row) (*Study, error) {
	var s Study
	var uid *string
	var status string
	var equipment, technologist, sourceSite, history, bundle []byte
	var clinical, assignment, reportInfo, uploadedReports, doctorReports, discussed, tat []byte
	err := row.Scan(
		&s.ID, &s.OrthancStudyID, &uid, &s.PatientRef, &s.LabRef,
		&s.PatientID, &s.PatientName, &s.PatientGender, &s.PatientBirthDate,
		&s.StudyDate, &s.StudyTime, &s.Modalities, &s.ExamDescription, &s.InstitutionName, &s.AccessionNumber,
		&s.ReferringPhysician, &equipment, &technologist, &sourceSite,
		&s.SeriesCount, &s.InstanceCount, &s.SeriesImages, &status, &history,
		&clinical, &assignment, &reportInfo, &uploadedReports, &doctorReports, &discussed, &tat,
		&bundle, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("study scan: %w", err)
	}
	if uid != nil {
		s.StudyInstanceUID = *uid
	}
	s.WorkflowStatus = WorkflowStatus(status)

	decode := []struct {
		raw []byte
		dst interface{}
	}{
		{equipment, &s.Equipment},
		{technologist, &s.Technologist},
		{history, &s.StatusHistory},
	}
	for _, d := range decode {
		if len(d.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(d.raw, d.dst); err != nil {
			return nil, fmt.Errorf("study decode: %w", err)
		}
	}
	if len(sourceSite) > 0 && string(sourceSite) != "null" {
		if err := json.Unmarshal(sourceSite, &s.SourceSite); err != nil {
			return nil, fmt.Errorf("study decode source site: %w", err)
		}
	}
	if len(bundle) > 0 && string(bundle) != "null" {
		if err := json.Unmarshal(bundle, &s.DownloadBundle); err != nil {
			return nil, fmt.Errorf("study decode bundle: %w", err)
		}
	}

	s.ClinicalHistory = rawOrNil(clinical)
	s.Assignment = rawOrNil(assignment)
	s.ReportInfo = rawOrNil(reportInfo)
	s.UploadedReports = rawOrNil(uploadedReports)
	s.DoctorReports = rawOrNil(doctorReports)
	s.Discussions = rawOrNil(discussed)
	s.TAT = rawOrNil(tat)
	return &s, nil
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.RawMessage(b)
}

func collectStudies(rows pgx.Rows, total int) ([]*Study, int, error) {
	var studies []*Study
	for rows.Next() {
		s, err := scanStudy(rows)
		if err != nil {
			return nil, 0, err
		}
		studies = append(studies, s)
	}
	return studies, total, rows.Err()
}
