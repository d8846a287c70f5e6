package study

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/radflow/radflow/internal/domain/dicomtag"
)

// WorkflowStatus is the reporting lifecycle state of a study.
type WorkflowStatus string

const (
	StatusNewMetadataOnly        WorkflowStatus = "new_metadata_only"
	StatusNewStudyReceived       WorkflowStatus = "new_study_received"
	StatusPendingAssignment      WorkflowStatus = "pending_assignment"
	StatusAssignedToDoctor       WorkflowStatus = "assigned_to_doctor"
	StatusDoctorOpenedReport     WorkflowStatus = "doctor_opened_report"
	StatusReportInProgress       WorkflowStatus = "report_in_progress"
	StatusReportDrafted          WorkflowStatus = "report_drafted"
	StatusReportFinalized        WorkflowStatus = "report_finalized"
	StatusReportUploaded         WorkflowStatus = "report_uploaded"
	StatusReportDownloadedDoctor WorkflowStatus = "report_downloaded_radiologist"
	StatusReportDownloaded       WorkflowStatus = "report_downloaded"
	StatusFinalReportDownloaded  WorkflowStatus = "final_report_downloaded"
	StatusArchived               WorkflowStatus = "archived"
)

// workflowOrder lists statuses from earliest to latest.
var workflowOrder = []WorkflowStatus{
	StatusNewMetadataOnly,
	StatusNewStudyReceived,
	StatusPendingAssignment,
	StatusAssignedToDoctor,
	StatusDoctorOpenedReport,
	StatusReportInProgress,
	StatusReportDrafted,
	StatusReportFinalized,
	StatusReportUploaded,
	StatusReportDownloadedDoctor,
	StatusReportDownloaded,
	StatusFinalReportDownloaded,
	StatusArchived,
}

// Rank is the position of s in the workflow, or -1 for an unknown status.
func (s WorkflowStatus) Rank() int {
	for i, w := range workflowOrder {
		if w == s {
			return i
		}
	}
	return -1
}

// Advances reports whether moving from s to next is strict forward progress.
func (s WorkflowStatus) Advances(next WorkflowStatus) bool {
	return next.Rank() > s.Rank()
}

func (s WorkflowStatus) Valid() bool {
	return s.Rank() >= 0
}

// MaxHistory caps the retained status history.
const MaxHistory = 50

// UnknownModality is reported when no series carried a modality.
const UnknownModality = "UNKNOWN"

// HistoryEntry is one status-history record.
type HistoryEntry struct {
	Status    WorkflowStatus `json:"status"`
	ChangedAt time.Time      `json:"changedAt"`
	ChangedBy string         `json:"changedBy,omitempty"`
	Note      string         `json:"note,omitempty"`
}

// BundleStatus is the state of the downloadable study archive.
type BundleStatus string

const (
	BundlePending    BundleStatus = "pending"
	BundleProcessing BundleStatus = "processing"
	BundleCompleted  BundleStatus = "completed"
	BundleFailed     BundleStatus = "failed"
	BundleExpired    BundleStatus = "expired"
)

// BundleMetadata records how an archive was produced.
type BundleMetadata struct {
	OrthancStudyID   string `json:"orthancStudyId,omitempty"`
	InstanceCount    int    `json:"instanceCount"`
	SeriesCount      int    `json:"seriesCount"`
	ProcessingTimeMs int64  `json:"processingTimeMs,omitempty"`
	CreatedBy        string `json:"createdBy,omitempty"`
	StorageProvider  string `json:"storageProvider,omitempty"`
	Error            string `json:"error,omitempty"`
}

// DownloadBundle is the pre-built ZIP of a study in object storage.
type DownloadBundle struct {
	Status    BundleStatus   `json:"status"`
	JobID     string         `json:"jobId,omitempty"`
	URL       string         `json:"url,omitempty"`
	CDNURL    string         `json:"cdnUrl,omitempty"`
	Key       string         `json:"key,omitempty"`
	FileName  string         `json:"fileName,omitempty"`
	Bucket    string         `json:"bucket,omitempty"`
	SizeMB    float64        `json:"sizeMB,omitempty"`
	CreatedAt *time.Time     `json:"createdAt,omitempty"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	Metadata  BundleMetadata `json:"metadata"`
}

type Equipment struct {
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	StationName     string `json:"stationName"`
	SoftwareVersion string `json:"softwareVersion"`
}

type Technologist struct {
	Name string `json:"name"`
}

// Study maps to the studies table. The json.RawMessage fields are owned by
// reporting users and are never written by ingestion.
type Study struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	OrthancStudyID   string     `db:"orthanc_study_id" json:"orthancStudyId"`
	StudyInstanceUID string     `db:"study_instance_uid" json:"studyInstanceUID,omitempty"`
	PatientRef       *uuid.UUID `db:"patient_ref" json:"patientRef,omitempty"`
	LabRef           *uuid.UUID `db:"lab_ref" json:"labRef,omitempty"`

	PatientID        string     `db:"patient_id" json:"patientId"`
	PatientName      string     `db:"patient_name" json:"patientName"`
	PatientGender    string     `db:"patient_gender" json:"patientGender"`
	PatientBirthDate *time.Time `db:"patient_birth_date" json:"patientBirthDate,omitempty"`

	StudyDate          *time.Time             `db:"study_date" json:"studyDate,omitempty"`
	StudyTime          string                 `db:"study_time" json:"studyTime"`
	Modalities         []string               `db:"modalities" json:"modalitiesInStudy"`
	ExamDescription    string                 `db:"exam_description" json:"examDescription"`
	InstitutionName    string                 `db:"institution_name" json:"institutionName"`
	AccessionNumber    string                 `db:"accession_number" json:"accessionNumber"`
	ReferringPhysician string                 `db:"referring_physician" json:"referringPhysicianName"`
	Equipment          Equipment              `db:"equipment" json:"equipment"`
	Technologist       Technologist           `db:"technologist" json:"technologist"`
	SourceSite         *dicomtag.LabCandidate `db:"source_site" json:"sourceSite,omitempty"`

	SeriesCount   int    `db:"series_count" json:"seriesCount"`
	InstanceCount int    `db:"instance_count" json:"instanceCount"`
	SeriesImages  string `db:"series_images" json:"seriesImages"`

	WorkflowStatus WorkflowStatus `db:"workflow_status" json:"workflowStatus"`
	StatusHistory  []HistoryEntry `db:"status_history" json:"statusHistory"`

	ClinicalHistory json.RawMessage `db:"clinical_history" json:"clinicalHistory,omitempty"`
	Assignment      json.RawMessage `db:"assignment" json:"assignment,omitempty"`
	ReportInfo      json.RawMessage `db:"report_info" json:"reportInfo,omitempty"`
	UploadedReports json.RawMessage `db:"uploaded_reports" json:"uploadedReports,omitempty"`
	DoctorReports   json.RawMessage `db:"doctor_reports" json:"doctorReports,omitempty"`
	Discussions     json.RawMessage `db:"discussions" json:"discussions,omitempty"`
	TAT             json.RawMessage `db:"tat" json:"tat,omitempty"`

	DownloadBundle *DownloadBundle `db:"download_bundle" json:"downloadBundle,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// SetCounts updates both counts and the derived display string.
func (s *Study) SetCounts(series, instances int) {
	s.SeriesCount = series
	s.InstanceCount = instances
	s.SeriesImages = fmt.Sprintf("%d/%d", series, instances)
}

// AppendHistory adds e and keeps only the newest MaxHistory entries.
func (s *Study) AppendHistory(e HistoryEntry) {
	s.StatusHistory = append(s.StatusHistory, e)
	if n := len(s.StatusHistory); n > MaxHistory {
		s.StatusHistory = append([]HistoryEntry(nil), s.StatusHistory[n-MaxHistory:]...)
	}
}

// Metadata is the normalized result of reading a study from the archive.
type Metadata struct {
	OrthancStudyID string
	Tags           dicomtag.Tags
	SeriesCount    int
	InstanceCount  int
	// Modalities is ordered by first appearance and never empty.
	Modalities   []string
	LabCandidate *dicomtag.LabCandidate
	// TagSource names the aggregation tier that supplied the tags.
	TagSource string
}

// Summary is the notification payload for a persisted study.
type Summary struct {
	StudyID        uuid.UUID      `json:"studyId"`
	OrthancStudyID string         `json:"orthancStudyId"`
	PatientName    string         `json:"patientName"`
	PatientID      string         `json:"patientId"`
	Modalities     []string       `json:"modalities"`
	StudyDate      string         `json:"studyDate"`
	LabName        string         `json:"labName"`
	WorkflowStatus WorkflowStatus `json:"workflowStatus"`
	SeriesCount    int            `json:"seriesCount"`
	InstanceCount  int            `json:"instanceCount"`
	Created        bool           `json:"created"`
}

// StudyDateString formats the study date as YYYYMMDD, or "Unknown".
func (s *Study) StudyDateString() string {
	if s.StudyDate == nil {
		return "Unknown"
	}
	return s.StudyDate.Format("20060102")
}
