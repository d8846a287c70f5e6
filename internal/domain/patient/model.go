package patient

import (
	"time"

	"github.com/google/uuid"
)

const (
	// UnknownMRN is the shared placeholder used when a study carries neither
	// a patient id nor a name.
	UnknownMRN       = "UNKNOWN_STABLE_STUDY"
	UnknownPatientID = "UNKNOWN_PATIENT"
	UnknownName      = "Unknown Patient (Stable Study)"

	// AnonymousPrefix prefixes generated ids for named patients without one.
	AnonymousPrefix = "ANON_"
)

// Computed holds derived display forms of the patient name.
type Computed struct {
	FullName          string `json:"fullName"`
	NamePrefix        string `json:"namePrefix,omitempty"`
	NameSuffix        string `json:"nameSuffix,omitempty"`
	OriginalDicomName string `json:"originalDicomName,omitempty"`
}

// Patient maps to the patients table.
type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	MRN         string     `db:"mrn" json:"mrn"`
	PatientID   string     `db:"patient_id" json:"patientID"`
	NameRaw     string     `db:"patient_name_raw" json:"patientNameRaw"`
	FirstName   string     `db:"first_name" json:"firstName"`
	LastName    string     `db:"last_name" json:"lastName"`
	Computed    Computed   `db:"computed" json:"computed"`
	Gender      string     `db:"gender" json:"gender"`
	DateOfBirth *time.Time `db:"date_of_birth" json:"dateOfBirth,omitempty"`
	IsAnonymous bool       `db:"is_anonymous" json:"isAnonymous"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
}

// Persisted reports whether p was stored. Resolvers hand back an unsaved
// placeholder when the store is unavailable.
func (p *Patient) Persisted() bool {
	return p != nil && p.ID != uuid.Nil
}

// DisplayName is the best human-readable name for p.
func (p *Patient) DisplayName() string {
	if p.Computed.FullName != "" {
		return p.Computed.FullName
	}
	return p.NameRaw
}
