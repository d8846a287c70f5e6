// Package dicomtag holds the typed DICOM tag set used during ingestion and the
// pure normalization helpers for person names, dates and lab-name candidates.
package dicomtag

import (
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Tags is the set of named DICOM fields the ingestion pipeline cares about.
// A nil field means the archive did not report it.
type Tags struct {
	PatientName             *string `json:"patientName,omitempty"`
	PatientID               *string `json:"patientId,omitempty"`
	PatientSex              *string `json:"patientSex,omitempty"`
	PatientBirthDate        *string `json:"patientBirthDate,omitempty"`
	PatientAge              *string `json:"patientAge,omitempty"`
	StudyInstanceUID        *string `json:"studyInstanceUid,omitempty"`
	StudyDescription        *string `json:"studyDescription,omitempty"`
	StudyDate               *string `json:"studyDate,omitempty"`
	StudyTime               *string `json:"studyTime,omitempty"`
	AccessionNumber         *string `json:"accessionNumber,omitempty"`
	InstitutionName         *string `json:"institutionName,omitempty"`
	InstitutionAddress      *string `json:"institutionAddress,omitempty"`
	StationName             *string `json:"stationName,omitempty"`
	Manufacturer            *string `json:"manufacturer,omitempty"`
	ManufacturerModelName   *string `json:"manufacturerModelName,omitempty"`
	SoftwareVersions        *string `json:"softwareVersions,omitempty"`
	ReferringPhysicianName  *string `json:"referringPhysicianName,omitempty"`
	PerformingPhysicianName *string `json:"performingPhysicianName,omitempty"`
	RequestingPhysician     *string `json:"requestingPhysician,omitempty"`
	OperatorsName           *string `json:"operatorsName,omitempty"`
	SourceAETitle           *string `json:"sourceAeTitle,omitempty"`

	// PrivateLab holds the values found in LabPrivateTags, keyed by Key(tag).
	PrivateLab map[string]string `json:"privateLab,omitempty"`
}

// LabPrivateTags are the site-specific private slots that may carry the
// originating lab identifier, in lookup order.
var LabPrivateTags = []tag.Tag{
	{Group: 0x0013, Element: 0x0010},
	{Group: 0x0015, Element: 0x0010},
	{Group: 0x0021, Element: 0x0010},
	{Group: 0x0043, Element: 0x0010},
}

type fieldMapping struct {
	tag     tag.Tag
	keyword string
	field   func(t *Tags) **string
}

// fieldTable maps DICOM tag numbers (and their keywords, for the simplified
// archive endpoints) to fields of Tags.
var fieldTable = []fieldMapping{
	{tag.PatientName, "PatientName", func(t *Tags) **string { return &t.PatientName }},
	{tag.PatientID, "PatientID", func(t *Tags) **string { return &t.PatientID }},
	{tag.PatientSex, "PatientSex", func(t *Tags) **string { return &t.PatientSex }},
	{tag.PatientBirthDate, "PatientBirthDate", func(t *Tags) **string { return &t.PatientBirthDate }},
	{tag.PatientAge, "PatientAge", func(t *Tags) **string { return &t.PatientAge }},
	{tag.StudyInstanceUID, "StudyInstanceUID", func(t *Tags) **string { return &t.StudyInstanceUID }},
	{tag.StudyDescription, "StudyDescription", func(t *Tags) **string { return &t.StudyDescription }},
	{tag.StudyDate, "StudyDate", func(t *Tags) **string { return &t.StudyDate }},
	{tag.StudyTime, "StudyTime", func(t *Tags) **string { return &t.StudyTime }},
	{tag.AccessionNumber, "AccessionNumber", func(t *Tags) **string { return &t.AccessionNumber }},
	{tag.InstitutionName, "InstitutionName", func(t *Tags) **string { return &t.InstitutionName }},
	{tag.InstitutionAddress, "InstitutionAddress", func(t *Tags) **string { return &t.InstitutionAddress }},
	{tag.StationName, "StationName", func(t *Tags) **string { return &t.StationName }},
	{tag.Manufacturer, "Manufacturer", func(t *Tags) **string { return &t.Manufacturer }},
	{tag.ManufacturerModelName, "ManufacturerModelName", func(t *Tags) **string { return &t.ManufacturerModelName }},
	{tag.SoftwareVersions, "SoftwareVersions", func(t *Tags) **string { return &t.SoftwareVersions }},
	{tag.ReferringPhysicianName, "ReferringPhysicianName", func(t *Tags) **string { return &t.ReferringPhysicianName }},
	{tag.PerformingPhysicianName, "PerformingPhysicianName", func(t *Tags) **string { return &t.PerformingPhysicianName }},
	{tag.RequestingPhysician, "RequestingPhysician", func(t *Tags) **string { return &t.RequestingPhysician }},
	{tag.OperatorsName, "OperatorsName", func(t *Tags) **string { return &t.OperatorsName }},
	{tag.SourceApplicationEntityTitle, "SourceApplicationEntityTitle", func(t *Tags) **string { return &t.SourceAETitle }},
}

// Key formats a tag the way the archive keys its raw tag endpoint: "0010,0010".
func Key(t tag.Tag) string {
	return fmt.Sprintf("%04X,%04X", t.Group, t.Element)
}

// NormalizeKey upper-cases a "gggg,eeee" key and strips surrounding
// parentheses so archive responses of either case compare equal.
func NormalizeKey(k string) string {
	k = strings.TrimSpace(k)
	k = strings.TrimPrefix(k, "(")
	k = strings.TrimSuffix(k, ")")
	return strings.ToUpper(k)
}

// ApplyTagNumbers fills missing fields from a tag-number keyed map such as
// the archive's raw tags endpoint. Fields that are already set are kept.
// It returns the number of fields it filled.
func (t *Tags) ApplyTagNumbers(values map[string]string) int {
	byKey := make(map[string]string, len(values))
	for k, v := range values {
		byKey[NormalizeKey(k)] = v
	}

	filled := 0
	for _, m := range fieldTable {
		if setIfMissing(m.field(t), byKey[Key(m.tag)]) {
			filled++
		}
	}
	for _, pt := range LabPrivateTags {
		k := Key(pt)
		v := strings.TrimSpace(byKey[k])
		if v == "" {
			continue
		}
		if t.PrivateLab == nil {
			t.PrivateLab = make(map[string]string)
		}
		if _, ok := t.PrivateLab[k]; !ok {
			t.PrivateLab[k] = v
			filled++
		}
	}
	return filled
}

// ApplyKeywords fills missing fields from a keyword keyed map such as the
// archive's simplified tags or MainDicomTags blocks. Private slots are also
// accepted under their "gggg,eeee" key.
func (t *Tags) ApplyKeywords(values map[string]string) int {
	filled := 0
	for _, m := range fieldTable {
		if setIfMissing(m.field(t), values[m.keyword]) {
			filled++
		}
	}
	numeric := make(map[string]string)
	for k, v := range values {
		if strings.Contains(k, ",") {
			numeric[k] = v
		}
	}
	if len(numeric) > 0 {
		filled += t.ApplyTagNumbers(numeric)
	}
	return filled
}

// Empty reports whether no named field is set.
func (t *Tags) Empty() bool {
	for _, m := range fieldTable {
		if *m.field(t) != nil {
			return false
		}
	}
	return len(t.PrivateLab) == 0
}

// Value returns the trimmed value of p or "" when absent.
func Value(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

// ValueOr returns the trimmed value of p or def when absent or blank.
func ValueOr(p *string, def string) string {
	if v := Value(p); v != "" {
		return v
	}
	return def
}

// String returns a pointer to s, for building tag sets in code.
func String(s string) *string {
	return &s
}

func setIfMissing(dst **string, v string) bool {
	if *dst != nil {
		return false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	*dst = &v
	return true
}
