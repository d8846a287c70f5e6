package dicomtag

import (
	"regexp"
	"strings"
)

// LabCandidate is a lab/site name guessed from public DICOM fields.
type LabCandidate struct {
	Name        string `json:"name"`
	Identifier  string `json:"identifier"`
	SourceField string `json:"sourceField"`
	Original    string `json:"originalValue"`
	Pattern     string `json:"extractionPattern"`
}

const (
	PatternStudyDescription = "study_description"
	PatternInstitution      = "institution_name"
)

// PlaceholderLabValues are private-tag values written by acquisition
// software defaults; they never identify a real lab.
var PlaceholderLabValues = []string{"xcenticlab"}

// IsPlaceholderLab reports whether v is a known placeholder value.
func IsPlaceholderLab(v string) bool {
	v = strings.TrimSpace(v)
	for _, p := range PlaceholderLabValues {
		if strings.EqualFold(v, p) {
			return true
		}
	}
	return false
}

var descriptionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`_[A-Z]{2,}\d+_`),
	regexp.MustCompile(`^[A-Za-z]+_[A-Z]{2,}_`),
	regexp.MustCompile(`(?i)_different_|_various_|_position`),
	regexp.MustCompile(`[A-Z]{2,}\d+[a-z]{2,}$`),
}

var (
	camelBoundary    = regexp.MustCompile(`([a-z])([A-Z])`)
	letterDigitSplit = regexp.MustCompile(`\b([A-Z]{2,})(\d+)\b`)
	spaceRun         = regexp.MustCompile(`\s+`)
	institutionJunk  = regexp.MustCompile(`[^a-zA-Z0-9\s\-_&]`)
)

// IsStudyDescriptionStyle reports whether s looks like a protocol or study
// description token (e.g. "Carotids_CE_HN20_SP32ch") rather than a site name.
func IsStudyDescriptionStyle(s string) bool {
	for _, re := range descriptionPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// ExtractLabCandidate returns the first usable lab-name candidate from the
// public site fields of t, or nil when none is present.
func ExtractLabCandidate(t Tags) *LabCandidate {
	sources := []struct {
		field string
		value *string
	}{
		{"InstitutionName", t.InstitutionName},
		{"InstitutionAddress", t.InstitutionAddress},
		{"StationName", t.StationName},
		{"Manufacturer", t.Manufacturer},
		{"ManufacturerModelName", t.ManufacturerModelName},
		{"PerformingPhysicianName", t.PerformingPhysicianName},
		{"ReferringPhysicianName", t.ReferringPhysicianName},
		{"RequestingPhysician", t.RequestingPhysician},
		{"SourceApplicationEntityTitle", t.SourceAETitle},
	}

	for _, src := range sources {
		raw := Value(src.value)
		if raw == "" {
			continue
		}

		c := &LabCandidate{SourceField: src.field, Original: raw}
		if IsStudyDescriptionStyle(raw) {
			c.Name = formatDescription(raw)
			c.Identifier = strings.ToUpper(raw)
			c.Pattern = PatternStudyDescription
		} else {
			c.Name = cleanInstitution(raw)
			c.Identifier = strings.ReplaceAll(strings.ToUpper(c.Name), " ", "_")
			c.Pattern = PatternInstitution
		}
		if len(c.Name) >= 3 {
			return c
		}
	}
	return nil
}

func formatDescription(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	s = camelBoundary.ReplaceAllString(s, "$1 $2")
	s = letterDigitSplit.ReplaceAllString(s, "$1 $2")
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

func cleanInstitution(s string) string {
	s = institutionJunk.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "_", " ")
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}
