package dicomtag

import "strings"

const (
	UnknownPatientName   = "Unknown Patient"
	AnonymousPatientName = "Anonymous Patient"

	// NameSeparator separates person-name components in DICOM PN values.
	NameSeparator = "^"
)

// PersonName is a parsed DICOM person name (family^given^middle^prefix^suffix).
type PersonName struct {
	FullName   string `json:"fullName"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	MiddleName string `json:"middleName"`
	Prefix     string `json:"namePrefix"`
	Suffix     string `json:"nameSuffix"`
	Original   string `json:"originalDicomName"`
	// Missing is true when no name was supplied at all.
	Missing bool `json:"-"`
}

// ParsePersonName parses a DICOM PN value. A nil raw value yields the
// "Unknown Patient" placeholder; blank or separator-only values yield
// "Anonymous Patient".
func ParsePersonName(raw *string) PersonName {
	if raw == nil {
		return PersonName{
			FullName: UnknownPatientName,
			LastName: "Unknown",
			Missing:  true,
		}
	}

	original := *raw
	trimmed := strings.TrimSpace(original)
	if strings.Trim(trimmed, NameSeparator+" ") == "" {
		return PersonName{
			FullName: AnonymousPatientName,
			LastName: "Anonymous",
			Original: original,
		}
	}

	parts := strings.SplitN(trimmed, NameSeparator, 5)
	comp := make([]string, 5)
	for i := range parts {
		comp[i] = strings.TrimSpace(parts[i])
	}
	pn := PersonName{
		LastName:   comp[0],
		FirstName:  comp[1],
		MiddleName: comp[2],
		Prefix:     comp[3],
		Suffix:     comp[4],
		Original:   original,
	}

	display := make([]string, 0, 5)
	for _, s := range []string{pn.Prefix, pn.FirstName, pn.MiddleName, pn.LastName, pn.Suffix} {
		if s != "" {
			display = append(display, s)
		}
	}
	pn.FullName = strings.Join(display, " ")
	if pn.FullName == "" {
		pn.FullName = UnknownPatientName
	}
	return pn
}

// IsRawDICOMName reports whether a stored name still carries the PN
// component separator.
func IsRawDICOMName(name string) bool {
	return strings.Contains(name, NameSeparator)
}
