package orthanc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// TagMap is a MainDicomTags-style block. Non-string values are dropped and
// string arrays are joined with the DICOM multi-value separator.
type TagMap map[string]string

func (m *TagMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(TagMap, len(raw))
	for k, v := range raw {
		if s, ok := stringValue(v); ok {
			out[k] = s
		}
	}
	*m = out
	return nil
}

// Resource is any archive entity reference. The archive returns either a
// bare id string or an expanded object depending on endpoint and version;
// both decode into Resource.
type Resource struct {
	ID                   string     `json:"ID"`
	ParentStudy          string     `json:"ParentStudy,omitempty"`
	ParentSeries         string     `json:"ParentSeries,omitempty"`
	MainDicomTags        TagMap     `json:"MainDicomTags,omitempty"`
	PatientMainDicomTags TagMap     `json:"PatientMainDicomTags,omitempty"`
	StudyMainDicomTags   TagMap     `json:"StudyMainDicomTags,omitempty"`
	Series               []Resource `json:"Series,omitempty"`
	Instances            []Resource `json:"Instances,omitempty"`

	// HasInstances is true when the response embedded an Instances array,
	// even an empty one.
	HasInstances bool `json:"-"`
	// Expanded is false when the entry was a bare id string.
	Expanded bool `json:"-"`
}

func (r *Resource) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = Resource{ID: id}
		return nil
	}

	var obj struct {
		ID                   string          `json:"ID"`
		LowerID              string          `json:"id"`
		ParentStudy          string          `json:"ParentStudy"`
		ParentSeries         string          `json:"ParentSeries"`
		MainDicomTags        TagMap          `json:"MainDicomTags"`
		PatientMainDicomTags TagMap          `json:"PatientMainDicomTags"`
		StudyMainDicomTags   TagMap          `json:"StudyMainDicomTags"`
		Series               []Resource      `json:"Series"`
		Instances            json.RawMessage `json:"Instances"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode resource: %w", err)
	}

	*r = Resource{
		ID:                   obj.ID,
		ParentStudy:          obj.ParentStudy,
		ParentSeries:         obj.ParentSeries,
		MainDicomTags:        obj.MainDicomTags,
		PatientMainDicomTags: obj.PatientMainDicomTags,
		StudyMainDicomTags:   obj.StudyMainDicomTags,
		Series:               obj.Series,
		Expanded:             true,
	}
	if r.ID == "" {
		r.ID = obj.LowerID
	}
	if len(obj.Instances) > 0 && !bytes.Equal(obj.Instances, []byte("null")) {
		if err := json.Unmarshal(obj.Instances, &r.Instances); err != nil {
			return fmt.Errorf("decode instances of %s: %w", r.ID, err)
		}
		r.HasInstances = true
	}
	return nil
}

// Tag returns the named tag from MainDicomTags, then the patient and
// study blocks.
func (r Resource) Tag(name string) string {
	for _, m := range []TagMap{r.MainDicomTags, r.PatientMainDicomTags, r.StudyMainDicomTags} {
		if v := strings.TrimSpace(m[name]); v != "" {
			return v
		}
	}
	return ""
}

// SystemInfo is the archive's /system response.
type SystemInfo struct {
	Name       string `json:"Name"`
	Version    string `json:"Version"`
	APIVersion int    `json:"ApiVersion"`
	DicomAet   string `json:"DicomAet"`
}

// rawTag is one entry of /instances/{id}/tags.
type rawTag struct {
	Name  string          `json:"Name"`
	Type  string          `json:"Type"`
	Value json.RawMessage `json:"Value"`
}

func stringValue(v json.RawMessage) (string, bool) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, true
	}
	var list []string
	if err := json.Unmarshal(v, &list); err == nil && len(list) > 0 {
		return strings.Join(list, `\`), true
	}
	return "", false
}
