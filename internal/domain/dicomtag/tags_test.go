package dicomtag

import (
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"
)

func TestKey(t *testing.T) {
	if got := Key(tag.PatientName); got != "0010,0010" {
		t.Errorf("Key(PatientName) = %q", got)
	}
	if got := Key(tag.Tag{Group: 0x0043, Element: 0x0010}); got != "0043,0010" {
		t.Errorf("Key(private) = %q", got)
	}
}

func TestApplyTagNumbers(t *testing.T) {
	var tags Tags
	n := tags.ApplyTagNumbers(map[string]string{
		"0010,0010": "Doe^Jane",
		"0008,1030": "CT HEAD",
		"0008,0020": "20240115",
		"0013,0010": "radlab",
		"0021,0010": "",
		"7fe0,0010": "ignored",
	})
	if n != 4 {
		t.Errorf("filled = %d, want 4", n)
	}
	if Value(tags.PatientName) != "Doe^Jane" {
		t.Errorf("PatientName = %q", Value(tags.PatientName))
	}
	if Value(tags.StudyDescription) != "CT HEAD" {
		t.Errorf("StudyDescription = %q", Value(tags.StudyDescription))
	}
	if tags.PrivateLab["0013,0010"] != "radlab" {
		t.Errorf("PrivateLab = %v", tags.PrivateLab)
	}
	if _, ok := tags.PrivateLab["0021,0010"]; ok {
		t.Error("blank private slot should not be recorded")
	}
}

func TestNormalizeKey(t *testing.T) {
	if got := NormalizeKey(" (7fe0,0010) "); got != "7FE0,0010" {
		t.Errorf("NormalizeKey = %q", got)
	}
}

func TestApplyKeywords_DoesNotOverwrite(t *testing.T) {
	tags := Tags{PatientName: String("Doe^Jane")}
	tags.ApplyKeywords(map[string]string{
		"PatientName": "Other^Name",
		"PatientID":   "MRN-1",
	})
	if Value(tags.PatientName) != "Doe^Jane" {
		t.Errorf("PatientName overwritten: %q", Value(tags.PatientName))
	}
	if Value(tags.PatientID) != "MRN-1" {
		t.Errorf("PatientID = %q", Value(tags.PatientID))
	}
}

func TestEmpty(t *testing.T) {
	var tags Tags
	if !tags.Empty() {
		t.Error("zero Tags should be empty")
	}
	tags.AccessionNumber = String("A1")
	if tags.Empty() {
		t.Error("Tags with a field should not be empty")
	}
}
