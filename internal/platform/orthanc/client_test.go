package orthanc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, routes map[string]string) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "orthanc" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, found := routes[r.URL.RequestURI()]
		if !found {
			http.Error(w, `{"Message":"Unknown resource"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		BaseURL:  srv.URL + "/",
		Username: "orthanc",
		Password: "secret",
		Timeout:  2 * time.Second,
	}, zerolog.Nop())
	return c, srv
}

func TestClient_GetStudy(t *testing.T) {
	c, _ := newTestServer(t, map[string]string{
		"/studies/abc123": `{
			"ID": "abc123",
			"MainDicomTags": {"StudyDate": "20240115", "StudyInstanceUID": "1.2.3"},
			"PatientMainDicomTags": {"PatientName": "Doe^Jane", "PatientID": "P1"},
			"Series": ["s1", "s2"]
		}`,
	})

	study, err := c.GetStudy(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("GetStudy: %v", err)
	}
	if study.ID != "abc123" || len(study.Series) != 2 || study.Series[1].ID != "s2" {
		t.Errorf("study = %+v", study)
	}
	if study.Series[0].Expanded {
		t.Error("bare series id should not be marked expanded")
	}
	if study.Tag("PatientName") != "Doe^Jane" || study.Tag("StudyDate") != "20240115" {
		t.Errorf("tags = %v / %v", study.MainDicomTags, study.PatientMainDicomTags)
	}
}

func TestClient_NotFound(t *testing.T) {
	c, _ := newTestServer(t, map[string]string{})

	_, err := c.GetStudy(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound || se.Body == "" {
		t.Errorf("status error = %+v", se)
	}
}

func TestClient_Unauthorized(t *testing.T) {
	c, _ := newTestServer(t, map[string]string{"/system": `{}`})
	c.password = "wrong"

	_, err := c.System(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("401 must not match ErrNotFound")
	}
}

func TestClient_ListStudySeries_Expanded(t *testing.T) {
	c, _ := newTestServer(t, map[string]string{
		"/studies/abc123/series": `[
			{"ID": "s1", "MainDicomTags": {"Modality": "CT", "NumberOfSlices": 5}, "Instances": ["i1","i2","i3","i4","i5"]},
			{"id": "s2", "MainDicomTags": {"Modality": "MR"}, "Instances": []},
			{"ID": "s3", "MainDicomTags": {"Modality": "SR"}}
		]`,
	})

	series, err := c.ListStudySeries(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("ListStudySeries: %v", err)
	}
	if len(series) != 3 {
		t.Fatalf("len = %d", len(series))
	}
	if series[0].Tag("Modality") != "CT" || len(series[0].Instances) != 5 || !series[0].HasInstances {
		t.Errorf("series[0] = %+v", series[0])
	}
	if _, ok := series[0].MainDicomTags["NumberOfSlices"]; ok {
		t.Error("numeric tag values should be dropped")
	}
	if series[1].ID != "s2" || !series[1].HasInstances || len(series[1].Instances) != 0 {
		t.Errorf("series[1] = %+v", series[1])
	}
	if series[2].HasInstances {
		t.Error("series without an Instances key should report HasInstances=false")
	}
}

func TestClient_ListStudyInstancesExpand(t *testing.T) {
	c, _ := newTestServer(t, map[string]string{
		"/studies/abc123/instances?expand": `[{"ID":"i1","ParentSeries":"s1","MainDicomTags":{"SOPInstanceUID":"1.2"}}]`,
	})

	got, err := c.ListStudyInstances(context.Background(), "abc123", true)
	if err != nil {
		t.Fatalf("ListStudyInstances: %v", err)
	}
	if len(got) != 1 || got[0].ID != "i1" || got[0].ParentSeries != "s1" || got[0].Tag("SOPInstanceUID") != "1.2" {
		t.Errorf("instances = %+v", got)
	}
}

func TestClient_GetInstanceTags_FlattensValues(t *testing.T) {
	c, _ := newTestServer(t, map[string]string{
		"/instances/i1/tags": `{
			"0010,0010": {"Name": "PatientName", "Type": "String", "Value": "Doe^Jane"},
			"0008,0060": {"Name": "Modality", "Type": "String", "Value": "CT"},
			"0013,0010": {"Name": "PrivateCreator", "Type": "String", "Value": "CITY LAB"},
			"0008,1110": {"Name": "ReferencedStudySequence", "Type": "Sequence", "Value": [{"0008,1150": {"Value": "x"}}]},
			"7fe0,0010": {"Name": "PixelData", "Type": "TooLong", "Value": null}
		}`,
	})

	tags, err := c.GetInstanceTags(context.Background(), "i1")
	if err != nil {
		t.Fatalf("GetInstanceTags: %v", err)
	}
	want := map[string]string{"0010,0010": "Doe^Jane", "0008,0060": "CT", "0013,0010": "CITY LAB"}
	if len(tags) != len(want) {
		t.Fatalf("tags = %v", tags)
	}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tags[%s] = %q, want %q", k, tags[k], v)
		}
	}
}

func TestClient_GetInstanceSimplifiedTags(t *testing.T) {
	c, _ := newTestServer(t, map[string]string{
		"/instances/i1/simplified-tags": `{"PatientName":"Doe^Jane","ImageType":["ORIGINAL","PRIMARY"],"Rows":512}`,
	})

	tags, err := c.GetInstanceSimplifiedTags(context.Background(), "i1")
	if err != nil {
		t.Fatalf("GetInstanceSimplifiedTags: %v", err)
	}
	if tags["PatientName"] != "Doe^Jane" || tags["ImageType"] != `ORIGINAL\PRIMARY` {
		t.Errorf("tags = %v", tags)
	}
	if _, ok := tags["Rows"]; ok {
		t.Error("numeric values should be skipped")
	}
}

func TestClient_StudyArchive(t *testing.T) {
	c, _ := newTestServer(t, map[string]string{"/studies/abc123/archive": "PK\x03\x04zipbytes"})

	rc, err := c.StudyArchive(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("StudyArchive: %v", err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(data) != "PK\x03\x04zipbytes" {
		t.Errorf("archive = %q", data)
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, zerolog.Nop())
	_, err := c.GetSeries(context.Background(), "s1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestResource_UnmarshalString(t *testing.T) {
	var r Resource
	if err := json.Unmarshal([]byte(`"abc"`), &r); err != nil {
		t.Fatal(err)
	}
	if r.ID != "abc" || r.Expanded {
		t.Errorf("resource = %+v", r)
	}
}
