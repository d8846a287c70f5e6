package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/radflow/radflow/internal/domain/study"
	"github.com/radflow/radflow/internal/platform/blobstore"
	"github.com/radflow/radflow/internal/platform/jobqueue"
)

func TestService_ReusesWaitingJob(t *testing.T) {
	release := make(chan struct{})
	q := jobqueue.New(jobqueue.Config{Name: "archive", Concurrency: 1, PollInterval: 5 * time.Millisecond},
		func(context.Context, *Job) (Result, error) {
			<-release
			return Result{}, nil
		}, zerolog.Nop())
	svc := NewService(q, study.NewMemoryRepo(), zerolog.Nop())
	ctx := context.Background()

	first, _ := svc.ScheduleArchive(ctx, study.ArchiveRequest{OrthancStudyID: "a"})
	job, _ := svc.Job(first)
	deadline := time.Now().Add(time.Second)
	for job.Status() != jobqueue.StatusActive && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	queued, _ := svc.ScheduleArchive(ctx, study.ArchiveRequest{OrthancStudyID: "b"})
	again, _ := svc.ScheduleArchive(ctx, study.ArchiveRequest{OrthancStudyID: "b", InstanceCount: 9})
	if again != queued {
		t.Errorf("waiting job not reused: %d vs %d", queued, again)
	}
	rerun, _ := svc.ScheduleArchive(ctx, study.ArchiveRequest{OrthancStudyID: "a"})
	if rerun == first {
		t.Error("an active job must not absorb a new request")
	}

	close(release)
	if err := q.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if after, _ := svc.ScheduleArchive(ctx, study.ArchiveRequest{OrthancStudyID: "b"}); after == queued {
		t.Error("finished job must not be reused")
	}
	if err := q.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	j, _ := svc.Job(queued)
	if !strings.HasPrefix(j.RequestID, "zip_") || j.Type != JobType {
		t.Errorf("job = %q %q", j.RequestID, j.Type)
	}
	if found, ok := svc.Lookup(j.RequestID); !ok || found != j {
		t.Error("Lookup by request id failed")
	}
}

func TestService_Request(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Request(ctx, "ghost"); !errors.Is(err, ErrStudyNotFound) {
		t.Fatalf("expected ErrStudyNotFound, got %v", err)
	}

	s := f.seed(t, "abc123", []byte("zipdata"))
	out, err := f.svc.Request(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateQueued || out.JobID == 0 || !strings.HasPrefix(out.RequestID, "zip_") {
		t.Errorf("outcome = %+v", out)
	}
	f.wait(t)

	out, err = f.svc.Request(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateCompleted || out.Bundle == nil || out.Bundle.URL == "" {
		t.Errorf("outcome after build = %+v", out)
	}

	if err := f.studies.SetBundle(ctx, s.ID, &study.DownloadBundle{Status: study.BundleProcessing, JobID: "42"}); err != nil {
		t.Fatal(err)
	}
	out, _ = f.svc.Request(ctx, "abc123")
	if out.State != StateProcessing || out.JobID != 42 {
		t.Errorf("processing outcome = %+v", out)
	}

	if err := f.studies.SetBundle(ctx, s.ID, &study.DownloadBundle{Status: study.BundleFailed}); err != nil {
		t.Fatal(err)
	}
	out, _ = f.svc.Request(ctx, "abc123")
	if out.State != StateQueued {
		t.Errorf("failed bundle should be rebuilt, got %+v", out)
	}
	f.wait(t)
}

func TestCleaner_CleanupExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	urls := blobstore.NewURLBuilder("", "", "study-archives")
	c := NewCleaner(f.studies, f.store, urls, zerolog.Nop())
	c.now = func() time.Time { return fixedNow }

	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)
	created := time.Date(2023, 11, 2, 0, 0, 0, 0, time.UTC)
	put := func(key string) {
		if _, err := f.store.Put(ctx, blobstore.PutInput{Key: key, Body: strings.NewReader("zip")}); err != nil {
			t.Fatal(err)
		}
	}

	byKey := f.seed(t, "k1", nil)
	put("studies/2024/k1.zip")
	f.studies.SetBundle(ctx, byKey.ID, &study.DownloadBundle{
		Status: study.BundleCompleted, Key: "studies/2024/k1.zip", FileName: "k1.zip", SizeMB: 12.5,
		URL: "x", CDNURL: "y", ExpiresAt: &past,
	})

	byURL := f.seed(t, "k2", nil)
	put("studies/2024/k2.zip")
	f.studies.SetBundle(ctx, byURL.ID, &study.DownloadBundle{Status: study.BundleCompleted, URL: urls.PublicURL("studies/2024/k2.zip"), ExpiresAt: &past})

	byName := f.seed(t, "k3", nil)
	put("studies/2023/k3.zip")
	f.studies.SetBundle(ctx, byName.ID, &study.DownloadBundle{Status: study.BundleCompleted, FileName: "k3.zip", CreatedAt: &created, ExpiresAt: &past})

	alreadyGone := f.seed(t, "k4", nil)
	f.studies.SetBundle(ctx, alreadyGone.ID, &study.DownloadBundle{Status: study.BundleCompleted, Key: "studies/2024/k4.zip", ExpiresAt: &past})

	noKey := f.seed(t, "k5", nil)
	f.studies.SetBundle(ctx, noKey.ID, &study.DownloadBundle{Status: study.BundleCompleted, ExpiresAt: &past})

	fresh := f.seed(t, "k6", nil)
	put("studies/2024/k6.zip")
	f.studies.SetBundle(ctx, fresh.ID, &study.DownloadBundle{Status: study.BundleCompleted, Key: "studies/2024/k6.zip", ExpiresAt: &future})

	rep, err := c.CleanupExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Checked != 5 || rep.Cleaned != 4 || rep.Failed != 1 || len(rep.Errors) != 1 {
		t.Errorf("report = %+v", rep)
	}

	left, _ := f.store.List(ctx, KeyPrefix)
	if len(left) != 1 || left[0].Key != "studies/2024/k6.zip" {
		t.Errorf("remaining objects = %+v", left)
	}
	got, _ := f.studies.GetByID(ctx, byKey.ID)
	b := got.DownloadBundle
	if b.Status != study.BundleExpired || b.URL != "" || b.CDNURL != "" {
		t.Errorf("bundle = %+v", b)
	}
	if b.Key != "" || b.FileName != "" || b.SizeMB != 0 {
		t.Errorf("expired bundle still references its object: key=%q file=%q size=%v", b.Key, b.FileName, b.SizeMB)
	}

	got, _ = f.studies.GetByID(ctx, noKey.ID)
	if got.DownloadBundle.Status != study.BundleExpired || got.DownloadBundle.Metadata.Error == "" {
		t.Errorf("keyless bundle = %+v", got.DownloadBundle)
	}

	rep, _ = c.CleanupExpired(ctx)
	if rep.Checked != 0 {
		t.Errorf("second run should find nothing, got %+v", rep)
	}
}

func TestStats_GroupsByMonth(t *testing.T) {
	store := blobstore.NewInMemoryBlobStore("study-archives")
	ctx := context.Background()
	for _, k := range []string{"studies/2024/a.zip", "studies/2024/b.zip", "other/c.zip"} {
		if _, err := store.Put(ctx, blobstore.PutInput{Key: k, Body: strings.NewReader(strings.Repeat("x", 2048))}); err != nil {
			t.Fatal(err)
		}
	}

	st, err := Stats(ctx, store, jobqueue.Stats{Name: "archive", Completed: 3})
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalFiles != 2 || st.TotalBytes != 4096 || st.TotalSize != "4.0 KiB" {
		t.Errorf("totals = %d files, %d bytes, %s", st.TotalFiles, st.TotalBytes, st.TotalSize)
	}
	month := time.Now().UTC().Format("2006-01")
	if len(st.ByMonth) != 1 || st.ByMonth[0].Month != month || st.ByMonth[0].Files != 2 {
		t.Errorf("by month = %+v", st.ByMonth)
	}
	if st.Queue.Completed != 3 || st.Provider != "memory" {
		t.Errorf("stats = %+v", st)
	}
}
