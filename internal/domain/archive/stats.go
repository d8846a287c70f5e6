package archive

import (
	"context"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/radflow/radflow/internal/platform/blobstore"
	"github.com/radflow/radflow/internal/platform/jobqueue"
)

// MonthUsage is the storage used by bundles uploaded in one month.
type MonthUsage struct {
	Month string `json:"month"`
	Files int    `json:"files"`
	Bytes uint64 `json:"bytes"`
	Size  string `json:"size"`
}

// StorageStats describes the bundle bucket and the archive queue.
type StorageStats struct {
	Bucket     string         `json:"bucket"`
	Provider   string         `json:"provider"`
	TotalFiles int            `json:"totalFiles"`
	TotalBytes uint64         `json:"totalBytes"`
	TotalSize  string         `json:"totalSize"`
	ByMonth    []MonthUsage   `json:"byMonth"`
	Queue      jobqueue.Stats `json:"queue"`
}

// Stats lists every object under KeyPrefix and groups it by the month it
// was last modified.
func Stats(ctx context.Context, store blobstore.BlobStore, queue jobqueue.Stats) (*StorageStats, error) {
	objects, err := store.List(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", KeyPrefix, err)
	}

	st := &StorageStats{Bucket: store.Bucket(), Provider: store.Provider(), Queue: queue}
	months := make(map[string]*MonthUsage)
	for _, o := range objects {
		size := uint64(max(o.Size, 0))
		st.TotalFiles++
		st.TotalBytes += size

		m := o.LastModified.UTC().Format("2006-01")
		u, ok := months[m]
		if !ok {
			u = &MonthUsage{Month: m}
			months[m] = u
		}
		u.Files++
		u.Bytes += size
	}

	st.TotalSize = humanize.IBytes(st.TotalBytes)
	st.ByMonth = make([]MonthUsage, 0, len(months))
	for _, u := range months {
		u.Size = humanize.IBytes(u.Bytes)
		st.ByMonth = append(st.ByMonth, *u)
	}
	sort.Slice(st.ByMonth, func(i, j int) bool { return st.ByMonth[i].Month > st.ByMonth[j].Month })
	return st, nil
}
