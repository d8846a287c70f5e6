package study

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository for tests and STORE_BACKEND=memory.
// It enforces the same uniqueness rules as the studies table.
type MemoryRepo struct {
	mu        sync.RWMutex
	byID      map[uuid.UUID]*Study
	byOrthanc map[string]uuid.UUID
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[uuid.UUID]*Study), byOrthanc: make(map[string]uuid.UUID)}
}

func (r *MemoryRepo) Create(_ context.Context, s *Study) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byOrthanc[s.OrthancStudyID]; ok {
		return ErrDuplicate
	}
	if r.uidTaken(s.StudyInstanceUID, uuid.Nil) {
		return ErrDuplicate
	}
	s.ID = uuid.New()
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	r.byID[s.ID] = clone(s)
	r.byOrthanc[s.OrthancStudyID] = s.ID
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Study, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (r *MemoryRepo) GetByOrthancID(_ context.Context, orthancStudyID string) (*Study, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byOrthanc[orthancStudyID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r.byID[id]), nil
}

func (r *MemoryRepo) GetByOrthancIDForUpdate(ctx context.Context, orthancStudyID string) (*Study, error) {
	return r.GetByOrthancID(ctx, orthancStudyID)
}

func (r *MemoryRepo) Update(_ context.Context, s *Study) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[s.ID]
	if !ok {
		return ErrNotFound
	}
	if r.uidTaken(s.StudyInstanceUID, s.ID) {
		return ErrDuplicate
	}
	next := clone(s)
	next.OrthancStudyID = cur.OrthancStudyID
	next.ClinicalHistory = cur.ClinicalHistory
	next.Assignment = cur.Assignment
	next.ReportInfo = cur.ReportInfo
	next.UploadedReports = cur.UploadedReports
	next.DoctorReports = cur.DoctorReports
	next.Discussions = cur.Discussions
	next.TAT = cur.TAT
	next.DownloadBundle = cur.DownloadBundle
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	s.UpdatedAt = next.UpdatedAt
	r.byID[s.ID] = next
	return nil
}

func (r *MemoryRepo) SetBundle(_ context.Context, id uuid.UUID, b *DownloadBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	cur.DownloadBundle = cloneBundle(b)
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepo) ListExpiredBundles(_ context.Context, now time.Time, limit int) ([]*Study, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Study
	for _, s := range r.byID {
		b := s.DownloadBundle
		if b != nil && b.Status == BundleCompleted && b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DownloadBundle.ExpiresAt.Before(*out[j].DownloadBundle.ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Study, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Study
	for _, s := range r.byID {
		if f.WorkflowStatus != "" && s.WorkflowStatus != f.WorkflowStatus {
			continue
		}
		if f.PatientRef != nil && (s.PatientRef == nil || *s.PatientRef != *f.PatientRef) {
			continue
		}
		if f.LabRef != nil && (s.LabRef == nil || *s.LabRef != *f.LabRef) {
			continue
		}
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if offset >= total {
		return []*Study{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]*Study, 0, end-offset)
	for _, s := range matched[offset:end] {
		page = append(page, clone(s))
	}
	return page, total, nil
}

// SetPreserved replaces the user-owned sub-documents of a stored study, the
// way the reporting workflow would.
func (r *MemoryRepo) SetPreserved(id uuid.UUID, fn func(s *Study)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(cur)
	return nil
}

func (r *MemoryRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *MemoryRepo) uidTaken(uid string, self uuid.UUID) bool {
	if uid == "" {
		return false
	}
	for id, s := range r.byID {
		if id != self && s.StudyInstanceUID == uid {
			return true
		}
	}
	return false
}

func clone(s *Study) *Study {
	cp := *s
	cp.Modalities = append([]string(nil), s.Modalities...)
	cp.StatusHistory = append([]HistoryEntry(nil), s.StatusHistory...)
	if s.SourceSite != nil {
		site := *s.SourceSite
		cp.SourceSite = &site
	}
	cp.DownloadBundle = cloneBundle(s.DownloadBundle)
	return &cp
}

func cloneBundle(b *DownloadBundle) *DownloadBundle {
	if b == nil {
		return nil
	}
	cp := *b
	return &cp
}
