package patient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository for tests and STORE_BACKEND=memory.
type MemoryRepo struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Patient
	byMRN map[string]uuid.UUID
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[uuid.UUID]*Patient), byMRN: make(map[string]uuid.UUID)}
}

func (r *MemoryRepo) Create(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byMRN[p.MRN]; ok {
		return ErrDuplicate
	}
	p.ID = uuid.New()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	r.byID[p.ID] = &cp
	r.byMRN[p.MRN] = p.ID
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepo) GetByMRN(_ context.Context, mrn string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byMRN[mrn]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *MemoryRepo) UpdateName(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[p.ID]
	if !ok {
		return ErrNotFound
	}
	cur.NameRaw = p.NameRaw
	cur.FirstName = p.FirstName
	cur.LastName = p.LastName
	cur.Computed = p.Computed
	cur.UpdatedAt = time.Now().UTC()
	p.UpdatedAt = cur.UpdatedAt
	return nil
}

// Len returns the number of stored patients.
func (r *MemoryRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
