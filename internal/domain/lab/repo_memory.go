package lab

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository for tests and STORE_BACKEND=memory.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Lab
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[uuid.UUID]*Lab)}
}

func (r *MemoryRepo) Create(_ context.Context, l *Lab) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if strings.EqualFold(existing.Identifier, l.Identifier) {
			return ErrDuplicate
		}
	}
	l.ID = uuid.New()
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	cp := *l
	r.byID[l.ID] = &cp
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Lab, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *MemoryRepo) GetByIdentifier(_ context.Context, identifier string) (*Lab, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.byID {
		if l.IsActive && strings.EqualFold(l.Identifier, identifier) {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepo) FindAnyActive(_ context.Context) (*Lab, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active := make([]*Lab, 0, len(r.byID))
	for _, l := range r.byID {
		if l.IsActive {
			active = append(active, l)
		}
	}
	if len(active) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	cp := *active[0]
	return &cp, nil
}

// Len returns the number of stored labs.
func (r *MemoryRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
