package study

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("study not found")
	ErrDuplicate = errors.New("study already exists")
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	WorkflowStatus WorkflowStatus
	PatientRef     *uuid.UUID
	LabRef         *uuid.UUID
}

type Repository interface {
	Create(ctx context.Context, s *Study) error
	GetByID(ctx context.Context, id uuid.UUID) (*Study, error)
	GetByOrthancID(ctx context.Context, orthancStudyID string) (*Study, error)
	// GetByOrthancIDForUpdate locks the row for the surrounding transaction.
	GetByOrthancIDForUpdate(ctx context.Context, orthancStudyID string) (*Study, error)
	// Update writes the ingestion-owned columns, workflow status and
	// history. User-owned sub-documents and the download bundle are left
	// untouched.
	Update(ctx context.Context, s *Study) error
	SetBundle(ctx context.Context, id uuid.UUID, b *DownloadBundle) error
	// ListExpiredBundles returns studies with a completed bundle that
	// expired before now.
	ListExpiredBundles(ctx context.Context, now time.Time, limit int) ([]*Study, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Study, int, error)
}
