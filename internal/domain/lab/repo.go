package lab

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("lab not found")
	ErrDuplicate = errors.New("lab identifier already exists")
)

type Repository interface {
	Create(ctx context.Context, l *Lab) error
	GetByID(ctx context.Context, id uuid.UUID) (*Lab, error)
	// GetByIdentifier matches active labs only, ignoring case.
	GetByIdentifier(ctx context.Context, identifier string) (*Lab, error)
	// FindAnyActive returns the oldest active lab.
	FindAnyActive(ctx context.Context) (*Lab, error)
}
