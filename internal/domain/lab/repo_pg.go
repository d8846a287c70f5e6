package lab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radflow/radflow/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const labCols = `id, name, identifier, is_active, notes, contact, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, l *Lab) error {
	l.ID = uuid.New()
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now

	contact := l.Contact
	if contact == nil {
		contact = map[string]string{}
	}
	contactJSON, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("lab create: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO labs (`+labCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		l.ID, l.Name, l.Identifier, l.IsActive, l.Notes, contactJSON, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		l.ID = uuid.Nil
		if db.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("lab create: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Lab, error) {
	return scanLab(r.conn(ctx).QueryRow(ctx, `SELECT `+labCols+` FROM labs WHERE id = $1`, id))
}

func (r *repoPG) GetByIdentifier(ctx context.Context, identifier string) (*Lab, error) {
	return scanLab(r.conn(ctx).QueryRow(ctx, `
		SELECT `+labCols+` FROM labs
		WHERE UPPER(identifier) = UPPER($1) AND is_active`, identifier))
}

func (r *repoPG) FindAnyActive(ctx context.Context) (*Lab, error) {
	return scanLab(r.conn(ctx).QueryRow(ctx, `
		SELECT `+labCols+` FROM labs WHERE is_active ORDER BY created_at LIMIT 1`))
}

func scanLab(row pgx.Row) (*Lab, error) {
	var l Lab
	var contact []byte
	err := row.Scan(&l.ID, &l.Name, &l.Identifier, &l.IsActive, &l.Notes, &contact, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lab scan: %w", err)
	}
	if len(contact) > 0 {
		if err := json.Unmarshal(contact, &l.Contact); err != nil {
			return nil, fmt.Errorf("lab decode contact: %w", err)
		}
	}
	return &l, nil
}
