package patient

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

const patientCols = `id, mrn, patient_id, patient_name_raw, first_name, last_name, computed,
	gender, date_of_birth, is_anonymous, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	computed, err := json.Marshal(p.Computed)
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (`+patientCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.MRN, p.PatientID, p.NameRaw, p.FirstName, p.LastName, computed,
		p.Gender, p.DateOfBirth, p.IsAnonymous, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		p.ID = uuid.Nil
		if db.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("patient create: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *repoPG) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE mrn = $1`, mrn))
}

func (r *repoPG) UpdateName(ctx context.Context, p *Patient) error {
	computed, err := json.Marshal(p.Computed)
	if err != nil {
		return fmt.Errorf("patient update name: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET patient_name_raw=$2, first_name=$3, last_name=$4, computed=$5, updated_at=$6
		WHERE id = $1`,
		p.ID, p.NameRaw, p.FirstName, p.LastName, computed, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("patient update name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var computed []byte
	err := row.Scan(&p.ID, &p.MRN, &p.PatientID, &p.NameRaw, &p.FirstName, &p.LastName, &computed,
		&p.Gender, &p.DateOfBirth, &p.IsAnonymous, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan patient: %w", err)
	}
	if len(computed) > 0 {
		if err := json.Unmarshal(computed, &p.Computed); err != nil {
			return nil, fmt.Errorf("decode patient computed: %w", err)
		}
	}
	return &p, nil
}
