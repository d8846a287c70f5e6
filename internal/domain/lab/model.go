package lab

import (
	"time"

	"github.com/google/uuid"
)

const (
	// UnknownIdentifier is the shared lab used when no private tag carries a
	// usable identifier.
	UnknownIdentifier = "UNKNOWN_LAB"
	UnknownName       = "Unknown Lab (No Identifier Found)"

	// EmergencyIdentifier is the last-resort lab used when the store fails
	// during normal resolution.
	EmergencyIdentifier = "EMERGENCY_DEFAULT"
	EmergencyName       = "Emergency Default Lab"
)

// Lab maps to the labs table.
type Lab struct {
	ID         uuid.UUID         `db:"id" json:"id"`
	Name       string            `db:"name" json:"name"`
	Identifier string            `db:"identifier" json:"identifier"`
	IsActive   bool              `db:"is_active" json:"isActive"`
	Notes      string            `db:"notes" json:"notes,omitempty"`
	Contact    map[string]string `db:"contact" json:"contact,omitempty"`
	CreatedAt  time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time         `db:"updated_at" json:"updatedAt"`
}

// Persisted reports whether l was stored.
func (l *Lab) Persisted() bool {
	return l != nil && l.ID != uuid.Nil
}
