package models

import (
	"time"

	"github.com/google/uuid"
)

// Catalog groups reference targets that a tracking session searches
// together (a print run, a museum wing, a product line).
type Catalog struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
