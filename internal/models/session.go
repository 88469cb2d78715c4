package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusClosed SessionStatus = "closed"
)

// Session is one client's live tracking run against a catalog: a
// sequence of ingested frames, each producing a TrackingEvent.
type Session struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	CatalogID   uuid.UUID     `json:"catalog_id" db:"catalog_id"`
	Status      SessionStatus `json:"status" db:"status"`
	FrameCount  int64         `json:"frame_count" db:"frame_count"`
	LastFrameAt *time.Time    `json:"last_frame_at,omitempty" db:"last_frame_at"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}
