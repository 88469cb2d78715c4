package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Target is one reference image registered into a catalog. Cols/Rows and
// FeatureCount describe the processed (downscaled) image the vision
// package's ReferenceTarget was built from, not the original upload.
type Target struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	CatalogID      uuid.UUID       `json:"catalog_id" db:"catalog_id"`
	Name           string          `json:"name" db:"name"`
	SourceImageKey string          `json:"source_image_key" db:"source_image_key"`
	ThumbnailKey   string          `json:"thumbnail_key" db:"thumbnail_key"`
	Cols           int             `json:"cols" db:"cols"`
	Rows           int             `json:"rows" db:"rows"`
	FeatureCount   int             `json:"feature_count" db:"feature_count"`
	Metadata       json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}
