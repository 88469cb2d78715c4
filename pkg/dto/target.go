package dto

import (
	"encoding/json"

	"github.com/google/uuid"
)

// CreateTargetRequest is a multipart form: the image itself travels as a
// file part named "image"; these are the accompanying fields.
type CreateTargetRequest struct {
	Name     string          `form:"name" binding:"required"`
	Metadata json.RawMessage `form:"metadata"`
}

type TargetResponse struct {
	ID            uuid.UUID       `json:"id"`
	CatalogID     uuid.UUID       `json:"catalog_id"`
	Name          string          `json:"name"`
	Cols          int             `json:"cols"`
	Rows          int             `json:"rows"`
	FeatureCount  int             `json:"feature_count"`
	ThumbnailURL  string          `json:"thumbnail_url,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

type TargetListResponse struct {
	Targets []TargetResponse `json:"targets"`
	Total   int              `json:"total"`
}

// TargetSearchResult is one coarse match from the pgvector TF-IDF
// pre-filter (POST /v1/catalogs/:id/targets/search).
type TargetSearchResult struct {
	TargetID uuid.UUID `json:"target_id"`
	Name     string    `json:"name"`
	Score    float64   `json:"score"`
}

type TargetSearchResponse struct {
	Results []TargetSearchResult `json:"results"`
	Total   int                  `json:"total"`
}
