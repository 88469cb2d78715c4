package dto

import "github.com/google/uuid"

type CreateSessionRequest struct {
	CatalogID uuid.UUID `json:"catalog_id" binding:"required"`
}

type SessionResponse struct {
	ID          uuid.UUID `json:"id"`
	CatalogID   uuid.UUID `json:"catalog_id"`
	Status      string    `json:"status"`
	FrameCount  int64     `json:"frame_count"`
	LastFrameAt string    `json:"last_frame_at,omitempty"`
	CreatedAt   string    `json:"created_at"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

// FrameIngestResponse answers POST /v1/sessions/:id/frames. IsBusy is set
// instead of a tracking result when the session's previous frame is still
// being processed.
type FrameIngestResponse struct {
	IsBusy bool                   `json:"is_busy"`
	Result *TrackingEventResponse `json:"result,omitempty"`
}
