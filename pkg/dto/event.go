package dto

import "github.com/google/uuid"

type TrackingEventResponse struct {
	ID             uuid.UUID  `json:"id"`
	SessionID      uuid.UUID  `json:"session_id"`
	TargetID       *uuid.UUID `json:"target_id,omitempty"`
	FrameID        int64      `json:"frame_id"`
	Timestamp      string     `json:"timestamp"`
	Mode           string     `json:"mode"`
	Success        bool       `json:"success"`
	Corners        [8]float64 `json:"corners"`
	Center         *[2]float64 `json:"center,omitempty"`
	Composite      float32    `json:"composite"`
	InlierRatio    float32    `json:"inlier_ratio"`
	FBError        float32    `json:"fb_error"`
	Geometric      float32    `json:"geometric"`
	ShouldRedetect bool       `json:"should_redetect"`
	CreatedAt      string     `json:"created_at"`
}

type TrackingEventListResponse struct {
	Events []TrackingEventResponse `json:"events"`
	Total  int                     `json:"total"`
}

type TrackingEventQuery struct {
	From   string `form:"from"`
	To     string `form:"to"`
	Target string `form:"target_id"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

// WSEvent is a WebSocket message for real-time tracking-result delivery.
type WSEvent struct {
	Type      string                `json:"type"` // tracking_result, session_status
	SessionID uuid.UUID             `json:"session_id"`
	Data      TrackingEventResponse `json:"data,omitempty"`
	Status    string                `json:"status,omitempty"`
}
