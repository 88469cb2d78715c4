package models

import (
	"time"

	"github.com/google/uuid"
)

// Corners is a flattened [x0,y0,x1,y1,x2,y2,x3,y3] quadrilateral, the
// storage representation of vision.QuadCorners.
type Corners [8]float64

// TrackingEvent is one frame's tracking outcome for a session, persisted
// for history queries (GET /v1/sessions/:id/events).
type TrackingEvent struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	SessionID      uuid.UUID  `json:"session_id" db:"session_id"`
	TargetID       *uuid.UUID `json:"target_id,omitempty" db:"target_id"`
	FrameID        int64      `json:"frame_id" db:"frame_id"`
	Timestamp      time.Time  `json:"timestamp" db:"timestamp"`
	Mode           string     `json:"mode" db:"mode"`
	Success        bool       `json:"success" db:"success"`
	Corners        Corners    `json:"corners" db:"corners"`
	Composite      float32    `json:"composite" db:"composite"`
	InlierRatio    float32    `json:"inlier_ratio" db:"inlier_ratio"`
	FBError        float32    `json:"fb_error" db:"fb_error"`
	Geometric      float32    `json:"geometric" db:"geometric"`
	ShouldRedetect bool       `json:"should_redetect" db:"should_redetect"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// FrameTask is the message published to NATS by the async ingestion
// endpoint (POST /v1/sessions/:id/frames/async) for a cmd/tracker worker;
// the synchronous endpoint processes frames inline and answers 429 when busy.
type FrameTask struct {
	SessionID uuid.UUID `json:"session_id"`
	FrameID   int64     `json:"frame_id"`
	Timestamp time.Time `json:"timestamp"`
	ImageKey  string    `json:"image_key"` // MinIO object key of the uploaded frame
	Width     int       `json:"width"`
	Height    int       `json:"height"`
}

// TrackingResultMessage is the output a tracker worker publishes for one
// processed frame.
type TrackingResultMessage struct {
	SessionID      uuid.UUID  `json:"session_id"`
	FrameID        int64      `json:"frame_id"`
	Timestamp      time.Time  `json:"timestamp"`
	Success        bool       `json:"success"`
	TargetID       *uuid.UUID `json:"target_id,omitempty"`
	Mode           string     `json:"mode"`
	Corners        Corners    `json:"corners"`
	Composite      float32    `json:"composite"`
	InlierRatio    float32    `json:"inlier_ratio"`
	FBError        float32    `json:"fb_error"`
	Geometric      float32    `json:"geometric"`
	ShouldRedetect bool       `json:"should_redetect"`
}
