package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/plantrack/internal/api/ws"
	"github.com/your-org/plantrack/internal/models"
	"github.com/your-org/plantrack/internal/observability"
	"github.com/your-org/plantrack/internal/queue"
	"github.com/your-org/plantrack/internal/storage"
	"github.com/your-org/plantrack/internal/vision"
	"github.com/your-org/plantrack/pkg/dto"
)

type SessionHandler struct {
	db       *storage.PostgresStore
	minio    *storage.MinIOStore
	producer *queue.Producer
	registry *Registry
	hub      *ws.Hub
	params   vision.Params
}

func NewSessionHandler(db *storage.PostgresStore, minio *storage.MinIOStore, producer *queue.Producer, registry *Registry, hub *ws.Hub, params vision.Params) *SessionHandler {
	return &SessionHandler{db: db, minio: minio, producer: producer, registry: registry, hub: hub, params: params}
}

func (h *SessionHandler) Create(c *gin.Context) {
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	catalog, err := h.db.GetCatalog(c.Request.Context(), req.CatalogID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if catalog == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "catalog not found"})
		return
	}

	se := &models.Session{CatalogID: req.CatalogID}
	if err := h.db.CreateSession(c.Request.Context(), se); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	observability.ActiveSessions.Inc()

	c.JSON(http.StatusCreated, sessionResponse(se))
}

func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.db.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := dto.SessionListResponse{Sessions: make([]dto.SessionResponse, 0, len(sessions))}
	for i := range sessions {
		resp.Sessions = append(resp.Sessions, sessionResponse(&sessions[i]))
	}
	resp.Total = len(resp.Sessions)
	c.JSON(http.StatusOK, resp)
}

func (h *SessionHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	se, err := h.db.GetSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if se == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sessionResponse(se))
}

// Stop closes a session: marks it closed and releases the orchestrator's
// retained previous-frame handle so it doesn't leak for the process
// lifetime.
func (h *SessionHandler) Stop(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	se, err := h.db.GetSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if se == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	if err := h.db.UpdateSessionStatus(c.Request.Context(), id, models.SessionStatusClosed); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rt, err := h.registry.Get(c.Request.Context(), se.CatalogID); err == nil {
		rt.Orchestrator.CloseSession(id.String())
	}
	observability.ActiveSessions.Dec()

	se.Status = models.SessionStatusClosed
	c.JSON(http.StatusOK, sessionResponse(se))
}

// Delete answers DELETE /v1/sessions/:id: closes the session's orchestrator
// state if still live, then removes the session row (and, via its foreign
// key, its tracking events) outright rather than leaving it Closed forever.
func (h *SessionHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	se, err := h.db.GetSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if se != nil {
		if rt, err := h.registry.Get(c.Request.Context(), se.CatalogID); err == nil {
			rt.Orchestrator.CloseSession(id.String())
		}
		if se.Status == models.SessionStatusActive {
			observability.ActiveSessions.Dec()
		}
	}

	if err := h.db.DeleteSession(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// IngestFrame answers POST /v1/sessions/:id/frames: runs the frame through
// the session's tracking orchestrator synchronously (the tracker needs the
// corners back immediately to render an overlay) and reports back-pressure
// via IsBusy instead of queuing behind an in-flight frame.
func (h *SessionHandler) IngestFrame(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	ctx := c.Request.Context()
	se, err := h.db.GetSession(ctx, sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if se == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if se.Status != models.SessionStatusActive {
		c.JSON(http.StatusConflict, gin.H{"error": "session is not active"})
		return
	}

	rt, err := h.registry.Get(ctx, se.CatalogID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if rt.Orchestrator.IsBusy(sessionID.String()) {
		c.JSON(http.StatusTooManyRequests, dto.FrameIngestResponse{IsBusy: true})
		return
	}

	rawImage, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read frame body"})
		return
	}

	frameID, _ := strconv.ParseInt(c.Query("frame_id"), 10, 64)
	if frameID == 0 {
		frameID = time.Now().UnixNano()
	}

	pool := vision.NewResourcePool()
	img, err := vision.DecodeImage(rawImage, pool)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer img.Close()
	scaled := vision.Downscale(img.Mat, h.params.MaxDimension, pool)
	defer scaled.Close()
	gray := vision.ToGrayscale(scaled.Mat, pool)
	defer gray.Close()
	prepped := vision.BlurAndEqualize(gray.Mat, pool)
	defer prepped.Close()

	result := rt.Orchestrator.ProcessFrame(sessionID.String(), uint64(frameID), prepped.Mat, pool)

	now := time.Now()
	_ = h.db.BumpSessionFrame(ctx, sessionID, now)

	var targetID *uuid.UUID
	if result.TargetID != "" {
		if parsed, err := uuid.Parse(result.TargetID); err == nil {
			targetID = &parsed
		}
	}

	event := &models.TrackingEvent{
		SessionID:      sessionID,
		TargetID:       targetID,
		FrameID:        frameID,
		Timestamp:      result.Timestamp,
		Mode:           string(result.Mode),
		Success:        result.Success,
		Composite:      float32(result.Quality.Composite),
		InlierRatio:    float32(result.Quality.InlierRatio),
		FBError:        float32(result.Quality.FBError),
		Geometric:      float32(result.Quality.Geometric),
		ShouldRedetect: result.ShouldRedetect,
	}
	for i, p := range result.Corners {
		event.Corners[i*2] = p.X
		event.Corners[i*2+1] = p.Y
	}

	if err := h.db.CreateTrackingEvent(ctx, event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := trackingEventResponse(event)
	h.hub.BroadcastEvent(&dto.WSEvent{Type: "tracking_result", SessionID: sessionID, Data: resp})

	// Fan the result out to RESULTS for any durable out-of-process
	// consumer (analytics, replay) — the API's own response and WS push
	// above do not depend on this succeeding.
	msg := models.TrackingResultMessage{
		SessionID:      sessionID,
		FrameID:        frameID,
		Timestamp:      event.Timestamp,
		Success:        event.Success,
		TargetID:       event.TargetID,
		Mode:           event.Mode,
		Corners:        event.Corners,
		Composite:      event.Composite,
		InlierRatio:    event.InlierRatio,
		FBError:        event.FBError,
		Geometric:      event.Geometric,
		ShouldRedetect: event.ShouldRedetect,
	}
	if err := h.producer.PublishResult(ctx, sessionID.String(), msg); err != nil {
		slog.Warn("publish tracking result", "session_id", sessionID, "error", err)
	}

	c.JSON(http.StatusOK, dto.FrameIngestResponse{IsBusy: false, Result: &resp})
}

// IngestFrameAsync answers POST /v1/sessions/:id/frames/async: uploads the
// frame to MinIO and enqueues a FrameTask on FRAMES for a tracker worker to
// process, for bulk/offline ingestion where the caller doesn't need the
// tracking result back in the same round trip.
func (h *SessionHandler) IngestFrameAsync(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	ctx := c.Request.Context()

	se, err := h.db.GetSession(ctx, sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if se == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	rawImage, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read frame body"})
		return
	}

	frameID, _ := strconv.ParseInt(c.Query("frame_id"), 10, 64)
	if frameID == 0 {
		frameID = time.Now().UnixNano()
	}

	imageKey := fmt.Sprintf("sessions/%s/frames/%d.jpg", sessionID, frameID)
	if err := h.minio.PutObject(ctx, imageKey, rawImage, "image/jpeg"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	task := models.FrameTask{
		SessionID: sessionID,
		FrameID:   frameID,
		Timestamp: time.Now(),
		ImageKey:  imageKey,
	}
	if err := h.producer.PublishFrame(ctx, sessionID.String(), task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, dto.FrameIngestResponse{IsBusy: false})
}

// ListEvents answers GET /v1/sessions/:id/events.
func (h *SessionHandler) ListEvents(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	var q dto.TrackingEventQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var from, to *time.Time
	if q.From != "" {
		if t, err := time.Parse(time.RFC3339, q.From); err == nil {
			from = &t
		}
	}
	if q.To != "" {
		if t, err := time.Parse(time.RFC3339, q.To); err == nil {
			to = &t
		}
	}
	var targetID *uuid.UUID
	if q.Target != "" {
		if t, err := uuid.Parse(q.Target); err == nil {
			targetID = &t
		}
	}

	events, total, err := h.db.QueryTrackingEvents(c.Request.Context(), sessionID, from, to, targetID, q.Limit, q.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := dto.TrackingEventListResponse{Events: make([]dto.TrackingEventResponse, 0, len(events))}
	for i := range events {
		resp.Events = append(resp.Events, trackingEventResponse(&events[i]))
	}
	resp.Total = total
	c.JSON(http.StatusOK, resp)
}

// GetEvent answers GET /v1/sessions/:id/events/:eventId with a single
// tracking event's full detail, for a client re-fetching one row out of a
// previously listed page rather than re-querying the whole range.
func (h *SessionHandler) GetEvent(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("eventId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	ev, err := h.db.GetTrackingEvent(c.Request.Context(), eventID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ev == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tracking event not found"})
		return
	}
	c.JSON(http.StatusOK, trackingEventResponse(ev))
}

func sessionResponse(se *models.Session) dto.SessionResponse {
	resp := dto.SessionResponse{
		ID:         se.ID,
		CatalogID:  se.CatalogID,
		Status:     string(se.Status),
		FrameCount: se.FrameCount,
		CreatedAt:  se.CreatedAt.Format(timeFormat),
	}
	if se.LastFrameAt != nil {
		resp.LastFrameAt = se.LastFrameAt.Format(timeFormat)
	}
	return resp
}

func trackingEventResponse(ev *models.TrackingEvent) dto.TrackingEventResponse {
	resp := dto.TrackingEventResponse{
		ID:             ev.ID,
		SessionID:      ev.SessionID,
		TargetID:       ev.TargetID,
		FrameID:        ev.FrameID,
		Timestamp:      ev.Timestamp.Format(timeFormat),
		Mode:           ev.Mode,
		Success:        ev.Success,
		Corners:        [8]float64(ev.Corners),
		Composite:      ev.Composite,
		InlierRatio:    ev.InlierRatio,
		FBError:        ev.FBError,
		Geometric:      ev.Geometric,
		ShouldRedetect: ev.ShouldRedetect,
		CreatedAt:      ev.CreatedAt.Format(timeFormat),
	}
	if ev.Success {
		quad := cornersToQuad(ev.Corners)
		center := quad.Centroid()
		resp.Center = &[2]float64{center.X, center.Y}
	}
	return resp
}

// cornersToQuad reinflates the stored flattened corner array back into the
// cyclic-point form QuadCorners methods operate on.
func cornersToQuad(c models.Corners) vision.QuadCorners {
	var q vision.QuadCorners
	for i := range q {
		q[i] = vision.Point{X: c[i*2], Y: c[i*2+1]}
	}
	return q
}
