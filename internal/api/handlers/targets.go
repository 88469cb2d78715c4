package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/your-org/plantrack/internal/models"
	"github.com/your-org/plantrack/internal/storage"
	"github.com/your-org/plantrack/internal/vision"
	"github.com/your-org/plantrack/pkg/dto"
)

const thumbnailMaxDim = 200

type TargetHandler struct {
	db       *storage.PostgresStore
	minio    *storage.MinIOStore
	registry *Registry
	params   vision.Params
}

func NewTargetHandler(db *storage.PostgresStore, minio *storage.MinIOStore, registry *Registry, params vision.Params) *TargetHandler {
	return &TargetHandler{db: db, minio: minio, registry: registry, params: params}
}

// Create registers a new reference target into a catalog: decodes the
// uploaded image, runs feature extraction, stores the source image and a
// thumbnail in MinIO, persists the target row (with its TF-IDF vocabulary
// vector) in Postgres, and rebuilds the catalog's in-memory VocabularyIndex
// so the new target is immediately searchable.
func (h *TargetHandler) Create(c *gin.Context) {
	catalogID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid catalog id"})
		return
	}

	var req dto.CreateTargetRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fileHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image file"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not open uploaded image"})
		return
	}
	defer file.Close()
	rawImage, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read uploaded image"})
		return
	}

	ctx := c.Request.Context()
	catalog, err := h.db.GetCatalog(ctx, catalogID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if catalog == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "catalog not found"})
		return
	}

	rt, err := h.registry.Get(ctx, catalogID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
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

	targetID := uuid.New()
	opts := vision.DefaultPrepareOpts(h.params.MaxRefFeatures)
	if addErr := rt.Catalog.Add(targetID.String(), req.Name, scaled.Mat, opts, pool); addErr != nil {
		status := http.StatusUnprocessableEntity
		msg := addErr.Error()
		if addErr == vision.ErrCatalogFull {
			status = http.StatusConflict
			msg = fmt.Sprintf("%s: catalog holds at most %d targets", msg, rt.Catalog.MaxTargets())
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}

	target, _ := rt.Catalog.Get(targetID.String())
	if err := rt.Vocab.Build(rt.Catalog.List()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("rebuild vocabulary: %v", err)})
		return
	}
	if err := h.registry.SaveVocabulary(ctx, catalogID, rt.Vocab); err != nil {
		slog.Warn("cache vocabulary after target add", "catalog_id", catalogID, "error", err)
	}

	sourceKey := fmt.Sprintf("catalogs/%s/targets/%s/source.jpg", catalogID, targetID)
	if err := h.minio.PutObject(ctx, sourceKey, rawImage, "image/jpeg"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	thumbKey := fmt.Sprintf("catalogs/%s/targets/%s/thumbnail.jpg", catalogID, targetID)
	thumbBytes, err := encodeThumbnail(scaled.Mat)
	if err == nil {
		_ = h.minio.PutObject(ctx, thumbKey, thumbBytes, "image/jpeg")
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}

	modelTarget := &models.Target{
		ID:             targetID,
		CatalogID:      catalogID,
		Name:           req.Name,
		SourceImageKey: sourceKey,
		ThumbnailKey:   thumbKey,
		Cols:           target.Cols,
		Rows:           target.Rows,
		FeatureCount:   target.Data.Len(),
		Metadata:       metadata,
	}
	vector := rt.Vocab.VectorFor(targetID.String())
	if err := h.db.CreateTarget(ctx, modelTarget, vector); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, dto.TargetResponse{
		ID:           modelTarget.ID,
		CatalogID:    modelTarget.CatalogID,
		Name:         modelTarget.Name,
		Cols:         modelTarget.Cols,
		Rows:         modelTarget.Rows,
		FeatureCount: modelTarget.FeatureCount,
		ThumbnailURL: thumbKey,
		Metadata:     modelTarget.Metadata,
		CreatedAt:    modelTarget.CreatedAt.Format(timeFormat),
	})
}

func (h *TargetHandler) List(c *gin.Context) {
	catalogID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid catalog id"})
		return
	}

	targets, err := h.db.ListTargets(c.Request.Context(), catalogID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := dto.TargetListResponse{Targets: make([]dto.TargetResponse, 0, len(targets))}
	for _, t := range targets {
		resp.Targets = append(resp.Targets, dto.TargetResponse{
			ID:           t.ID,
			CatalogID:    t.CatalogID,
			Name:         t.Name,
			Cols:         t.Cols,
			Rows:         t.Rows,
			FeatureCount: t.FeatureCount,
			ThumbnailURL: t.ThumbnailKey,
			Metadata:     t.Metadata,
			CreatedAt:    t.CreatedAt.Format(timeFormat),
		})
	}
	resp.Total = len(resp.Targets)
	c.JSON(http.StatusOK, resp)
}

func (h *TargetHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("targetId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target id"})
		return
	}

	t, err := h.db.GetTarget(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
		return
	}

	c.JSON(http.StatusOK, dto.TargetResponse{
		ID:           t.ID,
		CatalogID:    t.CatalogID,
		Name:         t.Name,
		Cols:         t.Cols,
		Rows:         t.Rows,
		FeatureCount: t.FeatureCount,
		ThumbnailURL: t.ThumbnailKey,
		Metadata:     t.Metadata,
		CreatedAt:    t.CreatedAt.Format(timeFormat),
	})
}

func (h *TargetHandler) Delete(c *gin.Context) {
	catalogID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid catalog id"})
		return
	}
	targetID, err := uuid.Parse(c.Param("targetId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target id"})
		return
	}

	if err := h.db.DeleteTarget(c.Request.Context(), targetID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	rt, err := h.registry.Get(c.Request.Context(), catalogID)
	if err == nil {
		rt.Catalog.Remove(targetID.String())
		if buildErr := rt.Vocab.Build(rt.Catalog.List()); buildErr == nil {
			if saveErr := h.registry.SaveVocabulary(c.Request.Context(), catalogID, rt.Vocab); saveErr != nil {
				slog.Warn("cache vocabulary after target removal", "catalog_id", catalogID, "error", saveErr)
			}
		}
	}
	c.Status(http.StatusNoContent)
}

// Search runs the pgvector coarse prefilter (DOMAIN STACK) against a
// probe image: quantizes it through the catalog's live VocabularyIndex
// into the same TF-IDF vector space stored per-target, then ranks targets
// by cosine similarity at the SQL layer.
func (h *TargetHandler) Search(c *gin.Context) {
	catalogID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid catalog id"})
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image file"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not open uploaded image"})
		return
	}
	defer f.Close()
	rawImage, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read uploaded image"})
		return
	}

	ctx := c.Request.Context()
	rt, err := h.registry.Get(ctx, catalogID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
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

	probe := &vision.ReferenceTarget{}
	opts := vision.DefaultPrepareOpts(h.params.MaxRefFeatures)
	if err := probe.Prepare(scaled.Mat, opts, pool); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	queryVec := rt.Vocab.QueryVector(probe.Data)
	if queryVec == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vocabulary index not built for this catalog yet"})
		return
	}

	limit := 5
	matches, err := h.db.SearchByVocabVector(ctx, catalogID, queryVec, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := dto.TargetSearchResponse{Results: make([]dto.TargetSearchResult, 0, len(matches))}
	for _, m := range matches {
		resp.Results = append(resp.Results, dto.TargetSearchResult{
			TargetID: m.TargetID,
			Name:     m.Name,
			Score:    float64(m.Score),
		})
	}
	resp.Total = len(resp.Results)
	c.JSON(http.StatusOK, resp)
}

func encodeThumbnail(src gocv.Mat) ([]byte, error) {
	thumbPool := vision.NewResourcePool()
	thumb := vision.Downscale(src, thumbnailMaxDim, thumbPool)
	defer thumb.Close()

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, thumb.Mat)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
