package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/plantrack/internal/storage"
	"github.com/your-org/plantrack/pkg/dto"
)

type CatalogHandler struct {
	db       *storage.PostgresStore
	minio    *storage.MinIOStore
	registry *Registry
}

func NewCatalogHandler(db *storage.PostgresStore, minio *storage.MinIOStore, registry *Registry) *CatalogHandler {
	return &CatalogHandler{db: db, minio: minio, registry: registry}
}

func (h *CatalogHandler) Create(c *gin.Context) {
	var req dto.CreateCatalogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	catalog, err := h.db.CreateCatalog(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, dto.CatalogResponse{
		ID:          catalog.ID,
		Name:        catalog.Name,
		Description: catalog.Description,
		TargetCount: 0,
		CreatedAt:   catalog.CreatedAt.Format(timeFormat),
	})
}

func (h *CatalogHandler) List(c *gin.Context) {
	catalogs, err := h.db.ListCatalogs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := dto.CatalogListResponse{Catalogs: make([]dto.CatalogResponse, 0, len(catalogs))}
	for _, cat := range catalogs {
		count, err := h.db.CountTargets(c.Request.Context(), cat.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.Catalogs = append(resp.Catalogs, dto.CatalogResponse{
			ID:          cat.ID,
			Name:        cat.Name,
			Description: cat.Description,
			TargetCount: count,
			CreatedAt:   cat.CreatedAt.Format(timeFormat),
		})
	}
	resp.Total = len(resp.Catalogs)
	c.JSON(http.StatusOK, resp)
}

func (h *CatalogHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid catalog id"})
		return
	}

	catalog, err := h.db.GetCatalog(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if catalog == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "catalog not found"})
		return
	}

	count, err := h.db.CountTargets(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.CatalogResponse{
		ID:          catalog.ID,
		Name:        catalog.Name,
		Description: catalog.Description,
		TargetCount: count,
		CreatedAt:   catalog.CreatedAt.Format(timeFormat),
	})
}

// Delete removes a catalog: its targets and sessions cascade at the
// database level, but their source images, thumbnails, and the catalog's
// cached vocabulary blob live in MinIO and must be cleaned up separately
// before the rows disappear and the keys are lost.
func (h *CatalogHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid catalog id"})
		return
	}

	ctx := c.Request.Context()
	targets, err := h.db.ListTargets(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.DeleteCatalog(ctx, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.registry.Invalidate(ctx, id)

	if len(targets) > 0 {
		keys := make([]string, 0, len(targets)*2)
		for _, t := range targets {
			keys = append(keys, t.SourceImageKey, t.ThumbnailKey)
		}
		if err := h.minio.DeleteObjects(ctx, keys); err != nil {
			slog.Warn("delete catalog target objects", "catalog_id", id, "error", err)
		}
	}
	c.Status(http.StatusNoContent)
}
