package dto

import "github.com/google/uuid"

type CreateCatalogRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type CatalogResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	TargetCount int       `json:"target_count"`
	CreatedAt   string    `json:"created_at"`
}

type CatalogListResponse struct {
	Catalogs []CatalogResponse `json:"catalogs"`
	Total    int               `json:"total"`
}
