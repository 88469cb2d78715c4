package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/plantrack/internal/storage"
	"github.com/your-org/plantrack/internal/vision"
)

const vocabularyCacheTTL = 7 * 24 * time.Hour

// CatalogRuntime is the in-memory vision state backing one catalog: its
// processed reference targets, vocabulary index, and tracking orchestrator.
type CatalogRuntime struct {
	Catalog      *vision.TargetCatalog
	Vocab        *vision.VocabularyIndex
	Orchestrator *vision.TrackingOrchestrator
}

// Registry owns one CatalogRuntime per catalog, hydrating it from Postgres
// and MinIO the first time it's requested in this process and keeping it
// live in memory afterward. Hydration replays every target's Prepare from
// its stored source image; the vocabulary index is decoded from the
// catalog's cached blob when that still covers the current targets (see
// loadCachedVocabulary) and rebuilt otherwise; the orchestrator always
// starts fresh.
type Registry struct {
	params vision.Params
	db     *storage.PostgresStore
	minio  *storage.MinIOStore

	mu       sync.Mutex
	runtimes map[uuid.UUID]*CatalogRuntime
}

func NewRegistry(params vision.Params, db *storage.PostgresStore, minio *storage.MinIOStore) *Registry {
	return &Registry{
		params:   params,
		db:       db,
		minio:    minio,
		runtimes: make(map[uuid.UUID]*CatalogRuntime),
	}
}

// Get returns catalogID's runtime, hydrating it from storage on first use.
func (r *Registry) Get(ctx context.Context, catalogID uuid.UUID) (*CatalogRuntime, error) {
	r.mu.Lock()
	rt, ok := r.runtimes[catalogID]
	r.mu.Unlock()
	if ok {
		return rt, nil
	}
	return r.hydrate(ctx, catalogID)
}

func (r *Registry) hydrate(ctx context.Context, catalogID uuid.UUID) (*CatalogRuntime, error) {
	catalog := vision.NewTargetCatalog(r.params.MaxTargets)
	vocab := vision.NewVocabularyIndex(r.params.VocabBranching, r.params.VocabLevels)

	targets, err := r.db.ListTargets(ctx, catalogID)
	if err != nil {
		return nil, fmt.Errorf("hydrate catalog %s: %w", catalogID, err)
	}

	pool := vision.NewResourcePool()
	opts := vision.DefaultPrepareOpts(r.params.MaxRefFeatures)
	for _, t := range targets {
		data, err := r.minio.GetObject(ctx, t.SourceImageKey)
		if err != nil {
			return nil, fmt.Errorf("fetch target image %s: %w", t.ID, err)
		}
		img, err := vision.DecodeImage(data, pool)
		if err != nil {
			return nil, fmt.Errorf("decode target image %s: %w", t.ID, err)
		}
		scaled := vision.Downscale(img.Mat, r.params.MaxDimension, pool)
		addErr := catalog.Add(t.ID.String(), t.Name, scaled.Mat, opts, pool)
		scaled.Close()
		img.Close()
		if addErr != nil {
			return nil, fmt.Errorf("rehydrate target %s: %w", t.ID, addErr)
		}
	}
	if r.loadCachedVocabulary(ctx, catalogID, vocab, catalog.List()) {
		slog.Info("loaded vocabulary from cache", "catalog_id", catalogID, "words", r.params.VocabWords())
	} else if err := vocab.Build(catalog.List()); err != nil {
		return nil, fmt.Errorf("build vocabulary for catalog %s: %w", catalogID, err)
	} else if err := r.SaveVocabulary(ctx, catalogID, vocab); err != nil {
		slog.Warn("cache vocabulary", "catalog_id", catalogID, "error", err)
	}

	rt := &CatalogRuntime{
		Catalog:      catalog,
		Vocab:        vocab,
		Orchestrator: vision.NewTrackingOrchestrator(catalog, vocab, r.params),
	}

	r.mu.Lock()
	r.runtimes[catalogID] = rt
	r.mu.Unlock()
	return rt, nil
}

// Invalidate drops a hydrated runtime so the next Get rehydrates from
// storage, and removes the catalog's cached vocabulary blob so a deleted
// catalog's cache row doesn't outlive it. Best-effort: cleanup failures are
// logged, not returned, since the catalog row is already gone.
func (r *Registry) Invalidate(ctx context.Context, catalogID uuid.UUID) {
	r.mu.Lock()
	delete(r.runtimes, catalogID)
	r.mu.Unlock()

	if err := r.db.DeleteCacheEntry(ctx, vocabularyCacheKey(catalogID)); err != nil {
		slog.Warn("delete vocabulary cache entry", "catalog_id", catalogID, "error", err)
	}
	if err := r.minio.DeleteObject(ctx, vocabularyObjectKey(catalogID)); err != nil {
		slog.Warn("delete vocabulary blob", "catalog_id", catalogID, "error", err)
	}
}

func vocabularyCacheKey(catalogID uuid.UUID) string {
	return fmt.Sprintf("vocab:%s", catalogID)
}

func vocabularyObjectKey(catalogID uuid.UUID) string {
	return fmt.Sprintf("catalogs/%s/vocabulary.bin", catalogID)
}

// loadCachedVocabulary fetches catalogID's serialized VocabularyIndex blob
// (§6 persisted state) through the Postgres cache_entries/MinIO pair the
// teacher's load_catalog collaborator contract describes, skipping the
// k-means rebuild when the cached tree still covers exactly today's target
// set. Returns false on any miss, expiry, decode failure, or target drift —
// the caller falls back to Build(). On target drift vocab already holds the
// decoded stale index until that Build replaces it.
func (r *Registry) loadCachedVocabulary(ctx context.Context, catalogID uuid.UUID, vocab *vision.VocabularyIndex, targets []*vision.ReferenceTarget) bool {
	objectKey, err := r.db.GetCacheEntry(ctx, vocabularyCacheKey(catalogID))
	if err != nil || objectKey == "" {
		return false
	}
	blob, err := r.minio.GetObject(ctx, objectKey)
	if err != nil {
		return false
	}
	if err := vocab.Unmarshal(blob); err != nil {
		slog.Warn("decode cached vocabulary", "catalog_id", catalogID, "error", err)
		return false
	}
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	if !vocab.CoversTargets(ids) {
		return false
	}
	return true
}

// SaveVocabulary serializes vocab and uploads it to MinIO under a fresh
// cache entry with the 7-day TTL spec.md §6 gives every cached entry,
// called at catalog-mutation boundaries (target add/remove) so the next
// process restart's Get can skip rebuilding the vocabulary tree.
func (r *Registry) SaveVocabulary(ctx context.Context, catalogID uuid.UUID, vocab *vision.VocabularyIndex) error {
	blob, err := vocab.Marshal()
	if err != nil {
		return fmt.Errorf("marshal vocabulary: %w", err)
	}
	objectKey := vocabularyObjectKey(catalogID)
	if err := r.minio.PutObject(ctx, objectKey, blob, "application/octet-stream"); err != nil {
		return fmt.Errorf("store vocabulary blob: %w", err)
	}
	if err := r.db.UpsertCacheEntry(ctx, vocabularyCacheKey(catalogID), objectKey, time.Now().Add(vocabularyCacheTTL)); err != nil {
		return fmt.Errorf("record vocabulary cache entry: %w", err)
	}
	return nil
}
