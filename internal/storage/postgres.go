package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/plantrack/internal/config"
	"github.com/your-org/plantrack/internal/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Catalogs ---

func (s *PostgresStore) CreateCatalog(ctx context.Context, name, description string) (*models.Catalog, error) {
	c := &models.Catalog{
		ID:          uuid.New(),
		Name:        name,
		Description: description,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO catalogs (id, name, description) VALUES ($1, $2, $3) RETURNING created_at, updated_at`,
		c.ID, c.Name, c.Description,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create catalog: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCatalogs(ctx context.Context) ([]models.Catalog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, created_at, updated_at FROM catalogs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list catalogs: %w", err)
	}
	defer rows.Close()

	var catalogs []models.Catalog
	for rows.Next() {
		var c models.Catalog
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan catalog: %w", err)
		}
		catalogs = append(catalogs, c)
	}
	return catalogs, nil
}

func (s *PostgresStore) GetCatalog(ctx context.Context, id uuid.UUID) (*models.Catalog, error) {
	c := &models.Catalog{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, created_at, updated_at FROM catalogs WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get catalog: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) DeleteCatalog(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM catalogs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete catalog: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("catalog not found")
	}
	return nil
}

// --- Targets ---

// CreateTarget inserts a prepared reference target. vocabVector is the
// target's TF-IDF vocabulary vector (§4.3), stored alongside it so a
// coarse SQL-side prefilter is available via SearchByVocabVector.
func (s *PostgresStore) CreateTarget(ctx context.Context, t *models.Target, vocabVector []float32) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Metadata == nil {
		t.Metadata = json.RawMessage("{}")
	}
	var vec *pgvector.Vector
	if len(vocabVector) > 0 {
		v := pgvector.NewVector(vocabVector)
		vec = &v
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO targets (id, catalog_id, name, source_image_key, thumbnail_key, cols, rows, feature_count, metadata, vocab_vector)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING created_at, updated_at`,
		t.ID, t.CatalogID, t.Name, t.SourceImageKey, t.ThumbnailKey, t.Cols, t.Rows, t.FeatureCount, t.Metadata, vec,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (s *PostgresStore) GetTarget(ctx context.Context, id uuid.UUID) (*models.Target, error) {
	t := &models.Target{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, catalog_id, name, source_image_key, thumbnail_key, cols, rows, feature_count, metadata, created_at, updated_at
		 FROM targets WHERE id = $1`, id,
	).Scan(&t.ID, &t.CatalogID, &t.Name, &t.SourceImageKey, &t.ThumbnailKey, &t.Cols, &t.Rows, &t.FeatureCount,
		&t.Metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTargets(ctx context.Context, catalogID uuid.UUID) ([]models.Target, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, catalog_id, name, source_image_key, thumbnail_key, cols, rows, feature_count, metadata, created_at, updated_at
		 FROM targets WHERE catalog_id = $1 ORDER BY created_at ASC`, catalogID)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var targets []models.Target
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.ID, &t.CatalogID, &t.Name, &t.SourceImageKey, &t.ThumbnailKey, &t.Cols, &t.Rows,
			&t.FeatureCount, &t.Metadata, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func (s *PostgresStore) CountTargets(ctx context.Context, catalogID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM targets WHERE catalog_id = $1`, catalogID,
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) DeleteTarget(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM targets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target not found")
	}
	return nil
}

// SearchByVocabVector is the SQL-side coarse prefilter DOMAIN STACK adds
// alongside the in-process VocabularyIndex: nearest targets by cosine
// distance between TF-IDF vectors, usable even before a VocabularyIndex
// has been rebuilt in memory.
func (s *PostgresStore) SearchByVocabVector(ctx context.Context, catalogID uuid.UUID, vector []float32, limit int) ([]VocabMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	vec := pgvector.NewVector(vector)

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, 1 - (vocab_vector <=> $1) AS score
		 FROM targets
		 WHERE catalog_id = $2 AND vocab_vector IS NOT NULL
		 ORDER BY vocab_vector <=> $1
		 LIMIT $3`,
		vec, catalogID, limit)
	if err != nil {
		return nil, fmt.Errorf("search by vocab vector: %w", err)
	}
	defer rows.Close()

	var matches []VocabMatch
	for rows.Next() {
		var m VocabMatch
		if err := rows.Scan(&m.TargetID, &m.Name, &m.Score); err != nil {
			return nil, fmt.Errorf("scan vocab match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

type VocabMatch struct {
	TargetID uuid.UUID `json:"target_id"`
	Name     string    `json:"name"`
	Score    float32   `json:"score"`
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, se *models.Session) error {
	se.ID = uuid.New()
	se.Status = models.SessionStatusActive
	return s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, catalog_id, status, frame_count)
		 VALUES ($1, $2, $3, 0) RETURNING created_at, updated_at`,
		se.ID, se.CatalogID, se.Status,
	).Scan(&se.CreatedAt, &se.UpdatedAt)
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	se := &models.Session{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, catalog_id, status, frame_count, last_frame_at, created_at, updated_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&se.ID, &se.CatalogID, &se.Status, &se.FrameCount, &se.LastFrameAt, &se.CreatedAt, &se.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return se, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, catalog_id, status, frame_count, last_frame_at, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var se models.Session
		if err := rows.Scan(&se.ID, &se.CatalogID, &se.Status, &se.FrameCount, &se.LastFrameAt,
			&se.CreatedAt, &se.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, se)
	}
	return sessions, nil
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	return err
}

// BumpSessionFrame records that a frame was just ingested for id, for the
// frame_count / last_frame_at the session-detail endpoint reports.
func (s *PostgresStore) BumpSessionFrame(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET frame_count = frame_count + 1, last_frame_at = $1, updated_at = now() WHERE id = $2`,
		at, id)
	return err
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session not found")
	}
	return nil
}

// --- Tracking events ---

func (s *PostgresStore) CreateTrackingEvent(ctx context.Context, ev *models.TrackingEvent) error {
	ev.ID = uuid.New()
	ev.CreatedAt = time.Now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tracking_events (id, session_id, target_id, frame_id, timestamp, mode, success, corners,
		 composite, inlier_ratio, fb_error, geometric, should_redetect, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ev.ID, ev.SessionID, ev.TargetID, ev.FrameID, ev.Timestamp, ev.Mode, ev.Success, ev.Corners[:],
		ev.Composite, ev.InlierRatio, ev.FBError, ev.Geometric, ev.ShouldRedetect, ev.CreatedAt)
	return err
}

func (s *PostgresStore) GetTrackingEvent(ctx context.Context, id uuid.UUID) (*models.TrackingEvent, error) {
	var ev models.TrackingEvent
	var corners []float64
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, target_id, frame_id, timestamp, mode, success, corners,
		 composite, inlier_ratio, fb_error, geometric, should_redetect, created_at
		 FROM tracking_events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.SessionID, &ev.TargetID, &ev.FrameID, &ev.Timestamp, &ev.Mode, &ev.Success, &corners,
		&ev.Composite, &ev.InlierRatio, &ev.FBError, &ev.Geometric, &ev.ShouldRedetect, &ev.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get tracking event: %w", err)
	}
	copy(ev.Corners[:], corners)
	return &ev, nil
}

// QueryTrackingEvents answers GET /v1/sessions/:id/events, paginated and
// optionally filtered by target and time range.
func (s *PostgresStore) QueryTrackingEvents(ctx context.Context, sessionID uuid.UUID, from, to *time.Time, targetID *uuid.UUID, limit, offset int) ([]models.TrackingEvent, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	baseWhere := "WHERE session_id = $1"
	args := []interface{}{sessionID}
	argIdx := 2

	if from != nil {
		baseWhere += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *from)
		argIdx++
	}
	if to != nil {
		baseWhere += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *to)
		argIdx++
	}
	if targetID != nil {
		baseWhere += fmt.Sprintf(" AND target_id = $%d", argIdx)
		args = append(args, *targetID)
		argIdx++
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM tracking_events " + baseWhere
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tracking events: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, session_id, target_id, frame_id, timestamp, mode, success, corners,
		 composite, inlier_ratio, fb_error, geometric, should_redetect, created_at
		 FROM tracking_events %s ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`,
		baseWhere, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tracking events: %w", err)
	}
	defer rows.Close()

	var events []models.TrackingEvent
	for rows.Next() {
		var ev models.TrackingEvent
		var corners []float64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.TargetID, &ev.FrameID, &ev.Timestamp, &ev.Mode, &ev.Success,
			&corners, &ev.Composite, &ev.InlierRatio, &ev.FBError, &ev.Geometric, &ev.ShouldRedetect, &ev.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan tracking event: %w", err)
		}
		copy(ev.Corners[:], corners)
		events = append(events, ev)
	}
	return events, total, nil
}

// --- Cache entries (§6 persisted state: serialized VocabularyIndex, with TTL) ---

// UpsertCacheEntry records that key maps to objectKey in MinIO, valid
// until expiresAt — the 7-day TTL per entry spec.md §6 requires for the
// cached archives/vocabulary blobs.
func (s *PostgresStore) UpsertCacheEntry(ctx context.Context, key, objectKey string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (key, object_key, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET object_key = EXCLUDED.object_key, expires_at = EXCLUDED.expires_at`,
		key, objectKey, expiresAt)
	return err
}

// GetCacheEntry returns the object key for a live (non-expired) cache
// entry, or "" if missing/expired.
func (s *PostgresStore) GetCacheEntry(ctx context.Context, key string) (string, error) {
	var objectKey string
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT object_key, expires_at FROM cache_entries WHERE key = $1`, key,
	).Scan(&objectKey, &expiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("get cache entry: %w", err)
	}
	if time.Now().After(expiresAt) {
		return "", nil
	}
	return objectKey, nil
}

// DeleteCacheEntry removes key's cache row, if any. Used when the resource
// a cache entry describes (e.g. a catalog's vocabulary blob) no longer
// exists, so a stale row can't outlive its object in MinIO.
func (s *PostgresStore) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key)
	return err
}
