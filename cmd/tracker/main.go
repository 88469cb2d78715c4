package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/plantrack/internal/api/handlers"
	"github.com/your-org/plantrack/internal/config"
	"github.com/your-org/plantrack/internal/models"
	"github.com/your-org/plantrack/internal/observability"
	"github.com/your-org/plantrack/internal/queue"
	"github.com/your-org/plantrack/internal/storage"
	"github.com/your-org/plantrack/internal/vision"
)

// cmd/tracker processes frames queued on FRAMES for sessions ingested
// through the async endpoint (bulk/offline uploads that don't need the
// tracking result back in the same HTTP round trip as the synchronous
// path in cmd/api). It runs its own Registry, so a session must stick to
// one ingestion path for the lifetime of its tracking run — the
// Searching/Tracking state machine lives in whichever process's
// TrackingOrchestrator last saw that session's frames.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting tracker worker", "workers", cfg.Tracking.WorkerCount)

	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect consumer to nats", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	params := cfg.Tracking.ToParams()
	registry := handlers.NewRegistry(params, db, minioStore)
	pool := vision.NewResourcePool()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = consumer.ConsumeFrames(ctx, "tracker-frames", func(ctx context.Context, msg jetstream.Msg) error {
		var task models.FrameTask
		if err := json.Unmarshal(msg.Data(), &task); err != nil {
			return fmt.Errorf("unmarshal frame task: %w", err)
		}
		return processFrame(ctx, db, minioStore, producer, registry, pool, params, task)
	}, cfg.Tracking.WorkerCount)
	if err != nil {
		slog.Error("start frame consumer", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down tracker worker...")
	cancel()
	slog.Info("tracker worker stopped", "resources_outstanding", pool.Outstanding())
}

func processFrame(ctx context.Context, db *storage.PostgresStore, minioStore *storage.MinIOStore, producer *queue.Producer, registry *handlers.Registry, pool *vision.ResourcePool, params vision.Params, task models.FrameTask) error {
	start := time.Now()

	se, err := db.GetSession(ctx, task.SessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", task.SessionID, err)
	}
	if se == nil {
		slog.Warn("frame task for unknown session, dropping", "session_id", task.SessionID)
		return nil
	}

	rt, err := registry.Get(ctx, se.CatalogID)
	if err != nil {
		return fmt.Errorf("hydrate catalog %s: %w", se.CatalogID, err)
	}

	raw, err := minioStore.GetObject(ctx, task.ImageKey)
	if err != nil {
		return fmt.Errorf("fetch frame image %s: %w", task.ImageKey, err)
	}

	img, err := vision.DecodeImage(raw, pool)
	if err != nil {
		slog.Warn("could not decode frame", "session_id", task.SessionID, "frame_id", task.FrameID, "error", err)
		return nil
	}
	defer img.Close()
	scaled := vision.Downscale(img.Mat, params.MaxDimension, pool)
	defer scaled.Close()
	gray := vision.ToGrayscale(scaled.Mat, pool)
	defer gray.Close()
	prepped := vision.BlurAndEqualize(gray.Mat, pool)
	defer prepped.Close()

	result := rt.Orchestrator.ProcessFrame(task.SessionID.String(), uint64(task.FrameID), prepped.Mat, pool)
	observability.InferenceDuration.WithLabelValues("process_frame").Observe(time.Since(start).Seconds())
	observability.FramesProcessed.WithLabelValues(task.SessionID.String()).Inc()
	switch result.Mode {
	case vision.ModeDetection:
		if result.Success {
			observability.Detections.WithLabelValues(task.SessionID.String()).Inc()
		}
	case vision.ModeFlow:
		if result.Success {
			observability.FlowTracks.WithLabelValues(task.SessionID.String()).Inc()
		}
	}
	if result.ShouldRedetect {
		observability.RedetectSignals.WithLabelValues(task.SessionID.String()).Inc()
	}

	msg := models.TrackingResultMessage{
		SessionID:      task.SessionID,
		FrameID:        task.FrameID,
		Timestamp:      time.Now(),
		Success:        result.Success,
		Mode:           string(result.Mode),
		Composite:      float32(result.Quality.Composite),
		InlierRatio:    float32(result.Quality.InlierRatio),
		FBError:        float32(result.Quality.FBError),
		Geometric:      float32(result.Quality.Geometric),
		ShouldRedetect: result.ShouldRedetect,
	}
	if result.TargetID != "" {
		if parsed, err := uuid.Parse(result.TargetID); err == nil {
			msg.TargetID = &parsed
		}
	}
	for i, p := range result.Corners {
		msg.Corners[i*2] = p.X
		msg.Corners[i*2+1] = p.Y
	}

	if err := producer.PublishResult(ctx, task.SessionID.String(), msg); err != nil {
		return fmt.Errorf("publish tracking result: %w", err)
	}
	return nil
}
