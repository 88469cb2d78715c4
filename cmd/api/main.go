package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/plantrack/internal/api"
	"github.com/your-org/plantrack/internal/api/handlers"
	"github.com/your-org/plantrack/internal/api/ws"
	"github.com/your-org/plantrack/internal/config"
	"github.com/your-org/plantrack/internal/models"
	"github.com/your-org/plantrack/internal/observability"
	"github.com/your-org/plantrack/internal/queue"
	"github.com/your-org/plantrack/internal/storage"
	"github.com/your-org/plantrack/pkg/dto"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting tracking API service", "port", cfg.Server.Port)

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
	if err := minioStore.EnsureBucket(context.Background()); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
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

	hub := ws.NewHub()
	go hub.Run()

	params := cfg.Tracking.ToParams()
	registry := handlers.NewRegistry(params, db, minioStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Results produced by async/offline ingestion (cmd/tracker consuming
	// FRAMES) land here; the synchronous frame-ingestion path persists and
	// broadcasts inline and never round-trips through this consumer.
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create results consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	err = consumer.ConsumeResults(ctx, "api-results", func(ctx context.Context, msg jetstream.Msg) error {
		var result models.TrackingResultMessage
		if err := json.Unmarshal(msg.Data(), &result); err != nil {
			return err
		}

		event := &models.TrackingEvent{
			SessionID:      result.SessionID,
			TargetID:       result.TargetID,
			FrameID:        result.FrameID,
			Timestamp:      result.Timestamp,
			Mode:           result.Mode,
			Success:        result.Success,
			Corners:        result.Corners,
			Composite:      result.Composite,
			InlierRatio:    result.InlierRatio,
			FBError:        result.FBError,
			Geometric:      result.Geometric,
			ShouldRedetect: result.ShouldRedetect,
		}
		if err := db.CreateTrackingEvent(ctx, event); err != nil {
			slog.Error("store tracking event", "error", err)
			return nil
		}
		_ = db.BumpSessionFrame(ctx, result.SessionID, result.Timestamp)

		hub.BroadcastEvent(&dto.WSEvent{
			Type:      "tracking_result",
			SessionID: event.SessionID,
			Data: dto.TrackingEventResponse{
				ID:             event.ID,
				SessionID:      event.SessionID,
				TargetID:       event.TargetID,
				FrameID:        event.FrameID,
				Timestamp:      event.Timestamp.Format(time.RFC3339Nano),
				Mode:           event.Mode,
				Success:        event.Success,
				Corners:        [8]float64(event.Corners),
				Composite:      event.Composite,
				InlierRatio:    event.InlierRatio,
				FBError:        event.FBError,
				Geometric:      event.Geometric,
				ShouldRedetect: event.ShouldRedetect,
				CreatedAt:      event.CreatedAt.Format(time.RFC3339Nano),
			},
		})
		return nil
	})
	if err != nil {
		slog.Warn("start results consumer", "error", err)
	}

	router := api.NewRouter(api.RouterConfig{
		APIKey:   cfg.Server.APIKey,
		DB:       db,
		MinIO:    minioStore,
		Producer: producer,
		Hub:      hub,
		Registry: registry,
		Params:   params,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}
