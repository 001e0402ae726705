package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-archive/internal/config"
	"github.com/otcheredev/dicom-archive/internal/handlers"
	"github.com/otcheredev/dicom-archive/internal/middleware"
	"github.com/otcheredev/dicom-archive/internal/server"
	"github.com/otcheredev/dicom-archive/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting DICOM archive")

	// Initialize every subsystem behind one explicit context
	sctx, err := server.Initialize(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize archive")
	}
	defer func() {
		if err := sctx.Finalize(); err != nil {
			log.Error().Err(err).Msg("Shutdown left residue")
		}
	}()

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(sctx.DB)
	archiveHandler := handlers.NewArchiveHandler(sctx.Ingest, sctx.Lookup, sctx.Index)
	jobsHandler := handlers.NewJobsHandler(sctx.Scheduler, sctx.Peers, sctx.Ingest)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints (no authentication required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Archive API
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth.JWTSecret))

		r.Post("/instances", archiveHandler.StoreInstance)
		r.Get("/instances/{id}/file", archiveHandler.GetInstanceFile)
		r.Get("/instances/{id}/tags", archiveHandler.GetInstanceTags)
		r.Get("/instances/{id}/attachments/{type}", archiveHandler.GetAttachment)

		r.Get("/patients/{id}/protected", archiveHandler.GetProtected)
		r.Put("/patients/{id}/protected", archiveHandler.SetProtected)

		r.Get("/{level:(?:patients|studies|series|instances)}/{id}", archiveHandler.GetResource)
		r.Delete("/{level:(?:patients|studies|series|instances)}/{id}", archiveHandler.DeleteResource)
		r.Get("/{level:(?:patients|studies|series|instances)}/{id}/metadata/{kind}", archiveHandler.GetMetadata)
		r.Put("/{level:(?:patients|studies|series|instances)}/{id}/metadata/{kind}", archiveHandler.PutMetadata)

		r.Get("/changes", archiveHandler.ReadChanges)
		r.Delete("/changes", archiveHandler.ClearChanges)
		r.Get("/statistics", archiveHandler.Statistics)
		r.Post("/tools/find", archiveHandler.Find)

		r.Post("/peers/{peer}/store", jobsHandler.StoreToPeer)
		r.Get("/jobs/{id}", jobsHandler.ChainStatus)
		r.Post("/jobs/{id}/cancel", jobsHandler.CancelChain)
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
