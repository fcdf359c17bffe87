package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dimon1976/zoomos-v4-sub001/internal/config"
	"github.com/dimon1976/zoomos-v4-sub001/internal/db"
	"github.com/dimon1976/zoomos-v4-sub001/internal/importer"
	"github.com/dimon1976/zoomos-v4-sub001/internal/middleware"
	"github.com/dimon1976/zoomos-v4-sub001/internal/repository"

	"github.com/rs/cors"
)

func main() {
	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Setup database connection
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	// Run migrations
	if err := db.RunMigrations(cfg.Database, cfg.Import.MigrationsPath); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Create repositories
	templateRepo := repository.NewTemplateRepository(conn.Pool)
	sessionRepo := repository.NewSessionRepository(conn.Pool)
	recordRepo := repository.NewRecordRepository(conn.Pool)
	errorRepo := repository.NewImportErrorRepository(conn.Pool)

	// Wire the import pipeline
	hub := importer.NewHub()
	guard := importer.NewMemoryGuard(
		cfg.Import.MemoryLimitBytes,
		importer.WithHeadroomFraction(cfg.Import.MemoryThreshold),
		importer.WithBackoffDelay(cfg.Import.BackpressureDelay),
	)
	pool := importer.NewWorkerPool(cfg.Import.WorkerPoolSize, cfg.Import.WorkerQueueDepth)
	service := importer.NewService(
		templateRepo, sessionRepo, recordRepo, errorRepo, hub,
		importer.WithBatchSize(cfg.Import.BatchSize),
		importer.WithMemoryGuard(guard),
		importer.WithWorkerPool(pool),
	)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	router := importer.NewRouter(service, templateRepo, hub)
	handler := corsHandler.Handler(middleware.LoggingMiddleware(router))

	// Create HTTP server. WriteTimeout stays zero because the progress event
	// stream holds connections open.
	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting import server on %s", cfg.Server.Addr)
		log.Printf("API available at http://localhost%s/api", cfg.Server.Addr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// Drain in-flight import sessions before releasing the pool.
	service.Shutdown()

	log.Println("Server exited")
}
