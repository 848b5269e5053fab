package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/labfetch/internal/config"
	"github.com/maneesh/labfetch/internal/engine"
	"github.com/maneesh/labfetch/internal/handlers"
	"github.com/maneesh/labfetch/internal/logging"
	"github.com/maneesh/labfetch/internal/progress"
	"github.com/maneesh/labfetch/internal/storage"
	"github.com/maneesh/labfetch/internal/tracing"
	"github.com/maneesh/labfetch/internal/transport"
)

func main() {
	log.Println("Starting LabFetch service...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Service: %s, Port: %s", cfg.ServiceName, cfg.ServicePort)
	logger := logging.New(cfg.ServiceName, cfg.LogLevel)

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	// Initialize media source
	log.Println("Connecting to MinIO...")
	media, err := storage.NewMediaSource(
		cfg.MinIOEndpoint,
		cfg.MinIOAccessKey,
		cfg.MinIOSecretKey,
		cfg.MediaBucket,
		cfg.MinIOUseSSL,
		cfg.OpenRetries,
		logger,
	)
	if err != nil {
		log.Fatalf("Failed to initialize media source: %v", err)
	}
	log.Println("Media source initialized")

	dialer := transport.WithRateLimit(media, cfg.RateLimitBytes)
	pool := transport.NewPool(dialer, cfg.WorkerCount, logger)

	// Initialize task store
	var store engine.TaskStore
	switch cfg.TaskStore {
	case "file":
		fileStore, err := storage.NewFileTaskStore(cfg.GetProgressPath())
		if err != nil {
			log.Fatalf("Failed to initialize file task store: %v", err)
		}
		store = fileStore
		log.Printf("Task snapshots stored in %s", cfg.GetProgressPath())
	default:
		log.Println("Connecting to Redis...")
		redisStore, err := storage.NewRedisTaskStore(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to initialize Redis task store: %v", err)
		}
		defer redisStore.Close()
		store = redisStore
		log.Println("Redis task store initialized")
	}

	// Initialize completion history
	var (
		recorder engine.HistoryRecorder
		lister   handlers.HistoryLister
	)
	if cfg.HistoryEnabled {
		log.Println("Connecting to TiDB...")
		historyStore, err := storage.NewHistoryStore(cfg.GetDSN())
		if err != nil {
			log.Fatalf("Failed to initialize history store: %v", err)
		}
		defer historyStore.Close()
		recorder, lister = historyStore, historyStore
		log.Println("History store initialized")
	}

	layout := engine.NewLayout(cfg.DownloadDir, cfg.GetProgressPath())
	if err := layout.Prepare(); err != nil {
		log.Fatalf("Failed to prepare download directories: %v", err)
	}

	opts := engine.Options{
		PartSize:        cfg.GetPartSizeBytes(),
		ReadSize:        cfg.GetReadSizeBytes(),
		MaxWorkers:      cfg.MaxWorkers,
		MonitorInterval: cfg.GetMonitorInterval(),
	}
	if cfg.ProgressMode == config.ProgressInteractive {
		opts.NewRenderer = func(name string) progress.Renderer {
			return progress.NewTerminalRenderer(os.Stderr, name)
		}
	} else {
		opts.NewRenderer = func(name string) progress.Renderer {
			return progress.NewLogRenderer(logger, name)
		}
	}
	manager := engine.NewManager(media, pool, store, recorder, layout, opts, logger)

	recovered, err := manager.Recover(context.Background())
	if err != nil {
		log.Printf("Warning: task recovery incomplete: %v", err)
	}
	log.Printf("Recovered %d unfinished downloads", recovered)

	// Setup HTTP router
	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	handlers.NewControlHandler(manager, media, lister, logger).Register(router)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server listening on port %s", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Stopping download queue...")
	manager.Shutdown()
	pool.HardReset()

	log.Println("Server exited")
}
