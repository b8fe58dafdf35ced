// Package main runs the FieldSync daemon: the local sync core an inspection
// client talks to over localhost REST/WebSocket. The daemon owns the durable
// store, the pending operation queue, the background sync processor, and the
// photo upload pipeline.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rmazur/fieldsync/internal/crypto"
	"github.com/rmazur/fieldsync/internal/db"
	"github.com/rmazur/fieldsync/internal/events"
	"github.com/rmazur/fieldsync/internal/logging"
	"github.com/rmazur/fieldsync/internal/media"
	"github.com/rmazur/fieldsync/internal/storage"
	syncer "github.com/rmazur/fieldsync/internal/sync"
	"github.com/rmazur/fieldsync/internal/sync/queue"
	"github.com/rmazur/fieldsync/internal/sync/reconcile"
	"github.com/rmazur/fieldsync/internal/sync/upload"
)

// Config holds daemon settings, loaded from the environment (.env supported).
type Config struct {
	Port           string
	DataDir        string
	ServerBaseURL  string
	AuthToken      string
	BucketEndpoint string
	BucketName     string
	SyncInterval   time.Duration
	ProbeInterval  time.Duration
	LogLevel       logging.LogLevel
}

func loadConfig() Config {
	// Missing .env is fine, plain environment variables still apply
	_ = godotenv.Load()

	cfg := Config{
		Port:           getEnv("FIELDSYNC_PORT", "8090"),
		DataDir:        getEnv("FIELDSYNC_DATA_DIR", "./data"),
		ServerBaseURL:  getEnv("FIELDSYNC_SERVER_URL", "http://localhost:8080"),
		AuthToken:      os.Getenv("FIELDSYNC_AUTH_TOKEN"),
		BucketEndpoint: os.Getenv("FIELDSYNC_BUCKET_ENDPOINT"),
		BucketName:     os.Getenv("FIELDSYNC_BUCKET_NAME"),
		SyncInterval:   getEnvDuration("FIELDSYNC_SYNC_INTERVAL", syncer.DefaultInterval),
		ProbeInterval:  getEnvDuration("FIELDSYNC_PROBE_INTERVAL", 15*time.Second),
		LogLevel:       logging.LevelInfo,
	}
	if lvl := os.Getenv("FIELDSYNC_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = logging.ParseLevel(lvl)
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func main() {
	cfg := loadConfig()
	logging.Init(os.Stderr, cfg.LogLevel)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := migrator.Up(); err != nil {
		log.Fatalf("Failed to migrate local store: %v", err)
	}

	repo := db.NewRepository(database.DB)
	bus := events.NewBus()
	blobs := storage.NewBlobStore(cfg.DataDir + "/blobs")

	var resolvers []storage.URLResolver
	if cfg.BucketEndpoint != "" && cfg.BucketName != "" {
		resolvers = append(resolvers, &storage.BucketResolver{
			Endpoint:   cfg.BucketEndpoint,
			BucketName: cfg.BucketName,
		})
	}
	resolvers = append(resolvers, &storage.LegacyResolver{BaseURL: cfg.ServerBaseURL})
	resolver := storage.NewChainResolver(resolvers...)

	ids, err := reconcile.New(repo)
	if err != nil {
		log.Fatalf("Failed to load identifier map: %v", err)
	}

	// Environment token wins; otherwise fall back to the encrypted store
	tokens := crypto.NewTokenStore(cfg.DataDir)
	authToken := cfg.AuthToken
	if authToken == "" {
		if stored, err := tokens.Load("server_token"); err == nil {
			authToken = stored
		} else {
			logging.Warn("Failed to load stored auth token", map[string]interface{}{"error": err.Error()})
		}
	}

	api := syncer.NewClient(syncer.ClientConfig{
		BaseURL:   cfg.ServerBaseURL,
		AuthToken: authToken,
	})
	monitor := syncer.NewMonitor(
		syncer.HTTPProbe(cfg.ServerBaseURL+"/health", 5*time.Second),
		cfg.ProbeInterval,
	)

	opQueue := queue.New(repo)
	// Claims held by the previous process are stale now; return them to
	// pending before the processor or the upload pipeline starts claiming.
	if _, err := opQueue.Recover(); err != nil {
		log.Fatalf("Failed to recover claimed operations: %v", err)
	}
	writer := syncer.NewWriter(repo, opQueue, bus)
	reader := syncer.NewReader(repo, api, monitor, ids, bus)
	processor := syncer.NewProcessor(syncer.ProcessorConfig{
		Store:        repo,
		Queue:        opQueue,
		IDs:          ids,
		Blobs:        blobs,
		Resolver:     resolver,
		API:          api,
		Connectivity: monitor,
		Bus:          bus,
		Interval:     cfg.SyncInterval,
	})
	pipeline := upload.NewPipeline(upload.PipelineConfig{
		Store:    repo,
		Queue:    opQueue,
		IDs:      ids,
		Blobs:    blobs,
		Previews: media.NewGenerator(480, 480),
		Resolver: resolver,
		API:      api,
		Bus:      bus,
	})
	if err := pipeline.Resume(); err != nil {
		logging.Error("Failed to resume unfinished uploads", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx)
	go processor.Run(ctx)

	hub := NewWSHub(bus)
	go hub.Run(ctx)

	handler := NewHandler(repo, writer, reader, opQueue, ids, monitor, processor, pipeline, api, tokens)
	mux := http.NewServeMux()
	handler.Register(mux)
	mux.HandleFunc("/ws", hub.Serve)

	srv := &http.Server{
		Addr:    "localhost:" + cfg.Port,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		pipeline.Close()
	}()

	logging.Info("FieldSync daemon listening", map[string]interface{}{
		"port":   cfg.Port,
		"server": cfg.ServerBaseURL,
	})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}
