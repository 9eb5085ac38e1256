// Stashd server
//
// Personal cloud storage with per-user storage partitions:
// - Named partitions with independent quotas (personal/work by default)
// - Atomic quota enforcement on upload and bulk move
// - Usage reconciliation against file records
// - Trash with delayed purge
// - S3/MinIO object storage, Prometheus metrics, structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stashd/stashd/internal/api"
	"github.com/stashd/stashd/internal/auth"
	"github.com/stashd/stashd/internal/config"
	"github.com/stashd/stashd/internal/db"
	"github.com/stashd/stashd/internal/files"
	"github.com/stashd/stashd/internal/logging"
	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/partition"
	"github.com/stashd/stashd/internal/ratelimit"
	s3storage "github.com/stashd/stashd/internal/storage/s3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("stashd server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Info("connecting to PostgreSQL...")
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer database.Close()

	if dir := findMigrationsDir(); dir != "" {
		logging.Info("running migrations...", zap.String("dir", dir))
		if err := db.Migrate(database, dir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	// Partition subsystem
	ledger := partition.NewLedger(database)
	gate := partition.NewGate(ledger)
	reconciler := partition.NewReconciler(database)
	mover := partition.NewMover(database)
	lifecycle := partition.NewLifecycle(database)

	fileStore := files.NewStore(database)

	authHandler := auth.New(database, cfg.JWTSecret, ledger, cfg.DefaultPartitionQuota)
	limiter := ratelimit.New(cfg.RequestsPerMinute)

	backend, err := s3storage.New(ctx, s3storage.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
	})
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()

	srv := api.NewServer(ledger, gate, reconciler, mover, lifecycle,
		fileStore, backend, authHandler, limiter, cfg)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	// Periodic connection pool metrics
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(database)
			}
		}
	}()

	// Periodic rate limiter bucket cleanup
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup(24 * time.Hour)
			}
		}
	}()

	// Periodic trash auto-purge
	go func() {
		retention := time.Duration(cfg.TrashRetentionDays) * 24 * time.Hour
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				keys, err := fileStore.PurgeExpired(ctx, retention)
				if err != nil {
					logging.Error("trash auto-purge failed", zap.Error(err))
					continue
				}
				for _, key := range keys {
					if err := backend.DeleteObject(ctx, key); err != nil {
						logging.Error("purged object delete failed",
							zap.String("key", key), zap.Error(err))
					}
				}
				if len(keys) > 0 {
					logging.Info("trash auto-purge completed", zap.Int("purged", len(keys)))
				}
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
