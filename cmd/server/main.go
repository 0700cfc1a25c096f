// Basket Server
//
// Features:
// - Prometheus metrics & structured logging (zap)
// - Per-user roots on local disk or S3
// - Chunked, resumable uploads
// - Trash with restore and retention
// - Public share links
// - Zip / tar.gz archive downloads
// - Audit log of every mutation (zap JSON lines)
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/basket/internal/api"
	"github.com/fruitsalade/basket/internal/archive"
	"github.com/fruitsalade/basket/internal/audit"
	"github.com/fruitsalade/basket/internal/auth"
	"github.com/fruitsalade/basket/internal/config"
	"github.com/fruitsalade/basket/internal/files"
	"github.com/fruitsalade/basket/internal/jsonstore"
	"github.com/fruitsalade/basket/internal/logging"
	"github.com/fruitsalade/basket/internal/metrics"
	"github.com/fruitsalade/basket/internal/share"
	"github.com/fruitsalade/basket/internal/storage/factory"
	"github.com/fruitsalade/basket/internal/storage/local"
	s3storage "github.com/fruitsalade/basket/internal/storage/s3"
	"github.com/fruitsalade/basket/internal/trash"
	"github.com/fruitsalade/basket/internal/upload"
)

// trashSweepInterval is how often expired trash is purged when
// TRASH_RETENTION is set.
const trashSweepInterval = 6 * time.Hour

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	logging.Info("Basket Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("backend", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Users
	users, err := auth.LoadDirectory(cfg.UsersFile)
	if err != nil {
		logging.Fatal("failed to load users", zap.Error(err))
	}
	authHandler := auth.New(users, cfg.JWTSecret, cfg.TokenTTL)
	logging.Info("user directory loaded", zap.Int("users", users.Len()))

	// Storage backend
	backendConfig, err := backendConfigJSON(cfg)
	if err != nil {
		logging.Fatal("invalid storage config", zap.Error(err))
	}
	backend, err := factory.NewBackendFromConfig(ctx, cfg.StorageBackend, backendConfig)
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()

	// Persisted state
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logging.Fatal("failed to create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}
	sessions, err := jsonstore.Open[upload.Session](cfg.DataDir, "uploads")
	if err != nil {
		logging.Fatal("failed to open upload sessions", zap.Error(err))
	}
	shareStore, err := openShareStore(ctx, cfg)
	if err != nil {
		logging.Fatal("failed to open share store", zap.Error(err))
	}
	shares := share.NewRegistry(shareStore)
	defer shares.Close()

	// Audit log
	auditLog, auditCloser, err := audit.Open(cfg.AuditLog)
	if err != nil {
		logging.Fatal("failed to open audit log", zap.Error(err))
	}
	defer auditCloser.Close()

	// Subsystems
	trashManager := trash.NewManager(backend)
	uploads := upload.NewCoordinator(backend, sessions, upload.Config{
		MaxPartSize: cfg.MaxPartSize,
		Expiry:      cfg.UploadExpiry,
	})
	uploads.StartCleanup(ctx)
	if cfg.TrashRetention > 0 {
		trashManager.StartRetention(ctx, users.Roots, cfg.TrashRetention, trashSweepInterval)
		logging.Info("trash retention enabled", zap.Duration("retention", cfg.TrashRetention))
	}

	svc := files.New(files.Deps{
		Backend:  backend,
		Trash:    trashManager,
		Uploads:  uploads,
		Shares:   shares,
		Archives: archive.NewBuilder(archive.Config{StoreCutoff: cfg.ArchiveStoreCutoff, ScratchDir: filepath.Join(cfg.DataDir, "scratch")}),
		Audit:    auditLog,
	}, files.Config{
		MaxEditSize:    cfg.MaxEditSize,
		PreviewMaxSize: cfg.PreviewMaxSize,
	})

	// Create API server
	srv := api.NewServer(authHandler, svc)

	// Start metrics server
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

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	if cfg.TLSEnabled() {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	if cfg.TLSEnabled() {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}

func backendConfigJSON(cfg *config.Config) (json.RawMessage, error) {
	if cfg.StorageBackend == "s3" {
		return json.Marshal(s3storage.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			Prefix:    cfg.S3Prefix,
		})
	}
	return json.Marshal(local.Config{
		UploadDir:  cfg.LocalUploadDir,
		CreateDirs: true,
	})
}

// openShareStore uses PostgreSQL when DATABASE_URL is set and a JSON table
// in the data dir otherwise.
func openShareStore(ctx context.Context, cfg *config.Config) (share.Store, error) {
	if cfg.DatabaseURL == "" {
		logging.Info("share links stored in data dir", zap.String("dir", cfg.DataDir))
		return share.OpenFileStore(cfg.DataDir)
	}

	logging.Info("connecting to PostgreSQL...")
	store, err := share.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
