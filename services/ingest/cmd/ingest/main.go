package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"whatsorganizer/internal/ratelimit"
	"whatsorganizer/internal/util"
	"whatsorganizer/pkg/chatexport"
	"whatsorganizer/pkg/storage"
	"whatsorganizer/services/ingest/internal/app"
	"whatsorganizer/services/ingest/internal/config"
	"whatsorganizer/services/ingest/internal/server"
)

func main() {
	cfg, err := config.Load(os.Getenv("INGEST_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger("ingest", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var source storage.ArchiveSource
	if cfg.ObjectStorageEnabled() {
		store, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
		source = store
	}

	limits := chatexport.Limits{
		MaxArchiveBytes: cfg.MaxUploadBytes,
		MaxEntryBytes:   cfg.MaxEntryBytes,
		MaxTotalBytes:   cfg.MaxTotalBytes,
		MaxEntries:      cfg.MaxEntries,
	}
	appCore, err := app.New(app.Config{
		Limits:         limits,
		HeaderPatterns: cfg.HeaderPatterns,
		Source:         source,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
		defer limiter.Close()
		if err := limiter.Ping(ctx); err != nil {
			logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "err", err)
		}
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		MaxUploadBytes: appCore.Limits().MaxArchiveBytes,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: cfg.TrustedProxies,
		Limiter:        limiter,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	archiveLimits := appCore.Limits()
	slog.Info("ingest server listening",
		"addr", addr,
		"max_archive", humanize.IBytes(uint64(archiveLimits.MaxArchiveBytes)),
		"max_entry", humanize.IBytes(uint64(archiveLimits.MaxEntryBytes)),
		"max_total", humanize.IBytes(uint64(archiveLimits.MaxTotalBytes)),
		"object_storage", source != nil,
		"rate_limit", cfg.RateLimitPerMinute,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
