package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coderaugment/bonsai-app-sub000/internal/agentruntime"
	"github.com/coderaugment/bonsai-app-sub000/internal/app"
	"github.com/coderaugment/bonsai-app-sub000/internal/attachment"
	"github.com/coderaugment/bonsai-app-sub000/internal/audit"
	"github.com/coderaugment/bonsai-app-sub000/internal/config"
	"github.com/coderaugment/bonsai-app-sub000/internal/dispatch"
	"github.com/coderaugment/bonsai-app-sub000/internal/document"
	"github.com/coderaugment/bonsai-app-sub000/internal/export"
	"github.com/coderaugment/bonsai-app-sub000/internal/gitrepo"
	"github.com/coderaugment/bonsai-app-sub000/internal/presence"
	"github.com/coderaugment/bonsai-app-sub000/internal/search"
	"github.com/coderaugment/bonsai-app-sub000/internal/store"
	"github.com/coderaugment/bonsai-app-sub000/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("bonsai api exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "bonsai-api",
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "err", err)
		}
	}()

	driver, err := store.ParseDriver(cfg.DBDriver)
	if err != nil {
		return err
	}
	if dir := sqliteDir(driver, cfg.DatabaseURL); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := store.Migrate(driver, cfg.DatabaseURL); err != nil {
		return err
	}
	db, err := store.Open(ctx, driver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	dataStore := store.NewSQLStore(db, driver)

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		return err
	}
	archive := gitrepo.New(cfg.ArchiveDir)
	auditLog := audit.New(dataStore, logger)
	documents := document.NewManager(dataStore, auditLog,
		document.WithArchiver(archive),
		document.WithLogger(logger),
	)

	var runtime agentruntime.Runtime = agentruntime.Noop{}
	if strings.TrimSpace(cfg.AgentRuntimeURL) != "" {
		runtime = agentruntime.NewHTTPClient(cfg.AgentRuntimeURL, cfg.AgentRuntimeKey, cfg.DispatchTimeout)
	} else {
		logger.Warn("no agent runtime configured, dispatches are dropped")
	}

	coordinatorOpts := []dispatch.Option{dispatch.WithLogger(logger)}
	var cooldown app.Cooldown
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := presence.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		logger.Info("using redis for presence and cooldown")
		gate := agentruntime.NewCooldownGate(runtime, redisStore.Client(), cfg.CooldownWindow)
		runtime, cooldown = gate, gate
		coordinatorOpts = append(coordinatorOpts, dispatch.WithPresence(redisStore))
	}

	directory := dispatch.NewDirectory(cfg.RoleSlugs)
	refresher := dispatch.NewRefresher(directory, dataStore, logger)
	if err := refresher.Refresh(ctx); err != nil {
		logger.Warn("initial mention directory load failed", "err", err)
	}
	if err := refresher.Schedule(cfg.DirectoryRefresh); err != nil {
		return err
	}

	coordinator := dispatch.New(dispatch.Config{
		Debounce:        cfg.DispatchDebounce,
		WatchdogTimeout: cfg.WatchdogTimeout,
		DispatchTimeout: cfg.DispatchTimeout,
	}, runtime, directory, auditLog, coordinatorOpts...)

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, search.NewFallback(dataStore), logger)
	go func() {
		if err := searchService.ReindexAll(ctx, dataStore); err != nil {
			logger.Warn("search reindex failed", "err", err)
		}
	}()

	var blobs attachment.Store = attachment.NewMemory()
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := attachment.NewMinioStore(ctx, attachment.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			return err
		}
		blobs = minioStore
	} else {
		logger.Warn("no object storage configured, attachments are kept in memory")
	}

	service := app.New(app.Deps{
		Store:       dataStore,
		Documents:   documents,
		Audit:       auditLog,
		Coordinator: coordinator,
		Archive:     archive,
		Search:      searchService,
		Attachments: blobs,
		Exporter:    export.NewService(dataStore),
		Directory:   refresher,
		Cooldown:    cooldown,
		Logger:      logger,
	})

	coordinatorDone := make(chan error, 1)
	go func() { coordinatorDone <- coordinator.Run(ctx) }()
	refresherDone := make(chan error, 1)
	go func() { refresherDone <- refresher.Start(ctx) }()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("bonsai api listening", "addr", cfg.Addr, "db_driver", string(driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			return err
		}
	}
	logger.Info("shutting down")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "err", err)
	}
	<-coordinatorDone
	<-refresherDone
	searchService.Wait()
	return nil
}

// sqliteDir is the directory holding a file-backed sqlite database.
func sqliteDir(driver store.Driver, dsn string) string {
	if driver != store.DriverSQLite {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return filepath.Dir(path)
}
