package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/italolelis/download_manager/internal/cleanup"
	"github.com/italolelis/download_manager/internal/config"
	"github.com/italolelis/download_manager/internal/downloader"
	"github.com/italolelis/download_manager/internal/http/rest"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/notifier"
	"github.com/italolelis/download_manager/internal/probe"
	"github.com/italolelis/download_manager/internal/reconcile"
	"github.com/italolelis/download_manager/internal/scanner"
	"github.com/italolelis/download_manager/internal/service"
	"github.com/italolelis/download_manager/internal/storage/sqlite"
	"github.com/italolelis/download_manager/internal/svc/arr"
	"github.com/italolelis/download_manager/internal/taskpool"
	"github.com/italolelis/download_manager/internal/telemetry"
	"github.com/italolelis/download_manager/internal/wake"
)

func serve(_ *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	)).With("instance_id", service.GenerateInstanceID())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("download manager starting...", "version", version, "log_level", cfg.LogLevel)

	return run(logctx.WithLogger(ctx, logger), cfg)
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewInstrumentedDownloadRepository(sqlite.NewDownloadRepository(database), tel)

	// =========================================================================
	// Start Download Service
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	var svc *service.Service

	limit := config.NewParallelLimit(cfg.MaxParallel)

	pool := taskpool.New(workCtx, limit, func(id int64, err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("download task returned", "download_id", id, "err", err)
		}

		svc.NotifyChanged(service.TriggerTaskDone)
	})

	wakeScheduler := wake.New(workCtx, func() { svc.NotifyChanged(service.TriggerRetry) })
	defer wakeScheduler.Close()

	var indexer scanner.Indexer
	if cfg.ArrBaseURL != "" {
		indexer = arr.NewClient(cfg.ArrAPIKey, cfg.ArrBaseURL)
	}

	mediaScanner := scanner.New(workCtx, indexer, store, tel, func(int64) {
		svc.NotifyChanged(service.TriggerScanDone)
	})

	fs := afero.NewOsFs()
	snapshot := notifier.NewSnapshot()
	renderers := notifier.Multi{snapshot, notifier.NewLogRenderer()}

	var discord *notifier.DiscordRenderer
	if cfg.DiscordWebhookURL != "" {
		discord = notifier.NewDiscordRenderer(workCtx, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), tel)
		renderers = append(renderers, discord)
	}

	engine := reconcile.New(reconcile.Deps{
		Store: store,
		Pool:  pool,
		Downloader: downloader.New(downloader.Config{
			InternalDir: cfg.TargetDir,
			ExternalDir: cfg.ExternalDir,
			MaxRetries:  cfg.MaxRetries,
		}, fs, store, tel),
		Prober:    probe.NewContentLengthFetcher(cfg.ProbeTimeout, tel),
		Scanner:   mediaScanner,
		Remover:   cleanup.NewRemover(fs),
		Wake:      wakeScheduler,
		Renderer:  renderers,
		Telemetry: tel,
	}, reconcile.Options{SequentialBatches: cfg.SequentialBatches})

	svc = service.New(engine, &service.Lifecycle{}, tel, service.Config{
		WatchdogDelay: cfg.WatchdogDelay,
		ExitWhenIdle:  cfg.ExitWhenIdle,
	})

	unsubscribe := store.Subscribe(func() { svc.NotifyChanged(service.TriggerChanged) })
	defer unsubscribe()

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, rest.NewDownloadsHandler(
		cfg.API.Username, cfg.API.Password, snapshot, svc, limit, store,
	))

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	serviceErrors := make(chan error, 1)

	go func() {
		serviceErrors <- svc.Run(ctx)
	}()

	token := svc.NotifyStart()

	logger.Info("waiting for downloads...",
		"start_token", token,
		"target_dir", cfg.TargetDir,
		"external_dir", cfg.ExternalDir,
		"max_parallel", cfg.MaxParallel,
		"exit_when_idle", cfg.ExitWhenIdle,
	)

	var runErr error

	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-serviceErrors:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("service error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("start shutdown")

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	cancelWork()
	pool.Wait()
	mediaScanner.Wait()

	if discord != nil {
		<-discord.Done()
	}

	return runErr
}

// setupServer prepares the handlers and middlewares of the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, h *rest.DownloadsHandler) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", h.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
