package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corral-labs/corral-go/internal/auditexport"
	"github.com/corral-labs/corral-go/internal/orchestrator"
	"github.com/corral-labs/corral-go/internal/platform/auditlog"
	"github.com/corral-labs/corral-go/internal/platform/auth"
	"github.com/corral-labs/corral-go/internal/platform/env"
	"github.com/corral-labs/corral-go/internal/platform/httpserver"
	platformstore "github.com/corral-labs/corral-go/internal/platform/objectstore"
	"github.com/corral-labs/corral-go/internal/platform/postgres"
	repodb "github.com/corral-labs/corral-go/internal/repo/postgres"
	"github.com/corral-labs/corral-go/internal/service/imports"
	"github.com/corral-labs/corral-go/internal/storage/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("IMPORT_CONSOLE_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("IMPORT_CONSOLE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	syncInterval, err := env.Duration("IMPORT_CONSOLE_SYNC_INTERVAL", 2*time.Second)
	if err != nil {
		logger.Error("invalid sync interval", "error", err)
		os.Exit(2)
	}
	completedWindow, err := env.Duration("IMPORT_CONSOLE_COMPLETED_WINDOW", time.Minute)
	if err != nil {
		logger.Error("invalid completed window", "error", err)
		os.Exit(2)
	}
	uploadMaxBytes, err := env.Int("IMPORT_CONSOLE_UPLOAD_MAX_BYTES", 2<<30)
	if err != nil {
		logger.Error("invalid upload max bytes", "error", err)
		os.Exit(2)
	}
	uploadTimeout, err := env.Duration("IMPORT_CONSOLE_UPLOAD_TIMEOUT", 15*time.Minute)
	if err != nil {
		logger.Error("invalid upload timeout", "error", err)
		os.Exit(2)
	}
	uploadConcurrency, err := env.Int("IMPORT_CONSOLE_UPLOAD_CONCURRENCY", 4)
	if err != nil {
		logger.Error("invalid upload concurrency", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := platformstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := platformstore.EnsureBucket(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	store, err := objectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}

	orchCfg, err := orchestrator.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid orchestrator config", "error", err)
		os.Exit(2)
	}
	orchClient, err := orchestrator.New(orchCfg)
	if err != nil {
		logger.Error("orchestrator client init failed", "error", err)
		os.Exit(2)
	}

	registry, err := orchestrator.LoadRegistry(env.String("ORCH_FLOWS_FILE", "flows.yaml"))
	if err != nil {
		logger.Error("invalid flow registry", "error", err)
		os.Exit(2)
	}

	exportCfg, err := auditexport.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid audit export config", "error", err)
		os.Exit(2)
	}
	var exporter auditexport.Exporter = auditexport.NoopExporter{}
	if exportCfg.Enabled() {
		exportFile, err := os.OpenFile(exportCfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("audit export file unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = exportFile.Close() }()
		exporter = auditexport.NewNDJSONExporter(exportFile)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			serviceName,
			httpserver.ReadinessCheck{
				Name:  "postgres",
				Check: postgres.PingCheck(db, 750*time.Millisecond),
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return platformstore.CheckBucket(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeDisabled:
		authenticator = auth.AnonymousAuthenticator{}
	default:
		oidc, err := auth.NewOIDCService(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(1)
		}
		login, err := oidc.LoginHandler()
		if err != nil {
			logger.Error("oidc login handler init failed", "error", err)
			os.Exit(2)
		}
		callback, err := oidc.CallbackHandler()
		if err != nil {
			logger.Error("oidc callback handler init failed", "error", err)
			os.Exit(2)
		}
		mux.HandleFunc("/auth/login", login)
		mux.HandleFunc("/auth/callback", callback)
		mux.HandleFunc("/auth/logout", oidc.LogoutHandler())
		mux.HandleFunc("/auth/session", oidc.SessionHandler())
		authenticator = oidc
	}

	datasets := repodb.NewDatasetStore(db)
	runs := repodb.NewImportRunStore(db)

	svc := imports.New(imports.Deps{
		Datasets: datasets,
		Runs:     runs,
		Store:    store,
		Bucket:   storeCfg.Bucket,
		Client:   orchClient,
		Registry: registry,
		Logger:   logger,
	})
	if svc == nil {
		logger.Error("import service init failed")
		os.Exit(1)
	}

	uploader := imports.NewUploader(store, storeCfg.Bucket, uploadConcurrency, logger)

	api := newImportConsoleAPI(
		logger,
		db,
		datasets,
		runs,
		svc,
		uploader,
		exporter,
		registry,
		orchClient,
		int64(uploadMaxBytes),
		uploadTimeout,
	)
	api.register(mux)

	startRunSyncer(ctx, logger, db, orchClient, store, storeCfg.Bucket, exporter, syncInterval, completedWindow)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, serviceName, event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz", "/auth/"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         serviceName,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
		ReadTimeout:     uploadTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, serviceName, handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
