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

	"github.com/sitescope-labs/sitescope-go/internal/agents"
	"github.com/sitescope-labs/sitescope-go/internal/artifacts"
	"github.com/sitescope-labs/sitescope-go/internal/broadcast"
	"github.com/sitescope-labs/sitescope-go/internal/checkpoint"
	"github.com/sitescope-labs/sitescope-go/internal/coordinator"
	"github.com/sitescope-labs/sitescope-go/internal/domain"
	"github.com/sitescope-labs/sitescope-go/internal/executor"
	"github.com/sitescope-labs/sitescope-go/internal/phasegraph"
	"github.com/sitescope-labs/sitescope-go/internal/platform/auditlog"
	"github.com/sitescope-labs/sitescope-go/internal/platform/auth"
	"github.com/sitescope-labs/sitescope-go/internal/platform/env"
	"github.com/sitescope-labs/sitescope-go/internal/platform/httpserver"
	"github.com/sitescope-labs/sitescope-go/internal/platform/objectstore"
	"github.com/sitescope-labs/sitescope-go/internal/platform/postgres"
	"github.com/sitescope-labs/sitescope-go/internal/repo"
	repopg "github.com/sitescope-labs/sitescope-go/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("SITESCOPE_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("SITESCOPE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
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

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBucket(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	internalAuthSecret := env.String("SITESCOPE_INTERNAL_AUTH_SECRET", "")
	headersAuth := auth.NewGatewayHeadersAuthenticator(internalAuthSecret)

	basePhases := phasegraph.DefaultPhases()
	if planFile := env.String("SITESCOPE_PHASE_PLAN_FILE", ""); planFile != "" {
		basePhases, err = phasegraph.LoadFile(planFile)
		if err != nil {
			logger.Error("invalid phase plan file", "path", planFile, "error", err)
			os.Exit(2)
		}
	}

	execCfg := executor.DefaultConfig()
	if execCfg.Workers, err = env.Int("SITESCOPE_EXECUTOR_WORKERS", execCfg.Workers); err != nil {
		logger.Error("invalid executor workers", "error", err)
		os.Exit(2)
	}
	if execCfg.MaxParallelPhases, err = env.Int("SITESCOPE_MAX_PARALLEL_PHASES", execCfg.MaxParallelPhases); err != nil {
		logger.Error("invalid max parallel phases", "error", err)
		os.Exit(2)
	}
	if execCfg.MaxParallelAgentsPerPhase, err = env.Int("SITESCOPE_MAX_PARALLEL_AGENTS", execCfg.MaxParallelAgentsPerPhase); err != nil {
		logger.Error("invalid max parallel agents", "error", err)
		os.Exit(2)
	}
	if execCfg.AgentAttempts, err = env.Int("SITESCOPE_AGENT_ATTEMPTS", execCfg.AgentAttempts); err != nil {
		logger.Error("invalid agent attempts", "error", err)
		os.Exit(2)
	}
	if execCfg.AgentBackoff, err = env.Duration("SITESCOPE_AGENT_BACKOFF", execCfg.AgentBackoff); err != nil {
		logger.Error("invalid agent backoff", "error", err)
		os.Exit(2)
	}
	if execCfg.LeaseDuration, err = env.Duration("SITESCOPE_TASK_LEASE", execCfg.LeaseDuration); err != nil {
		logger.Error("invalid task lease", "error", err)
		os.Exit(2)
	}
	if execCfg.PollInterval, err = env.Duration("SITESCOPE_TASK_POLL_INTERVAL", execCfg.PollInterval); err != nil {
		logger.Error("invalid task poll interval", "error", err)
		os.Exit(2)
	}

	heartbeat, err := env.Duration("SITESCOPE_STREAM_HEARTBEAT", 15*time.Second)
	if err != nil {
		logger.Error("invalid stream heartbeat", "error", err)
		os.Exit(2)
	}

	runs := repopg.NewRunStore(db)
	checkpoints := checkpoint.NewStore(repopg.NewCheckpointStore(db))
	jobs := repopg.NewJobStore(db)
	tasks := repopg.NewTaskQueue(db)
	artifactStore := artifacts.NewStore(storeClient, storeCfg.BucketReports)

	hub := broadcast.NewHub(logger, snapshotSource{runs: runs, checkpoints: checkpoints})

	registry := executor.NewRegistry()
	if err := agents.Register(registry); err != nil {
		logger.Error("agent registration failed", "error", err)
		os.Exit(2)
	}

	exec, err := executor.New(logger, execCfg, runs, jobs, checkpoints, tasks, hub, registry, basePhases, artifactStore)
	if err != nil {
		logger.Error("executor init failed", "error", err)
		os.Exit(2)
	}
	exec.Start(ctx)

	runsService := coordinator.New(logger, runs, jobs, tasks)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("audits"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"audits",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBucket(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newAuditsAPI(logger, db, runsService, runs, jobs, artifactStore, hub, heartbeat)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: headersAuth,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "audits", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "audits",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "audits", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// snapshotSource assembles authoritative snapshot events for the hub from
// the run row plus its checkpoint.
type snapshotSource struct {
	runs        repo.RunRepository
	checkpoints *checkpoint.Store
}

func (s snapshotSource) SnapshotEvent(ctx context.Context, runID string) (domain.ProgressEvent, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return domain.ProgressEvent{}, err
	}
	snapshot, err := s.checkpoints.Snapshot(ctx, run)
	if err != nil {
		return domain.ProgressEvent{}, err
	}
	return domain.SnapshotEvent(runID, snapshot), nil
}
