package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hibiken/asynq"

	"imaging-edge-proxy/receiver/internal/cleanup"
	"imaging-edge-proxy/receiver/internal/conn"
	"imaging-edge-proxy/receiver/internal/content"
	"imaging-edge-proxy/receiver/internal/dispatch"
	"imaging-edge-proxy/receiver/internal/handlers"
	"imaging-edge-proxy/receiver/internal/imaging"
	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/receiver/internal/nodes"
	"imaging-edge-proxy/receiver/internal/phi"
	"imaging-edge-proxy/receiver/internal/repos"
	"imaging-edge-proxy/receiver/internal/status"
	"imaging-edge-proxy/receiver/internal/storage"
	"imaging-edge-proxy/shared/authx"
	"imaging-edge-proxy/shared/cachex"
	"imaging-edge-proxy/shared/config"
	"imaging-edge-proxy/shared/dbx"
	"imaging-edge-proxy/shared/events"
	"imaging-edge-proxy/shared/httpx"
	"imaging-edge-proxy/shared/influxx"
	"imaging-edge-proxy/shared/logx"
	"imaging-edge-proxy/shared/metricsx"
	"imaging-edge-proxy/shared/mqx"
	"imaging-edge-proxy/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

// hubEmitter targets whichever connection currently owns the proxy
// identity. Events emitted while offline are dropped with a log line.
type hubEmitter struct {
	hub      *conn.Hub
	identity string
	log      logx.Logger
}

func (e *hubEmitter) Emit(ctx context.Context, ev events.Envelope) error {
	c, ok := e.hub.Get(e.identity)
	if !ok {
		e.log.Debug(ctx, "emit_dropped", "no live control connection",
			slog.String("event_type", ev.EventType),
		)
		return nil
	}
	return c.Emit(ctx, ev)
}

// phiAuthorizer adapts the JWT verifier to the anonymizer's capability
// check.
type phiAuthorizer struct {
	verifier *authx.JWTVerifier
}

func (a phiAuthorizer) AuthorizePHIRead(ctx context.Context, token string) error {
	_, err := a.verifier.RequirePHIRead(ctx, token)
	return err
}

func main() {
	cfg, problems := config.Load("receiver", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.ProxyKey == "" {
		problems = append(problems, config.Problem{Field: "PROXY_KEY", Message: "PROXY_KEY is required"})
	}
	if cfg.WorkspaceID == "" {
		problems = append(problems, config.Problem{Field: "WORKSPACE_ID", Message: "WORKSPACE_ID is required"})
	}
	if cfg.BackendAPIURL == "" {
		problems = append(problems, config.Problem{Field: "BACKEND_API_URL", Message: "BACKEND_API_URL is required"})
	}
	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AnonymizationEnabled {
		if cfg.PHIHashSecret == "" {
			problems = append(problems, config.Problem{Field: "PHI_HASH_SECRET", Message: "PHI_HASH_SECRET is required when anonymization is enabled"})
		}
		if cfg.PHIEncryptionKey == "" {
			problems = append(problems, config.Problem{Field: "PHI_ENCRYPTION_KEY", Message: "PHI_ENCRYPTION_KEY is required when anonymization is enabled"})
		}
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	metricsx.Register()

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "database init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()
	phiStore := repos.NewMappingsRepo(dbPool)
	catalog := repos.NewCatalogRepo(dbPool)

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		var err error
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Error(context.Background(), "redis_init_failed", "redis init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer cache.Close()
	}

	var producer *mqx.Producer
	if len(cfg.KafkaBrokers) > 0 {
		var err error
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer producer.Close()
	}

	influx := influxx.New(cfg)
	defer influx.Close()

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		var err error
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			logger.Error(context.Background(), "oidc_init_failed", "JWT verifier init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	cipher, err := phi.NewCipher(cfg.PHIEncryptionKey)
	if err != nil && cfg.AnonymizationEnabled {
		logger.Error(context.Background(), "phi_init_failed", "cipher init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var anonymizer *phi.Anonymizer
	var processor *imaging.ToggleProcessor
	if cfg.PHIHashSecret != "" && cipher != nil {
		var auth phi.Authorizer
		if verifier != nil {
			auth = phiAuthorizer{verifier: verifier}
		}
		anonymizer, err = phi.NewAnonymizer(cfg.PHIHashSecret, cipher, phiStore, auth)
		if err != nil {
			logger.Error(context.Background(), "phi_init_failed", "anonymizer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		processor = imaging.NewToggleProcessor(imaging.NewAnonymizeProcessor(anonymizer), cfg.AnonymizationEnabled)
	}

	layout := storage.NewLayout(cfg.StorageRoot)
	registry := nodes.NewRegistry()
	tracker := status.NewTracker()
	restoreSnapshots(context.Background(), logger, cache, registry, tracker)

	router := conn.NewRouter(logger)
	var hub *conn.Hub
	identity := cfg.ProxyID
	if identity == "" {
		identity = cfg.WorkspaceID
	}
	emitter := &hubEmitter{identity: identity, log: logger}

	orchOpts := dispatch.Options{
		MaxConcurrent: cfg.DispatchMaxConcurrent,
		NodeMaxSends:  cfg.NodeMaxConcurrentSends,
		RetryMax:      cfg.DownloadRetryMax,
		RetryDelay:    time.Duration(cfg.DownloadRetryDelay) * time.Second,
		AuditTopic:    cfg.KafkaAuditTopic,
		PreflightEcho: true,
	}
	orchDeps := dispatch.Deps{
		Log:        logger,
		Registry:   registry,
		Tracker:    tracker,
		Layout:     layout,
		Downloader: content.NewClient(cfg),
		Sender:     imaging.NewStorageSender(),
		Emitter:    emitter,
	}
	if processor != nil {
		orchDeps.Processor = processor
	}
	if anonymizer != nil && cfg.PHIServiceToken != "" {
		orchDeps.Restorer = imaging.NewDeanonymizeProcessor(anonymizer, cfg.PHIServiceToken)
	}
	if producer != nil {
		orchDeps.Auditor = producer
	}
	if influx.Enabled() {
		orchDeps.Recorder = influx
	}
	orch := dispatch.NewOrchestrator(orchOpts, orchDeps)

	deletion := handlers.NewDeletion(logger, catalog, layout)
	var snaps handlers.Snapshotter
	if cache != nil {
		snaps = cache
	}
	knobs := handlers.Knobs{RetryPolicy: orch.SetRetryPolicy}
	if processor != nil {
		knobs.AnonymizationEnabled = processor.SetEnabled
	}
	control := handlers.NewControl(logger, registry, tracker, snaps, knobs)

	router.Handle(events.TypePing, handlers.Ping(emitter))
	router.Handle(events.TypeSessionDelete, deletion.SessionDeleted)
	router.Handle(events.TypeScanDelete, deletion.ScanDeleted)
	intake := handlers.NewIntake(logger, catalog)
	router.Handle(events.TypeSubjectDisp, orch.Dispatch)
	router.Handle(events.TypeSessionDisp, intake.Wrap(orch.Dispatch))
	router.Handle(events.TypeScanDisp, intake.Wrap(orch.Dispatch))
	router.Handle(events.TypeNodesChanged, control.NodesChanged)
	router.Handle(events.TypeConfigChanged, control.ConfigChanged)
	router.Handle(events.TypeStatusChanged, control.StatusChanged)

	heartbeat := func() events.Envelope {
		online, total := registry.Counts()
		current, _ := tracker.Snapshot()
		return events.NewHeartbeat(cfg.WorkspaceID, identity, events.HeartbeatPayload{
			Status:           current,
			NodesOnline:      online,
			NodesTotal:       total,
			ActiveDispatches: orch.ActiveCount(),
			DiskUsageGB:      layout.DiskUsageGB(),
			Version:          version,
		})
	}
	hub = conn.NewHub(logger, conn.StaticKey{Key: cfg.ProxyKey, Identity: identity}, func(ws *websocket.Conn, id string) *conn.Conn {
		return conn.NewConn(conn.Config{
			Log:               logger,
			Router:            router,
			Hub:               hub,
			HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
			HeartbeatMisses:   cfg.HeartbeatMissesAllowed,
			Heartbeat:         heartbeat,
		}, ws, id)
	})
	emitter.hub = hub

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	handler := httpx.WithRecover(logger, mux)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{
		"/healthz": true,
		"/metrics": true,
	}}, handler)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var asynqServer *asynq.Server
	var scheduler *asynq.Scheduler
	if cfg.AsynqEnabled && cfg.AsynqRedisAddr != "" {
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.AsynqRedisAddr,
			Password: cfg.AsynqRedisPass,
			DB:       cfg.AsynqRedisDB,
		}
		asynqServer = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
			Queues:      map[string]int{cfg.AsynqQueue: 1},
		})
		defer asynqServer.Shutdown()

		asynqMux := asynq.NewServeMux()
		retention := time.Duration(cfg.StorageRetentionHour) * time.Hour
		asynqMux.HandleFunc(cleanup.TaskStorageSweep, cleanup.NewSweepHandler(logger, layout, cache.Client(), retention))

		scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
		defer scheduler.Shutdown()
		interval := "@every " + strconv.Itoa(cfg.SweepIntervalSec) + "s"
		if _, err := scheduler.Register(interval, asynq.NewTask(cleanup.TaskStorageSweep, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
			logger.Error(context.Background(), "scheduler_init_failed", "sweep scheduler init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		if err := scheduler.Start(); err != nil {
			logger.Error(context.Background(), "scheduler_start_failed", "sweep scheduler start failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		go func() {
			if err := asynqServer.Run(asynqMux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
				logger.Error(context.Background(), "sweep_worker_failed", "sweep worker failed",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "server_start", "receiver started",
			slog.Int("port", cfg.HTTPPort),
			slog.String("workspace_id", cfg.WorkspaceID),
			slog.Bool("anonymization_enabled", cfg.AnonymizationEnabled),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "http server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "shutdown_timeout", "http shutdown did not finish cleanly",
			slog.String("error", err.Error()),
		)
	}
	// Drain in-flight dispatch tasks before exiting.
	if err := orch.Wait(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "drain_timeout", "dispatch tasks still in flight at shutdown",
			slog.Int("active", orch.ActiveCount()),
		)
	}
	deletion.Wait()
	intake.Wait()
	control.Wait()
	logger.Info(context.Background(), "server_stop", "receiver stopped")
}

func restoreSnapshots(ctx context.Context, logger logx.Logger, cache *cachex.Client, registry *nodes.Registry, tracker *status.Tracker) {
	if cache == nil {
		return
	}
	var snapshot []models.Node
	if ok, err := cache.GetJSON(ctx, cachex.KeyNodeRegistry, &snapshot); err == nil && ok {
		specs := make([]events.NodeSpec, 0, len(snapshot))
		for _, n := range snapshot {
			specs = append(specs, events.NodeSpec{
				NodeID:      n.NodeID,
				Name:        n.Name,
				AETitle:     n.AETitle,
				Host:        n.Host,
				Port:        n.Port,
				StoragePath: n.StoragePath,
				IsActive:    n.IsActive,
				Deanonymize: n.Deanonymize,
			})
		}
		registry.Apply(nodes.ActionReplaced, specs)
		logger.Info(ctx, "registry_restored", "node registry restored from snapshot",
			slog.Int("nodes", len(specs)),
		)
	}
	var persisted struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if ok, err := cache.GetJSON(ctx, cachex.KeyProxyStatus, &persisted); err == nil && ok && persisted.Status != "" {
		tracker.Set(persisted.Status, persisted.Reason)
	}
}
