package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/receiver/internal/repos"
	"imaging-edge-proxy/shared/config"
	"imaging-edge-proxy/shared/dbx"
	"imaging-edge-proxy/shared/events"
	"imaging-edge-proxy/shared/logx"
	"imaging-edge-proxy/shared/metricsx"
	"imaging-edge-proxy/shared/mqx"
	"imaging-edge-proxy/shared/observability"
)

func main() {
	cfg, problems := config.Load("dispatch-auditor", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
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

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	reader, err := mqx.NewConsumer(cfg, cfg.KafkaAuditTopic, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	auditRepo := repos.NewAuditRepo(dbPool)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "auditor_start", "dispatch auditor started",
		slog.String("topic", cfg.KafkaAuditTopic),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", cfg.KafkaAuditTopic),
		)
		if err := handleAuditEvent(spanCtx, auditRepo, msg.Value); err != nil {
			span.End()
			logger.Error(ctx, "event_handle_failed", "failed to handle audit event",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			continue
		}
		span.End()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "auditor_stop", "dispatch auditor stopped")
}

func handleAuditEvent(ctx context.Context, auditRepo *repos.AuditRepo, payload []byte) error {
	envelope, err := events.Decode(payload)
	if err != nil {
		return err
	}
	if envelope.WorkspaceID == "" || envelope.EntityID == "" {
		return errors.New("missing workspace_id/entity_id")
	}
	var status events.DispatchStatusPayload
	if err := envelope.DecodePayload(&status); err != nil {
		return err
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, envelope.Timestamp)
	if err != nil {
		occurredAt = time.Now().UTC()
	}
	entry := models.DispatchAudit{
		OccurredAt:    occurredAt,
		WorkspaceID:   envelope.WorkspaceID,
		CorrelationID: envelope.CorrelationID,
		NodeID:        status.NodeID,
		EntityType:    envelope.EntityType,
		EntityID:      envelope.EntityID,
		Status:        status.Status,
		FilesSent:     status.FilesSent,
		FilesTotal:    status.FilesTotal,
		Error:         status.Error,
		Payload:       envelope.Payload,
	}
	return auditRepo.WriteDispatchAudits(ctx, []models.DispatchAudit{entry})
}
