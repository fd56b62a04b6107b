package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imaging-edge-proxy/receiver/internal/models"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) WriteDispatchAudits(ctx context.Context, entries []models.DispatchAudit) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range entries {
		entry := entries[i]
		if entry.OccurredAt.IsZero() {
			entry.OccurredAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO dispatch_audits (
				occurred_at, workspace_id, correlation_id, node_id,
				entity_type, entity_id, status, files_sent, files_total,
				error, payload
			) VALUES (
				$1, $2, $3, $4,
				$5, $6, $7, $8, $9,
				$10, $11
			)
		`,
			entry.OccurredAt,
			entry.WorkspaceID,
			entry.CorrelationID,
			entry.NodeID,
			entry.EntityType,
			entry.EntityID,
			entry.Status,
			entry.FilesSent,
			entry.FilesTotal,
			nullIfEmpty(entry.Error),
			entry.Payload,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
