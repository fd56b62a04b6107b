package repos

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/receiver/internal/phi"
)

// MappingsRepo is the durable phi.Store. ON CONFLICT DO NOTHING keeps
// the first stored ciphertext authoritative for an anonymized id.
// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type MappingsRepo struct {
	db DBTX
}

func NewMappingsRepo(db DBTX) *MappingsRepo {
	return &MappingsRepo{db: db}
}

func (r *MappingsRepo) PutIfAbsent(ctx context.Context, mapping models.PHIMapping) (bool, error) {
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = time.Now().UTC()
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO phi_mappings (workspace_id, anon_id, ciphertext, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, anon_id) DO NOTHING
	`, mapping.WorkspaceID, mapping.AnonID, mapping.Ciphertext, mapping.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *MappingsRepo) Get(ctx context.Context, workspaceID string, anonID string) (models.PHIMapping, error) {
	var mapping models.PHIMapping
	err := r.db.QueryRow(ctx, `
		SELECT workspace_id, anon_id, ciphertext, created_at
		FROM phi_mappings
		WHERE workspace_id = $1 AND anon_id = $2
	`, workspaceID, anonID).
		Scan(&mapping.WorkspaceID, &mapping.AnonID, &mapping.Ciphertext, &mapping.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PHIMapping{}, phi.ErrMappingNotFound
	}
	return mapping, err
}
