package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imaging-edge-proxy/receiver/internal/models"
)

// CatalogRepo tracks the sessions and scans this proxy has received,
// so deletion events can be honored long after the dispatch finished.
type CatalogRepo struct {
	pool *pgxpool.Pool
}

func NewCatalogRepo(pool *pgxpool.Pool) *CatalogRepo {
	return &CatalogRepo{pool: pool}
}

func (r *CatalogRepo) UpsertSession(ctx context.Context, s models.Session) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, subject_id, workspace_id, label, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id, session_id) DO UPDATE
		SET subject_id = EXCLUDED.subject_id, label = EXCLUDED.label, deleted_at = NULL
	`, s.SessionID, s.SubjectID, s.WorkspaceID, s.Label, now)
	return err
}

func (r *CatalogRepo) UpsertScan(ctx context.Context, s models.Scan) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scans (scan_id, session_id, workspace_id, scan_number, study_instance_uid, file_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workspace_id, study_instance_uid, scan_number) DO UPDATE
		SET file_count = EXCLUDED.file_count, deleted_at = NULL
	`, s.ScanID, s.SessionID, s.WorkspaceID, s.ScanNumber, s.StudyInstanceUID, s.FileCount, now)
	return err
}

// DeleteSession soft-deletes a session and cascades to its scans.
// Deleting a session that is absent or already deleted succeeds.
func (r *CatalogRepo) DeleteSession(ctx context.Context, workspaceID string, sessionID string) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE sessions SET deleted_at = $3
		WHERE workspace_id = $1 AND session_id = $2 AND deleted_at IS NULL
	`, workspaceID, sessionID, now)
	if err != nil {
		return false, err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE scans SET deleted_at = $3
		WHERE workspace_id = $1 AND session_id = $2 AND deleted_at IS NULL
	`, workspaceID, sessionID, now); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteScan soft-deletes by study instance UID and scan number, the
// identifiers downstream systems address scans by. Missing rows are a
// success: the deletion already took effect.
func (r *CatalogRepo) DeleteScan(ctx context.Context, workspaceID string, studyInstanceUID string, scanNumber int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scans SET deleted_at = $4
		WHERE workspace_id = $1 AND study_instance_uid = $2 AND scan_number = $3 AND deleted_at IS NULL
	`, workspaceID, studyInstanceUID, scanNumber, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *CatalogRepo) ListScansBySession(ctx context.Context, workspaceID string, sessionID string) ([]models.Scan, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT scan_id, session_id, workspace_id, scan_number, study_instance_uid, file_count, created_at, deleted_at
		FROM scans
		WHERE workspace_id = $1 AND session_id = $2 AND deleted_at IS NULL
		ORDER BY scan_number
	`, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []models.Scan
	for rows.Next() {
		var scan models.Scan
		if err := rows.Scan(&scan.ScanID, &scan.SessionID, &scan.WorkspaceID, &scan.ScanNumber, &scan.StudyInstanceUID, &scan.FileCount, &scan.CreatedAt, &scan.DeletedAt); err != nil {
			return nil, err
		}
		scans = append(scans, scan)
	}
	return scans, rows.Err()
}
