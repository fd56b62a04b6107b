package repos

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/receiver/internal/phi"
)

// memDB is an in-memory DBTX covering the two mapping queries.
type memDB struct {
	rows map[string]models.PHIMapping
}

func mappingKey(workspaceID string, anonID string) string {
	return workspaceID + "/" + anonID
}

func (db *memDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	key := mappingKey(args[0].(string), args[1].(string))
	if _, ok := db.rows[key]; ok {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	db.rows[key] = models.PHIMapping{
		WorkspaceID: args[0].(string),
		AnonID:      args[1].(string),
		Ciphertext:  args[2].([]byte),
		CreatedAt:   args[3].(time.Time),
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (db *memDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (db *memDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	m, ok := db.rows[mappingKey(args[0].(string), args[1].(string))]
	if !ok {
		return mappingRow{err: pgx.ErrNoRows}
	}
	return mappingRow{m: m}
}

type mappingRow struct {
	m   models.PHIMapping
	err error
}

func (r mappingRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.m.WorkspaceID
	*dest[1].(*string) = r.m.AnonID
	*dest[2].(*[]byte) = r.m.Ciphertext
	*dest[3].(*time.Time) = r.m.CreatedAt
	return nil
}

func TestMappingsRepoFirstWriteWins(t *testing.T) {
	repo := NewMappingsRepo(&memDB{rows: map[string]models.PHIMapping{}})

	first := models.PHIMapping{
		WorkspaceID: "ws_1",
		AnonID:      "ANON-0011223344AA",
		Ciphertext:  []byte("ciphertext-1"),
	}
	inserted, err := repo.PutIfAbsent(context.Background(), first)
	if err != nil || !inserted {
		t.Fatalf("first put: inserted=%v err=%v", inserted, err)
	}

	second := first
	second.Ciphertext = []byte("ciphertext-2")
	inserted, err = repo.PutIfAbsent(context.Background(), second)
	if err != nil || inserted {
		t.Fatalf("conflicting put must not replace: inserted=%v err=%v", inserted, err)
	}

	got, err := repo.Get(context.Background(), "ws_1", "ANON-0011223344AA")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Ciphertext, first.Ciphertext) {
		t.Fatalf("stored ciphertext = %q, want the first write", got.Ciphertext)
	}
}

func TestMappingsRepoGetMissing(t *testing.T) {
	repo := NewMappingsRepo(&memDB{rows: map[string]models.PHIMapping{}})

	_, err := repo.Get(context.Background(), "ws_1", "ANON-FFFFFFFFFFFF")
	if !errors.Is(err, phi.ErrMappingNotFound) {
		t.Fatalf("expected ErrMappingNotFound, got %v", err)
	}
}
