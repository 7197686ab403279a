package blobstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/db"
)

// PGStore keeps blobs in the som_binary table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

func (s *PGStore) Put(ctx context.Context, b *Blob) error {
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_binary (id, content_type, data, size_bytes, sha256_hex, created_provenance_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_time, version`,
		b.ID, b.ContentType, b.Data, b.Size, b.SHA256Hex, b.ProvenanceID,
	).Scan(&b.CreatedTime, &b.Version)
	if db.IsUniqueViolation(err) {
		return apperr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert binary: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Blob, error) {
	var b Blob
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, content_type, data, size_bytes, sha256_hex, created_time, version, created_provenance_id
		FROM som_binary WHERE id = $1`, id).
		Scan(&b.ID, &b.ContentType, &b.Data, &b.Size, &b.SHA256Hex, &b.CreatedTime, &b.Version, &b.ProvenanceID)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("Binary", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get binary: %w", err)
	}
	return &b, nil
}

func (s *PGStore) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := s.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM som_binary WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("binary exists: %w", err)
	}
	return ok, nil
}
