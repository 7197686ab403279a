package provenance

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/db"
)

type provenanceRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &provenanceRepoPG{pool: pool}
}

func (r *provenanceRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const provCols = `id, source_system, recorded_time, activity, author, original_record_ref,
	correlation_id, target_resource_type, target_resource_id, target_som_table, target_som_id, extensions`

func (r *provenanceRepoPG) scanProv(row pgx.Row) (*Provenance, error) {
	var p Provenance
	err := row.Scan(&p.ID, &p.SourceSystem, &p.RecordedTime, &p.Activity, &p.Author, &p.OriginalRecordRef,
		&p.CorrelationID, &p.TargetResourceType, &p.TargetResourceID, &p.TargetSOMTable, &p.TargetSOMID, &p.Extensions)
	return &p, err
}

func (r *provenanceRepoPG) Create(ctx context.Context, p *Provenance) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Extensions == nil {
		p.Extensions = map[string]interface{}{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_provenance (id, source_system, activity, author, original_record_ref, correlation_id,
			target_resource_type, target_resource_id, target_som_table, target_som_id, extensions)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING recorded_time`,
		p.ID, p.SourceSystem, p.Activity, p.Author, p.OriginalRecordRef, p.CorrelationID,
		p.TargetResourceType, p.TargetResourceID, p.TargetSOMTable, p.TargetSOMID, p.Extensions,
	).Scan(&p.RecordedTime)
	if err != nil {
		return fmt.Errorf("insert provenance: %w", err)
	}
	return nil
}

func (r *provenanceRepoPG) SetTarget(ctx context.Context, id uuid.UUID, t Target) error {
	var p Provenance
	p.applyTarget(t)
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE som_provenance SET target_resource_type=$2, target_resource_id=$3,
			target_som_table=$4, target_som_id=$5
		WHERE id = $1`,
		id, p.TargetResourceType, p.TargetResourceID, p.TargetSOMTable, p.TargetSOMID)
	if err != nil {
		return fmt.Errorf("set provenance target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Provenance", id.String())
	}
	return nil
}

func (r *provenanceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Provenance, error) {
	p, err := r.scanProv(r.conn(ctx).QueryRow(ctx, `SELECT `+provCols+` FROM som_provenance WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("Provenance", id.String())
	}
	return p, err
}

func (r *provenanceRepoPG) ListByTarget(ctx context.Context, resourceType string, resourceID uuid.UUID, limit int) ([]*Provenance, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+provCols+` FROM som_provenance
		WHERE target_resource_type = $1 AND target_resource_id = $2
		ORDER BY recorded_time DESC LIMIT $3`, resourceType, resourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Provenance
	for rows.Next() {
		p, err := r.scanProv(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
