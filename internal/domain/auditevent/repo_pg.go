package auditevent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/preauth/internal/platform/db"
)

type auditRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &auditRepoPG{pool: pool}
}

func (r *auditRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const auditCols = `id, recorded_time, actor, operation, resource_type, resource_id,
	som_table, som_id, correlation_id, request_payload, result_payload, provenance_id`

func scanAudit(row pgx.Row) (*AuditEvent, error) {
	var a AuditEvent
	var req, res []byte
	err := row.Scan(&a.ID, &a.RecordedTime, &a.Actor, &a.Operation, &a.ResourceType, &a.ResourceID,
		&a.SOMTable, &a.SOMID, &a.CorrelationID, &req, &res, &a.ProvenanceID)
	a.RequestPayload = req
	a.ResultPayload = res
	return &a, err
}

func (r *auditRepoPG) Create(ctx context.Context, e *AuditEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_audit_event (id, actor, operation, resource_type, resource_id, som_table, som_id,
			correlation_id, request_payload, result_payload, provenance_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING recorded_time`,
		e.ID, e.Actor, e.Operation, e.ResourceType, e.ResourceID, e.SOMTable, e.SOMID,
		e.CorrelationID, nullJSON(e.RequestPayload), nullJSON(e.ResultPayload), e.ProvenanceID,
	).Scan(&e.RecordedTime)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (r *auditRepoPG) FindLatest(ctx context.Context, correlationID, operation, resourceType string, request []byte) (*AuditEvent, error) {
	query := `SELECT ` + auditCols + ` FROM som_audit_event
		WHERE correlation_id = $1 AND operation = $2 AND resource_type = $3`
	args := []interface{}{correlationID, operation, resourceType}
	if request != nil {
		// jsonb equality ignores key order and whitespace.
		query += ` AND request_payload = $4::jsonb`
		args = append(args, string(request))
	}
	query += ` ORDER BY recorded_time DESC LIMIT 1`

	e, err := scanAudit(r.conn(ctx).QueryRow(ctx, query, args...))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find prior audit event: %w", err)
	}
	return e, nil
}

func (r *auditRepoPG) Search(ctx context.Context, correlationID, resourceType string, resourceID *uuid.UUID, limit int) ([]*AuditEvent, error) {
	query := `SELECT ` + auditCols + ` FROM som_audit_event WHERE 1=1`
	var args []interface{}
	idx := 1
	if correlationID != "" {
		query += fmt.Sprintf(` AND correlation_id = $%d`, idx)
		args = append(args, correlationID)
		idx++
	}
	if resourceType != "" {
		query += fmt.Sprintf(` AND resource_type = $%d`, idx)
		args = append(args, resourceType)
		idx++
	}
	if resourceID != nil {
		query += fmt.Sprintf(` AND resource_id = $%d`, idx)
		args = append(args, *resourceID)
		idx++
	}
	query += fmt.Sprintf(` ORDER BY recorded_time DESC LIMIT $%d`, idx)
	args = append(args, limit)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AuditEvent
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
