package payer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/db"
)

type ruleSetRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &ruleSetRepoPG{pool: pool}
}

func (r *ruleSetRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const ruleSetCols = `id, payer, status, schema_version, rules, notes, version, created_time, updated_time,
	created_provenance_id, updated_provenance_id`

func scanRuleSet(row pgx.Row) (*RuleSet, error) {
	var rs RuleSet
	var rules []byte
	err := row.Scan(&rs.ID, &rs.Payer, &rs.Status, &rs.SchemaVersion, &rules, &rs.Notes, &rs.Version,
		&rs.CreatedTime, &rs.UpdatedTime, &rs.CreatedProvenanceID, &rs.UpdatedProvenanceID)
	rs.Rules = rules
	return &rs, err
}

func (r *ruleSetRepoPG) Create(ctx context.Context, rs *RuleSet) error {
	if rs.ID == uuid.Nil {
		rs.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_payer_rule_set (id, payer, status, schema_version, rules, notes, created_provenance_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING version, created_time, updated_time`,
		rs.ID, rs.Payer, rs.Status, rs.SchemaVersion, []byte(rs.Rules), rs.Notes, rs.CreatedProvenanceID,
	).Scan(&rs.Version, &rs.CreatedTime, &rs.UpdatedTime)
	if db.IsUniqueViolation(err) {
		return apperr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert payer rule set: %w", err)
	}
	return nil
}

func (r *ruleSetRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*RuleSet, error) {
	rs, err := scanRuleSet(r.conn(ctx).QueryRow(ctx, `SELECT `+ruleSetCols+` FROM som_payer_rule_set WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("PayerRuleSet", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get payer rule set: %w", err)
	}
	return rs, nil
}

func (r *ruleSetRepoPG) GetActive(ctx context.Context, payer string) (*RuleSet, error) {
	rs, err := scanRuleSet(r.conn(ctx).QueryRow(ctx, `
		SELECT `+ruleSetCols+` FROM som_payer_rule_set
		WHERE payer = $1 AND status = 'active'
		ORDER BY updated_time DESC LIMIT 1`, payer))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active payer rule set: %w", err)
	}
	return rs, nil
}

func (r *ruleSetRepoPG) List(ctx context.Context, payer string, limit int) ([]*RuleSet, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ruleSetCols+` FROM som_payer_rule_set
		WHERE ($1 = '' OR payer = $1)
		ORDER BY updated_time DESC LIMIT $2`, payer, limit)
	if err != nil {
		return nil, fmt.Errorf("list payer rule sets: %w", err)
	}
	defer rows.Close()
	var out []*RuleSet
	for rows.Next() {
		rs, err := scanRuleSet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payer rule set: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (r *ruleSetRepoPG) ArchiveActive(ctx context.Context, payer string, provenanceID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE som_payer_rule_set
		SET status = 'archived', version = version + 1, updated_time = NOW(), updated_provenance_id = $2
		WHERE payer = $1 AND status = 'active'`, payer, provenanceID)
	if err != nil {
		return 0, fmt.Errorf("archive active payer rule set: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *ruleSetRepoPG) Activate(ctx context.Context, id, provenanceID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE som_payer_rule_set
		SET status = 'active', version = version + 1, updated_time = NOW(), updated_provenance_id = $2
		WHERE id = $1`, id, provenanceID)
	if db.IsUniqueViolation(err) {
		return apperr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("activate payer rule set: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("PayerRuleSet", id.String())
	}
	return nil
}
