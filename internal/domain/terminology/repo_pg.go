package terminology

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/db"
)

type terminologyRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &terminologyRepoPG{pool: pool}
}

func (r *terminologyRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const conceptCols = `c.id, c.code_system_id, cs.system_uri, c.code, c.display, c.version_string`

func scanConcept(row pgx.Row) (*Concept, error) {
	var c Concept
	err := row.Scan(&c.ID, &c.CodeSystemID, &c.System, &c.Code, &c.Display, &c.VersionString)
	return &c, err
}

func (r *terminologyRepoPG) GetSystemByURI(ctx context.Context, uri string) (*CodeSystem, error) {
	var cs CodeSystem
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, system_uri, name, default_version, created_time FROM som_code_system WHERE system_uri = $1`, uri).
		Scan(&cs.ID, &cs.SystemURI, &cs.Name, &cs.DefaultVersion, &cs.CreatedTime)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("CodeSystem", uri)
	}
	if err != nil {
		return nil, fmt.Errorf("get code system: %w", err)
	}
	return &cs, nil
}

func (r *terminologyRepoPG) CreateSystem(ctx context.Context, cs *CodeSystem, provenanceID uuid.UUID) error {
	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_code_system (id, system_uri, name, default_version, created_provenance_id)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_time`,
		cs.ID, cs.SystemURI, cs.Name, cs.DefaultVersion, provenanceID,
	).Scan(&cs.CreatedTime)
	if db.IsUniqueViolation(err) {
		return apperr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert code system: %w", err)
	}
	return nil
}

func (r *terminologyRepoPG) SetDefaultVersion(ctx context.Context, id uuid.UUID, version string, provenanceID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE som_code_system
		SET default_version = $2, updated_time = NOW(), version = version + 1, updated_provenance_id = $3
		WHERE id = $1 AND default_version IS NULL`, id, version, provenanceID)
	return err
}

func (r *terminologyRepoPG) FindConcept(ctx context.Context, codeSystemID uuid.UUID, code string, version *string) (*Concept, error) {
	c, err := scanConcept(r.conn(ctx).QueryRow(ctx, `
		SELECT `+conceptCols+`
		FROM som_concept c JOIN som_code_system cs ON cs.id = c.code_system_id
		WHERE c.code_system_id = $1 AND c.code = $2 AND c.version_string IS NOT DISTINCT FROM $3`,
		codeSystemID, code, version))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("Concept", code)
	}
	if err != nil {
		return nil, fmt.Errorf("find concept: %w", err)
	}
	return c, nil
}

func (r *terminologyRepoPG) CreateConcept(ctx context.Context, c *Concept, provenanceID uuid.UUID) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO som_concept (id, code_system_id, code, display, version_string, created_provenance_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.CodeSystemID, c.Code, c.Display, c.VersionString, provenanceID)
	if db.IsUniqueViolation(err) {
		return apperr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert concept: %w", err)
	}
	return nil
}

func (r *terminologyRepoPG) SetDisplay(ctx context.Context, id uuid.UUID, display string, provenanceID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE som_concept
		SET display = $2, updated_time = NOW(), version = version + 1, updated_provenance_id = $3
		WHERE id = $1`, id, display, provenanceID)
	return err
}

func (r *terminologyRepoPG) GetConcept(ctx context.Context, id uuid.UUID) (*Concept, error) {
	c, err := scanConcept(r.conn(ctx).QueryRow(ctx, `
		SELECT `+conceptCols+`
		FROM som_concept c JOIN som_code_system cs ON cs.id = c.code_system_id
		WHERE c.id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("Concept", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get concept: %w", err)
	}
	return c, nil
}
