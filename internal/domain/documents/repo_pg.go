package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/preauth/internal/domain/clinical"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/db"
)

type documentRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &documentRepoPG{pool: pool}
}

func (r *documentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const documentCols = `id, patient_id, encounter_id, status, type_concept_id, date_time, title, description, binary_id,
	version, created_time, updated_time, created_provenance_id, updated_provenance_id, extensions`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.PatientID, &d.EncounterID, &d.Status, &d.TypeConceptID, &d.DateTime, &d.Title,
		&d.Description, &d.BinaryID, &d.Version, &d.CreatedTime, &d.UpdatedTime, &d.CreatedProvenanceID,
		&d.UpdatedProvenanceID, &d.Extensions)
	return &d, err
}

func (r *documentRepoPG) CreateDocument(ctx context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	ext := []byte("{}")
	if len(d.Extensions) > 0 {
		var err error
		if ext, err = json.Marshal(d.Extensions); err != nil {
			return fmt.Errorf("marshal document extensions: %w", err)
		}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_document (id, patient_id, encounter_id, status, type_concept_id, date_time, title, description,
			binary_id, created_provenance_id, extensions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING version, created_time, updated_time`,
		d.ID, d.PatientID, d.EncounterID, d.Status, d.TypeConceptID, d.DateTime, d.Title, d.Description,
		d.BinaryID, d.CreatedProvenanceID, ext,
	).Scan(&d.Version, &d.CreatedTime, &d.UpdatedTime)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *documentRepoPG) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	d, err := scanDocument(r.conn(ctx).QueryRow(ctx, `SELECT `+documentCols+` FROM som_document WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("DocumentReference", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

func (r *documentRepoPG) SearchDocuments(ctx context.Context, f DocumentFilter) ([]*Document, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if cond, cargs := clinical.CodeFilter("type_concept_id", f.CodeSystem, f.Code, len(args)); cond != "" {
		args = append(args, cargs...)
		where = append(where, cond)
	}
	q := `SELECT ` + documentCols + ` FROM som_document`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(` ORDER BY COALESCE(date_time, created_time) DESC LIMIT $%d`, len(args))

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
