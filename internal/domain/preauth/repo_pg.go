package preauth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/db"
)

type preAuthRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &preAuthRepoPG{pool: pool}
}

func (r *preAuthRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const requestCols = `id, patient_id, encounter_id, practitioner_id, organization_id, diagnosis_condition_id,
	service_request_id, status, priority, payer, policy_id, notes, version, created_time, updated_time,
	created_provenance_id, updated_provenance_id, extensions`

func scanRequest(row pgx.Row) (*Request, error) {
	var p Request
	var ext []byte
	err := row.Scan(&p.ID, &p.PatientID, &p.EncounterID, &p.PractitionerID, &p.OrganizationID,
		&p.DiagnosisConditionID, &p.ServiceRequestID, &p.Status, &p.Priority, &p.Payer, &p.PolicyID,
		&p.Notes, &p.Version, &p.CreatedTime, &p.UpdatedTime, &p.CreatedProvenanceID,
		&p.UpdatedProvenanceID, &ext)
	if err != nil {
		return nil, err
	}
	if len(ext) > 0 {
		if err := json.Unmarshal(ext, &p.Extensions); err != nil {
			return nil, fmt.Errorf("decode preauth extensions: %w", err)
		}
	}
	return &p, nil
}

func (r *preAuthRepoPG) Create(ctx context.Context, p *Request) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	ext, err := json.Marshal(extensionsOrEmpty(p.Extensions))
	if err != nil {
		return fmt.Errorf("encode preauth extensions: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_preauth_request (id, patient_id, encounter_id, practitioner_id, organization_id,
			diagnosis_condition_id, service_request_id, status, priority, payer, policy_id, notes,
			created_provenance_id, extensions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING version, created_time, updated_time`,
		p.ID, p.PatientID, p.EncounterID, p.PractitionerID, p.OrganizationID, p.DiagnosisConditionID,
		p.ServiceRequestID, p.Status, p.Priority, p.Payer, p.PolicyID, p.Notes, p.CreatedProvenanceID, ext,
	).Scan(&p.Version, &p.CreatedTime, &p.UpdatedTime)
	if err != nil {
		return fmt.Errorf("insert preauth request: %w", err)
	}
	return nil
}

func (r *preAuthRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	p, err := scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM som_preauth_request WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("PreAuthRequest", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get preauth request: %w", err)
	}
	return p, nil
}

func (r *preAuthRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Request, error) {
	p, err := scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM som_preauth_request WHERE id = $1 FOR UPDATE`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("PreAuthRequest", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("lock preauth request: %w", err)
	}
	return p, nil
}

func (r *preAuthRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from string, version int, to string, provenanceID uuid.UUID) (*Request, error) {
	p, err := scanRequest(r.conn(ctx).QueryRow(ctx, `
		UPDATE som_preauth_request
		SET status = $4, version = version + 1, updated_time = NOW(), updated_provenance_id = $5
		WHERE id = $1 AND status = $2 AND version = $3
		RETURNING `+requestCols,
		id, from, version, to, provenanceID))
	if db.IsNoRows(err) {
		return nil, ErrStale
	}
	if err != nil {
		return nil, fmt.Errorf("update preauth status: %w", err)
	}
	return p, nil
}

func (r *preAuthRepoPG) Search(ctx context.Context, f Filter) ([]*Request, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Payer != "" {
		add("payer = $%d", f.Payer)
	}
	q := `SELECT ` + requestCols + ` FROM som_preauth_request`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(" ORDER BY updated_time DESC LIMIT $%d", len(args))
	return r.queryRequests(ctx, q, args...)
}

func (r *preAuthRepoPG) ListInFlight(ctx context.Context, before time.Time, limit int) ([]*Request, error) {
	return r.queryRequests(ctx, `
		SELECT `+requestCols+` FROM som_preauth_request
		WHERE status IN ('submitted', 'resubmitted', 'in-review') AND updated_time < $1
		ORDER BY updated_time ASC LIMIT $2`, before, limit)
}

func (r *preAuthRepoPG) queryRequests(ctx context.Context, q string, args ...interface{}) ([]*Request, error) {
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query preauth requests: %w", err)
	}
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		p, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preauth request: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const statusCols = `id, preauth_request_id, from_status, to_status, changed_time, changed_by, correlation_id,
	provenance_id, job_id`

func scanStatus(row pgx.Row) (*StatusChange, error) {
	var c StatusChange
	err := row.Scan(&c.ID, &c.PreAuthID, &c.FromStatus, &c.ToStatus, &c.ChangedTime, &c.ChangedBy,
		&c.CorrelationID, &c.ProvenanceID, &c.JobID)
	return &c, err
}

func (r *preAuthRepoPG) AppendStatus(ctx context.Context, c *StatusChange) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_preauth_status_history (id, preauth_request_id, from_status, to_status, changed_by,
			correlation_id, provenance_id, job_id, changed_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, clock_timestamp())
		RETURNING changed_time`,
		c.ID, c.PreAuthID, c.FromStatus, c.ToStatus, c.ChangedBy, c.CorrelationID, c.ProvenanceID, c.JobID,
	).Scan(&c.ChangedTime)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

func (r *preAuthRepoPG) ListStatus(ctx context.Context, preAuthID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+statusCols+` FROM som_preauth_status_history
		WHERE preauth_request_id = $1 ORDER BY changed_time ASC, id ASC`, preAuthID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()
	var out []*StatusChange
	for rows.Next() {
		c, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *preAuthRepoPG) StatusChangeForJob(ctx context.Context, preAuthID, jobID uuid.UUID, to string) (*StatusChange, error) {
	c, err := scanStatus(r.conn(ctx).QueryRow(ctx, `
		SELECT `+statusCols+` FROM som_preauth_status_history
		WHERE preauth_request_id = $1 AND job_id = $2 AND to_status = $3
		ORDER BY changed_time DESC LIMIT 1`, preAuthID, jobID, to))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find status change for job: %w", err)
	}
	return c, nil
}

const snapshotCols = `id, preauth_request_id, created_time, correlation_id, provenance_id, schema_version,
	checksum, snapshot`

func (r *preAuthRepoPG) CreateSnapshot(ctx context.Context, s *Snapshot) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_preauth_package_snapshot (id, preauth_request_id, correlation_id, provenance_id,
			schema_version, checksum, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_time`,
		s.ID, s.PreAuthID, s.CorrelationID, s.ProvenanceID, s.SchemaVersion, s.Checksum, []byte(s.Body),
	).Scan(&s.CreatedTime)
	if err != nil {
		return fmt.Errorf("insert package snapshot: %w", err)
	}
	return nil
}

func (r *preAuthRepoPG) LatestSnapshot(ctx context.Context, preAuthID uuid.UUID) (*Snapshot, error) {
	var s Snapshot
	var body []byte
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT `+snapshotCols+` FROM som_preauth_package_snapshot
		WHERE preauth_request_id = $1 ORDER BY created_time DESC LIMIT 1`, preAuthID,
	).Scan(&s.ID, &s.PreAuthID, &s.CreatedTime, &s.CorrelationID, &s.ProvenanceID, &s.SchemaVersion, &s.Checksum, &body)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	s.Body = body
	return &s, nil
}

const linkCols = `id, preauth_request_id, document_id, role, added_time, correlation_id, provenance_id`

func scanLink(row pgx.Row) (*DocumentLink, error) {
	var l DocumentLink
	err := row.Scan(&l.ID, &l.PreAuthID, &l.DocumentID, &l.Role, &l.AddedTime, &l.CorrelationID, &l.ProvenanceID)
	return &l, err
}

func (r *preAuthRepoPG) AttachDocument(ctx context.Context, l *DocumentLink) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_preauth_supporting_document (id, preauth_request_id, document_id, role,
			correlation_id, provenance_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ON CONSTRAINT uq_preauth_doc_unique DO NOTHING
		RETURNING added_time`,
		l.ID, l.PreAuthID, l.DocumentID, l.Role, l.CorrelationID, l.ProvenanceID,
	).Scan(&l.AddedTime)
	if db.IsNoRows(err) {
		return apperr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert supporting document: %w", err)
	}
	return nil
}

func (r *preAuthRepoPG) FindDocumentLink(ctx context.Context, preAuthID, documentID uuid.UUID, role string) (*DocumentLink, error) {
	l, err := scanLink(r.conn(ctx).QueryRow(ctx, `
		SELECT `+linkCols+` FROM som_preauth_supporting_document
		WHERE preauth_request_id = $1 AND document_id = $2 AND role = $3
		ORDER BY added_time DESC LIMIT 1`, preAuthID, documentID, role))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find supporting document: %w", err)
	}
	return l, nil
}

func (r *preAuthRepoPG) ListDocumentLinks(ctx context.Context, preAuthID uuid.UUID) ([]*DocumentLink, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+linkCols+` FROM som_preauth_supporting_document
		WHERE preauth_request_id = $1 ORDER BY added_time ASC, id ASC`, preAuthID)
	if err != nil {
		return nil, fmt.Errorf("list supporting documents: %w", err)
	}
	defer rows.Close()
	var out []*DocumentLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan supporting document: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const decisionCols = `id, preauth_request_id, job_id, decided_time, outcome, reason_codes, rationale,
	requested_additional_info, raw_payer_response, provenance_id`

func scanDecision(row pgx.Row) (*Decision, error) {
	var d Decision
	var reasons, requested, raw []byte
	err := row.Scan(&d.ID, &d.PreAuthID, &d.JobID, &d.DecidedTime, &d.Outcome, &reasons, &d.Rationale,
		&requested, &raw, &d.ProvenanceID)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reasons, &d.ReasonCodes); err != nil {
		return nil, fmt.Errorf("decode reason codes: %w", err)
	}
	if err := json.Unmarshal(requested, &d.RequestedAdditionalInfo); err != nil {
		return nil, fmt.Errorf("decode requested info: %w", err)
	}
	d.RawPayerResponse = raw
	return &d, nil
}

func (r *preAuthRepoPG) CreateDecision(ctx context.Context, d *Decision) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	reasons, err := json.Marshal(d.ReasonCodes)
	if err != nil {
		return fmt.Errorf("encode reason codes: %w", err)
	}
	requested, err := json.Marshal(d.RequestedAdditionalInfo)
	if err != nil {
		return fmt.Errorf("encode requested info: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_preauth_decision (id, preauth_request_id, job_id, outcome, reason_codes, rationale,
			requested_additional_info, raw_payer_response, provenance_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING decided_time`,
		d.ID, d.PreAuthID, d.JobID, d.Outcome, reasons, d.Rationale, requested,
		nullJSON(d.RawPayerResponse), d.ProvenanceID,
	).Scan(&d.DecidedTime)
	if db.IsUniqueViolation(err) {
		return apperr.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (r *preAuthRepoPG) LatestDecision(ctx context.Context, preAuthID uuid.UUID) (*Decision, error) {
	d, err := scanDecision(r.conn(ctx).QueryRow(ctx, `
		SELECT `+decisionCols+` FROM som_preauth_decision
		WHERE preauth_request_id = $1 ORDER BY decided_time DESC LIMIT 1`, preAuthID))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest decision: %w", err)
	}
	return d, nil
}

func (r *preAuthRepoPG) DecisionForJob(ctx context.Context, jobID uuid.UUID) (*Decision, error) {
	d, err := scanDecision(r.conn(ctx).QueryRow(ctx, `SELECT `+decisionCols+` FROM som_preauth_decision WHERE job_id = $1`, jobID))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get decision for job: %w", err)
	}
	return d, nil
}

func extensionsOrEmpty(ext map[string]interface{}) map[string]interface{} {
	if ext == nil {
		return map[string]interface{}{}
	}
	return ext
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
