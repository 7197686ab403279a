package clinical

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/db"
)

type clinicalRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &clinicalRepoPG{pool: pool}
}

func (r *clinicalRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const recordCols = `version, created_time, updated_time, created_provenance_id, updated_provenance_id, extensions`

func recordDest(rec *Record) []interface{} {
	return []interface{}{&rec.Version, &rec.CreatedTime, &rec.UpdatedTime, &rec.CreatedProvenanceID, &rec.UpdatedProvenanceID, &rec.Extensions}
}

func extensionsJSON(m map[string]interface{}) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func notFound(err error, resource string, id uuid.UUID) error {
	if db.IsNoRows(err) {
		return apperr.NotFound(resource, id.String())
	}
	return fmt.Errorf("get %s: %w", strings.ToLower(resource), err)
}

// -- Patient --

const patientCols = `id, identifier_system, identifier_value, name_family, name_given, birth_date, ` + recordCols

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	dest := append([]interface{}{&p.ID, &p.IdentifierSystem, &p.IdentifierValue, &p.NameFamily, &p.NameGiven, &p.BirthDate}, recordDest(&p.Record)...)
	return &p, row.Scan(dest...)
}

func (r *clinicalRepoPG) CreatePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_patient (id, identifier_system, identifier_value, name_family, name_given, birth_date,
			created_provenance_id, extensions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING version, created_time, updated_time`,
		p.ID, p.IdentifierSystem, p.IdentifierValue, p.NameFamily, p.NameGiven, p.BirthDate,
		p.CreatedProvenanceID, extensionsJSON(p.Extensions),
	).Scan(&p.Version, &p.CreatedTime, &p.UpdatedTime)
}

func (r *clinicalRepoPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM som_patient WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "Patient", id)
	}
	return p, nil
}

func (r *clinicalRepoPG) SearchPatients(ctx context.Context, f PatientFilter) ([]*Patient, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.IdentifierSystem != "" {
		add("identifier_system = $%d", f.IdentifierSystem)
	}
	if f.IdentifierValue != "" {
		add("identifier_value = $%d", f.IdentifierValue)
	}
	if f.Name != "" {
		args = append(args, "%"+f.Name+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(name_family ILIKE $%d OR name_given ILIKE $%d)", n, n))
	}
	if f.BirthDate != nil {
		add("birth_date = $%d", *f.BirthDate)
	}
	q := `SELECT ` + patientCols + ` FROM som_patient`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(` ORDER BY created_time DESC LIMIT $%d`, len(args))

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	defer rows.Close()
	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// -- Practitioner / Organization --

func (r *clinicalRepoPG) CreatePractitioner(ctx context.Context, p *Practitioner) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_practitioner (id, name, created_provenance_id, extensions)
		VALUES ($1, $2, $3, $4) RETURNING version, created_time, updated_time`,
		p.ID, p.Name, p.CreatedProvenanceID, extensionsJSON(p.Extensions),
	).Scan(&p.Version, &p.CreatedTime, &p.UpdatedTime)
}

func (r *clinicalRepoPG) GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	var p Practitioner
	dest := append([]interface{}{&p.ID, &p.Name}, recordDest(&p.Record)...)
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, `+recordCols+` FROM som_practitioner WHERE id = $1`, id).Scan(dest...)
	if err != nil {
		return nil, notFound(err, "Practitioner", id)
	}
	return &p, nil
}

func (r *clinicalRepoPG) CreateOrganization(ctx context.Context, o *Organization) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_organization (id, name, created_provenance_id, extensions)
		VALUES ($1, $2, $3, $4) RETURNING version, created_time, updated_time`,
		o.ID, o.Name, o.CreatedProvenanceID, extensionsJSON(o.Extensions),
	).Scan(&o.Version, &o.CreatedTime, &o.UpdatedTime)
}

func (r *clinicalRepoPG) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	var o Organization
	dest := append([]interface{}{&o.ID, &o.Name}, recordDest(&o.Record)...)
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, `+recordCols+` FROM som_organization WHERE id = $1`, id).Scan(dest...)
	if err != nil {
		return nil, notFound(err, "Organization", id)
	}
	return &o, nil
}

// -- Encounter --

func (r *clinicalRepoPG) CreateEncounter(ctx context.Context, e *Encounter) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_encounter (id, patient_id, status, start_time, end_time, created_provenance_id, extensions)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING version, created_time, updated_time`,
		e.ID, e.PatientID, e.Status, e.StartTime, e.EndTime, e.CreatedProvenanceID, extensionsJSON(e.Extensions),
	).Scan(&e.Version, &e.CreatedTime, &e.UpdatedTime)
}

func (r *clinicalRepoPG) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	var e Encounter
	dest := append([]interface{}{&e.ID, &e.PatientID, &e.Status, &e.StartTime, &e.EndTime}, recordDest(&e.Record)...)
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, status, start_time, end_time, `+recordCols+`
		FROM som_encounter WHERE id = $1`, id).Scan(dest...)
	if err != nil {
		return nil, notFound(err, "Encounter", id)
	}
	return &e, nil
}

// -- Condition --

const conditionCols = `id, patient_id, code_concept_id, clinical_status, onset_date, ` + recordCols

func scanCondition(row pgx.Row) (*Condition, error) {
	var c Condition
	dest := append([]interface{}{&c.ID, &c.PatientID, &c.CodeConceptID, &c.ClinicalStatus, &c.OnsetDate}, recordDest(&c.Record)...)
	return &c, row.Scan(dest...)
}

func (r *clinicalRepoPG) CreateCondition(ctx context.Context, c *Condition) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_condition (id, patient_id, code_concept_id, clinical_status, onset_date, created_provenance_id, extensions)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING version, created_time, updated_time`,
		c.ID, c.PatientID, c.CodeConceptID, c.ClinicalStatus, c.OnsetDate, c.CreatedProvenanceID, extensionsJSON(c.Extensions),
	).Scan(&c.Version, &c.CreatedTime, &c.UpdatedTime)
}

func (r *clinicalRepoPG) GetCondition(ctx context.Context, id uuid.UUID) (*Condition, error) {
	c, err := scanCondition(r.conn(ctx).QueryRow(ctx, `SELECT `+conditionCols+` FROM som_condition WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "Condition", id)
	}
	return c, nil
}

func (r *clinicalRepoPG) SearchConditions(ctx context.Context, f ConditionFilter) ([]*Condition, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if cond, cargs := CodeFilter("code_concept_id", f.CodeSystem, f.Code, len(args)); cond != "" {
		args = append(args, cargs...)
		where = append(where, cond)
	}
	q := `SELECT ` + conditionCols + ` FROM som_condition`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(` ORDER BY created_time DESC LIMIT $%d`, len(args))

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search conditions: %w", err)
	}
	defer rows.Close()
	var out []*Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CodeFilter restricts col to concepts with the given code, and system
// when one is given. n is the number of arguments already bound.
func CodeFilter(col, system, code string, n int) (string, []interface{}) {
	if code == "" {
		return "", nil
	}
	if system == "" {
		return fmt.Sprintf(`%s IN (SELECT id FROM som_concept WHERE code = $%d)`, col, n+1), []interface{}{code}
	}
	return fmt.Sprintf(`%s IN (
		SELECT c.id FROM som_concept c JOIN som_code_system cs ON cs.id = c.code_system_id
		WHERE cs.system_uri = $%d AND c.code = $%d)`, col, n+1, n+2), []interface{}{system, code}
}

// -- ServiceRequest --

func (r *clinicalRepoPG) CreateServiceRequest(ctx context.Context, s *ServiceRequest) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		INSERT INTO som_service_request (id, patient_id, encounter_id, code_concept_id, status, intent, priority,
			authored_on, created_provenance_id, extensions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING version, created_time, updated_time`,
		s.ID, s.PatientID, s.EncounterID, s.CodeConceptID, s.Status, s.Intent, s.Priority,
		s.AuthoredOn, s.CreatedProvenanceID, extensionsJSON(s.Extensions),
	).Scan(&s.Version, &s.CreatedTime, &s.UpdatedTime)
	if err != nil {
		return fmt.Errorf("insert service request: %w", err)
	}
	for i, cid := range s.ReasonConditionIDs {
		_, err := q.Exec(ctx, `
			INSERT INTO som_service_request_reason (service_request_id, condition_id, role, rank, created_provenance_id)
			VALUES ($1, $2, 'reason', $3, $4)`,
			s.ID, cid, i+1, s.CreatedProvenanceID)
		if db.IsUniqueViolation(err) {
			return apperr.Validation("duplicate reasonReference Condition/%s", cid)
		}
		if err != nil {
			return fmt.Errorf("insert service request reason: %w", err)
		}
	}
	return nil
}

func (r *clinicalRepoPG) GetServiceRequest(ctx context.Context, id uuid.UUID) (*ServiceRequest, error) {
	var s ServiceRequest
	dest := append([]interface{}{&s.ID, &s.PatientID, &s.EncounterID, &s.CodeConceptID, &s.Status, &s.Intent, &s.Priority, &s.AuthoredOn},
		recordDest(&s.Record)...)
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		SELECT id, patient_id, encounter_id, code_concept_id, status, intent, priority, authored_on, `+recordCols+`
		FROM som_service_request WHERE id = $1`, id).Scan(dest...)
	if err != nil {
		return nil, notFound(err, "ServiceRequest", id)
	}
	rows, err := q.Query(ctx, `
		SELECT condition_id FROM som_service_request_reason
		WHERE service_request_id = $1 ORDER BY rank`, id)
	if err != nil {
		return nil, fmt.Errorf("list service request reasons: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid uuid.UUID
		if err := rows.Scan(&cid); err != nil {
			return nil, fmt.Errorf("scan service request reason: %w", err)
		}
		s.ReasonConditionIDs = append(s.ReasonConditionIDs, cid)
	}
	return &s, rows.Err()
}

// -- Observation --

const observationCols = `id, patient_id, encounter_id, status, category, code_concept_id, effective_time,
	value_type, value_quantity_value, value_quantity_unit, value_concept_id, ` + recordCols

func scanObservation(row pgx.Row) (*Observation, error) {
	var o Observation
	dest := append([]interface{}{&o.ID, &o.PatientID, &o.EncounterID, &o.Status, &o.Category, &o.CodeConceptID, &o.EffectiveTime,
		&o.ValueType, &o.QuantityValue, &o.QuantityUnit, &o.ValueConceptID}, recordDest(&o.Record)...)
	return &o, row.Scan(dest...)
}

func (r *clinicalRepoPG) CreateObservation(ctx context.Context, o *Observation) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_observation (id, patient_id, encounter_id, status, category, code_concept_id, effective_time,
			value_type, value_quantity_value, value_quantity_unit, value_concept_id, created_provenance_id, extensions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING version, created_time, updated_time`,
		o.ID, o.PatientID, o.EncounterID, o.Status, o.Category, o.CodeConceptID, o.EffectiveTime,
		o.ValueType, o.QuantityValue, o.QuantityUnit, o.ValueConceptID, o.CreatedProvenanceID, extensionsJSON(o.Extensions),
	).Scan(&o.Version, &o.CreatedTime, &o.UpdatedTime)
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return r.writeVersion(ctx, o, o.CreatedProvenanceID)
}

func (r *clinicalRepoPG) writeVersion(ctx context.Context, o *Observation, provenanceID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO som_observation_version (observation_id, version, status, category, encounter_id, code_concept_id,
			effective_time, value_type, value_quantity_value, value_quantity_unit, value_concept_id, provenance_id, extensions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.Version, o.Status, o.Category, o.EncounterID, o.CodeConceptID,
		o.EffectiveTime, o.ValueType, o.QuantityValue, o.QuantityUnit, o.ValueConceptID, provenanceID, extensionsJSON(o.Extensions))
	if err != nil {
		return fmt.Errorf("insert observation version: %w", err)
	}
	return nil
}

func (r *clinicalRepoPG) GetObservation(ctx context.Context, id uuid.UUID) (*Observation, error) {
	o, err := scanObservation(r.conn(ctx).QueryRow(ctx, `SELECT `+observationCols+` FROM som_observation WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "Observation", id)
	}
	return o, nil
}

// UpdateObservation bumps the version with a compare-and-swap on the
// version the caller read.
func (r *clinicalRepoPG) UpdateObservation(ctx context.Context, o *Observation, provenanceID uuid.UUID) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE som_observation SET
			encounter_id = $3, status = $4, category = $5, code_concept_id = $6, effective_time = $7,
			value_type = $8, value_quantity_value = $9, value_quantity_unit = $10, value_concept_id = $11,
			version = version + 1, updated_time = NOW(), updated_provenance_id = $12
		WHERE id = $1 AND version = $2
		RETURNING version, updated_time`,
		o.ID, o.Version, o.EncounterID, o.Status, o.Category, o.CodeConceptID, o.EffectiveTime,
		o.ValueType, o.QuantityValue, o.QuantityUnit, o.ValueConceptID, provenanceID,
	).Scan(&o.Version, &o.UpdatedTime)
	if db.IsNoRows(err) {
		return apperr.Validation("Observation %s was modified concurrently", o.ID)
	}
	if err != nil {
		return fmt.Errorf("update observation: %w", err)
	}
	o.UpdatedProvenanceID = &provenanceID
	return r.writeVersion(ctx, o, provenanceID)
}

func (r *clinicalRepoPG) ListObservationVersions(ctx context.Context, id uuid.UUID) ([]*Observation, error) {
	obs, err := r.GetObservation(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT version, recorded_time, status, category, encounter_id, code_concept_id, effective_time,
			value_type, value_quantity_value, value_quantity_unit, value_concept_id, provenance_id, extensions
		FROM som_observation_version WHERE observation_id = $1 ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("list observation versions: %w", err)
	}
	defer rows.Close()
	var out []*Observation
	for rows.Next() {
		v := Observation{ID: obs.ID, PatientID: obs.PatientID}
		var provID uuid.UUID
		if err := rows.Scan(&v.Version, &v.UpdatedTime, &v.Status, &v.Category, &v.EncounterID, &v.CodeConceptID, &v.EffectiveTime,
			&v.ValueType, &v.QuantityValue, &v.QuantityUnit, &v.ValueConceptID, &provID, &v.Extensions); err != nil {
			return nil, fmt.Errorf("scan observation version: %w", err)
		}
		v.CreatedTime = obs.CreatedTime
		v.CreatedProvenanceID = obs.CreatedProvenanceID
		v.UpdatedProvenanceID = &provID
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (r *clinicalRepoPG) SearchObservations(ctx context.Context, f ObservationFilter) ([]*Observation, error) {
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
	if f.EncounterID != nil {
		add("encounter_id = $%d", *f.EncounterID)
	}
	if cond, cargs := CodeFilter("code_concept_id", f.CodeSystem, f.Code, len(args)); cond != "" {
		args = append(args, cargs...)
		where = append(where, cond)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.EffectiveFrom != nil {
		add("effective_time >= $%d", *f.EffectiveFrom)
	}
	if f.EffectiveTo != nil {
		add("effective_time <= $%d", *f.EffectiveTo)
	}
	if !f.IncludeEnteredInError {
		add("status <> $%d", StatusEnteredInError)
	}
	q := `SELECT ` + observationCols + ` FROM som_observation`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(` ORDER BY effective_time DESC LIMIT $%d`, len(args))

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search observations: %w", err)
	}
	defer rows.Close()
	var out []*Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
