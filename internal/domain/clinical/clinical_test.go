package clinical

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/job"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/db"
)

type testEnv struct {
	svc   *Service
	repo  *MemoryRepo
	terms *terminology.MemoryRepo
	prov  *provenance.MemoryRepo
	audit *auditevent.MemoryRepo
}

func newTestEnv() *testEnv {
	provRepo := provenance.NewMemoryRepo()
	auditRepo := auditevent.NewMemoryRepo()
	termRepo := terminology.NewMemoryRepo()
	rec := provenance.NewRecorder(provRepo, "test")
	repo := NewMemoryRepo(termRepo)
	svc := NewService(repo, terminology.NewNormalizer(termRepo, rec),
		NewWriter(db.LocalTransactor{}, rec, auditevent.NewLog(auditRepo)))
	return &testEnv{svc: svc, repo: repo, terms: termRepo, prov: provRepo, audit: auditRepo}
}

func (e *testEnv) mapper(resourceType string) interface {
	Create(ctx context.Context, body json.RawMessage, correlationID string) (map[string]interface{}, error)
} {
	for _, h := range e.svc.Handlers() {
		if h.ResourceType() == resourceType {
			return h.(interface {
				Create(ctx context.Context, body json.RawMessage, correlationID string) (map[string]interface{}, error)
			})
		}
	}
	panic("no mapper for " + resourceType)
}

func (e *testEnv) create(t *testing.T, resourceType, body, corr string) map[string]interface{} {
	t.Helper()
	out, err := e.mapper(resourceType).Create(context.Background(), json.RawMessage(body), corr)
	if err != nil {
		t.Fatalf("create %s: %v", resourceType, err)
	}
	return out
}

func (e *testEnv) patient(t *testing.T) string {
	t.Helper()
	return e.create(t, "Patient", `{"resourceType":"Patient","name":[{"family":"Doe","given":["Jane"]}],"birthDate":"1980-02-03"}`, "")["id"].(string)
}

func TestPatient_CreateAndReplay(t *testing.T) {
	env := newTestEnv()
	body := `{"resourceType":"Patient","identifier":[{"system":"urn:mrn","value":"42"}],"name":[{"family":"Doe"}]}`

	first := env.create(t, "Patient", body, "corr-1")
	second := env.create(t, "Patient", body, "corr-1")
	if first["id"] != second["id"] {
		t.Fatalf("expected replay to return the same patient, got %v and %v", first["id"], second["id"])
	}
	if env.prov.Len() != 1 {
		t.Errorf("expected one provenance record, got %d", env.prov.Len())
	}
	if n := env.audit.Count("create", "Patient"); n != 1 {
		t.Errorf("expected one audit event, got %d", n)
	}

	third := env.create(t, "Patient", body, "corr-2")
	if third["id"] == first["id"] {
		t.Error("expected a new patient for a different correlation id")
	}
}

func TestPatient_Search(t *testing.T) {
	env := newTestEnv()
	env.create(t, "Patient", `{"identifier":[{"system":"urn:mrn","value":"1"}],"name":[{"family":"Alpha"}]}`, "")
	env.create(t, "Patient", `{"identifier":[{"system":"urn:mrn","value":"2"}],"name":[{"family":"Beta"}]}`, "")

	m := &PatientMapper{s: env.svc}
	got, err := m.Search(context.Background(), url.Values{"identifier": {"urn:mrn|2"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 match, got %d", len(got))
	}
	got, _ = m.Search(context.Background(), url.Values{"name": {"alp"}})
	if len(got) != 1 {
		t.Errorf("expected case-insensitive name match, got %d", len(got))
	}
}

func TestPatient_InvalidBirthDate(t *testing.T) {
	env := newTestEnv()
	_, err := env.mapper("Patient").Create(context.Background(), json.RawMessage(`{"birthDate":"yesterday"}`), "")
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if env.prov.Len() != 0 {
		t.Errorf("expected no provenance for a rejected create, got %d", env.prov.Len())
	}
}

func TestCreate_WrongResourceType(t *testing.T) {
	env := newTestEnv()
	_, err := env.mapper("Patient").Create(context.Background(), json.RawMessage(`{"resourceType":"Observation"}`), "")
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEncounter_PeriodOrder(t *testing.T) {
	env := newTestEnv()
	pid := env.patient(t)
	_, err := env.mapper("Encounter").Create(context.Background(), json.RawMessage(`{
		"subject":{"reference":"Patient/`+pid+`"},
		"period":{"start":"2026-01-02T10:00:00Z","end":"2026-01-01T10:00:00Z"}}`), "")
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCondition_MissingPatient(t *testing.T) {
	env := newTestEnv()
	_, err := env.mapper("Condition").Create(context.Background(), json.RawMessage(`{
		"subject":{"reference":"Patient/`+uuid.NewString()+`"},
		"code":{"coding":[{"system":"http://hl7.org/fhir/sid/icd-10-cm","code":"M17.11"}]}}`), "")
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceRequest_EncounterPatientMismatch(t *testing.T) {
	env := newTestEnv()
	p1, p2 := env.patient(t), env.patient(t)
	enc := env.create(t, "Encounter", `{"subject":{"reference":"Patient/`+p2+`"},"status":"finished"}`, "")["id"].(string)

	_, err := env.mapper("ServiceRequest").Create(context.Background(), json.RawMessage(`{
		"subject":{"reference":"Patient/`+p1+`"},
		"encounter":{"reference":"Encounter/`+enc+`"},
		"code":{"coding":[{"system":"http://www.ama-assn.org/go/cpt","code":"73721"}]}}`), "")
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestServiceRequest_Reasons(t *testing.T) {
	env := newTestEnv()
	pid := env.patient(t)
	cond := env.create(t, "Condition", `{"subject":{"reference":"Patient/`+pid+`"},
		"code":{"coding":[{"system":"http://hl7.org/fhir/sid/icd-10-cm","code":"M17.11","display":"Primary osteoarthritis, right knee"}]},
		"clinicalStatus":{"coding":[{"code":"active"}]},"onsetDateTime":"2025-06-01"}`, "")["id"].(string)

	out := env.create(t, "ServiceRequest", `{"subject":{"reference":"Patient/`+pid+`"},
		"code":{"coding":[{"system":"http://www.ama-assn.org/go/cpt","code":"73721"}]},
		"status":"active","intent":"order","priority":"routine",
		"reasonReference":[{"reference":"Condition/`+cond+`"},{"reference":"Observation/`+uuid.NewString()+`"},{"reference":"Condition/`+cond+`"}]}`, "")

	id, _ := uuid.Parse(out["id"].(string))
	sr, err := env.svc.GetServiceRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(sr.ReasonConditionIDs) != 1 || sr.ReasonConditionIDs[0].String() != cond {
		t.Errorf("expected one deduplicated condition reason, got %v", sr.ReasonConditionIDs)
	}
}

func TestServiceRequest_ReasonOtherPatient(t *testing.T) {
	env := newTestEnv()
	p1, p2 := env.patient(t), env.patient(t)
	cond := env.create(t, "Condition", `{"subject":{"reference":"Patient/`+p2+`"},
		"code":{"coding":[{"system":"http://hl7.org/fhir/sid/icd-10-cm","code":"M17.11"}]}}`, "")["id"].(string)
	_, err := env.mapper("ServiceRequest").Create(context.Background(), json.RawMessage(`{
		"subject":{"reference":"Patient/`+p1+`"},
		"code":{"coding":[{"system":"http://www.ama-assn.org/go/cpt","code":"73721"}]},
		"reasonReference":[{"reference":"Condition/`+cond+`"}]}`), "")
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func observationBodyJSON(pid, value, unit string) string {
	return `{"resourceType":"Observation","status":"final","subject":{"reference":"Patient/` + pid + `"},
		"category":[{"coding":[{"code":"vital-signs"}]}],
		"code":{"coding":[{"system":"http://loinc.org","code":"8867-4","display":"Heart rate"}]},
		"effectiveDateTime":"2026-03-01T08:00:00Z",
		"valueQuantity":{"value":` + value + `,"unit":"` + unit + `"}}`
}

func TestObservation_Validation(t *testing.T) {
	env := newTestEnv()
	pid := env.patient(t)
	tests := []struct {
		name string
		body string
	}{
		{"bad unit", observationBodyJSON(pid, "72", "beats per minute")},
		{"missing status", `{"subject":{"reference":"Patient/` + pid + `"},"code":{"coding":[{"system":"http://loinc.org","code":"8867-4"}]},"effectiveDateTime":"2026-03-01T08:00:00Z"}`},
		{"missing effective", `{"status":"final","subject":{"reference":"Patient/` + pid + `"},"code":{"coding":[{"system":"http://loinc.org","code":"8867-4"}]}}`},
		{"missing unit", `{"status":"final","subject":{"reference":"Patient/` + pid + `"},"code":{"coding":[{"system":"http://loinc.org","code":"8867-4"}]},"effectiveDateTime":"2026-03-01T08:00:00Z","valueQuantity":{"value":1}}`},
		{"missing subject", `{"status":"final","code":{"coding":[{"system":"http://loinc.org","code":"8867-4"}]},"effectiveDateTime":"2026-03-01T08:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.mapper("Observation").Create(context.Background(), json.RawMessage(tt.body), "")
			if !apperr.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestValidUnit(t *testing.T) {
	for unit, want := range map[string]bool{"bpm": true, "mg/dL": true, "%": true, "kg": true, "10*3/uL": false, "": false, "9kg": false} {
		if got := ValidUnit(unit); got != want {
			t.Errorf("ValidUnit(%q) = %v, want %v", unit, got, want)
		}
	}
}

func TestObservation_UpdateAndHistory(t *testing.T) {
	env := newTestEnv()
	pid := env.patient(t)
	created := env.create(t, "Observation", observationBodyJSON(pid, "72", "bpm"), "")
	id := created["id"].(string)

	m := &ObservationMapper{s: env.svc}
	updated, err := m.Update(context.Background(), id, json.RawMessage(observationBodyJSON(pid, "80", "bpm")), "corr-u")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if v := updated["meta"].(map[string]interface{})["versionId"]; v != "2" {
		t.Errorf("expected version 2, got %v", v)
	}
	again, err := m.Update(context.Background(), id, json.RawMessage(observationBodyJSON(pid, "80", "bpm")), "corr-u")
	if err != nil {
		t.Fatalf("replayed update: %v", err)
	}
	if v := again["meta"].(map[string]interface{})["versionId"]; v != "2" {
		t.Errorf("expected replay to keep version 2, got %v", v)
	}

	history, err := m.History(context.Background(), id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(history))
	}
	first := history[0]["valueQuantity"]
	raw, _ := json.Marshal(first)
	if string(raw) != `{"value":72,"unit":"bpm"}` {
		t.Errorf("expected first version to keep the original value, got %s", raw)
	}
}

func TestObservation_Search(t *testing.T) {
	env := newTestEnv()
	pid := env.patient(t)
	other := env.patient(t)
	env.create(t, "Observation", observationBodyJSON(pid, "72", "bpm"), "")
	env.create(t, "Observation", observationBodyJSON(other, "65", "bpm"), "")
	eie := `{"status":"entered-in-error","subject":{"reference":"Patient/` + pid + `"},
		"code":{"coding":[{"system":"http://loinc.org","code":"8867-4"}]},"effectiveDateTime":"2026-03-02T08:00:00Z"}`
	env.create(t, "Observation", eie, "")

	m := &ObservationMapper{s: env.svc}
	got, err := m.Search(context.Background(), url.Values{"patient": {"Patient/" + pid}, "code": {"http://loinc.org|8867-4"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected entered-in-error to be excluded, got %d results", len(got))
	}
	got, _ = m.Search(context.Background(), url.Values{"patient": {pid}, "status": {"entered-in-error"}})
	if len(got) != 2 {
		t.Errorf("expected explicit status to include entered-in-error, got %d", len(got))
	}
	got, _ = m.Search(context.Background(), url.Values{"date": {"ge2026-03-02T00:00:00Z"}, "status": {"any"}})
	if len(got) != 1 {
		t.Errorf("expected date filter to keep 1 result, got %d", len(got))
	}
	if _, err := m.Search(context.Background(), url.Values{"patient": {"not-a-uuid"}}); !apperr.IsValidation(err) {
		t.Errorf("expected validation error for bad patient id, got %v", err)
	}
}

type recordingReporter struct {
	steps []int
	msgs  []string
}

func (r *recordingReporter) Progress(_ context.Context, pct int, msg string) error {
	r.steps = append(r.steps, pct)
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestBulkImport_RunAndRerun(t *testing.T) {
	env := newTestEnv()
	pid := env.patient(t)
	w := env.svc.BulkImportWorker()
	w.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	params, err := w.Validate(json.RawMessage(`{"patientId":"` + pid + `","count":25}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	j := newTestJob(params)
	r := &recordingReporter{}
	out, err := w.Run(context.Background(), j, r)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := out.(map[string]interface{})["imported"]; got != 25 {
		t.Errorf("expected 25 imported, got %v", got)
	}
	if want := []int{0, 40, 80, 100}; len(r.steps) != len(want) || r.steps[3] != 100 || r.steps[1] != 40 {
		t.Errorf("unexpected progress steps %v", r.steps)
	}
	if r.msgs[3] != "imported 25/25" {
		t.Errorf("unexpected final message %q", r.msgs[3])
	}

	pUUID, _ := uuid.Parse(pid)
	obs, _ := env.repo.SearchObservations(context.Background(), ObservationFilter{PatientID: &pUUID, Limit: 100})
	if len(obs) != 25 {
		t.Fatalf("expected 25 observations, got %d", len(obs))
	}
	if _, err := w.Run(context.Background(), j, &recordingReporter{}); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	obs, _ = env.repo.SearchObservations(context.Background(), ObservationFilter{PatientID: &pUUID, Limit: 100})
	if len(obs) != 25 {
		t.Errorf("expected rerun to skip existing rows, got %d observations", len(obs))
	}
	if n := env.audit.Count("create", "JobOutput"); n != 2 {
		t.Errorf("expected one JobOutput audit per run, got %d", n)
	}
}

func TestBulkImport_Validate(t *testing.T) {
	w := newTestEnv().svc.BulkImportWorker()
	for _, raw := range []string{`{}`, `{"patientId":"nope"}`, `{"patientId":"` + uuid.NewString() + `","count":0}`} {
		if _, err := w.Validate(json.RawMessage(raw)); !apperr.IsValidation(err) {
			t.Errorf("Validate(%s): expected validation error, got %v", raw, err)
		}
	}
	out, err := w.Validate(json.RawMessage(`{"patientId":"` + uuid.NewString() + `"}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	var p bulkImportParams
	_ = json.Unmarshal(out, &p)
	if p.Count != 25 {
		t.Errorf("expected default count 25, got %d", p.Count)
	}
}

func TestBulkImport_UnknownPatient(t *testing.T) {
	env := newTestEnv()
	w := env.svc.BulkImportWorker()
	params, _ := w.Validate(json.RawMessage(`{"patientId":"` + uuid.NewString() + `","count":3}`))
	if _, err := w.Run(context.Background(), newTestJob(params), &recordingReporter{}); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func newTestJob(params json.RawMessage) *job.Job {
	return &job.Job{ID: uuid.New(), Type: job.TypeBulkImportObservations, Status: job.StatusRunning, Parameters: params}
}
