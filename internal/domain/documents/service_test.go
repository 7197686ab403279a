package documents

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/clinical"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/blobstore"
	"github.com/ehr/preauth/internal/platform/db"
	"github.com/ehr/preauth/internal/platform/fhir"
)

type testEnv struct {
	svc      *Service
	clinical *clinical.Service
	prov     *provenance.MemoryRepo
	audit    *auditevent.MemoryRepo
	blobs    *blobstore.MemoryStore
}

func newTestEnv() *testEnv {
	provRepo := provenance.NewMemoryRepo()
	auditRepo := auditevent.NewMemoryRepo()
	termRepo := terminology.NewMemoryRepo()
	rec := provenance.NewRecorder(provRepo, "test")
	norm := terminology.NewNormalizer(termRepo, rec)
	writer := clinical.NewWriter(db.LocalTransactor{}, rec, auditevent.NewLog(auditRepo))
	cs := clinical.NewService(clinical.NewMemoryRepo(termRepo), norm, writer)
	blobs := blobstore.NewMemoryStore()
	svc := NewService(NewMemoryRepo(termRepo), blobs, cs, norm, writer)
	return &testEnv{svc: svc, clinical: cs, prov: provRepo, audit: auditRepo, blobs: blobs}
}

func (e *testEnv) handler(t *testing.T, resourceType string) fhir.ResourceHandler {
	t.Helper()
	for _, h := range append(e.svc.Handlers(), e.clinical.Handlers()...) {
		if h.ResourceType() == resourceType {
			return h
		}
	}
	t.Fatalf("no handler for %s", resourceType)
	return nil
}

func (e *testEnv) create(t *testing.T, resourceType, body string) map[string]interface{} {
	t.Helper()
	out, err := e.handler(t, resourceType).Create(context.Background(), json.RawMessage(body), "")
	if err != nil {
		t.Fatalf("create %s: %v", resourceType, err)
	}
	return out
}

func (e *testEnv) binary(t *testing.T) string {
	t.Helper()
	data := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 knee x-ray"))
	return e.create(t, "Binary", `{"resourceType":"Binary","contentType":"application/pdf","data":"`+data+`"}`)["id"].(string)
}

func docBody(pid, bid, date string) string {
	return `{"resourceType":"DocumentReference","subject":{"reference":"Patient/` + pid + `"},
		"type":{"coding":[{"system":"urn:sample-app:doc-type","code":"knee-xray-report","display":"Knee X-ray report"}]},
		"date":"` + date + `","description":"Right knee, 3 views",
		"content":[{"attachment":{"url":"Binary/` + bid + `"}}]}`
}

func TestBinary_CreateOmitsData(t *testing.T) {
	env := newTestEnv()
	out := env.create(t, "Binary", `{"contentType":"text/plain","data":"aGVsbG8="}`)
	if _, ok := out["data"]; ok {
		t.Error("expected create result without data")
	}
	read, err := env.handler(t, "Binary").Read(context.Background(), out["id"].(string))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(read["data"].([]byte)) != "hello" {
		t.Errorf("unexpected data %v", read["data"])
	}
}

func TestBinary_Validation(t *testing.T) {
	env := newTestEnv()
	for _, body := range []string{
		`{"data":"aGVsbG8="}`,
		`{"contentType":"text/plain","data":"not base64!"}`,
		`{"contentType":"application/x-msdownload","data":"aGVsbG8="}`,
	} {
		if _, err := env.handler(t, "Binary").Create(context.Background(), json.RawMessage(body), ""); !apperr.IsValidation(err) {
			t.Errorf("%s: expected validation error, got %v", body, err)
		}
	}
	if env.prov.Len() != 0 {
		t.Errorf("expected no provenance for rejected uploads, got %d", env.prov.Len())
	}
}

func TestBinary_ReplayByDigest(t *testing.T) {
	env := newTestEnv()
	body := json.RawMessage(`{"contentType":"text/plain","data":"aGVsbG8="}`)
	h := env.handler(t, "Binary")
	a, err := h.Create(context.Background(), body, "corr-b")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := h.Create(context.Background(), body, "corr-b")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if a["id"] != b["id"] {
		t.Errorf("expected replay to return %v, got %v", a["id"], b["id"])
	}
	if n := env.audit.Count("create", "Binary"); n != 1 {
		t.Errorf("expected one audit event, got %d", n)
	}
}

func TestDocumentReference_CreateAndResolve(t *testing.T) {
	env := newTestEnv()
	pid := env.create(t, "Patient", `{"name":[{"family":"Doe"}]}`)["id"].(string)
	bid := env.binary(t)

	out := env.create(t, "DocumentReference", docBody(pid, bid, "2026-02-20T09:00:00Z"))
	if out["status"] != "current" {
		t.Errorf("expected default status current, got %v", out["status"])
	}
	id, _ := uuid.Parse(out["id"].(string))
	r, err := env.svc.Resolve(context.Background(), id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.Code != "knee-xray-report" {
		t.Errorf("expected code knee-xray-report, got %s", r.Code)
	}
	if r.Title == nil || *r.Title != "Right knee, 3 views" {
		t.Errorf("expected title from description, got %v", r.Title)
	}
	if r.EffectiveTime.Format("2006-01-02") != "2026-02-20" {
		t.Errorf("unexpected effective time %s", r.EffectiveTime)
	}
	if r.BinaryID == nil || r.BinaryID.String() != bid {
		t.Errorf("expected binary %s, got %v", bid, r.BinaryID)
	}
}

func TestDocumentReference_UndatedUsesUploadTime(t *testing.T) {
	env := newTestEnv()
	pid := env.create(t, "Patient", `{}`)["id"].(string)
	out := env.create(t, "DocumentReference", `{"subject":{"reference":"Patient/`+pid+`"},
		"type":{"coding":[{"system":"urn:sample-app:doc-type","code":"pt-notes"}]}}`)
	id, _ := uuid.Parse(out["id"].(string))
	r, err := env.svc.Resolve(context.Background(), id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.DateTime != nil || r.EffectiveTime.IsZero() {
		t.Errorf("expected upload time fallback, got dateTime=%v effective=%v", r.DateTime, r.EffectiveTime)
	}
}

func TestDocumentReference_MissingBinary(t *testing.T) {
	env := newTestEnv()
	pid := env.create(t, "Patient", `{}`)["id"].(string)
	_, err := env.handler(t, "DocumentReference").Create(context.Background(),
		json.RawMessage(docBody(pid, uuid.NewString(), "2026-02-20T09:00:00Z")), "")
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDocumentReference_MissingSubject(t *testing.T) {
	env := newTestEnv()
	_, err := env.handler(t, "DocumentReference").Create(context.Background(),
		json.RawMessage(`{"type":{"coding":[{"system":"urn:x","code":"y"}]}}`), "")
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDocumentReference_SearchByPatientAndType(t *testing.T) {
	env := newTestEnv()
	p1 := env.create(t, "Patient", `{}`)["id"].(string)
	p2 := env.create(t, "Patient", `{}`)["id"].(string)
	bid := env.binary(t)
	env.create(t, "DocumentReference", docBody(p1, bid, "2026-02-20T09:00:00Z"))
	env.create(t, "DocumentReference", docBody(p2, bid, "2026-02-21T09:00:00Z"))

	s := env.handler(t, "DocumentReference").(fhir.Searcher)
	got, err := s.Search(context.Background(), url.Values{"patient": {"Patient/" + p1}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 document for patient, got %d", len(got))
	}
	got, _ = s.Search(context.Background(), url.Values{"type": {"urn:sample-app:doc-type|knee-xray-report"}})
	if len(got) != 2 {
		t.Errorf("expected 2 documents by type, got %d", len(got))
	}
}
