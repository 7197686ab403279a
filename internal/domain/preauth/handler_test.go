package preauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/middleware"
)

const rolesHeader = "X-Test-Roles"

// newTestServer mounts the handler behind the production error handler.
// Callers choose their roles through X-Test-Roles.
func newTestServer(t *testing.T) (*echo.Echo, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	e := echo.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(zerolog.Nop())
	e.Use(middleware.CorrelationID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var roles []string
			if h := c.Request().Header.Get(rolesHeader); h != "" {
				roles = strings.Split(h, ",")
			}
			ctx := auth.WithIdentity(c.Request().Context(), "dr-grey", roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(env.engine).RegisterRoutes(e.Group("/api"), e.Group("/fhir"))
	return e, env
}

func do(e *echo.Echo, method, path, body, roles string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if roles != "" {
		req.Header.Set(rolesHeader, roles)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func draftBody(t *testing.T, f fixture) string {
	t.Helper()
	raw, err := json.Marshal(DraftRequest{
		PatientID:            f.patient,
		PractitionerID:       f.practitioner,
		DiagnosisConditionID: f.condition,
		ServiceRequestID:     f.service,
	})
	require.NoError(t, err)
	return string(raw)
}

func TestHandler_DraftSubmitAndRead(t *testing.T) {
	e, env := newTestServer(t)
	f := env.fixture(t, acuteInjury)

	rec := do(e, http.MethodPost, "/api/preauth", draftBody(t, f), auth.RoleClinician)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var v struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, StatusDraft, v.Status)
	base := "/api/preauth/" + v.ID.String()

	rec = do(e, http.MethodGet, base+"/decision", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"decision":null}`, rec.Body.String())

	rec = do(e, http.MethodGet, "/fhir/ClaimResponse/"+v.ID.String(), "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPost, base+"/submit", "", auth.RoleClinician)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var sub SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.Equal(t, v.ID, sub.PreAuthID)

	rec = do(e, http.MethodGet, base, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"approved"`)

	rec = do(e, http.MethodGet, base+"/status-history", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		History []StatusChange `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Len(t, hist.History, 4)
	assert.Equal(t, "dr-grey", *hist.History[1].ChangedBy)

	rec = do(e, http.MethodGet, "/fhir/Claim/"+v.ID.String(), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var claim map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.Equal(t, "Claim", claim["resourceType"])
	assert.Equal(t, "preauthorization", claim["use"])

	rec = do(e, http.MethodGet, "/fhir/ClaimResponse/"+v.ID.String(), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cr map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cr))
	assert.Equal(t, "ClaimResponse", cr["resourceType"])
	assert.Equal(t, "complete", cr["outcome"])

	rec = do(e, http.MethodGet, "/api/preauth?status=approved&patientId="+f.patient, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		PreAuth []json.RawMessage `json:"preauth"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.PreAuth, 1)
}

func TestHandler_WritesRequireClinician(t *testing.T) {
	e, env := newTestServer(t)
	f := env.fixture(t, acuteInjury)

	rec := do(e, http.MethodPost, "/api/preauth", draftBody(t, f), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(e, http.MethodPost, "/api/preauth", draftBody(t, f), auth.RolePayerAdmin)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(e, http.MethodPost, "/api/preauth", draftBody(t, f), auth.RoleAdmin)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandler_ErrorMapping(t *testing.T) {
	e, env := newTestServer(t)
	v := env.draft(t, env.fixture(t, osteoarthritis))
	base := "/api/preauth/" + v.ID.String()

	rec := do(e, http.MethodGet, "/api/preauth/not-a-uuid", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/api/preauth/"+uuid.NewString(), "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPost, base+"/resubmit", "", auth.RoleClinician)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "cannot resubmit from status draft")

	rec = do(e, http.MethodPost, base+"/submit", "", auth.RoleClinician)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(e, http.MethodPost, base+"/resubmit", "", auth.RoleClinician)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Error   string   `json:"error"`
		Missing []string `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"knee-xray-report"}, body.Missing)

	rec = do(e, http.MethodPost, base+"/documents", `{"documentId":"x"}`, auth.RoleClinician)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/fhir/Claim/"+uuid.NewString(), "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "OperationOutcome")
}

func TestHandler_SubmitReplaysCorrelationID(t *testing.T) {
	e, env := newTestServer(t)
	v := env.draft(t, env.fixture(t, acuteInjury))
	path := "/api/preauth/" + v.ID.String() + "/submit"

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(rolesHeader, auth.RoleClinician)
		req.Header.Set(middleware.CorrelationIDHeader, "retry-1")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}
	first := send()
	require.Equal(t, http.StatusAccepted, first.Code)
	second := send()
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "retry-1", second.Header().Get(middleware.CorrelationIDHeader))
}
