package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/preauth"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/db"
	"github.com/ehr/preauth/internal/platform/fhir"
)

const resourceScenario = "Scenario"

// Template is a canned clinical situation a scenario is built from.
type Template struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Diagnosis fhir.Coding `json:"diagnosis"`
	Service   fhir.Coding `json:"service"`
	Priority  string      `json:"priority"`
}

var templates = map[string]Template{
	"knee-oa-mri": {
		ID:        "knee-oa-mri",
		Title:     "Knee OA + MRI Knee (likely pending-info)",
		Diagnosis: codingOsteoarthritis,
		Service:   codingMRIKnee,
		Priority:  preauth.PriorityRoutine,
	},
	"knee-acute-mri": {
		ID:        "knee-acute-mri",
		Title:     "Acute knee injury + MRI Knee (likely approved)",
		Diagnosis: codingAcuteKnee,
		Service:   codingMRIKnee,
		Priority:  preauth.PriorityUrgent,
	},
}

// Templates lists the scenario templates ordered by id.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for _, t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type ScenarioPatient struct {
	Family    string `json:"family,omitempty"`
	Given     string `json:"given,omitempty"`
	BirthDate string `json:"birthDate,omitempty"`
	MRN       string `json:"mrn,omitempty"`
}

// ScenarioRequest is the body of a scenario create. Patient fields that
// are left out get placeholder values.
type ScenarioRequest struct {
	TemplateID         string           `json:"templateId"`
	Patient            *ScenarioPatient `json:"patient,omitempty"`
	CreatePreAuthDraft bool             `json:"createPreAuthDraft,omitempty"`
	Payer              string           `json:"payer,omitempty"`
}

type ScenarioResult struct {
	TemplateID       string   `json:"templateId"`
	PatientID        string   `json:"patientId"`
	PractitionerID   string   `json:"practitionerId"`
	EncounterID      string   `json:"encounterId"`
	ConditionID      string   `json:"conditionId"`
	ServiceRequestID string   `json:"serviceRequestId"`
	ObservationIDs   []string `json:"observationIds"`
	PreAuthID        *string  `json:"preAuthId"`
}

// Scenarios builds a fresh patient with everything a preauthorization
// walkthrough needs. Development only.
type Scenarios struct {
	resources    Resources
	workflow     Workflow
	tx           db.Transactor
	audit        *auditevent.Log
	defaultPayer string
	dev          bool
	now          func() time.Time
	logger       zerolog.Logger
}

func NewScenarios(resources Resources, workflow Workflow, tx db.Transactor, audit *auditevent.Log,
	defaultPayer string, dev bool, logger zerolog.Logger) *Scenarios {
	return &Scenarios{
		resources:    resources,
		workflow:     workflow,
		tx:           tx,
		audit:        audit,
		defaultPayer: defaultPayer,
		dev:          dev,
		now:          time.Now,
		logger:       logger.With().Str("component", "scenarios").Logger(),
	}
}

func (s *Scenarios) SetClock(now func() time.Time) {
	s.now = now
}

// Create builds the scenario in one unit of work. A retry with the same
// correlation id and body returns the first result.
func (s *Scenarios) Create(ctx context.Context, req ScenarioRequest, correlationID string) (*ScenarioResult, error) {
	if !s.dev {
		return nil, apperr.Validation("Scenario creation is only allowed when ENV=development")
	}
	tmpl, ok := templates[strings.TrimSpace(req.TemplateID)]
	if !ok {
		return nil, apperr.Validation("Unknown templateId")
	}

	var out *ScenarioResult
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		key := auditevent.Key{CorrelationID: correlationID, Operation: "create", ResourceType: resourceScenario, Request: req}
		prior, ok, err := auditevent.Replay[*ScenarioResult](ctx, s.audit, key)
		if err != nil {
			return err
		}
		if ok && prior != nil {
			out = prior
			return nil
		}

		if out, err = s.build(ctx, tmpl, req, correlationID); err != nil {
			return err
		}
		patientID, _ := uuid.Parse(out.PatientID)
		return s.audit.Emit(ctx, auditevent.Event{
			Actor:         auth.ActorFromContext(ctx),
			Operation:     "create",
			CorrelationID: correlationID,
			ResourceType:  resourceScenario,
			ResourceID:    patientID,
			Request:       req,
			Result:        out,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("template", tmpl.ID).Str("patient_id", out.PatientID).Msg("scenario created")
	return out, nil
}

func (s *Scenarios) build(ctx context.Context, tmpl Template, req ScenarioRequest, correlationID string) (*ScenarioResult, error) {
	now := s.now().UTC()
	p := ScenarioPatient{}
	if req.Patient != nil {
		p = *req.Patient
	}
	if p.Family == "" {
		p.Family = "Test"
	}
	if p.Given == "" {
		p.Given = "Patient"
	}
	if p.BirthDate == "" {
		p.BirthDate = "1980-01-01"
	}
	if p.MRN == "" {
		p.MRN = "MRN-" + now.Format("150405")
	}

	mk := func(step string, body resource) (string, error) {
		return create(ctx, s.resources, body, stepID(correlationID, step))
	}
	out := &ScenarioResult{TemplateID: tmpl.ID}
	var err error
	if out.PatientID, err = mk("patient", patientResource(p.MRN, p.Family, p.Given, p.BirthDate)); err != nil {
		return nil, err
	}
	if out.PractitionerID, err = mk("practitioner", practitionerResource("Dr. Scenario User")); err != nil {
		return nil, err
	}
	if out.EncounterID, err = mk("encounter", encounterResource(out.PatientID, "in-progress", now.Add(-2*time.Hour), time.Time{})); err != nil {
		return nil, err
	}
	if out.ConditionID, err = mk("condition", conditionResource(out.PatientID, tmpl.Diagnosis, now.AddDate(0, 0, -10))); err != nil {
		return nil, err
	}
	order := serviceOrder{
		patientID:   out.PatientID,
		encounterID: out.EncounterID,
		code:        tmpl.Service,
		status:      "active",
		priority:    tmpl.Priority,
		authoredOn:  now,
		reasons:     []string{out.ConditionID},
	}
	if out.ServiceRequestID, err = mk("service-request", order.resource()); err != nil {
		return nil, err
	}
	bp, err := mk("observation-1", observationResource(out.PatientID, out.EncounterID, vitalSigns,
		codingSystolicBP, now.Add(-30*time.Minute), 128, "mmHg"))
	if err != nil {
		return nil, err
	}
	glucose, err := mk("observation-2", observationResource(out.PatientID, out.EncounterID, laboratory,
		codingGlucose, now.Add(-60*time.Minute), 96, "mg/dL"))
	if err != nil {
		return nil, err
	}
	out.ObservationIDs = []string{bp, glucose}

	if req.CreatePreAuthDraft {
		payerName := strings.TrimSpace(req.Payer)
		if payerName == "" {
			payerName = s.defaultPayer
		}
		v, err := s.workflow.CreateDraft(ctx, preauth.DraftRequest{
			PatientID:                out.PatientID,
			EncounterID:              out.EncounterID,
			PractitionerID:           out.PractitionerID,
			DiagnosisConditionID:     out.ConditionID,
			ServiceRequestID:         out.ServiceRequestID,
			Priority:                 preauth.PriorityRoutine,
			Payer:                    &payerName,
			SupportingObservationIDs: out.ObservationIDs,
		}, stepID(correlationID, "preauth"))
		if err != nil {
			return nil, fmt.Errorf("create scenario draft: %w", err)
		}
		id := v.ID.String()
		out.PreAuthID = &id
	}
	return out, nil
}
