package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/preauth/internal/domain/payer"
	"github.com/ehr/preauth/internal/domain/preauth"
	"github.com/ehr/preauth/internal/platform/db"
	"github.com/ehr/preauth/internal/platform/fhir"
)

const (
	SeedStatusSeeded        = "seeded"
	SeedStatusAlreadySeeded = "already-seeded"

	seedCorrelationID = "seed"
)

// SeedResult summarizes one Seed call. Only OK is set when the database
// already held patients.
type SeedResult struct {
	OK         string     `json:"ok"`
	PatientIDs []string   `json:"patientIds,omitempty"`
	PreAuthIDs []string   `json:"preAuthIds,omitempty"`
	DocumentID string     `json:"documentId,omitempty"`
	RuleSetID  *uuid.UUID `json:"ruleSetId,omitempty"`
}

// Seeder writes the fixed demo data set.
type Seeder struct {
	resources Resources
	rules     RuleWriter
	workflow  Workflow
	tx        db.Transactor
	now       func() time.Time
	logger    zerolog.Logger
}

func NewSeeder(resources Resources, rules RuleWriter, workflow Workflow, tx db.Transactor, logger zerolog.Logger) *Seeder {
	return &Seeder{
		resources: resources,
		rules:     rules,
		workflow:  workflow,
		tx:        tx,
		now:       time.Now,
		logger:    logger.With().Str("component", "seed").Logger(),
	}
}

// SetClock replaces the clock used for relative dates.
func (s *Seeder) SetClock(now func() time.Time) {
	s.now = now
}

// SeedRules is the Acme Payer rule set installed by Seed. It matches
// diagnoses by code where the built-in defaults match on text.
func SeedRules() *payer.Rules {
	kneeMRI := []payer.Coding{
		{System: systemCPT, Code: "73721"},
		{System: systemCPT, Code: "73722"},
		{System: systemCPT, Code: "73723"},
	}
	return &payer.Rules{
		SchemaVersion: payer.SupportedSchemaVersion,
		Policies: []payer.Policy{
			{
				ID:        "mri-knee-oa",
				Services:  payer.ServiceMatch{Codes: kneeMRI},
				Diagnosis: payer.DiagnosisMatch{Codes: []payer.Coding{{System: systemSNOMED, Code: codingOsteoarthritis.Code}}},
				RequiredDocuments: []payer.RequiredDocument{
					{Code: codingKneeXray.Code, Display: "Knee X-ray report (last 30 days)", MaxAgeDays: 30},
				},
				Outcome:              payer.OutcomeApproved,
				Rationale:            "Osteoarthritis criteria met with required documentation.",
				PendingInfoRationale: "Need recent knee X-ray report before approving advanced imaging.",
			},
			{
				ID:        "mri-knee-acute",
				Services:  payer.ServiceMatch{Codes: kneeMRI},
				Diagnosis: payer.DiagnosisMatch{Codes: []payer.Coding{{System: systemSNOMED, Code: codingAcuteKnee.Code}}},
				Outcome:   payer.OutcomeApproved,
				Rationale: "Acute injury criteria met for MRI knee.",
			},
		},
	}
}

// Seed loads the demo data set unless any patient exists. Everything is
// written in one unit of work. The third request is submitted, so with
// the inline runner it has been reviewed by the time Seed returns.
func (s *Seeder) Seed(ctx context.Context) (*SeedResult, error) {
	seeded, err := s.hasPatients(ctx)
	if err != nil {
		return nil, err
	}
	if seeded {
		s.logger.Info().Msg("database already seeded")
		return &SeedResult{OK: SeedStatusAlreadySeeded}, nil
	}

	out := &SeedResult{OK: SeedStatusSeeded}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.seed(ctx, out)
	})
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	s.logger.Info().
		Strs("patients", out.PatientIDs).
		Strs("preauths", out.PreAuthIDs).
		Msg("seed data loaded")
	return out, nil
}

func (s *Seeder) hasPatients(ctx context.Context) (bool, error) {
	h, err := s.resources.Lookup("Patient")
	if err != nil {
		return false, err
	}
	search, ok := h.(fhir.Searcher)
	if !ok {
		return false, fmt.Errorf("patient handler does not support search")
	}
	found, err := search.Search(ctx, url.Values{"_count": {"1"}})
	if err != nil {
		return false, fmt.Errorf("look for existing patients: %w", err)
	}
	return len(found) > 0, nil
}

func (s *Seeder) seed(ctx context.Context, out *SeedResult) error {
	now := s.now().UTC()
	step := 0
	mk := func(body resource) (string, error) {
		step++
		return create(ctx, s.resources, body, stepID(seedCorrelationID, fmt.Sprint(step)))
	}
	at := func(year int, month time.Month, day, hour, min int) time.Time {
		return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
	}

	rules, err := json.Marshal(SeedRules())
	if err != nil {
		return fmt.Errorf("marshal seed rules: %w", err)
	}
	notes := "Seed ruleset"
	rs, err := s.rules.UpsertActive(ctx, payer.UpsertRequest{Payer: seedPayer, Rules: rules, Notes: &notes}, seedCorrelationID)
	if err != nil {
		return err
	}
	out.RuleSetID = &rs.ID

	jane, err := mk(patientResource("MRN-1001", "Doe", "Jane", "1980-01-01"))
	if err != nil {
		return err
	}
	john, err := mk(patientResource("MRN-1002", "Roe", "John", "1975-06-15"))
	if err != nil {
		return err
	}
	out.PatientIDs = []string{jane, john}

	prac, err := mk(practitionerResource("Dr. Alice Example"))
	if err != nil {
		return err
	}
	org, err := mk(organizationResource("Sample Ortho Clinic"))
	if err != nil {
		return err
	}

	current, err := mk(encounterResource(jane, "in-progress", at(2026, 1, 5, 10, 0), time.Time{}))
	if err != nil {
		return err
	}
	earlier, err := mk(encounterResource(jane, "finished", at(2025, 12, 10, 9, 0), at(2025, 12, 10, 10, 0)))
	if err != nil {
		return err
	}
	if _, err := mk(encounterResource(john, "finished", at(2025, 11, 1, 12, 0), at(2025, 11, 1, 12, 30))); err != nil {
		return err
	}

	oa, err := mk(conditionResource(jane, codingOsteoarthritis, at(2024, 1, 1, 0, 0)))
	if err != nil {
		return err
	}
	acute, err := mk(conditionResource(jane, codingAcuteKnee, at(2026, 1, 1, 0, 0)))
	if err != nil {
		return err
	}
	htn, err := mk(conditionResource(john, codingHypertension, at(2020, 1, 1, 0, 0)))
	if err != nil {
		return err
	}

	oaOrder, err := mk(serviceOrder{
		patientID: jane, encounterID: earlier, code: codingMRIKnee, status: "active",
		priority: preauth.PriorityRoutine, authoredOn: at(2025, 12, 10, 9, 20), reasons: []string{oa},
	}.resource())
	if err != nil {
		return err
	}
	acuteOrder, err := mk(serviceOrder{
		patientID: jane, encounterID: current, code: codingMRIKnee, status: "draft",
		priority: preauth.PriorityUrgent, authoredOn: at(2026, 1, 5, 10, 5), reasons: []string{acute},
	}.resource())
	if err != nil {
		return err
	}
	if _, err := mk(serviceOrder{
		patientID: john, code: codingMRIKnee, status: "active",
		priority: preauth.PriorityRoutine, authoredOn: at(2025, 11, 1, 12, 0), reasons: []string{htn},
	}.resource()); err != nil {
		return err
	}

	// Ten observations: two at the earlier visit, eight at the current one.
	var obs []string
	addObs := func(encounterID, category string, code fhir.Coding, t time.Time, value float64, unit string) error {
		id, err := mk(observationResource(jane, encounterID, category, code, t, value, unit))
		obs = append(obs, id)
		return err
	}
	if err := addObs(earlier, vitalSigns, codingSystolicBP, at(2025, 12, 10, 9, 5), 128, "mmHg"); err != nil {
		return err
	}
	if err := addObs(earlier, laboratory, codingGlucose, at(2025, 12, 10, 9, 10), 96, "mg/dL"); err != nil {
		return err
	}
	for i := 0; i < 4; i++ {
		if err := addObs(current, vitalSigns, codingSystolicBP, at(2026, 1, 5, 10, i), float64(120+i), "mmHg"); err != nil {
			return err
		}
	}
	for i := 0; i < 4; i++ {
		if err := addObs(current, laboratory, codingGlucose, at(2026, 1, 5, 9, i), float64(90+i), "mg/dL"); err != nil {
			return err
		}
	}

	// The x-ray report exists but is not attached to any request.
	text := "Knee X-ray report (seed)\nFindings: mild osteoarthritis.\nImpression: no acute fracture.\n"
	bin, err := mk(resource{
		"resourceType": "Binary",
		"contentType":  "text/plain",
		"data":         base64.StdEncoding.EncodeToString([]byte(text)),
	})
	if err != nil {
		return err
	}
	out.DocumentID, err = mk(resource{
		"resourceType": "DocumentReference",
		"status":       "current",
		"type":         concept(codingKneeXray),
		"subject":      reference("Patient", jane),
		"date":         fhir.FormatDateTime(now.Add(-7 * 24 * time.Hour)),
		"description":  "Knee X-ray report",
		"context":      map[string]interface{}{"encounter": []fhir.Reference{reference("Encounter", current)}},
		"content": []map[string]interface{}{
			{"attachment": fhir.Attachment{URL: fhir.FormatReference("Binary", bin), Title: "Knee X-ray report (seed, last 30 days)"}},
		},
	})
	if err != nil {
		return err
	}

	drafts := []preauth.DraftRequest{
		{
			DiagnosisConditionID: oa, ServiceRequestID: oaOrder, Priority: preauth.PriorityRoutine,
			PolicyID: strPtr("POL-1"), Notes: strPtr("Seed draft"), SupportingObservationIDs: obs[:1],
		},
		{
			DiagnosisConditionID: acute, ServiceRequestID: acuteOrder, Priority: preauth.PriorityUrgent,
			PolicyID: strPtr("POL-2"), Notes: strPtr("Seed draft 2"), SupportingObservationIDs: obs[2:4],
		},
		{
			DiagnosisConditionID: oa, ServiceRequestID: oaOrder, Priority: preauth.PriorityRoutine,
			PolicyID: strPtr("POL-3"), Notes: strPtr("Seed submitted"), SupportingObservationIDs: obs[:1],
		},
	}
	for i, d := range drafts {
		d.PatientID, d.EncounterID, d.PractitionerID, d.OrganizationID = jane, current, prac, org
		d.Payer = strPtr(seedPayer)
		v, err := s.workflow.CreateDraft(ctx, d, stepID(seedCorrelationID, fmt.Sprintf("preauth-%d", i+1)))
		if err != nil {
			return err
		}
		out.PreAuthIDs = append(out.PreAuthIDs, v.ID.String())
		if i == len(drafts)-1 {
			if _, err := s.workflow.Submit(ctx, v.ID, stepID(seedCorrelationID, "submit")); err != nil {
				return err
			}
		}
	}
	return nil
}

func strPtr(s string) *string {
	return &s
}
