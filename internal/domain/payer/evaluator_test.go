package payer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/preauth/internal/platform/apperr"
)

var evalNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func kneeMRI(diagnosis string) Input {
	return Input{
		ServiceSystem:   cptSystem,
		ServiceCode:     "73721",
		ServiceText:     "MRI knee without contrast",
		ServicePriority: "routine",
		DiagnosisSystem: "http://snomed.info/sct",
		DiagnosisCode:   "396275006",
		DiagnosisText:   diagnosis,
		PreAuthPriority: "routine",
	}
}

func TestEvaluate_NoPolicyMatchDenies(t *testing.T) {
	in := kneeMRI("Osteoarthritis of knee")
	in.ServiceCode = "99999"

	res, err := Evaluate(DefaultRules(), evalNow, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, res.Outcome)
	require.Len(t, res.ReasonCodes, 1)
	assert.Equal(t, "no-policy-match", res.ReasonCodes[0].Code)
	assert.Empty(t, res.RequestedAdditionalInfo)
	assert.Empty(t, res.PolicyID)
}

func TestEvaluate_EmptyRulesDenies(t *testing.T) {
	res, err := Evaluate(&Rules{}, evalNow, kneeMRI("anything"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, res.Outcome)
	assert.Equal(t, "no-policy-match", res.ReasonCodes[0].Code)
}

func TestEvaluate_DocumentGating(t *testing.T) {
	in := kneeMRI("Osteoarthritis of knee")

	res, err := Evaluate(DefaultRules(), evalNow, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingInfo, res.Outcome)
	assert.Equal(t, "mri-knee-oa", res.PolicyID)
	assert.Equal(t, []Reason{missingDocs}, res.ReasonCodes)
	assert.Equal(t, "Need recent knee X-ray report before approving advanced imaging.", res.Rationale)
	require.Len(t, res.RequestedAdditionalInfo, 1)
	assert.Equal(t, Requirement{
		Type:       "document",
		Code:       "knee-xray-report",
		Display:    "Knee X-ray report (last 30 days)",
		MaxAgeDays: 30,
	}, res.RequestedAdditionalInfo[0])

	in.Documents = []Document{{Code: "KNEE-XRAY-REPORT", Time: evalNow.AddDate(0, 0, -3)}}
	res, err = Evaluate(DefaultRules(), evalNow, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Equal(t, []Reason{policyReason}, res.ReasonCodes)
	assert.Equal(t, "Osteoarthritis criteria met with required documentation.", res.Rationale)
	assert.Empty(t, res.RequestedAdditionalInfo)
}

func TestEvaluate_DocumentAgeWindow(t *testing.T) {
	in := kneeMRI("osteoarthritis")

	tests := []struct {
		name string
		age  time.Duration
		want string
	}{
		{"exactly 30 days", 30 * 24 * time.Hour, OutcomeApproved},
		{"30 days and 23 hours", 30*24*time.Hour + 23*time.Hour, OutcomePendingInfo},
		{"one second past 30 days", 30*24*time.Hour + time.Second, OutcomePendingInfo},
		{"31 days", 31 * 24 * time.Hour, OutcomePendingInfo},
		{"dated in the future", -48 * time.Hour, OutcomeApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in.Documents = []Document{{Code: "knee-xray-report", Time: evalNow.Add(-tt.age)}}
			res, err := Evaluate(DefaultRules(), evalNow, in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
		})
	}
}

func TestSatisfied_ComparesFullDuration(t *testing.T) {
	docs := []Document{{Code: "X", Time: evalNow.Add(-(30*24*time.Hour + 23*time.Hour))}}
	assert.False(t, Satisfied("X", 30, evalNow, docs))
	assert.True(t, Satisfied("X", 31, evalNow, docs))
}

func TestEvaluate_UndatedDocumentCountsAsCurrent(t *testing.T) {
	in := kneeMRI("osteoarthritis")
	in.Documents = []Document{{Code: "knee-xray-report"}}
	res, err := Evaluate(DefaultRules(), evalNow, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
}

func TestEvaluate_ListsEveryMissingDocument(t *testing.T) {
	rules := &Rules{Policies: []Policy{{
		ID: "two-docs",
		RequiredDocuments: []RequiredDocument{
			{Code: "a", Display: "Doc A", MaxAgeDays: 10},
			{Code: "b"},
			{Code: "c", MaxAgeDays: 5},
		},
		Outcome:                OutcomeApproved,
		PendingInfoReasonCodes: []Reason{{Code: "need-more", Display: "Need more"}},
	}}}
	in := Input{Documents: []Document{{Code: "c", Time: evalNow.AddDate(0, 0, -1)}}}

	res, err := Evaluate(rules, evalNow, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingInfo, res.Outcome)
	assert.Equal(t, "Additional documentation required.", res.Rationale)
	assert.Equal(t, []Reason{{Code: "need-more", Display: "Need more"}}, res.ReasonCodes)
	assert.Equal(t, []Requirement{
		{Type: "document", Code: "a", Display: "Doc A", MaxAgeDays: 10},
		{Type: "document", Code: "b", Display: "b", MaxAgeDays: defaultMaxAgeDays},
	}, res.RequestedAdditionalInfo)
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	rules := &Rules{Policies: []Policy{
		{ID: "first", Outcome: OutcomeDenied, Rationale: "first"},
		{ID: "second", Outcome: OutcomeApproved, Rationale: "second"},
	}}
	res, err := Evaluate(rules, evalNow, Input{})
	require.NoError(t, err)
	assert.Equal(t, "first", res.PolicyID)
	assert.Equal(t, OutcomeDenied, res.Outcome)
}

func TestEvaluate_OutcomeDefaultsToDenied(t *testing.T) {
	res, err := Evaluate(&Rules{Policies: []Policy{{ID: "bare"}}}, evalNow, Input{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, res.Outcome)
	assert.Equal(t, "Determined by policy.", res.Rationale)
}

func TestEvaluate_AcuteInjuryApprovesWithoutDocuments(t *testing.T) {
	in := kneeMRI("Acute knee injury")
	in.DiagnosisCode = "263204007"
	res, err := Evaluate(DefaultRules(), evalNow, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Equal(t, "mri-knee-acute", res.PolicyID)
	assert.Equal(t, "Acute injury criteria met for MRI knee.", res.Rationale)
}

func TestEvaluate_DiagnosisCodes(t *testing.T) {
	rules := &Rules{Policies: []Policy{{
		ID:        "coded",
		Diagnosis: DiagnosisMatch{Codes: []Coding{{System: "http://snomed.info/sct", Code: "396275006"}}},
		Outcome:   OutcomeApproved,
	}}}

	res, err := Evaluate(rules, evalNow, kneeMRI("free text ignored"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)

	in := kneeMRI("")
	in.DiagnosisSystem = "http://hl7.org/fhir/sid/icd-10"
	res, err = Evaluate(rules, evalNow, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, res.Outcome)
}

func TestEvaluate_DiagnosisCodesAndKeywordsBothApply(t *testing.T) {
	rules := &Rules{Policies: []Policy{{
		Diagnosis: DiagnosisMatch{
			Codes:       []Coding{{System: "http://snomed.info/sct", Code: "396275006"}},
			AnyContains: []string{"bilateral"},
		},
		Outcome: OutcomeApproved,
	}}}
	res, err := Evaluate(rules, evalNow, kneeMRI("Osteoarthritis of knee"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, res.Outcome)

	res, err = Evaluate(rules, evalNow, kneeMRI("Bilateral osteoarthritis"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
}

func TestEvaluate_PriorityIn(t *testing.T) {
	rules := &Rules{Policies: []Policy{{
		Services: ServiceMatch{PriorityIn: []string{"urgent"}},
		Outcome:  OutcomeApproved,
	}}}

	tests := []struct {
		name            string
		preauthPriority string
		servicePriority string
		want            string
	}{
		{"request priority matches", "urgent", "routine", OutcomeApproved},
		{"request priority wins over service", "routine", "urgent", OutcomeDenied},
		{"falls back to service priority", "", "urgent", OutcomeApproved},
		{"neither matches", "", "routine", OutcomeDenied},
		{"neither present", "", "", OutcomeApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(rules, evalNow, Input{PreAuthPriority: tt.preauthPriority, ServicePriority: tt.servicePriority})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
		})
	}
}

func TestEvaluate_PolicyLevelPriorityIn(t *testing.T) {
	rules := &Rules{Policies: []Policy{{PriorityIn: []string{"routine"}, Outcome: OutcomeApproved}}}
	res, err := Evaluate(rules, evalNow, Input{PreAuthPriority: "routine"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
}

func TestEvaluate_LegacyCPTList(t *testing.T) {
	rules := &Rules{Policies: []Policy{{
		ID:       "legacy",
		Services: ServiceMatch{CPT: []string{"73721", ""}},
		Outcome:  OutcomeApproved,
	}}}

	tests := []struct {
		name string
		code string
		text string
		want string
	}{
		{"exact code", "73721", "", OutcomeApproved},
		{"code in display text", "", "MRI knee (CPT 73721)", OutcomeApproved},
		{"unrelated service", "70551", "MRI brain", OutcomeDenied},
		// The substring path also fires on text that only happens to carry
		// the digits. This is the documented false positive of the bare
		// list form.
		{"digits inside an unrelated number", "99213", "Referral ref 1273721-B", OutcomeApproved},
		{"empty entries never match everything", "", "anything at all", OutcomeDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(rules, evalNow, Input{ServiceCode: tt.code, ServiceText: tt.text})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
		})
	}
}

func TestEvaluate_ExplicitCodesIgnoreLegacyList(t *testing.T) {
	rules := &Rules{Policies: []Policy{{
		Services: ServiceMatch{Codes: []Coding{{System: cptSystem, Code: "73721"}}, CPT: []string{"MRI"}},
		Outcome:  OutcomeApproved,
	}}}
	res, err := Evaluate(rules, evalNow, Input{ServiceSystem: cptSystem, ServiceCode: "70551", ServiceText: "MRI brain"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, res.Outcome)
}

func TestEvaluate_UnsupportedSchemaFailsClosed(t *testing.T) {
	_, err := Evaluate(&Rules{SchemaVersion: "2"}, evalNow, Input{})
	require.Error(t, err)
	assert.True(t, apperr.IsConfiguration(err))
}

func TestParseRules(t *testing.T) {
	r, err := ParseRules([]byte(`{"schemaVersion": 1, "policies": [{"id": "p"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "1", r.version())
	require.Len(t, r.Policies, 1)

	r, err = ParseRules([]byte(`{"policies": []}`))
	require.NoError(t, err)
	assert.Equal(t, SupportedSchemaVersion, r.version())

	_, err = ParseRules([]byte(`{"schemaVersion": "2", "policies": []}`))
	assert.True(t, apperr.IsConfiguration(err))

	_, err = ParseRules([]byte(`[1, 2]`))
	assert.True(t, apperr.IsConfiguration(err))
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		ok   bool
	}{
		{"default layout", `{"schemaVersion":"1","policies":[{"outcome":"approved"}]}`, true},
		{"no policies", `{"schemaVersion":"1"}`, true},
		{"not an object", `["x"]`, false},
		{"schema 2", `{"schemaVersion":"2","policies":[]}`, false},
		{"pending-info is not terminal", `{"policies":[{"outcome":"pending-info"}]}`, false},
		{"unknown outcome", `{"policies":[{"outcome":"maybe"}]}`, false},
		{"document without code", `{"policies":[{"requiredDocuments":[{"display":"x"}]}]}`, false},
		{"negative age", `{"policies":[{"requiredDocuments":[{"code":"x","maxAgeDays":-1}]}]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateRules([]byte(tt.doc))
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}
