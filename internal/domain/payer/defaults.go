package payer

const cptSystem = "http://www.ama-assn.org/go/cpt"

var kneeMRICodes = []Coding{
	{System: cptSystem, Code: "73721"},
	{System: cptSystem, Code: "73722"},
	{System: cptSystem, Code: "73723"},
}

// DefaultRules is evaluated for payers without an active rule set.
func DefaultRules() *Rules {
	return &Rules{
		SchemaVersion: SupportedSchemaVersion,
		Policies: []Policy{
			{
				ID:        "mri-knee-oa",
				Services:  ServiceMatch{Codes: kneeMRICodes},
				Diagnosis: DiagnosisMatch{AnyContains: []string{"osteoarthritis"}},
				RequiredDocuments: []RequiredDocument{
					{Code: "knee-xray-report", Display: "Knee X-ray report (last 30 days)", MaxAgeDays: 30},
				},
				Outcome:              OutcomeApproved,
				Rationale:            "Osteoarthritis criteria met with required documentation.",
				PendingInfoRationale: "Need recent knee X-ray report before approving advanced imaging.",
			},
			{
				ID:        "mri-knee-acute",
				Services:  ServiceMatch{Codes: kneeMRICodes},
				Diagnosis: DiagnosisMatch{AnyContains: []string{"acute", "injury"}},
				Outcome:   OutcomeApproved,
				Rationale: "Acute injury criteria met for MRI knee.",
			},
		},
	}
}
