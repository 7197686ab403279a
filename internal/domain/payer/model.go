package payer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/apperr"
)

const TableRuleSet = "som_payer_rule_set"

// Rule set lifecycle.
const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Determination outcomes.
const (
	OutcomeApproved    = "approved"
	OutcomeDenied      = "denied"
	OutcomePendingInfo = "pending-info"
)

// SupportedSchemaVersion is the only rules document layout the evaluator
// understands.
const SupportedSchemaVersion = "1"

// RuleSet is one stored, payer-scoped rules document.
type RuleSet struct {
	ID                  uuid.UUID       `json:"id"`
	Payer               string          `json:"payer"`
	Status              string          `json:"status"`
	SchemaVersion       string          `json:"schemaVersion"`
	Rules               json.RawMessage `json:"rules"`
	Notes               *string         `json:"notes"`
	Version             int             `json:"version"`
	CreatedTime         time.Time       `json:"createdTime"`
	UpdatedTime         time.Time       `json:"updatedTime"`
	CreatedProvenanceID uuid.UUID       `json:"-"`
	UpdatedProvenanceID *uuid.UUID      `json:"-"`
}

// SchemaVersion accepts both "1" and 1 on the wire.
type SchemaVersion string

func (v *SchemaVersion) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = SchemaVersion(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("schemaVersion must be a string or number")
	}
	*v = SchemaVersion(n.String())
	return nil
}

// Rules is a parsed rules document.
type Rules struct {
	SchemaVersion SchemaVersion `json:"schemaVersion,omitempty"`
	Policies      []Policy      `json:"policies"`
}

type Coding struct {
	System string `json:"system"`
	Code   string `json:"code"`
}

type Reason struct {
	Code    string `json:"code"`
	Display string `json:"display"`
}

// ServiceMatch selects services either by explicit codings or, for older
// documents, by a bare CPT list.
type ServiceMatch struct {
	Codes      []Coding `json:"codes,omitempty"`
	CPT        []string `json:"cpt,omitempty"`
	PriorityIn []string `json:"priorityIn,omitempty"`
}

type DiagnosisMatch struct {
	Codes       []Coding `json:"codes,omitempty"`
	AnyContains []string `json:"anyContains,omitempty"`
}

type RequiredDocument struct {
	Code       string `json:"code"`
	Display    string `json:"display,omitempty"`
	MaxAgeDays int    `json:"maxAgeDays,omitempty"`
}

type Policy struct {
	ID                     string             `json:"id,omitempty"`
	Services               ServiceMatch       `json:"services"`
	PriorityIn             []string           `json:"priorityIn,omitempty"`
	Diagnosis              DiagnosisMatch     `json:"diagnosis"`
	RequiredDocuments      []RequiredDocument `json:"requiredDocuments,omitempty"`
	Outcome                string             `json:"outcome,omitempty"`
	ReasonCodes            []Reason           `json:"reasonCodes,omitempty"`
	Rationale              string             `json:"rationale,omitempty"`
	PendingInfoRationale   string             `json:"pendingInfoRationale,omitempty"`
	PendingInfoReasonCodes []Reason           `json:"pendingInfoReasonCodes,omitempty"`
}

// Requirement describes one piece of evidence the payer still needs.
type Requirement struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Display    string `json:"display"`
	MaxAgeDays int    `json:"maxAgeDays"`
}

// Result is a payer determination.
type Result struct {
	Outcome                 string        `json:"outcome"`
	PolicyID                string        `json:"policyId,omitempty"`
	ReasonCodes             []Reason      `json:"reasonCodes"`
	Rationale               string        `json:"rationale"`
	RequestedAdditionalInfo []Requirement `json:"requestedAdditionalInfo"`
}

// Document is an attached piece of evidence as seen by the evaluator. A zero
// Time means the document carries no usable date.
type Document struct {
	Code string
	Time time.Time
}

// Input carries the request facts the evaluator looks at.
type Input struct {
	ServiceSystem   string
	ServiceCode     string
	ServiceText     string
	ServicePriority string
	DiagnosisSystem string
	DiagnosisCode   string
	DiagnosisText   string
	PreAuthPriority string
	Documents       []Document
}

// UpsertRequest is the body of a rules write.
type UpsertRequest struct {
	Payer string          `json:"payer"`
	Rules json.RawMessage `json:"rules"`
	Notes *string         `json:"notes,omitempty"`
}

// ParseRules decodes a stored rules document for evaluation. Anything the
// evaluator cannot interpret is a configuration error.
func ParseRules(raw json.RawMessage) (*Rules, error) {
	var r Rules
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, apperr.Configuration("payer rules are not a valid rules document: %v", err)
	}
	if err := r.checkSchema(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Rules) version() string {
	if r.SchemaVersion == "" {
		return SupportedSchemaVersion
	}
	return string(r.SchemaVersion)
}

func (r *Rules) checkSchema() error {
	if v := r.version(); v != SupportedSchemaVersion {
		return apperr.Configuration("Unsupported payer rules schemaVersion: %s", v)
	}
	return nil
}

// ValidateRules checks a rules document submitted for storage.
func ValidateRules(raw json.RawMessage) (*Rules, error) {
	if len(raw) == 0 {
		return nil, apperr.Validation("rules must be an object")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, apperr.Validation("rules must be an object")
	}
	var r Rules
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, apperr.Validation("invalid rules document: %v", err)
	}
	if v := r.version(); v != SupportedSchemaVersion {
		return nil, apperr.Validation("Unsupported payer rules schemaVersion: %s", v)
	}
	for i, p := range r.Policies {
		switch p.Outcome {
		case "", OutcomeApproved, OutcomeDenied:
		default:
			return nil, apperr.Validation("policies[%d].outcome must be approved or denied, got %q", i, p.Outcome)
		}
		for j, d := range p.RequiredDocuments {
			if d.Code == "" {
				return nil, apperr.Validation("policies[%d].requiredDocuments[%d].code is required", i, j)
			}
			if d.MaxAgeDays < 0 {
				return nil, apperr.Validation("policies[%d].requiredDocuments[%d].maxAgeDays must not be negative", i, j)
			}
		}
	}
	return &r, nil
}
