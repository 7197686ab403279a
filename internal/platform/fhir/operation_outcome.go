package fhir

import (
	"errors"

	"github.com/ehr/preauth/internal/platform/apperr"
)

// OperationOutcome severity levels per FHIR R4 spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by this server.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeRequired     = "required"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeNotSupported = "not-supported"
	IssueTypeBusinessRule = "business-rule"
	IssueTypeException    = "exception"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{{
			Severity:    severity,
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// HasErrors returns true if any issue is error or fatal.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// OutcomeFromError renders an application error as an OperationOutcome,
// choosing the issue code from the error taxonomy.
func OutcomeFromError(err error) *OperationOutcome {
	code := IssueTypeException
	var (
		nf *apperr.NotFoundError
		tr *apperr.InvalidTransitionError
		mr *apperr.MissingRequirementError
		ve *apperr.ValidationError
		ce *apperr.ConfigurationError
	)
	switch {
	case errors.As(err, &nf):
		code = IssueTypeNotFound
	case errors.As(err, &tr), errors.As(err, &mr):
		code = IssueTypeBusinessRule
	case errors.As(err, &ve):
		code = IssueTypeInvalid
	case errors.As(err, &ce):
		code = IssueTypeProcessing
	}
	return NewOperationOutcome(IssueSeverityError, code, err.Error())
}
