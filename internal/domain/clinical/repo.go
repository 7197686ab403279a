package clinical

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	CreatePatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	SearchPatients(ctx context.Context, f PatientFilter) ([]*Patient, error)
}

type PractitionerRepository interface {
	CreatePractitioner(ctx context.Context, p *Practitioner) error
	GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error)
}

type OrganizationRepository interface {
	CreateOrganization(ctx context.Context, o *Organization) error
	GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error)
}

type EncounterRepository interface {
	CreateEncounter(ctx context.Context, e *Encounter) error
	GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error)
}

type ConditionRepository interface {
	CreateCondition(ctx context.Context, c *Condition) error
	GetCondition(ctx context.Context, id uuid.UUID) (*Condition, error)
	SearchConditions(ctx context.Context, f ConditionFilter) ([]*Condition, error)
}

// ServiceRequestRepository stores reason links together with the request;
// ReasonConditionIDs keep their rank order.
type ServiceRequestRepository interface {
	CreateServiceRequest(ctx context.Context, s *ServiceRequest) error
	GetServiceRequest(ctx context.Context, id uuid.UUID) (*ServiceRequest, error)
}

// ObservationRepository keeps one version row per write.
type ObservationRepository interface {
	CreateObservation(ctx context.Context, o *Observation) error
	GetObservation(ctx context.Context, id uuid.UUID) (*Observation, error)
	UpdateObservation(ctx context.Context, o *Observation, provenanceID uuid.UUID) error
	ListObservationVersions(ctx context.Context, id uuid.UUID) ([]*Observation, error)
	SearchObservations(ctx context.Context, f ObservationFilter) ([]*Observation, error)
}

type Repository interface {
	PatientRepository
	PractitionerRepository
	OrganizationRepository
	EncounterRepository
	ConditionRepository
	ServiceRequestRepository
	ObservationRepository
}
