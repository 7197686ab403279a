package terminology

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	GetSystemByURI(ctx context.Context, uri string) (*CodeSystem, error)
	CreateSystem(ctx context.Context, cs *CodeSystem, provenanceID uuid.UUID) error
	SetDefaultVersion(ctx context.Context, id uuid.UUID, version string, provenanceID uuid.UUID) error
	// FindConcept matches a nil version only against concepts without one.
	FindConcept(ctx context.Context, codeSystemID uuid.UUID, code string, version *string) (*Concept, error)
	CreateConcept(ctx context.Context, c *Concept, provenanceID uuid.UUID) error
	SetDisplay(ctx context.Context, id uuid.UUID, display string, provenanceID uuid.UUID) error
	GetConcept(ctx context.Context, id uuid.UUID) (*Concept, error)
}
