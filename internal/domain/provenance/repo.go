package provenance

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists provenance records. Records are immutable apart from
// attaching a target once the target row id is known.
type Repository interface {
	Create(ctx context.Context, p *Provenance) error
	SetTarget(ctx context.Context, id uuid.UUID, t Target) error
	GetByID(ctx context.Context, id uuid.UUID) (*Provenance, error)
	ListByTarget(ctx context.Context, resourceType string, resourceID uuid.UUID, limit int) ([]*Provenance, error)
}
