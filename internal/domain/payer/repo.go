package payer

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, rs *RuleSet) error
	GetByID(ctx context.Context, id uuid.UUID) (*RuleSet, error)
	// GetActive returns nil when the payer has no active set.
	GetActive(ctx context.Context, payer string) (*RuleSet, error)
	List(ctx context.Context, payer string, limit int) ([]*RuleSet, error)
	// ArchiveActive archives the payer's active set and reports how many
	// rows changed.
	ArchiveActive(ctx context.Context, payer string, provenanceID uuid.UUID) (int64, error)
	Activate(ctx context.Context, id, provenanceID uuid.UUID) error
}
