package documents

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	CreateDocument(ctx context.Context, d *Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*Document, error)
	SearchDocuments(ctx context.Context, f DocumentFilter) ([]*Document, error)
}
