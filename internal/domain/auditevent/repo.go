package auditevent

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, e *AuditEvent) error
	// FindLatest returns the newest event for the key, or nil. request is
	// canonical JSON, or nil to ignore the payload.
	FindLatest(ctx context.Context, correlationID, operation, resourceType string, request []byte) (*AuditEvent, error)
	Search(ctx context.Context, correlationID, resourceType string, resourceID *uuid.UUID, limit int) ([]*AuditEvent, error)
}
