package preauth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStale is returned by UpdateStatus when the row no longer has the
// status and version the caller read.
var ErrStale = errors.New("preauth request changed concurrently")

// Repository persists the preauthorization aggregate and its child rows.
// Single-row lookups that may legitimately find nothing return nil, nil.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	// GetForUpdate reads the request and holds it until the enclosing unit
	// of work ends, serializing callers that read-then-act on one request.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Request, error)
	// UpdateStatus moves a request from one status to another, provided it
	// is still at the given version, and returns the updated row.
	UpdateStatus(ctx context.Context, id uuid.UUID, from string, version int, to string, provenanceID uuid.UUID) (*Request, error)
	Search(ctx context.Context, f Filter) ([]*Request, error)
	// ListInFlight returns requests waiting on a review whose last update
	// is older than before, oldest first.
	ListInFlight(ctx context.Context, before time.Time, limit int) ([]*Request, error)

	AppendStatus(ctx context.Context, c *StatusChange) error
	ListStatus(ctx context.Context, preAuthID uuid.UUID) ([]*StatusChange, error)
	StatusChangeForJob(ctx context.Context, preAuthID, jobID uuid.UUID, to string) (*StatusChange, error)

	CreateSnapshot(ctx context.Context, s *Snapshot) error
	LatestSnapshot(ctx context.Context, preAuthID uuid.UUID) (*Snapshot, error)

	// AttachDocument returns apperr.ErrDuplicate when the (request,
	// document, role) link already exists.
	AttachDocument(ctx context.Context, l *DocumentLink) error
	FindDocumentLink(ctx context.Context, preAuthID, documentID uuid.UUID, role string) (*DocumentLink, error)
	ListDocumentLinks(ctx context.Context, preAuthID uuid.UUID) ([]*DocumentLink, error)

	// CreateDecision returns apperr.ErrDuplicate when the job already
	// recorded a decision.
	CreateDecision(ctx context.Context, d *Decision) error
	LatestDecision(ctx context.Context, preAuthID uuid.UUID) (*Decision, error)
	DecisionForJob(ctx context.Context, jobID uuid.UUID) (*Decision, error)
}
