package clinical

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/db"
)

// Writer runs the create flow shared by every mapped resource inside one
// unit of work: replay a prior result for the correlation id, otherwise
// prepare, record provenance, insert, point provenance at the new row and
// emit the audit event last.
type Writer struct {
	tx    db.Transactor
	prov  *provenance.Recorder
	audit *auditevent.Log
}

func NewWriter(tx db.Transactor, prov *provenance.Recorder, audit *auditevent.Log) *Writer {
	return &Writer{tx: tx, prov: prov, audit: audit}
}

// CreateSpec describes one create.
type CreateSpec struct {
	ResourceType  string
	SOMTable      string
	CorrelationID string
	// Request is both the idempotency payload and the audited request.
	Request interface{}
	// Prepare validates input and resolves references before any
	// provenance is written. Optional.
	Prepare func(ctx context.Context) error
	// Insert writes the row and returns its id and the rendered result.
	Insert func(ctx context.Context, provenanceID uuid.UUID) (uuid.UUID, map[string]interface{}, error)
}

func (w *Writer) Create(ctx context.Context, spec CreateSpec) (map[string]interface{}, error) {
	return w.write(ctx, "create", spec)
}

// Update runs the same flow for an in-place change of an existing row,
// keyed on the "update" operation.
func (w *Writer) Update(ctx context.Context, spec CreateSpec) (map[string]interface{}, error) {
	return w.write(ctx, "update", spec)
}

func (w *Writer) write(ctx context.Context, op string, spec CreateSpec) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := w.tx.InTx(ctx, func(ctx context.Context) error {
		prior, ok, err := auditevent.Replay[map[string]interface{}](ctx, w.audit, auditevent.Key{
			CorrelationID: spec.CorrelationID,
			Operation:     op,
			ResourceType:  spec.ResourceType,
			Request:       spec.Request,
		})
		if err != nil {
			return err
		}
		if ok {
			out = prior
			return nil
		}

		if spec.Prepare != nil {
			if err := spec.Prepare(ctx); err != nil {
				return err
			}
		}
		actor := auth.ActorFromContext(ctx)
		provID, err := w.prov.Record(ctx, provenance.Entry{
			Activity:      op,
			Author:        actor,
			CorrelationID: spec.CorrelationID,
		})
		if err != nil {
			return fmt.Errorf("record provenance: %w", err)
		}
		id, result, err := spec.Insert(ctx, provID)
		if err != nil {
			return err
		}
		if err := w.prov.SetTarget(ctx, provID, provenance.Target{
			ResourceType: spec.ResourceType,
			ResourceID:   id,
			SOMTable:     spec.SOMTable,
			SOMID:        id,
		}); err != nil {
			return fmt.Errorf("set provenance target: %w", err)
		}
		if err := w.audit.Emit(ctx, auditevent.Event{
			Actor:         actor,
			Operation:     op,
			CorrelationID: spec.CorrelationID,
			ResourceType:  spec.ResourceType,
			ResourceID:    id,
			SOMTable:      spec.SOMTable,
			SOMID:         id,
			Request:       spec.Request,
			Result:        result,
			ProvenanceID:  provID,
		}); err != nil {
			return fmt.Errorf("emit audit event: %w", err)
		}
		out = result
		return nil
	})
	return out, err
}
