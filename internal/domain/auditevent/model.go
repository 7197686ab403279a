package auditevent

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEvent maps to the som_audit_event table. Rows are append-only and
// double as the idempotency ledger for externally triggered mutations.
type AuditEvent struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	RecordedTime   time.Time       `db:"recorded_time" json:"recordedTime"`
	Actor          string          `db:"actor" json:"actor"`
	Operation      string          `db:"operation" json:"operation"`
	ResourceType   *string         `db:"resource_type" json:"resourceType"`
	ResourceID     *uuid.UUID      `db:"resource_id" json:"resourceId"`
	SOMTable       *string         `db:"som_table" json:"somTable"`
	SOMID          *uuid.UUID      `db:"som_id" json:"somId"`
	CorrelationID  *string         `db:"correlation_id" json:"correlationId"`
	RequestPayload json.RawMessage `db:"request_payload" json:"requestPayload"`
	ResultPayload  json.RawMessage `db:"result_payload" json:"resultPayload"`
	ProvenanceID   *uuid.UUID      `db:"provenance_id" json:"provenanceId"`
}

// Event is the input to Log.Emit. Request and Result are marshalled to JSON.
type Event struct {
	Actor         string
	Operation     string
	CorrelationID string
	ResourceType  string
	ResourceID    uuid.UUID
	SOMTable      string
	SOMID         uuid.UUID
	Request       interface{}
	Result        interface{}
	ProvenanceID  uuid.UUID
}

// Key identifies a previously performed operation. A nil Request matches
// any request payload; otherwise the payload must match exactly.
type Key struct {
	CorrelationID string
	Operation     string
	ResourceType  string
	Request       interface{}
}

type TraceFilter struct {
	CorrelationID string
	ResourceType  string
	ResourceID    string
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
