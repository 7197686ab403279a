package auditevent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const traceLimit = 200

// Log is the audit log and idempotency index.
type Log struct {
	repo Repository
}

func NewLog(repo Repository) *Log {
	return &Log{repo: repo}
}

// Emit appends one audit event. Callers emit inside the same unit of work
// as the mutation it describes, as the last write.
func (l *Log) Emit(ctx context.Context, e Event) error {
	if e.Operation == "" {
		return fmt.Errorf("audit operation is required")
	}
	actor := e.Actor
	if actor == "" {
		actor = "system"
	}
	req, err := marshalPayload(e.Request)
	if err != nil {
		return fmt.Errorf("marshal audit request: %w", err)
	}
	res, err := marshalPayload(e.Result)
	if err != nil {
		return fmt.Errorf("marshal audit result: %w", err)
	}
	return l.repo.Create(ctx, &AuditEvent{
		Actor:          actor,
		Operation:      e.Operation,
		ResourceType:   optString(e.ResourceType),
		ResourceID:     optUUID(e.ResourceID),
		SOMTable:       optString(e.SOMTable),
		SOMID:          optUUID(e.SOMID),
		CorrelationID:  optString(e.CorrelationID),
		RequestPayload: req,
		ResultPayload:  res,
		ProvenanceID:   optUUID(e.ProvenanceID),
	})
}

// FindPriorResult returns the recorded result of the newest event matching
// k. Without a correlation id nothing is ever replayed.
func (l *Log) FindPriorResult(ctx context.Context, k Key) (json.RawMessage, bool, error) {
	if k.CorrelationID == "" {
		return nil, false, nil
	}
	var req []byte
	if k.Request != nil {
		var err error
		if req, err = Canonical(k.Request); err != nil {
			return nil, false, fmt.Errorf("marshal idempotency key: %w", err)
		}
	}
	ev, err := l.repo.FindLatest(ctx, k.CorrelationID, k.Operation, k.ResourceType, req)
	if err != nil || ev == nil {
		return nil, false, err
	}
	return ev.ResultPayload, true, nil
}

// Replay decodes the prior result for k into T. ok is false when the
// operation has not been performed for this correlation id yet.
func Replay[T any](ctx context.Context, l *Log, k Key) (out T, ok bool, err error) {
	raw, found, err := l.FindPriorResult(ctx, k)
	if err != nil || !found {
		return out, false, err
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out, true, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode prior result for %s %s: %w", k.Operation, k.ResourceType, err)
	}
	return out, true, nil
}

// Trace lists up to 200 events, newest first. A resource id that is not a
// UUID is ignored rather than rejected.
func (l *Log) Trace(ctx context.Context, f TraceFilter) ([]*AuditEvent, error) {
	var rid *uuid.UUID
	if f.ResourceID != "" {
		if id, err := uuid.Parse(f.ResourceID); err == nil {
			rid = &id
		}
	}
	return l.repo.Search(ctx, f.CorrelationID, f.ResourceType, rid, traceLimit)
}

// Canonical marshals v to JSON with object keys sorted at every level.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func marshalPayload(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
