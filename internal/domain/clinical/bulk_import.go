package clinical

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/job"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/domain/terminology"
	"github.com/ehr/preauth/internal/platform/apperr"
)

const (
	bulkImportBatch    = 10
	bulkImportMaxCount = 10000
	workerActor        = "worker"
)

var heartRate = terminology.Coding{System: "http://loinc.org", Code: "8867-4", Display: "Heart rate"}

type bulkImportParams struct {
	PatientID string `json:"patientId"`
	Count     int    `json:"count"`
}

// BulkImportWorker generates synthetic heart-rate observations for one
// patient in small batches. Observation ids derive from the job id, so a
// rerun after a crash skips rows it already wrote.
type BulkImportWorker struct {
	s   *Service
	now func() time.Time
}

func (s *Service) BulkImportWorker() *BulkImportWorker {
	return &BulkImportWorker{s: s, now: time.Now}
}

func (w *BulkImportWorker) Type() string { return job.TypeBulkImportObservations }

func (w *BulkImportWorker) Validate(raw json.RawMessage) (json.RawMessage, error) {
	p := bulkImportParams{Count: 25}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.Validation("invalid parameters: %v", err)
	}
	if p.PatientID == "" {
		return nil, apperr.Validation("Missing patientId")
	}
	if _, err := ParseID(p.PatientID); err != nil {
		return nil, err
	}
	if p.Count < 1 || p.Count > bulkImportMaxCount {
		return nil, apperr.Validation("count must be between 1 and %d", bulkImportMaxCount)
	}
	return json.Marshal(p)
}

func (w *BulkImportWorker) Run(ctx context.Context, j *job.Job, r job.Reporter) (interface{}, error) {
	var p bulkImportParams
	if err := json.Unmarshal(j.Parameters, &p); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	patientID, err := ParseID(p.PatientID)
	if err != nil {
		return nil, err
	}
	corr := ""
	if j.CorrelationID != nil {
		corr = *j.CorrelationID
	}
	if err := r.Progress(ctx, 0, "starting"); err != nil {
		return nil, err
	}
	if _, err := w.s.repo.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	code, err := w.s.terms.Normalize(ctx, heartRate, corr)
	if err != nil {
		return nil, err
	}

	wr := w.s.writer
	var provID uuid.UUID
	err = wr.tx.InTx(ctx, func(ctx context.Context) error {
		provID, err = wr.prov.Record(ctx, provenance.Entry{
			Activity:      "bulk-import",
			Author:        workerActor,
			CorrelationID: corr,
			Target:        &provenance.Target{ResourceType: "Job", ResourceID: j.ID, SOMTable: job.TableJob, SOMID: j.ID},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record provenance: %w", err)
	}

	base := w.now().UTC().Add(-time.Duration(p.Count) * time.Minute)
	category := CategoryVital
	unit := "bpm"
	valueType := ValueQuantity
	created := 0
	for start := 0; start < p.Count; start += bulkImportBatch {
		end := start + bulkImportBatch
		if end > p.Count {
			end = p.Count
		}
		err := wr.tx.InTx(ctx, func(ctx context.Context) error {
			for i := start; i < end; i++ {
				id := uuid.NewSHA1(j.ID, []byte(strconv.Itoa(i)))
				if _, err := w.s.repo.GetObservation(ctx, id); err == nil {
					continue
				} else if !apperr.IsNotFound(err) {
					return err
				}
				v := float64(60 + i%30)
				o := &Observation{
					ID:            id,
					PatientID:     patientID,
					Status:        "final",
					Category:      &category,
					CodeConceptID: code.ID,
					EffectiveTime: base.Add(time.Duration(i) * time.Minute),
					ValueType:     &valueType,
					QuantityValue: &v,
					QuantityUnit:  &unit,
					Record: Record{
						CreatedProvenanceID: provID,
						Extensions:          map[string]interface{}{"source": "bulk-import", "jobId": j.ID.String()},
					},
				}
				if err := w.s.repo.CreateObservation(ctx, o); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		created = end
		if err := r.Progress(ctx, created*100/p.Count, fmt.Sprintf("imported %d/%d", created, p.Count)); err != nil {
			return nil, err
		}
	}

	out := map[string]interface{}{"imported": created, "patientId": patientID.String()}
	err = wr.tx.InTx(ctx, func(ctx context.Context) error {
		return wr.audit.Emit(ctx, auditevent.Event{
			Actor:         workerActor,
			Operation:     "create",
			CorrelationID: corr,
			ResourceType:  "JobOutput",
			ResourceID:    j.ID,
			SOMTable:      job.TableJob,
			SOMID:         j.ID,
			Request:       j.Parameters,
			Result:        out,
			ProvenanceID:  provID,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("emit audit event: %w", err)
	}
	return out, nil
}
