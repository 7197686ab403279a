// Package admin holds development-only maintenance operations.
package admin

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/db"
)

// resetLockKey serializes resets across every server instance.
const resetLockKey int64 = 9_884_221

// SeedFunc loads the demo data set into an empty database.
type SeedFunc func(ctx context.Context) (interface{}, error)

type Service struct {
	tables TableRepository
	tx     db.Transactor
	locker db.Locker
	prov   *provenance.Recorder
	audit  *auditevent.Log
	seed   SeedFunc
	dev    bool
	logger zerolog.Logger

	afterTruncate []func(ctx context.Context) error
}

func NewService(tables TableRepository, tx db.Transactor, locker db.Locker, prov *provenance.Recorder,
	audit *auditevent.Log, seed SeedFunc, dev bool, logger zerolog.Logger) *Service {
	return &Service{
		tables: tables,
		tx:     tx,
		locker: locker,
		prov:   prov,
		audit:  audit,
		seed:   seed,
		dev:    dev,
		logger: logger.With().Str("component", "admin").Logger(),
	}
}

// AfterTruncate registers fn to run once the truncate has committed and
// before seeding. Caches keyed by row ids are flushed here.
func (s *Service) AfterTruncate(fn func(ctx context.Context) error) {
	s.afterTruncate = append(s.afterTruncate, fn)
}

// Reset empties every application table and, unless asked not to, seeds
// the demo data again. The truncate commits before seeding starts. The
// provenance and audit rows describing the reset are written last so they
// survive it.
func (s *Service) Reset(ctx context.Context, req ResetRequest, correlationID string) (*ResetResult, error) {
	if !s.dev {
		return nil, apperr.Validation("Reset is only allowed when ENV=development")
	}
	var out *ResetResult
	err := s.locker.WithLock(ctx, resetLockKey, func(ctx context.Context) error {
		tables, err := s.tables.ListTables(ctx)
		if err != nil {
			return err
		}
		if len(tables) == 0 {
			return apperr.Validation("No tables found to reset")
		}
		if err := s.tx.InTx(ctx, func(ctx context.Context) error {
			return s.tables.Truncate(ctx, tables)
		}); err != nil {
			return err
		}
		s.logger.Warn().Strs("tables", tables).Msg("application tables truncated")
		for _, fn := range s.afterTruncate {
			if err := fn(ctx); err != nil {
				return fmt.Errorf("after truncate: %w", err)
			}
		}

		out = &ResetResult{OK: true, Truncated: tables, SeedResult: map[string]string{"ok": "skipped"}}
		if req.seed() && s.seed != nil {
			res, err := s.seed(ctx)
			if err != nil {
				return fmt.Errorf("seed after reset: %w", err)
			}
			out.Seeded, out.SeedResult = true, res
		}

		return s.tx.InTx(ctx, func(ctx context.Context) error {
			actor := auth.ActorFromContext(ctx)
			provID, err := s.prov.Record(ctx, provenance.Entry{
				Activity:      "reset",
				Author:        actor,
				CorrelationID: correlationID,
				Target:        &provenance.Target{ResourceType: ResourceReset},
			})
			if err != nil {
				return fmt.Errorf("record provenance: %w", err)
			}
			return s.audit.Emit(ctx, auditevent.Event{
				Actor:         actor,
				Operation:     "reset",
				CorrelationID: correlationID,
				ResourceType:  ResourceReset,
				ResourceID:    uuid.Nil,
				Request:       map[string]bool{"seed": req.seed()},
				Result:        out,
				ProvenanceID:  provID,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
