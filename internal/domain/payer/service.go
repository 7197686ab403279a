package payer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/auditevent"
	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/db"
)

const (
	listLimit  = 200
	adminActor = "payer-admin"
)

// Store is the payer rule store. Writes for one payer are serialized with
// a named lock so that two concurrent activations cannot race on the one
// active set per payer.
type Store struct {
	repo         Repository
	tx           db.Transactor
	locker       db.Locker
	prov         *provenance.Recorder
	audit        *auditevent.Log
	defaultPayer string
}

func NewStore(repo Repository, tx db.Transactor, locker db.Locker, prov *provenance.Recorder, audit *auditevent.Log, defaultPayer string) *Store {
	return &Store{repo: repo, tx: tx, locker: locker, prov: prov, audit: audit, defaultPayer: defaultPayer}
}

// DefaultPayer is used for requests that name no payer.
func (s *Store) DefaultPayer() string {
	return s.defaultPayer
}

type ruleSetResult struct {
	ID     uuid.UUID `json:"id"`
	Payer  string    `json:"payer"`
	Status string    `json:"status"`
}

// GetActive returns the payer's active rule set or nil.
func (s *Store) GetActive(ctx context.Context, payer string) (*RuleSet, error) {
	payer = strings.TrimSpace(payer)
	if payer == "" {
		return nil, apperr.Validation("payer is required")
	}
	return s.repo.GetActive(ctx, payer)
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*RuleSet, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to 200 rule sets, most recently updated first.
func (s *Store) List(ctx context.Context, payer string) ([]*RuleSet, error) {
	return s.repo.List(ctx, strings.TrimSpace(payer), listLimit)
}

// RulesFor resolves the rules a determination for payer runs against: the
// active set when there is one, the built-in defaults otherwise. A stored
// document the evaluator cannot read is a configuration error.
func (s *Store) RulesFor(ctx context.Context, payer string) (*Rules, *RuleSet, error) {
	if strings.TrimSpace(payer) == "" {
		payer = s.defaultPayer
	}
	rs, err := s.repo.GetActive(ctx, payer)
	if err != nil {
		return nil, nil, err
	}
	if rs == nil {
		return DefaultRules(), nil, nil
	}
	rules, err := ParseRules(rs.Rules)
	if err != nil {
		return nil, nil, err
	}
	return rules, rs, nil
}

// UpsertActive stores req as the payer's new active rule set and archives
// the previous one in the same transaction.
func (s *Store) UpsertActive(ctx context.Context, req UpsertRequest, correlationID string) (*RuleSet, error) {
	return s.write(ctx, req, correlationID, StatusActive)
}

// SaveDraft stores req without affecting the active set.
func (s *Store) SaveDraft(ctx context.Context, req UpsertRequest, correlationID string) (*RuleSet, error) {
	return s.write(ctx, req, correlationID, StatusDraft)
}

func (s *Store) write(ctx context.Context, req UpsertRequest, correlationID, status string) (*RuleSet, error) {
	payer := strings.TrimSpace(req.Payer)
	if payer == "" {
		return nil, apperr.Validation("payer is required")
	}
	rules, err := ValidateRules(req.Rules)
	if err != nil {
		return nil, err
	}
	op, activity := "update", "update-payer-rules"
	if status == StatusDraft {
		op, activity = "create", "create-payer-rules"
	}
	key := map[string]interface{}{"payer": payer, "notes": req.Notes, "rules": json.RawMessage(req.Rules)}

	var out *RuleSet
	err = s.locker.WithLock(ctx, lockKey(payer), func(ctx context.Context) error {
		return s.tx.InTx(ctx, func(ctx context.Context) error {
			prior, ok, err := auditevent.Replay[ruleSetResult](ctx, s.audit, auditevent.Key{
				CorrelationID: correlationID,
				Operation:     op,
				ResourceType:  "PayerRuleSet",
				Request:       key,
			})
			if err != nil {
				return err
			}
			if ok {
				out, err = s.repo.GetByID(ctx, prior.ID)
				return err
			}

			actor := actorFrom(ctx)
			provID, err := s.prov.Record(ctx, provenance.Entry{
				Activity:      activity,
				Author:        actor,
				CorrelationID: correlationID,
			})
			if err != nil {
				return fmt.Errorf("record provenance: %w", err)
			}
			if status == StatusActive {
				if _, err := s.repo.ArchiveActive(ctx, payer, provID); err != nil {
					return err
				}
			}
			rs := &RuleSet{
				Payer:               payer,
				Status:              status,
				SchemaVersion:       rules.version(),
				Rules:               req.Rules,
				Notes:               req.Notes,
				CreatedProvenanceID: provID,
			}
			if err := s.repo.Create(ctx, rs); err != nil {
				return err
			}
			if err := s.finish(ctx, rs, provID, actor, op, correlationID, key); err != nil {
				return err
			}
			out = rs
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Activate makes a stored rule set the payer's active one, archiving the
// current active set. Activating the active set is a no-op.
func (s *Store) Activate(ctx context.Context, id uuid.UUID, correlationID string) (*RuleSet, error) {
	target, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	key := map[string]interface{}{"id": id}

	var out *RuleSet
	err = s.locker.WithLock(ctx, lockKey(target.Payer), func(ctx context.Context) error {
		return s.tx.InTx(ctx, func(ctx context.Context) error {
			prior, ok, err := auditevent.Replay[ruleSetResult](ctx, s.audit, auditevent.Key{
				CorrelationID: correlationID,
				Operation:     "activate",
				ResourceType:  "PayerRuleSet",
				Request:       key,
			})
			if err != nil {
				return err
			}
			if ok {
				out, err = s.repo.GetByID(ctx, prior.ID)
				return err
			}

			rs, err := s.repo.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if rs.Status == StatusActive {
				out = rs
				return nil
			}
			if _, err := ParseRules(rs.Rules); err != nil {
				var cfg *apperr.ConfigurationError
				if errors.As(err, &cfg) {
					return apperr.Validation("%s", cfg.Message)
				}
				return err
			}

			actor := actorFrom(ctx)
			provID, err := s.prov.Record(ctx, provenance.Entry{
				Activity:      "activate-payer-rules",
				Author:        actor,
				CorrelationID: correlationID,
			})
			if err != nil {
				return fmt.Errorf("record provenance: %w", err)
			}
			if _, err := s.repo.ArchiveActive(ctx, rs.Payer, provID); err != nil {
				return err
			}
			if err := s.repo.Activate(ctx, id, provID); err != nil {
				return err
			}
			if rs, err = s.repo.GetByID(ctx, id); err != nil {
				return err
			}
			if err := s.finish(ctx, rs, provID, actor, "activate", correlationID, key); err != nil {
				return err
			}
			out = rs
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) finish(ctx context.Context, rs *RuleSet, provID uuid.UUID, actor, op, correlationID string, key interface{}) error {
	if err := s.prov.SetTarget(ctx, provID, provenance.Target{
		ResourceType: "PayerRuleSet",
		ResourceID:   rs.ID,
		SOMTable:     TableRuleSet,
		SOMID:        rs.ID,
	}); err != nil {
		return fmt.Errorf("set provenance target: %w", err)
	}
	if err := s.audit.Emit(ctx, auditevent.Event{
		Actor:         actor,
		Operation:     op,
		CorrelationID: correlationID,
		ResourceType:  "PayerRuleSet",
		ResourceID:    rs.ID,
		SOMTable:      TableRuleSet,
		SOMID:         rs.ID,
		Request:       key,
		Result:        ruleSetResult{ID: rs.ID, Payer: rs.Payer, Status: rs.Status},
		ProvenanceID:  provID,
	}); err != nil {
		return fmt.Errorf("emit audit event: %w", err)
	}
	return nil
}

func actorFrom(ctx context.Context) string {
	if a := auth.ActorFromContext(ctx); a != auth.SystemActor {
		return a
	}
	return adminActor
}

// lockKey maps a payer onto the advisory lock space.
func lockKey(payer string) int64 {
	h := fnv.New64a()
	h.Write([]byte("payer-rules:" + payer))
	return int64(h.Sum64())
}
