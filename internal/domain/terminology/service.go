package terminology

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/domain/provenance"
	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/auth"
	"github.com/ehr/preauth/internal/platform/db"
	"github.com/ehr/preauth/internal/platform/fhir"
)

const activityNormalize = "normalize-concept"

// Normalizer maps (system, code, version) codings onto stable concept rows.
type Normalizer struct {
	repo  Repository
	prov  *provenance.Recorder
	cache Cache
}

func NewNormalizer(repo Repository, prov *provenance.Recorder) *Normalizer {
	return &Normalizer{repo: repo, prov: prov}
}

// WithCache enables the read-through cache.
func (n *Normalizer) WithCache(c Cache) *Normalizer {
	n.cache = c
	return n
}

// Normalize returns the concept for the coding, creating the code system and
// concept on first sight and filling a missing display. It joins the caller's
// unit of work when ctx carries one.
func (n *Normalizer) Normalize(ctx context.Context, in Coding, correlationID string) (*Concept, error) {
	in.System = strings.TrimSpace(in.System)
	in.Code = strings.TrimSpace(in.Code)
	if in.System == "" || in.Code == "" {
		return nil, apperr.Validation("coding system and code are required")
	}

	key := in.cacheKey()
	if n.cache != nil {
		if c, ok := n.cache.Get(ctx, key); ok && (in.Display == "" || c.Display != nil) {
			return c, nil
		}
	}

	var provID uuid.UUID
	record := func() (uuid.UUID, error) {
		if provID != uuid.Nil {
			return provID, nil
		}
		id, err := n.prov.Record(ctx, provenance.Entry{
			Activity:      activityNormalize,
			Author:        auth.ActorFromContext(ctx),
			CorrelationID: correlationID,
		})
		provID = id
		return id, err
	}

	cs, err := n.ensureSystem(ctx, in, record)
	if err != nil {
		return nil, err
	}
	concept, err := n.ensureConcept(ctx, cs, in, record)
	if err != nil {
		return nil, err
	}

	if n.cache != nil {
		c := *concept
		db.AfterCommit(ctx, func(ctx context.Context) { n.cache.Set(ctx, key, &c) })
	}
	return concept, nil
}

func (n *Normalizer) ensureSystem(ctx context.Context, in Coding, record func() (uuid.UUID, error)) (*CodeSystem, error) {
	cs, err := n.repo.GetSystemByURI(ctx, in.System)
	switch {
	case err == nil:
		if cs.DefaultVersion == nil && in.Version != "" {
			pid, err := record()
			if err != nil {
				return nil, err
			}
			if err := n.repo.SetDefaultVersion(ctx, cs.ID, in.Version, pid); err != nil {
				return nil, fmt.Errorf("set default version: %w", err)
			}
			cs.DefaultVersion = optString(in.Version)
		}
		return cs, nil
	case !apperr.IsNotFound(err):
		return nil, err
	}

	pid, err := record()
	if err != nil {
		return nil, err
	}
	cs = &CodeSystem{SystemURI: in.System, DefaultVersion: optString(in.Version)}
	if err := n.repo.CreateSystem(ctx, cs, pid); err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			return n.repo.GetSystemByURI(ctx, in.System)
		}
		return nil, err
	}
	return cs, nil
}

func (n *Normalizer) ensureConcept(ctx context.Context, cs *CodeSystem, in Coding, record func() (uuid.UUID, error)) (*Concept, error) {
	version := optString(in.Version)
	c, err := n.repo.FindConcept(ctx, cs.ID, in.Code, version)
	switch {
	case err == nil:
		if c.Display == nil && in.Display != "" {
			pid, err := record()
			if err != nil {
				return nil, err
			}
			if err := n.repo.SetDisplay(ctx, c.ID, in.Display, pid); err != nil {
				return nil, fmt.Errorf("set concept display: %w", err)
			}
			c.Display = optString(in.Display)
		}
		return c, nil
	case !apperr.IsNotFound(err):
		return nil, err
	}

	pid, err := record()
	if err != nil {
		return nil, err
	}
	c = &Concept{
		CodeSystemID:  cs.ID,
		System:        cs.SystemURI,
		Code:          in.Code,
		Display:       optString(in.Display),
		VersionString: version,
	}
	if err := n.repo.CreateConcept(ctx, c, pid); err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			return n.repo.FindConcept(ctx, cs.ID, in.Code, version)
		}
		return nil, err
	}
	return c, nil
}

// NormalizeConcept picks the first complete coding of cc and normalizes it.
// cc.Text fills in a missing display.
func (n *Normalizer) NormalizeConcept(ctx context.Context, cc fhir.CodeableConcept, correlationID string) (*Concept, error) {
	coding, ok := cc.PickCoding()
	if !ok {
		return nil, apperr.Validation("missing coding.system/code")
	}
	display := coding.Display
	if display == "" {
		display = cc.Text
	}
	return n.Normalize(ctx, Coding{
		System:  coding.System,
		Code:    coding.Code,
		Display: display,
		Version: coding.Version,
	}, correlationID)
}

func (n *Normalizer) Get(ctx context.Context, id uuid.UUID) (*Concept, error) {
	return n.repo.GetConcept(ctx, id)
}

// FlushCache empties the concept cache, if one is configured.
func (n *Normalizer) FlushCache(ctx context.Context) error {
	if n.cache == nil {
		return nil
	}
	return n.cache.Flush(ctx)
}

// ToCodeableConcept renders a stored concept.
func ToCodeableConcept(c *Concept) fhir.CodeableConcept {
	coding := fhir.Coding{System: c.System, Code: c.Code, Display: c.DisplayOr("")}
	if c.VersionString != nil {
		coding.Version = *c.VersionString
	}
	return fhir.CodeableConcept{Coding: []fhir.Coding{coding}, Text: c.DisplayOr("")}
}
