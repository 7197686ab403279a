package clinical

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

type OrganizationMapper struct {
	s *Service
}

func (m *OrganizationMapper) ResourceType() string { return "Organization" }

func (m *OrganizationMapper) Create(ctx context.Context, body json.RawMessage, correlationID string) (map[string]interface{}, error) {
	o := &Organization{}
	return m.s.writer.Create(ctx, CreateSpec{
		ResourceType:  "Organization",
		SOMTable:      TableOrganization,
		CorrelationID: correlationID,
		Request:       body,
		Prepare: func(ctx context.Context) error {
			var in struct {
				Name string `json:"name"`
			}
			if err := decode(body, "Organization", &in); err != nil {
				return err
			}
			o.Name = optString(in.Name)
			return nil
		},
		Insert: func(ctx context.Context, provID uuid.UUID) (uuid.UUID, map[string]interface{}, error) {
			o.CreatedProvenanceID = provID
			if err := m.s.repo.CreateOrganization(ctx, o); err != nil {
				return uuid.Nil, nil, err
			}
			return o.ID, o.ToFHIR(), nil
		},
	})
}

func (m *OrganizationMapper) Read(ctx context.Context, id string) (map[string]interface{}, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	o, err := m.s.repo.GetOrganization(ctx, oid)
	if err != nil {
		return nil, err
	}
	return o.ToFHIR(), nil
}
