package preauth

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() *Request {
	enc := uuid.New()
	payerName := "Acme Payer"
	return &Request{
		ID:                   uuid.New(),
		PatientID:            uuid.New(),
		EncounterID:          &enc,
		PractitionerID:       uuid.New(),
		DiagnosisConditionID: uuid.New(),
		ServiceRequestID:     uuid.New(),
		Status:               StatusSubmitted,
		Priority:             PriorityRoutine,
		Payer:                &payerName,
	}
}

func TestPackageBody_ChecksumIsStable(t *testing.T) {
	body := newPackageBody(testRequest())
	body.SupportingDocuments = append(body.SupportingDocuments, snapshotDocument{
		ID: uuid.NewString(), TypeConceptID: uuid.NewString(), Role: RoleSupporting,
	})

	a, rawA, err := body.Checksum()
	require.NoError(t, err)
	b, rawB, err := body.Checksum()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, rawA, rawB)
	assert.Len(t, a, 64)

	body.SupportingDocuments[0].Role = "imaging"
	c, _, err := body.Checksum()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	body.SupportingDocuments[0].Role = RoleSupporting
	body.SupportingDocuments[0].ID = uuid.NewString()
	d, _, err := body.Checksum()
	require.NoError(t, err)
	assert.NotEqual(t, a, d, "a different document must change the checksum")
}

func TestPackageBody_SameContentSameChecksum(t *testing.T) {
	r := testRequest()
	doc := snapshotDocument{ID: uuid.NewString(), TypeConceptID: uuid.NewString(), Role: RoleSupporting}

	first := newPackageBody(r)
	first.SupportingDocuments = append(first.SupportingDocuments, doc)
	second := newPackageBody(r)
	second.SupportingDocuments = append(second.SupportingDocuments, doc)

	a, _, err := first.Checksum()
	require.NoError(t, err)
	b, _, err := second.Checksum()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPackageBody_NullsOptionalReferences(t *testing.T) {
	r := testRequest()
	r.EncounterID = nil
	_, raw, err := newPackageBody(r).Checksum()
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Contains(t, generic, "encounter")
	assert.Nil(t, generic["encounter"])
	assert.Nil(t, generic["organization"])
	assert.Equal(t, []interface{}{}, generic["supportingDocuments"])
	assert.Equal(t, SnapshotSchemaVersion, generic["schemaVersion"])
}

func TestVerifySnapshot(t *testing.T) {
	sum, raw, err := newPackageBody(testRequest()).Checksum()
	require.NoError(t, err)
	s := &Snapshot{Checksum: sum, Body: raw}

	ok, err := VerifySnapshot(s)
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-encoding with different key order and whitespace still verifies.
	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))
	pretty, err := json.MarshalIndent(generic, "", "  ")
	require.NoError(t, err)
	ok, err = VerifySnapshot(&Snapshot{Checksum: sum, Body: pretty})
	require.NoError(t, err)
	assert.True(t, ok)

	generic["preAuthRequest"].(map[string]interface{})["status"] = StatusApproved
	tampered, err := json.Marshal(generic)
	require.NoError(t, err)
	ok, err = VerifySnapshot(&Snapshot{Checksum: sum, Body: tampered})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifySnapshot(&Snapshot{Checksum: sum, Body: []byte("{")})
	assert.Error(t, err)
}
