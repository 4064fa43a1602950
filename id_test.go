package collab

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIdRoundTrip(t *testing.T) {
	id := NewId()
	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, id, parsed)

	b, err := json.Marshal(id)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(b), 38)

	var decoded Id
	err = json.Unmarshal(b, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, decoded)
}

func TestIdInStruct(t *testing.T) {
	// ids nested in non-pointer struct fields must still marshal as uuid
	// strings
	type wrapper struct {
		EntityId Id `json:"entityId"`
	}
	w := wrapper{
		EntityId: NewId(),
	}
	b, err := json.Marshal(w)
	assert.Equal(t, err, nil)

	var decoded wrapper
	err = json.Unmarshal(b, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, w.EntityId, decoded.EntityId)
}

func TestParseIdInvalid(t *testing.T) {
	_, err := ParseId("not-a-uuid")
	assert.NotEqual(t, err, nil)

	_, err = ParseId("")
	assert.NotEqual(t, err, nil)
}

func TestDeriveIdStable(t *testing.T) {
	projectId := NewId()
	a := DeriveId(projectId, "master")
	b := DeriveId(projectId, "master")
	assert.Equal(t, a, b)

	c := DeriveId(projectId, "track-1")
	assert.NotEqual(t, a, c)

	otherProjectId := NewId()
	d := DeriveId(otherProjectId, "master")
	assert.NotEqual(t, a, d)
}
