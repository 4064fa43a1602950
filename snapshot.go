package collab

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/slices"
)

// SnapshotSchemaVersion is the newest bundle schema this reader understands.
// Bump when the entity serialization changes shape.
const SnapshotSchemaVersion = 1

// Snapshot is a full serialization of an entity graph at a sequence number.
// A snapshot is superseded by a newer snapshot, never mutated in place.
type Snapshot struct {
	SchemaVersion  int       `json:"schemaVersion"`
	SequenceNumber uint64    `json:"sequenceNumber"`
	Entities       []*Entity `json:"entities"`
}

// EncodeSnapshot serializes a snapshot to the opaque versioned bundle form
// used on the wire and in the store. Entities are ordered by id so the same
// graph always yields the same bundle bytes.
func EncodeSnapshot(snapshot *Snapshot) ([]byte, error) {
	entities := slices.Clone(snapshot.Entities)
	slices.SortFunc(entities, func(a *Entity, b *Entity) int {
		return slices.Compare(a.Id.Bytes(), b.Id.Bytes())
	})
	ordered := &Snapshot{
		SchemaVersion:  snapshot.SchemaVersion,
		SequenceNumber: snapshot.SequenceNumber,
		Entities:       entities,
	}
	return json.Marshal(ordered)
}

func RequireEncodeSnapshot(snapshot *Snapshot) []byte {
	bundle, err := EncodeSnapshot(snapshot)
	if err != nil {
		panic(err)
	}
	return bundle
}

// DecodeSnapshot parses a bundle. The schema version header is checked before
// the body so a newer bundle fails with `ErrIncompatibleSchema` rather than a
// decode error.
func DecodeSnapshot(bundle []byte) (*Snapshot, error) {
	var header struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(bundle, &header); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptSnapshot, err)
	}
	if header.SchemaVersion > SnapshotSchemaVersion {
		return nil, fmt.Errorf("%w: bundle is v%d, reader is v%d", ErrIncompatibleSchema, header.SchemaVersion, SnapshotSchemaVersion)
	}
	if header.SchemaVersion <= 0 {
		return nil, fmt.Errorf("%w: missing schema version", ErrCorruptSnapshot)
	}
	snapshot := &Snapshot{}
	if err := json.Unmarshal(bundle, snapshot); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptSnapshot, err)
	}
	for _, entity := range snapshot.Entities {
		if entity == nil || entity.Id.IsZero() {
			return nil, fmt.Errorf("%w: entity missing id", ErrCorruptSnapshot)
		}
	}
	return snapshot, nil
}
