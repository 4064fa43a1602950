package collab

import (
	"fmt"

	"golang.org/x/exp/maps"
)

type EntityKind string

const (
	EntityKindAudioUnit EntityKind = "AUDIO_UNIT"
	EntityKindTrack     EntityKind = "TRACK"
	EntityKindClip      EntityKind = "CLIP"
	EntityKindRegion    EntityKind = "REGION"
	EntityKindDevice    EntityKind = "DEVICE"
)

// permitted parent kind per child kind
// an audio unit is a root and has no parent
var permittedParentKinds = map[EntityKind][]EntityKind{
	EntityKindAudioUnit: {},
	EntityKindTrack:     {EntityKindAudioUnit},
	EntityKindClip:      {EntityKindTrack},
	EntityKindRegion:    {EntityKindTrack},
	EntityKindDevice:    {EntityKindTrack},
}

func parentKindPermitted(childKind EntityKind, parentKind EntityKind) bool {
	for _, permitted := range permittedParentKinds[childKind] {
		if permitted == parentKind {
			return true
		}
	}
	return false
}

// Entity is one node of the project document.
// The id is immutable once assigned. ParentId is a relation, not ownership:
// it must resolve against the graph, never via pointer.
type Entity struct {
	Id       Id           `json:"id"`
	Kind     EntityKind   `json:"kind"`
	ParentId Id           `json:"parentId,omitempty"`
	Fields   EntityFields `json:"fields"`
}

func (self *Entity) Copy() *Entity {
	out := *self
	out.Fields = self.Fields.Copy()
	return &out
}

// EntityFields holds the kind-specific mutable state. Unused fields stay at
// their zero value for kinds that do not carry them.
type EntityFields struct {
	Name     string  `json:"name,omitempty"`
	Position float64 `json:"position,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Enabled  bool    `json:"enabled,omitempty"`
	Muted    bool    `json:"muted,omitempty"`
	// AssetId references a registered media asset (e.g. an imported sample).
	// It may be provisional until the asset registration completes.
	AssetId Id `json:"assetId,omitempty"`
	// Params are device parameter values keyed by parameter name.
	Params map[string]float64 `json:"params,omitempty"`
}

func (self EntityFields) Copy() EntityFields {
	out := self
	if self.Params != nil {
		out.Params = maps.Clone(self.Params)
	}
	return out
}

// field names accepted by PROPERTY_CHANGED
const (
	FieldName     = "name"
	FieldPosition = "position"
	FieldDuration = "duration"
	FieldEnabled  = "enabled"
	FieldMuted    = "muted"
	FieldAssetId  = "assetId"
)

func (self *EntityFields) setField(field string, value any) error {
	switch field {
	case FieldName:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %s requires a string value", field)
		}
		self.Name = v
	case FieldPosition:
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("field %s requires a number value", field)
		}
		self.Position = v
	case FieldDuration:
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("field %s requires a number value", field)
		}
		self.Duration = v
	case FieldEnabled:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("field %s requires a bool value", field)
		}
		self.Enabled = v
	case FieldMuted:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("field %s requires a bool value", field)
		}
		self.Muted = v
	case FieldAssetId:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %s requires a string value", field)
		}
		assetId, err := ParseId(v)
		if err != nil {
			return err
		}
		self.AssetId = assetId
	default:
		if len(field) > len("params.") && field[:len("params.")] == "params." {
			v, ok := value.(float64)
			if !ok {
				return fmt.Errorf("field %s requires a number value", field)
			}
			if self.Params == nil {
				self.Params = map[string]float64{}
			}
			self.Params[field[len("params."):]] = v
			return nil
		}
		return fmt.Errorf("unknown field %s", field)
	}
	return nil
}
