package collab

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type ProjectState int

const (
	StateUninitialized ProjectState = iota
	StateLoading
	StateReady
	StateDegraded
)

func (self ProjectState) String() string {
	switch self {
	case StateUninitialized:
		return "Uninitialized"
	case StateLoading:
		return "Loading"
	case StateReady:
		return "Ready"
	case StateDegraded:
		return "Degraded"
	default:
		return fmt.Sprintf("ProjectState(%d)", int(self))
	}
}

type GraphSettings struct {
	// ScaffoldCount is the entity count of a fresh project's root structure.
	ScaffoldCount int
	// FirstContentCallback fires once per loaded project when the entity
	// count first exceeds the scaffold baseline. Called on its own
	// goroutine with a snapshot already taken on the apply path.
	FirstContentCallback func(snapshot *Snapshot)
	OpBufferSize         int
}

func DefaultGraphSettings() *GraphSettings {
	return &GraphSettings{
		ScaffoldCount: 2,
		OpBufferSize:  32,
	}
}

// Graph is the in-memory project document. Remote copies are independent
// replicas kept consistent via the event stream, never shared memory.
//
// All mutation, local-origin and remote-origin, is marshaled onto one
// sequential apply goroutine. That single-mutator discipline is the only
// thing preventing a torn graph, so every exported method funnels through
// the op channel.
type Graph struct {
	ctx    context.Context
	cancel context.CancelFunc

	projectId Id
	settings  *GraphSettings

	ops chan *graphOp

	// state below is owned by the run goroutine
	entities        map[Id]*Entity
	appliedEventIds map[Id]bool
	state           ProjectState
	dirty           bool
	lastSequence    uint64
	detector        *ChangeDetector
}

type graphOp struct {
	f      func() error
	result chan error
}

func NewGraphWithDefaults(ctx context.Context, projectId Id) *Graph {
	return NewGraph(ctx, projectId, DefaultGraphSettings())
}

func NewGraph(ctx context.Context, projectId Id, settings *GraphSettings) *Graph {
	cancelCtx, cancel := context.WithCancel(ctx)
	graph := &Graph{
		ctx:             cancelCtx,
		cancel:          cancel,
		projectId:       projectId,
		settings:        settings,
		ops:             make(chan *graphOp, settings.OpBufferSize),
		entities:        map[Id]*Entity{},
		appliedEventIds: map[Id]bool{},
		state:           StateUninitialized,
		detector:        NewChangeDetector(settings.ScaffoldCount),
	}
	go graph.run()
	return graph
}

func (self *Graph) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case op := <-self.ops:
			err := op.f()
			if op.result != nil {
				op.result <- err
			}
		}
	}
}

// do runs f on the apply goroutine and waits for the result.
func (self *Graph) do(f func() error) error {
	op := &graphOp{
		f:      f,
		result: make(chan error, 1),
	}
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case self.ops <- op:
	}
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case err := <-op.result:
		return err
	}
}

func (self *Graph) ProjectId() Id {
	return self.projectId
}

func (self *Graph) State() ProjectState {
	var state ProjectState
	self.do(func() error {
		state = self.state
		return nil
	})
	return state
}

func (self *Graph) Count() int {
	count := 0
	self.do(func() error {
		count = len(self.entities)
		return nil
	})
	return count
}

func (self *Graph) LastSequence() uint64 {
	var lastSequence uint64
	self.do(func() error {
		lastSequence = self.lastSequence
		return nil
	})
	return lastSequence
}

// Entity returns a copy of one entity.
func (self *Graph) Entity(entityId Id) (entity *Entity, ok bool) {
	self.do(func() error {
		if e, found := self.entities[entityId]; found {
			entity = e.Copy()
			ok = true
		}
		return nil
	})
	return
}

// Entities returns a copy of all entities.
func (self *Graph) Entities() []*Entity {
	var entities []*Entity
	self.do(func() error {
		entities = make([]*Entity, 0, len(self.entities))
		for _, entity := range self.entities {
			entities = append(entities, entity.Copy())
		}
		return nil
	})
	return entities
}

// BeginLoad marks the graph as loading while the join handshake is in
// flight. Ready is blocked until LoadSnapshot or LoadEmpty.
func (self *Graph) BeginLoad() {
	self.do(func() error {
		if self.state == StateUninitialized {
			self.state = StateLoading
		}
		return nil
	})
}

// LoadEmpty installs a fresh project containing only the scaffold.
// Refused while a ready project with unsaved content exists: a reset is
// permitted only when no ready content would be lost.
func (self *Graph) LoadEmpty() error {
	return self.do(func() error {
		if self.state == StateReady && self.dirty {
			return ErrUnsavedContent
		}
		self.entities = map[Id]*Entity{}
		self.appliedEventIds = map[Id]bool{}
		self.installScaffold()
		self.lastSequence = 0
		self.dirty = false
		self.state = StateReady
		self.detector.Reset(len(self.entities))
		return nil
	})
}

// LoadSnapshot replaces the graph with the server truth. Snapshots supersede
// local state on reconnect, so the unsaved-content guard does not apply.
func (self *Graph) LoadSnapshot(snapshot *Snapshot) error {
	return self.do(func() error {
		entities := map[Id]*Entity{}
		for _, entity := range snapshot.Entities {
			entities[entity.Id] = entity.Copy()
		}
		self.entities = entities
		self.appliedEventIds = map[Id]bool{}
		self.lastSequence = snapshot.SequenceNumber
		self.dirty = false
		self.state = StateReady
		self.detector.Reset(len(self.entities))
		return nil
	})
}

// SetDegraded surfaces a fatal load failure. The graph keeps whatever state
// it had; it is never silently reset to an empty project.
func (self *Graph) SetDegraded(reason error) {
	self.do(func() error {
		glog.Infof("[g]%s degraded = %s\n", self.projectId, reason)
		self.state = StateDegraded
		return nil
	})
}

// MarkSaved records that the current content is durably persisted.
func (self *Graph) MarkSaved() {
	self.do(func() error {
		self.dirty = false
		return nil
	})
}

func (self *Graph) installScaffold() {
	// the minimum root structure of a fresh project: one audio unit with
	// one track under it. ids are derived from the project id so every
	// replica installs an identical scaffold without exchanging events
	audioUnit := &Entity{
		Id:   DeriveId(self.projectId, "master"),
		Kind: EntityKindAudioUnit,
		Fields: EntityFields{
			Name:    "Master",
			Enabled: true,
		},
	}
	self.entities[audioUnit.Id] = audioUnit
	if self.settings.ScaffoldCount >= 2 {
		track := &Entity{
			Id:       DeriveId(self.projectId, "track-1"),
			Kind:     EntityKindTrack,
			ParentId: audioUnit.Id,
			Fields: EntityFields{
				Name:    "Track 1",
				Enabled: true,
			},
		}
		self.entities[track.Id] = track
	}
}

// Apply applies a remote-origin or echoed event. Duplicate eventIds are a
// silent no-op. Events older than the last applied sequence are dropped.
// `ErrUnknownParent` and `ErrUnknownEntity` mean the event was discarded;
// the caller logs and continues.
func (self *Graph) Apply(event *ChangeEvent) error {
	return self.do(func() error {
		return self.applyLocked(event, false)
	})
}

// ApplyLocal validates and applies a local payload, minting the unsequenced
// event for the caller to send.
func (self *Graph) ApplyLocal(userId Id, payload EventPayload) (*ChangeEvent, error) {
	event := NewChangeEvent(self.projectId, userId, payload)
	err := self.do(func() error {
		return self.applyLocked(event, true)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// CreateLocal mints a new entity locally and returns its id with the
// creation event to send.
func (self *Graph) CreateLocal(userId Id, kind EntityKind, parentId Id, fields EntityFields) (Id, *ChangeEvent, error) {
	entityId := NewId()
	event, err := self.ApplyLocal(userId, &EntityCreated{
		Kind:     kind,
		EntityId: entityId,
		ParentId: parentId,
		Fields:   fields,
	})
	if err != nil {
		return Id{}, nil, err
	}
	return entityId, event, nil
}

func (self *Graph) applyLocked(event *ChangeEvent, local bool) error {
	if self.appliedEventIds[event.EventId] {
		if 0 < event.SequenceNumber && self.lastSequence < event.SequenceNumber {
			// the echo of a self-applied event, now sequenced. re-apply
			// at its sequence position so last-write-wins by sequence
			// holds even when a remote write interleaved. payloads set
			// absolute values, so re-application is idempotent
			if err := self.applyPayload(event.Payload); err != nil {
				glog.V(1).Infof("[g]%s echo drop %s = %s\n", self.projectId, event.EventId, err)
			}
			self.lastSequence = event.SequenceNumber
		}
		glog.V(2).Infof("[g]%s dup %s\n", self.projectId, event.EventId)
		return nil
	}
	if 0 < event.SequenceNumber && event.SequenceNumber <= self.lastSequence {
		// stale: a later-sequenced event already applied to this field set
		glog.V(1).Infof("[g]%s stale seq %d <= %d\n", self.projectId, event.SequenceNumber, self.lastSequence)
		return nil
	}

	if err := self.applyPayload(event.Payload); err != nil {
		return err
	}

	self.appliedEventIds[event.EventId] = true
	if self.lastSequence < event.SequenceNumber {
		self.lastSequence = event.SequenceNumber
	}
	if local {
		self.dirty = true
	}
	if self.detector.Observe(len(self.entities)) {
		if callback := self.settings.FirstContentCallback; callback != nil {
			snapshot := self.serializeLocked()
			go callback(snapshot)
		}
	}
	return nil
}

func (self *Graph) applyPayload(payload EventPayload) error {
	switch v := payload.(type) {
	case *EntityCreated:
		if _, ok := self.entities[v.EntityId]; ok {
			// already present. concurrent creation of the same canonical
			// entity resolves to the first arrival
			glog.V(1).Infof("[g]%s create exists %s\n", self.projectId, v.EntityId)
			return nil
		}
		if v.ParentId.IsZero() {
			if v.Kind != EntityKindAudioUnit {
				return fmt.Errorf("%w: %s requires a parent", ErrUnknownParent, v.Kind)
			}
		} else {
			parent, ok := self.entities[v.ParentId]
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownParent, v.ParentId)
			}
			if !parentKindPermitted(v.Kind, parent.Kind) {
				return fmt.Errorf("%w: %s cannot parent %s", ErrUnknownParent, parent.Kind, v.Kind)
			}
		}
		self.entities[v.EntityId] = &Entity{
			Id:       v.EntityId,
			Kind:     v.Kind,
			ParentId: v.ParentId,
			Fields:   v.Fields.Copy(),
		}
	case *EntityMoved:
		entity, ok := self.entities[v.EntityId]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEntity, v.EntityId)
		}
		entity.Fields.Position = v.NewPosition
	case *EntityResized:
		entity, ok := self.entities[v.EntityId]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEntity, v.EntityId)
		}
		entity.Fields.Duration = v.NewDuration
	case *EntityDeleted:
		if _, ok := self.entities[v.EntityId]; !ok {
			// concurrent delete of the same entity: second delete is a no-op
			glog.V(1).Infof("[g]%s delete absent %s\n", self.projectId, v.EntityId)
			return nil
		}
		self.deleteSubtree(v.EntityId)
	case *PropertyChanged:
		entity, ok := self.entities[v.EntityId]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEntity, v.EntityId)
		}
		if err := entity.Fields.setField(v.Field, v.Value); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEventType, v)
	}
	return nil
}

// deleteSubtree removes an entity and every descendant so no parent relation
// is left dangling.
func (self *Graph) deleteSubtree(entityId Id) {
	delete(self.entities, entityId)
	for _, entity := range maps.Values(self.entities) {
		if entity.ParentId == entityId {
			self.deleteSubtree(entity.Id)
		}
	}
}

// Serialize takes a snapshot of the graph at its current sequence.
func (self *Graph) Serialize() *Snapshot {
	var snapshot *Snapshot
	self.do(func() error {
		snapshot = self.serializeLocked()
		return nil
	})
	return snapshot
}

func (self *Graph) serializeLocked() *Snapshot {
	entities := make([]*Entity, 0, len(self.entities))
	for _, entity := range self.entities {
		entities = append(entities, entity.Copy())
	}
	return &Snapshot{
		SchemaVersion:  SnapshotSchemaVersion,
		SequenceNumber: self.lastSequence,
		Entities:       entities,
	}
}

// ReconcileAsset re-points every entity referencing the provisional asset id
// to the canonical id, atomically with respect to the apply path. Returns the
// number of entities re-pointed.
func (self *Graph) ReconcileAsset(provisionalId Id, canonicalId Id) (int, error) {
	count := 0
	err := self.do(func() error {
		if provisionalId == canonicalId {
			return nil
		}
		for _, entity := range self.entities {
			if entity.Fields.AssetId == provisionalId {
				entity.Fields.AssetId = canonicalId
				count += 1
			}
		}
		return nil
	})
	return count, err
}

func (self *Graph) Close() {
	self.cancel()
}
