package collab

import (
	"sync"

	"github.com/golang/glog"
)

// SendFunc forwards an event to the session channel.
type SendFunc func(event *ChangeEvent) error

// Reconciler resolves the duality between a locally-minted asset identifier
// and the server-canonical identifier issued once the asset is durably
// registered. An asset id is Provisional(localId) until registration
// completes, then Canonical(serverId).
//
// Events referencing a provisional asset are held here instead of sent: a
// provisional identifier must never leak into a broadcast, so late joiners
// only ever observe canonical ids. Events depending on an entity whose
// creation is itself held are held behind it, since sending them first would
// reach remote replicas before the entity exists there. On resolution the
// graph is re-pointed atomically on its apply path, the held events are
// rewritten, and only then released to the channel in original order.
type Reconciler struct {
	graph *Graph
	send  SendFunc

	mutex       sync.Mutex
	provisional map[Id]bool
	held        map[Id][]*ChangeEvent
	heldOrder   []Id
	// heldEntities maps an entity whose creation event is held to the
	// provisional asset id it waits on
	heldEntities map[Id]Id
}

func NewReconciler(graph *Graph, send SendFunc) *Reconciler {
	return &Reconciler{
		graph:        graph,
		send:         send,
		provisional:  map[Id]bool{},
		held:         map[Id][]*ChangeEvent{},
		heldEntities: map[Id]Id{},
	}
}

// MintProvisional creates a provisional asset id for a freshly imported
// asset, before registration completes.
func (self *Reconciler) MintProvisional() Id {
	assetId := NewId()
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.provisional[assetId] = true
	return assetId
}

// Offer forwards an event to the channel, unless it references a provisional
// asset or depends on a held entity, in which case it is held until the asset
// resolves.
func (self *Reconciler) Offer(event *ChangeEvent) error {
	self.mutex.Lock()
	if assetId, ok := self.holdKey(event); ok {
		if _, ok := self.held[assetId]; !ok {
			self.heldOrder = append(self.heldOrder, assetId)
		}
		self.held[assetId] = append(self.held[assetId], event)
		if created, ok := event.Payload.(*EntityCreated); ok {
			self.heldEntities[created.EntityId] = assetId
		}
		self.mutex.Unlock()
		glog.V(1).Infof("[r]%s holding %s for provisional asset %s\n", self.graph.ProjectId(), event.EventId, assetId)
		return nil
	}
	self.mutex.Unlock()
	return self.send(event)
}

// holdKey returns the provisional asset id an event must wait on: a direct
// reference to a provisional asset, or a dependency on an entity whose
// creation event is itself held. Caller must hold the mutex.
func (self *Reconciler) holdKey(event *ChangeEvent) (Id, bool) {
	if assetId, ok := eventAssetId(event); ok && self.provisional[assetId] {
		return assetId, true
	}
	for _, entityId := range eventEntityIds(event) {
		if assetId, ok := self.heldEntities[entityId]; ok {
			return assetId, true
		}
	}
	return Id{}, false
}

// HeldCount returns the number of events held back for provisional assets.
func (self *Reconciler) HeldCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	count := 0
	for _, events := range self.held {
		count += len(events)
	}
	return count
}

// Resolve installs the canonical id for a provisional asset. If the ids
// already match, only the provisional record is dropped. Otherwise every
// graph entity referencing the provisional id is re-pointed atomically with
// respect to the graph's apply path, then the held events are rewritten to
// the canonical id and released in order.
func (self *Reconciler) Resolve(provisionalId Id, canonicalId Id) error {
	if provisionalId != canonicalId {
		repointed, err := self.graph.ReconcileAsset(provisionalId, canonicalId)
		if err != nil {
			return err
		}
		glog.V(1).Infof("[r]%s reconciled asset %s -> %s (%d entities)\n", self.graph.ProjectId(), provisionalId, canonicalId, repointed)
	}

	self.mutex.Lock()
	delete(self.provisional, provisionalId)
	events := self.held[provisionalId]
	delete(self.held, provisionalId)
	for i, heldId := range self.heldOrder {
		if heldId == provisionalId {
			self.heldOrder = append(self.heldOrder[:i], self.heldOrder[i+1:]...)
			break
		}
	}
	for entityId, assetId := range self.heldEntities {
		if assetId == provisionalId {
			delete(self.heldEntities, entityId)
		}
	}
	self.mutex.Unlock()

	for _, event := range events {
		rewriteEventAssetId(event, provisionalId, canonicalId)
		if err := self.send(event); err != nil {
			return err
		}
	}
	return nil
}

// eventEntityIds lists the existing entities an event depends on.
func eventEntityIds(event *ChangeEvent) []Id {
	switch v := event.Payload.(type) {
	case *EntityCreated:
		return []Id{v.ParentId}
	case *EntityMoved:
		return []Id{v.EntityId}
	case *EntityResized:
		return []Id{v.EntityId}
	case *EntityDeleted:
		return []Id{v.EntityId}
	case *PropertyChanged:
		return []Id{v.EntityId}
	}
	return nil
}

// eventAssetId extracts the asset reference carried by an event, if any.
func eventAssetId(event *ChangeEvent) (Id, bool) {
	switch v := event.Payload.(type) {
	case *EntityCreated:
		if !v.Fields.AssetId.IsZero() {
			return v.Fields.AssetId, true
		}
	case *PropertyChanged:
		if v.Field == FieldAssetId {
			if s, ok := v.Value.(string); ok {
				if assetId, err := ParseId(s); err == nil {
					return assetId, true
				}
			}
		}
	}
	return Id{}, false
}

func rewriteEventAssetId(event *ChangeEvent, fromId Id, toId Id) {
	if fromId == toId {
		return
	}
	switch v := event.Payload.(type) {
	case *EntityCreated:
		if v.Fields.AssetId == fromId {
			v.Fields.AssetId = toId
		}
	case *PropertyChanged:
		if v.Field == FieldAssetId {
			if s, ok := v.Value.(string); ok {
				if assetId, err := ParseId(s); err == nil && assetId == fromId {
					v.Value = toId.String()
				}
			}
		}
	}
}
