package collab

import (
	"context"

	"github.com/golang/glog"
)

type ClientSettings struct {
	Graph   *GraphSettings
	Channel *SessionChannelSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Graph:   DefaultGraphSettings(),
		Channel: DefaultSessionChannelSettings(),
	}
}

// Client assembles one participant: the entity graph, the session channel,
// and the identifier reconciler sitting between local edits and the wire.
// First-content snapshots are persisted through the bundle capability.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	userId Id

	graph      *Graph
	channel    *SessionChannel
	reconciler *Reconciler
	bundles    *BundleClient
}

func NewClientWithDefaults(ctx context.Context, wsUrl string, bundleUrl string, projectId Id, userId Id, token string) *Client {
	return NewClient(ctx, wsUrl, bundleUrl, projectId, userId, token, DefaultClientSettings())
}

func NewClient(ctx context.Context, wsUrl string, bundleUrl string, projectId Id, userId Id, token string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	client := &Client{
		ctx:    cancelCtx,
		cancel: cancel,
		userId: userId,
	}
	client.bundles = NewBundleClient(cancelCtx, bundleUrl)

	graphSettings := *settings.Graph
	graphSettings.FirstContentCallback = client.persistFirstContent
	client.graph = NewGraph(cancelCtx, projectId, &graphSettings)
	client.channel = NewSessionChannel(cancelCtx, wsUrl, client.graph, userId, token, settings.Channel)
	client.reconciler = NewReconciler(client.graph, client.channel.Send)
	return client
}

func (self *Client) Graph() *Graph {
	return self.graph
}

func (self *Client) Channel() *SessionChannel {
	return self.channel
}

func (self *Client) Reconciler() *Reconciler {
	return self.reconciler
}

// WaitReady blocks until the join handshake completes.
func (self *Client) WaitReady(ctx context.Context) error {
	return self.channel.WaitReady(ctx)
}

// CreateEntity mutates locally and queues the creation for broadcast.
func (self *Client) CreateEntity(kind EntityKind, parentId Id, fields EntityFields) (Id, error) {
	entityId, event, err := self.graph.CreateLocal(self.userId, kind, parentId, fields)
	if err != nil {
		return Id{}, err
	}
	return entityId, self.reconciler.Offer(event)
}

// MoveEntity mutates locally and queues the move for broadcast.
func (self *Client) MoveEntity(entityId Id, newPosition float64) error {
	return self.mutate(&EntityMoved{
		EntityId:    entityId,
		NewPosition: newPosition,
	})
}

// ResizeEntity mutates locally and queues the resize for broadcast.
func (self *Client) ResizeEntity(entityId Id, newDuration float64) error {
	return self.mutate(&EntityResized{
		EntityId:    entityId,
		NewDuration: newDuration,
	})
}

// DeleteEntity mutates locally and queues the delete for broadcast.
func (self *Client) DeleteEntity(entityId Id) error {
	return self.mutate(&EntityDeleted{
		EntityId: entityId,
	})
}

// SetProperty mutates locally and queues the property change for broadcast.
func (self *Client) SetProperty(entityId Id, field string, value any) error {
	return self.mutate(&PropertyChanged{
		EntityId: entityId,
		Field:    field,
		Value:    value,
	})
}

func (self *Client) mutate(payload EventPayload) error {
	event, err := self.graph.ApplyLocal(self.userId, payload)
	if err != nil {
		return err
	}
	return self.reconciler.Offer(event)
}

// persistFirstContent stores the first durable checkpoint the moment the
// project first holds content beyond the scaffold.
func (self *Client) persistFirstContent(snapshot *Snapshot) {
	bundle, err := EncodeSnapshot(snapshot)
	if err != nil {
		glog.Infof("[c]%s first content encode error = %s\n", self.graph.ProjectId(), err)
		return
	}
	if err := self.bundles.PutBundle(self.graph.ProjectId(), snapshot.SequenceNumber, bundle); err != nil {
		glog.Infof("[c]%s first content persist error = %s\n", self.graph.ProjectId(), err)
		return
	}
	glog.V(1).Infof("[c]%s first content snapshot at seq %d\n", self.graph.ProjectId(), snapshot.SequenceNumber)
}

func (self *Client) Close() {
	self.cancel()
}
