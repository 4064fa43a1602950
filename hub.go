package collab

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type HubSettings struct {
	// SessionBufferSize is the per-session outbound envelope buffer. A
	// session that cannot keep up is closed and resyncs on reconnect
	// rather than silently losing events.
	SessionBufferSize int
	// ScaffoldCount mirrors the client graph settings so composed
	// snapshots start from the same baseline.
	ScaffoldCount int
	// PersistComposedSnapshots writes back a snapshot composed on join so
	// the next join is served directly.
	PersistComposedSnapshots bool
	// EchoToSender includes the sender in the broadcast. The sender
	// discards the echo as a duplicate but uses its sequence number to
	// settle interleaved writes.
	EchoToSender      bool
	MessageBufferSize int
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		SessionBufferSize:        64,
		ScaffoldCount:            2,
		PersistComposedSnapshots: true,
		EchoToSender:             true,
		MessageBufferSize:        32,
	}
}

// RoomSession is one connected participant of a room, held by the hub actor.
// The hub pushes outbound envelopes into the send channel; the transport
// drains it.
type RoomSession struct {
	SessionId Id
	UserId    Id

	send      chan *Envelope
	closeOnce sync.Once
	closed    chan struct{}
}

func NewRoomSession(userId Id, bufferSize int) *RoomSession {
	return &RoomSession{
		SessionId: NewId(),
		UserId:    userId,
		send:      make(chan *Envelope, bufferSize),
		closed:    make(chan struct{}),
	}
}

// Receive returns the outbound envelope channel for the transport to drain.
func (self *RoomSession) Receive() <-chan *Envelope {
	return self.send
}

// Closed is closed when the hub evicts the session.
func (self *RoomSession) Closed() <-chan struct{} {
	return self.closed
}

func (self *RoomSession) close() {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
}

// push enqueues without blocking the hub actor. A full buffer evicts the
// session: it will reconnect and take a fresh snapshot.
func (self *RoomSession) push(envelope *Envelope) bool {
	select {
	case <-self.closed:
		return false
	case self.send <- envelope:
		return true
	default:
		glog.Infof("[h]slow session %s, evicting\n", self.SessionId)
		self.close()
		return false
	}
}

type hubMessage struct {
	join   *RoomSession
	leave  *RoomSession
	sender *RoomSession
	event  *ChangeEvent
	result chan error
}

// RoomHub is the serial actor for one project's room. It alone mutates the
// session set and assigns sequence numbers; join, leave and events all pass
// through one message channel. Different rooms run fully concurrently and
// share only the event store.
type RoomHub struct {
	ctx    context.Context
	cancel context.CancelFunc

	projectId Id
	store     *EventStore
	settings  *HubSettings

	messages chan *hubMessage

	// removeFunc detaches the hub from its registry when the room empties
	removeFunc func()

	// state below is owned by the run goroutine
	sessions        map[Id]*RoomSession
	lastSequence    uint64
	createdEntities map[Id]bool
	started         bool
}

func NewRoomHub(ctx context.Context, projectId Id, store *EventStore, removeFunc func(), settings *HubSettings) *RoomHub {
	cancelCtx, cancel := context.WithCancel(ctx)
	hub := &RoomHub{
		ctx:             cancelCtx,
		cancel:          cancel,
		projectId:       projectId,
		store:           store,
		settings:        settings,
		messages:        make(chan *hubMessage, settings.MessageBufferSize),
		removeFunc:      removeFunc,
		sessions:        map[Id]*RoomSession{},
		createdEntities: map[Id]bool{},
	}
	go hub.run()
	return hub
}

func (self *RoomHub) run() {
	defer func() {
		if self.removeFunc != nil {
			self.removeFunc()
		}
		self.cancel()
		for _, session := range self.sessions {
			session.close()
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.messages:
			var err error
			switch {
			case message.join != nil:
				err = self.handleJoin(message.join)
			case message.leave != nil:
				self.handleLeave(message.leave)
			case message.event != nil:
				err = self.handleEvent(message.sender, message.event)
			}
			if message.result != nil {
				message.result <- err
			}
			if len(self.sessions) == 0 && self.started {
				// last leave destroys the room. durable state lives in
				// the store, not here
				glog.V(1).Infof("[h]%s empty, tearing down\n", self.projectId)
				return
			}
		}
	}
}

func (self *RoomHub) send(message *hubMessage) error {
	message.result = make(chan error, 1)
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case self.messages <- message:
	}
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case err := <-message.result:
		return err
	}
}

// Join registers the session and queues the snapshot or empty reply to the
// joining session only, ahead of any later broadcast.
func (self *RoomHub) Join(session *RoomSession) error {
	return self.send(&hubMessage{
		join: session,
	})
}

func (self *RoomHub) Leave(session *RoomSession) {
	self.send(&hubMessage{
		leave: session,
	})
}

// Event sequences, persists and broadcasts one event. The sender receives an
// ACK instead of the broadcast; it already self-applied and discards the
// echo as a duplicate anyway.
func (self *RoomHub) Event(sender *RoomSession, event *ChangeEvent) error {
	return self.send(&hubMessage{
		sender: sender,
		event:  event,
	})
}

func (self *RoomHub) handleJoin(session *RoomSession) error {
	if !self.started {
		if err := self.start(); err != nil {
			return err
		}
	}

	reply, err := self.composeJoinReply()
	if err != nil {
		return err
	}
	session.push(reply)
	self.sessions[session.SessionId] = session
	glog.V(1).Infof("[h]%s join %s (%d sessions)\n", self.projectId, session.SessionId, len(self.sessions))
	return nil
}

// start lazily loads the durable room state on first join.
func (self *RoomHub) start() error {
	lastSequence, err := self.store.LastSequence(self.ctx, self.projectId)
	if err != nil {
		return err
	}
	createdEntities, err := self.store.CreatedEntityIds(self.ctx, self.projectId)
	if err != nil {
		return err
	}
	self.lastSequence = lastSequence
	self.createdEntities = createdEntities
	self.started = true
	return nil
}

func (self *RoomHub) composeJoinReply() (*Envelope, error) {
	body, snapshotSequenceNumber, err := self.store.LatestSnapshot(self.ctx, self.projectId)
	if err != nil {
		return nil, err
	}
	trailing, err := self.store.EventsAfter(self.ctx, self.projectId, snapshotSequenceNumber)
	if err != nil {
		return nil, err
	}

	if body == nil && len(trailing) == 0 {
		// zero prior content
		return NewEmptyEnvelope(self.projectId), nil
	}
	if len(trailing) == 0 {
		// serve the stored bundle directly
		return NewSnapshotEnvelope(self.projectId, snapshotSequenceNumber, body), nil
	}

	snapshot, err := self.composeSnapshot(body, trailing)
	if err != nil {
		return nil, err
	}
	bundle, err := EncodeSnapshot(snapshot)
	if err != nil {
		return nil, err
	}
	if self.settings.PersistComposedSnapshots {
		if err := self.store.SaveSnapshot(self.ctx, self.projectId, snapshot.SequenceNumber, bundle); err != nil {
			glog.Infof("[h]%s persist composed snapshot error = %s\n", self.projectId, err)
		}
	}
	return NewSnapshotEnvelope(self.projectId, snapshot.SequenceNumber, bundle), nil
}

// composeSnapshot replays trailing events on top of the stored bundle (or
// the empty baseline) in sequence order.
func (self *RoomHub) composeSnapshot(body []byte, trailing []*ChangeEvent) (*Snapshot, error) {
	graph := NewGraph(self.ctx, self.projectId, &GraphSettings{
		ScaffoldCount: self.settings.ScaffoldCount,
		OpBufferSize:  8,
	})
	defer graph.Close()

	if body == nil {
		if err := graph.LoadEmpty(); err != nil {
			return nil, err
		}
	} else {
		snapshot, err := DecodeSnapshot(body)
		if err != nil {
			return nil, err
		}
		if err := graph.LoadSnapshot(snapshot); err != nil {
			return nil, err
		}
	}
	for _, event := range trailing {
		if err := graph.Apply(event); err != nil {
			// a dropped event is not fatal to composition
			glog.Infof("[h]%s compose drop %s = %s\n", self.projectId, event.EventId, err)
		}
	}
	return graph.Serialize(), nil
}

func (self *RoomHub) handleLeave(session *RoomSession) {
	if _, ok := self.sessions[session.SessionId]; !ok {
		return
	}
	delete(self.sessions, session.SessionId)
	session.close()
	glog.V(1).Infof("[h]%s leave %s (%d sessions)\n", self.projectId, session.SessionId, len(self.sessions))
}

func (self *RoomHub) handleEvent(sender *RoomSession, event *ChangeEvent) error {
	event = self.rewriteConflict(event)

	sequenceNumber, err := self.store.AppendEvent(self.ctx, event)
	if errors.Is(err, ErrDuplicateEvent) {
		// at-least-once resend after reconnect. re-ack, do not re-broadcast
		if sender != nil {
			sender.push(NewAckEnvelope(self.projectId, event.EventId, sequenceNumber))
		}
		return nil
	}
	if err != nil {
		return err
	}
	if self.lastSequence < sequenceNumber {
		self.lastSequence = sequenceNumber
	}

	switch v := event.Payload.(type) {
	case *EntityCreated:
		self.createdEntities[v.EntityId] = true
	case *EntityDeleted:
		delete(self.createdEntities, v.EntityId)
	}

	sequenced := event.Copy()
	sequenced.SequenceNumber = sequenceNumber
	envelope, err := EncodeEvent(sequenced)
	if err != nil {
		return err
	}

	if sender != nil {
		sender.push(NewAckEnvelope(self.projectId, event.EventId, sequenceNumber))
	}
	for _, session := range maps.Values(self.sessions) {
		if !self.settings.EchoToSender && sender != nil && session.SessionId == sender.SessionId {
			continue
		}
		session.push(envelope)
	}
	glog.V(2).Infof("[h]%s seq %d -> %d sessions\n", self.projectId, sequenceNumber, len(self.sessions))
	return nil
}

// rewriteConflict resolves concurrent creation of the same entity by arrival
// order: the later creation is rewritten to a move against the entity that
// already exists, keeping its eventId so duplicate detection still holds.
func (self *RoomHub) rewriteConflict(event *ChangeEvent) *ChangeEvent {
	created, ok := event.Payload.(*EntityCreated)
	if !ok {
		return event
	}
	if !self.createdEntities[created.EntityId] {
		return event
	}
	glog.V(1).Infof("[h]%s create conflict %s, rewriting to move\n", self.projectId, created.EntityId)
	rewritten := event.Copy()
	rewritten.Type = EventTypeEntityMoved
	rewritten.Payload = &EntityMoved{
		EntityId:    created.EntityId,
		NewPosition: created.Fields.Position,
	}
	return rewritten
}

func (self *RoomHub) Close() {
	self.cancel()
}

// HubRegistry maps projectId to its live room hub. Hubs are created lazily
// on first join and remove themselves on last leave, so the table never
// accumulates idle rooms.
type HubRegistry struct {
	ctx context.Context

	store    *EventStore
	settings *HubSettings

	mutex sync.Mutex
	hubs  map[Id]*RoomHub
}

func NewHubRegistry(ctx context.Context, store *EventStore, settings *HubSettings) *HubRegistry {
	return &HubRegistry{
		ctx:      ctx,
		store:    store,
		settings: settings,
		hubs:     map[Id]*RoomHub{},
	}
}

// Join attaches a session to the project's hub, creating the hub if needed.
// Returns the hub the session was attached to.
func (self *HubRegistry) Join(projectId Id, session *RoomSession) (*RoomHub, error) {
	for {
		select {
		case <-self.ctx.Done():
			return nil, ErrClosed
		default:
		}

		hub := self.hub(projectId)
		err := hub.Join(session)
		if err == nil {
			return hub, nil
		}
		if errors.Is(err, ErrClosed) {
			// raced a teardown. the registry entry is already detached
			continue
		}
		return nil, err
	}
}

func (self *HubRegistry) hub(projectId Id) *RoomHub {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if hub, ok := self.hubs[projectId]; ok {
		return hub
	}
	var hub *RoomHub
	hub = NewRoomHub(self.ctx, projectId, self.store, func() {
		self.remove(projectId, hub)
	}, self.settings)
	self.hubs[projectId] = hub
	return hub
}

func (self *HubRegistry) remove(projectId Id, hub *RoomHub) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	// only detach the hub that registered this callback, not a successor
	if self.hubs[projectId] == hub {
		delete(self.hubs, projectId)
	}
}

// Count returns the number of live rooms.
func (self *HubRegistry) Count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.hubs)
}
