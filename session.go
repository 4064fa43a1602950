package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type SessionChannelSettings struct {
	WsHandshakeTimeout time.Duration
	JoinTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration

	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration

	SendBufferSize int
}

func DefaultSessionChannelSettings() *SessionChannelSettings {
	return &SessionChannelSettings{
		WsHandshakeTimeout:   2 * time.Second,
		JoinTimeout:          5 * time.Second,
		PingTimeout:          1 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          15 * time.Second,
		ReconnectBackoffBase: 500 * time.Millisecond,
		ReconnectBackoffCap:  30 * time.Second,
		SendBufferSize:       32,
	}
}

// SessionChannel is the per-project client transport. It owns the join
// handshake, the send/receive pumps, and the reconnect loop. Every reconnect
// re-joins and takes a full fresh snapshot rather than resuming a partial
// replay, which bounds worst-case divergence to one resync.
//
// An event is not considered sent until the hub acks it: unacked events are
// kept pending and re-sent after a reconnect.
type SessionChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	url   string
	graph *Graph

	projectId Id
	userId    Id
	token     string

	settings *SessionChannelSettings

	sendQueue chan *ChangeEvent

	stateMutex   sync.Mutex
	pending      map[Id]*ChangeEvent
	pendingOrder []Id
	ready        bool
	readyNotify  chan struct{}
	degraded     error
}

func NewSessionChannelWithDefaults(ctx context.Context, url string, graph *Graph, userId Id, token string) *SessionChannel {
	return NewSessionChannel(ctx, url, graph, userId, token, DefaultSessionChannelSettings())
}

func NewSessionChannel(ctx context.Context, url string, graph *Graph, userId Id, token string, settings *SessionChannelSettings) *SessionChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	sessionChannel := &SessionChannel{
		ctx:         cancelCtx,
		cancel:      cancel,
		url:         url,
		graph:       graph,
		projectId:   graph.ProjectId(),
		userId:      userId,
		token:       token,
		settings:    settings,
		sendQueue:   make(chan *ChangeEvent, settings.SendBufferSize),
		pending:     map[Id]*ChangeEvent{},
		readyNotify: make(chan struct{}),
	}
	graph.BeginLoad()
	go sessionChannel.run()
	return sessionChannel
}

func (self *SessionChannel) run() {
	defer self.cancel()

	attempt := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if 0 < attempt {
			self.setReady(false)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.reconnectDelay(attempt)):
			}
		}
		attempt += 1

		ws, err := self.connect()
		if err != nil {
			if errors.Is(err, ErrIncompatibleSchema) || errors.Is(err, ErrCorruptSnapshot) || errors.Is(err, ErrUnauthorized) {
				// fatal to the join. retrying cannot help, so surface as
				// a degraded project rather than backing off forever
				self.graph.SetDegraded(err)
				self.setDegraded(err)
				return
			}
			glog.Infof("[s]%s join error = %s\n", self.projectId, err)
			continue
		}

		attempt = 0
		self.setReady(true)
		self.pump(ws)
		self.setReady(false)
	}
}

// connect dials, joins, and installs the snapshot or empty reply. The graph
// is not ready until this completes.
func (self *SessionChannel) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	joinMessage, err := EncodeEnvelope(NewJoinEnvelope(self.projectId, self.userId, self.token))
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.JoinTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, joinMessage); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.JoinTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	envelope, err := DecodeEnvelope(message)
	if err != nil {
		return nil, err
	}

	switch envelope.Type {
	case MessageTypeSnapshot:
		var payload SnapshotPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, err
		}
		snapshot, err := DecodeSnapshot(payload.Bundle)
		if err != nil {
			return nil, err
		}
		if err := self.graph.LoadSnapshot(snapshot); err != nil {
			return nil, err
		}
	case MessageTypeEmpty:
		if err := self.graph.LoadEmpty(); err != nil {
			if errors.Is(err, ErrUnsavedContent) {
				// the server has no content but this session holds a
				// ready project with unsaved edits. keep the local
				// content; the pending events will re-register it
				glog.Infof("[s]%s empty join with unsaved content, keeping local\n", self.projectId)
			} else {
				return nil, err
			}
		}
	case MessageTypeError:
		var payload ErrorPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, err
		}
		if payload.Code == ErrorCodeSnapshotUnreadable {
			return nil, fmt.Errorf("%w: %s", ErrCorruptSnapshot, payload.Message)
		}
		if payload.Code == ErrorCodeUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, payload.Message)
		}
		return nil, fmt.Errorf("join rejected: %s %s", payload.Code, payload.Message)
	default:
		return nil, fmt.Errorf("unexpected join reply: %s", envelope.Type)
	}

	success = true
	return ws, nil
}

// pump runs the send and receive loops until the connection drops.
func (self *SessionChannel) pump(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		// unacked events first, in original order
		for _, event := range self.pendingEvents() {
			if err := self.writeEvent(ws, event); err != nil {
				glog.Infof("[ss]%s-> error = %s\n", self.projectId, err)
				return
			}
		}

		for {
			select {
			case <-handleCtx.Done():
				return
			case event, ok := <-self.sendQueue:
				if !ok {
					return
				}
				if err := self.writeEvent(ws, event); err != nil {
					glog.Infof("[ss]%s-> error = %s\n", self.projectId, err)
					return
				}
				glog.V(2).Infof("[ss]%s->\n", self.projectId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, []byte{}); err != nil {
					// a websocket deadline timeout cannot be recovered
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[sr]%s<- error = %s\n", self.projectId, err)
				return
			}
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[sr]ping %s<-\n", self.projectId)
				continue
			}
			self.receive(message)
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *SessionChannel) writeEvent(ws *websocket.Conn, event *ChangeEvent) error {
	envelope, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	message, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, message)
}

func (self *SessionChannel) receive(message []byte) {
	envelope, err := DecodeEnvelope(message)
	if err != nil {
		glog.Infof("[sr]%s<- malformed = %s\n", self.projectId, err)
		return
	}

	switch envelope.Type {
	case MessageTypeEvent:
		event, err := DecodeEvent(envelope)
		if err != nil {
			// unknown event types are dropped for forward compatibility
			glog.Infof("[sr]%s<- drop = %s\n", self.projectId, err)
			return
		}
		if err := self.graph.Apply(event); err != nil {
			glog.Infof("[sr]%s<- apply drop %s = %s\n", self.projectId, event.EventId, err)
		}
	case MessageTypeAck:
		var payload AckPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			glog.Infof("[sr]%s<- malformed ack = %s\n", self.projectId, err)
			return
		}
		self.acked(payload.EventId)
		glog.V(2).Infof("[sr]%s<- ack seq %d\n", self.projectId, payload.SequenceNumber)
	case MessageTypeError:
		var payload ErrorPayload
		json.Unmarshal(envelope.Payload, &payload)
		glog.Infof("[sr]%s<- error %s %s\n", self.projectId, payload.Code, payload.Message)
	default:
		glog.V(1).Infof("[sr]%s<- other %s\n", self.projectId, envelope.Type)
	}
}

// Send queues an event. Fire and forget with retry: the event stays pending
// until the hub acks it, and is re-sent after every reconnect.
func (self *SessionChannel) Send(event *ChangeEvent) error {
	self.stateMutex.Lock()
	if _, ok := self.pending[event.EventId]; !ok {
		self.pending[event.EventId] = event
		self.pendingOrder = append(self.pendingOrder, event.EventId)
	}
	self.stateMutex.Unlock()

	select {
	case <-self.ctx.Done():
		return ErrClosed
	case self.sendQueue <- event:
		return nil
	}
}

func (self *SessionChannel) acked(eventId Id) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if _, ok := self.pending[eventId]; !ok {
		return
	}
	delete(self.pending, eventId)
	for i, pendingId := range self.pendingOrder {
		if pendingId == eventId {
			self.pendingOrder = append(self.pendingOrder[:i], self.pendingOrder[i+1:]...)
			break
		}
	}
	if len(self.pending) == 0 {
		self.graph.MarkSaved()
	}
}

func (self *SessionChannel) pendingEvents() []*ChangeEvent {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	events := make([]*ChangeEvent, 0, len(self.pendingOrder))
	for _, eventId := range self.pendingOrder {
		if event, ok := self.pending[eventId]; ok {
			events = append(events, event)
		}
	}
	return events
}

// PendingCount returns the number of events not yet acked by the hub.
func (self *SessionChannel) PendingCount() int {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return len(self.pending)
}

func (self *SessionChannel) setReady(ready bool) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.ready == ready {
		return
	}
	self.ready = ready
	if ready {
		close(self.readyNotify)
	} else {
		self.readyNotify = make(chan struct{})
	}
}

func (self *SessionChannel) setDegraded(err error) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	self.degraded = err
}

// Degraded returns the fatal join error, if any.
func (self *SessionChannel) Degraded() error {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.degraded
}

// WaitReady blocks until the join handshake completes and the graph holds
// the project content.
func (self *SessionChannel) WaitReady(ctx context.Context) error {
	for {
		self.stateMutex.Lock()
		ready := self.ready
		degraded := self.degraded
		notify := self.readyNotify
		self.stateMutex.Unlock()

		if degraded != nil {
			return degraded
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			if degraded := self.Degraded(); degraded != nil {
				return degraded
			}
			return ErrClosed
		case <-notify:
		}
	}
}

func (self *SessionChannel) reconnectDelay(attempt int) time.Duration {
	delay := self.settings.ReconnectBackoffBase
	for i := 1; i < attempt; i += 1 {
		delay *= 2
		if self.settings.ReconnectBackoffCap <= delay {
			delay = self.settings.ReconnectBackoffCap
			break
		}
	}
	// jitter in [0.5, 1.5)
	jitter := 0.5 + mathrand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// Close cancels in-flight work and tears down the connection immediately.
func (self *SessionChannel) Close() {
	self.cancel()
}
