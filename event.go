package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventTypeEntityCreated   EventType = "ENTITY_CREATED"
	EventTypeEntityMoved     EventType = "ENTITY_MOVED"
	EventTypeEntityResized   EventType = "ENTITY_RESIZED"
	EventTypeEntityDeleted   EventType = "ENTITY_DELETED"
	EventTypePropertyChanged EventType = "PROPERTY_CHANGED"
)

// ChangeEvent is one structural edit of the project document.
// SequenceNumber is zero until the room hub persists the event and assigns it.
type ChangeEvent struct {
	EventId        Id
	ProjectId      Id
	UserId         Id
	SequenceNumber uint64
	Type           EventType
	Payload        EventPayload
	Timestamp      time.Time
}

func (self *ChangeEvent) Copy() *ChangeEvent {
	out := *self
	return &out
}

// EventPayload is the closed set of event payload variants.
type EventPayload interface {
	eventType() EventType
}

type EntityCreated struct {
	Kind     EntityKind   `json:"kind"`
	EntityId Id           `json:"entityId"`
	ParentId Id           `json:"parentId,omitempty"`
	Fields   EntityFields `json:"fields"`
}

func (self *EntityCreated) eventType() EventType {
	return EventTypeEntityCreated
}

type EntityMoved struct {
	EntityId    Id      `json:"entityId"`
	NewPosition float64 `json:"newPosition"`
}

func (self *EntityMoved) eventType() EventType {
	return EventTypeEntityMoved
}

type EntityResized struct {
	EntityId    Id      `json:"entityId"`
	NewDuration float64 `json:"newDuration"`
}

func (self *EntityResized) eventType() EventType {
	return EventTypeEntityResized
}

type EntityDeleted struct {
	EntityId Id `json:"entityId"`
}

func (self *EntityDeleted) eventType() EventType {
	return EventTypeEntityDeleted
}

type PropertyChanged struct {
	EntityId Id     `json:"entityId"`
	Field    string `json:"field"`
	Value    any    `json:"value"`
}

func (self *PropertyChanged) eventType() EventType {
	return EventTypePropertyChanged
}

// body of an EVENT envelope payload
type eventBody struct {
	EventType EventType       `json:"eventType"`
	Body      json.RawMessage `json:"body"`
	Timestamp int64           `json:"timestamp"`
}

// NewChangeEvent mints an unsequenced event for a payload.
func NewChangeEvent(projectId Id, userId Id, payload EventPayload) *ChangeEvent {
	return &ChangeEvent{
		EventId:   NewId(),
		ProjectId: projectId,
		UserId:    userId,
		Type:      payload.eventType(),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

func EncodeEvent(event *ChangeEvent) (*Envelope, error) {
	body, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(&eventBody{
		EventType: event.Type,
		Body:      body,
		Timestamp: event.Timestamp.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	eventId := event.EventId
	return &Envelope{
		Type:           MessageTypeEvent,
		ProjectId:      event.ProjectId,
		UserId:         event.UserId,
		Payload:        payload,
		EventId:        &eventId,
		SequenceNumber: event.SequenceNumber,
	}, nil
}

func RequireEncodeEvent(event *ChangeEvent) *Envelope {
	envelope, err := EncodeEvent(event)
	if err != nil {
		panic(err)
	}
	return envelope
}

func DecodeEvent(envelope *Envelope) (*ChangeEvent, error) {
	if envelope.Type != MessageTypeEvent {
		return nil, fmt.Errorf("not an event envelope: %s", envelope.Type)
	}
	if envelope.EventId == nil {
		return nil, fmt.Errorf("event envelope missing eventId")
	}
	var body eventBody
	if err := json.Unmarshal(envelope.Payload, &body); err != nil {
		return nil, err
	}
	payload, err := decodeEventPayload(body.EventType, body.Body)
	if err != nil {
		return nil, err
	}
	return &ChangeEvent{
		EventId:        *envelope.EventId,
		ProjectId:      envelope.ProjectId,
		UserId:         envelope.UserId,
		SequenceNumber: envelope.SequenceNumber,
		Type:           body.EventType,
		Payload:        payload,
		Timestamp:      time.UnixMilli(body.Timestamp).UTC(),
	}, nil
}

func decodeEventPayload(eventType EventType, body []byte) (EventPayload, error) {
	var payload EventPayload
	switch eventType {
	case EventTypeEntityCreated:
		payload = &EntityCreated{}
	case EventTypeEntityMoved:
		payload = &EntityMoved{}
	case EventTypeEntityResized:
		payload = &EntityResized{}
	case EventTypeEntityDeleted:
		payload = &EntityDeleted{}
	case EventTypePropertyChanged:
		payload = &PropertyChanged{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	if err := json.Unmarshal(body, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
