package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func receiveEnvelope(t *testing.T, session *RoomSession) *Envelope {
	select {
	case envelope := <-session.Receive():
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestHubJoinEmpty(t *testing.T) {
	store := newTestStore(t)
	registry := NewHubRegistry(context.Background(), store, DefaultHubSettings())

	projectId := NewId()
	session := NewRoomSession(NewId(), 16)
	hub, err := registry.Join(projectId, session)
	assert.Equal(t, err, nil)
	defer hub.Leave(session)

	// zero prior events yields EMPTY, not a snapshot
	envelope := receiveEnvelope(t, session)
	assert.Equal(t, envelope.Type, MessageTypeEmpty)
	assert.Equal(t, envelope.ProjectId, projectId)
}

func TestHubEventSequenceAndBroadcast(t *testing.T) {
	store := newTestStore(t)
	registry := NewHubRegistry(context.Background(), store, DefaultHubSettings())

	projectId := NewId()
	sender := NewRoomSession(NewId(), 16)
	receiver := NewRoomSession(NewId(), 16)

	hub, err := registry.Join(projectId, sender)
	assert.Equal(t, err, nil)
	_, err = registry.Join(projectId, receiver)
	assert.Equal(t, err, nil)
	assert.Equal(t, receiveEnvelope(t, sender).Type, MessageTypeEmpty)
	assert.Equal(t, receiveEnvelope(t, receiver).Type, MessageTypeEmpty)

	event := NewChangeEvent(projectId, sender.UserId, &EntityCreated{
		Kind:     EntityKindClip,
		EntityId: NewId(),
		ParentId: DeriveId(projectId, "track-1"),
	})
	assert.Equal(t, hub.Event(sender, event), nil)

	// the sender gets the ack first, then the sequenced echo
	ackEnvelope := receiveEnvelope(t, sender)
	assert.Equal(t, ackEnvelope.Type, MessageTypeAck)
	var ack AckPayload
	assert.Equal(t, json.Unmarshal(ackEnvelope.Payload, &ack), nil)
	assert.Equal(t, ack.EventId, event.EventId)
	assert.Equal(t, ack.SequenceNumber, uint64(1))

	echoEnvelope := receiveEnvelope(t, sender)
	assert.Equal(t, echoEnvelope.Type, MessageTypeEvent)
	assert.Equal(t, echoEnvelope.SequenceNumber, uint64(1))

	// the receiver gets the sequenced event
	eventEnvelope := receiveEnvelope(t, receiver)
	assert.Equal(t, eventEnvelope.Type, MessageTypeEvent)
	received, err := DecodeEvent(eventEnvelope)
	assert.Equal(t, err, nil)
	assert.Equal(t, received.EventId, event.EventId)
	assert.Equal(t, received.SequenceNumber, uint64(1))

	// the event is durable
	events, err := store.EventsAfter(context.Background(), projectId, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].SequenceNumber, uint64(1))
}

func TestHubDuplicateEventReack(t *testing.T) {
	store := newTestStore(t)
	registry := NewHubRegistry(context.Background(), store, DefaultHubSettings())

	projectId := NewId()
	sender := NewRoomSession(NewId(), 16)
	hub, err := registry.Join(projectId, sender)
	assert.Equal(t, err, nil)
	assert.Equal(t, receiveEnvelope(t, sender).Type, MessageTypeEmpty)

	event := NewChangeEvent(projectId, sender.UserId, &EntityDeleted{
		EntityId: NewId(),
	})
	assert.Equal(t, hub.Event(sender, event), nil)
	assert.Equal(t, receiveEnvelope(t, sender).Type, MessageTypeAck)
	assert.Equal(t, receiveEnvelope(t, sender).Type, MessageTypeEvent)

	// a resend after reconnect is re-acked with the original sequence
	// and not re-broadcast
	assert.Equal(t, hub.Event(sender, event), nil)
	ackEnvelope := receiveEnvelope(t, sender)
	assert.Equal(t, ackEnvelope.Type, MessageTypeAck)
	var ack AckPayload
	assert.Equal(t, json.Unmarshal(ackEnvelope.Payload, &ack), nil)
	assert.Equal(t, ack.SequenceNumber, uint64(1))

	select {
	case envelope := <-sender.Receive():
		t.Fatalf("unexpected envelope %s", envelope.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubJoinServesSnapshotWithTrailingEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	registry := NewHubRegistry(ctx, store, DefaultHubSettings())

	projectId := NewId()
	trackId := DeriveId(projectId, "track-1")
	clipId := NewId()
	userId := NewId()

	// persist events directly, as if written in an earlier room lifetime
	_, err := store.AppendEvent(ctx, NewChangeEvent(projectId, userId, &EntityCreated{
		Kind:     EntityKindClip,
		EntityId: clipId,
		ParentId: trackId,
	}))
	assert.Equal(t, err, nil)
	_, err = store.AppendEvent(ctx, NewChangeEvent(projectId, userId, &EntityMoved{
		EntityId:    clipId,
		NewPosition: 10,
	}))
	assert.Equal(t, err, nil)

	session := NewRoomSession(NewId(), 16)
	hub, err := registry.Join(projectId, session)
	assert.Equal(t, err, nil)
	defer hub.Leave(session)

	envelope := receiveEnvelope(t, session)
	assert.Equal(t, envelope.Type, MessageTypeSnapshot)
	var payload SnapshotPayload
	assert.Equal(t, json.Unmarshal(envelope.Payload, &payload), nil)
	assert.Equal(t, payload.SequenceNumber, uint64(2))

	snapshot, err := DecodeSnapshot(payload.Bundle)
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot.SequenceNumber, uint64(2))
	// scaffold plus the replayed clip
	assert.Equal(t, len(snapshot.Entities), 3)

	// the composed snapshot was written back for the next join
	body, sequenceNumber, err := store.LatestSnapshot(ctx, projectId)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, body, nil)
	assert.Equal(t, sequenceNumber, uint64(2))
}

func TestHubCreateConflictRewrite(t *testing.T) {
	store := newTestStore(t)
	registry := NewHubRegistry(context.Background(), store, DefaultHubSettings())

	projectId := NewId()
	trackId := DeriveId(projectId, "track-1")
	entityId := NewId()

	first := NewRoomSession(NewId(), 16)
	second := NewRoomSession(NewId(), 16)
	hub, err := registry.Join(projectId, first)
	assert.Equal(t, err, nil)
	_, err = registry.Join(projectId, second)
	assert.Equal(t, err, nil)
	assert.Equal(t, receiveEnvelope(t, first).Type, MessageTypeEmpty)
	assert.Equal(t, receiveEnvelope(t, second).Type, MessageTypeEmpty)

	assert.Equal(t, hub.Event(first, NewChangeEvent(projectId, first.UserId, &EntityCreated{
		Kind:     EntityKindClip,
		EntityId: entityId,
		ParentId: trackId,
		Fields: EntityFields{
			Position: 1,
		},
	})), nil)

	// the second creation of the same entity arrives later and is
	// rewritten to a move against the existing entity
	assert.Equal(t, hub.Event(second, NewChangeEvent(projectId, second.UserId, &EntityCreated{
		Kind:     EntityKindClip,
		EntityId: entityId,
		ParentId: trackId,
		Fields: EntityFields{
			Position: 6,
		},
	})), nil)

	// first session: ack, echo create, then the rewritten move
	assert.Equal(t, receiveEnvelope(t, first).Type, MessageTypeAck)
	assert.Equal(t, receiveEnvelope(t, first).Type, MessageTypeEvent)
	rewrittenEnvelope := receiveEnvelope(t, first)
	assert.Equal(t, rewrittenEnvelope.Type, MessageTypeEvent)
	rewritten, err := DecodeEvent(rewrittenEnvelope)
	assert.Equal(t, err, nil)
	assert.Equal(t, rewritten.Type, EventTypeEntityMoved)
	moved := rewritten.Payload.(*EntityMoved)
	assert.Equal(t, moved.EntityId, entityId)
	assert.Equal(t, moved.NewPosition, 6.0)
}

func TestHubEventBeforeAnyJoin(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	projectId := NewId()
	hub := NewRoomHub(ctx, projectId, store, nil, DefaultHubSettings())
	defer hub.Close()

	// an event can arrive before any session joined the room
	event := NewChangeEvent(projectId, NewId(), &EntityCreated{
		Kind:     EntityKindClip,
		EntityId: NewId(),
		ParentId: DeriveId(projectId, "track-1"),
	})
	assert.Equal(t, hub.Event(nil, event), nil)

	events, err := store.EventsAfter(ctx, projectId, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].SequenceNumber, uint64(1))
}

func TestHubTeardownOnLastLeave(t *testing.T) {
	store := newTestStore(t)
	registry := NewHubRegistry(context.Background(), store, DefaultHubSettings())

	projectId := NewId()
	session := NewRoomSession(NewId(), 16)
	hub, err := registry.Join(projectId, session)
	assert.Equal(t, err, nil)
	assert.Equal(t, receiveEnvelope(t, session).Type, MessageTypeEmpty)
	assert.Equal(t, registry.Count(), 1)

	hub.Leave(session)

	deadline := time.Now().Add(2 * time.Second)
	for registry.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("room was not destroyed on last leave")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the session is evicted with the room
	select {
	case <-session.Closed():
	case <-time.After(1 * time.Second):
		t.Fatal("session was not closed")
	}

	// a later join recreates the room
	rejoin := NewRoomSession(NewId(), 16)
	_, err = registry.Join(projectId, rejoin)
	assert.Equal(t, err, nil)
	assert.Equal(t, registry.Count(), 1)
}
