package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestReconnectDelayBounds(t *testing.T) {
	sessionChannel := &SessionChannel{
		settings: DefaultSessionChannelSettings(),
	}
	base := sessionChannel.settings.ReconnectBackoffBase
	backoffCap := sessionChannel.settings.ReconnectBackoffCap

	for i := 0; i < 100; i += 1 {
		delay := sessionChannel.reconnectDelay(1)
		if delay < base/2 || time.Duration(float64(base)*1.5) <= delay {
			t.Fatalf("first delay out of bounds: %s", delay)
		}
	}

	// deep attempts saturate at the cap, jitter aside
	for i := 0; i < 100; i += 1 {
		delay := sessionChannel.reconnectDelay(100)
		if delay < backoffCap/2 || time.Duration(float64(backoffCap)*1.5) <= delay {
			t.Fatalf("saturated delay out of bounds: %s", delay)
		}
	}

}

func TestSessionChannelPendingBookkeeping(t *testing.T) {
	projectId := NewId()
	graph := newReadyGraph(t, projectId)
	defer graph.Close()

	sessionChannel := &SessionChannel{
		ctx:       context.Background(),
		graph:     graph,
		projectId: projectId,
		settings:  DefaultSessionChannelSettings(),
		sendQueue: make(chan *ChangeEvent, 8),
		pending:   map[Id]*ChangeEvent{},
	}

	userId := NewId()
	_, first, err := graph.CreateLocal(userId, EntityKindClip, scaffoldTrackId(projectId), EntityFields{})
	assert.Equal(t, err, nil)
	_, second, err := graph.CreateLocal(userId, EntityKindClip, scaffoldTrackId(projectId), EntityFields{})
	assert.Equal(t, err, nil)

	assert.Equal(t, sessionChannel.Send(first), nil)
	assert.Equal(t, sessionChannel.Send(second), nil)
	assert.Equal(t, sessionChannel.PendingCount(), 2)

	// a re-send of a pending event does not duplicate the pending entry
	assert.Equal(t, sessionChannel.Send(first), nil)
	assert.Equal(t, sessionChannel.PendingCount(), 2)

	// pending events replay in original send order
	events := sessionChannel.pendingEvents()
	assert.Equal(t, len(events), 2)
	assert.Equal(t, events[0].EventId, first.EventId)
	assert.Equal(t, events[1].EventId, second.EventId)

	// an ack for an unknown event is ignored
	sessionChannel.acked(NewId())
	assert.Equal(t, sessionChannel.PendingCount(), 2)

	sessionChannel.acked(first.EventId)
	assert.Equal(t, sessionChannel.PendingCount(), 1)
	assert.Equal(t, sessionChannel.pendingEvents()[0].EventId, second.EventId)

	// draining the pending set marks the graph saved, re-allowing a reset
	sessionChannel.acked(second.EventId)
	assert.Equal(t, sessionChannel.PendingCount(), 0)
	assert.Equal(t, graph.LoadEmpty(), nil)
}
