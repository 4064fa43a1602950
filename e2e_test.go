package collab

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestServer(t *testing.T) (*httptest.Server, *Server, *EventStore) {
	store, err := OpenEventStore(filepath.Join(t.TempDir(), "events.db"))
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		store.Close()
	})

	server := NewServerWithDefaults(context.Background(), store, NewJwtAuthorize(nil))
	t.Cleanup(server.Close)

	testServer := httptest.NewServer(server.Handler())
	t.Cleanup(testServer.Close)
	return testServer, server, store
}

func newTestClient(t *testing.T, testServer *httptest.Server, projectId Id) *Client {
	userId := NewId()
	token, err := NewJwtToken(nil, userId)
	assert.Equal(t, err, nil)

	wsUrl := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws"
	client := NewClientWithDefaults(context.Background(), wsUrl, testServer.URL, projectId, userId, token)
	t.Cleanup(client.Close)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	assert.Equal(t, client.WaitReady(waitCtx), nil)
	return client
}

func waitFor(t *testing.T, description string, conditionFunc func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !conditionFunc() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEndToEndConvergence(t *testing.T) {
	testServer, _, _ := newTestServer(t)
	projectId := NewId()
	trackId := DeriveId(projectId, "track-1")

	clientA := newTestClient(t, testServer, projectId)
	clientB := newTestClient(t, testServer, projectId)

	// both joined an empty project and stand on the same scaffold
	assert.Equal(t, clientA.Graph().Count(), 2)
	assert.Equal(t, clientB.Graph().Count(), 2)

	clipId, err := clientA.CreateEntity(EntityKindClip, trackId, EntityFields{
		Name:     "clip-1",
		Position: 4,
		Duration: 8,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, clientA.SetProperty(clipId, "params.gain", 0.5), nil)

	waitFor(t, "clip to reach the other participant", func() bool {
		clip, ok := clientB.Graph().Entity(clipId)
		return ok && clip.Fields.Params["gain"] == 0.5
	})

	// edits flow the other way too
	assert.Equal(t, clientB.MoveEntity(clipId, 16), nil)
	waitFor(t, "move to reach the first participant", func() bool {
		clip, ok := clientA.Graph().Entity(clipId)
		return ok && clip.Fields.Position == 16.0
	})

	// once both have seen every sequence, the replicas are byte-identical
	waitFor(t, "replicas to settle", func() bool {
		return clientA.Graph().LastSequence() == clientB.Graph().LastSequence() &&
			clientA.Channel().PendingCount() == 0 &&
			clientB.Channel().PendingCount() == 0
	})
	bundleA, err := EncodeSnapshot(clientA.Graph().Serialize())
	assert.Equal(t, err, nil)
	bundleB, err := EncodeSnapshot(clientB.Graph().Serialize())
	assert.Equal(t, err, nil)
	assert.Equal(t, string(bundleA), string(bundleB))
}

func TestEndToEndRejoinCatchesUp(t *testing.T) {
	testServer, _, store := newTestServer(t)
	projectId := NewId()
	trackId := DeriveId(projectId, "track-1")

	first := newTestClient(t, testServer, projectId)
	clipId, err := first.CreateEntity(EntityKindClip, trackId, EntityFields{
		Position: 2,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, first.ResizeEntity(clipId, 12), nil)
	waitFor(t, "edits to be acked", func() bool {
		return first.Channel().PendingCount() == 0
	})
	first.Close()

	lastSequence, err := store.LastSequence(context.Background(), projectId)
	assert.Equal(t, err, nil)
	assert.Equal(t, lastSequence, uint64(2))

	// a later participant joins against the durable history, not the room
	second := newTestClient(t, testServer, projectId)
	assert.Equal(t, second.Graph().LastSequence(), uint64(2))
	clip, ok := second.Graph().Entity(clipId)
	assert.Equal(t, ok, true)
	assert.Equal(t, clip.Fields.Position, 2.0)
	assert.Equal(t, clip.Fields.Duration, 12.0)
}

func TestEndToEndReconnectResyncs(t *testing.T) {
	testServer, server, store := newTestServer(t)
	projectId := NewId()
	trackId := DeriveId(projectId, "track-1")

	client := newTestClient(t, testServer, projectId)
	clipId, err := client.CreateEntity(EntityKindClip, trackId, EntityFields{
		Position: 3,
	})
	assert.Equal(t, err, nil)
	waitFor(t, "create to be acked", func() bool {
		return client.Channel().PendingCount() == 0
	})

	// tear the room down under the live session. the server side closes
	// the socket and the channel reconnects with a fresh join
	observer := NewRoomSession(NewId(), 16)
	hub, err := server.Registry().Join(projectId, observer)
	assert.Equal(t, err, nil)
	hub.Close()

	// an edit issued around the drop stays pending until the re-joined
	// channel re-sends it and the new room acks it
	assert.Equal(t, client.MoveEntity(clipId, 9), nil)
	waitFor(t, "re-ack after reconnect", func() bool {
		return client.Channel().PendingCount() == 0
	})

	// the re-join took a fresh snapshot of the full history, then the
	// re-sent move applied on top
	clip, ok := client.Graph().Entity(clipId)
	assert.Equal(t, ok, true)
	assert.Equal(t, clip.Fields.Position, 9.0)

	lastSequence, err := store.LastSequence(context.Background(), projectId)
	assert.Equal(t, err, nil)
	assert.Equal(t, lastSequence, uint64(2))
	waitFor(t, "echo of the re-sent move", func() bool {
		return client.Graph().LastSequence() == uint64(2)
	})
}

func TestEndToEndFirstContentPersistsBundle(t *testing.T) {
	testServer, _, store := newTestServer(t)
	projectId := NewId()
	trackId := DeriveId(projectId, "track-1")

	client := newTestClient(t, testServer, projectId)
	_, err := client.CreateEntity(EntityKindClip, trackId, EntityFields{})
	assert.Equal(t, err, nil)

	// the first content beyond the scaffold triggers one durable checkpoint
	waitFor(t, "first content bundle", func() bool {
		body, _, err := store.LatestSnapshot(context.Background(), projectId)
		return err == nil && body != nil
	})

	body, _, err := store.LatestSnapshot(context.Background(), projectId)
	assert.Equal(t, err, nil)
	snapshot, err := DecodeSnapshot(body)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(snapshot.Entities), 3)
}

func TestEndToEndUnauthorizedJoinRejected(t *testing.T) {
	store, err := OpenEventStore(filepath.Join(t.TempDir(), "events.db"))
	assert.Equal(t, err, nil)
	defer store.Close()

	secret := []byte("room-secret")
	server := NewServerWithDefaults(context.Background(), store, NewJwtAuthorize(secret))
	defer server.Close()
	testServer := httptest.NewServer(server.Handler())
	defer testServer.Close()

	// a token signed with the wrong key never reaches a room
	token, err := NewJwtToken([]byte("wrong-secret"), NewId())
	assert.Equal(t, err, nil)

	wsUrl := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws"
	projectId := NewId()
	graph := NewGraphWithDefaults(context.Background(), projectId)
	defer graph.Close()
	channel := NewSessionChannel(context.Background(), wsUrl, graph, NewId(), token, DefaultSessionChannelSettings())
	defer channel.Close()

	// the rejection is fatal, not a transient connect error: WaitReady
	// surfaces it instead of spinning in the backoff loop
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	err = channel.WaitReady(waitCtx)
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)
	assert.Equal(t, graph.State(), StateDegraded)
	assert.Equal(t, server.Registry().Count(), 0)
}
