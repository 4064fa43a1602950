package collab

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

func dialTestWs(t *testing.T, testServer *httptest.Server) *websocket.Conn {
	wsUrl := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		ws.Close()
	})
	return ws
}

func readErrorReply(t *testing.T, ws *websocket.Conn) *ErrorPayload {
	_, message, err := ws.ReadMessage()
	assert.Equal(t, err, nil)
	envelope, err := DecodeEnvelope(message)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Type, MessageTypeError)
	payload := &ErrorPayload{}
	assert.Equal(t, json.Unmarshal(envelope.Payload, payload), nil)
	return payload
}

func TestServeWsNonJoinFirstMessage(t *testing.T) {
	testServer, _, _ := newTestServer(t)
	ws := dialTestWs(t, testServer)

	envelope := NewEmptyEnvelope(NewId())
	message, err := EncodeEnvelope(envelope)
	assert.Equal(t, err, nil)
	assert.Equal(t, ws.WriteMessage(websocket.TextMessage, message), nil)

	payload := readErrorReply(t, ws)
	assert.Equal(t, payload.Code, ErrorCodeMalformed)
}

func TestServeWsUnauthorizedJoinReply(t *testing.T) {
	store, err := OpenEventStore(filepath.Join(t.TempDir(), "events.db"))
	assert.Equal(t, err, nil)
	defer store.Close()

	server := NewServerWithDefaults(context.Background(), store, NewJwtAuthorize([]byte("room-secret")))
	defer server.Close()
	testServer := httptest.NewServer(server.Handler())
	defer testServer.Close()

	ws := dialTestWs(t, testServer)
	token, err := NewJwtToken([]byte("wrong-secret"), NewId())
	assert.Equal(t, err, nil)
	message, err := EncodeEnvelope(NewJoinEnvelope(NewId(), NewId(), token))
	assert.Equal(t, err, nil)
	assert.Equal(t, ws.WriteMessage(websocket.TextMessage, message), nil)

	payload := readErrorReply(t, ws)
	assert.Equal(t, payload.Code, ErrorCodeUnauthorized)
	assert.Equal(t, server.Registry().Count(), 0)
}
