package collab

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	JoinTimeout  time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	// MaxBundleSize bounds an uploaded snapshot bundle.
	MaxBundleSize int64
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		JoinTimeout:   5 * time.Second,
		PingTimeout:   1 * time.Second,
		WriteTimeout:  5 * time.Second,
		ReadTimeout:   15 * time.Second,
		MaxBundleSize: 64 * 1024 * 1024,
	}
}

// Server accepts websocket sessions, runs the join handshake, and bridges
// each connection to its room hub. It also serves the snapshot bundle
// GET/PUT pair used by the snapshot transport capability.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry  *HubRegistry
	store     *EventStore
	authorize AuthorizeFunc

	hubSettings *HubSettings
	settings    *ServerSettings

	upgrader websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, store *EventStore, authorize AuthorizeFunc) *Server {
	return NewServer(ctx, store, authorize, DefaultHubSettings(), DefaultServerSettings())
}

func NewServer(ctx context.Context, store *EventStore, authorize AuthorizeFunc, hubSettings *HubSettings, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:         cancelCtx,
		cancel:      cancel,
		registry:    NewHubRegistry(cancelCtx, store, hubSettings),
		store:       store,
		authorize:   authorize,
		hubSettings: hubSettings,
		settings:    settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (self *Server) Registry() *HubRegistry {
	return self.registry
}

// Handler returns the http mux: websocket join point at /ws and the bundle
// pair at /bundle/{projectId}.
func (self *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", self.ServeWs)
	mux.HandleFunc("/bundle/", self.ServeBundle)
	return mux
}

func (self *Server) writeEnvelope(ws *websocket.Conn, envelope *Envelope) error {
	message, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, message)
}

func (self *Server) ServeWs(writer http.ResponseWriter, request *http.Request) {
	ws, err := self.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		glog.Infof("[w]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	// join handshake
	ws.SetReadDeadline(time.Now().Add(self.settings.JoinTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return
	}
	envelope, err := DecodeEnvelope(message)
	if err != nil || envelope.Type != MessageTypeJoin {
		self.writeEnvelope(ws, NewErrorEnvelope(Id{}, ErrorCodeMalformed, "expected JOIN"))
		return
	}
	var join JoinPayload
	if err := json.Unmarshal(envelope.Payload, &join); err != nil {
		self.writeEnvelope(ws, NewErrorEnvelope(envelope.ProjectId, ErrorCodeMalformed, "bad JOIN payload"))
		return
	}

	userId, err := self.authorize(join.Token)
	if err != nil {
		glog.Infof("[w]%s unauthorized = %s\n", envelope.ProjectId, err)
		self.writeEnvelope(ws, NewErrorEnvelope(envelope.ProjectId, ErrorCodeUnauthorized, "unauthorized"))
		return
	}

	projectId := envelope.ProjectId
	session := NewRoomSession(userId, self.hubSettings.SessionBufferSize)
	hub, err := self.registry.Join(projectId, session)
	if err != nil {
		self.writeEnvelope(ws, NewErrorEnvelope(projectId, ErrorCodeSnapshotUnreadable, err.Error()))
		return
	}
	defer hub.Leave(session)

	glog.V(1).Infof("[w]%s session %s user %s\n", projectId, session.SessionId, userId)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// hub -> socket
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-session.Closed():
				return
			case envelope := <-session.Receive():
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				message, err := EncodeEnvelope(envelope)
				if err != nil {
					glog.Infof("[w]%s encode error = %s\n", projectId, err)
					return
				}
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, []byte{}); err != nil {
					return
				}
			}
		}
	}()

	// socket -> hub
	func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-session.Closed():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if len(message) == 0 {
				// ping
				continue
			}
			envelope, err := DecodeEnvelope(message)
			if err != nil {
				glog.Infof("[w]%s malformed = %s\n", projectId, err)
				continue
			}
			if envelope.Type != MessageTypeEvent {
				glog.V(1).Infof("[w]%s other %s\n", projectId, envelope.Type)
				continue
			}
			event, err := DecodeEvent(envelope)
			if err != nil {
				// unknown event types are dropped, not fatal
				glog.Infof("[w]%s drop = %s\n", projectId, err)
				continue
			}
			event.ProjectId = projectId
			event.UserId = session.UserId
			if err := hub.Event(session, event); err != nil {
				glog.Infof("[w]%s event error = %s\n", projectId, err)
				return
			}
		}
	}()
}

// ServeBundle handles GET and PUT of the opaque snapshot bundle for a
// project. The storage backend stays behind the event store.
func (self *Server) ServeBundle(writer http.ResponseWriter, request *http.Request) {
	projectIdStr := strings.TrimPrefix(request.URL.Path, "/bundle/")
	projectId, err := ParseId(projectIdStr)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	switch request.Method {
	case http.MethodGet:
		body, sequenceNumber, err := self.store.LatestSnapshot(request.Context(), projectId)
		if err != nil {
			glog.Infof("[w]%s bundle get error = %s\n", projectId, err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		if body == nil {
			writer.WriteHeader(http.StatusNoContent)
			return
		}
		writer.Header().Set("Content-Type", "application/octet-stream")
		writer.Header().Set("X-Sequence-Number", strconv.FormatUint(sequenceNumber, 10))
		writer.Write(body)
	case http.MethodPut:
		sequenceNumber, err := strconv.ParseUint(request.Header.Get("X-Sequence-Number"), 10, 64)
		if err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(io.LimitReader(request.Body, self.settings.MaxBundleSize))
		if err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		// validate before persisting. a corrupt upload must not poison
		// later joins
		if _, err := DecodeSnapshot(body); err != nil {
			writer.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		if err := self.store.SaveSnapshot(request.Context(), projectId, sequenceNumber, body); err != nil {
			glog.Infof("[w]%s bundle put error = %s\n", projectId, err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		writer.WriteHeader(http.StatusNoContent)
	default:
		writer.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (self *Server) Close() {
	self.cancel()
}
