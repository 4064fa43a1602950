package collab

import (
	"encoding/json"
)

// Wire envelope. Every websocket message in either direction is one envelope
// encoded as a JSON text message.
type Envelope struct {
	Type           string          `json:"type"`
	ProjectId      Id              `json:"projectId"`
	UserId         Id              `json:"userId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	EventId        *Id             `json:"eventId,omitempty"`
	SequenceNumber uint64          `json:"sequenceNumber,omitempty"`
}

const (
	MessageTypeJoin     = "JOIN"
	MessageTypeSnapshot = "SNAPSHOT"
	MessageTypeEmpty    = "EMPTY"
	MessageTypeEvent    = "EVENT"
	MessageTypeAck      = "ACK"
	MessageTypeError    = "ERROR"
)

type JoinPayload struct {
	Token string `json:"token"`
}

type SnapshotPayload struct {
	SequenceNumber uint64 `json:"sequenceNumber"`
	// Bundle is the opaque versioned snapshot bundle
	Bundle []byte `json:"bundle"`
}

type AckPayload struct {
	EventId        Id     `json:"eventId"`
	SequenceNumber uint64 `json:"sequenceNumber"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrorCodeUnauthorized       = "UNAUTHORIZED"
	ErrorCodeMalformed          = "MALFORMED"
	ErrorCodeSnapshotUnreadable = "SNAPSHOT_UNREADABLE"
)

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func DecodeEnvelope(message []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		return nil, err
	}
	return envelope, nil
}

func NewJoinEnvelope(projectId Id, userId Id, token string) *Envelope {
	payload, _ := json.Marshal(&JoinPayload{
		Token: token,
	})
	return &Envelope{
		Type:      MessageTypeJoin,
		ProjectId: projectId,
		UserId:    userId,
		Payload:   payload,
	}
}

func NewSnapshotEnvelope(projectId Id, sequenceNumber uint64, bundle []byte) *Envelope {
	payload, _ := json.Marshal(&SnapshotPayload{
		SequenceNumber: sequenceNumber,
		Bundle:         bundle,
	})
	return &Envelope{
		Type:      MessageTypeSnapshot,
		ProjectId: projectId,
		Payload:   payload,
	}
}

func NewEmptyEnvelope(projectId Id) *Envelope {
	return &Envelope{
		Type:      MessageTypeEmpty,
		ProjectId: projectId,
	}
}

func NewAckEnvelope(projectId Id, eventId Id, sequenceNumber uint64) *Envelope {
	payload, _ := json.Marshal(&AckPayload{
		EventId:        eventId,
		SequenceNumber: sequenceNumber,
	})
	return &Envelope{
		Type:      MessageTypeAck,
		ProjectId: projectId,
		Payload:   payload,
	}
}

func NewErrorEnvelope(projectId Id, code string, message string) *Envelope {
	payload, _ := json.Marshal(&ErrorPayload{
		Code:    code,
		Message: message,
	})
	return &Envelope{
		Type:      MessageTypeError,
		ProjectId: projectId,
		Payload:   payload,
	}
}
