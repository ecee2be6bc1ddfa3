// Package events defines the frames exchanged over the realtime channel.
//
// Every frame is an Envelope whose Type selects one fixed payload shape.
// Inbound frames are parsed into their typed payload and validated before a
// handler sees them; unknown types are rejected.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgeee/chatsync/api/validator"
	"github.com/edgeee/chatsync/messaging"
)

// Type names an event.
type Type string

// Events sent by the server.
const (
	Connected       Type = "connected"
	MessageReceived Type = "message-received"
	MessageRead     Type = "message-read"
	MessageUpdated  Type = "message-updated"
	MessageDeleted  Type = "message-deleted"
	ReactionUpdated Type = "reaction-updated"
	MessageReplied  Type = "message-replied"
	Ack             Type = "ack"
	Pong            Type = "pong"
)

// Events sent by clients. Typing, StopTyping and MessageDelivered travel in
// both directions.
const (
	Setup            Type = "setup"
	JoinChat         Type = "join-chat"
	Typing           Type = "typing"
	StopTyping       Type = "stop-typing"
	NewMessage       Type = "new-message"
	MessageDelivered Type = "message-delivered"
	Ping             Type = "ping"
)

// AckSent is the status of a successful new-message acknowledgement.
const AckSent = "sent"

// Envelope is the wire frame of every event. ID correlates a client request
// with its acknowledgement.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SetupPayload identifies the user behind a connection.
type SetupPayload struct {
	UserID string `json:"userId" validate:"required"`
}

// RoomPayload names a chat room. UserID is filled in by the server when the
// event is relayed to peers.
type RoomPayload struct {
	ChatID string `json:"chatId" validate:"required,uuid"`
	UserID string `json:"userId,omitempty"`
}

// NewMessagePayload announces a message that was stored through the REST
// surface and should now be relayed to the other members.
type NewMessagePayload struct {
	ChatID    string `json:"chatId" validate:"required,uuid"`
	MessageID string `json:"messageId" validate:"required,uuid"`
}

// DeliveredPayload reports that the sending client received a message.
type DeliveredPayload struct {
	ChatID    string `json:"chatId" validate:"required,uuid"`
	MessageID string `json:"messageId" validate:"required,uuid"`
}

// PingPayload carries nothing; the server answers with a pong.
type PingPayload struct{}

// ReceiptPayload describes one delivered or read transition.
type ReceiptPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// DeletedPayload is the minimal view of a soft deleted message.
type DeletedPayload struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Content   string    `json:"content"`
	DeletedAt time.Time `json:"deletedAt"`
}

// AckPayload answers a new-message frame on the originating connection only.
type AckPayload struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
}

// PongPayload answers a ping.
type PongPayload struct {
	At time.Time `json:"at"`
}

// ErrUnknownType is returned for frames whose type is not part of the
// protocol.
var ErrUnknownType = errors.New("unknown event type")

// New builds an envelope carrying payload. A nil payload is omitted.
func New(t Type, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Payload = b
	return env, nil
}

// Deleted builds the payload of a message-deleted event.
func Deleted(m messaging.Message) DeletedPayload {
	p := DeletedPayload{ID: m.ID, ChatID: m.ChatID, Content: m.Content}
	if m.DeletedAt != nil {
		p.DeletedAt = *m.DeletedAt
	}
	return p
}

// Bytes encodes the envelope.
func (e Envelope) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// Decode reads a frame without interpreting its payload.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode envelope: missing type")
	}
	return env, nil
}

// Into unmarshals the payload into v.
func (e Envelope) Into(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Inbound is a parsed client frame. Data holds a pointer to the payload
// struct of the frame type.
type Inbound struct {
	Envelope
	Data any
}

// A Parser turns client frames into validated payloads.
type Parser struct {
	Val *validator.Validator
}

// Parse decodes and validates a client frame.
func (p *Parser) Parse(data []byte) (Inbound, error) {
	env, err := Decode(data)
	if err != nil {
		return Inbound{}, err
	}

	var payload any
	switch env.Type {
	case Setup:
		payload = &SetupPayload{}
	case JoinChat, Typing, StopTyping:
		payload = &RoomPayload{}
	case NewMessage:
		payload = &NewMessagePayload{}
	case MessageDelivered:
		payload = &DeliveredPayload{}
	case Ping:
		payload = &PingPayload{}
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := env.Into(payload); err != nil {
		return Inbound{}, err
	}
	if err := p.Val.Check(payload); err != nil {
		return Inbound{}, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return Inbound{Envelope: env, Data: payload}, nil
}
