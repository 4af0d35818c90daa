package types

import (
	"encoding/json"
	"time"
)

// Event names as they appear on the wire. The names match the client
// protocol, spaces included, so payloads stay compatible with existing
// front ends.
const (
	// Client -> server
	EventJoin        = "join"
	EventChatMessage = "chat message"
	EventTyping      = "typing"
	EventStopTyping  = "stop typing"

	// Server -> client(s)
	EventUserJoined   = "user joined"
	EventUserLeft     = "user left"
	EventOnlineUpdate = "online update"
	EventError        = "error"
)

// Envelope is the single frame format exchanged over a connection: an event
// name plus an event-specific payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload is the payload of a client "join" event.
type JoinPayload struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// ChatPayload is the payload of a client "chat message" event. Exactly one of
// Text or Image must be set; Image carries a media reference (upload URL or
// data URI), never raw file bytes.
type ChatPayload struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// UserJoinedPayload announces a new room member to the room.
type UserJoinedPayload struct {
	Username string    `json:"username"`
	Avatar   string    `json:"avatar,omitempty"`
	Time     time.Time `json:"time"`
}

// UserLeftPayload announces a departed room member to the room.
type UserLeftPayload struct {
	Username string    `json:"username"`
	Time     time.Time `json:"time"`
}

// ChatMessagePayload is the relayed form of a chat message. The timestamp is
// stamped by the server so every member observes the same value.
type ChatMessagePayload struct {
	Username string    `json:"username"`
	Avatar   string    `json:"avatar,omitempty"`
	Text     string    `json:"text,omitempty"`
	ImageURL string    `json:"imageUrl,omitempty"`
	Time     time.Time `json:"time"`
}

// TypingPayload identifies who is (or stopped) typing.
type TypingPayload struct {
	Username string `json:"username"`
}

// PresenceMember is one entry of a presence snapshot.
type PresenceMember struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// PresencePayload is a room presence snapshot: the online count and the
// member list in join order.
type PresencePayload struct {
	OnlineCount int              `json:"onlineCount"`
	OnlineUsers []PresenceMember `json:"onlineUsers"`
}

// ErrorPayload is sent only to the connection whose event was rejected.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Encode marshals an outbound event into its wire form. The payload is
// encoded once here so broadcasts reuse the same bytes for every recipient.
func Encode(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses an inbound frame into its envelope. The payload stays raw
// until the event name determines its type.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, ErrMalformedFrame
	}
	if env.Event == "" {
		return nil, ErrMissingEventName
	}
	return &env, nil
}
