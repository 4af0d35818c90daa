// Package router implements the per-connection event state machine: a
// connection registers, joins exactly one room, exchanges chat and typing
// events with its room, and is torn down on disconnect. All validation
// failures stay local to the offending connection; nothing a client sends can
// disturb delivery to other members.
package router

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"chatrelay/internal/registry"
	"chatrelay/internal/typing"
	"chatrelay/pkg/types"
)

// Auditor records connection lifecycle transitions. Implementations must not
// block; a nil Auditor disables recording.
type Auditor interface {
	Connected(connID, remoteAddr, requestedRoom string)
	Joined(connID, username, room string)
	Left(connID, username, room string)
}

// Router validates inbound events, drives the registry and typing state, and
// fans resulting events out to the right member sets. Events from one
// connection are handled on that connection's reader goroutine, so per-sender
// order is preserved end to end.
type Router struct {
	registry *registry.Registry
	typing   *typing.Debouncer
	audit    Auditor
	now      func() time.Time
}

// NewRouter creates a router over a registry. quiet is the typing debounce
// period; audit may be nil.
func NewRouter(reg *registry.Registry, quiet time.Duration, audit Auditor) *Router {
	r := &Router{
		registry: reg,
		audit:    audit,
		now:      time.Now,
	}
	r.typing = typing.NewDebouncer(quiet, r.typingExpired)
	return r
}

// Connect registers a freshly opened connection in the unassigned state. The
// requested room takes effect only when the client joins.
func (r *Router) Connect(connID string, sink registry.Sink, remoteAddr, requestedRoom string) error {
	if err := r.registry.Register(connID, sink, remoteAddr, requestedRoom); err != nil {
		return err
	}
	if r.audit != nil {
		r.audit.Connected(connID, remoteAddr, requestedRoom)
	}
	return nil
}

// HandleFrame decodes one inbound frame and dispatches it. Malformed frames
// and events sent before joining (other than join itself) are dropped; the
// process never fails on client input.
func (r *Router) HandleFrame(connID string, frame []byte) {
	env, err := types.Decode(frame)
	if err != nil {
		log.Printf("dropping malformed frame: conn=%s: %v", connID, err)
		return
	}

	switch env.Event {
	case types.EventJoin:
		r.handleJoin(connID, env.Data)
	case types.EventChatMessage:
		r.handleChat(connID, env.Data)
	case types.EventTyping:
		r.handleTyping(connID)
	case types.EventStopTyping:
		r.handleStopTyping(connID)
	default:
		log.Printf("dropping unknown event %q: conn=%s", env.Event, connID)
	}
}

// Disconnect tears a connection down: pending typing state is cancelled, the
// registry entry removed, and if the session had joined, the former room is
// told about the departure. Safe to call more than once for the same id.
func (r *Router) Disconnect(connID string) {
	r.typing.Cancel(connID)

	identity, room, wasJoined := r.registry.Remove(connID)
	if !wasJoined {
		return
	}

	r.broadcast(room, types.EventUserLeft, types.UserLeftPayload{
		Username: identity.Username,
		Time:     r.now(),
	}, "")
	r.broadcast(room, types.EventOnlineUpdate, r.registry.Snapshot(room), "")

	if r.audit != nil {
		r.audit.Left(connID, identity.Username, room)
	}
	log.Printf("user left: conn=%s user=%s room=%s", connID, identity.Username, room)
}

// Close stops the typing debouncer. In-flight events finish normally.
func (r *Router) Close() {
	r.typing.Close()
}

// handleJoin validates the identity and moves the connection from Connected
// to Joined. A duplicate join on the same session is ignored; an invalid name
// is rejected with an error acknowledgment to the sender only, and nothing is
// broadcast.
func (r *Router) handleJoin(connID string, data json.RawMessage) {
	var payload types.JoinPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			r.ackError(connID, types.ErrInvalidUsername)
			return
		}
	}
	if err := payload.Validate(); err != nil {
		r.ackError(connID, err)
		return
	}

	username := payload.TrimmedUsername()
	if err := r.registry.SetIdentity(connID, username, payload.Avatar); err != nil {
		if errors.Is(err, registry.ErrAlreadyAssigned) {
			return // a session joins exactly once; duplicates are ignored
		}
		r.ackError(connID, err)
		return
	}

	requested, _ := r.registry.RequestedRoom(connID)
	room, err := r.registry.AssignRoom(connID, requested)
	if err != nil {
		if !errors.Is(err, registry.ErrAlreadyAssigned) {
			r.ackError(connID, err)
		}
		return
	}

	r.broadcast(room, types.EventUserJoined, types.UserJoinedPayload{
		Username: username,
		Avatar:   payload.Avatar,
		Time:     r.now(),
	}, "")
	r.broadcast(room, types.EventOnlineUpdate, r.registry.Snapshot(room), "")

	if r.audit != nil {
		r.audit.Joined(connID, username, room)
	}
	log.Printf("user joined: conn=%s user=%s room=%s", connID, username, room)
}

// handleChat relays a chat message to every member of the sender's room,
// sender included, with a server-side timestamp. Relaying through the server
// to everyone gives all members one room-wide order to render. Invalid
// payloads are acknowledged to the sender and dropped.
func (r *Router) handleChat(connID string, data json.RawMessage) {
	room, joined := r.registry.RoomOf(connID)
	if !joined {
		return // a client must join before chatting
	}

	var payload types.ChatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		r.ackError(connID, types.ErrEmptyMessage)
		return
	}
	if err := payload.Validate(); err != nil {
		r.ackError(connID, err)
		return
	}

	identity, _ := r.registry.IdentityOf(connID)
	r.broadcast(room, types.EventChatMessage, types.ChatMessagePayload{
		Username: identity.Username,
		Avatar:   identity.Avatar,
		Text:     payload.Text,
		ImageURL: payload.Image,
		Time:     r.now(),
	}, "")
}

// handleTyping relays a typing indicator to the sender's room-mates (never
// back to the sender) and arms the auto-clear timer.
func (r *Router) handleTyping(connID string) {
	room, joined := r.registry.RoomOf(connID)
	if !joined {
		return
	}

	identity, _ := r.registry.IdentityOf(connID)
	r.broadcast(room, types.EventTyping, types.TypingPayload{Username: identity.Username}, connID)
	r.typing.Touch(connID)
}

// handleStopTyping honors an explicit client-side stop. The pending timer is
// cancelled so the timeout path cannot emit a duplicate; a stop with no
// active typing burst produces nothing.
func (r *Router) handleStopTyping(connID string) {
	if !r.typing.Cancel(connID) {
		return
	}
	r.emitStopTyping(connID)
}

// typingExpired fires when the quiet period elapses with no further typing.
// Membership is re-validated: a timer outliving its connection is a no-op.
func (r *Router) typingExpired(connID string) {
	r.emitStopTyping(connID)
}

func (r *Router) emitStopTyping(connID string) {
	room, joined := r.registry.RoomOf(connID)
	if !joined {
		return
	}
	identity, _ := r.registry.IdentityOf(connID)
	r.broadcast(room, types.EventStopTyping, types.TypingPayload{Username: identity.Username}, connID)
}

// broadcast encodes an event once and fans it out to a room.
func (r *Router) broadcast(room, event string, payload interface{}, excludeID string) {
	data, err := types.Encode(event, payload)
	if err != nil {
		log.Printf("failed to encode %q event for room %s: %v", event, room, err)
		return
	}
	r.registry.Broadcast(room, data, excludeID)
}

// ackError reports a rejected event to its sender only. Other room members
// never observe the failure.
func (r *Router) ackError(connID string, cause error) {
	data, err := types.Encode(types.EventError, types.ErrorPayload{Message: cause.Error()})
	if err != nil {
		return
	}
	if err := r.registry.Send(connID, data); err != nil {
		log.Printf("failed to ack error to conn=%s: %v", connID, err)
	}
}
