package router

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/registry"
	"chatrelay/pkg/types"
)

const testQuiet = 40 * time.Millisecond

// eventSink captures every delivered frame, decoded back into envelopes.
type eventSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *eventSink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.frames = append(s.frames, buf)
	return nil
}

func (s *eventSink) envelopes(t *testing.T) []*types.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	envs := make([]*types.Envelope, 0, len(s.frames))
	for _, frame := range s.frames {
		env, err := types.Decode(frame)
		if err != nil {
			t.Fatalf("Sink captured undecodable frame: %v", err)
		}
		envs = append(envs, env)
	}
	return envs
}

func (s *eventSink) names(t *testing.T) []string {
	t.Helper()
	envs := s.envelopes(t)
	names := make([]string, len(envs))
	for i, env := range envs {
		names[i] = env.Event
	}
	return names
}

func (s *eventSink) countOf(t *testing.T, event string) int {
	t.Helper()
	n := 0
	for _, name := range s.names(t) {
		if name == event {
			n++
		}
	}
	return n
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.NewRegistry()
	rt := NewRouter(reg, testQuiet, nil)
	t.Cleanup(rt.Close)
	return rt, reg
}

func frame(t *testing.T, event string, payload interface{}) []byte {
	t.Helper()
	data, err := types.Encode(event, payload)
	if err != nil {
		t.Fatalf("Failed to encode %s frame: %v", event, err)
	}
	return data
}

func connect(t *testing.T, rt *Router, id, room string) *eventSink {
	t.Helper()
	sink := &eventSink{}
	if err := rt.Connect(id, sink, "127.0.0.1:1000", room); err != nil {
		t.Fatalf("Connect(%s) failed: %v", id, err)
	}
	return sink
}

func joinAs(t *testing.T, rt *Router, id, name string) {
	t.Helper()
	rt.HandleFrame(id, frame(t, types.EventJoin, types.JoinPayload{Username: name}))
}

func decodePayload(t *testing.T, env *types.Envelope, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("Failed to decode %s payload: %v", env.Event, err)
	}
}

func TestRouter_JoinBroadcastsPresence(t *testing.T) {
	rt, _ := newTestRouter(t)

	alice := connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")

	names := alice.names(t)
	if len(names) != 2 || names[0] != types.EventUserJoined || names[1] != types.EventOnlineUpdate {
		t.Fatalf("After own join, Alice saw %v, want [user joined, online update]", names)
	}

	bob := connect(t, rt, "c2", "r1")
	joinAs(t, rt, "c2", "Bob")

	// Both members receive Bob's arrival and the count=2 snapshot.
	for who, sink := range map[string]*eventSink{"Alice": alice, "Bob": bob} {
		envs := sink.envelopes(t)
		last := envs[len(envs)-1]
		if last.Event != types.EventOnlineUpdate {
			t.Fatalf("%s: last event = %s, want online update", who, last.Event)
		}
		var snap types.PresencePayload
		decodePayload(t, last, &snap)
		if snap.OnlineCount != 2 {
			t.Errorf("%s: online count = %d, want 2", who, snap.OnlineCount)
		}
		if len(snap.OnlineUsers) != 2 || snap.OnlineUsers[0].Username != "Alice" || snap.OnlineUsers[1].Username != "Bob" {
			t.Errorf("%s: members = %+v, want [Alice Bob]", who, snap.OnlineUsers)
		}
	}

	joined := alice.envelopes(t)[2]
	if joined.Event != types.EventUserJoined {
		t.Fatalf("Alice's third event = %s, want user joined", joined.Event)
	}
	var announce types.UserJoinedPayload
	decodePayload(t, joined, &announce)
	if announce.Username != "Bob" || announce.Time.IsZero() {
		t.Errorf("user joined payload = %+v", announce)
	}
}

func TestRouter_InvalidJoinRejected(t *testing.T) {
	rt, reg := newTestRouter(t)

	alice := connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")

	intruder := connect(t, rt, "c2", "r1")
	joinAs(t, rt, "c2", "   ")

	// The offender receives an error acknowledgment and nothing else.
	names := intruder.names(t)
	if len(names) != 1 || names[0] != types.EventError {
		t.Fatalf("Rejected join produced %v for sender, want [error]", names)
	}

	// No user joined or online update reached the room.
	if got := alice.countOf(t, types.EventUserJoined); got != 1 {
		t.Errorf("Alice saw %d user-joined events, want only her own", got)
	}
	if snap := reg.Snapshot("r1"); snap.OnlineCount != 1 {
		t.Errorf("Presence count = %d after rejected join, want 1", snap.OnlineCount)
	}
}

func TestRouter_DuplicateJoinIgnored(t *testing.T) {
	rt, reg := newTestRouter(t)

	alice := connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")
	joinAs(t, rt, "c1", "Mallory")

	if got := alice.countOf(t, types.EventUserJoined); got != 1 {
		t.Errorf("Duplicate join broadcast again: %d user-joined events", got)
	}
	identity, _ := reg.IdentityOf("c1")
	if identity.Username != "Alice" {
		t.Errorf("Duplicate join changed identity to %q", identity.Username)
	}
}

func TestRouter_ChatRelayedToAllInOrder(t *testing.T) {
	rt, _ := newTestRouter(t)

	alice := connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")
	bob := connect(t, rt, "c2", "r1")
	joinAs(t, rt, "c2", "Bob")

	rt.HandleFrame(t.Name(), nil) // unknown connection, must be harmless
	rt.HandleFrame("c1", frame(t, types.EventChatMessage, types.ChatPayload{Text: "first"}))
	rt.HandleFrame("c1", frame(t, types.EventChatMessage, types.ChatPayload{Text: "second"}))

	// The sender renders from the relayed copy too, so both members observe
	// the same messages in the same order.
	for who, sink := range map[string]*eventSink{"Alice": alice, "Bob": bob} {
		var bodies []string
		for _, env := range sink.envelopes(t) {
			if env.Event != types.EventChatMessage {
				continue
			}
			var msg types.ChatMessagePayload
			decodePayload(t, env, &msg)
			if msg.Username != "Alice" || msg.Time.IsZero() {
				t.Errorf("%s: relayed message = %+v", who, msg)
			}
			bodies = append(bodies, msg.Text)
		}
		if len(bodies) != 2 || bodies[0] != "first" || bodies[1] != "second" {
			t.Errorf("%s observed %v, want [first second]", who, bodies)
		}
	}
}

func TestRouter_ImageMessageRelayed(t *testing.T) {
	rt, _ := newTestRouter(t)

	connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")
	bob := connect(t, rt, "c2", "r1")
	joinAs(t, rt, "c2", "Bob")

	rt.HandleFrame("c1", frame(t, types.EventChatMessage, types.ChatPayload{Image: "/media/pic.png"}))

	envs := bob.envelopes(t)
	last := envs[len(envs)-1]
	if last.Event != types.EventChatMessage {
		t.Fatalf("Bob's last event = %s, want chat message", last.Event)
	}
	var msg types.ChatMessagePayload
	decodePayload(t, last, &msg)
	if msg.ImageURL != "/media/pic.png" || msg.Text != "" {
		t.Errorf("Relayed image message = %+v", msg)
	}
}

func TestRouter_PreJoinEventsDropped(t *testing.T) {
	rt, _ := newTestRouter(t)

	alice := connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")
	lurker := connect(t, rt, "c2", "r1")

	// A client must join before chatting: these produce zero outbound events.
	rt.HandleFrame("c2", frame(t, types.EventChatMessage, types.ChatPayload{Text: "hi"}))
	rt.HandleFrame("c2", frame(t, types.EventTyping, struct{}{}))
	rt.HandleFrame("c2", frame(t, types.EventStopTyping, struct{}{}))

	if got := len(lurker.names(t)); got != 0 {
		t.Errorf("Pre-join sender received %d events, want 0", got)
	}
	if got := len(alice.names(t)); got != 2 {
		t.Errorf("Room member received %d events, want only the 2 from her own join", got)
	}
}

func TestRouter_InvalidChatAckedToSenderOnly(t *testing.T) {
	rt, _ := newTestRouter(t)

	alice := connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")
	bob := connect(t, rt, "c2", "r1")
	joinAs(t, rt, "c2", "Bob")

	before := len(bob.names(t))
	rt.HandleFrame("c1", frame(t, types.EventChatMessage, types.ChatPayload{}))
	rt.HandleFrame("c1", frame(t, types.EventChatMessage, types.ChatPayload{Text: "x", Image: "/media/x.png"}))

	if got := alice.countOf(t, types.EventError); got != 2 {
		t.Errorf("Sender received %d error acks, want 2", got)
	}
	if got := len(bob.names(t)); got != before {
		t.Errorf("Invalid payloads leaked %d events to room-mates", got-before)
	}
}

func TestRouter_TypingExcludesSender(t *testing.T) {
	rt, _ := newTestRouter(t)

	alice := connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")
	bob := connect(t, rt, "c2", "r1")
	joinAs(t, rt, "c2", "Bob")

	rt.HandleFrame("c1", frame(t, types.EventTyping, struct{}{}))

	if got := alice.countOf(t, types.EventTyping); got != 0 {
		t.Errorf("Typing echoed back to its sender %d times", got)
	}
	if got := bob.countOf(t, types.EventTyping); got != 1 {
		t.Fatalf("Room-mate saw %d typing events, want 1", got)
	}

	envs := bob.envelopes(t)
	var indicator types.TypingPayload
	decodePayload(t, envs[len(envs)-1], &indicator)
	if indicator.Username != "Alice" {
		t.Errorf("Typing payload names %q, want Alice", indicator.Username)
	}
}

func TestRouter_StopTypingEmittedOnceAfterSilence(t *testing.T) {
	rt, _ := newTestRouter(t)

	connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")
	bob := connect(t, rt, "c2", "r1")
	joinAs(t, rt, "c2", "Bob")

	rt.HandleFrame("c1", frame(t, types.EventTyping, struct{}{}))
	rt.HandleFrame("c1", frame(t, types.EventTyping, struct{}{}))

	time.Sleep(3 * testQuiet)

	if got := bob.countOf(t, types.EventStopTyping); got != 1 {
		t.Errorf("Stop typing emitted %d times per silence period, want exactly 1", got)
	}
}

func TestRouter_ExplicitStopTypingCancelsTimer(t *testing.T) {
	rt, _ := newTestRouter(t)

	connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")
	bob := connect(t, rt, "c2", "r1")
	joinAs(t, rt, "c2", "Bob")

	rt.HandleFrame("c1", frame(t, types.EventTyping, struct{}{}))
	rt.HandleFrame("c1", frame(t, types.EventStopTyping, struct{}{}))

	if got := bob.countOf(t, types.EventStopTyping); got != 1 {
		t.Fatalf("Explicit stop produced %d stop-typing events, want 1", got)
	}

	// The timeout path must not produce a duplicate.
	time.Sleep(3 * testQuiet)
	if got := bob.countOf(t, types.EventStopTyping); got != 1 {
		t.Errorf("Timeout duplicated stop typing: %d events", got)
	}

	// A stray stop with no active burst produces nothing.
	rt.HandleFrame("c1", frame(t, types.EventStopTyping, struct{}{}))
	if got := bob.countOf(t, types.EventStopTyping); got != 1 {
		t.Errorf("Stray stop typing emitted an event: %d total", got)
	}
}

func TestRouter_DisconnectBroadcastsDeparture(t *testing.T) {
	rt, reg := newTestRouter(t)

	alice := connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")
	connect(t, rt, "c2", "r1")
	joinAs(t, rt, "c2", "Bob")

	rt.Disconnect("c2")

	envs := alice.envelopes(t)
	if len(envs) < 2 {
		t.Fatalf("Alice saw %d events, want at least user left + online update", len(envs))
	}
	left := envs[len(envs)-2]
	update := envs[len(envs)-1]
	if left.Event != types.EventUserLeft || update.Event != types.EventOnlineUpdate {
		t.Fatalf("Departure events = [%s %s], want [user left, online update]", left.Event, update.Event)
	}

	var departure types.UserLeftPayload
	decodePayload(t, left, &departure)
	if departure.Username != "Bob" || departure.Time.IsZero() {
		t.Errorf("user left payload = %+v", departure)
	}

	var snap types.PresencePayload
	decodePayload(t, update, &snap)
	if snap.OnlineCount != 1 || snap.OnlineUsers[0].Username != "Alice" {
		t.Errorf("Post-departure snapshot = %+v", snap)
	}

	// Duplicate disconnect is a no-op.
	before := len(alice.names(t))
	rt.Disconnect("c2")
	if got := len(alice.names(t)); got != before {
		t.Errorf("Second disconnect emitted %d extra events", got-before)
	}
	if snap := reg.Snapshot("r1"); snap.OnlineCount != 1 {
		t.Errorf("Second disconnect changed presence count to %d", snap.OnlineCount)
	}
}

func TestRouter_TypingTimerAfterDisconnectIsNoop(t *testing.T) {
	rt, _ := newTestRouter(t)

	connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")
	bob := connect(t, rt, "c2", "r1")
	joinAs(t, rt, "c2", "Bob")

	rt.HandleFrame("c1", frame(t, types.EventTyping, struct{}{}))
	rt.Disconnect("c1")

	time.Sleep(3 * testQuiet)
	if got := bob.countOf(t, types.EventStopTyping); got != 0 {
		t.Errorf("Timer for a disconnected user emitted %d stop-typing events", got)
	}
}

func TestRouter_RoomIsolation(t *testing.T) {
	rt, _ := newTestRouter(t)

	connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")
	other := connect(t, rt, "c2", "r2")
	joinAs(t, rt, "c2", "Eve")

	baseline := len(other.names(t))
	rt.HandleFrame("c1", frame(t, types.EventChatMessage, types.ChatPayload{Text: "secret"}))
	rt.HandleFrame("c1", frame(t, types.EventTyping, struct{}{}))
	rt.Disconnect("c1")

	if got := len(other.names(t)); got != baseline {
		t.Errorf("Room r2 observed %d events from room r1", got-baseline)
	}
}

func TestRouter_MalformedFramesIgnored(t *testing.T) {
	rt, _ := newTestRouter(t)

	alice := connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")

	rt.HandleFrame("c1", []byte("not json at all"))
	rt.HandleFrame("c1", []byte(`{"event":"no such event","data":{}}`))
	rt.HandleFrame("c1", []byte(`{"data":{}}`))

	if got := len(alice.names(t)); got != 2 {
		t.Errorf("Malformed frames produced %d extra events", got-2)
	}
}

// recordingAuditor captures lifecycle notifications.
type recordingAuditor struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAuditor) Connected(connID, remoteAddr, requestedRoom string) {
	a.append("connected:" + connID)
}

func (a *recordingAuditor) Joined(connID, username, room string) {
	a.append("joined:" + username + ":" + room)
}

func (a *recordingAuditor) Left(connID, username, room string) {
	a.append("left:" + username + ":" + room)
}

func (a *recordingAuditor) append(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, s)
}

func TestRouter_AuditTrail(t *testing.T) {
	reg := registry.NewRegistry()
	audit := &recordingAuditor{}
	rt := NewRouter(reg, testQuiet, audit)
	defer rt.Close()

	connect(t, rt, "c1", "r1")
	joinAs(t, rt, "c1", "Alice")
	rt.Disconnect("c1")

	want := []string{"connected:c1", "joined:Alice:r1", "left:Alice:r1"}
	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.events) != len(want) {
		t.Fatalf("Audit trail = %v, want %v", audit.events, want)
	}
	for i, e := range want {
		if audit.events[i] != e {
			t.Errorf("Audit event %d = %q, want %q", i, audit.events[i], e)
		}
	}
}
