package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"go-meet/internal/protocol"
	"go-meet/internal/rooms"
)

const readTimeout = 2 * time.Second

func startHub(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	handler := NewHandler(hub, nil)
	srv := httptest.NewServer(http.HandlerFunc(handler.ServeWs))
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		srv.Close()
	})
	return hub, srv
}

type testConn struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []protocol.Envelope
}

// dial connects and waits until the hub has registered the connection.
func dial(t *testing.T, srv *httptest.Server) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &testConn{t: t, conn: conn}
	c.sync()
	return c
}

// joinAs dials and completes a chat join, consuming the announcement.
func joinAs(t *testing.T, srv *httptest.Server, name string) *testConn {
	t.Helper()
	c := dial(t, srv)
	c.send(protocol.EventJoin, name)
	c.expectSystem(name + " joined the chat")
	c.expect(protocol.EventOnlineUsers)
	return c
}

func (c *testConn) send(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(protocol.Envelope{Event: event, Data: raw}))
}

func (c *testConn) sendRaw(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// sync round-trips an unknown event. Its error reply proves every earlier
// frame from this connection has been handled.
func (c *testConn) sync() {
	c.t.Helper()
	c.sendRaw(`{"event":"probe","data":{}}`)
	env := c.expect(protocol.EventError)
	var p protocol.ErrorPayload
	require.NoError(c.t, json.Unmarshal(env.Data, &p))
	require.Equal(c.t, protocol.CodeBadRequest, p.Code)
}

func (c *testConn) next() protocol.Envelope {
	c.t.Helper()
	for len(c.pending) == 0 {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
		_, message, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		for _, line := range bytes.Split(message, []byte{'\n'}) {
			var env protocol.Envelope
			require.NoError(c.t, json.Unmarshal(line, &env))
			c.pending = append(c.pending, env)
		}
	}
	env := c.pending[0]
	c.pending = c.pending[1:]
	return env
}

func (c *testConn) expect(event string) protocol.Envelope {
	c.t.Helper()
	env := c.next()
	require.Equal(c.t, event, env.Event, "payload: %s", env.Data)
	return env
}

func (c *testConn) expectChat() protocol.ChatMessage {
	c.t.Helper()
	var msg protocol.ChatMessage
	require.NoError(c.t, json.Unmarshal(c.expect(protocol.EventChatMessage).Data, &msg))
	return msg
}

func (c *testConn) expectSystem(text string) {
	c.t.Helper()
	require.Equal(c.t, protocol.ChatMessage{User: protocol.SystemUser, Message: text}, c.expectChat())
}

func (c *testConn) expectRoster(names ...string) {
	c.t.Helper()
	var got []string
	require.NoError(c.t, json.Unmarshal(c.expect(protocol.EventOnlineUsers).Data, &got))
	if len(names) == 0 {
		require.Empty(c.t, got)
		return
	}
	require.Equal(c.t, names, got)
}

func (c *testConn) expectPeer(event, userID string) {
	c.t.Helper()
	var p protocol.Peer
	require.NoError(c.t, json.Unmarshal(c.expect(event).Data, &p))
	require.Equal(c.t, userID, p.UserID)
}

func (c *testConn) expectError(code string) {
	c.t.Helper()
	var p protocol.ErrorPayload
	require.NoError(c.t, json.Unmarshal(c.expect(protocol.EventError).Data, &p))
	require.Equal(c.t, code, p.Code)
}

func peerIDs(hub *Hub, roomID string) []string {
	return lo.Map(hub.Rooms().Members(roomID), func(m rooms.Member, _ int) string { return m.UserID })
}

func room(id, user string) protocol.RoomRequest {
	return protocol.RoomRequest{MeetingRoom: id, UserID: user}
}

func TestJoinAnnouncesAndPublishesRoster(t *testing.T) {
	_, srv := startHub(t, Options{})

	// Given Alice in the chat
	alice := dial(t, srv)
	alice.send(protocol.EventJoin, "Alice")
	alice.expectSystem("Alice joined the chat")
	alice.expectRoster("Alice")

	// When Bob joins
	bob := dial(t, srv)
	bob.send(protocol.EventJoin, "  Bob ")

	// Then both see the joined line before the roster, in join order
	for _, c := range []*testConn{alice, bob} {
		c.expectSystem("Bob joined the chat")
		c.expectRoster("Alice", "Bob")
	}
}

func TestSendMessageReachesEveryoneWithReply(t *testing.T) {
	_, srv := startHub(t, Options{})

	// Given Alice and Bob in the chat, and an observer that never joined
	alice := joinAs(t, srv, "Alice")
	bob := joinAs(t, srv, "Bob")
	alice.expectSystem("Bob joined the chat")
	alice.expectRoster("Alice", "Bob")
	observer := dial(t, srv)

	// When Bob says hi with a spoofed user field
	bob.send(protocol.EventSendMessage, protocol.ChatMessage{User: "Mallory", Message: "hi"})

	// Then every live connection gets it under Bob's registered name
	for _, c := range []*testConn{alice, bob, observer} {
		require.Equal(t, protocol.ChatMessage{User: "Bob", Message: "hi"}, c.expectChat())
	}

	// When Alice replies to it
	reply := protocol.ChatMessage{
		User:    "Alice",
		Message: "hello back",
		ReplyTo: &protocol.ReplyRef{User: "Bob", Message: "hi"},
	}
	alice.send(protocol.EventSendMessage, reply)

	// Then the reply reference travels with it
	for _, c := range []*testConn{alice, bob, observer} {
		require.Equal(t, reply, c.expectChat())
	}
}

func TestBlankMessageIsDropped(t *testing.T) {
	_, srv := startHub(t, Options{})
	alice := joinAs(t, srv, "Alice")

	// When a blank message is followed by a real one
	alice.send(protocol.EventSendMessage, protocol.ChatMessage{Message: "   \n\t"})
	alice.send(protocol.EventSendMessage, protocol.ChatMessage{Message: "real"})

	// Then only the real one is relayed
	require.Equal(t, "real", alice.expectChat().Message)
}

func TestSendMessageBeforeJoinIsRejected(t *testing.T) {
	_, srv := startHub(t, Options{})
	c := dial(t, srv)

	c.send(protocol.EventSendMessage, protocol.ChatMessage{Message: "hi"})

	c.expectError(protocol.CodeNotJoined)
}

func TestDuplicateJoinIsRejected(t *testing.T) {
	hub, srv := startHub(t, Options{})
	alice := joinAs(t, srv, "Alice")

	// When the same connection joins again
	alice.send(protocol.EventJoin, "Alice2")

	// Then only it gets an error and the roster is untouched
	alice.expectError(protocol.CodeDuplicateJoin)
	require.Equal(t, []string{"Alice"}, hub.Registry().DisplayNames())
}

func TestBlankDisplayNameIsRejected(t *testing.T) {
	hub, srv := startHub(t, Options{})
	c := dial(t, srv)

	c.send(protocol.EventJoin, "   ")

	c.expectError(protocol.CodeInvalidName)
	require.Zero(t, hub.Registry().Len())
}

func TestSystemDisplayNameIsRejected(t *testing.T) {
	hub, srv := startHub(t, Options{})
	alice := joinAs(t, srv, "Alice")
	mallory := dial(t, srv)

	// When Mallory joins as the server and tries to forge a leave line
	mallory.send(protocol.EventJoin, "System")
	mallory.expectError(protocol.CodeInvalidName)
	mallory.send(protocol.EventSendMessage, protocol.ChatMessage{User: "System", Message: "Alice left the chat"})
	mallory.expectError(protocol.CodeNotJoined)

	// Then nothing reaches Alice: her next frame is Bob's join
	joinAs(t, srv, "Bob")
	alice.expectSystem("Bob joined the chat")
	require.Equal(t, []string{"Alice", "Bob"}, hub.Registry().DisplayNames())
}

func TestMalformedFrameIsRejected(t *testing.T) {
	_, srv := startHub(t, Options{})
	c := dial(t, srv)

	c.sendRaw(`{"event":"join-room","data":{"userId":"u1"}}`)
	c.expectError(protocol.CodeBadRequest)

	c.sendRaw(`not json`)
	c.expectError(protocol.CodeBadRequest)
}

func TestDisconnectAnnouncesLeaveAndLeavesRooms(t *testing.T) {
	hub, srv := startHub(t, Options{})

	// Given Alice and Bob chatting and sharing a room
	alice := joinAs(t, srv, "Alice")
	bob := joinAs(t, srv, "Bob")
	alice.expectSystem("Bob joined the chat")
	alice.expectRoster("Alice", "Bob")

	alice.send(protocol.EventJoinRoom, room("r1", "a"))
	alice.sync()
	bob.send(protocol.EventJoinRoom, room("r1", "b"))
	bob.sync()
	alice.expectPeer(protocol.EventUserConnected, "b")

	// When Bob drops
	require.NoError(t, bob.conn.Close())

	// Then Alice sees the leave line, the new roster and the room departure
	alice.expectSystem("Bob left the chat")
	alice.expectRoster("Alice")
	alice.expectPeer(protocol.EventUserLeft, "b")
	require.Equal(t, []string{"a"}, peerIDs(hub, "r1"))
}

func TestDisconnectBeforeJoinAnnouncesUnknown(t *testing.T) {
	_, srv := startHub(t, Options{})
	alice := joinAs(t, srv, "Alice")
	stranger := dial(t, srv)

	require.NoError(t, stranger.conn.Close())

	alice.expectSystem("Unknown left the chat")
	alice.expectRoster("Alice")
}

func TestRoomJoinNotifiesExistingMembersOnly(t *testing.T) {
	hub, srv := startHub(t, Options{})
	alice, bob := dial(t, srv), dial(t, srv)

	// When Alice is the first to join, she hears nothing
	alice.send(protocol.EventJoinRoom, room("r1", "a"))
	alice.sync()

	// When Bob joins the same room twice
	bob.send(protocol.EventJoinRoom, room("r1", "b"))
	bob.send(protocol.EventJoinRoom, room("r1", "b"))
	bob.sync()

	// Then Alice is told once, and the next thing she sees is Bob's chat join
	alice.expectPeer(protocol.EventUserConnected, "b")
	bob.send(protocol.EventJoin, "Bob")
	alice.expectSystem("Bob joined the chat")
	require.ElementsMatch(t, []string{"a", "b"}, peerIDs(hub, "r1"))
}

func TestLeaveRoomNotifiesAndPrunes(t *testing.T) {
	hub, srv := startHub(t, Options{})
	alice, bob := dial(t, srv), dial(t, srv)
	alice.send(protocol.EventJoinRoom, room("r1", "a"))
	alice.sync()
	bob.send(protocol.EventJoinRoom, room("r1", "b"))
	bob.sync()
	alice.expectPeer(protocol.EventUserConnected, "b")

	// When Bob leaves, Alice is told
	bob.send(protocol.EventLeaveRoom, room("r1", "b"))
	bob.sync()
	alice.expectPeer(protocol.EventUserLeft, "b")

	// When the last member leaves, the room is gone
	alice.send(protocol.EventLeaveRoom, room("r1", "a"))
	alice.sync()
	require.Zero(t, hub.Rooms().Len())
}

func TestSignalReachesOtherRoomMembersVerbatim(t *testing.T) {
	_, srv := startHub(t, Options{})
	alice, bob, carol := dial(t, srv), dial(t, srv), dial(t, srv)

	alice.send(protocol.EventJoinRoom, room("r1", "a"))
	alice.sync()
	bob.send(protocol.EventJoinRoom, room("r1", "b"))
	bob.sync()
	alice.expectPeer(protocol.EventUserConnected, "b")
	carol.send(protocol.EventJoinRoom, room("r2", "c"))
	carol.sync()

	// When Alice sends an offer to r1
	offer := `{"meetingRoom":"r1","sdp":{"type":"offer","sdp":"v=0\r\n"},"to":"b"}`
	alice.sendRaw(`{"event":"offer","data":` + offer + `}`)

	// Then Bob receives the payload unchanged
	require.JSONEq(t, offer, string(bob.expect(protocol.EventOffer).Data))

	// And neither Alice nor Carol see it: their next frame is Alice's chat join
	alice.send(protocol.EventJoin, "Alice")
	alice.expectSystem("Alice joined the chat")
	carol.expectSystem("Alice joined the chat")
}

func TestSignalFromNonMemberIsRelayed(t *testing.T) {
	_, srv := startHub(t, Options{})
	alice, dave := dial(t, srv), dial(t, srv)
	alice.send(protocol.EventJoinRoom, room("r1", "a"))
	alice.sync()

	candidate := `{"meetingRoom":"r1","candidate":{"candidate":"candidate:1 1 UDP 2122252543 10.0.0.1 5000 typ host"}}`
	dave.sendRaw(`{"event":"ice-candidate","data":` + candidate + `}`)

	require.JSONEq(t, candidate, string(alice.expect(protocol.EventIceCandidate).Data))
}

func TestSignalToEmptyRoomGoesNowhere(t *testing.T) {
	_, srv := startHub(t, Options{})
	alice := dial(t, srv)

	alice.sendRaw(`{"event":"answer","data":{"meetingRoom":"ghost","sdp":"x"}}`)
	alice.sync()
}

// fakeBus loops published frames back, like a single-instance Redis channel.
type fakeBus struct {
	mu        sync.Mutex
	published [][]byte
	frames    chan []byte
	failSub   bool
	failPub   bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{frames: make(chan []byte, 64)}
}

func (b *fakeBus) Publish(_ context.Context, frame []byte) error {
	if b.failPub {
		return errors.New("redis: connection pool timeout")
	}
	b.mu.Lock()
	b.published = append(b.published, frame)
	b.mu.Unlock()
	b.frames <- frame
	return nil
}

func (b *fakeBus) Subscribe(context.Context) (<-chan []byte, error) {
	if b.failSub {
		return nil, errors.New("connection refused")
	}
	return b.frames, nil
}

func (b *fakeBus) events(t *testing.T) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.published))
	for _, frame := range b.published {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env.Event)
	}
	return out
}

func TestGlobalFramesTravelThroughBus(t *testing.T) {
	bus := newFakeBus()
	_, srv := startHub(t, Options{Bus: bus})

	// When Alice joins
	alice := joinAs(t, srv, "Alice")

	// Then the announcement went out on the bus
	require.Equal(t, []string{protocol.EventChatMessage, protocol.EventOnlineUsers}, bus.events(t))

	// When another instance publishes a chat line
	frame, err := protocol.Encode(protocol.EventChatMessage, protocol.ChatMessage{User: "Zed", Message: "from afar"})
	require.NoError(t, err)
	bus.frames <- frame

	// Then the local connection receives it
	require.Equal(t, protocol.ChatMessage{User: "Zed", Message: "from afar"}, alice.expectChat())
}

func TestRoomFramesStayLocalWithBus(t *testing.T) {
	bus := newFakeBus()
	_, srv := startHub(t, Options{Bus: bus})
	alice, bob := dial(t, srv), dial(t, srv)

	alice.send(protocol.EventJoinRoom, room("r1", "a"))
	alice.sync()
	bob.send(protocol.EventJoinRoom, room("r1", "b"))
	bob.sync()
	alice.expectPeer(protocol.EventUserConnected, "b")

	require.Empty(t, bus.events(t))
}

func TestBusSubscribeFailureFallsBackToLocal(t *testing.T) {
	bus := newFakeBus()
	bus.failSub = true
	_, srv := startHub(t, Options{Bus: bus})

	alice := joinAs(t, srv, "Alice")
	alice.send(protocol.EventSendMessage, protocol.ChatMessage{Message: "still here"})

	require.Equal(t, "still here", alice.expectChat().Message)
	require.Empty(t, bus.events(t))
}

func TestDeliverMarksFullClientSlow(t *testing.T) {
	hub := NewHub(Options{SendBuffer: 1})
	c := &Client{ID: "c1", send: make(chan []byte, 1)}
	c.closeOnce.Do(func() {}) // no socket behind this client

	// When the buffer overflows
	hub.deliver(c, []byte("a"))
	hub.deliver(c, []byte("b"))
	hub.deliver(c, []byte("c"))

	// Then the client is marked slow and later frames are dropped
	require.True(t, c.slow)
	require.Len(t, c.send, 1)
	require.Equal(t, "a", string(<-c.send))
}

func TestRunClosesClientsOnShutdown(t *testing.T) {
	hub := NewHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(NewHandler(hub, nil).ServeWs))
	defer srv.Close()
	c := dial(t, srv)

	cancel()
	<-hub.Done()

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := c.conn.ReadMessage()
	require.Error(t, err)
	require.Zero(t, hub.ClientCount())
}

// sharedBus fans every published frame out to all subscribers, like one Redis
// channel shared by several instances.
type sharedBus struct {
	mu   sync.Mutex
	subs []chan []byte
}

func (b *sharedBus) Publish(_ context.Context, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		ch <- frame
	}
	return nil
}

func (b *sharedBus) Subscribe(context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch, nil
}

func TestRosterIsPerInstanceAcrossBus(t *testing.T) {
	bus := &sharedBus{}
	_, srvA := startHub(t, Options{Bus: bus})
	_, srvB := startHub(t, Options{Bus: bus})
	bob := dial(t, srvB)

	// Given Alice joined on instance A
	alice := joinAs(t, srvA, "Alice")
	bob.expectSystem("Alice joined the chat")
	bob.expectRoster()

	// When Bob joins on instance B
	bob.send(protocol.EventJoin, "Bob")

	// Then both see the joined line, each with the roster of its own instance
	alice.expectSystem("Bob joined the chat")
	alice.expectRoster("Alice")
	bob.expectSystem("Bob joined the chat")
	bob.expectRoster("Bob")

	// When Bob leaves, Alice still sees herself online
	require.NoError(t, bob.conn.Close())
	alice.expectSystem("Bob left the chat")
	alice.expectRoster("Alice")
}

// stalledBus holds every publish until released.
type stalledBus struct {
	*fakeBus
	release chan struct{}
}

func (b *stalledBus) Publish(ctx context.Context, frame []byte) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.fakeBus.Publish(ctx, frame)
}

func TestSlowBusDoesNotStallHub(t *testing.T) {
	bus := &stalledBus{fakeBus: newFakeBus(), release: make(chan struct{})}
	hub, srv := startHub(t, Options{Bus: bus})
	alice := dial(t, srv)

	// Given the bus is stuck on Alice's announcement
	alice.send(protocol.EventJoin, "Alice")

	// Then the hub keeps registering connections and handling events
	other := dial(t, srv)
	other.sync()
	alice.sync()
	require.Equal(t, 2, hub.ClientCount())

	// When the bus recovers, the announcement arrives in order
	close(bus.release)
	alice.expectSystem("Alice joined the chat")
	alice.expectRoster("Alice")
}

func TestBusPublishFailureDeliversLocally(t *testing.T) {
	bus := newFakeBus()
	bus.failPub = true
	_, srv := startHub(t, Options{Bus: bus})

	alice := dial(t, srv)
	alice.send(protocol.EventJoin, "Alice")

	alice.expectSystem("Alice joined the chat")
	alice.expectRoster("Alice")
	require.Empty(t, bus.events(t))
}
