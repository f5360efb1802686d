package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go-meet/internal/presence"
	"go-meet/internal/protocol"
	"go-meet/internal/rooms"
)

var ErrNotJoined = errors.New("join the chat before sending messages")

const (
	defaultSendBuffer     = 256
	defaultMaxMessageSize = 64 << 10
)

// Options configures a Hub. Zero values pick the defaults.
type Options struct {
	// Bus carries global frames between instances. Nil keeps fan-out in process.
	Bus            Bus
	Logger         *slog.Logger
	SendBuffer     int
	MaxMessageSize int64
}

// Hub routes inbound events from every connection. Run is the only goroutine
// that touches clients, so delivery state needs no lock; the registry and the
// room manager carry their own locks for concurrent readers.
type Hub struct {
	clients map[string]*Client // connID -> client

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEvent
	done       chan struct{}

	registry *presence.Registry
	rooms    *rooms.Manager
	bus      Bus
	outbox   chan []byte // global frames waiting for the publisher
	fallback chan []byte // frames the bus rejected, delivered locally
	log      *slog.Logger
	live     atomic.Int64

	sendBuffer     int
	maxMessageSize int64
}

type inboundEvent struct {
	client *Client
	event  protocol.Inbound
	err    error
}

func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	return &Hub{
		clients:        make(map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		inbound:        make(chan inboundEvent),
		done:           make(chan struct{}),
		registry:       presence.NewRegistry(),
		rooms:          rooms.NewManager(),
		bus:            opts.Bus,
		fallback:       make(chan []byte, opts.SendBuffer),
		log:            opts.Logger.With("component", "hub"),
		sendBuffer:     opts.SendBuffer,
		maxMessageSize: opts.MaxMessageSize,
	}
}

// Registry exposes the connection registry for read-only callers.
func (h *Hub) Registry() *presence.Registry { return h.registry }

// Rooms exposes the room manager for read-only callers.
func (h *Hub) Rooms() *rooms.Manager { return h.rooms }

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int { return int(h.live.Load()) }

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Run processes hub traffic until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	var remote <-chan []byte
	if h.bus != nil {
		ch, err := h.bus.Subscribe(ctx)
		if err != nil {
			h.log.Error("bus subscribe failed, falling back to local fan-out", "error", err)
			h.bus = nil
		} else {
			remote = ch
			h.outbox = make(chan []byte, h.sendBuffer)
			go h.publish(ctx, h.bus, h.outbox)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.clients[client.ID] = client
			h.live.Add(1)
			h.log.Debug("client connected", "conn", client.ID)

		case client := <-h.unregister:
			h.disconnect(client)

		case in := <-h.inbound:
			h.dispatch(in)

		case frame, ok := <-remote:
			if !ok {
				h.log.Warn("bus subscription closed, falling back to local fan-out")
				remote = nil
				h.bus = nil
				h.outbox = nil
				continue
			}
			h.fanoutGlobal(frame)

		case frame := <-h.fallback:
			h.fanoutGlobal(frame)
		}
	}
}

// attach hands a new client to the hub. It fails once the hub has stopped.
func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) submit(in inboundEvent) {
	select {
	case h.inbound <- in:
	case <-h.done:
	}
}

func (h *Hub) dispatch(in inboundEvent) {
	c := in.client
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	if in.err != nil {
		h.sendError(c, protocol.CodeBadRequest, in.err)
		return
	}

	var err error
	switch ev := in.event.(type) {
	case protocol.Join:
		err = h.join(c, ev)
	case protocol.SendMessage:
		err = h.relayMessage(c, ev)
	case protocol.JoinRoom:
		h.joinRoom(c, ev)
	case protocol.LeaveRoom:
		h.leaveRoom(c, ev)
	case protocol.Signal:
		h.relaySignal(c, ev)
	default:
		err = fmt.Errorf("%w: %T", protocol.ErrUnknownEvent, in.event)
	}

	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrEmptyMessage):
		h.log.Debug("dropped blank message", "conn", c.ID)
	case errors.Is(err, presence.ErrDuplicateJoin):
		h.sendError(c, protocol.CodeDuplicateJoin, err)
	case errors.Is(err, protocol.ErrInvalidDisplayName):
		h.sendError(c, protocol.CodeInvalidName, err)
	case errors.Is(err, ErrNotJoined):
		h.sendError(c, protocol.CodeNotJoined, err)
	default:
		h.sendError(c, protocol.CodeBadRequest, err)
	}
}

// disconnect removes c from every table, notifies the others, then releases c.
func (h *Hub) disconnect(c *Client) {
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	h.live.Add(-1)

	name, _ := h.registry.Unregister(c.ID)
	h.announceLeave(name)

	for _, d := range h.rooms.LeaveAll(c.ID) {
		h.sendToMembers(d.Remaining, "", protocol.EventUserLeft, protocol.Peer{UserID: d.Member.UserID})
	}

	close(c.send)
	h.log.Debug("client disconnected", "conn", c.ID, "name", name)
}

func (h *Hub) closeAll() {
	h.log.Info("shutting down hub", "clients", len(h.clients))
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	h.live.Store(0)
}

// broadcast sends a global frame to every connection. With a bus the frame is
// queued for the publisher, so the hub loop never waits on the network.
func (h *Hub) broadcast(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Error("encode broadcast", "event", event, "error", err)
		return
	}
	if h.outbox == nil {
		h.fanout(frame)
		return
	}
	select {
	case h.outbox <- frame:
	default:
		h.log.Warn("bus outbox full, delivering locally", "event", event)
		h.fanoutGlobal(frame)
	}
}

// publish hands queued frames to the bus in order. A frame the bus rejects
// goes back to the hub loop for local delivery.
func (h *Hub) publish(ctx context.Context, bus Bus, outbox <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-outbox:
			err := bus.Publish(ctx, frame)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			h.log.Error("bus publish failed, delivering locally", "error", err)
			select {
			case h.fallback <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fanoutGlobal delivers a frame that went through the bus. Each instance only
// knows its own connections, so a roster is rebuilt from the local registry.
func (h *Hub) fanoutGlobal(frame []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err == nil && env.Event == protocol.EventOnlineUsers {
		roster, err := protocol.Encode(protocol.EventOnlineUsers, h.registry.DisplayNames())
		if err != nil {
			h.log.Error("encode roster", "error", err)
			return
		}
		frame = roster
	}
	h.fanout(frame)
}

func (h *Hub) fanout(frame []byte) {
	for _, c := range h.clients {
		h.deliver(c, frame)
	}
}

// deliver never blocks: a client whose buffer is full is disconnected.
func (h *Hub) deliver(c *Client, frame []byte) {
	if c.slow {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.slow = true
		h.log.Warn("client too slow, closing connection", "conn", c.ID)
		c.close()
	}
}

func (h *Hub) sendTo(c *Client, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Error("encode frame", "event", event, "error", err)
		return
	}
	h.deliver(c, frame)
}

func (h *Hub) sendError(c *Client, code string, err error) {
	h.sendTo(c, protocol.EventError, protocol.ErrorPayload{Code: code, Message: err.Error()})
}
