package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-meet/internal/protocol"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNoSuchEntry      = errors.New("no such transcript entry")
	ErrNotReplyable     = errors.New("entry cannot be replied to")
)

const (
	writeWait     = 10 * time.Second
	signalsBuffer = 64
)

type State int

const (
	Disconnected State = iota
	Connecting
	NotJoined
	Joined
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case NotJoined:
		return "not joined"
	case Joined:
		return "joined"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Conn is the client end of the socket. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer dials with gorilla's default dialer.
func WebsocketDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Draft is the message being composed.
type Draft struct {
	Text string
	// ReplyIndex is the transcript index of the reply target, -1 when none.
	ReplyIndex int
	ReplyTo    *protocol.ReplyRef
}

type Options struct {
	Dialer Dialer
	Logger *slog.Logger
	// ViewportHeight is the number of visible transcript lines; 0 shows all.
	ViewportHeight int
}

// Session drives one user's side of the chat: connect, join, compose, send,
// and the signaling calls of a meeting room.
type Session struct {
	mu         sync.Mutex
	state      State
	conn       Conn
	name       string
	draft      Draft
	transcript *Transcript
	roster     []string
	lastErr    *protocol.ErrorPayload
	onChange   func()

	signals chan protocol.Envelope
	dial    Dialer
	log     *slog.Logger
}

func New(opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		draft:      Draft{ReplyIndex: -1},
		transcript: NewTranscript(opts.ViewportHeight),
		signals:    make(chan protocol.Envelope, signalsBuffer),
		dial:       opts.Dialer,
		log:        opts.Logger.With("component", "session"),
	}
}

// OnChange registers fn to run after every state or transcript change. fn is
// called without the session lock held.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Signals delivers room events: user-connected, user-left, and relayed
// offers, answers and ICE candidates.
func (s *Session) Signals() <-chan protocol.Envelope { return s.signals }

func (s *Session) Connect(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = Connecting
	s.mu.Unlock()
	s.notify()

	conn, err := s.dial(ctx, url)

	s.mu.Lock()
	if err != nil {
		s.state = Disconnected
		s.mu.Unlock()
		s.notify()
		return fmt.Errorf("dial %s: %w", url, err)
	}
	s.conn = conn
	s.state = NotJoined
	s.lastErr = nil
	s.mu.Unlock()
	s.log.Debug("connected", "url", url)

	go s.readLoop(conn)
	s.notify()
	return nil
}

// Close drops the connection. The session can connect again afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	s.dropLocked()
	s.mu.Unlock()
	s.notify()
}

// Join announces the display name. A blank name is rejected before anything
// is written.
func (s *Session) Join(displayName string) error {
	name, err := protocol.NormalizeName(displayName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != NotJoined {
		s.mu.Unlock()
		return ErrNotConnected
	}
	// Joined is set first so the server's announcement of this join lands
	// in the transcript.
	s.state = Joined
	s.name = name
	err = s.writeLocked(protocol.EventJoin, name)
	s.mu.Unlock()
	s.notify()
	return err
}

func (s *Session) SetText(text string) {
	s.mu.Lock()
	s.draft.Text = text
	s.mu.Unlock()
	s.notify()
}

// SelectReply makes transcript entry i the reply target, replacing any
// previous one.
func (s *Session) SelectReply(i int) error {
	s.mu.Lock()
	e, ok := s.transcript.At(i)
	switch {
	case !ok:
		s.mu.Unlock()
		return ErrNoSuchEntry
	case !e.Replyable():
		s.mu.Unlock()
		return ErrNotReplyable
	}
	s.draft.ReplyIndex = i
	s.draft.ReplyTo = &protocol.ReplyRef{User: e.Chat.User, Message: e.Chat.Message}
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Session) ClearReply() {
	s.mu.Lock()
	s.draft.ReplyIndex = -1
	s.draft.ReplyTo = nil
	s.mu.Unlock()
	s.notify()
}

// Send writes the draft as a chat message and clears it. The draft is kept
// when sending fails.
func (s *Session) Send() error {
	s.mu.Lock()
	if s.state != Joined {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if protocol.IsBlank(s.draft.Text) {
		s.mu.Unlock()
		return protocol.ErrEmptyMessage
	}

	msg := protocol.ChatMessage{User: s.name, Message: s.draft.Text}
	if s.draft.ReplyTo != nil {
		ref := *s.draft.ReplyTo
		msg.ReplyTo = &ref
	}
	err := s.writeLocked(protocol.EventSendMessage, msg)
	if err == nil {
		s.draft = Draft{ReplyIndex: -1}
	}
	s.mu.Unlock()
	s.notify()
	return err
}

func (s *Session) JoinRoom(meetingRoom, userID string) error {
	return s.roomRequest(protocol.EventJoinRoom, meetingRoom, userID)
}

func (s *Session) LeaveRoom(meetingRoom, userID string) error {
	return s.roomRequest(protocol.EventLeaveRoom, meetingRoom, userID)
}

func (s *Session) roomRequest(event, meetingRoom, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.writeLocked(event, protocol.RoomRequest{MeetingRoom: meetingRoom, UserID: userID})
}

// Signal sends an offer, answer or ICE candidate to the other members of
// meetingRoom. body is passed through as is, with meetingRoom added.
func (s *Session) Signal(kind, meetingRoom string, body map[string]any) error {
	if !protocol.IsSignal(kind) {
		return fmt.Errorf("%w: %q", protocol.ErrUnknownEvent, kind)
	}
	payload := maps.Clone(body)
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["meetingRoom"] = meetingRoom

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.writeLocked(kind, payload)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Name is the display name of the current join, empty before joining.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.draft
	if d.ReplyTo != nil {
		ref := *d.ReplyTo
		d.ReplyTo = &ref
	}
	return d
}

// Roster is the latest onlineUsers snapshot.
func (s *Session) Roster() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.roster...)
}

// LastError is the most recent error event from the server, if any.
func (s *Session) LastError() *protocol.ErrorPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Entry(i int) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.At(i)
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Len()
}

// Visible returns the entries in the viewport and the index of the first.
func (s *Session) Visible() ([]Entry, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Visible()
}

func (s *Session) ScrollTo(top int) {
	s.mu.Lock()
	s.transcript.ScrollTo(top)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) ScrollBy(delta int) {
	s.mu.Lock()
	s.transcript.ScrollBy(delta)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) ScrollToLatest() {
	s.mu.Lock()
	s.transcript.ScrollToLatest()
	s.mu.Unlock()
	s.notify()
}

func (s *Session) Following() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Following()
}

func (s *Session) readLoop(conn Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.lost(conn, err)
			return
		}
		for _, line := range bytes.Split(message, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var env protocol.Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				s.log.Warn("undecodable frame", "error", err)
				continue
			}
			s.handle(env)
		}
	}
}

func (s *Session) handle(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventChatMessage:
		var msg protocol.ChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			s.log.Warn("bad chat message", "error", err)
			return
		}
		s.appendEntry(Entry{Kind: EntryChat, Chat: msg})

	case protocol.EventOnlineUsers:
		var names []string
		if err := json.Unmarshal(env.Data, &names); err != nil {
			s.log.Warn("bad roster", "error", err)
			return
		}
		s.mu.Lock()
		s.roster = names
		s.mu.Unlock()
		s.appendEntry(Entry{Kind: EntryRoster, Roster: names})

	case protocol.EventError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		s.mu.Lock()
		s.lastErr = &p
		s.mu.Unlock()
		s.notify()

	case protocol.EventUserConnected, protocol.EventUserLeft,
		protocol.EventOffer, protocol.EventAnswer, protocol.EventIceCandidate:
		select {
		case s.signals <- env:
		default:
			s.log.Warn("signal dropped, nobody is reading", "event", env.Event)
		}

	default:
		s.log.Debug("ignored event", "event", env.Event)
	}
}

// appendEntry records e while joined; traffic seen before joining is not shown.
func (s *Session) appendEntry(e Entry) {
	s.mu.Lock()
	if s.state != Joined {
		s.mu.Unlock()
		return
	}
	e.At = time.Now()
	s.transcript.Append(e)
	s.mu.Unlock()
	s.notify()
}

// lost handles the end of conn's read loop. A connection already replaced or
// closed locally is ignored.
func (s *Session) lost(conn Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.dropLocked()
	s.mu.Unlock()
	s.log.Info("connection lost", "error", err)
	s.notify()
}

func (s *Session) dropLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.state = Disconnected
	s.name = ""
}

func (s *Session) writeLocked(event string, payload any) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.dropLocked()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
