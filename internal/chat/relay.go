package chat

import (
	"go-meet/internal/protocol"
	"go-meet/internal/rooms"
)

func systemLine(text string) protocol.ChatMessage {
	return protocol.ChatMessage{User: protocol.SystemUser, Message: text}
}

// join registers the display name and announces it. The "joined" line always
// precedes the roster snapshot of the same join.
func (h *Hub) join(c *Client, ev protocol.Join) error {
	if err := h.registry.Register(c.ID, ev.DisplayName); err != nil {
		return err
	}
	name, _ := h.registry.Name(c.ID)
	h.log.Info("user joined chat", "conn", c.ID, "name", name)

	h.broadcast(protocol.EventChatMessage, systemLine(name+" joined the chat"))
	h.broadcast(protocol.EventOnlineUsers, h.registry.DisplayNames())
	return nil
}

func (h *Hub) announceLeave(name string) {
	h.broadcast(protocol.EventChatMessage, systemLine(name+" left the chat"))
	h.broadcast(protocol.EventOnlineUsers, h.registry.DisplayNames())
}

// relayMessage sends a chat line to every connection, the sender included.
func (h *Hub) relayMessage(c *Client, ev protocol.SendMessage) error {
	name, ok := h.registry.Name(c.ID)
	if !ok {
		return ErrNotJoined
	}
	if protocol.IsBlank(ev.Message) {
		return protocol.ErrEmptyMessage
	}

	msg := protocol.ChatMessage{User: name, Message: ev.Message}
	if ev.ReplyTo != nil {
		ref := *ev.ReplyTo
		msg.ReplyTo = &ref
	}
	h.broadcast(protocol.EventChatMessage, msg)
	return nil
}

// joinRoom adds c to the room and tells the members already there. A repeated
// join is a no-op.
func (h *Hub) joinRoom(c *Client, ev protocol.JoinRoom) {
	if !h.rooms.Join(c.ID, ev.MeetingRoom, ev.UserID) {
		return
	}
	h.log.Debug("joined room", "conn", c.ID, "room", ev.MeetingRoom, "user", ev.UserID)
	h.sendToMembers(h.rooms.Members(ev.MeetingRoom), c.ID, protocol.EventUserConnected, protocol.Peer{UserID: ev.UserID})
}

func (h *Hub) leaveRoom(c *Client, ev protocol.LeaveRoom) {
	member, ok := h.rooms.Leave(c.ID, ev.MeetingRoom)
	if !ok {
		return
	}
	h.log.Debug("left room", "conn", c.ID, "room", ev.MeetingRoom, "user", member.UserID)
	h.sendToMembers(h.rooms.Members(ev.MeetingRoom), c.ID, protocol.EventUserLeft, protocol.Peer{UserID: member.UserID})
}

// relaySignal forwards the payload untouched to the other members of the room.
func (h *Hub) relaySignal(c *Client, ev protocol.Signal) {
	h.sendToMembers(h.rooms.Members(ev.MeetingRoom), c.ID, ev.Kind, ev.Payload)
}

// sendToMembers delivers one frame to members, skipping the connection except.
func (h *Hub) sendToMembers(members []rooms.Member, except, event string, payload any) {
	if len(members) == 0 {
		return
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Error("encode room frame", "event", event, "error", err)
		return
	}
	for _, m := range members {
		if m.ConnID == except {
			continue
		}
		if c, ok := h.clients[m.ConnID]; ok {
			h.deliver(c, frame)
		}
	}
}
