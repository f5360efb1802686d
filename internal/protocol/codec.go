package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidDisplayName = errors.New("display name must not be blank")
	ErrEmptyMessage       = errors.New("message must not be blank")
	ErrUnknownEvent       = errors.New("unknown event")
	ErrMalformed          = errors.New("malformed payload")
)

const MaxDisplayNameLength = 64

var validate = validator.New()

// NormalizeName trims a display name and rejects blank or oversized ones.
// SystemUser is reserved for server-generated lines.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidDisplayName
	}
	if strings.EqualFold(name, SystemUser) {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidDisplayName, name)
	}
	if err := validate.Var(name, fmt.Sprintf("max=%d", MaxDisplayNameLength)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDisplayName, err)
	}
	return name, nil
}

// IsBlank reports whether text has no visible content.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// Decode parses and validates one inbound frame.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Event {
	case EventJoin:
		var name string
		if err := unmarshal(env.Data, &name); err != nil {
			return nil, err
		}
		return Join{DisplayName: name}, nil

	case EventSendMessage:
		var msg ChatMessage
		if err := unmarshalValid(env.Data, &msg); err != nil {
			return nil, err
		}
		return SendMessage{ChatMessage: msg}, nil

	case EventJoinRoom:
		var req RoomRequest
		if err := unmarshalValid(env.Data, &req); err != nil {
			return nil, err
		}
		return JoinRoom{RoomRequest: req}, nil

	case EventLeaveRoom:
		var req RoomRequest
		if err := unmarshalValid(env.Data, &req); err != nil {
			return nil, err
		}
		return LeaveRoom{RoomRequest: req}, nil

	case EventOffer, EventAnswer, EventIceCandidate:
		var target struct {
			MeetingRoom string `json:"meetingRoom" validate:"required,max=128"`
		}
		if err := unmarshalValid(env.Data, &target); err != nil {
			return nil, err
		}
		return Signal{Kind: env.Event, MeetingRoom: target.MeetingRoom, Payload: env.Data}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

// Encode builds a frame for event. A json.RawMessage payload keeps its content;
// encoding/json only compacts its whitespace.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func unmarshalValid(data json.RawMessage, v any) error {
	if err := unmarshal(data, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
