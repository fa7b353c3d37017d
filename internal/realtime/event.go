package realtime

import (
	"encoding/json"
	"strings"
	"time"
)

type EventType string

const (
	PresenceEnter EventType = "presence.enter"
	PresenceLeave EventType = "presence.leave"
	TypingStart   EventType = "typing.start"
	TypingStop    EventType = "typing.stop"
	StageProgress EventType = "stage.progress"
	SessionEvent  EventType = "session.event"
	AIResponse    EventType = "ai.response"
	AIError       EventType = "ai.error"
)

// Event is the JSON payload carried on a channel.
type Event struct {
	Type        EventType       `json:"type"`
	SessionID   string          `json:"sessionId,omitempty"`
	SenderID    string          `json:"senderId,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	SentAt      time.Time       `json:"sentAt"`
}

// NewEvent marshals data into an event stamped with the current time.
func NewEvent(typ EventType, sessionID string, data any) (Event, error) {
	ev := Event{Type: typ, SessionID: sessionID, SentAt: time.Now().UTC()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = b
	}
	return ev, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

const (
	sessionPrefix  = "session:"
	userPrefix     = "user:"
	presencePrefix = "presence:"
)

func SessionChannel(sessionID string) string { return sessionPrefix + sessionID }

func UserChannel(userID string) string { return userPrefix + userID }

// SessionIDOf returns the session id of a session channel name, or "".
func SessionIDOf(channel string) string {
	id, ok := strings.CutPrefix(channel, sessionPrefix)
	if !ok {
		return ""
	}
	return id
}

func presenceKey(channel string) string { return presencePrefix + channel }

// Member is one presence entry.
type Member struct {
	ClientID string          `json:"clientId"`
	UserID   string          `json:"userId"`
	Data     json.RawMessage `json:"data,omitempty"`
	At       time.Time       `json:"at"`
}
