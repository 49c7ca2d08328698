package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType enumerates the events broadcast to a room.
type EventType string

const (
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
	EventChat  EventType = "chat"
)

// Event is the payload carried on the event bus and delivered to sessions.
type Event struct {
	Type   EventType `json:"type"`
	Room   string    `json:"room"`
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
}

// JoinNotice announces that sender entered room.
func JoinNotice(room, sender string) Event {
	return Event{Type: EventJoin, Room: room, Sender: sender, Text: sender + " entered the room"}
}

// LeaveNotice announces that sender left room.
func LeaveNotice(room, sender string) Event {
	return Event{Type: EventLeave, Room: room, Sender: sender, Text: sender + " left the room"}
}

// ChatMessage carries user text to every occupant of room.
func ChatMessage(room, sender, text string) Event {
	return Event{Type: EventChat, Room: room, Sender: sender, Text: text}
}

// MarshalEvent encodes an event for the bus wire.
func MarshalEvent(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// UnmarshalEvent decodes and checks an event received from the bus.
func UnmarshalEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch evt.Type {
	case EventJoin, EventLeave, EventChat:
	default:
		return Event{}, fmt.Errorf("decode event: unknown type %q", evt.Type)
	}
	if evt.Room == "" {
		return Event{}, fmt.Errorf("decode event: missing room")
	}
	return evt, nil
}
