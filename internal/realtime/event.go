// Package realtime is the authenticated room-based pub/sub transport. It
// delivers events and never interprets them: matching state lives elsewhere
// and delivery is at-most-once per live connection.
package realtime

import (
	"context"
	"encoding/json"
	"strings"
)

// Client events.
const (
	EventJoinUser        = "join_user"
	EventJoinReservation = "join_reservation"
	EventLeaveRoom       = "leave_room"
	EventLocationUpdate  = "location_update"
	EventChatMessage     = "chat_message"
)

// Server events.
const (
	EventJoined             = "joined"
	EventError              = "error"
	EventMatchRequest       = "match_request"
	EventMatchRequestClosed = "match_request_closed"
	EventMatchingStatus     = "matching_status"
)

type Event struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals data into an event addressed to room.
func NewEvent(name, room string, data any) (Event, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Event: name, Room: room, Data: b}, nil
}

// Publisher fans an event out to every subscriber of a room.
type Publisher interface {
	Publish(ctx context.Context, room string, ev Event) error
}

func UserRoom(userID string) string { return "user:" + userID }

func ReservationRoom(reservationID string) string { return "reservation:" + reservationID }

// ParseRoom splits "kind:id".
func ParseRoom(room string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(room, ":")
	if !ok || id == "" || (kind != "user" && kind != "reservation") {
		return "", "", false
	}
	return kind, id, true
}
