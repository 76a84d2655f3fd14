package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/technician-dispatch/internal/auth"
	"github.com/example/technician-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	sendBuffer     = 64
)

// Authorizer decides whether a principal may subscribe to a room.
type Authorizer func(ctx context.Context, p auth.Principal, room string) error

// Session represents one connected client.
type Session struct {
	hub       *Hub
	conn      *websocket.Conn
	principal auth.Principal
	send      chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

func (s *Session) Principal() auth.Principal { return s.principal }

// Hub holds sessions and room membership for this process.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]map[*Session]struct{}
	authorize Authorizer
	relay     Publisher
	logger    *slog.Logger
}

func NewHub(authorize Authorizer, logger *slog.Logger) *Hub {
	if authorize == nil {
		authorize = func(context.Context, auth.Principal, string) error { return nil }
	}
	return &Hub{
		rooms:     make(map[string]map[*Session]struct{}),
		authorize: authorize,
		logger:    logger.With("component", "realtime_hub"),
	}
}

// SetRelay routes Publish through p, which is expected to call Deliver on
// every instance, this one included.
func (h *Hub) SetRelay(p Publisher) { h.relay = p }

func (h *Hub) Publish(ctx context.Context, room string, ev Event) error {
	if h.relay != nil {
		return h.relay.Publish(ctx, room, ev)
	}
	h.Deliver(room, ev)
	return nil
}

// Deliver hands ev to every local session in room and reports how many
// accepted it. Slow sessions are dropped rather than blocking the caller.
func (h *Hub) Deliver(room string, ev Event) int {
	ev.Room = room
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range members {
		select {
		case <-s.done:
			continue
		default:
		}
		select {
		case s.send <- ev:
			delivered++
			observability.RealtimeDelivered.WithLabelValues(ev.Event).Inc()
		default:
			observability.RealtimeDropped.Inc()
			h.logger.Warn("dropping slow realtime session", "user_id", s.principal.UserID, "room", room)
			s.close()
		}
	}
	return delivered
}

// Connected reports whether userID has a live session on this instance.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[UserRoom(userID)]) > 0
}

// Serve takes ownership of conn and runs its read and write pumps.
func (h *Hub) Serve(conn *websocket.Conn, p auth.Principal) *Session {
	s := &Session{
		hub:       h,
		conn:      conn,
		principal: p,
		send:      make(chan Event, sendBuffer),
		done:      make(chan struct{}),
		rooms:     make(map[string]struct{}),
	}
	observability.RealtimeConnections.Inc()
	h.logger.Info("realtime session opened", "user_id", p.UserID, "role", p.Role)
	go s.writePump()
	go s.readPump()
	return s
}

// join adds s to room unless s is already closed. Membership on both sides
// changes under h.mu so close never misses a room.
func (h *Hub) join(s *Session, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}

	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
	return true
}

func (h *Hub) leave(s *Session, room string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

func (s *Session) joined(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.hub.mu.Lock()
		close(s.done)
		s.hub.mu.Unlock()

		s.mu.Lock()
		rooms := make([]string, 0, len(s.rooms))
		for r := range s.rooms {
			rooms = append(rooms, r)
		}
		s.mu.Unlock()
		for _, r := range rooms {
			s.hub.leave(s, r)
		}
		observability.RealtimeConnections.Dec()
		s.hub.logger.Info("realtime session closed", "user_id", s.principal.UserID)
	})
}

func (s *Session) readPump() {
	defer func() {
		s.close()
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var ev Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("realtime read error", "user_id", s.principal.UserID, "error", err)
			}
			return
		}
		s.handle(ev)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case ev := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type joinPayload struct {
	UserID        string `json:"user_id"`
	ReservationID string `json:"reservation_id"`
	Room          string `json:"room"`
}

func (s *Session) handle(ev Event) {
	var p joinPayload
	if len(ev.Data) > 0 && (ev.Event == EventJoinUser || ev.Event == EventJoinReservation || ev.Event == EventLeaveRoom) {
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			s.reply(EventError, "", map[string]string{"message": "malformed payload"})
			return
		}
	}

	switch ev.Event {
	case EventJoinUser:
		if p.UserID == "" {
			p.UserID = s.principal.UserID
		}
		s.subscribe(UserRoom(p.UserID))
	case EventJoinReservation:
		if p.ReservationID == "" {
			s.reply(EventError, "", map[string]string{"message": "reservation_id is required"})
			return
		}
		s.subscribe(ReservationRoom(p.ReservationID))
	case EventLeaveRoom:
		s.hub.leave(s, p.Room)
	case EventLocationUpdate, EventChatMessage:
		// collaborator traffic: relayed to the room as-is
		if ev.Room == "" || !s.joined(ev.Room) {
			s.reply(EventError, ev.Room, map[string]string{"message": "not a member of room"})
			return
		}
		relayed := Event{Event: ev.Event, Data: ev.Data}
		if err := s.hub.Publish(context.Background(), ev.Room, relayed); err != nil {
			s.hub.logger.Warn("relay collaborator event failed", "event", ev.Event, "room", ev.Room, "error", err)
		}
	default:
		s.reply(EventError, "", map[string]string{"message": "unknown event " + ev.Event})
	}
}

func (s *Session) subscribe(room string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.hub.authorize(ctx, s.principal, room); err != nil {
		s.reply(EventError, room, map[string]string{"message": err.Error()})
		return
	}
	if !s.hub.join(s, room) {
		return
	}
	s.reply(EventJoined, room, map[string]string{"room": room})
}

func (s *Session) reply(name, room string, data any) {
	ev, err := NewEvent(name, room, data)
	if err != nil {
		return
	}
	select {
	case <-s.done:
	case s.send <- ev:
	default:
	}
}
