package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/technician-dispatch/internal/auth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer upgrades every request and authenticates it as the user
// named in the "user" query parameter.
func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(conn, auth.Principal{UserID: r.URL.Query().Get("user"), Role: auth.RoleTechnician})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, name string, data any) {
	t.Helper()
	ev, err := NewEvent(name, "", data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ev))
}

func read(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubJoinAndDeliver(t *testing.T) {
	hub := NewHub(nil, testLogger())
	srv := newTestServer(t, hub)
	conn := dial(t, srv, "tech-1")

	send(t, conn, EventJoinUser, map[string]string{})
	joined := read(t, conn)
	assert.Equal(t, EventJoined, joined.Event)
	assert.Equal(t, UserRoom("tech-1"), joined.Room)
	assert.True(t, hub.Connected("tech-1"))
	assert.False(t, hub.Connected("tech-2"))

	ev, err := NewEvent(EventMatchRequest, "", map[string]string{"matching_id": "m1"})
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), UserRoom("tech-1"), ev))

	got := read(t, conn)
	assert.Equal(t, EventMatchRequest, got.Event)
	assert.Equal(t, UserRoom("tech-1"), got.Room)
	assert.JSONEq(t, `{"matching_id":"m1"}`, string(got.Data))

	assert.Zero(t, hub.Deliver(UserRoom("nobody"), ev))
}

func TestHubAuthorizerRejectsJoin(t *testing.T) {
	deny := func(_ context.Context, p auth.Principal, room string) error {
		if room != UserRoom(p.UserID) {
			return errors.New("forbidden room")
		}
		return nil
	}
	hub := NewHub(deny, testLogger())
	srv := newTestServer(t, hub)
	conn := dial(t, srv, "tech-1")

	send(t, conn, EventJoinUser, map[string]string{"user_id": "tech-2"})
	got := read(t, conn)
	assert.Equal(t, EventError, got.Event)
	assert.Contains(t, string(got.Data), "forbidden room")
	assert.False(t, hub.Connected("tech-2"))
}

func TestHubRelaysCollaboratorTraffic(t *testing.T) {
	hub := NewHub(nil, testLogger())
	srv := newTestServer(t, hub)
	tech := dial(t, srv, "tech-1")
	consumer := dial(t, srv, "consumer-1")

	for _, c := range []*websocket.Conn{tech, consumer} {
		send(t, c, EventJoinReservation, map[string]string{"reservation_id": "r1"})
		require.Equal(t, EventJoined, read(t, c).Event)
	}

	loc := Event{Event: EventLocationUpdate, Room: ReservationRoom("r1"), Data: json.RawMessage(`{"lat":1,"lon":2}`)}
	require.NoError(t, tech.WriteJSON(loc))

	for _, c := range []*websocket.Conn{tech, consumer} {
		got := read(t, c)
		assert.Equal(t, EventLocationUpdate, got.Event)
		assert.JSONEq(t, `{"lat":1,"lon":2}`, string(got.Data))
	}

	t.Run("not a member", func(t *testing.T) {
		stray := Event{Event: EventChatMessage, Room: ReservationRoom("r2"), Data: json.RawMessage(`"hi"`)}
		require.NoError(t, consumer.WriteJSON(stray))
		assert.Equal(t, EventError, read(t, consumer).Event)
	})

	t.Run("leave room", func(t *testing.T) {
		send(t, consumer, EventLeaveRoom, map[string]string{"room": ReservationRoom("r1")})
		stray := Event{Event: EventChatMessage, Room: ReservationRoom("r1"), Data: json.RawMessage(`"hi"`)}
		require.NoError(t, consumer.WriteJSON(stray))
		assert.Equal(t, EventError, read(t, consumer).Event)
	})
}

func TestHubUnknownEvent(t *testing.T) {
	hub := NewHub(nil, testLogger())
	conn := dial(t, newTestServer(t, hub), "u1")
	send(t, conn, "dance", nil)
	assert.Equal(t, EventError, read(t, conn).Event)
}

func TestClosedSessionCannotJoin(t *testing.T) {
	hub := NewHub(nil, testLogger())
	s := &Session{
		hub:       hub,
		principal: auth.Principal{UserID: "tech-1", Role: auth.RoleTechnician},
		send:      make(chan Event, 1),
		done:      make(chan struct{}),
		rooms:     make(map[string]struct{}),
	}
	require.True(t, hub.join(s, UserRoom("tech-1")))
	assert.True(t, hub.Connected("tech-1"))

	s.close()
	assert.False(t, hub.Connected("tech-1"))

	// a join racing with close must not resurrect the session
	assert.False(t, hub.join(s, UserRoom("tech-1")))
	assert.False(t, hub.Connected("tech-1"))
	assert.Zero(t, hub.Deliver(UserRoom("tech-1"), Event{Event: EventMatchRequest}))
	assert.False(t, s.joined(UserRoom("tech-1")))
}

func TestParseRoom(t *testing.T) {
	kind, id, ok := ParseRoom("reservation:abc")
	assert.True(t, ok)
	assert.Equal(t, "reservation", kind)
	assert.Equal(t, "abc", id)

	for _, bad := range []string{"", "user:", "team:1", "nocolon"} {
		_, _, ok := ParseRoom(bad)
		assert.False(t, ok, bad)
	}
}

type recorder struct {
	ch chan Event
}

func (r *recorder) Deliver(room string, ev Event) int {
	ev.Room = room
	r.ch <- ev
	return 1
}

func TestRedisRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	relay := NewRedisRelay(client, "realtime", testLogger())
	rec := &recorder{ch: make(chan Event, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, rec, ready) }()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not subscribe")
	}

	ev, err := NewEvent(EventMatchingStatus, "", map[string]string{"status": "matched"})
	require.NoError(t, err)
	require.NoError(t, relay.Publish(ctx, ReservationRoom("r1"), ev))

	select {
	case got := <-rec.ch:
		assert.Equal(t, EventMatchingStatus, got.Event)
		assert.Equal(t, ReservationRoom("r1"), got.Room)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed event not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
