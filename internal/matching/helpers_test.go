package matching

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/technician-dispatch/internal/auth"
	"github.com/example/technician-dispatch/internal/dispatch"
	"github.com/example/technician-dispatch/internal/geo"
	"github.com/example/technician-dispatch/internal/matcher"
	"github.com/example/technician-dispatch/internal/models"
	"github.com/example/technician-dispatch/internal/realtime"
	"github.com/example/technician-dispatch/internal/reservation"
	"github.com/example/technician-dispatch/internal/storage"
)

var pickup = models.Coord{Lat: 52.52, Lon: 13.405}

// at returns a point km kilometres due north of pickup.
func at(km float64) models.Coord {
	return models.Coord{Lat: pickup.Lat + km/111.195, Lon: pickup.Lon}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type published struct {
	room string
	ev   realtime.Event
}

type recorder struct {
	mu  sync.Mutex
	got []published
}

func (r *recorder) Publish(_ context.Context, room string, ev realtime.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, published{room: room, ev: ev})
	return nil
}

func (r *recorder) events(room, name string) []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []realtime.Event
	for _, p := range r.got {
		if p.room == room && p.ev.Event == name {
			out = append(out, p.ev)
		}
	}
	return out
}

func (r *recorder) statuses(t *testing.T, reservationID string) []models.Matching {
	t.Helper()
	var out []models.Matching
	for _, ev := range r.events(realtime.ReservationRoom(reservationID), realtime.EventMatchingStatus) {
		var m models.Matching
		require.NoError(t, json.Unmarshal(ev.Data, &m))
		out = append(out, m)
	}
	return out
}

type sinkRecorder struct {
	mu  sync.Mutex
	got []models.Matching
}

func (s *sinkRecorder) MatchingChanged(_ context.Context, m models.Matching) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, m)
	return nil
}

type flakyFinder struct {
	inner Finder
	fail  atomic.Bool
}

func (f *flakyFinder) Find(ctx context.Context, q matcher.Query) ([]matcher.Candidate, error) {
	if f.fail.Load() {
		return nil, errors.New("directory unavailable")
	}
	return f.inner.Find(ctx, q)
}

type env struct {
	coord         *Coordinator
	store         *storage.MemoryStore
	dir           *geo.Index
	finder        *flakyFinder
	reservations  *reservation.Memory
	pub           *recorder
	sink          *sinkRecorder
	clock         *fakeClock
	consumer      auth.Principal
	reservationID string
	registered    time.Time
}

func newEnv(t *testing.T, fanOut int) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		store:         storage.NewMemoryStore(),
		dir:           geo.NewIndex(),
		reservations:  reservation.NewMemory(),
		pub:           &recorder{},
		sink:          &sinkRecorder{},
		clock:         &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
		consumer:      auth.Principal{UserID: "consumer-1", Role: auth.RoleConsumer},
		reservationID: uuid.NewString(),
		registered:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	e.finder = &flakyFinder{inner: matcher.NewSearch(e.dir)}
	e.reservations.Put(models.Reservation{
		ID: e.reservationID, ConsumerID: e.consumer.UserID, ServiceID: "plumbing", Pickup: pickup, Address: "Alexanderplatz 1",
	})
	d := dispatch.NewDispatcher(e.pub, time.Minute, fanOut, logger)
	e.coord = NewCoordinator(e.store, e.reservations, e.finder, d, e.pub, DefaultConfig(), logger,
		WithClock(e.clock.Now), WithEventSink(e.sink))
	return e
}

// addTech registers an online plumber km kilometres from pickup. Later
// calls register later, which only matters for tie-breaks.
func (e *env) addTech(t *testing.T, id string, km, rating, experience float64) {
	t.Helper()
	e.registered = e.registered.Add(time.Hour)
	require.NoError(t, e.dir.Upsert(context.Background(), models.Technician{
		ID: id, Loc: at(km), Rating: rating, ExperienceYears: experience,
		Services: []string{"plumbing"}, Online: true, RegisteredAt: e.registered,
	}))
}

func (e *env) create(t *testing.T) *View {
	t.Helper()
	v, err := e.coord.Create(context.Background(), e.consumer, CreateInput{ReservationID: e.reservationID})
	require.NoError(t, err)
	return v
}

func technician(id string) auth.Principal {
	return auth.Principal{UserID: id, Role: auth.RoleTechnician}
}

func (e *env) accept(id, techID string, eta time.Duration) (*View, error) {
	arrival := e.clock.Now().Add(eta)
	return e.coord.Respond(context.Background(), technician(techID), id, Response{Accept: true, EstimatedArrival: &arrival})
}

func (e *env) decline(id, techID, reason string) (*View, error) {
	return e.coord.Respond(context.Background(), technician(techID), id, Response{DeclineReason: reason})
}

func requestsFor(v *View, techID string) []models.MatchingRequest {
	var out []models.MatchingRequest
	for _, r := range v.Requests {
		if r.TechnicianID == techID {
			out = append(out, r)
		}
	}
	return out
}

func countStatus(v *View, s models.RequestStatus) int {
	n := 0
	for _, r := range v.Requests {
		if r.Status == s {
			n++
		}
	}
	return n
}
