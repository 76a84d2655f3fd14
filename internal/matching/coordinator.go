// Package matching owns the matching state machine. Every state change runs
// under storage.Store.Atomic and realtime, push and Kafka side effects are
// emitted only once that change has committed.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/technician-dispatch/internal/auth"
	"github.com/example/technician-dispatch/internal/dispatch"
	"github.com/example/technician-dispatch/internal/errs"
	"github.com/example/technician-dispatch/internal/matcher"
	"github.com/example/technician-dispatch/internal/models"
	"github.com/example/technician-dispatch/internal/observability"
	"github.com/example/technician-dispatch/internal/realtime"
	"github.com/example/technician-dispatch/internal/reservation"
	"github.com/example/technician-dispatch/internal/storage"
)

const (
	MinMaxDistanceKm = 0.5
	MaxMaxDistanceKm = 50.0
	// MaxETAHorizon bounds how far ahead an accepted arrival may lie.
	MaxETAHorizon = 24 * time.Hour
)

type Clock func() time.Time

type Config struct {
	InitialRadiusKm      float64
	RadiusStepKm         float64
	DefaultMaxDistanceKm float64
	// MaxAttempts caps the rounds run at maxDistance once every candidate
	// there has been contacted. Counted from the last retry.
	MaxAttempts int
	TopK        int
	// StallAfter is how long a matching may sit without progress before the
	// sweeper drives it again.
	StallAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialRadiusKm:      3,
		RadiusStepKm:         2,
		DefaultMaxDistanceKm: 10,
		MaxAttempts:          5,
		TopK:                 3,
		StallAfter:           5 * time.Second,
	}
}

// Finder is the candidate search.
type Finder interface {
	Find(ctx context.Context, q matcher.Query) ([]matcher.Candidate, error)
}

// EventSink receives the state of a matching after every committed status
// change.
type EventSink interface {
	MatchingChanged(ctx context.Context, m models.Matching) error
}

// View is a matching together with its requests.
type View struct {
	*models.Matching
	Requests []models.MatchingRequest `json:"requests"`
}

type Coordinator struct {
	store        storage.Store
	reservations reservation.Service
	finder       Finder
	dispatcher   *dispatch.Dispatcher
	publisher    realtime.Publisher
	sink         EventSink
	cfg          Config
	now          Clock
	newID        func() string
	logger       *slog.Logger
}

type Option func(*Coordinator)

func WithClock(c Clock) Option { return func(co *Coordinator) { co.now = c } }

func WithEventSink(s EventSink) Option { return func(co *Coordinator) { co.sink = s } }

func WithIDGenerator(f func() string) Option { return func(co *Coordinator) { co.newID = f } }

func NewCoordinator(
	store storage.Store,
	reservations reservation.Service,
	finder Finder,
	dispatcher *dispatch.Dispatcher,
	publisher realtime.Publisher,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:        store,
		reservations: reservations,
		finder:       finder,
		dispatcher:   dispatcher,
		publisher:    publisher,
		cfg:          cfg,
		now:          time.Now,
		newID:        uuid.NewString,
		logger:       logger.With("component", "matching"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type CreateInput struct {
	ReservationID   string
	MaxDistance     *float64
	PriorityFactors []string
}

// Create opens a matching for a reservation and runs the first search. Search
// and dispatch failures leave the matching in place for the sweeper.
func (c *Coordinator) Create(ctx context.Context, actor auth.Principal, in CreateInput) (*View, error) {
	if err := validateID("reservation_id", in.ReservationID); err != nil {
		return nil, err
	}
	maxDistance := c.cfg.DefaultMaxDistanceKm
	if in.MaxDistance != nil {
		maxDistance = *in.MaxDistance
	}
	if math.IsNaN(maxDistance) || maxDistance < MinMaxDistanceKm || maxDistance > MaxMaxDistanceKm {
		return nil, errs.NewValidationError("max_distance", fmt.Sprintf("must be between %.1f and %.0f km", MinMaxDistanceKm, MaxMaxDistanceKm))
	}
	factors, err := parseFactors(in.PriorityFactors)
	if err != nil {
		return nil, err
	}

	res, err := c.reservations.Get(ctx, in.ReservationID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && (actor.Role != auth.RoleConsumer || actor.UserID != res.ConsumerID) {
		return nil, errs.NewForbiddenError("reservation belongs to another consumer")
	}

	now := c.now()
	radius := math.Min(c.cfg.InitialRadiusKm, maxDistance)
	m := &models.Matching{
		ID:              c.newID(),
		ReservationID:   res.ID,
		ConsumerID:      res.ConsumerID,
		ServiceID:       res.ServiceID,
		Pickup:          res.Pickup,
		Status:          models.StatusPending,
		SearchRadius:    radius,
		InitialRadius:   radius,
		MaxDistance:     maxDistance,
		PriorityFactors: factors,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.CreateMatching(ctx, m); err != nil {
		return nil, err
	}
	observability.MatchingsCreated.Inc()
	observability.MatchingTransitions.WithLabelValues(string(models.StatusPending)).Inc()
	c.logger.Info("matching created", "matching_id", m.ID, "reservation_id", m.ReservationID, "max_distance_km", maxDistance)
	c.publishStatus(ctx, *m)

	if err := c.drive(ctx, m.ID); err != nil {
		c.logger.Warn("initial search failed; sweeper will retry", "matching_id", m.ID, "error", err)
	}
	return c.view(ctx, m.ID)
}

func (c *Coordinator) Get(ctx context.Context, actor auth.Principal, id string) (*View, error) {
	if err := validateID("matching_id", id); err != nil {
		return nil, err
	}
	v, err := c.view(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, v) {
		return nil, errs.NewForbiddenError("matching is not visible to this user")
	}
	return v, nil
}

// Cancel moves a non-terminal matching to cancelled and voids its pending
// requests in the same transaction.
func (c *Coordinator) Cancel(ctx context.Context, actor auth.Principal, id string) (*View, error) {
	if err := validateID("matching_id", id); err != nil {
		return nil, err
	}
	fx, err := c.mutate(ctx, id, func(tx *storage.Tx, now time.Time, fx *effects) error {
		m := tx.Matching
		if err := canManage(actor, m); err != nil {
			return err
		}
		if m.Status.Terminal() {
			return errs.NewConflictError("matching is already " + string(m.Status))
		}
		for _, r := range tx.Pending() {
			fx.expire(r, now, dispatch.ReasonCancelled)
		}
		m.RequestExpiry = nil
		fx.transition(m, models.StatusCancelled)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.emit(ctx, fx)
	return c.view(ctx, id)
}

// Retry restarts a cancelled, expired or failed matching from the initial
// radius and runs a fresh search.
func (c *Coordinator) Retry(ctx context.Context, actor auth.Principal, id string) (*View, error) {
	if err := validateID("matching_id", id); err != nil {
		return nil, err
	}
	fx, err := c.mutate(ctx, id, func(tx *storage.Tx, now time.Time, fx *effects) error {
		m := tx.Matching
		if err := canManage(actor, m); err != nil {
			return err
		}
		if !m.Status.Retryable() {
			return errs.NewConflictError("cannot retry a matching that is " + string(m.Status))
		}
		active, err := c.store.HasOtherActive(ctx, m.ReservationID, m.ID)
		if err != nil {
			return err
		}
		if active {
			return errs.NewConflictError("reservation already has an active matching")
		}
		m.Attempts++
		m.CycleStart = m.Attempts
		m.SearchRadius = m.InitialRadius
		m.TechnicianID = nil
		m.MatchedAt = nil
		m.EstimatedArrival = nil
		m.RequestExpiry = nil
		fx.transition(m, models.StatusPending)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.emit(ctx, fx)
	c.logger.Info("matching retried", "matching_id", id, "attempts", fx.after.Attempts)

	if err := c.drive(ctx, id); err != nil {
		c.logger.Warn("search after retry failed; sweeper will retry", "matching_id", id, "error", err)
	}
	return c.view(ctx, id)
}

// drive runs search and dispatch for a matching until it is waiting on a
// technician or has reached a terminal state.
func (c *Coordinator) drive(ctx context.Context, id string) error {
	fx, err := c.mutate(ctx, id, func(tx *storage.Tx, now time.Time, fx *effects) error {
		c.advance(ctx, tx, now, fx)
		return nil
	})
	if err != nil {
		return err
	}
	c.emit(ctx, fx)
	return fx.searchErr
}

// advance is the single place that decides what happens after a matching
// loses its outstanding request, whatever the reason.
func (c *Coordinator) advance(ctx context.Context, tx *storage.Tx, now time.Time, fx *effects) {
	m := tx.Matching
	if m.Status == models.StatusPending {
		fx.transition(m, models.StatusSearching)
	}
	for !m.Status.Terminal() {
		pending := len(tx.Pending())
		if pending >= c.dispatcher.FanOut {
			return
		}
		candidates, err := c.finder.Find(ctx, matcher.Query{
			Center:    m.Pickup,
			RadiusKm:  m.SearchRadius,
			Factors:   m.PriorityFactors,
			ServiceID: m.ServiceID,
			Exclude:   excluded(tx),
			Limit:     c.cfg.TopK,
		})
		if err != nil {
			fx.searchErr = err
			return
		}

		if len(candidates) > 0 {
			if m.Status != models.StatusTechnicianRequested {
				fx.transition(m, models.StatusTechnicianFound)
			}
			offers := c.dispatcher.Stage(tx, candidates, now)
			if len(offers) == 0 {
				return
			}
			fx.offers = append(fx.offers, offers...)
			fx.dirty = true
			expiry := latestExpiry(tx)
			m.RequestExpiry = &expiry
			fx.transition(m, models.StatusTechnicianRequested)
			return
		}

		if pending > 0 {
			return
		}
		switch {
		case m.SearchRadius < m.MaxDistance:
			m.SearchRadius = math.Min(m.SearchRadius+c.cfg.RadiusStepKm, m.MaxDistance)
		case contactedAt(tx, m.Attempts) && m.Attempts-m.CycleStart < c.cfg.MaxAttempts:
			// everyone at maxDistance has been asked; go another round
		default:
			m.RequestExpiry = nil
			fx.transition(m, models.StatusFailed)
			return
		}
		m.Attempts++
		m.RequestExpiry = nil
		fx.escalations++
		fx.dirty = true
		fx.transition(m, models.StatusSearching)
	}
}

// excluded lists technicians that must not be offered this matching again:
// anyone holding a pending request, anyone contacted in the current attempt,
// and anyone who declined since the last retry.
func excluded(tx *storage.Tx) map[string]bool {
	m := tx.Matching
	out := make(map[string]bool, len(tx.Requests))
	for _, r := range tx.Requests {
		switch {
		case r.Status == models.RequestPending, r.Attempt == m.Attempts:
			out[r.TechnicianID] = true
		case r.Status == models.RequestDeclined && r.Attempt >= m.CycleStart:
			out[r.TechnicianID] = true
		}
	}
	return out
}

func contactedAt(tx *storage.Tx, attempt int) bool {
	for _, r := range tx.Requests {
		if r.Attempt == attempt {
			return true
		}
	}
	return false
}

func latestExpiry(tx *storage.Tx) time.Time {
	var t time.Time
	for _, r := range tx.Pending() {
		if r.RequestExpiry.After(t) {
			t = r.RequestExpiry
		}
	}
	return t
}

func (c *Coordinator) view(ctx context.Context, id string) (*View, error) {
	m, reqs, err := c.store.GetMatching(ctx, id)
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []models.MatchingRequest{}
	}
	return &View{Matching: m, Requests: reqs}, nil
}

func validateID(param, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errs.NewValidationErrorWithCause(param, "must be a UUID", err)
	}
	return nil
}

func parseFactors(in []string) ([]models.PriorityFactor, error) {
	if len(in) == 0 {
		return models.DefaultPriorityFactors(), nil
	}
	seen := make(map[models.PriorityFactor]bool, len(in))
	out := make([]models.PriorityFactor, 0, len(in))
	for _, s := range in {
		f := models.PriorityFactor(s)
		if !f.Valid() {
			return nil, errs.NewValidationError("priority_factors", "unknown factor "+s)
		}
		if seen[f] {
			return nil, errs.NewValidationError("priority_factors", "duplicate factor "+s)
		}
		seen[f] = true
		out = append(out, f)
	}
	return out, nil
}

func canManage(actor auth.Principal, m *models.Matching) error {
	if actor.IsAdmin() || (actor.Role == auth.RoleConsumer && actor.UserID == m.ConsumerID) {
		return nil
	}
	return errs.NewForbiddenError("matching belongs to another consumer")
}

func canView(actor auth.Principal, v *View) bool {
	if canManage(actor, v.Matching) == nil {
		return true
	}
	if actor.Role != auth.RoleTechnician {
		return false
	}
	for _, r := range v.Requests {
		if r.TechnicianID == actor.UserID {
			return true
		}
	}
	return false
}
