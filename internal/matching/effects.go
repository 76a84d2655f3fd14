package matching

import (
	"context"
	"time"

	"github.com/example/technician-dispatch/internal/dispatch"
	"github.com/example/technician-dispatch/internal/models"
	"github.com/example/technician-dispatch/internal/observability"
	"github.com/example/technician-dispatch/internal/realtime"
	"github.com/example/technician-dispatch/internal/storage"
)

// effects collects what a transaction did so it can be announced after
// commit. Nothing in here is visible outside the process until emit runs.
type effects struct {
	before      models.Matching
	after       models.Matching
	transitions []models.MatchingStatus
	offers      []dispatch.Offer
	closed      []dispatch.Closure
	expired     int
	escalations int
	dirty       bool

	// searchErr is a directory failure seen while advancing. The
	// transaction still commits whatever was decided before it.
	searchErr error
	// result is returned to the caller after commit, for outcomes such as a
	// stale response that still persist changes.
	result error
}

func (fx *effects) transition(m *models.Matching, to models.MatchingStatus) {
	if m.Status == to {
		return
	}
	m.Status = to
	fx.transitions = append(fx.transitions, to)
	fx.dirty = true
}

func (fx *effects) expire(r *models.MatchingRequest, now time.Time, reason string) {
	r.Status = models.RequestExpired
	r.RespondedAt = &now
	fx.dirty = true
	if reason == dispatch.ReasonExpired {
		fx.expired++
	}
	fx.closed = append(fx.closed, dispatch.Closure{
		MatchingID:   r.MatchingID,
		RequestID:    r.ID,
		TechnicianID: r.TechnicianID,
		Reason:       reason,
	})
}

func (fx *effects) statusChanged() bool {
	return fx.before.Status != fx.after.Status ||
		fx.before.Attempts != fx.after.Attempts ||
		fx.before.SearchRadius != fx.after.SearchRadius
}

// mutate runs fn under the matching lock and stamps UpdatedAt when fn
// changed anything.
func (c *Coordinator) mutate(ctx context.Context, id string, fn func(tx *storage.Tx, now time.Time, fx *effects) error) (*effects, error) {
	var fx *effects
	err := c.store.Atomic(ctx, id, func(tx *storage.Tx) error {
		fx = &effects{before: *tx.Matching.Clone()}
		now := c.now()
		if err := fn(tx, now, fx); err != nil {
			return err
		}
		if fx.dirty {
			tx.Matching.UpdatedAt = now
		}
		fx.after = *tx.Matching.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fx, nil
}

func (c *Coordinator) emit(ctx context.Context, fx *effects) {
	for _, s := range fx.transitions {
		observability.MatchingTransitions.WithLabelValues(string(s)).Inc()
	}
	observability.RequestsExpired.Add(float64(fx.expired))
	observability.Escalations.Add(float64(fx.escalations))
	if len(fx.transitions) > 0 {
		c.logger.Info("matching advanced",
			"matching_id", fx.after.ID, "from", fx.before.Status, "to", fx.after.Status,
			"attempts", fx.after.Attempts, "search_radius_km", fx.after.SearchRadius)
	}

	c.dispatcher.Withdraw(ctx, fx.closed)
	if fx.statusChanged() {
		c.publishStatus(ctx, fx.after)
	}
	c.dispatcher.Deliver(ctx, fx.offers)
}

func (c *Coordinator) publishStatus(ctx context.Context, m models.Matching) {
	ev, err := realtime.NewEvent(realtime.EventMatchingStatus, "", m)
	if err == nil {
		if err := c.publisher.Publish(ctx, realtime.ReservationRoom(m.ReservationID), ev); err != nil {
			c.logger.Warn("publish matching_status failed", "matching_id", m.ID, "error", err)
		}
	}
	if c.sink != nil {
		if err := c.sink.MatchingChanged(ctx, m); err != nil {
			c.logger.Warn("matching event not recorded", "matching_id", m.ID, "error", err)
		}
	}
}
