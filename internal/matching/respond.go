package matching

import (
	"context"
	"time"

	"github.com/example/technician-dispatch/internal/auth"
	"github.com/example/technician-dispatch/internal/dispatch"
	"github.com/example/technician-dispatch/internal/errs"
	"github.com/example/technician-dispatch/internal/models"
	"github.com/example/technician-dispatch/internal/observability"
	"github.com/example/technician-dispatch/internal/storage"
)

type Response struct {
	Accept           bool
	DeclineReason    string
	EstimatedArrival *time.Time
}

// Respond records a technician's answer to their request. A request that is
// past its deadline is expired in the same transaction and the caller gets a
// stale error whatever the payload said.
func (c *Coordinator) Respond(ctx context.Context, actor auth.Principal, matchingID string, in Response) (*View, error) {
	if err := validateID("matching_id", matchingID); err != nil {
		return nil, err
	}
	if actor.Role != auth.RoleTechnician {
		return nil, errs.NewForbiddenError("only technicians can respond to match requests")
	}
	technicianID := actor.UserID

	fx, err := c.mutate(ctx, matchingID, func(tx *storage.Tx, now time.Time, fx *effects) error {
		m := tx.Matching
		r := tx.RequestFor(technicianID)
		if r == nil {
			return errs.NewForbiddenError("no request was sent to this technician")
		}
		if r.Status != models.RequestPending {
			return errs.NewStaleError("request is already " + string(r.Status))
		}
		if !now.Before(r.RequestExpiry) {
			fx.expire(r, now, dispatch.ReasonExpired)
			c.advance(ctx, tx, now, fx)
			fx.result = errs.NewStaleError("request expired")
			return nil
		}
		if m.Status != models.StatusTechnicianRequested {
			return errs.NewStaleError("matching is " + string(m.Status))
		}

		if !in.Accept {
			r.Status = models.RequestDeclined
			r.RespondedAt = &now
			r.DeclineReason = in.DeclineReason
			fx.dirty = true
			c.advance(ctx, tx, now, fx)
			return nil
		}

		if err := validateArrival(in.EstimatedArrival, now); err != nil {
			return err
		}
		r.Status = models.RequestAccepted
		r.RespondedAt = &now
		for _, other := range tx.Pending() {
			fx.expire(other, now, dispatch.ReasonTaken)
		}
		arrival := in.EstimatedArrival.UTC()
		m.TechnicianID = &technicianID
		m.MatchedAt = &now
		m.EstimatedArrival = &arrival
		m.RequestExpiry = nil
		fx.transition(m, models.StatusMatched)
		return nil
	})
	if err != nil {
		observability.Responses.WithLabelValues(errs.Code(err)).Inc()
		return nil, err
	}
	c.emit(ctx, fx)
	if fx.result != nil {
		observability.Responses.WithLabelValues(errs.Code(fx.result)).Inc()
		return nil, fx.result
	}

	if in.Accept {
		observability.Responses.WithLabelValues("accepted").Inc()
		observability.MatchLatency.Observe(fx.after.MatchedAt.Sub(fx.after.CreatedAt).Seconds())
		c.logger.Info("matching matched", "matching_id", matchingID, "technician_id", technicianID)
	} else {
		observability.Responses.WithLabelValues("declined").Inc()
		c.logger.Info("match request declined", "matching_id", matchingID, "technician_id", technicianID, "reason", in.DeclineReason)
	}
	return c.view(ctx, matchingID)
}

func validateArrival(eta *time.Time, now time.Time) error {
	switch {
	case eta == nil:
		return errs.NewValidationError("estimated_arrival", "is required when accepting")
	case !eta.After(now):
		return errs.NewValidationError("estimated_arrival", "must be in the future")
	case eta.After(now.Add(MaxETAHorizon)):
		return errs.NewValidationError("estimated_arrival", "must be within 24 hours")
	}
	return nil
}
