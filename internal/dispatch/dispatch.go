// Package dispatch turns ranked candidates into time-boxed match requests and
// delivers them to technicians.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/technician-dispatch/internal/eta"
	"github.com/example/technician-dispatch/internal/matcher"
	"github.com/example/technician-dispatch/internal/models"
	"github.com/example/technician-dispatch/internal/observability"
	"github.com/example/technician-dispatch/internal/realtime"
	"github.com/example/technician-dispatch/internal/storage"
)

// Presence reports whether a technician holds a live socket.
type Presence interface {
	Connected(userID string) bool
}

// Offer is a request staged inside a matching transaction, waiting to be
// delivered once the transaction commits.
type Offer struct {
	Request    models.MatchingRequest
	Technician models.Technician
	Matching   models.Matching
}

// Closure tells a technician that an offer no longer stands.
type Closure struct {
	MatchingID   string
	RequestID    string
	TechnicianID string
	Reason       string
}

// Close reasons.
const (
	ReasonCancelled = "cancelled"
	ReasonTaken     = "taken"
	ReasonExpired   = "expired"
)

// MatchRequest is the match_request payload.
type MatchRequest struct {
	MatchingID    string       `json:"matching_id"`
	RequestID     string       `json:"request_id"`
	ReservationID string       `json:"reservation_id"`
	ServiceID     string       `json:"service_id,omitempty"`
	Pickup        models.Coord `json:"pickup"`
	Distance      float64      `json:"distance"`
	Score         float64      `json:"score"`
	ETASeconds    int64        `json:"eta_seconds"`
	RequestExpiry time.Time    `json:"request_expiry"`
}

type MatchRequestClosed struct {
	MatchingID string `json:"matching_id"`
	RequestID  string `json:"request_id"`
	Reason     string `json:"reason"`
}

type Dispatcher struct {
	Publisher realtime.Publisher
	// Presence is consulted before falling back to push. Nil means push
	// every request.
	Presence Presence
	Pusher   Pusher
	ETA      *eta.Estimator
	TTL      time.Duration
	// FanOut is how many requests a matching may have outstanding at once.
	FanOut int
	Logger *slog.Logger
	NewID  func() string
}

func NewDispatcher(pub realtime.Publisher, ttl time.Duration, fanOut int, logger *slog.Logger) *Dispatcher {
	if fanOut < 1 {
		fanOut = 1
	}
	return &Dispatcher{
		Publisher: pub,
		TTL:       ttl,
		FanOut:    fanOut,
		Logger:    logger.With("component", "dispatcher"),
		NewID:     uuid.NewString,
	}
}

// Stage creates pending requests for the best candidates that do not already
// hold one, up to the free fan-out slots. It only mutates tx; nothing leaves
// the process until Deliver is called after commit.
func (d *Dispatcher) Stage(tx *storage.Tx, candidates []matcher.Candidate, now time.Time) []Offer {
	slots := d.FanOut - len(tx.Pending())
	if slots <= 0 {
		return nil
	}
	var offers []Offer
	for _, c := range candidates {
		if len(offers) == slots {
			break
		}
		if prev := tx.RequestFor(c.Technician.ID); prev != nil && prev.Status == models.RequestPending {
			continue
		}
		r := &models.MatchingRequest{
			ID:            d.NewID(),
			MatchingID:    tx.Matching.ID,
			TechnicianID:  c.Technician.ID,
			Status:        models.RequestPending,
			Distance:      c.Distance,
			Score:         c.Score,
			Attempt:       tx.Matching.Attempts,
			RequestExpiry: now.Add(d.TTL),
			CreatedAt:     now,
		}
		tx.AddRequest(r)
		offers = append(offers, Offer{Request: *r, Technician: c.Technician})
	}
	if len(offers) > 0 {
		snapshot := *tx.Matching.Clone()
		for i := range offers {
			offers[i].Matching = snapshot
		}
	}
	return offers
}

// Deliver publishes committed offers. Delivery is best effort: failures are
// logged and the request still expires on the server clock.
func (d *Dispatcher) Deliver(ctx context.Context, offers []Offer) {
	for _, o := range offers {
		observability.RequestsSent.Inc()
		payload := MatchRequest{
			MatchingID:    o.Matching.ID,
			RequestID:     o.Request.ID,
			ReservationID: o.Matching.ReservationID,
			ServiceID:     o.Matching.ServiceID,
			Pickup:        o.Matching.Pickup,
			Distance:      o.Request.Distance,
			Score:         o.Request.Score,
			RequestExpiry: o.Request.RequestExpiry,
		}
		if d.ETA != nil {
			payload.ETASeconds = int64(d.ETA.Estimate(ctx, o.Technician.Loc, o.Matching.Pickup).Seconds())
		}
		d.send(ctx, o.Request.TechnicianID, realtime.EventMatchRequest, payload)
		d.Logger.Info("match request sent",
			"matching_id", o.Matching.ID, "technician_id", o.Request.TechnicianID,
			"distance_km", o.Request.Distance, "expires", o.Request.RequestExpiry)
	}
}

// Withdraw tells technicians that their offers are void.
func (d *Dispatcher) Withdraw(ctx context.Context, closures []Closure) {
	for _, c := range closures {
		payload := MatchRequestClosed{MatchingID: c.MatchingID, RequestID: c.RequestID, Reason: c.Reason}
		ev, err := realtime.NewEvent(realtime.EventMatchRequestClosed, "", payload)
		if err != nil {
			continue
		}
		if err := d.Publisher.Publish(ctx, realtime.UserRoom(c.TechnicianID), ev); err != nil {
			d.Logger.Warn("publish match_request_closed failed", "technician_id", c.TechnicianID, "error", err)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, technicianID, event string, payload any) {
	ev, err := realtime.NewEvent(event, "", payload)
	if err != nil {
		d.Logger.Error("encode event", "event", event, "error", err)
		return
	}
	if err := d.Publisher.Publish(ctx, realtime.UserRoom(technicianID), ev); err != nil {
		d.Logger.Warn("publish failed", "event", event, "technician_id", technicianID, "error", err)
	}
	if d.Pusher == nil || (d.Presence != nil && d.Presence.Connected(technicianID)) {
		return
	}
	if err := d.Pusher.Push(ctx, technicianID, event, payload); err != nil {
		observability.PushFallbacks.WithLabelValues("error").Inc()
		d.Logger.Warn("push fallback failed", "technician_id", technicianID, "error", err)
		return
	}
	observability.PushFallbacks.WithLabelValues("sent").Inc()
}
