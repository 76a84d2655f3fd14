// Package storage persists matchings and their requests. Every mutation of a
// matching goes through Store.Atomic, which serializes writers per matching.
package storage

import (
	"context"
	"time"

	"github.com/example/technician-dispatch/internal/models"
)

// Store defines persistence operations for matchings.
type Store interface {
	// CreateMatching inserts m. It fails with a conflict when the
	// reservation already has a non-terminal matching.
	CreateMatching(ctx context.Context, m *models.Matching) error
	GetMatching(ctx context.Context, id string) (*models.Matching, []models.MatchingRequest, error)
	// LatestByReservation returns the most recently created matching for a
	// reservation.
	LatestByReservation(ctx context.Context, reservationID string) (*models.Matching, error)
	// HasOtherActive reports whether the reservation has a non-terminal
	// matching other than exceptID.
	HasOtherActive(ctx context.Context, reservationID, exceptID string) (bool, error)
	// ExpiredMatchingIDs lists matchings owning a pending request whose
	// expiry is before now.
	ExpiredMatchingIDs(ctx context.Context, now time.Time) ([]string, error)
	// StalledMatchingIDs lists non-terminal matchings untouched since before
	// that are not waiting on any pending request.
	StalledMatchingIDs(ctx context.Context, before time.Time) ([]string, error)
	// Atomic runs fn with the matching locked. Changes made to the Tx are
	// persisted only if fn returns nil.
	Atomic(ctx context.Context, matchingID string, fn func(tx *Tx) error) error
}

// Tx is the locked view of one matching and all of its requests.
type Tx struct {
	Matching *models.Matching
	Requests []*models.MatchingRequest
}

func (tx *Tx) AddRequest(r *models.MatchingRequest) {
	tx.Requests = append(tx.Requests, r)
}

func (tx *Tx) Pending() []*models.MatchingRequest {
	var out []*models.MatchingRequest
	for _, r := range tx.Requests {
		if r.Status == models.RequestPending {
			out = append(out, r)
		}
	}
	return out
}

// RequestFor returns the most recent request sent to technicianID, or nil.
func (tx *Tx) RequestFor(technicianID string) *models.MatchingRequest {
	for i := len(tx.Requests) - 1; i >= 0; i-- {
		if tx.Requests[i].TechnicianID == technicianID {
			return tx.Requests[i]
		}
	}
	return nil
}

func isStalled(m *models.Matching, pending int, before time.Time) bool {
	if !m.UpdatedAt.Before(before) {
		return false
	}
	switch m.Status {
	case models.StatusPending, models.StatusSearching, models.StatusTechnicianFound:
		return true
	case models.StatusTechnicianRequested:
		return pending == 0
	}
	return false
}
