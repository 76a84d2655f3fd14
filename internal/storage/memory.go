package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/technician-dispatch/internal/errs"
	"github.com/example/technician-dispatch/internal/models"
)

type MemoryStore struct {
	mu        sync.RWMutex
	matchings map[string]*models.Matching
	requests  map[string][]*models.MatchingRequest
	locks     map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matchings: make(map[string]*models.Matching),
		requests:  make(map[string][]*models.MatchingRequest),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) CreateMatching(_ context.Context, mt *models.Matching) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.matchings[mt.ID]; ok {
		return errs.NewConflictError("matching " + mt.ID + " already exists")
	}
	for _, other := range m.matchings {
		if other.ReservationID == mt.ReservationID && !other.Status.Terminal() {
			return errs.NewConflictError("reservation " + mt.ReservationID + " already has an active matching")
		}
	}
	m.matchings[mt.ID] = mt.Clone()
	m.locks[mt.ID] = &sync.Mutex{}
	return nil
}

func (m *MemoryStore) GetMatching(_ context.Context, id string) (*models.Matching, []models.MatchingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.matchings[id]
	if !ok {
		return nil, nil, errs.NewNotFoundError("matching_id", id)
	}
	reqs := make([]models.MatchingRequest, 0, len(m.requests[id]))
	for _, r := range m.requests[id] {
		reqs = append(reqs, *r.Clone())
	}
	return mt.Clone(), reqs, nil
}

func (m *MemoryStore) LatestByReservation(_ context.Context, reservationID string) (*models.Matching, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Matching
	for _, mt := range m.matchings {
		if mt.ReservationID != reservationID {
			continue
		}
		if latest == nil || mt.CreatedAt.After(latest.CreatedAt) {
			latest = mt
		}
	}
	if latest == nil {
		return nil, errs.NewNotFoundError("reservation_id", reservationID)
	}
	return latest.Clone(), nil
}

func (m *MemoryStore) HasOtherActive(_ context.Context, reservationID, exceptID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.otherActive(reservationID, exceptID), nil
}

func (m *MemoryStore) otherActive(reservationID, exceptID string) bool {
	for id, mt := range m.matchings {
		if id != exceptID && mt.ReservationID == reservationID && !mt.Status.Terminal() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ExpiredMatchingIDs(_ context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, reqs := range m.requests {
		for _, r := range reqs {
			if r.Status == models.RequestPending && r.RequestExpiry.Before(now) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) StalledMatchingIDs(_ context.Context, before time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, mt := range m.matchings {
		pending := 0
		for _, r := range m.requests[id] {
			if r.Status == models.RequestPending {
				pending++
			}
		}
		if isStalled(mt, pending, before) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Atomic stages copies of the matching and its requests, hands them to fn and
// swaps them in only when fn succeeds.
func (m *MemoryStore) Atomic(ctx context.Context, matchingID string, fn func(tx *Tx) error) error {
	m.mu.RLock()
	lock, ok := m.locks[matchingID]
	m.mu.RUnlock()
	if !ok {
		return errs.NewNotFoundError("matching_id", matchingID)
	}
	lock.Lock()
	defer lock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	tx := &Tx{Matching: m.matchings[matchingID].Clone()}
	for _, r := range m.requests[matchingID] {
		tx.Requests = append(tx.Requests, r.Clone())
	}
	m.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// same guarantee as the partial unique index in Postgres
	if !tx.Matching.Status.Terminal() && m.otherActive(tx.Matching.ReservationID, matchingID) {
		return errs.NewConflictError("reservation " + tx.Matching.ReservationID + " already has an active matching")
	}
	m.matchings[matchingID] = tx.Matching
	m.requests[matchingID] = tx.Requests
	return nil
}
