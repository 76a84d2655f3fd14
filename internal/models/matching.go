package models

import "time"

type MatchingStatus string

const (
	StatusPending             MatchingStatus = "pending"
	StatusSearching           MatchingStatus = "searching"
	StatusTechnicianFound     MatchingStatus = "technician_found"
	StatusTechnicianRequested MatchingStatus = "technician_requested"
	StatusMatched             MatchingStatus = "matched"
	StatusCancelled           MatchingStatus = "cancelled"
	// StatusExpired is accepted from storage and treated as a retryable
	// terminal; the engine itself ends exhausted searches in StatusFailed.
	StatusExpired             MatchingStatus = "expired"
	StatusFailed              MatchingStatus = "failed"
)

// Terminal reports whether no further transition is possible without retry.
func (s MatchingStatus) Terminal() bool {
	switch s {
	case StatusMatched, StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Retryable reports whether Retry may restart a matching in this status.
func (s MatchingStatus) Retryable() bool {
	return s == StatusCancelled || s == StatusExpired || s == StatusFailed
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
	RequestExpired  RequestStatus = "expired"
)

type PriorityFactor string

const (
	FactorDistance   PriorityFactor = "distance"
	FactorRating     PriorityFactor = "rating"
	FactorExperience PriorityFactor = "experience"
)

func DefaultPriorityFactors() []PriorityFactor {
	return []PriorityFactor{FactorDistance, FactorRating, FactorExperience}
}

func (f PriorityFactor) Valid() bool {
	return f == FactorDistance || f == FactorRating || f == FactorExperience
}

// Matching is one dispatch attempt for a reservation.
type Matching struct {
	ID               string           `json:"id"`
	ReservationID    string           `json:"reservation_id"`
	ConsumerID       string           `json:"consumer_id"`
	ServiceID        string           `json:"service_id,omitempty"`
	Pickup           Coord            `json:"pickup"`
	Status           MatchingStatus   `json:"status"`
	Attempts         int              `json:"attempts"`
	CycleStart       int              `json:"-"`
	TechnicianID     *string          `json:"technician_id"`
	SearchRadius     float64          `json:"search_radius"`
	InitialRadius    float64          `json:"-"`
	MaxDistance      float64          `json:"max_distance"`
	PriorityFactors  []PriorityFactor `json:"priority_factors"`
	MatchedAt        *time.Time       `json:"matched_at,omitempty"`
	EstimatedArrival *time.Time       `json:"estimated_arrival,omitempty"`
	RequestExpiry    *time.Time       `json:"request_expiry,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so callers can stage changes without touching
// shared state.
func (m *Matching) Clone() *Matching {
	c := *m
	c.PriorityFactors = append([]PriorityFactor(nil), m.PriorityFactors...)
	c.TechnicianID = cloneString(m.TechnicianID)
	c.MatchedAt = cloneTime(m.MatchedAt)
	c.EstimatedArrival = cloneTime(m.EstimatedArrival)
	c.RequestExpiry = cloneTime(m.RequestExpiry)
	return &c
}

// MatchingRequest is one offer made to one technician within a Matching.
type MatchingRequest struct {
	ID            string        `json:"id"`
	MatchingID    string        `json:"matching_id"`
	TechnicianID  string        `json:"technician_id"`
	Status        RequestStatus `json:"status"`
	Distance      float64       `json:"distance"`
	Score         float64       `json:"score"`
	Attempt       int           `json:"attempt"`
	RequestExpiry time.Time     `json:"request_expiry"`
	RespondedAt   *time.Time    `json:"responded_at,omitempty"`
	DeclineReason string        `json:"decline_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (r *MatchingRequest) Clone() *MatchingRequest {
	c := *r
	c.RespondedAt = cloneTime(r.RespondedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
