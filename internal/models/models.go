package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Technician is the directory view of a technician: last-known location plus
// the attributes used for ranking.
type Technician struct {
	ID              string    `json:"id"`
	Loc             Coord     `json:"loc"`
	Rating          float64   `json:"rating"` // 0..5
	ExperienceYears float64   `json:"experience_years"`
	Services        []string  `json:"services"`
	Online          bool      `json:"online"`
	RegisteredAt    time.Time `json:"registered_at"`
	Updated         time.Time `json:"updated"`
}

// Offers reports whether the technician can serve serviceID. An empty
// serviceID matches everyone.
func (t Technician) Offers(serviceID string) bool {
	if serviceID == "" {
		return true
	}
	for _, s := range t.Services {
		if s == serviceID {
			return true
		}
	}
	return false
}

// Reservation is the slice of a reservation the engine needs. It is owned by
// the reservation service and never mutated here.
type Reservation struct {
	ID          string    `json:"id"`
	ConsumerID  string    `json:"consumer_id"`
	ServiceID   string    `json:"service_id"`
	Pickup      Coord     `json:"pickup"`
	Address     string    `json:"address"`
	ScheduledAt time.Time `json:"scheduled_at"`
}
