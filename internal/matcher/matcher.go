// Package matcher ranks technicians for a reservation.
package matcher

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/example/technician-dispatch/internal/geo"
	"github.com/example/technician-dispatch/internal/models"
)

// Candidate is a ranked technician for one search round.
type Candidate struct {
	Technician models.Technician
	Distance   float64 // km
	Score      float64
}

// Query describes one search round.
type Query struct {
	Center    models.Coord
	RadiusKm  float64
	Factors   []models.PriorityFactor
	ServiceID string
	// Exclude holds technician ids that must not be returned.
	Exclude map[string]bool
	// Limit caps the result; zero means unlimited.
	Limit int
}

type Search struct {
	Directory geo.Directory
}

func NewSearch(d geo.Directory) *Search {
	return &Search{Directory: d}
}

// Find returns eligible technicians within the query radius, best first.
func (s *Search) Find(ctx context.Context, q Query) ([]Candidate, error) {
	techs, err := s.Directory.Nearby(ctx, q.Center, q.RadiusKm, q.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	ranked := Rank(q.Center, q.RadiusKm, q.Factors, techs)
	out := ranked[:0]
	for _, c := range ranked {
		if q.Exclude[c.Technician.ID] {
			continue
		}
		out = append(out, c)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Rank scores technicians and sorts them best first. Technicians outside
// radiusKm are dropped. Rating and experience are normalized against the
// best values in the whole slice passed in, so callers should pass the full
// eligible population before applying exclusions.
func Rank(center models.Coord, radiusKm float64, factors []models.PriorityFactor, techs []models.Technician) []Candidate {
	if len(factors) == 0 {
		factors = models.DefaultPriorityFactors()
	}
	var top population
	for _, t := range techs {
		top.rating = math.Max(top.rating, t.Rating)
		top.experience = math.Max(top.experience, t.ExperienceYears)
	}

	out := make([]Candidate, 0, len(techs))
	for _, t := range techs {
		d := geo.DistanceKm(center, t.Loc)
		if d > radiusKm {
			continue
		}
		out = append(out, Candidate{Technician: t, Distance: d, Score: score(factors, d, radiusKm, t, top)})
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// score is a weighted sum where the first factor weighs 1.0 and every next
// factor half of the previous one.
func score(factors []models.PriorityFactor, distance, radius float64, t models.Technician, top population) float64 {
	var total float64
	w := 1.0
	for _, f := range factors {
		total += w * factorValue(f, distance, radius, t, top)
		w /= 2
	}
	return total
}

// population holds the best rating and experience among the technicians
// being ranked.
type population struct {
	rating     float64
	experience float64
}

func factorValue(f models.PriorityFactor, distance, radius float64, t models.Technician, top population) float64 {
	switch f {
	case models.FactorDistance:
		if radius <= 0 {
			return 0
		}
		return clamp01(1 - distance/radius)
	case models.FactorRating:
		return ratio(t.Rating, top.rating)
	case models.FactorExperience:
		return ratio(t.ExperienceYears, top.experience)
	}
	return 0
}

func less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	if a.Technician.Rating != b.Technician.Rating {
		return a.Technician.Rating > b.Technician.Rating
	}
	if !a.Technician.RegisteredAt.Equal(b.Technician.RegisteredAt) {
		return a.Technician.RegisteredAt.Before(b.Technician.RegisteredAt)
	}
	return a.Technician.ID < b.Technician.ID
}

func ratio(v, best float64) float64 {
	if best <= 0 {
		return 0
	}
	return clamp01(v / best)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
