package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/technician-dispatch/internal/models"
)

// Directory is the technician lookup used by candidate search and the
// location ingest path.
type Directory interface {
	// Nearby returns online technicians offering serviceID whose last-known
	// location lies within radiusKm of center.
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, serviceID string) ([]models.Technician, error)
	Upsert(ctx context.Context, t models.Technician) error
}

type Index struct {
	mu          sync.RWMutex
	technicians map[string]models.Technician
	now         func() time.Time
}

func NewIndex() *Index {
	return &Index{technicians: make(map[string]models.Technician), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, t models.Technician) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t.Updated = g.now()
	if prev, ok := g.technicians[t.ID]; ok && t.RegisteredAt.IsZero() {
		t.RegisteredAt = prev.RegisteredAt
	}
	if t.RegisteredAt.IsZero() {
		t.RegisteredAt = t.Updated
	}
	g.technicians[t.ID] = t
	return nil
}

// SetOnline flips availability without touching the last-known location.
func (g *Index) SetOnline(id string, online bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.technicians[id]; ok {
		t.Online = online
		g.technicians[id] = t
	}
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusKm float64, serviceID string) ([]models.Technician, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Technician, 0)
	for _, t := range g.technicians {
		if !t.Online || !t.Offers(serviceID) {
			continue
		}
		if DistanceKm(center, t.Loc) > radiusKm {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is the great-circle distance between two coordinates.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
