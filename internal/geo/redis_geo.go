package geo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/technician-dispatch/internal/models"
)

// RedisGeo implements Directory using Redis GEO commands. Locations live in a
// single GEO set; ranking attributes live in a hash per technician.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, t models.Technician) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: t.Loc.Lon, Latitude: t.Loc.Lat, Name: t.ID}).Result(); err != nil {
		return fmt.Errorf("geoadd %s: %w", t.ID, err)
	}
	return r.client.HSet(ctx, MetaKey(t.ID), MetaFields(t, time.Now())).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusKm float64, serviceID string) ([]models.Technician, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, MetaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load technician meta: %w", err)
	}

	out := make([]models.Technician, 0, len(res))
	for i, g := range res {
		t := models.Technician{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		applyMeta(&t, metas[i].Val())
		if !t.Online || !t.Offers(serviceID) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func MetaKey(id string) string { return "technician:meta:" + id }

// MetaFields is the hash layout shared by the server and the location
// consumer.
func MetaFields(t models.Technician, now time.Time) map[string]interface{} {
	fields := map[string]interface{}{
		"rating":     strconv.FormatFloat(t.Rating, 'f', -1, 64),
		"experience": strconv.FormatFloat(t.ExperienceYears, 'f', -1, 64),
		"services":   strings.Join(t.Services, ","),
		"online":     strconv.FormatBool(t.Online),
		"updated":    now.Format(time.RFC3339),
	}
	if !t.RegisteredAt.IsZero() {
		fields["registered_at"] = t.RegisteredAt.Format(time.RFC3339)
	}
	return fields
}

func applyMeta(t *models.Technician, m map[string]string) {
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			t.Rating = f
		}
	}
	if v, ok := m["experience"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			t.ExperienceYears = f
		}
	}
	if v := m["services"]; v != "" {
		t.Services = strings.Split(v, ",")
	}
	t.Online = m["online"] == "true"
	if v, ok := m["registered_at"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			t.RegisteredAt = ts
		}
	}
	if v, ok := m["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			t.Updated = ts
		}
	}
}
