package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/technician-dispatch/internal/models"
)

type fakeDirectory struct {
	techs []models.Technician
	err   error
}

func (f *fakeDirectory) Nearby(context.Context, models.Coord, float64, string) ([]models.Technician, error) {
	return f.techs, f.err
}

func (f *fakeDirectory) Upsert(context.Context, models.Technician) error { return nil }

var origin = models.Coord{Lat: 0, Lon: 0}

// about 1.11 km per 0.01 degree of latitude
func at(latOffset float64) models.Coord { return models.Coord{Lat: latOffset, Lon: 0} }

func TestChooseHigherRatingIfDistanceEqual(t *testing.T) {
	techs := []models.Technician{
		{ID: "A", Loc: origin, Rating: 4.0, Online: true},
		{ID: "B", Loc: origin, Rating: 5.0, Online: true},
	}
	got := Rank(origin, 5, nil, techs)
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].Technician.ID)
}

func TestRankWeightsFollowFactorOrder(t *testing.T) {
	techs := []models.Technician{
		{ID: "close-low-rated", Loc: at(0.001), Rating: 2},
		{ID: "far-top-rated", Loc: at(0.03), Rating: 5},
	}

	t.Run("distance first", func(t *testing.T) {
		got := Rank(origin, 5, []models.PriorityFactor{models.FactorDistance, models.FactorRating}, techs)
		assert.Equal(t, "close-low-rated", got[0].Technician.ID)
	})

	t.Run("rating first", func(t *testing.T) {
		got := Rank(origin, 5, []models.PriorityFactor{models.FactorRating, models.FactorDistance}, techs)
		assert.Equal(t, "far-top-rated", got[0].Technician.ID)
	})

	t.Run("score is a halving weighted sum", func(t *testing.T) {
		got := Rank(origin, 5, []models.PriorityFactor{models.FactorRating, models.FactorDistance}, techs[:1])
		require.Len(t, got, 1)
		// alone in the population, the technician holds the best rating
		want := 1.0*1 + 0.5*(1-got[0].Distance/5)
		assert.InDelta(t, want, got[0].Score, 1e-9)
	})
}

func TestRankRatingNormalizedAgainstPopulation(t *testing.T) {
	techs := []models.Technician{
		{ID: "good", Loc: origin, Rating: 4},
		{ID: "fair", Loc: origin, Rating: 3},
		{ID: "unrated", Loc: origin},
	}
	got := Rank(origin, 5, []models.PriorityFactor{models.FactorRating}, techs)
	require.Len(t, got, 3)
	assert.Equal(t, "good", got[0].Technician.ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.InDelta(t, 0.75, got[1].Score, 1e-9)
	assert.InDelta(t, 0.0, got[2].Score, 1e-9)

	t.Run("nobody rated", func(t *testing.T) {
		got := Rank(origin, 5, []models.PriorityFactor{models.FactorRating}, techs[2:])
		require.Len(t, got, 1)
		assert.Zero(t, got[0].Score)
	})
}

func TestRankExperienceNormalizedAgainstPopulation(t *testing.T) {
	techs := []models.Technician{
		{ID: "junior", Loc: origin, ExperienceYears: 2},
		{ID: "senior", Loc: origin, ExperienceYears: 8},
	}
	got := Rank(origin, 5, []models.PriorityFactor{models.FactorExperience}, techs)
	require.Len(t, got, 2)
	assert.Equal(t, "senior", got[0].Technician.ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.InDelta(t, 0.25, got[1].Score, 1e-9)
}

func TestRankTieBreaks(t *testing.T) {
	early := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(24 * time.Hour)
	factors := []models.PriorityFactor{models.FactorExperience}

	t.Run("smaller distance wins on equal score", func(t *testing.T) {
		techs := []models.Technician{
			{ID: "a", Loc: at(0.02)},
			{ID: "b", Loc: at(0.01)},
		}
		got := Rank(origin, 5, factors, techs)
		assert.Equal(t, "b", got[0].Technician.ID)
	})

	t.Run("earlier registration wins when all else equal", func(t *testing.T) {
		techs := []models.Technician{
			{ID: "a", Loc: origin, Rating: 4, RegisteredAt: late},
			{ID: "b", Loc: origin, Rating: 4, RegisteredAt: early},
		}
		got := Rank(origin, 5, factors, techs)
		assert.Equal(t, "b", got[0].Technician.ID)
	})

	t.Run("id keeps the order deterministic", func(t *testing.T) {
		techs := []models.Technician{{ID: "z", Loc: origin}, {ID: "m", Loc: origin}}
		got := Rank(origin, 5, factors, techs)
		assert.Equal(t, "m", got[0].Technician.ID)
	})
}

func TestRankDropsOutsideRadius(t *testing.T) {
	got := Rank(origin, 1, nil, []models.Technician{{ID: "far", Loc: at(0.5)}})
	assert.Empty(t, got)
}

func TestSearchFind(t *testing.T) {
	dir := &fakeDirectory{techs: []models.Technician{
		{ID: "a", Loc: at(0.001), Rating: 5},
		{ID: "b", Loc: at(0.002), Rating: 5},
		{ID: "c", Loc: at(0.003), Rating: 5},
	}}
	s := NewSearch(dir)

	t.Run("exclusions and limit", func(t *testing.T) {
		got, err := s.Find(context.Background(), Query{Center: origin, RadiusKm: 5, Exclude: map[string]bool{"a": true}, Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "b", got[0].Technician.ID)
	})

	t.Run("directory error", func(t *testing.T) {
		_, err := NewSearch(&fakeDirectory{err: errors.New("redis down")}).Find(context.Background(), Query{RadiusKm: 1})
		assert.ErrorContains(t, err, "redis down")
	})
}
