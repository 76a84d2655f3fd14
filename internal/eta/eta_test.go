package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/technician-dispatch/internal/models"
)

type fakeClient struct {
	v     float64
	err   error
	calls int
}

func (f *fakeClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	f.calls++
	return f.v, f.err
}

func TestEstimator(t *testing.T) {
	from := models.Coord{Lat: 52.52, Lon: 13.40}
	to := models.Coord{Lat: 52.53, Lon: 13.40}

	t.Run("routing client result is cached", func(t *testing.T) {
		c := &fakeClient{v: 125}
		e := &Estimator{Client: c, Cache: NewCache(time.Minute)}

		assert.Equal(t, 125*time.Second, e.Estimate(context.Background(), from, to))
		assert.Equal(t, 125*time.Second, e.Estimate(context.Background(), from, to))
		assert.Equal(t, 1, c.calls)
	})

	t.Run("falls back to straight-line estimate", func(t *testing.T) {
		e := &Estimator{Client: &fakeClient{err: errors.New("down")}, SpeedMps: 10}

		// ~1112 m at 10 m/s
		got := e.Estimate(context.Background(), from, to)
		assert.InDelta(t, 111, got.Seconds(), 1)
	})
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Millisecond)
	a := models.Coord{Lat: 1, Lon: 2}
	c.Set(a, a, 3)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(a, a)
	assert.False(t, ok)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route/v1/driving/13.400000,52.520000;13.410000,52.530000", r.URL.Path)
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	got, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: 52.52, Lon: 13.40}, models.Coord{Lat: 52.53, Lon: 13.41})
	require.NoError(t, err)
	assert.Equal(t, 321.5, got)
}
