package reservation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/technician-dispatch/internal/errs"
	"github.com/example/technician-dispatch/internal/models"
)

func TestClientGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/reservations/r1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"r1","consumer_id":"c1","service_id":"plumbing","pickup":{"lat":52.5,"lon":13.4},"address":"Main St 1"}`))
		case "/reservations/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		r, err := c.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "c1", r.ConsumerID)
		assert.Equal(t, models.Coord{Lat: 52.5, Lon: 13.4}, r.Pickup)
		assert.Equal(t, "Main St 1", r.Address)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := c.Get(ctx, "missing")
		assert.True(t, errors.Is(err, errs.ErrNotFound))
	})

	t.Run("upstream failure is not a not-found", func(t *testing.T) {
		_, err := c.Get(ctx, "broken")
		require.Error(t, err)
		assert.False(t, errors.Is(err, errs.ErrNotFound))
	})
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	m.Put(models.Reservation{ID: "r1", ConsumerID: "c1"})

	r, err := m.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "c1", r.ConsumerID)

	_, err = m.Get(context.Background(), "r2")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
