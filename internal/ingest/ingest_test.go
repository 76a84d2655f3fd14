package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/technician-dispatch/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishLocation(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w}

	tech := models.Technician{ID: "t1", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true}
	require.NoError(t, p.PublishLocation(context.Background(), tech))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "t1", string(w.msgs[0].Key))

	var got models.Technician
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, tech.Loc, got.Loc)
	assert.True(t, got.Online)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestMatchingChanged(t *testing.T) {
	w := &fakeWriter{}
	p := &MatchingEventProducer{writer: w}
	tech := "t1"
	eta := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)

	m := models.Matching{ID: "m1", ReservationID: "r1", Status: models.StatusMatched, Attempts: 1, TechnicianID: &tech, EstimatedArrival: &eta}
	require.NoError(t, p.MatchingChanged(context.Background(), m))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "r1", string(w.msgs[0].Key))
	assert.Equal(t, "matched", string(w.msgs[0].Headers[0].Value))

	var ev MatchingEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, "m1", ev.MatchingID)
	require.NotNil(t, ev.TechnicianID)
	assert.Equal(t, "t1", *ev.TechnicianID)
	assert.True(t, ev.EstimatedArrival.Equal(eta))

	t.Run("writer errors surface", func(t *testing.T) {
		p := &MatchingEventProducer{writer: &fakeWriter{err: errors.New("broker down")}}
		assert.Error(t, p.MatchingChanged(context.Background(), m))
	})
}
