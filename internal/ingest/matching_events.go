package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/technician-dispatch/internal/models"
)

// MatchingEvent is the record the reservation service consumes to learn the
// outcome of a matching.
type MatchingEvent struct {
	MatchingID       string                `json:"matching_id"`
	ReservationID    string                `json:"reservation_id"`
	Status           models.MatchingStatus `json:"status"`
	Attempts         int                   `json:"attempts"`
	TechnicianID     *string               `json:"technician_id,omitempty"`
	EstimatedArrival *time.Time            `json:"estimated_arrival,omitempty"`
	MatchedAt        *time.Time            `json:"matched_at,omitempty"`
	OccurredAt       time.Time             `json:"occurred_at"`
}

type MatchingEventProducer struct {
	writer messageWriter
}

func NewMatchingEventProducer(brokers []string, topic string) *MatchingEventProducer {
	return &MatchingEventProducer{writer: newWriter(brokers, topic)}
}

// MatchingChanged publishes the matching's current state keyed by
// reservation id.
func (p *MatchingEventProducer) MatchingChanged(ctx context.Context, m models.Matching) error {
	ev := MatchingEvent{
		MatchingID:       m.ID,
		ReservationID:    m.ReservationID,
		Status:           m.Status,
		Attempts:         m.Attempts,
		TechnicianID:     m.TechnicianID,
		EstimatedArrival: m.EstimatedArrival,
		MatchedAt:        m.MatchedAt,
		OccurredAt:       m.UpdatedAt,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal matching event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(m.ReservationID),
		Value:   b,
		Headers: []kafka.Header{{Key: "status", Value: []byte(m.Status)}},
	})
}

func (p *MatchingEventProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
