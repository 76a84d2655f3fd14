package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Pusher delivers a notification to a technician's device when no live
// socket is around to take the event.
type Pusher interface {
	Push(ctx context.Context, technicianID string, event string, payload any) error
}

// FCMPusher posts JSON to an FCM HTTP v1 style endpoint. Technicians are
// addressed by topic so device tokens stay with the mobile backend.
type FCMPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPusher(endpoint, key string) *FCMPusher {
	return &FCMPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPusher) Push(ctx context.Context, technicianID string, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}
	body := map[string]any{"message": map[string]any{
		"topic": "technician-" + technicianID,
		// FCM data values must be strings
		"data": map[string]string{"event": event, "payload": string(data)},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push %s: %w", technicianID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push %s: status %d", technicianID, resp.StatusCode)
	}
	return nil
}
