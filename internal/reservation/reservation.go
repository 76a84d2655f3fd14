// Package reservation resolves reservations owned by the reservation service.
package reservation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/example/technician-dispatch/internal/errs"
	"github.com/example/technician-dispatch/internal/models"
)

type Service interface {
	Get(ctx context.Context, id string) (models.Reservation, error)
}

// Client reads reservations from the reservation service over HTTP.
type Client struct {
	BaseURL string
	Client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (c *Client) Get(ctx context.Context, id string) (models.Reservation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/reservations/"+url.PathEscape(id), nil)
	if err != nil {
		return models.Reservation{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("get reservation %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.Reservation{}, errs.NewNotFoundError("reservation_id", id)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Reservation{}, fmt.Errorf("get reservation %s: status %d: %s", id, resp.StatusCode, string(b))
	}
	var r models.Reservation
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return models.Reservation{}, fmt.Errorf("decode reservation %s: %w", id, err)
	}
	if r.ID == "" {
		r.ID = id
	}
	return r, nil
}

// Memory is an in-process reservation table for local runs and tests.
type Memory struct {
	mu   sync.RWMutex
	byID map[string]models.Reservation
}

func NewMemory() *Memory {
	return &Memory{byID: make(map[string]models.Reservation)}
}

func (m *Memory) Put(r models.Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[r.ID] = r
}

func (m *Memory) Get(_ context.Context, id string) (models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return models.Reservation{}, errs.NewNotFoundError("reservation_id", id)
	}
	return r, nil
}
