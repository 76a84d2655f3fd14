package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/technician-dispatch/internal/dispatch"
	"github.com/example/technician-dispatch/internal/storage"
)

// SweepExpired expires every pending request whose deadline has passed and
// advances its matching exactly as a decline would. Running it twice is a
// no-op for requests the first run already handled.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	ids, err := c.store.ExpiredMatchingIDs(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("list expired requests: %w", err)
	}
	var failures []error
	swept := 0
	for _, id := range ids {
		fx, err := c.mutate(ctx, id, func(tx *storage.Tx, now time.Time, fx *effects) error {
			for _, r := range tx.Pending() {
				if r.RequestExpiry.Before(now) {
					fx.expire(r, now, dispatch.ReasonExpired)
				}
			}
			if fx.expired == 0 {
				return nil
			}
			c.advance(ctx, tx, now, fx)
			return nil
		})
		if err != nil {
			failures = append(failures, fmt.Errorf("matching %s: %w", id, err))
			continue
		}
		c.emit(ctx, fx)
		if fx.searchErr != nil {
			failures = append(failures, fmt.Errorf("matching %s: %w", id, fx.searchErr))
		}
		swept += fx.expired
	}
	return swept, errors.Join(failures...)
}

// Redrive runs search again for matchings that made no progress for
// StallAfter, typically because the directory was unavailable.
func (c *Coordinator) Redrive(ctx context.Context) (int, error) {
	ids, err := c.store.StalledMatchingIDs(ctx, c.now().Add(-c.cfg.StallAfter))
	if err != nil {
		return 0, fmt.Errorf("list stalled matchings: %w", err)
	}
	var failures []error
	for _, id := range ids {
		if err := c.drive(ctx, id); err != nil {
			failures = append(failures, fmt.Errorf("matching %s: %w", id, err))
		}
	}
	return len(ids), errors.Join(failures...)
}
