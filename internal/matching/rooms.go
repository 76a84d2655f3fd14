package matching

import (
	"context"
	"errors"

	"github.com/example/technician-dispatch/internal/auth"
	"github.com/example/technician-dispatch/internal/errs"
	"github.com/example/technician-dispatch/internal/realtime"
)

// AuthorizeRoom decides realtime subscriptions. A user room is open to its
// owner. A reservation room is open to the reservation's consumer and to
// technicians contacted by its latest matching. Admins may join any room.
func (c *Coordinator) AuthorizeRoom(ctx context.Context, p auth.Principal, room string) error {
	kind, id, ok := realtime.ParseRoom(room)
	if !ok {
		return errs.NewValidationError("room", "unknown room "+room)
	}
	if p.IsAdmin() {
		return nil
	}
	if kind == "user" {
		if id != p.UserID {
			return errs.NewForbiddenError("cannot join another user's room")
		}
		return nil
	}

	switch p.Role {
	case auth.RoleConsumer:
		res, err := c.reservations.Get(ctx, id)
		if err != nil {
			return err
		}
		if res.ConsumerID != p.UserID {
			return errs.NewForbiddenError("reservation belongs to another consumer")
		}
		return nil
	case auth.RoleTechnician:
		m, err := c.store.LatestByReservation(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			return errs.NewForbiddenError("no matching for reservation")
		}
		if err != nil {
			return err
		}
		v, err := c.view(ctx, m.ID)
		if err != nil {
			return err
		}
		if !canView(p, v) {
			return errs.NewForbiddenError("technician was not contacted for this reservation")
		}
		return nil
	}
	return errs.NewForbiddenError("role cannot join reservation rooms")
}
