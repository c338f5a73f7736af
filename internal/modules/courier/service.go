// README: Courier service; user registration, delivery-profile provisioning, availability and admin user management.
package courier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"courier/internal/apperr"
	"courier/internal/types"
)

var (
	ErrNotFound     = apperr.New(apperr.KindNotFound, "user not found")
	ErrConflict     = apperr.New(apperr.KindConflict, "user profile changed concurrently, retry")
	ErrNotEligible  = apperr.New(apperr.KindNotEligible, "caller has no delivery profile")
	ErrAccessDenied = apperr.New(apperr.KindAccessDenied, "not allowed for this role")
	ErrActiveOrder  = apperr.New(apperr.KindInvalidState, "courier is carrying an active order")
	ErrBadRequest   = apperr.New(apperr.KindBadRequest, "bad request")
)

// ActiveOrders answers whether a courier currently holds an order between assigned and a terminal status.
type ActiveOrders interface {
	HasActiveForCourier(ctx context.Context, courierID types.ID) (bool, error)
}

// Number of times location and rating writes re-read the profile after losing a version race.
const saveAttempts = 3

type Service struct {
	store  Store
	active ActiveOrders
	log    *zap.Logger
	now    func() time.Time
}

func NewService(store Store, active ActiveOrders, log *zap.Logger) *Service {
	return &Service{store: store, active: active, log: log, now: time.Now}
}

func (s *Service) Store() Store { return s.store }

// Ensure returns the caller's user row, creating it on first sight.
func (s *Service) Ensure(ctx context.Context, actor types.Actor) (*User, error) {
	u, err := s.store.Get(ctx, actor.ID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if !actor.Role.Valid() {
		return nil, ErrBadRequest.WithDetail("unknown role %q", actor.Role)
	}
	if err := s.store.Create(ctx, NewUser(actor.ID, actor.Role, s.now())); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, actor.ID)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*User, error) {
	return s.store.Get(ctx, id)
}

type ProvisionCommand struct {
	Actor       types.Actor
	Name        string
	VehicleType string
}

// Provision creates the caller's delivery profile, or updates the vehicle type of an existing one.
func (s *Service) Provision(ctx context.Context, cmd ProvisionCommand) (*User, error) {
	if cmd.Actor.Role != types.RoleDeliveryPerson {
		return nil, ErrAccessDenied
	}
	u, err := s.Ensure(ctx, cmd.Actor)
	if err != nil {
		return nil, err
	}
	if u.Role != types.RoleDeliveryPerson {
		return nil, ErrAccessDenied
	}
	version := u.Version
	if u.Profile == nil {
		u.Profile = NewDeliveryProfile(cmd.VehicleType)
	} else if cmd.VehicleType != "" {
		v := cmd.VehicleType
		u.Profile.VehicleType = &v
	}
	if cmd.Name != "" {
		u.Name = cmd.Name
	}
	if err := s.store.Save(ctx, u, version); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, u.ID)
}

// SetAvailability lets a courier go on or off shift. Going available while an order is
// still assigned is refused so the single-order model holds.
func (s *Service) SetAvailability(ctx context.Context, actor types.Actor, available bool) (*User, error) {
	u, err := s.store.Get(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if !u.Eligible() {
		return nil, ErrNotEligible
	}
	if u.Profile.Available == available {
		return u, nil
	}
	if available && s.active != nil {
		busy, err := s.active.HasActiveForCourier(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, ErrActiveOrder
		}
	}
	version := u.Version
	u.Profile.Available = available
	if err := s.store.Save(ctx, u, version); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, u.ID)
}

// UpdateLocation stores the courier's latest position.
func (s *Service) UpdateLocation(ctx context.Context, id types.ID, p types.Point) (*User, error) {
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return nil, ErrBadRequest.WithDetail("coordinates out of range")
	}
	return s.mutate(ctx, id, func(u *User) error {
		if !u.Eligible() {
			return ErrNotEligible
		}
		at := s.now()
		loc := p
		u.Profile.Location = &loc
		u.Profile.LocationAt = &at
		return nil
	})
}

// RefreshRating writes the rolling rating produced by compute. compute runs after the profile is
// read, so a lost version race re-reads the underlying scores as well.
func (s *Service) RefreshRating(ctx context.Context, id types.ID, compute func(ctx context.Context) (float64, int, error)) (*User, error) {
	return s.mutate(ctx, id, func(u *User) error {
		if u.Profile == nil {
			return ErrNotEligible
		}
		rating, count, err := compute(ctx)
		if err != nil {
			return err
		}
		u.Profile.Rating = rating
		u.Profile.RatingCount = count
		return nil
	})
}

// mutate re-reads and retries a bounded number of times on version conflicts.
func (s *Service) mutate(ctx context.Context, id types.ID, fn func(u *User) error) (*User, error) {
	var lastErr error
	for i := 0; i < saveAttempts; i++ {
		u, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		version := u.Version
		if err := fn(u); err != nil {
			return nil, err
		}
		err = s.store.Save(ctx, u, version)
		if err == nil {
			u.Version = version + 1
			return u, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
		s.log.Debug("user save lost version race", zap.String("user_id", string(id)), zap.Int("attempt", i+1))
	}
	return nil, lastErr
}

func (s *Service) List(ctx context.Context, f Filter, page types.Page) ([]*User, int, error) {
	return s.store.List(ctx, f, page)
}

// SetRole is an admin operation.
func (s *Service) SetRole(ctx context.Context, actor types.Actor, id types.ID, role types.Role, active bool) (*User, error) {
	if actor.Role != types.RoleAdmin {
		return nil, ErrAccessDenied
	}
	if !role.Valid() {
		return nil, ErrBadRequest.WithDetail("unknown role %q", role)
	}
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	version := u.Version
	u.Role = role
	u.Active = active
	if err := s.store.Save(ctx, u, version); err != nil {
		return nil, fmt.Errorf("set role for %s: %w", id, err)
	}
	return s.store.Get(ctx, id)
}
