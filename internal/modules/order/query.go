// README: Role-scoped order reads.
package order

import (
	"context"

	"courier/internal/types"
)

func (s *Service) Get(ctx context.Context, actor types.Actor, id types.ID) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(actor, o) {
		return nil, ErrAccessDenied
	}
	return o, nil
}

// List narrows f to what actor may see; admins see everything.
func (s *Service) List(ctx context.Context, actor types.Actor, f Filter, page types.Page) ([]*Order, int, error) {
	switch actor.Role {
	case types.RoleCustomer:
		f.CustomerID = actor.ID
	case types.RoleBusiness:
		f.BusinessID = actor.ID
	case types.RoleDeliveryPerson:
		f.DeliveryPersonID = actor.ID
	case types.RoleAdmin:
	default:
		return nil, 0, ErrAccessDenied
	}
	return s.store.List(ctx, f, page)
}

// Available lists ready orders no courier has accepted yet.
func (s *Service) Available(ctx context.Context, actor types.Actor, page types.Page) ([]*Order, int, error) {
	if actor.Role != types.RoleDeliveryPerson && actor.Role != types.RoleAdmin {
		return nil, 0, ErrNotEligible
	}
	return s.store.List(ctx, Filter{Status: StatusReady, Unassigned: true}, page)
}

// ActiveFor returns the orders the courier is currently carrying.
func (s *Service) ActiveFor(ctx context.Context, courierID types.ID) ([]types.ID, error) {
	return s.store.ActiveForCourier(ctx, courierID)
}
