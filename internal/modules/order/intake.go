// README: Order intake; customer placement, import of externally created orders, and payment capture.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/maps"
	"courier/internal/modules/gateway"
	"courier/internal/modules/notify"
	"courier/internal/modules/pricing"
	"courier/internal/types"
)

type PlaceCommand struct {
	Actor            types.Actor
	BusinessID       types.ID
	BusinessLocation *types.Point
	Items            []Item
	Address          Address
	PaymentMethod    string
	ScheduledFor     *time.Time
	Note             string
}

type ImportCommand struct {
	Actor      types.Actor
	ExternalID string
}

type PayCommand struct {
	OrderID types.ID
	Actor   types.Actor
	Method  string
}

// draft is what every intake path knows before an order exists.
type draft struct {
	customerID       types.ID
	businessID       types.ID
	businessLocation *types.Point
	externalID       *string
	externalNumber   *string
	items            []Item
	address          Address
	paymentMethod    string
	scheduledFor     *time.Time
	note             string
	actorID          types.ID
}

// Place creates a pending order for the calling customer.
func (s *Service) Place(ctx context.Context, cmd PlaceCommand) (_ *Order, err error) {
	ctx, span := s.start(ctx, "order.Place", "", cmd.Actor)
	defer func() { endSpan(span, err) }()

	if cmd.Actor.Role != types.RoleCustomer {
		return nil, ErrAccessDenied
	}
	if cmd.BusinessID == "" {
		return nil, ErrBadRequest.WithDetail("business_id is required")
	}
	return s.create(ctx, draft{
		customerID:       cmd.Actor.ID,
		businessID:       cmd.BusinessID,
		businessLocation: cmd.BusinessLocation,
		items:            cmd.Items,
		address:          cmd.Address,
		paymentMethod:    cmd.PaymentMethod,
		scheduledFor:     cmd.ScheduledFor,
		note:             cmd.Note,
		actorID:          cmd.Actor.ID,
	})
}

// Import verifies an order with the external system and creates it locally once.
func (s *Service) Import(ctx context.Context, cmd ImportCommand) (_ *Order, err error) {
	ctx, span := s.start(ctx, "order.Import", "", cmd.Actor)
	defer func() { endSpan(span, err) }()

	if cmd.Actor.Role != types.RoleBusiness && cmd.Actor.Role != types.RoleAdmin {
		return nil, ErrAccessDenied
	}
	if cmd.ExternalID == "" {
		return nil, ErrBadRequest.WithDetail("external_id is required")
	}
	if _, err := s.store.FindByExternalID(ctx, cmd.ExternalID); err == nil {
		return nil, ErrDuplicate.WithDetail("external order %s already imported", cmd.ExternalID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if s.gateway == nil {
		return nil, gateway.ErrUnavailable.WithDetail("no external order system configured")
	}

	v, err := s.gateway.Verify(ctx, cmd.ExternalID)
	if err != nil {
		return nil, err
	}
	if !v.OK || v.Order == nil {
		return nil, ErrBadRequest.WithDetail("external order %s rejected: %s", cmd.ExternalID, v.Reason)
	}
	ext := v.Order
	if cmd.Actor.Role == types.RoleBusiness && types.ID(ext.BusinessID) != cmd.Actor.ID {
		return nil, ErrAccessDenied
	}

	externalID := cmd.ExternalID
	var externalNumber *string
	if ext.Number != "" {
		n := ext.Number
		externalNumber = &n
	}
	return s.create(ctx, draft{
		customerID:       types.ID(ext.CustomerID),
		businessID:       types.ID(ext.BusinessID),
		businessLocation: ext.BusinessLocation,
		externalID:       &externalID,
		externalNumber:   externalNumber,
		items:            importItems(ext.Items),
		address:          Address(ext.Address),
		paymentMethod:    ext.PaymentMethod,
		scheduledFor:     ext.ScheduledFor,
		note:             "imported from external order system",
		actorID:          cmd.Actor.ID,
	})
}

func (s *Service) create(ctx context.Context, d draft) (*Order, error) {
	if d.customerID == "" || d.businessID == "" {
		return nil, ErrBadRequest.WithDetail("customer and business are required")
	}
	if len(d.items) == 0 {
		return nil, ErrBadRequest.WithDetail("an order needs at least one item")
	}
	for _, it := range d.items {
		if it.Quantity <= 0 || it.Price.Amount < 0 || it.Name == "" {
			return nil, ErrBadRequest.WithDetail("invalid item %q", it.Name)
		}
	}
	if d.address.Street == "" || d.address.City == "" {
		return nil, ErrBadRequest.WithDetail("delivery address needs street and city")
	}

	now := s.now()
	actorID := d.actorID
	o := &Order{
		ID:             types.ID(uuid.NewString()),
		Number:         s.numbers.Next(),
		CustomerID:     d.customerID,
		BusinessID:     d.businessID,
		ExternalID:     d.externalID,
		ExternalNumber: d.externalNumber,
		Items:          d.items,
		Address:        d.address,
		Status:         StatusPending,
		Pricing:        s.quote(d, now),
		Payment:        NewPayment(d.paymentMethod),
		Tracking: []TrackingEntry{{
			Status:    StatusPending,
			Timestamp: now,
			Note:      d.note,
			ActorID:   &actorID,
		}},
		Scheduled:    d.scheduledFor != nil,
		ScheduledFor: d.scheduledFor,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	s.log.Info("order created",
		zap.String("order_id", string(o.ID)),
		zap.String("number", o.Number),
		zap.Bool("external", o.IsExternal()))

	ev := StatusEvent{OrderID: o.ID, Number: o.Number, Status: o.Status, Entry: o.Tracking[0]}
	s.submit("fanout:new:"+string(o.ID), func(ctx context.Context) error {
		s.fanout.Publish(ctx, notify.BusinessChannel(o.BusinessID), notify.EventOrderNew, ev)
		s.fanout.Publish(ctx, notify.UserChannel(o.CustomerID), notify.EventOrderNew, ev)
		return nil
	})
	return o, nil
}

func (s *Service) quote(d draft, now time.Time) *Pricing {
	var subtotal types.Money
	for _, it := range d.items {
		subtotal.Amount += it.Price.Amount * int64(it.Quantity)
		if subtotal.Currency == "" {
			subtotal.Currency = it.Price.Currency
		}
	}
	if s.pricing == nil {
		return &Pricing{Subtotal: subtotal, DeliveryFee: types.Money{Currency: subtotal.Currency}, Total: subtotal}
	}
	var km float64
	if d.businessLocation != nil && d.address.Location != nil {
		km = maps.HaversineKm(*d.businessLocation, *d.address.Location)
	}
	at := now
	if d.scheduledFor != nil {
		at = *d.scheduledFor
	}
	q := s.pricing.Quote(pricing.Request{DistanceKm: km, RequestTime: at, Subtotal: subtotal})
	return &Pricing{Subtotal: subtotal, DeliveryFee: q.DeliveryFee, Total: q.Total}
}

func importItems(in []gateway.Item) []Item {
	out := make([]Item, len(in))
	for i, it := range in {
		out[i] = Item(it)
	}
	return out
}

// Pay records an online payment by the owning customer. Paying twice is a no-op.
func (s *Service) Pay(ctx context.Context, cmd PayCommand) (_ *Order, err error) {
	ctx, span := s.start(ctx, "order.Pay", cmd.OrderID, cmd.Actor)
	defer func() { endSpan(span, err) }()

	cur, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if CapabilitiesOf(cmd.Actor, cur)&CapCustomer == 0 {
		return nil, ErrAccessDenied
	}
	if cur.Payment != nil && cur.Payment.Status == PaymentPaid {
		return cur, nil
	}
	if cur.Status == StatusCancelled || cur.Status == StatusRefunded {
		return nil, ErrInvalidState.WithDetail("order %s is %s", cur.ID, cur.Status)
	}
	if cmd.Method == "" || cmd.Method == "cash" {
		return nil, ErrBadRequest.WithDetail("cash is settled on delivery")
	}

	now := s.now()
	next := cur.Clone()
	if next.Payment == nil {
		next.Payment = NewPayment(cmd.Method)
	}
	next.Payment.Method = cmd.Method
	next.Payment.Status = PaymentPaid
	next.Payment.PaidAt = &now
	if err := s.store.Commit(ctx, Commit{Order: next, ExpectVersion: cur.Version}); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	return next, nil
}
