// README: Order lifecycle engine; validates transitions against the state table, commits them atomically, then fires side effects.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"courier/internal/apperr"
	"courier/internal/modules/courier"
	"courier/internal/modules/gateway"
	"courier/internal/modules/notify"
	"courier/internal/modules/pricing"
	"courier/internal/types"
	"courier/internal/worker"
)

var (
	ErrNotFound      = apperr.New(apperr.KindNotFound, "order not found")
	ErrAccessDenied  = apperr.New(apperr.KindAccessDenied, "caller has no standing on this order")
	ErrInvalidState  = apperr.New(apperr.KindInvalidState, "transition not permitted from the current status")
	ErrInvalidStatus = apperr.New(apperr.KindInvalidStatus, "target status not permitted for this role")
	ErrNotEligible   = apperr.New(apperr.KindNotEligible, "caller is not an eligible delivery person")
	ErrNotAvailable  = apperr.New(apperr.KindNotAvailable, "delivery person is not available")
	ErrAlreadyRated  = apperr.New(apperr.KindAlreadyRated, "order has already been rated")
	ErrConflict      = apperr.New(apperr.KindConflict, "order changed concurrently, retry")
	ErrDuplicate     = apperr.New(apperr.KindConflict, "order already exists")
	ErrBadRequest    = apperr.New(apperr.KindBadRequest, "bad request")
)

var tracer = otel.Tracer("courier/order")

// Couriers reads delivery-person state; courier.Store satisfies it.
type Couriers interface {
	Get(ctx context.Context, id types.ID) (*courier.User, error)
}

// Publisher is the fan-out; notify.Hub satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ch notify.Channel, event string, payload any)
}

type Gateway interface {
	Verify(ctx context.Context, externalID string) (*gateway.Verification, error)
	NotifyStatus(ctx context.Context, externalID, status string, tracking []gateway.TrackingSnapshot) error
}

// Dispatcher runs side effects off the request path.
type Dispatcher interface {
	Submit(name string, job worker.Job) bool
}

type ETA interface {
	EstimateTravel(ctx context.Context, origin, destination types.Point) (time.Duration, error)
}

type Pricer interface {
	Quote(req pricing.Request) pricing.Quote
}

type NumberSource interface {
	Next() string
}

type Deps struct {
	Store    Store
	Couriers Couriers
	Fanout   Publisher
	Effects  Dispatcher
	Ratings  *Aggregator
	Gateway  Gateway // nil when no external system is configured
	ETA      ETA     // nil disables estimates
	Pricing  Pricer
	Numbers  NumberSource
	Log      *zap.Logger
}

type Service struct {
	store    Store
	couriers Couriers
	fanout   Publisher
	effects  Dispatcher
	ratings  *Aggregator
	gateway  Gateway
	eta      ETA
	pricing  Pricer
	numbers  NumberSource
	log      *zap.Logger
	now      func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{
		store:    d.Store,
		couriers: d.Couriers,
		fanout:   d.Fanout,
		effects:  d.Effects,
		ratings:  d.Ratings,
		gateway:  d.Gateway,
		eta:      d.ETA,
		pricing:  d.Pricing,
		numbers:  d.Numbers,
		log:      d.Log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type AcceptCommand struct {
	OrderID types.ID
	Actor   types.Actor
	Note    string
}

type DeclineCommand struct {
	OrderID types.ID
	Actor   types.Actor
	Note    string
}

type AdvanceCommand struct {
	OrderID  types.ID
	Actor    types.Actor
	Target   Status
	Location *types.Point
	Note     string
	// RefundAmount applies to refunded only; the order total is used when nil.
	RefundAmount *types.Money
}

type CancelCommand struct {
	OrderID types.ID
	Actor   types.Actor
	Reason  string
}

type RateCommand struct {
	OrderID  types.ID
	Actor    types.Actor
	Food     int
	Delivery int
	Comment  string
}

// Accept assigns a ready order to the calling delivery person and marks them unavailable.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (_ *Order, err error) {
	ctx, span := s.start(ctx, "order.Accept", cmd.OrderID, cmd.Actor)
	defer func() { endSpan(span, err) }()

	cur, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if cmd.Actor.Role != types.RoleDeliveryPerson {
		return nil, ErrNotEligible
	}
	u, err := s.couriers.Get(ctx, cmd.Actor.ID)
	if errors.Is(err, courier.ErrNotFound) {
		return nil, ErrNotEligible
	}
	if err != nil {
		return nil, err
	}
	if !u.Eligible() {
		return nil, ErrNotEligible
	}
	if !u.Profile.Available {
		return nil, ErrNotAvailable
	}
	if cur.DeliveryPersonID != nil || !Permits(cur.Status, StatusAssigned, CapabilitiesOf(cmd.Actor, cur)) {
		return nil, ErrInvalidState.WithDetail("order %s is %s", cur.ID, cur.Status)
	}

	now := s.now()
	id := cmd.Actor.ID
	next := cur.Clone()
	next.Status = StatusAssigned
	next.DeliveryPersonID = &id
	next.Tracking = append(next.Tracking, TrackingEntry{
		Status:    StatusAssigned,
		Timestamp: now,
		Location:  u.Profile.Location,
		Note:      cmd.Note,
		ActorID:   &id,
	})
	if eta := s.estimateDelivery(ctx, u, cur, now); eta != nil {
		next.EstimatedDeliveryAt = eta
	}

	err = s.store.Commit(ctx, Commit{
		Order:         next,
		ExpectVersion: cur.Version,
		Courier:       &CourierChange{ID: id, RequireAvailable: true, Available: false},
	})
	if err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	s.afterTransition(cur, next)
	return next, nil
}

// Decline records that a delivery person passed on a ready order. Status does not change.
func (s *Service) Decline(ctx context.Context, cmd DeclineCommand) (_ *Order, err error) {
	ctx, span := s.start(ctx, "order.Decline", cmd.OrderID, cmd.Actor)
	defer func() { endSpan(span, err) }()

	cur, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if cmd.Actor.Role != types.RoleDeliveryPerson {
		return nil, ErrNotEligible
	}
	if cur.Status != StatusReady || cur.DeliveryPersonID != nil {
		return nil, ErrInvalidState.WithDetail("order %s is %s", cur.ID, cur.Status)
	}

	id := cmd.Actor.ID
	next := cur.Clone()
	next.Tracking = append(next.Tracking, TrackingEntry{
		Status:    TrackingDeclined,
		Timestamp: s.now(),
		Note:      cmd.Note,
		ActorID:   &id,
	})
	if err := s.store.Commit(ctx, Commit{Order: next, ExpectVersion: cur.Version}); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	s.log.Info("order declined", zap.String("order_id", string(cur.ID)), zap.String("courier_id", string(id)))

	entry := next.Tracking[len(next.Tracking)-1]
	s.submit("fanout:declined:"+string(next.ID), func(ctx context.Context) error {
		s.fanout.Publish(ctx, notify.BusinessChannel(next.BusinessID), notify.EventOrderDeclined, declinedEvent{OrderID: next.ID, Number: next.Number, Entry: entry})
		return nil
	})
	return next, nil
}

// Advance moves an order along the state table on behalf of a business, the assigned
// delivery person or an admin.
func (s *Service) Advance(ctx context.Context, cmd AdvanceCommand) (_ *Order, err error) {
	ctx, span := s.start(ctx, "order.Advance", cmd.OrderID, cmd.Actor)
	span.SetAttributes(attribute.String("order.target", string(cmd.Target)))
	defer func() { endSpan(span, err) }()

	cur, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	caps := CapabilitiesOf(cmd.Actor, cur)
	if !hasStanding(caps) {
		return nil, ErrAccessDenied
	}
	if !RoleMayTarget(cmd.Actor.Role, cmd.Target) {
		return nil, ErrInvalidStatus.WithDetail("%s may not set %q", cmd.Actor.Role, cmd.Target)
	}
	if !Permits(cur.Status, cmd.Target, caps) {
		return nil, ErrInvalidState.WithDetail("%s -> %s", cur.Status, cmd.Target)
	}
	if needsCourier(cmd.Target) && cur.DeliveryPersonID == nil {
		return nil, ErrInvalidState.WithDetail("order %s has no delivery person", cur.ID)
	}

	now := s.now()
	actorID := cmd.Actor.ID
	next := cur.Clone()
	next.Status = cmd.Target
	next.Tracking = append(next.Tracking, TrackingEntry{
		Status:    cmd.Target,
		Timestamp: now,
		Location:  cmd.Location,
		Note:      cmd.Note,
		ActorID:   &actorID,
	})

	var change *CourierChange
	switch cmd.Target {
	case StatusDelivered:
		if next.ActualDeliveryAt == nil {
			next.ActualDeliveryAt = &now
		}
		if next.Payment != nil && next.Payment.Method == "cash" && next.Payment.Status == PaymentPending {
			next.Payment.Status = PaymentPaid
			next.Payment.PaidAt = &now
		}
		change = &CourierChange{ID: *cur.DeliveryPersonID, Available: true, AddDeliveries: 1}
	case StatusCancelled:
		next.Cancellation = &Cancellation{
			Reason:      cmd.Note,
			CancelledBy: cmd.Actor.Role,
			ActorID:     actorID,
			CancelledAt: now,
		}
		if cur.Status.Active() && cur.DeliveryPersonID != nil {
			change = &CourierChange{ID: *cur.DeliveryPersonID, Available: true}
		}
	case StatusRefunded:
		refund := cmd.RefundAmount
		if refund == nil && next.Pricing != nil {
			total := next.Pricing.Total
			refund = &total
		}
		if next.Cancellation == nil {
			next.Cancellation = &Cancellation{
				Reason:      cmd.Note,
				CancelledBy: cmd.Actor.Role,
				ActorID:     actorID,
				CancelledAt: now,
			}
		}
		next.Cancellation.RefundAmount = refund
		if next.Payment != nil {
			next.Payment.Status = PaymentRefunded
		}
	}

	if err := s.store.Commit(ctx, Commit{Order: next, ExpectVersion: cur.Version, Courier: change}); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	s.afterTransition(cur, next)

	if cmd.Target == StatusDelivered && next.Rating != nil {
		s.recomputeRating(*next.DeliveryPersonID)
	}
	return next, nil
}

// Cancel is the customer's own cancellation, allowed while the order is pending or confirmed.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (_ *Order, err error) {
	ctx, span := s.start(ctx, "order.Cancel", cmd.OrderID, cmd.Actor)
	defer func() { endSpan(span, err) }()

	cur, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if CapabilitiesOf(cmd.Actor, cur)&CapCustomer == 0 {
		return nil, ErrAccessDenied
	}
	if !Permits(cur.Status, StatusCancelled, CapCustomer) {
		return nil, ErrInvalidState.WithDetail("order %s is %s", cur.ID, cur.Status)
	}

	now := s.now()
	actorID := cmd.Actor.ID
	next := cur.Clone()
	next.Status = StatusCancelled
	next.Cancellation = &Cancellation{
		Reason:      cmd.Reason,
		CancelledBy: types.RoleCustomer,
		ActorID:     actorID,
		CancelledAt: now,
	}
	next.Tracking = append(next.Tracking, TrackingEntry{
		Status:    StatusCancelled,
		Timestamp: now,
		Note:      cmd.Reason,
		ActorID:   &actorID,
	})
	if err := s.store.Commit(ctx, Commit{Order: next, ExpectVersion: cur.Version}); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	s.afterTransition(cur, next)
	return next, nil
}

// Rate stores the customer's rating of a delivered order. A rating is written once.
func (s *Service) Rate(ctx context.Context, cmd RateCommand) (_ *Order, err error) {
	ctx, span := s.start(ctx, "order.Rate", cmd.OrderID, cmd.Actor)
	defer func() { endSpan(span, err) }()

	if !validScore(cmd.Food) || !validScore(cmd.Delivery) {
		return nil, ErrBadRequest.WithDetail("scores must be between 1 and 5")
	}
	cur, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if CapabilitiesOf(cmd.Actor, cur)&CapCustomer == 0 {
		return nil, ErrAccessDenied
	}
	if cur.Rating != nil {
		return nil, ErrAlreadyRated
	}
	if cur.Status != StatusDelivered {
		return nil, ErrInvalidState.WithDetail("order %s is %s", cur.ID, cur.Status)
	}

	next := cur.Clone()
	next.Rating = &Rating{
		Food:     cmd.Food,
		Delivery: cmd.Delivery,
		Overall:  float64(cmd.Food+cmd.Delivery) / 2,
		Comment:  cmd.Comment,
		RatedAt:  s.now(),
	}
	if err := s.store.Commit(ctx, Commit{Order: next, ExpectVersion: cur.Version}); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1

	rated := ratedEvent{OrderID: next.ID, Number: next.Number, Rating: *next.Rating}
	s.submit("fanout:rated:"+string(next.ID), func(ctx context.Context) error {
		s.fanout.Publish(ctx, notify.OrderChannel(next.ID), notify.EventOrderRated, rated)
		s.fanout.Publish(ctx, notify.BusinessChannel(next.BusinessID), notify.EventOrderRated, rated)
		return nil
	})
	if next.DeliveryPersonID != nil {
		s.recomputeRating(*next.DeliveryPersonID)
	}
	return next, nil
}

// StatusEvent is the fan-out payload for every status change.
type StatusEvent struct {
	OrderID             types.ID      `json:"order_id"`
	Number              string        `json:"number"`
	Status              Status        `json:"status"`
	Previous            Status        `json:"previous"`
	DeliveryPersonID    *types.ID     `json:"delivery_person_id,omitempty"`
	Entry               TrackingEntry `json:"entry"`
	EstimatedDeliveryAt *time.Time    `json:"estimated_delivery_at,omitempty"`
}

type declinedEvent struct {
	OrderID types.ID      `json:"order_id"`
	Number  string        `json:"number"`
	Entry   TrackingEntry `json:"entry"`
}

type ratedEvent struct {
	OrderID types.ID `json:"order_id"`
	Number  string   `json:"number"`
	Rating  Rating   `json:"rating"`
}

// afterTransition queues the fan-out and gateway notification for a committed status change.
func (s *Service) afterTransition(prev, next *Order) {
	ev := StatusEvent{
		OrderID:             next.ID,
		Number:              next.Number,
		Status:              next.Status,
		Previous:            prev.Status,
		DeliveryPersonID:    next.DeliveryPersonID,
		Entry:               next.Tracking[len(next.Tracking)-1],
		EstimatedDeliveryAt: next.EstimatedDeliveryAt,
	}
	channels := statusChannels(next)
	s.submit("fanout:status:"+string(next.ID), func(ctx context.Context) error {
		for _, ch := range channels {
			s.fanout.Publish(ctx, ch, notify.EventOrderStatus, ev)
		}
		return nil
	})

	if next.IsExternal() && s.gateway != nil {
		externalID := *next.ExternalID
		status := string(next.Status)
		snapshot := trackingSnapshot(next.Tracking)
		s.submit("gateway:notify:"+string(next.ID), func(ctx context.Context) error {
			if err := s.gateway.NotifyStatus(ctx, externalID, status, snapshot); err != nil {
				return fmt.Errorf("notify external order %s: %w", externalID, err)
			}
			return nil
		})
	}
}

func statusChannels(o *Order) []notify.Channel {
	chs := []notify.Channel{
		notify.UserChannel(o.CustomerID),
		notify.OrderChannel(o.ID),
		notify.BusinessChannel(o.BusinessID),
	}
	if o.DeliveryPersonID != nil {
		chs = append(chs, notify.UserChannel(*o.DeliveryPersonID))
	}
	return chs
}

func (s *Service) recomputeRating(courierID types.ID) {
	if s.ratings == nil {
		return
	}
	s.submit("rating:"+string(courierID), func(ctx context.Context) error {
		_, err := s.ratings.Recompute(ctx, courierID)
		return err
	})
}

func (s *Service) submit(name string, job worker.Job) {
	if s.effects == nil {
		return
	}
	if !s.effects.Submit(name, job) {
		s.log.Warn("side effect not queued", zap.String("job", name))
	}
}

// estimateDelivery asks the ETA source for courier -> drop-off time. Failures leave the estimate alone.
func (s *Service) estimateDelivery(ctx context.Context, u *courier.User, o *Order, now time.Time) *time.Time {
	if s.eta == nil || u.Profile.Location == nil || o.Address.Location == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := s.eta.EstimateTravel(ctx, *u.Profile.Location, *o.Address.Location)
	if err != nil {
		s.log.Warn("delivery estimate failed", zap.String("order_id", string(o.ID)), zap.Error(err))
		return nil
	}
	at := now.Add(d)
	return &at
}

func trackingSnapshot(entries []TrackingEntry) []gateway.TrackingSnapshot {
	out := make([]gateway.TrackingSnapshot, len(entries))
	for i, e := range entries {
		out[i] = gateway.TrackingSnapshot{Status: string(e.Status), Timestamp: e.Timestamp, Location: e.Location, Note: e.Note}
	}
	return out
}

func hasStanding(caps Capability) bool {
	return caps&(CapCustomer|CapBusiness|CapAssignedCourier|CapAdmin) != 0
}

func needsCourier(s Status) bool {
	return s == StatusPickedUp || s == StatusOnTheWay || s == StatusDelivered
}

func validScore(v int) bool { return v >= 1 && v <= 5 }

func (s *Service) start(ctx context.Context, name string, orderID types.ID, actor types.Actor) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("order.id", string(orderID)),
		attribute.String("actor.id", string(actor.ID)),
		attribute.String("actor.role", string(actor.Role)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	}
	span.End()
}
