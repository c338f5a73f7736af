package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"courier/internal/modules/courier"
	"courier/internal/modules/gateway"
	"courier/internal/modules/notify"
	"courier/internal/modules/pricing"
	"courier/internal/pkg/idgen"
	"courier/internal/types"
	"courier/internal/worker"
)

var (
	alice   = types.Actor{ID: "cust-alice", Role: types.RoleCustomer}
	bob     = types.Actor{ID: "cust-bob", Role: types.RoleCustomer}
	bistro  = types.Actor{ID: "biz-bistro", Role: types.RoleBusiness}
	deli    = types.Actor{ID: "biz-deli", Role: types.RoleBusiness}
	root    = types.Actor{ID: "admin-root", Role: types.RoleAdmin}
	rider1  = types.Actor{ID: "dp-1", Role: types.RoleDeliveryPerson}
	rider2  = types.Actor{ID: "dp-2", Role: types.RoleDeliveryPerson}
	rider3  = types.Actor{ID: "dp-3", Role: types.RoleDeliveryPerson}
	testNow = time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC)
)

type published struct {
	channel string
	event   string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(_ context.Context, ch notify.Channel, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{channel: ch.Key(), event: event, payload: payload})
}

func (r *recorder) count(channel, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.channel == channel && e.event == event {
			n++
		}
	}
	return n
}

type fakeGateway struct {
	mu       sync.Mutex
	orders   map[string]*gateway.ExternalOrder
	notified []string
	fail     error
}

func (g *fakeGateway) Verify(_ context.Context, id string) (*gateway.Verification, error) {
	if g.fail != nil {
		return nil, g.fail
	}
	o, ok := g.orders[id]
	if !ok {
		return &gateway.Verification{OK: false, Reason: "unknown order"}, nil
	}
	return &gateway.Verification{OK: true, Order: o}, nil
}

func (g *fakeGateway) NotifyStatus(_ context.Context, id, status string, _ []gateway.TrackingSnapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notified = append(g.notified, id+":"+status)
	return nil
}

type fixedETA time.Duration

func (e fixedETA) EstimateTravel(context.Context, types.Point, types.Point) (time.Duration, error) {
	return time.Duration(e), nil
}

type fixture struct {
	svc      *Service
	orders   *MemoryStore
	couriers *courier.MemoryStore
	fanout   *recorder
	gateway  *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	couriers := courier.NewMemoryStore()
	orders := NewMemoryStore(couriers)
	fanout := &recorder{}
	gw := &fakeGateway{orders: map[string]*gateway.ExternalOrder{}}
	profiles := courier.NewService(couriers, orders, log)

	svc := NewService(Deps{
		Store:    orders,
		Couriers: couriers,
		Fanout:   fanout,
		Effects:  worker.Inline{Log: log},
		Ratings:  NewAggregator(orders, profiles, fanout, log),
		Gateway:  gw,
		ETA:      fixedETA(12 * time.Minute),
		Pricing:  pricing.NewService(pricing.RateCard{Currency: "USD", BaseFee: 300, PerKmFee: 100, MinimumKm: 2}),
		Numbers:  idgen.NewOrderNumbers(1),
		Log:      log,
	})
	svc.now = func() time.Time { return testNow }

	f := &fixture{svc: svc, orders: orders, couriers: couriers, fanout: fanout, gateway: gw}
	for _, r := range []types.Actor{rider1, rider2, rider3} {
		f.addCourier(t, r.ID)
	}
	return f
}

func (f *fixture) addCourier(t *testing.T, id types.ID) {
	t.Helper()
	u := courier.NewUser(id, types.RoleDeliveryPerson, testNow)
	u.Profile = courier.NewDeliveryProfile("bike")
	u.Profile.Location = &types.Point{Lat: 25.04, Lng: 121.56}
	if err := f.couriers.Create(context.Background(), u); err != nil {
		t.Fatalf("create courier %s: %v", id, err)
	}
}

func (f *fixture) courier(t *testing.T, id types.ID) *courier.User {
	t.Helper()
	u, err := f.couriers.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get courier %s: %v", id, err)
	}
	return u
}

func (f *fixture) place(t *testing.T, customer types.Actor) *Order {
	t.Helper()
	o, err := f.svc.Place(context.Background(), PlaceCommand{
		Actor:      customer,
		BusinessID: bistro.ID,
		Items:      []Item{{Name: "noodles", Quantity: 2, Price: types.Money{Amount: 1000, Currency: "USD"}}},
		Address: Address{
			Street:   "1 Main St",
			City:     "Taipei",
			Location: &types.Point{Lat: 25.05, Lng: 121.53},
		},
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	return o
}

func (f *fixture) advance(t *testing.T, id types.ID, actor types.Actor, target Status) *Order {
	t.Helper()
	o, err := f.svc.Advance(context.Background(), AdvanceCommand{OrderID: id, Actor: actor, Target: target})
	if err != nil {
		t.Fatalf("advance %s to %s as %s: %v", id, target, actor.Role, err)
	}
	return o
}

// readyOrder places an order and has the business walk it to ready.
func (f *fixture) readyOrder(t *testing.T, customer types.Actor) *Order {
	t.Helper()
	o := f.place(t, customer)
	f.advance(t, o.ID, bistro, StatusConfirmed)
	f.advance(t, o.ID, bistro, StatusPreparing)
	return f.advance(t, o.ID, bistro, StatusReady)
}

func (f *fixture) assignedOrder(t *testing.T, customer, rider types.Actor) *Order {
	t.Helper()
	o := f.readyOrder(t, customer)
	o, err := f.svc.Accept(context.Background(), AcceptCommand{OrderID: o.ID, Actor: rider})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return o
}

func (f *fixture) deliveredOrder(t *testing.T, customer, rider types.Actor) *Order {
	t.Helper()
	o := f.assignedOrder(t, customer, rider)
	f.advance(t, o.ID, rider, StatusPickedUp)
	return f.advance(t, o.ID, rider, StatusDelivered)
}

func assertStatus(t *testing.T, f *fixture, id types.ID, want Status) {
	t.Helper()
	o, err := f.orders.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != want {
		t.Fatalf("expected status %s, got %s", want, o.Status)
	}
}
