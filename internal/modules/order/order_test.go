// README: Order lifecycle tests (flows, authorization, concurrency) against the in-memory stores.
package order

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"courier/internal/apperr"
	"courier/internal/modules/gateway"
	"courier/internal/types"
)

// TestTransitionTable verifies the state table without any store.
func TestTransitionTable(t *testing.T) {
	const anyone = CapCustomer | CapBusiness | CapCourier | CapAssignedCourier | CapAdmin
	cases := []struct {
		from, to Status
		want     bool
	}{
		// forward path
		{StatusPending, StatusConfirmed, true},
		{StatusConfirmed, StatusPreparing, true},
		{StatusPreparing, StatusReady, true},
		{StatusReady, StatusAssigned, true},
		{StatusAssigned, StatusPickedUp, true},
		{StatusPickedUp, StatusOnTheWay, true},
		{StatusOnTheWay, StatusDelivered, true},
		// shortcuts to delivered
		{StatusAssigned, StatusDelivered, true},
		{StatusPickedUp, StatusDelivered, true},
		// cancels and refunds
		{StatusPending, StatusCancelled, true},
		{StatusOnTheWay, StatusCancelled, true},
		{StatusDelivered, StatusRefunded, true},
		{StatusCancelled, StatusRefunded, true},
		// invalid: skipping states
		{StatusPending, StatusReady, false},
		{StatusConfirmed, StatusAssigned, false},
		{StatusReady, StatusPickedUp, false},
		// invalid: backwards and out of terminal states
		{StatusAssigned, StatusReady, false},
		{StatusDelivered, StatusCancelled, false},
		{StatusRefunded, StatusPending, false},
		{StatusCancelled, StatusConfirmed, false},
	}
	for _, tc := range cases {
		if got := Permits(tc.from, tc.to, anyone); got != tc.want {
			t.Errorf("Permits(%s, %s, anyone) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatusesHaveNoExitsButRefund(t *testing.T) {
	for _, s := range []Status{StatusDelivered, StatusCancelled, StatusRefunded} {
		next := NextStatuses(s, CapCustomer|CapBusiness|CapCourier|CapAssignedCourier|CapAdmin)
		for _, n := range next {
			if n != StatusRefunded {
				t.Errorf("%s -> %s should not exist", s, n)
			}
		}
	}
	if n := NextStatuses(StatusRefunded, CapAdmin); len(n) != 0 {
		t.Errorf("refunded has exits: %v", n)
	}
}

func TestRoleMayTarget(t *testing.T) {
	cases := []struct {
		role types.Role
		to   Status
		want bool
	}{
		{types.RoleCustomer, StatusCancelled, true},
		{types.RoleCustomer, StatusPickedUp, false},
		{types.RoleBusiness, StatusReady, true},
		{types.RoleBusiness, StatusDelivered, false},
		{types.RoleDeliveryPerson, StatusDelivered, true},
		{types.RoleDeliveryPerson, StatusAssigned, false},
		{types.RoleDeliveryPerson, StatusCancelled, false},
		{types.RoleAdmin, StatusRefunded, true},
		{types.RoleAdmin, StatusAssigned, false},
		{types.RoleAdmin, StatusPending, false},
	}
	for _, tc := range cases {
		if got := RoleMayTarget(tc.role, tc.to); got != tc.want {
			t.Errorf("RoleMayTarget(%s, %s) = %v, want %v", tc.role, tc.to, got, tc.want)
		}
	}
}

func TestOrderFlowHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.readyOrder(t, alice)
	o, err := f.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, Actor: rider1})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !o.AssignedTo(rider1.ID) {
		t.Fatalf("expected order assigned to %s", rider1.ID)
	}
	if o.EstimatedDeliveryAt == nil || !o.EstimatedDeliveryAt.Equal(testNow.Add(12*time.Minute)) {
		t.Fatalf("unexpected delivery estimate %v", o.EstimatedDeliveryAt)
	}
	if f.courier(t, rider1.ID).Profile.Available {
		t.Fatal("courier should be unavailable after accepting")
	}

	f.advance(t, o.ID, rider1, StatusPickedUp)
	f.advance(t, o.ID, rider1, StatusOnTheWay)
	f.advance(t, o.ID, rider1, StatusDelivered)

	stored, err := f.orders.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.ActualDeliveryAt == nil {
		t.Fatal("actual delivery time not recorded")
	}
	if stored.Payment.Status != PaymentPaid {
		t.Fatalf("cash payment should settle on delivery, got %s", stored.Payment.Status)
	}
	want := []Status{
		StatusPending, StatusConfirmed, StatusPreparing, StatusReady,
		StatusAssigned, StatusPickedUp, StatusOnTheWay, StatusDelivered,
	}
	if len(stored.Tracking) != len(want) {
		t.Fatalf("expected %d tracking entries, got %d", len(want), len(stored.Tracking))
	}
	for i, s := range want {
		if stored.Tracking[i].Status != s {
			t.Errorf("tracking[%d] = %s, want %s", i, stored.Tracking[i].Status, s)
		}
	}

	c := f.courier(t, rider1.ID)
	if !c.Profile.Available || c.Profile.TotalDeliveries != 1 {
		t.Fatalf("courier after delivery: available=%v deliveries=%d", c.Profile.Available, c.Profile.TotalDeliveries)
	}
}

func TestOrderFlowAcceptSameTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.readyOrder(t, alice)

	riders := []types.Actor{rider1, rider2, rider3}
	errs := make(chan error, len(riders))
	start := make(chan struct{})
	var wg sync.WaitGroup

	for _, r := range riders {
		wg.Add(1)
		go func(a types.Actor) {
			defer wg.Done()
			<-start
			_, err := f.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, Actor: a})
			errs <- err
		}(r)
	}

	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	assertStatus(t, f, o.ID, StatusAssigned)

	stored, _ := f.orders.Get(ctx, o.ID)
	busy := 0
	for _, r := range riders {
		u := f.courier(t, r.ID)
		if !u.Profile.Available {
			busy++
			if !stored.AssignedTo(r.ID) {
				t.Fatalf("%s is unavailable but does not hold the order", r.ID)
			}
		}
	}
	if busy != 1 {
		t.Fatalf("expected exactly 1 unavailable courier, got %d", busy)
	}
}

func TestAcceptRequiresAvailableCourier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.assignedOrder(t, alice, rider1)
	second := f.readyOrder(t, bob)

	_, err := f.svc.Accept(ctx, AcceptCommand{OrderID: second.ID, Actor: rider1})
	if !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable, got %v", err)
	}
	assertStatus(t, f, second.ID, StatusReady)
}

func TestAcceptEligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.readyOrder(t, alice)

	if _, err := f.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, Actor: alice}); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("customer accept: expected ErrNotEligible, got %v", err)
	}
	stranger := types.Actor{ID: "dp-unprovisioned", Role: types.RoleDeliveryPerson}
	if _, err := f.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, Actor: stranger}); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("unknown courier accept: expected ErrNotEligible, got %v", err)
	}
	if _, err := f.svc.Accept(ctx, AcceptCommand{OrderID: "missing", Actor: rider1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing order: expected ErrNotFound, got %v", err)
	}

	pending := f.place(t, alice)
	if _, err := f.svc.Accept(ctx, AcceptCommand{OrderID: pending.ID, Actor: rider1}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("accept pending: expected ErrInvalidState, got %v", err)
	}
	if !f.courier(t, rider1.ID).Profile.Available {
		t.Fatal("failed accept must not change availability")
	}
}

func TestAdvanceAccessDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.assignedOrder(t, alice, rider1)

	cases := []struct {
		name   string
		actor  types.Actor
		target Status
	}{
		{"other customer", bob, StatusPickedUp},
		{"other business", deli, StatusCancelled},
		{"unassigned courier", rider2, StatusPickedUp},
	}
	for _, tc := range cases {
		_, err := f.svc.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: tc.actor, Target: tc.target})
		if !errors.Is(err, ErrAccessDenied) {
			t.Errorf("%s: expected ErrAccessDenied, got %v", tc.name, err)
		}
	}
	assertStatus(t, f, o.ID, StatusAssigned)
}

func TestAdvanceInvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.place(t, alice)

	// business may never request delivered
	if _, err := f.svc.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: bistro, Target: StatusDelivered}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	// owning customer may not request picked_up
	if _, err := f.svc.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: alice, Target: StatusPickedUp}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	// skipping confirmed
	if _, err := f.svc.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: bistro, Target: StatusReady}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	// admin cannot push an unassigned order to delivered
	f.advance(t, o.ID, bistro, StatusConfirmed)
	if _, err := f.svc.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: root, Target: StatusDelivered}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := f.svc.Advance(ctx, AdvanceCommand{OrderID: "missing", Actor: root, Target: StatusReady}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	assertStatus(t, f, o.ID, StatusConfirmed)
}

func TestBusinessCannotCancelAfterAssignment(t *testing.T) {
	f := newFixture(t)
	o := f.assignedOrder(t, alice, rider1)

	_, err := f.svc.Advance(context.Background(), AdvanceCommand{OrderID: o.ID, Actor: bistro, Target: StatusCancelled})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCustomerCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.place(t, alice)
	if _, err := f.svc.Cancel(ctx, CancelCommand{OrderID: o.ID, Actor: bob, Reason: "not mine"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	cancelled, err := f.svc.Cancel(ctx, CancelCommand{OrderID: o.ID, Actor: alice, Reason: "changed my mind"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Cancellation == nil || cancelled.Cancellation.CancelledBy != types.RoleCustomer {
		t.Fatalf("unexpected cancellation record %+v", cancelled.Cancellation)
	}
	if cancelled.Cancellation.Reason != "changed my mind" {
		t.Fatalf("reason not stored: %q", cancelled.Cancellation.Reason)
	}

	preparing := f.place(t, alice)
	f.advance(t, preparing.ID, bistro, StatusConfirmed)
	f.advance(t, preparing.ID, bistro, StatusPreparing)
	if _, err := f.svc.Cancel(ctx, CancelCommand{OrderID: preparing.ID, Actor: alice}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel while preparing: expected ErrInvalidState, got %v", err)
	}
}

func TestAdminCancelFreesCourier(t *testing.T) {
	f := newFixture(t)
	o := f.assignedOrder(t, alice, rider1)
	f.advance(t, o.ID, rider1, StatusPickedUp)

	cancelled := f.advance(t, o.ID, root, StatusCancelled)
	if cancelled.Cancellation.CancelledBy != types.RoleAdmin {
		t.Fatalf("expected admin cancellation, got %s", cancelled.Cancellation.CancelledBy)
	}
	if !f.courier(t, rider1.ID).Profile.Available {
		t.Fatal("courier should be available again")
	}

	refunded := f.advance(t, o.ID, root, StatusRefunded)
	if refunded.Payment.Status != PaymentRefunded {
		t.Fatalf("payment status %s", refunded.Payment.Status)
	}
	if refunded.Cancellation.RefundAmount == nil || *refunded.Cancellation.RefundAmount != refunded.Pricing.Total {
		t.Fatalf("refund amount %v, want %v", refunded.Cancellation.RefundAmount, refunded.Pricing.Total)
	}
	if refunded.Cancellation.CancelledBy != types.RoleAdmin {
		t.Fatal("refund must keep the original cancellation record")
	}
}

func TestRefundDeliveredOrderCreatesRecord(t *testing.T) {
	f := newFixture(t)
	o := f.deliveredOrder(t, alice, rider1)
	partial := types.Money{Amount: 500, Currency: "USD"}

	refunded, err := f.svc.Advance(context.Background(), AdvanceCommand{
		OrderID: o.ID, Actor: root, Target: StatusRefunded, Note: "cold food", RefundAmount: &partial,
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Cancellation == nil || *refunded.Cancellation.RefundAmount != partial {
		t.Fatalf("unexpected cancellation %+v", refunded.Cancellation)
	}
	if refunded.Cancellation.Reason != "cold food" {
		t.Fatalf("reason %q", refunded.Cancellation.Reason)
	}
}

func TestRateFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open := f.assignedOrder(t, alice, rider1)
	if _, err := f.svc.Rate(ctx, RateCommand{OrderID: open.ID, Actor: alice, Food: 5, Delivery: 5}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("rate before delivery: expected ErrInvalidState, got %v", err)
	}
	f.advance(t, open.ID, rider1, StatusDelivered)

	if _, err := f.svc.Rate(ctx, RateCommand{OrderID: open.ID, Actor: alice, Food: 6, Delivery: 5}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("out of range score: expected ErrBadRequest, got %v", err)
	}
	if _, err := f.svc.Rate(ctx, RateCommand{OrderID: open.ID, Actor: bob, Food: 5, Delivery: 5}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("non-owner rate: expected ErrAccessDenied, got %v", err)
	}
	rated, err := f.svc.Rate(ctx, RateCommand{OrderID: open.ID, Actor: alice, Food: 4, Delivery: 5, Comment: "fast"})
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rated.Rating.Overall != 4.5 {
		t.Fatalf("overall %v, want 4.5", rated.Rating.Overall)
	}
	if _, err := f.svc.Rate(ctx, RateCommand{OrderID: open.ID, Actor: alice, Food: 1, Delivery: 1}); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("second rate: expected ErrAlreadyRated, got %v", err)
	}

	c := f.courier(t, rider1.ID)
	if c.Profile.Rating != 5 || c.Profile.RatingCount != 1 {
		t.Fatalf("courier rating %v/%d, want 5/1", c.Profile.Rating, c.Profile.RatingCount)
	}

	second := f.deliveredOrder(t, bob, rider1)
	if _, err := f.svc.Rate(ctx, RateCommand{OrderID: second.ID, Actor: bob, Food: 3, Delivery: 4}); err != nil {
		t.Fatalf("rate second: %v", err)
	}
	c = f.courier(t, rider1.ID)
	if c.Profile.Rating != 4.5 || c.Profile.RatingCount != 2 {
		t.Fatalf("courier rating %v/%d, want 4.5/2", c.Profile.Rating, c.Profile.RatingCount)
	}
	if f.fanout.count("user:"+string(rider1.ID), "courier:rating") != 2 {
		t.Fatal("expected a rating event per recompute")
	}
}

func TestMeanRating(t *testing.T) {
	cases := []struct {
		in   []int
		want float64
		ok   bool
	}{
		{nil, 0, false},
		{[]int{5}, 5, true},
		{[]int{5, 4}, 4.5, true},
		{[]int{4, 5, 3}, 4.0, true},
		{[]int{5, 4, 4}, 4.3, true},
		{[]int{1, 2, 2}, 1.7, true},
	}
	for _, tc := range cases {
		got, ok := MeanRating(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("MeanRating(%v) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAggregatorNoRatingsIsNoop(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.ratings.Recompute(context.Background(), rider2.ID)
	if err != nil || res != nil {
		t.Fatalf("expected no-op, got %+v, %v", res, err)
	}
	if c := f.courier(t, rider2.ID); c.Version != 0 || c.Profile.RatingCount != 0 {
		t.Fatalf("profile should be untouched: %+v", c.Profile)
	}
}

func TestDeclineKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.readyOrder(t, alice)

	if _, err := f.svc.Decline(ctx, DeclineCommand{OrderID: o.ID, Actor: bistro}); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("business decline: expected ErrNotEligible, got %v", err)
	}
	declined, err := f.svc.Decline(ctx, DeclineCommand{OrderID: o.ID, Actor: rider2, Note: "too far"})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.Status != StatusReady {
		t.Fatalf("status changed to %s", declined.Status)
	}
	last := declined.Tracking[len(declined.Tracking)-1]
	if last.Status != TrackingDeclined || last.ActorID == nil || *last.ActorID != rider2.ID {
		t.Fatalf("unexpected tracking entry %+v", last)
	}

	if _, err := f.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, Actor: rider2}); err != nil {
		t.Fatalf("declining does not prevent a later accept: %v", err)
	}
	if _, err := f.svc.Decline(ctx, DeclineCommand{OrderID: o.ID, Actor: rider3}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("decline assigned: expected ErrInvalidState, got %v", err)
	}
}

func TestTransitionFansOut(t *testing.T) {
	f := newFixture(t)
	o := f.assignedOrder(t, alice, rider1)

	for _, ch := range []string{
		"user:" + string(alice.ID),
		"order:" + string(o.ID),
		"business:" + string(bistro.ID),
		"user:" + string(rider1.ID),
	} {
		if f.fanout.count(ch, "order:status") == 0 {
			t.Errorf("no order:status on %s", ch)
		}
	}
	if f.fanout.count("business:"+string(bistro.ID), "order:new") != 1 {
		t.Error("business was not told about the new order")
	}
}

func TestImportExternalOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.orders["ext-1"] = &gateway.ExternalOrder{
		ID:               "ext-1",
		Number:           "SHOP-1001",
		CustomerID:       string(alice.ID),
		BusinessID:       string(bistro.ID),
		BusinessLocation: &types.Point{Lat: 25.03, Lng: 121.56},
		Items:            []gateway.Item{{SKU: "A1", Name: "dumplings", Quantity: 3, Price: types.Money{Amount: 450, Currency: "USD"}}},
		Address:          gateway.Address{Street: "2 Side St", City: "Taipei", Location: &types.Point{Lat: 25.08, Lng: 121.52}},
	}

	o, err := f.svc.Import(ctx, ImportCommand{Actor: bistro, ExternalID: "ext-1"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if o.Status != StatusPending || len(o.Tracking) != 1 || !o.IsExternal() {
		t.Fatalf("unexpected imported order %+v", o)
	}
	if o.Pricing.Subtotal.Amount != 1350 || o.Pricing.DeliveryFee.Amount <= 300 {
		t.Fatalf("unexpected pricing %+v", o.Pricing)
	}
	if o.Payment == nil || o.Payment.Status != PaymentPending {
		t.Fatalf("payment record missing: %+v", o.Payment)
	}

	if _, err := f.svc.Import(ctx, ImportCommand{Actor: bistro, ExternalID: "ext-1"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second import: expected ErrDuplicate, got %v", err)
	}
	if _, err := f.svc.Import(ctx, ImportCommand{Actor: deli, ExternalID: "ext-unknown"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("unverified import: expected ErrBadRequest, got %v", err)
	}
	if _, err := f.svc.Import(ctx, ImportCommand{Actor: alice, ExternalID: "ext-2"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("customer import: expected ErrAccessDenied, got %v", err)
	}

	f.advance(t, o.ID, bistro, StatusConfirmed)
	if len(f.gateway.notified) != 1 || f.gateway.notified[0] != "ext-1:confirmed" {
		t.Fatalf("gateway notifications %v", f.gateway.notified)
	}
}

func TestImportForeignBusinessDenied(t *testing.T) {
	f := newFixture(t)
	f.gateway.orders["ext-9"] = &gateway.ExternalOrder{
		ID: "ext-9", CustomerID: string(alice.ID), BusinessID: string(bistro.ID),
		Items:   []gateway.Item{{Name: "tea", Quantity: 1}},
		Address: gateway.Address{Street: "3 Lane", City: "Taipei"},
	}
	if _, err := f.svc.Import(context.Background(), ImportCommand{Actor: deli, ExternalID: "ext-9"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestImportUpstreamDown(t *testing.T) {
	f := newFixture(t)
	f.gateway.fail = gateway.ErrUnavailable
	if _, err := f.svc.Import(context.Background(), ImportCommand{Actor: root, ExternalID: "ext-3"}); !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestImportUnauthorizedUpstreamIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	client, err := gateway.NewClient(srv.URL, "wrong-key", time.Second, 1, zap.NewNop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	f := newFixture(t)
	f.svc.gateway = client
	for _, actor := range []types.Actor{root, bistro} {
		_, err := f.svc.Import(context.Background(), ImportCommand{Actor: actor, ExternalID: "ext-9"})
		if apperr.KindOf(err) != apperr.KindUpstreamUnavailable {
			t.Fatalf("%s: expected upstream_unavailable, got %v", actor.Role, err)
		}
	}
	if _, err := f.orders.FindByExternalID(context.Background(), "ext-9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected import must not create an order, got %v", err)
	}
}

func TestPlaceValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := Address{Street: "1 Main St", City: "Taipei"}
	item := Item{Name: "rice", Quantity: 1, Price: types.Money{Amount: 100}}

	cases := []struct {
		name string
		cmd  PlaceCommand
		want error
	}{
		{"business places", PlaceCommand{Actor: bistro, BusinessID: bistro.ID, Items: []Item{item}, Address: addr}, ErrAccessDenied},
		{"no business", PlaceCommand{Actor: alice, Items: []Item{item}, Address: addr}, ErrBadRequest},
		{"no items", PlaceCommand{Actor: alice, BusinessID: bistro.ID, Address: addr}, ErrBadRequest},
		{"zero quantity", PlaceCommand{Actor: alice, BusinessID: bistro.ID, Items: []Item{{Name: "x"}}, Address: addr}, ErrBadRequest},
		{"no address", PlaceCommand{Actor: alice, BusinessID: bistro.ID, Items: []Item{item}}, ErrBadRequest},
	}
	for _, tc := range cases {
		if _, err := f.svc.Place(ctx, tc.cmd); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.place(t, alice)

	if _, err := f.svc.Pay(ctx, PayCommand{OrderID: o.ID, Actor: alice, Method: "cash"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("cash pay: expected ErrBadRequest, got %v", err)
	}
	if _, err := f.svc.Pay(ctx, PayCommand{OrderID: o.ID, Actor: bob, Method: "card"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("foreign pay: expected ErrAccessDenied, got %v", err)
	}
	paid, err := f.svc.Pay(ctx, PayCommand{OrderID: o.ID, Actor: alice, Method: "card"})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if paid.Payment.Status != PaymentPaid || paid.Payment.PaidAt == nil {
		t.Fatalf("payment %+v", paid.Payment)
	}
	again, err := f.svc.Pay(ctx, PayCommand{OrderID: o.ID, Actor: alice, Method: "card"})
	if err != nil || again.Version != paid.Version {
		t.Fatalf("second pay should be a no-op: %v", err)
	}
}

func TestListScopedByRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.place(t, alice)
	f.place(t, alice)
	f.place(t, bob)
	ready := f.readyOrder(t, bob)

	page := types.NewPage(1, 20)
	if _, total, _ := f.svc.List(ctx, alice, Filter{}, page); total != 2 {
		t.Errorf("alice sees %d orders, want 2", total)
	}
	if _, total, _ := f.svc.List(ctx, alice, Filter{CustomerID: bob.ID}, page); total != 2 {
		t.Errorf("customer filter must be forced to self, got %d", total)
	}
	if _, total, _ := f.svc.List(ctx, bistro, Filter{}, page); total != 4 {
		t.Errorf("bistro sees %d orders, want 4", total)
	}
	if _, total, _ := f.svc.List(ctx, deli, Filter{}, page); total != 0 {
		t.Errorf("deli sees %d orders, want 0", total)
	}
	avail, total, err := f.svc.Available(ctx, rider1, page)
	if err != nil || total != 1 || avail[0].ID != ready.ID {
		t.Fatalf("available: %v %d", err, total)
	}
	if _, _, err := f.svc.Available(ctx, alice, page); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("customer available: expected ErrNotEligible, got %v", err)
	}

	if _, err := f.svc.Get(ctx, rider1, ready.ID); err != nil {
		t.Fatalf("courier should see a ready unassigned order: %v", err)
	}
	if _, err := f.svc.Get(ctx, alice, ready.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}
