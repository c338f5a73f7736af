// README: Order aggregate, sub-records and status definitions.
package order

import (
	"time"

	"courier/internal/types"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusAssigned  Status = "assigned"
	StatusPickedUp  Status = "picked_up"
	StatusOnTheWay  Status = "on_the_way"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// TrackingDeclined is recorded in the tracking log only; an order never holds it as its status.
const TrackingDeclined Status = "declined"

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRefunded
}

// Active reports whether a courier is carrying the order.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusPickedUp || s == StatusOnTheWay
}

type Item struct {
	SKU      string      `json:"sku,omitempty"`
	Name     string      `json:"name"`
	Quantity int         `json:"quantity"`
	Price    types.Money `json:"price"`
}

type Address struct {
	Street     string       `json:"street"`
	City       string       `json:"city"`
	PostalCode string       `json:"postal_code,omitempty"`
	Note       string       `json:"note,omitempty"`
	Location   *types.Point `json:"location,omitempty"`
}

type Pricing struct {
	Subtotal    types.Money `json:"subtotal"`
	DeliveryFee types.Money `json:"delivery_fee"`
	Total       types.Money `json:"total"`
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

type Payment struct {
	Method string        `json:"method"`
	Status PaymentStatus `json:"status"`
	PaidAt *time.Time    `json:"paid_at,omitempty"`
}

// NewPayment returns the payment record every order starts with. Cash is settled on delivery.
func NewPayment(method string) *Payment {
	if method == "" {
		method = "cash"
	}
	return &Payment{Method: method, Status: PaymentPending}
}

type TrackingEntry struct {
	Status    Status       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Location  *types.Point `json:"location,omitempty"`
	Note      string       `json:"note,omitempty"`
	ActorID   *types.ID    `json:"actor_id,omitempty"`
}

type Rating struct {
	Food     int       `json:"food"`
	Delivery int       `json:"delivery"`
	Overall  float64   `json:"overall"`
	Comment  string    `json:"comment,omitempty"`
	RatedAt  time.Time `json:"rated_at"`
}

type Cancellation struct {
	Reason       string       `json:"reason"`
	CancelledBy  types.Role   `json:"cancelled_by"`
	ActorID      types.ID     `json:"actor_id"`
	CancelledAt  time.Time    `json:"cancelled_at"`
	RefundAmount *types.Money `json:"refund_amount,omitempty"`
}

type Order struct {
	ID                  types.ID
	Number              string
	CustomerID          types.ID
	BusinessID          types.ID
	ExternalID          *string
	ExternalNumber      *string
	Items               []Item
	Address             Address
	Status              Status
	DeliveryPersonID    *types.ID
	Pricing             *Pricing
	Payment             *Payment
	Tracking            []TrackingEntry
	Rating              *Rating
	Cancellation        *Cancellation
	Scheduled           bool
	ScheduledFor        *time.Time
	EstimatedDeliveryAt *time.Time
	ActualDeliveryAt    *time.Time
	Version             int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Clone deep-copies the mutable parts so callers never share slices or sub-records with a store.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = append([]Item(nil), o.Items...)
	cp.Tracking = append([]TrackingEntry(nil), o.Tracking...)
	if o.Address.Location != nil {
		loc := *o.Address.Location
		cp.Address.Location = &loc
	}
	if o.DeliveryPersonID != nil {
		d := *o.DeliveryPersonID
		cp.DeliveryPersonID = &d
	}
	if o.Pricing != nil {
		p := *o.Pricing
		cp.Pricing = &p
	}
	if o.Payment != nil {
		p := *o.Payment
		cp.Payment = &p
	}
	if o.Rating != nil {
		r := *o.Rating
		cp.Rating = &r
	}
	if o.Cancellation != nil {
		c := *o.Cancellation
		cp.Cancellation = &c
	}
	return &cp
}

func (o *Order) IsExternal() bool {
	return o.ExternalID != nil && *o.ExternalID != ""
}

func (o *Order) AssignedTo(id types.ID) bool {
	return o.DeliveryPersonID != nil && *o.DeliveryPersonID == id
}

type Filter struct {
	Status           Status
	CustomerID       types.ID
	BusinessID       types.ID
	DeliveryPersonID types.ID
	// Unassigned restricts to orders with no delivery person.
	Unassigned bool
}
