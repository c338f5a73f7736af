// README: Response shapes for orders and users.
package handlers

import (
	"time"

	"courier/internal/modules/courier"
	"courier/internal/modules/order"
	"courier/internal/types"
)

type orderView struct {
	ID                  types.ID              `json:"id"`
	Number              string                `json:"order_number"`
	CustomerID          types.ID              `json:"customer_id"`
	BusinessID          types.ID              `json:"business_id"`
	ExternalID          *string               `json:"external_order_id,omitempty"`
	ExternalNumber      *string               `json:"external_order_number,omitempty"`
	Items               []order.Item          `json:"items"`
	Address             order.Address         `json:"delivery_address"`
	Status              order.Status          `json:"status"`
	DeliveryPersonID    *types.ID             `json:"delivery_person_id"`
	Pricing             *order.Pricing        `json:"pricing,omitempty"`
	Payment             *order.Payment        `json:"payment,omitempty"`
	Tracking            []order.TrackingEntry `json:"tracking"`
	Rating              *order.Rating         `json:"rating,omitempty"`
	Cancellation        *order.Cancellation   `json:"cancellation,omitempty"`
	Scheduled           bool                  `json:"is_scheduled"`
	ScheduledFor        *time.Time            `json:"scheduled_for,omitempty"`
	EstimatedDeliveryAt *time.Time            `json:"estimated_delivery_time,omitempty"`
	ActualDeliveryAt    *time.Time            `json:"actual_delivery_time,omitempty"`
	Version             int                   `json:"version"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

func newOrderView(o *order.Order) orderView {
	return orderView{
		ID:                  o.ID,
		Number:              o.Number,
		CustomerID:          o.CustomerID,
		BusinessID:          o.BusinessID,
		ExternalID:          o.ExternalID,
		ExternalNumber:      o.ExternalNumber,
		Items:               o.Items,
		Address:             o.Address,
		Status:              o.Status,
		DeliveryPersonID:    o.DeliveryPersonID,
		Pricing:             o.Pricing,
		Payment:             o.Payment,
		Tracking:            o.Tracking,
		Rating:              o.Rating,
		Cancellation:        o.Cancellation,
		Scheduled:           o.Scheduled,
		ScheduledFor:        o.ScheduledFor,
		EstimatedDeliveryAt: o.EstimatedDeliveryAt,
		ActualDeliveryAt:    o.ActualDeliveryAt,
		Version:             o.Version,
		CreatedAt:           o.CreatedAt,
		UpdatedAt:           o.UpdatedAt,
	}
}

func orderViews(list []*order.Order) []orderView {
	out := make([]orderView, 0, len(list))
	for _, o := range list {
		out = append(out, newOrderView(o))
	}
	return out
}

type profileView struct {
	Available       bool         `json:"is_available"`
	Location        *types.Point `json:"current_location,omitempty"`
	LocationAt      *time.Time   `json:"location_updated_at,omitempty"`
	VehicleType     *string      `json:"vehicle_type,omitempty"`
	Rating          float64      `json:"rating"`
	RatingCount     int          `json:"rating_count"`
	TotalDeliveries int          `json:"total_deliveries"`
}

type userView struct {
	ID        types.ID     `json:"id"`
	Role      types.Role   `json:"role"`
	Name      string       `json:"name,omitempty"`
	Email     string       `json:"email,omitempty"`
	Active    bool         `json:"is_active"`
	Profile   *profileView `json:"delivery_profile"`
	CreatedAt time.Time    `json:"created_at"`
}

func newUserView(u *courier.User) userView {
	v := userView{ID: u.ID, Role: u.Role, Name: u.Name, Email: u.Email, Active: u.Active, CreatedAt: u.CreatedAt}
	if p := u.Profile; p != nil {
		v.Profile = &profileView{
			Available:       p.Available,
			Location:        p.Location,
			LocationAt:      p.LocationAt,
			VehicleType:     p.VehicleType,
			Rating:          p.Rating,
			RatingCount:     p.RatingCount,
			TotalDeliveries: p.TotalDeliveries,
		}
	}
	return v
}
