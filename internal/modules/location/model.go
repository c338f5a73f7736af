// README: Location snapshots and nearby-courier results.
package location

import (
	"time"

	"courier/internal/types"
)

// Snapshot is one persisted courier position, kept for replay and audit.
type Snapshot struct {
	ID         int64
	UserID     types.ID
	Position   types.Point
	RecordedAt time.Time
}

// Hit is a raw geo-index match.
type Hit struct {
	ID         types.ID
	Position   types.Point
	DistanceKm float64
}

type NearbyCourier struct {
	ID         types.ID    `json:"id"`
	Name       string      `json:"name,omitempty"`
	Position   types.Point `json:"position"`
	DistanceKm float64     `json:"distance_km"`
	Available  bool        `json:"available"`
	Rating     float64     `json:"rating"`
}

// Update is the fan-out payload sent to the rooms of a courier's active orders.
type Update struct {
	CourierID types.ID    `json:"courier_id"`
	OrderID   types.ID    `json:"order_id"`
	Position  types.Point `json:"position"`
	At        time.Time   `json:"at"`
}
