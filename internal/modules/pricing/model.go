// README: Delivery fee rate card and quote types.
package pricing

import (
	"time"

	"courier/internal/types"
)

type RateCard struct {
	Currency  string
	BaseFee   int64   // covers the first MinimumKm
	PerKmFee  int64   // per started km beyond MinimumKm
	MinimumKm float64 // distance included in BaseFee
	// PeakPercent is added on top during PeakWindows.
	PeakPercent int64
	PeakWindows []Window
}

// Window is a daily [From, To) range in minutes after midnight.
type Window struct {
	From, To int
}

type Request struct {
	DistanceKm  float64
	RequestTime time.Time
	Subtotal    types.Money
}

type Quote struct {
	DeliveryFee types.Money
	Total       types.Money
	Breakdown   map[string]int64
}
