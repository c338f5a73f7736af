// README: Pricing service computes the delivery fee for an order.
package pricing

import (
	"math"
	"time"

	"courier/internal/types"
)

type Service struct {
	card RateCard
}

func NewService(card RateCard) *Service {
	if card.Currency == "" {
		card.Currency = "USD"
	}
	return &Service{card: card}
}

// DefaultPeakWindows are the lunch and dinner rushes.
var DefaultPeakWindows = []Window{
	{From: 11*60 + 30, To: 13*60 + 30},
	{From: 18 * 60, To: 20 * 60},
}

func (s *Service) Quote(req Request) Quote {
	c := s.card
	breakdown := map[string]int64{"base": c.BaseFee}
	fee := c.BaseFee

	if excess := req.DistanceKm - c.MinimumKm; excess > 0 {
		units := int64(math.Ceil(excess))
		breakdown["distance"] = units * c.PerKmFee
		fee += breakdown["distance"]
	}
	if c.PeakPercent > 0 && inWindows(req.RequestTime, c.PeakWindows) {
		breakdown["peak"] = fee * c.PeakPercent / 100
		fee += breakdown["peak"]
	}

	currency := c.Currency
	if req.Subtotal.Currency != "" {
		currency = req.Subtotal.Currency
	}
	return Quote{
		DeliveryFee: types.Money{Amount: fee, Currency: currency},
		Total:       types.Money{Amount: req.Subtotal.Amount + fee, Currency: currency},
		Breakdown:   breakdown,
	}
}

func inWindows(t time.Time, windows []Window) bool {
	if t.IsZero() {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	for _, w := range windows {
		if m >= w.From && m < w.To {
			return true
		}
	}
	return false
}
