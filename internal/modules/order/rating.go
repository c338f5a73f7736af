// README: Rolling courier rating; recomputed from delivered, rated orders after each rating or delivery.
package order

import (
	"context"
	"math"

	"go.uber.org/zap"

	"courier/internal/modules/courier"
	"courier/internal/modules/notify"
	"courier/internal/types"
)

type ScoreSource interface {
	DeliveryScores(ctx context.Context, courierID types.ID) ([]int, error)
}

// RatingWriter stores the result; courier.Service satisfies it.
type RatingWriter interface {
	RefreshRating(ctx context.Context, id types.ID, compute func(ctx context.Context) (float64, int, error)) (*courier.User, error)
}

type Aggregator struct {
	scores ScoreSource
	writer RatingWriter
	fanout Publisher
	log    *zap.Logger
}

func NewAggregator(scores ScoreSource, writer RatingWriter, fanout Publisher, log *zap.Logger) *Aggregator {
	return &Aggregator{scores: scores, writer: writer, fanout: fanout, log: log}
}

type RatingUpdate struct {
	CourierID types.ID `json:"courier_id"`
	Rating    float64  `json:"rating"`
	Count     int      `json:"count"`
}

// MeanRating is the mean rounded to one decimal. ok is false for an empty set.
func MeanRating(scores []int) (mean float64, ok bool) {
	if len(scores) == 0 {
		return 0, false
	}
	sum := 0
	for _, v := range scores {
		sum += v
	}
	return math.Round(float64(sum)/float64(len(scores))*10) / 10, true
}

// Recompute reads every delivery sub-score for the courier and stores the mean.
// It returns nil without writing when the courier has no rated deliveries.
//
// The full scan is linear in the courier's history; a running sum and count on the profile
// would make it constant if that ever matters.
func (a *Aggregator) Recompute(ctx context.Context, courierID types.ID) (*RatingUpdate, error) {
	scores, err := a.scores.DeliveryScores(ctx, courierID)
	if err != nil {
		return nil, err
	}
	if _, ok := MeanRating(scores); !ok {
		return nil, nil
	}

	var res RatingUpdate
	_, err = a.writer.RefreshRating(ctx, courierID, func(ctx context.Context) (float64, int, error) {
		latest, err := a.scores.DeliveryScores(ctx, courierID)
		if err != nil {
			return 0, 0, err
		}
		mean, _ := MeanRating(latest)
		res = RatingUpdate{CourierID: courierID, Rating: mean, Count: len(latest)}
		return mean, len(latest), nil
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("courier rating updated",
		zap.String("courier_id", string(courierID)),
		zap.Float64("rating", res.Rating),
		zap.Int("count", res.Count))
	if a.fanout != nil {
		a.fanout.Publish(ctx, notify.UserChannel(courierID), notify.EventRatingUpdated, res)
	}
	return &res, nil
}
