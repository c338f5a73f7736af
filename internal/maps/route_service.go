// README: Delivery ETA estimation; Google Maps directions with a straight-line fallback.
package maps

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"googlemaps.github.io/maps"

	"courier/internal/types"
)

// RouteService handles interactions with Google Maps API. A nil client means straight-line only.
type RouteService struct {
	client      *maps.Client
	avgSpeedKmh float64
	log         *zap.Logger
}

// NewRouteService creates a RouteService. With an empty apiKey only the fallback estimate is used.
func NewRouteService(apiKey string, avgSpeedKmh float64, log *zap.Logger) (*RouteService, error) {
	s := &RouteService{avgSpeedKmh: avgSpeedKmh, log: log}
	if apiKey == "" {
		return s, nil
	}
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	s.client = client
	return s, nil
}

// EstimateTravel returns the driving time from origin to destination.
func (s *RouteService) EstimateTravel(ctx context.Context, origin, destination types.Point) (time.Duration, error) {
	if s.client != nil {
		d, err := s.directions(ctx, origin, destination)
		if err == nil {
			return d, nil
		}
		s.log.Warn("maps directions failed, using straight-line estimate", zap.Error(err))
	}
	return StraightLineDuration(origin, destination, s.avgSpeedKmh), nil
}

func (s *RouteService) directions(ctx context.Context, origin, destination types.Point) (time.Duration, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, fmt.Errorf("no route found")
	}
	return routes[0].Legs[0].Duration, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}

// StraightLineDuration is distance over speed, rounded up to the minute.
func StraightLineDuration(a, b types.Point, speedKmh float64) time.Duration {
	if speedKmh <= 0 {
		speedKmh = 25
	}
	hours := HaversineKm(a, b) / speedKmh
	return time.Duration(math.Ceil(hours*60)) * time.Minute
}

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres between two points.
func HaversineKm(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)
	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
