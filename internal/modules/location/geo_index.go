// README: Courier positions indexed in Redis GEO for radius queries.
package location

import (
	"context"

	"github.com/redis/go-redis/v9"

	"courier/internal/types"
)

type RedisGeo struct {
	redis *redis.Client
	key   string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	if key == "" {
		key = "courier:locations"
	}
	return &RedisGeo{redis: client, key: key}
}

func (g *RedisGeo) Add(ctx context.Context, id types.ID, p types.Point) error {
	return g.redis.GeoAdd(ctx, g.key, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (g *RedisGeo) Remove(ctx context.Context, id types.ID) error {
	return g.redis.ZRem(ctx, g.key, string(id)).Err()
}

// Nearby returns indexed couriers within radiusKm of p, closest first. limit <= 0 means no cap.
func (g *RedisGeo) Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]Hit, error) {
	results, err := g.redis.GeoRadius(ctx, g.key, p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			ID:         types.ID(r.Name),
			Position:   types.Point{Lat: r.Latitude, Lng: r.Longitude},
			DistanceKm: r.Dist,
		}
	}
	return hits, nil
}
