// README: Location service; courier position updates, live broadcast to order rooms, and nearby-courier lookup.
package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"courier/internal/apperr"
	"courier/internal/maps"
	"courier/internal/modules/courier"
	"courier/internal/modules/notify"
	"courier/internal/types"
	"courier/internal/worker"
)

var (
	ErrAccessDenied = apperr.New(apperr.KindAccessDenied, "location queries are for admins")
	ErrNotEligible  = apperr.New(apperr.KindNotEligible, "only delivery persons report a location")
)

// Profiles is the courier side; courier.Service satisfies it.
type Profiles interface {
	UpdateLocation(ctx context.Context, id types.ID, p types.Point) (*courier.User, error)
	Get(ctx context.Context, id types.ID) (*courier.User, error)
	List(ctx context.Context, f courier.Filter, page types.Page) ([]*courier.User, int, error)
}

// ActiveOrders lists the orders a courier is carrying; order.Service satisfies it.
type ActiveOrders interface {
	ActiveFor(ctx context.Context, courierID types.ID) ([]types.ID, error)
}

type GeoIndex interface {
	Add(ctx context.Context, id types.ID, p types.Point) error
	Remove(ctx context.Context, id types.ID) error
	Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]Hit, error)
}

type Mirror interface {
	Mirror(ctx context.Context, id types.ID, p types.Point, available bool, at time.Time) error
}

type Publisher interface {
	Publish(ctx context.Context, ch notify.Channel, event string, payload any)
}

type Dispatcher interface {
	Submit(name string, job worker.Job) bool
}

type Deps struct {
	Profiles  Profiles
	Orders    ActiveOrders
	Geo       GeoIndex      // nil falls back to scanning profiles
	Snapshots SnapshotStore // nil disables snapshots
	Mirror    Mirror        // nil disables the Realtime Database mirror
	Fanout    Publisher
	Effects   Dispatcher
	Log       *zap.Logger
	// SnapshotEvery throttles snapshots per courier; zero stores every update.
	SnapshotEvery time.Duration
	RadiusKm      float64
}

type Service struct {
	profiles      Profiles
	orders        ActiveOrders
	geo           GeoIndex
	snapshots     SnapshotStore
	mirror        Mirror
	fanout        Publisher
	effects       Dispatcher
	log           *zap.Logger
	snapshotEvery time.Duration
	radiusKm      float64
	now           func() time.Time

	mu       sync.Mutex
	lastSnap map[types.ID]time.Time
}

func NewService(d Deps) *Service {
	radius := d.RadiusKm
	if radius <= 0 {
		radius = 5
	}
	return &Service{
		profiles:      d.Profiles,
		orders:        d.Orders,
		geo:           d.Geo,
		snapshots:     d.Snapshots,
		mirror:        d.Mirror,
		fanout:        d.Fanout,
		effects:       d.Effects,
		log:           d.Log,
		snapshotEvery: d.SnapshotEvery,
		radiusKm:      radius,
		now:           func() time.Time { return time.Now().UTC() },
		lastSnap:      make(map[types.ID]time.Time),
	}
}

// UpdateCourierLocation persists the caller's position and streams it to every order room
// the courier is currently carrying.
func (s *Service) UpdateCourierLocation(ctx context.Context, actor types.Actor, p types.Point) (*courier.User, error) {
	if actor.Role != types.RoleDeliveryPerson {
		return nil, ErrNotEligible
	}
	u, err := s.profiles.UpdateLocation(ctx, actor.ID, p)
	if err != nil {
		return nil, err
	}
	at := s.now()
	if u.Profile.LocationAt != nil {
		at = *u.Profile.LocationAt
	}

	if s.geo != nil {
		if err := s.geo.Add(ctx, actor.ID, p); err != nil {
			s.log.Warn("geo index update failed", zap.String("courier_id", string(actor.ID)), zap.Error(err))
		}
	}
	if s.snapshotDue(actor.ID, at) {
		if err := s.snapshots.AppendSnapshot(ctx, Snapshot{UserID: actor.ID, Position: p, RecordedAt: at}); err != nil {
			s.log.Warn("location snapshot failed", zap.String("courier_id", string(actor.ID)), zap.Error(err))
		}
	}

	available := u.Profile.Available
	s.submit("location:"+string(actor.ID), func(ctx context.Context) error {
		if s.mirror != nil {
			if err := s.mirror.Mirror(ctx, actor.ID, p, available, at); err != nil {
				s.log.Warn("location mirror failed", zap.Error(err))
			}
		}
		ids, err := s.orders.ActiveFor(ctx, actor.ID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			s.fanout.Publish(ctx, notify.OrderChannel(id), notify.EventLocationUpdate, Update{
				CourierID: actor.ID,
				OrderID:   id,
				Position:  p,
				At:        at,
			})
		}
		return nil
	})
	return u, nil
}

func (s *Service) snapshotDue(id types.ID, at time.Time) bool {
	if s.snapshots == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSnap[id]; ok && at.Sub(last) < s.snapshotEvery {
		return false
	}
	s.lastSnap[id] = at
	return true
}

// LastKnown returns the most recent stored snapshot for a courier.
func (s *Service) LastKnown(ctx context.Context, actor types.Actor, id types.ID) (*Snapshot, error) {
	if actor.Role != types.RoleAdmin {
		return nil, ErrAccessDenied
	}
	if s.snapshots == nil {
		return nil, apperr.New(apperr.KindNotFound, "location history disabled")
	}
	snap, err := s.snapshots.Latest(ctx, id)
	if errors.Is(err, errNoSnapshot) {
		return nil, apperr.New(apperr.KindNotFound, "no location recorded").WithDetail("courier %s", id)
	}
	return snap, err
}

type NearbyQuery struct {
	Actor         types.Actor
	Origin        types.Point
	RadiusKm      float64
	Limit         int
	AvailableOnly bool
}

// Nearby lists couriers around a point, closest first.
func (s *Service) Nearby(ctx context.Context, q NearbyQuery) ([]NearbyCourier, error) {
	if q.Actor.Role != types.RoleAdmin {
		return nil, ErrAccessDenied
	}
	if q.RadiusKm <= 0 {
		q.RadiusKm = s.radiusKm
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}

	if s.geo != nil {
		out, err := s.nearbyFromIndex(ctx, q)
		if err == nil {
			return out, nil
		}
		s.log.Warn("geo index query failed, scanning profiles", zap.Error(err))
	}
	return s.nearbyFromProfiles(ctx, q)
}

func (s *Service) nearbyFromIndex(ctx context.Context, q NearbyQuery) ([]NearbyCourier, error) {
	// Ask for extra hits so filtering out busy couriers still fills the page.
	hits, err := s.geo.Nearby(ctx, q.Origin, q.RadiusKm, q.Limit*3)
	if err != nil {
		return nil, err
	}
	out := make([]NearbyCourier, 0, len(hits))
	for _, h := range hits {
		u, err := s.profiles.Get(ctx, h.ID)
		if err != nil && !errors.Is(err, courier.ErrNotFound) {
			continue
		}
		if err != nil || !u.Eligible() {
			// Deactivated or no longer a courier: drop the stale entry.
			if err := s.geo.Remove(ctx, h.ID); err != nil {
				s.log.Debug("geo index prune failed", zap.String("courier_id", string(h.ID)), zap.Error(err))
			}
			continue
		}
		if q.AvailableOnly && !u.Profile.Available {
			continue
		}
		out = append(out, nearbyOf(u, h.Position, h.DistanceKm))
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Service) nearbyFromProfiles(ctx context.Context, q NearbyQuery) ([]NearbyCourier, error) {
	var out []NearbyCourier
	filter := courier.Filter{Role: types.RoleDeliveryPerson, AvailableOnly: q.AvailableOnly}
	for n := 1; ; n++ {
		page := types.NewPage(n, 100)
		users, total, err := s.profiles.List(ctx, filter, page)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if !u.Eligible() || u.Profile.Location == nil {
				continue
			}
			d := maps.HaversineKm(q.Origin, *u.Profile.Location)
			if d <= q.RadiusKm {
				out = append(out, nearbyOf(u, *u.Profile.Location, d))
			}
		}
		if page.Offset()+len(users) >= total || len(users) == 0 {
			break
		}
	}
	sortByDistance(out, func(c NearbyCourier) float64 { return c.DistanceKm })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func nearbyOf(u *courier.User, p types.Point, km float64) NearbyCourier {
	return NearbyCourier{
		ID:         u.ID,
		Name:       u.Name,
		Position:   p,
		DistanceKm: km,
		Available:  u.Profile.Available,
		Rating:     u.Profile.Rating,
	}
}

func (s *Service) submit(name string, job worker.Job) {
	if s.effects == nil {
		return
	}
	if !s.effects.Submit(name, job) {
		s.log.Warn("side effect not queued", zap.String("job", name))
	}
}
