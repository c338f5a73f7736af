// README: User store contract and its PostgreSQL implementation.
package courier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/types"
)

type Store interface {
	Get(ctx context.Context, id types.ID) (*User, error)
	// Create inserts u; an existing row with the same id is left untouched.
	Create(ctx context.Context, u *User) error
	// Save writes u only if the stored version still equals expectVersion, then bumps it.
	Save(ctx context.Context, u *User, expectVersion int) error
	List(ctx context.Context, f Filter, page types.Page) ([]*User, int, error)
}

type PGStore struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewPGStore(db *pgxpool.Pool, timeout time.Duration) *PGStore {
	return &PGStore{db: db, timeout: timeout}
}

const userColumns = `id, role, name, email, active,
	dp_provisioned, dp_available, dp_lat, dp_lng, dp_location_at, dp_vehicle_type,
	dp_rating, dp_rating_count, dp_total_deliveries,
	version, created_at, updated_at`

func (s *PGStore) Get(ctx context.Context, id types.ID) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, string(id))
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *PGStore) Create(ctx context.Context, u *User) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	args := append([]any{string(u.ID), string(u.Role), u.Name, u.Email, u.Active}, profileArgs(u.Profile)...)
	args = append(args, u.Version, u.CreatedAt, u.UpdatedAt)
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING`, args...)
	return err
}

func (s *PGStore) Save(ctx context.Context, u *User, expectVersion int) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	args := append([]any{string(u.Role), u.Name, u.Email, u.Active}, profileArgs(u.Profile)...)
	args = append(args, string(u.ID), expectVersion)
	tag, err := s.db.Exec(ctx, `
		UPDATE users
		SET role = $1, name = $2, email = $3, active = $4,
			dp_provisioned = $5, dp_available = $6, dp_lat = $7, dp_lng = $8, dp_location_at = $9,
			dp_vehicle_type = $10, dp_rating = $11, dp_rating_count = $12, dp_total_deliveries = $13,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $14 AND version = $15`, args...)
	if err != nil {
		return err
	}
	return expectOne(tag)
}

func (s *PGStore) List(ctx context.Context, f Filter, page types.Page) ([]*User, int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	where := []string{"TRUE"}
	args := []any{}
	if f.Role != "" {
		args = append(args, string(f.Role))
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if f.AvailableOnly {
		where = append(where, "active AND dp_provisioned AND dp_available")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM users WHERE %s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		userColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

func expectOne(tag pgconn.CommandTag) error {
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

func profileArgs(p *DeliveryProfile) []any {
	if p == nil {
		return []any{false, false, nil, nil, nil, nil, 0.0, 0, 0}
	}
	var lat, lng *float64
	if p.Location != nil {
		lat, lng = &p.Location.Lat, &p.Location.Lng
	}
	return []any{true, p.Available, lat, lng, p.LocationAt, p.VehicleType, p.Rating, p.RatingCount, p.TotalDeliveries}
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u           User
		id, role    string
		provisioned bool
		p           DeliveryProfile
		lat, lng    *float64
	)
	err := row.Scan(
		&id, &role, &u.Name, &u.Email, &u.Active,
		&provisioned, &p.Available, &lat, &lng, &p.LocationAt, &p.VehicleType,
		&p.Rating, &p.RatingCount, &p.TotalDeliveries,
		&u.Version, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.ID = types.ID(id)
	u.Role = types.Role(role)
	if provisioned {
		if lat != nil && lng != nil {
			p.Location = &types.Point{Lat: *lat, Lng: *lng}
		}
		u.Profile = &p
	}
	return &u, nil
}
