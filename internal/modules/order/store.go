// README: Order store contract and its PostgreSQL implementation (conditional commits, append-only tracking).
package order

import (
	"context"
	"encoding/json"
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
	Get(ctx context.Context, id types.ID) (*Order, error)
	FindByExternalID(ctx context.Context, externalID string) (*Order, error)
	List(ctx context.Context, f Filter, page types.Page) ([]*Order, int, error)
	Create(ctx context.Context, o *Order) error
	// Commit persists c atomically or not at all.
	Commit(ctx context.Context, c Commit) error
	// DeliveryScores returns the delivery sub-scores of the courier's delivered, rated orders.
	DeliveryScores(ctx context.Context, courierID types.ID) ([]int, error)
	ActiveForCourier(ctx context.Context, courierID types.ID) ([]types.ID, error)
	HasActiveForCourier(ctx context.Context, courierID types.ID) (bool, error)
}

// Commit is one transition. Order replaces the stored row only while the stored version still
// equals ExpectVersion; tracking entries beyond those already stored are appended.
type Commit struct {
	Order         *Order
	ExpectVersion int
	Courier       *CourierChange
}

// CourierChange is the delivery-profile half of a transition.
type CourierChange struct {
	ID types.ID
	// RequireAvailable fails the whole commit with ErrNotAvailable unless the courier is free.
	RequireAvailable bool
	Available        bool
	AddDeliveries    int
}

type PGStore struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewPGStore(db *pgxpool.Pool, timeout time.Duration) *PGStore {
	return &PGStore{db: db, timeout: timeout}
}

const orderColumns = `id, number, customer_id, business_id, external_id, external_number,
	items, address, status, delivery_person_id, pricing, payment, rating, cancellation,
	scheduled, scheduled_for, estimated_delivery_at, actual_delivery_at,
	version, created_at, updated_at`

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.getBy(ctx, "id", string(id))
}

func (s *PGStore) FindByExternalID(ctx context.Context, externalID string) (*Order, error) {
	return s.getBy(ctx, "external_id", externalID)
}

func (s *PGStore) getBy(ctx context.Context, column, value string) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+column+` = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Tracking, err = s.tracking(ctx, s.db, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PGStore) tracking(ctx context.Context, q querier, id types.ID) ([]TrackingEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT status, ts, lat, lng, note, actor_id
		FROM order_tracking
		WHERE order_id = $1
		ORDER BY seq`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrackingEntry
	for rows.Next() {
		var (
			e        TrackingEntry
			status   string
			lat, lng *float64
			actor    *string
		)
		if err := rows.Scan(&status, &e.Timestamp, &lat, &lng, &e.Note, &actor); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		if lat != nil && lng != nil {
			e.Location = &types.Point{Lat: *lat, Lng: *lng}
		}
		if actor != nil {
			id := types.ID(*actor)
			e.ActorID = &id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) List(ctx context.Context, f Filter, page types.Page) ([]*Order, int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	where := []string{"TRUE"}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.CustomerID != "" {
		add("customer_id = $%d", string(f.CustomerID))
	}
	if f.BusinessID != "" {
		add("business_id = $%d", string(f.BusinessID))
	}
	if f.DeliveryPersonID != "" {
		add("delivery_person_id = $%d", string(f.DeliveryPersonID))
	}
	if f.Unassigned {
		where = append(where, "delivery_person_id IS NULL")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		orderColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, o := range out {
		if o.Tracking, err = s.tracking(ctx, s.db, o.ID); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func (s *PGStore) Create(ctx context.Context, o *Order) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	args, err := orderArgs(o)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		args...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	if err := appendTracking(ctx, tx, o.ID, 0, o.Tracking); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Commit(ctx context.Context, c Commit) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o := c.Order
	args, err := orderArgs(o)
	if err != nil {
		return err
	}
	// Row lock on the order first, then the courier, so concurrent commits never invert lock order.
	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET number = $2, customer_id = $3, business_id = $4, external_id = $5, external_number = $6,
			items = $7, address = $8, status = $9, delivery_person_id = $10, pricing = $11, payment = $12,
			rating = $13, cancellation = $14, scheduled = $15, scheduled_for = $16,
			estimated_delivery_at = $17, actual_delivery_at = COALESCE(actual_delivery_at, $18),
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $19`,
		append(args[:18:18], c.ExpectVersion)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}

	if ch := c.Courier; ch != nil {
		q := `
			UPDATE users
			SET dp_available = $2,
				dp_total_deliveries = dp_total_deliveries + $3,
				version = version + 1,
				updated_at = NOW()
			WHERE id = $1 AND dp_provisioned`
		if ch.RequireAvailable {
			q += ` AND dp_available AND active`
		}
		tag, err := tx.Exec(ctx, q, string(ch.ID), ch.Available, ch.AddDeliveries)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			if ch.RequireAvailable {
				return ErrNotAvailable
			}
			return ErrConflict
		}
	}

	var stored int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM order_tracking WHERE order_id = $1`, string(o.ID)).Scan(&stored); err != nil {
		return err
	}
	if len(o.Tracking) < stored {
		return fmt.Errorf("tracking for %s would shrink from %d to %d entries", o.ID, stored, len(o.Tracking))
	}
	if err := appendTracking(ctx, tx, o.ID, stored, o.Tracking[stored:]); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func appendTracking(ctx context.Context, tx pgx.Tx, id types.ID, seq int, entries []TrackingEntry) error {
	for i, e := range entries {
		var lat, lng *float64
		if e.Location != nil {
			lat, lng = &e.Location.Lat, &e.Location.Lng
		}
		var actor *string
		if e.ActorID != nil {
			a := string(*e.ActorID)
			actor = &a
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO order_tracking (order_id, seq, status, ts, lat, lng, note, actor_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			string(id), seq+i, string(e.Status), e.Timestamp, lat, lng, e.Note, actor)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) DeliveryScores(ctx context.Context, courierID types.ID) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.Query(ctx, `
		SELECT (rating->>'delivery')::int
		FROM orders
		WHERE delivery_person_id = $1
		  AND status = 'delivered'
		  AND rating IS NOT NULL
		  AND rating->>'delivery' IS NOT NULL
		ORDER BY actual_delivery_at`, string(courierID))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int])
}

func (s *PGStore) ActiveForCourier(ctx context.Context, courierID types.ID) ([]types.ID, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.Query(ctx, `
		SELECT id FROM orders
		WHERE delivery_person_id = $1 AND status IN ('assigned','picked_up','on_the_way')`, string(courierID))
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, len(ids))
	for i, id := range ids {
		out[i] = types.ID(id)
	}
	return out, nil
}

func (s *PGStore) HasActiveForCourier(ctx context.Context, courierID types.ID) (bool, error) {
	ids, err := s.ActiveForCourier(ctx, courierID)
	return len(ids) > 0, err
}

func orderArgs(o *Order) ([]any, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return nil, err
	}
	address, err := json.Marshal(o.Address)
	if err != nil {
		return nil, err
	}
	pricing, err := marshalOptional(o.Pricing)
	if err != nil {
		return nil, err
	}
	payment, err := marshalOptional(o.Payment)
	if err != nil {
		return nil, err
	}
	rating, err := marshalOptional(o.Rating)
	if err != nil {
		return nil, err
	}
	cancellation, err := marshalOptional(o.Cancellation)
	if err != nil {
		return nil, err
	}
	var dp *string
	if o.DeliveryPersonID != nil {
		v := string(*o.DeliveryPersonID)
		dp = &v
	}
	return []any{
		string(o.ID), o.Number, string(o.CustomerID), string(o.BusinessID), o.ExternalID, o.ExternalNumber,
		items, address, string(o.Status), dp, pricing, payment, rating, cancellation,
		o.Scheduled, o.ScheduledFor, o.EstimatedDeliveryAt, o.ActualDeliveryAt,
		o.Version, o.CreatedAt, o.UpdatedAt,
	}, nil
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalOptional[T any](raw []byte) (*T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                                    Order
		id, customer, business, status       string
		dp                                   *string
		items, address                       []byte
		pricing, payment, rating, cancelInfo []byte
	)
	err := row.Scan(
		&id, &o.Number, &customer, &business, &o.ExternalID, &o.ExternalNumber,
		&items, &address, &status, &dp, &pricing, &payment, &rating, &cancelInfo,
		&o.Scheduled, &o.ScheduledFor, &o.EstimatedDeliveryAt, &o.ActualDeliveryAt,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.ID, o.CustomerID, o.BusinessID, o.Status = types.ID(id), types.ID(customer), types.ID(business), Status(status)
	if dp != nil {
		d := types.ID(*dp)
		o.DeliveryPersonID = &d
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if err := json.Unmarshal(address, &o.Address); err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if o.Pricing, err = unmarshalOptional[Pricing](pricing); err != nil {
		return nil, err
	}
	if o.Payment, err = unmarshalOptional[Payment](payment); err != nil {
		return nil, err
	}
	if o.Rating, err = unmarshalOptional[Rating](rating); err != nil {
		return nil, err
	}
	if o.Cancellation, err = unmarshalOptional[Cancellation](cancelInfo); err != nil {
		return nil, err
	}
	return &o, nil
}
