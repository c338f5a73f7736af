// README: Location snapshot store backed by Postgres, with an in-memory variant for tests.
package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/types"
)

var errNoSnapshot = errors.New("no location snapshot")

type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap Snapshot) error
	Latest(ctx context.Context, userID types.ID) (*Snapshot, error)
}

type PGSnapshots struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewPGSnapshots(db *pgxpool.Pool, timeout time.Duration) *PGSnapshots {
	return &PGSnapshots{db: db, timeout: timeout}
}

func (s *PGSnapshots) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_snapshots (user_id, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4)`,
		string(snap.UserID), snap.Position.Lat, snap.Position.Lng, snap.RecordedAt)
	return err
}

func (s *PGSnapshots) Latest(ctx context.Context, userID types.ID) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var snap Snapshot
	var uid string
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, lat, lng, recorded_at
		FROM location_snapshots
		WHERE user_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`, string(userID)).
		Scan(&snap.ID, &uid, &snap.Position.Lat, &snap.Position.Lng, &snap.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	snap.UserID = types.ID(uid)
	return &snap, nil
}

type MemorySnapshots struct {
	mu    sync.Mutex
	seq   int64
	snaps []Snapshot
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{}
}

func (s *MemorySnapshots) AppendSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	snap.ID = s.seq
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *MemorySnapshots) Latest(_ context.Context, userID types.ID) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.snaps) - 1; i >= 0; i-- {
		if s.snaps[i].UserID == userID {
			snap := s.snaps[i]
			return &snap, nil
		}
	}
	return nil, errNoSnapshot
}

func (s *MemorySnapshots) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}
