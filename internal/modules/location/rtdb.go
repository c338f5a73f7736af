// README: Mirrors courier positions into Firebase Realtime Database for clients that listen directly.
package location

import (
	"context"
	"fmt"
	"time"

	"firebase.google.com/go/v4/db"

	"courier/internal/types"
)

const rtdbCourierNode = "courier_locations"

// rtdbEntry is the shape stored under /courier_locations/{id}.
type rtdbEntry struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Status    string  `json:"status"`
	Timestamp int64   `json:"timestamp"`
}

type RTDBMirror struct {
	client *db.Client
}

func NewRTDBMirror(client *db.Client) *RTDBMirror {
	return &RTDBMirror{client: client}
}

func (m *RTDBMirror) Mirror(ctx context.Context, id types.ID, p types.Point, available bool, at time.Time) error {
	status := "busy"
	if available {
		status = "online"
	}
	entry := rtdbEntry{Lat: p.Lat, Lng: p.Lng, Status: status, Timestamp: at.UnixMilli()}
	if err := m.client.NewRef(rtdbCourierNode).Child(string(id)).Set(ctx, entry); err != nil {
		return fmt.Errorf("mirror location of %s: %w", id, err)
	}
	return nil
}
