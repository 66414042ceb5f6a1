package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var ErrNotFound = errors.New("ride snapshot not found")

// RideStore keeps the latest ride snapshot per ride so a session started
// after a restart has an initial snapshot to work from.
type RideStore struct {
	db DB
}

func NewRideStore(db DB) *RideStore {
	return &RideStore{db: db}
}

func (s *RideStore) SaveRide(ctx context.Context, rideID, status string, snapshot []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_snapshots(ride_id, status, snapshot, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (ride_id) DO UPDATE SET status=EXCLUDED.status, snapshot=EXCLUDED.snapshot, updated_at=NOW()
	`, rideID, status, snapshot)
	if err != nil {
		return fmt.Errorf("save ride %s: %w", rideID, err)
	}
	return nil
}

func (s *RideStore) LoadRide(ctx context.Context, rideID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRow(ctx, `SELECT snapshot FROM ride_snapshots WHERE ride_id=$1`, rideID).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ride %s: %w", rideID, err)
	}
	return snapshot, nil
}
