package store

import (
	"context"
	"time"
)

// SessionStore records connected websocket clients.
type SessionStore struct {
	db DB
}

func NewSessionStore(db DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Register(ctx context.Context, sessionID, rideID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO websocket_sessions(session_id, ride_id, connected_at, last_heartbeat)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (session_id) DO UPDATE SET last_heartbeat=NOW()
	`, sessionID, rideID)
	return err
}

func (s *SessionStore) Unregister(ctx context.Context, sessionID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM websocket_sessions WHERE session_id=$1`, sessionID)
	return err
}

func (s *SessionStore) Heartbeat(ctx context.Context, sessionID string) error {
	_, err := s.db.Exec(ctx, `UPDATE websocket_sessions SET last_heartbeat=NOW() WHERE session_id=$1`, sessionID)
	return err
}

func (s *SessionStore) Cleanup(ctx context.Context, staleAfter time.Duration) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM websocket_sessions WHERE last_heartbeat < NOW() - ($1 * INTERVAL '1 second')
	`, int(staleAfter.Seconds()))
	return err
}
