package store

import (
	"context"
	"time"
)

// DeleteOldEvents prunes email events older than the cutoff. Returns
// the number of rows removed.
func (s *Store) DeleteOldEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM email_events WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOldClicks prunes link clicks older than the cutoff.
func (s *Store) DeleteOldClicks(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM link_clicks WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RegisterWorker upserts a worker registry row at startup.
func (s *Store) RegisterWorker(ctx context.Context, workerID, kind, hostname string) error {
	query := `INSERT INTO workers (id, kind, hostname, started_at, last_heartbeat)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			kind = $2, hostname = $3, started_at = NOW(), last_heartbeat = NOW()`
	_, err := s.db.ExecContext(ctx, query, workerID, kind, hostname)
	return err
}

// HeartbeatWorker stamps a worker's liveness.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID string) error {
	query := `UPDATE workers SET last_heartbeat = NOW() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, workerID)
	return err
}

// CountLiveWorkers reports workers that heartbeat within the window.
func (s *Store) CountLiveWorkers(ctx context.Context, within time.Duration) (int, error) {
	query := `SELECT COUNT(*) FROM workers WHERE last_heartbeat > NOW() - $1::interval`
	var n int
	err := s.db.QueryRowContext(ctx, query, within.String()).Scan(&n)
	return n, err
}
