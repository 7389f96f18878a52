package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/models"
)

// GetOAuthAccount retrieves a user's Gmail OAuth record.
func (s *Store) GetOAuthAccount(ctx context.Context, userID uuid.UUID) (*models.OAuthAccount, error) {
	query := `SELECT user_id, email, access_token, refresh_token, expiry,
		history_id, watch_expiry, updated_at
		FROM oauth_accounts WHERE user_id = $1`

	a := &models.OAuthAccount{}
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&a.UserID, &a.Email, &a.AccessToken, &a.RefreshToken, &a.Expiry,
		&a.HistoryID, &a.WatchExpiry, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetOAuthAccountByEmail resolves a push notification's emailAddress to
// an account.
func (s *Store) GetOAuthAccountByEmail(ctx context.Context, email string) (*models.OAuthAccount, error) {
	query := `SELECT user_id, email, access_token, refresh_token, expiry,
		history_id, watch_expiry, updated_at
		FROM oauth_accounts WHERE LOWER(email) = LOWER($1)`

	a := &models.OAuthAccount{}
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&a.UserID, &a.Email, &a.AccessToken, &a.RefreshToken, &a.Expiry,
		&a.HistoryID, &a.WatchExpiry, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// UpdateOAuthToken persists a refreshed access token.
func (s *Store) UpdateOAuthToken(ctx context.Context, userID uuid.UUID, accessToken string, expiry time.Time) error {
	query := `UPDATE oauth_accounts SET access_token = $2, expiry = $3, updated_at = NOW()
		WHERE user_id = $1`
	_, err := s.db.ExecContext(ctx, query, userID, accessToken, expiry)
	return err
}

// UpdateHistoryID advances the push-notification watermark. It never
// moves backwards so out-of-order pushes are harmless.
func (s *Store) UpdateHistoryID(ctx context.Context, userID uuid.UUID, historyID uint64) error {
	query := `UPDATE oauth_accounts SET history_id = $2, updated_at = NOW()
		WHERE user_id = $1 AND history_id < $2`
	_, err := s.db.ExecContext(ctx, query, userID, historyID)
	return err
}

// UpdateWatch records a renewed users.watch registration.
func (s *Store) UpdateWatch(ctx context.Context, userID uuid.UUID, historyID uint64, watchExpiry time.Time) error {
	query := `UPDATE oauth_accounts SET history_id = GREATEST(history_id, $2),
		watch_expiry = $3, updated_at = NOW()
		WHERE user_id = $1`
	_, err := s.db.ExecContext(ctx, query, userID, historyID, watchExpiry)
	return err
}

// ListWatchRenewals returns accounts with active sequences whose Gmail
// watch is missing or expires within the next day.
func (s *Store) ListWatchRenewals(ctx context.Context) ([]*models.OAuthAccount, error) {
	query := `SELECT DISTINCT oa.user_id, oa.email, oa.access_token, oa.refresh_token,
		oa.expiry, oa.history_id, oa.watch_expiry, oa.updated_at
		FROM oauth_accounts oa
		JOIN sequences s ON s.user_id = oa.user_id
		WHERE s.status = 'active'
		  AND (oa.watch_expiry IS NULL OR oa.watch_expiry <= NOW() + INTERVAL '24 hours')`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.OAuthAccount
	for rows.Next() {
		a := &models.OAuthAccount{}
		err := rows.Scan(&a.UserID, &a.Email, &a.AccessToken, &a.RefreshToken,
			&a.Expiry, &a.HistoryID, &a.WatchExpiry, &a.UpdatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
