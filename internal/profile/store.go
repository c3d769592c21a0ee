// Package profile provides PostgreSQL-backed lookup of the user profile
// fields the messaging subsystem needs: display name and registered device
// token. Profile editing itself lives in another service; this store is
// read-mostly, with one writer for device token registration.
package profile

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tasklink/messaging/internal/notify"
)

// Store reads user profiles from PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a profile store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Lookup resolves a user ID to display name and device token. Returns
// (nil, nil) when the user does not exist so callers can treat a missing
// profile as skip-and-log rather than a failure.
func (s *Store) Lookup(ctx context.Context, userID string) (*notify.Profile, error) {
	const query = `
		SELECT first_name, last_name, COALESCE(device_token, '')
		FROM profiles WHERE user_id = $1`

	var p notify.Profile
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&p.FirstName, &p.LastName, &p.DeviceToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: lookup %s: %w", userID, err)
	}
	return &p, nil
}

// SetDeviceToken registers or replaces the push device token for a user.
// An empty token unregisters the device.
func (s *Store) SetDeviceToken(ctx context.Context, userID, token string) error {
	const query = `
		UPDATE profiles SET device_token = NULLIF($2, '') WHERE user_id = $1`

	res, err := s.db.ExecContext(ctx, query, userID, token)
	if err != nil {
		return fmt.Errorf("profile: set device token %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("profile: set device token: user %s not found", userID)
	}
	return nil
}
