// Package store provides SQLite-backed persistence: tracking session
// snapshots on the device, and the shared user location table on the hub.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound indicates the requested row does not exist
var ErrNotFound = errors.New("store: not found")

// DB wraps an open SQLite database
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; SQLite serializes writes anyway and a pool of one
	// avoids SQLITE_BUSY under concurrent proximity scans.
	db.SetMaxOpenConns(1)

	s := &DB{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_snapshots (
		owner_id   TEXT PRIMARY KEY,
		snapshot   TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_locations (
		user_id      TEXT PRIMARY KEY,
		latitude     REAL NOT NULL,
		longitude    REAL NOT NULL,
		is_sharing   BOOLEAN NOT NULL DEFAULT FALSE,
		push_token   TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		updated_at   TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_user_locations_sharing
		ON user_locations (is_sharing);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *DB) Close() error {
	return s.db.Close()
}

// --- Session snapshot persistence capability ---

// PutSnapshot stores or replaces the snapshot for an owner
func (s *DB) PutSnapshot(ctx context.Context, ownerID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (owner_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`, ownerID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to put snapshot for %s: %w", ownerID, err)
	}
	return nil
}

// GetSnapshot returns the stored snapshot for an owner, or ErrNotFound
func (s *DB) GetSnapshot(ctx context.Context, ownerID string) ([]byte, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM session_snapshots WHERE owner_id = ?", ownerID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot for %s: %w", ownerID, err)
	}
	return []byte(snapshot), nil
}

// DeleteSnapshot removes the snapshot for an owner. Deleting a missing
// snapshot is not an error.
func (s *DB) DeleteSnapshot(ctx context.Context, ownerID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM session_snapshots WHERE owner_id = ?", ownerID); err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", ownerID, err)
	}
	return nil
}

// --- Hub user location store ---

// UserLocation is the hub-side view of a user's latest reported position
type UserLocation struct {
	UserID      string    `json:"user_id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	IsSharing   bool      `json:"is_sharing"`
	PushToken   string    `json:"push_token"`
	DisplayName string    `json:"display_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpsertLocation stores a user's latest position and sharing flag,
// preserving the registered push token and display name
func (s *DB) UpsertLocation(ctx context.Context, userID string, lat, lng float64, isSharing bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_locations (user_id, latitude, longitude, is_sharing, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			is_sharing = excluded.is_sharing,
			updated_at = excluded.updated_at
	`, userID, lat, lng, isSharing, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert location for %s: %w", userID, err)
	}
	return nil
}

// RegisterUser stores or updates a user's push token and display name
func (s *DB) RegisterUser(ctx context.Context, userID, pushToken, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_locations (user_id, latitude, longitude, is_sharing, push_token, display_name, updated_at)
		VALUES (?, 0, 0, FALSE, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			push_token = excluded.push_token,
			display_name = excluded.display_name
	`, userID, pushToken, displayName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to register user %s: %w", userID, err)
	}
	return nil
}

// GetUser returns a user's row, or ErrNotFound
func (s *DB) GetUser(ctx context.Context, userID string) (UserLocation, error) {
	var u UserLocation
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, latitude, longitude, is_sharing, push_token, display_name, updated_at
		FROM user_locations WHERE user_id = ?
	`, userID).Scan(&u.UserID, &u.Latitude, &u.Longitude, &u.IsSharing,
		&u.PushToken, &u.DisplayName, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UserLocation{}, ErrNotFound
	}
	if err != nil {
		return UserLocation{}, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return u, nil
}

// SharingUsers returns every user currently sharing, except excludeUserID.
// This is the O(N) candidate scan the proximity engine iterates; at the
// friend-graph scale the engine targets, no spatial index is needed.
func (s *DB) SharingUsers(ctx context.Context, excludeUserID string) ([]UserLocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, latitude, longitude, is_sharing, push_token, display_name, updated_at
		FROM user_locations
		WHERE is_sharing = TRUE AND user_id != ?
	`, excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sharing users: %w", err)
	}
	defer rows.Close()

	var users []UserLocation
	for rows.Next() {
		var u UserLocation
		if err := rows.Scan(&u.UserID, &u.Latitude, &u.Longitude, &u.IsSharing,
			&u.PushToken, &u.DisplayName, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteLocation removes a user's location row entirely
func (s *DB) DeleteLocation(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM user_locations WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to delete location for %s: %w", userID, err)
	}
	return nil
}
