package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const settingAutoSync = "auto_sync"

// EnsureAutoSync stores def as the auto-sync preference unless one has
// already been persisted. Call once at startup.
func (s *Store) EnsureAutoSync(ctx context.Context, def bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		settingAutoSync, strconv.FormatBool(def),
	)
	if err != nil {
		return fmt.Errorf("queue: ensure auto sync: %w", err)
	}
	return nil
}

// AutoSyncEnabled returns the persisted auto-sync preference.
// An unset preference reads as enabled.
func (s *Store) AutoSyncEnabled(ctx context.Context) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingAutoSync).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: read auto sync: %w", err)
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("queue: parse auto sync %q: %w", v, err)
	}
	return enabled, nil
}

// SetAutoSyncEnabled persists the auto-sync preference.
func (s *Store) SetAutoSyncEnabled(ctx context.Context, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, settingAutoSync, strconv.FormatBool(enabled))
	if err != nil {
		return fmt.Errorf("queue: set auto sync: %w", err)
	}
	return nil
}
