package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/subastamon/subastamon/internal/store"
)

// AppendEvent adds one row to the append-only event log.
func (s *DB) AppendEvent(ctx context.Context, e store.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (level, kind, message, auction_id, item_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Level, e.Kind, e.Message, e.AuctionID, e.ItemID, s.now(),
	)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// Cleanup removes stored data per the selected mode. The states and
// all cascades delete children before parents with foreign-key
// enforcement suspended.
func (s *DB) Cleanup(ctx context.Context, mode store.CleanupMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch mode {
	case store.CleanupLogs:
		if _, err := s.db.ExecContext(ctx, `DELETE FROM event_log`); err != nil {
			return fmt.Errorf("purging event log: %w", err)
		}
		return nil
	case store.CleanupStates, store.CleanupAll:
		// handled below
	default:
		return fmt.Errorf("unknown cleanup mode %q", mode)
	}

	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		return fmt.Errorf("suspending foreign keys: %w", err)
	}
	defer s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`)

	tables := []string{"item_state", "item_config", "item_commercial", "event_log", "item", "auction"}
	if mode == store.CleanupAll {
		tables = append(tables, "ui_preference")
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("purging %s: %w", table, err)
		}
	}
	return nil
}

// GetPreference returns the stored value for key, or ErrNotFound.
func (s *DB) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM ui_preference WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting preference %s: %w", key, err)
	}
	return value, nil
}

// SetPreference stores key → value, replacing any previous value.
func (s *DB) SetPreference(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ui_preference (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("setting preference %s: %w", key, err)
	}
	return nil
}
