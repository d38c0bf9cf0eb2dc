package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/subastamon/subastamon/internal/store"
)

// UpsertAuction creates the auction on first capture, or refreshes its
// URL and margin text on re-capture. State is left untouched on
// conflict; the engine drives lifecycle transitions explicitly.
func (s *DB) UpsertAuction(ctx context.Context, extID, url, marginText string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO auction (ext_id, url, state, margin_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ext_id) DO UPDATE SET
			url = excluded.url,
			margin_text = excluded.margin_text,
			updated_at = excluded.updated_at
		RETURNING id`,
		extID, url, store.StateRunning, marginText, now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting auction %s: %w", extID, err)
	}
	return id, nil
}

// GetAuctionByExtID returns the auction with the given external id.
func (s *DB) GetAuctionByExtID(ctx context.Context, extID string) (*store.Auction, error) {
	var a store.Auction
	err := s.db.GetContext(ctx, &a, `SELECT * FROM auction WHERE ext_id = ?`, extID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction %s: %w", extID, err)
	}
	return &a, nil
}

// SetAuctionState moves the auction to the given lifecycle state.
func (s *DB) SetAuctionState(ctx context.Context, id int64, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE auction SET state = ?, updated_at = ? WHERE id = ?`,
		state, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("setting auction %d state: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetAuctionHealth records the rolling error streak, last successful
// fetch and last transport status.
func (s *DB) SetAuctionHealth(ctx context.Context, id int64, errorStreak int, lastOKAt *string, lastStatus int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE auction SET
			error_streak = ?,
			last_ok_at = COALESCE(?, last_ok_at),
			last_status = ?,
			updated_at = ?
		WHERE id = ?`,
		errorStreak, lastOKAt, lastStatus, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("setting auction %d health: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetAuctionProvider records the operator's provider-id attribution.
func (s *DB) SetAuctionProvider(ctx context.Context, id int64, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE auction SET mi_id_proveedor = ?, updated_at = ? WHERE id = ?`,
		providerID, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("setting auction %d provider: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
