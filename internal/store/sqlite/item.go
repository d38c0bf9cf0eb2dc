package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/subastamon/subastamon/internal/store"
)

// UpsertItem creates the line or rewrites its description on
// re-capture.
func (s *DB) UpsertItem(ctx context.Context, auctionID int64, localID, description string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO item (auction_id, local_id, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (auction_id, local_id) DO UPDATE SET
			description = excluded.description,
			updated_at = excluded.updated_at
		RETURNING id`,
		auctionID, localID, description, now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting item %d/%s: %w", auctionID, localID, err)
	}
	return id, nil
}

// ListItems returns the auction's lines ordered by their local id,
// numerically where the ids are numeric.
func (s *DB) ListItems(ctx context.Context, auctionID int64) ([]store.Item, error) {
	var items []store.Item
	err := s.db.SelectContext(ctx, &items, `
		SELECT * FROM item WHERE auction_id = ?
		ORDER BY CAST(local_id AS INTEGER), local_id`,
		auctionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing items of auction %d: %w", auctionID, err)
	}
	return items, nil
}

// UpsertItemState overwrites the item's observed portal state.
func (s *DB) UpsertItemState(ctx context.Context, st store.ItemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.UpdatedAt = s.now()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO item_state (
			item_id, best_offer_text, best_offer_value,
			offer_to_beat_text, offer_to_beat_value,
			budget_text, budget_value, portal_message,
			last_offer_time, best_provider_id, updated_at
		) VALUES (
			:item_id, :best_offer_text, :best_offer_value,
			:offer_to_beat_text, :offer_to_beat_value,
			:budget_text, :budget_value, :portal_message,
			:last_offer_time, :best_provider_id, :updated_at
		)
		ON CONFLICT (item_id) DO UPDATE SET
			best_offer_text = excluded.best_offer_text,
			best_offer_value = excluded.best_offer_value,
			offer_to_beat_text = excluded.offer_to_beat_text,
			offer_to_beat_value = excluded.offer_to_beat_value,
			budget_text = excluded.budget_text,
			budget_value = excluded.budget_value,
			portal_message = excluded.portal_message,
			last_offer_time = excluded.last_offer_time,
			best_provider_id = excluded.best_provider_id,
			updated_at = excluded.updated_at`,
		st,
	)
	if err != nil {
		return fmt.Errorf("upserting state of item %d: %w", st.ItemID, err)
	}
	return nil
}

// GetItemState returns the last observed state of the item.
func (s *DB) GetItemState(ctx context.Context, itemID int64) (*store.ItemState, error) {
	var st store.ItemState
	err := s.db.GetContext(ctx, &st, `SELECT * FROM item_state WHERE item_id = ?`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting state of item %d: %w", itemID, err)
	}
	return &st, nil
}

// GetItemCommercial returns the item's commercial row. A stored
// minimum margin above 1 is a legacy percentage file and is rejected.
func (s *DB) GetItemCommercial(ctx context.Context, itemID int64) (*store.ItemCommercial, error) {
	var c store.ItemCommercial
	err := s.db.GetContext(ctx, &c, `SELECT * FROM item_commercial WHERE item_id = ?`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting commercial of item %d: %w", itemID, err)
	}
	if c.MinMargin != nil && (*c.MinMargin < 0 || *c.MinMargin > 1) {
		return nil, fmt.Errorf("item %d min_margin %v: %w", itemID, *c.MinMargin, store.ErrMarginRange)
	}
	return &c, nil
}

// UpsertItemCommercial merges the given row into the stored one. Nil
// fields preserve the stored value; unit and total costs are kept
// consistent with the quantity, total taking priority when both come in.
func (s *DB) UpsertItemCommercial(ctx context.Context, c store.ItemCommercial) error {
	if c.MinMargin != nil && (*c.MinMargin < 0 || *c.MinMargin > 1) {
		return fmt.Errorf("item %d min_margin %v: %w", c.ItemID, *c.MinMargin, store.ErrMarginRange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reconcileCosts(&c)

	c.UpdatedAt = s.now()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO item_commercial (
			item_id, unit_of_measure, brand, notes,
			conv_usd, unit_cost_usd, total_cost_usd,
			unit_cost_ars, total_cost_ars, min_margin,
			quantity, items_per_line, reference_total, reference_unit,
			acceptable_unit, acceptable_total, reference_margin,
			improvement_unit, improvement_margin,
			best_offer_snapshot, change_note, updated_at
		) VALUES (
			:item_id, :unit_of_measure, :brand, :notes,
			:conv_usd, :unit_cost_usd, :total_cost_usd,
			:unit_cost_ars, :total_cost_ars, :min_margin,
			:quantity, :items_per_line, :reference_total, :reference_unit,
			:acceptable_unit, :acceptable_total, :reference_margin,
			:improvement_unit, :improvement_margin,
			:best_offer_snapshot, :change_note, :updated_at
		)
		ON CONFLICT (item_id) DO UPDATE SET
			unit_of_measure = COALESCE(excluded.unit_of_measure, unit_of_measure),
			brand = COALESCE(excluded.brand, brand),
			notes = COALESCE(excluded.notes, notes),
			conv_usd = COALESCE(excluded.conv_usd, conv_usd),
			unit_cost_usd = COALESCE(excluded.unit_cost_usd, unit_cost_usd),
			total_cost_usd = COALESCE(excluded.total_cost_usd, total_cost_usd),
			unit_cost_ars = COALESCE(excluded.unit_cost_ars, unit_cost_ars),
			total_cost_ars = COALESCE(excluded.total_cost_ars, total_cost_ars),
			min_margin = COALESCE(excluded.min_margin, min_margin),
			quantity = COALESCE(excluded.quantity, quantity),
			items_per_line = COALESCE(excluded.items_per_line, items_per_line),
			reference_total = COALESCE(excluded.reference_total, reference_total),
			reference_unit = COALESCE(excluded.reference_unit, reference_unit),
			acceptable_unit = COALESCE(excluded.acceptable_unit, acceptable_unit),
			acceptable_total = COALESCE(excluded.acceptable_total, acceptable_total),
			reference_margin = COALESCE(excluded.reference_margin, reference_margin),
			improvement_unit = COALESCE(excluded.improvement_unit, improvement_unit),
			improvement_margin = COALESCE(excluded.improvement_margin, improvement_margin),
			best_offer_snapshot = COALESCE(excluded.best_offer_snapshot, best_offer_snapshot),
			change_note = COALESCE(excluded.change_note, change_note),
			updated_at = excluded.updated_at`,
		c,
	)
	if err != nil {
		return fmt.Errorf("upserting commercial of item %d: %w", c.ItemID, err)
	}
	return nil
}

// reconcileCosts rewrites unit/total cost pairs so that
// unit × quantity = total whenever the quantity is known. A supplied
// total wins over a supplied unit.
func reconcileCosts(c *store.ItemCommercial) {
	if c.Quantity == nil || *c.Quantity <= 0 {
		return
	}
	qty := *c.Quantity
	if c.ItemsPerLine != nil && *c.ItemsPerLine > 1 {
		qty = qty / *c.ItemsPerLine
	}

	if c.TotalCostARS != nil {
		u := *c.TotalCostARS / qty
		c.UnitCostARS = &u
	} else if c.UnitCostARS != nil {
		t := *c.UnitCostARS * qty
		c.TotalCostARS = &t
	}

	if c.TotalCostUSD != nil {
		u := *c.TotalCostUSD / qty
		c.UnitCostUSD = &u
	} else if c.UnitCostUSD != nil {
		t := *c.UnitCostUSD * qty
		c.TotalCostUSD = &t
	}
}

// GetItemConfig returns the operator flags for the item.
func (s *DB) GetItemConfig(ctx context.Context, itemID int64) (*store.ItemConfig, error) {
	var c store.ItemConfig
	err := s.db.GetContext(ctx, &c, `SELECT * FROM item_config WHERE item_id = ?`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting config of item %d: %w", itemID, err)
	}
	return &c, nil
}

// UpsertItemConfig merges the given flags; nil fields preserve the
// stored value.
func (s *DB) UpsertItemConfig(ctx context.Context, c store.ItemConfig) error {
	if c.MinMarginOverride != nil && (*c.MinMarginOverride < 0 || *c.MinMarginOverride > 1) {
		return fmt.Errorf("item %d min_margin_override %v: %w", c.ItemID, *c.MinMarginOverride, store.ErrMarginRange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO item_config (item_id, follow, my_bid, min_margin_override, hide_below_threshold)
		VALUES (:item_id, :follow, :my_bid, :min_margin_override, :hide_below_threshold)
		ON CONFLICT (item_id) DO UPDATE SET
			follow = COALESCE(excluded.follow, follow),
			my_bid = COALESCE(excluded.my_bid, my_bid),
			min_margin_override = COALESCE(excluded.min_margin_override, min_margin_override),
			hide_below_threshold = COALESCE(excluded.hide_below_threshold, hide_below_threshold)`,
		c,
	)
	if err != nil {
		return fmt.Errorf("upserting config of item %d: %w", c.ItemID, err)
	}
	return nil
}
