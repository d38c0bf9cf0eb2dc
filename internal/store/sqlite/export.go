package sqlite

import (
	"context"
	"fmt"

	"github.com/subastamon/subastamon/internal/store"
)

// FetchExportRows returns the spreadsheet projection for one auction,
// one row per item, ordered by line number.
func (s *DB) FetchExportRows(ctx context.Context, auctionID int64) ([]store.ExportRow, error) {
	var rows []store.ExportRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT
			a.ext_id,
			i.local_id,
			i.description,
			c.unit_of_measure,
			c.quantity,
			c.items_per_line,
			c.brand,
			c.notes,
			c.conv_usd,
			c.unit_cost_usd,
			c.total_cost_usd,
			c.unit_cost_ars,
			c.total_cost_ars,
			c.min_margin,
			c.acceptable_unit,
			c.acceptable_total,
			c.reference_total,
			c.reference_unit,
			c.reference_margin,
			c.improvement_unit,
			c.improvement_margin,
			COALESCE(st.best_offer_text, '') AS best_offer_text,
			COALESCE(st.offer_to_beat_text, '') AS offer_to_beat_text,
			c.change_note
		FROM item i
		JOIN auction a ON a.id = i.auction_id
		LEFT JOIN item_commercial c ON c.item_id = i.id
		LEFT JOIN item_state st ON st.item_id = i.id
		WHERE i.auction_id = ?
		ORDER BY CAST(i.local_id AS INTEGER), i.local_id`,
		auctionID,
	)
	if err != nil {
		return nil, fmt.Errorf("fetching export rows of auction %d: %w", auctionID, err)
	}
	return rows, nil
}
