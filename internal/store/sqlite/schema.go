package sqlite

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS auction (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	ext_id          TEXT NOT NULL UNIQUE,
	url             TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL DEFAULT 'RUNNING',
	margin_text     TEXT NOT NULL DEFAULT '',
	mi_id_proveedor TEXT NOT NULL DEFAULT '',
	error_streak    INTEGER NOT NULL DEFAULT 0,
	last_ok_at      TEXT,
	last_status     INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS item (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	auction_id  INTEGER NOT NULL REFERENCES auction(id) ON DELETE CASCADE,
	local_id    TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	UNIQUE (auction_id, local_id)
);

CREATE TABLE IF NOT EXISTS item_state (
	item_id             INTEGER PRIMARY KEY REFERENCES item(id) ON DELETE CASCADE,
	best_offer_text     TEXT NOT NULL DEFAULT '',
	best_offer_value    REAL,
	offer_to_beat_text  TEXT NOT NULL DEFAULT '',
	offer_to_beat_value REAL,
	budget_text         TEXT NOT NULL DEFAULT '',
	budget_value        REAL,
	portal_message      TEXT NOT NULL DEFAULT '',
	last_offer_time     TEXT NOT NULL DEFAULT '',
	best_provider_id    TEXT NOT NULL DEFAULT '',
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS item_commercial (
	item_id             INTEGER PRIMARY KEY REFERENCES item(id) ON DELETE CASCADE,
	unit_of_measure     TEXT,
	brand               TEXT,
	notes               TEXT,
	conv_usd            REAL,
	unit_cost_usd       REAL,
	total_cost_usd      REAL,
	unit_cost_ars       REAL,
	total_cost_ars      REAL,
	min_margin          REAL,
	quantity            REAL,
	items_per_line      REAL,
	reference_total     REAL,
	reference_unit      REAL,
	acceptable_unit     REAL,
	acceptable_total    REAL,
	reference_margin    REAL,
	improvement_unit    REAL,
	improvement_margin  REAL,
	best_offer_snapshot TEXT,
	change_note         TEXT,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS item_config (
	item_id              INTEGER PRIMARY KEY REFERENCES item(id) ON DELETE CASCADE,
	follow               INTEGER,
	my_bid               INTEGER,
	min_margin_override  REAL,
	hide_below_threshold INTEGER
);

CREATE TABLE IF NOT EXISTS event_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	level      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	auction_id INTEGER REFERENCES auction(id) ON DELETE SET NULL,
	item_id    INTEGER REFERENCES item(id) ON DELETE SET NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ui_preference (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_item_auction ON item(auction_id);
CREATE INDEX IF NOT EXISTS idx_event_log_auction ON event_log(auction_id);
CREATE INDEX IF NOT EXISTS idx_event_log_created ON event_log(created_at);
`

// column is one entry of the versioned additive-migration list. New
// columns are appended here and added by name on open; existing
// columns are never dropped or renamed.
type column struct {
	table string
	name  string
	decl  string
}

var migrations = []column{
	{"auction", "mi_id_proveedor", "TEXT NOT NULL DEFAULT ''"},
	{"auction", "last_status", "INTEGER NOT NULL DEFAULT 0"},
	{"item_state", "last_offer_time", "TEXT NOT NULL DEFAULT ''"},
	{"item_state", "best_provider_id", "TEXT NOT NULL DEFAULT ''"},
	{"item_commercial", "items_per_line", "REAL"},
	{"item_commercial", "improvement_unit", "REAL"},
	{"item_commercial", "improvement_margin", "REAL"},
	{"item_commercial", "best_offer_snapshot", "TEXT"},
	{"item_commercial", "change_note", "TEXT"},
	{"item_config", "hide_below_threshold", "INTEGER"},
}

func (s *DB) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("running schema script: %w", err)
	}
	return s.migrate(ctx)
}

// migrate adds any column from the versioned list that the file does
// not have yet, so older files open cleanly.
func (s *DB) migrate(ctx context.Context) error {
	existing := map[string]map[string]bool{}

	for _, m := range migrations {
		cols, ok := existing[m.table]
		if !ok {
			var err error
			cols, err = s.tableColumns(ctx, m.table)
			if err != nil {
				return err
			}
			existing[m.table] = cols
		}
		if cols[m.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.name, m.decl)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", m.table, m.name, err)
		}
	}
	return nil
}

func (s *DB) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning column of %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
