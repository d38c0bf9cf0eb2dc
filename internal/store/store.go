// Package store defines the persistence API for auctions, items and the
// event log, plus the driver registry used to open a backing database.
package store

import (
	"context"
	"errors"
)

// ErrMarginRange is returned when a persisted or imported minimum margin
// falls outside [0, 1]. Legacy files that stored percentages must be
// fixed by hand; the value is never divided silently.
var ErrMarginRange = errors.New("minimum margin out of range [0, 1]")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Auction lifecycle states.
const (
	StateRunning = "RUNNING"
	StateError   = "ERROR"
	StateEnded   = "ENDED"
)

// Auction is one live bidding session, identified by the portal's
// external id.
type Auction struct {
	ID          int64   `db:"id"`
	ExtID       string  `db:"ext_id"`
	URL         string  `db:"url"`
	State       string  `db:"state"`
	MarginText  string  `db:"margin_text"`
	ProviderID  string  `db:"mi_id_proveedor"`
	ErrorStreak int     `db:"error_streak"`
	LastOKAt    *string `db:"last_ok_at"`
	LastStatus  int     `db:"last_status"`
	CreatedAt   string  `db:"created_at"`
	UpdatedAt   string  `db:"updated_at"`
}

// Item is one line (renglon) of an auction.
type Item struct {
	ID          int64  `db:"id"`
	AuctionID   int64  `db:"auction_id"`
	LocalID     string `db:"local_id"`
	Description string `db:"description"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

// ItemState is the last observed portal state for one item. Written
// only by the engine.
type ItemState struct {
	ItemID           int64    `db:"item_id"`
	BestOfferText    string   `db:"best_offer_text"`
	BestOfferValue   *float64 `db:"best_offer_value"`
	OfferToBeatText  string   `db:"offer_to_beat_text"`
	OfferToBeatValue *float64 `db:"offer_to_beat_value"`
	BudgetText       string   `db:"budget_text"`
	BudgetValue      *float64 `db:"budget_value"`
	PortalMessage    string   `db:"portal_message"`
	LastOfferTime    string   `db:"last_offer_time"`
	BestProviderID   string   `db:"best_provider_id"`
	UpdatedAt        string   `db:"updated_at"`
}

// ItemCommercial holds the operator-supplied and engine-derived
// commercial figures for one item. Every field is optional; nil means
// "not supplied" and an upsert preserves the stored value.
type ItemCommercial struct {
	ItemID int64 `db:"item_id"`

	UnitOfMeasure *string `db:"unit_of_measure"`
	Brand         *string `db:"brand"`
	Notes         *string `db:"notes"`

	ConvUSD      *float64 `db:"conv_usd"`
	UnitCostUSD  *float64 `db:"unit_cost_usd"`
	TotalCostUSD *float64 `db:"total_cost_usd"`
	UnitCostARS  *float64 `db:"unit_cost_ars"`
	TotalCostARS *float64 `db:"total_cost_ars"`
	MinMargin    *float64 `db:"min_margin"`

	Quantity       *float64 `db:"quantity"`
	ItemsPerLine   *float64 `db:"items_per_line"`
	ReferenceTotal *float64 `db:"reference_total"`
	ReferenceUnit  *float64 `db:"reference_unit"`

	AcceptableUnit    *float64 `db:"acceptable_unit"`
	AcceptableTotal   *float64 `db:"acceptable_total"`
	ReferenceMargin   *float64 `db:"reference_margin"`
	ImprovementUnit   *float64 `db:"improvement_unit"`
	ImprovementMargin *float64 `db:"improvement_margin"`

	BestOfferSnapshot *string `db:"best_offer_snapshot"`
	ChangeNote        *string `db:"change_note"`
	UpdatedAt         string  `db:"updated_at"`
}

// ItemConfig holds the operator's per-item flags. Pointer fields in an
// upsert follow the same nil-preserves convention as ItemCommercial.
type ItemConfig struct {
	ItemID             int64    `db:"item_id"`
	Follow             *bool    `db:"follow"`
	MyBid              *bool    `db:"my_bid"`
	MinMarginOverride  *float64 `db:"min_margin_override"`
	HideBelowThreshold *bool    `db:"hide_below_threshold"`
}

// LogEntry is one immutable row of the append-only event log.
type LogEntry struct {
	ID        int64  `db:"id"`
	Level     string `db:"level"`
	Kind      string `db:"kind"`
	Message   string `db:"message"`
	AuctionID *int64 `db:"auction_id"`
	ItemID    *int64 `db:"item_id"`
	CreatedAt string `db:"created_at"`
}

// ExportRow is the human-readable projection consumed by the
// spreadsheet exporter: one row per item of an auction.
type ExportRow struct {
	AuctionExtID string `db:"ext_id"`
	LocalID      string `db:"local_id"`
	Description  string `db:"description"`

	UnitOfMeasure *string  `db:"unit_of_measure"`
	Quantity      *float64 `db:"quantity"`
	ItemsPerLine  *float64 `db:"items_per_line"`
	Brand         *string  `db:"brand"`
	Notes         *string  `db:"notes"`

	ConvUSD      *float64 `db:"conv_usd"`
	UnitCostUSD  *float64 `db:"unit_cost_usd"`
	TotalCostUSD *float64 `db:"total_cost_usd"`
	UnitCostARS  *float64 `db:"unit_cost_ars"`
	TotalCostARS *float64 `db:"total_cost_ars"`
	MinMargin    *float64 `db:"min_margin"`

	AcceptableUnit    *float64 `db:"acceptable_unit"`
	AcceptableTotal   *float64 `db:"acceptable_total"`
	ReferenceTotal    *float64 `db:"reference_total"`
	ReferenceUnit     *float64 `db:"reference_unit"`
	ReferenceMargin   *float64 `db:"reference_margin"`
	ImprovementUnit   *float64 `db:"improvement_unit"`
	ImprovementMargin *float64 `db:"improvement_margin"`

	BestOfferText   string `db:"best_offer_text"`
	OfferToBeatText string `db:"offer_to_beat_text"`
	ChangeNote      *string `db:"change_note"`
}

// CleanupMode selects what Cleanup removes.
type CleanupMode string

const (
	CleanupLogs   CleanupMode = "logs"
	CleanupStates CleanupMode = "states"
	CleanupAll    CleanupMode = "all"
)

// Store is the narrow domain API every driver implements. All
// mutations serialize through the driver's internal lock.
type Store interface {
	UpsertAuction(ctx context.Context, extID, url, marginText string) (int64, error)
	GetAuctionByExtID(ctx context.Context, extID string) (*Auction, error)
	SetAuctionState(ctx context.Context, id int64, state string) error
	SetAuctionHealth(ctx context.Context, id int64, errorStreak int, lastOKAt *string, lastStatus int) error
	SetAuctionProvider(ctx context.Context, id int64, providerID string) error

	UpsertItem(ctx context.Context, auctionID int64, localID, description string) (int64, error)
	ListItems(ctx context.Context, auctionID int64) ([]Item, error)
	UpsertItemState(ctx context.Context, s ItemState) error
	GetItemState(ctx context.Context, itemID int64) (*ItemState, error)

	GetItemCommercial(ctx context.Context, itemID int64) (*ItemCommercial, error)
	UpsertItemCommercial(ctx context.Context, c ItemCommercial) error
	GetItemConfig(ctx context.Context, itemID int64) (*ItemConfig, error)
	UpsertItemConfig(ctx context.Context, c ItemConfig) error

	AppendEvent(ctx context.Context, e LogEntry) error
	FetchExportRows(ctx context.Context, auctionID int64) ([]ExportRow, error)
	Cleanup(ctx context.Context, mode CleanupMode) error

	GetPreference(ctx context.Context, key string) (string, error)
	SetPreference(ctx context.Context, key, value string) error

	Ping(ctx context.Context) error
	Close() error
}
