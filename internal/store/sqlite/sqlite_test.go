package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/subastamon/subastamon/internal/clock"
	"github.com/subastamon/subastamon/internal/config"
	"github.com/subastamon/subastamon/internal/store"
	"github.com/subastamon/subastamon/internal/store/sqlite"
)

func openTest(t *testing.T) store.Store {
	t.Helper()
	cfg := config.DatabaseConfig{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Driver: "sqlite",
	}
	clk := clock.NewMock(time.Date(2026, 2, 4, 21, 18, 0, 0, time.UTC))
	s, err := sqlite.Open(context.Background(), cfg, clk)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }
func sptr(v string) *string   { return &v }

func TestUpsertAuction(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.UpsertAuction(ctx, "22053", "https://portal/subasta/22053", "0,0050")
	if err != nil {
		t.Fatalf("UpsertAuction() error = %v", err)
	}

	again, err := s.UpsertAuction(ctx, "22053", "https://portal/subasta/22053", "0,0100")
	if err != nil {
		t.Fatalf("UpsertAuction() second call error = %v", err)
	}
	if again != id {
		t.Errorf("second upsert id = %d, want %d", again, id)
	}

	a, err := s.GetAuctionByExtID(ctx, "22053")
	if err != nil {
		t.Fatalf("GetAuctionByExtID() error = %v", err)
	}
	if a.MarginText != "0,0100" {
		t.Errorf("margin_text = %q, want refreshed value", a.MarginText)
	}
	if a.State != store.StateRunning {
		t.Errorf("state = %q, want RUNNING", a.State)
	}
}

func TestAuctionLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.UpsertAuction(ctx, "900", "https://portal/900", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetAuctionState(ctx, id, store.StateEnded); err != nil {
		t.Fatalf("SetAuctionState() error = %v", err)
	}
	ts := "2026-02-04T21:18:00Z"
	if err := s.SetAuctionHealth(ctx, id, 3, &ts, 500); err != nil {
		t.Fatalf("SetAuctionHealth() error = %v", err)
	}
	if err := s.SetAuctionProvider(ctx, id, "P1"); err != nil {
		t.Fatalf("SetAuctionProvider() error = %v", err)
	}

	a, err := s.GetAuctionByExtID(ctx, "900")
	if err != nil {
		t.Fatal(err)
	}
	if a.State != store.StateEnded {
		t.Errorf("state = %q, want ENDED", a.State)
	}
	if a.ErrorStreak != 3 || a.LastStatus != 500 {
		t.Errorf("health = streak %d status %d", a.ErrorStreak, a.LastStatus)
	}
	if a.LastOKAt == nil || *a.LastOKAt != ts {
		t.Errorf("last_ok_at = %v, want %q", a.LastOKAt, ts)
	}
	if a.ProviderID != "P1" {
		t.Errorf("mi_id_proveedor = %q, want P1", a.ProviderID)
	}

	if err := s.SetAuctionState(ctx, 9999, store.StateError); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetAuctionState(missing) error = %v, want ErrNotFound", err)
	}
}

func TestItemsAndState(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	aid, err := s.UpsertAuction(ctx, "22053", "", "")
	if err != nil {
		t.Fatal(err)
	}

	// Insert out of numeric order to verify the listing sort.
	for _, local := range []string{"10", "2", "1"} {
		if _, err := s.UpsertItem(ctx, aid, local, "RENGLON "+local); err != nil {
			t.Fatalf("UpsertItem(%s) error = %v", local, err)
		}
	}

	items, err := s.ListItems(ctx, aid)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("ListItems() returned %d items", len(items))
	}
	for i, want := range []string{"1", "2", "10"} {
		if items[i].LocalID != want {
			t.Errorf("items[%d].LocalID = %q, want %q", i, items[i].LocalID, want)
		}
	}

	st := store.ItemState{
		ItemID:           items[0].ID,
		BestOfferText:    "$ 20.115.680,0000",
		BestOfferValue:   fptr(20115680),
		OfferToBeatText:  "$ 20.015.101,6000",
		OfferToBeatValue: fptr(20015101.6),
		PortalMessage:    "",
		BestProviderID:   "P1",
	}
	if err := s.UpsertItemState(ctx, st); err != nil {
		t.Fatalf("UpsertItemState() error = %v", err)
	}

	got, err := s.GetItemState(ctx, items[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.BestOfferValue == nil || *got.BestOfferValue != 20115680 {
		t.Errorf("best_offer_value = %v", got.BestOfferValue)
	}
	if got.BestProviderID != "P1" {
		t.Errorf("best_provider_id = %q", got.BestProviderID)
	}
	if got.UpdatedAt == "" {
		t.Error("updated_at not set")
	}
}

func TestItemCommercial_PartialPreserve(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	aid, _ := s.UpsertAuction(ctx, "1", "", "")
	iid, _ := s.UpsertItem(ctx, aid, "1", "RENGLON 1")

	first := store.ItemCommercial{
		ItemID:      iid,
		UnitCostARS: fptr(1000),
		Quantity:    fptr(10),
		MinMargin:   fptr(0.30),
		Brand:       sptr("ACME"),
	}
	if err := s.UpsertItemCommercial(ctx, first); err != nil {
		t.Fatalf("UpsertItemCommercial() error = %v", err)
	}

	got, err := s.GetItemCommercial(ctx, iid)
	if err != nil {
		t.Fatal(err)
	}
	// unit x quantity kept consistent.
	if got.TotalCostARS == nil || *got.TotalCostARS != 10000 {
		t.Errorf("total_cost_ars = %v, want 10000", got.TotalCostARS)
	}

	// Second write supplies only the total; everything else preserved,
	// unit cost rewritten from the total.
	second := store.ItemCommercial{
		ItemID:       iid,
		TotalCostARS: fptr(26000),
		Quantity:     fptr(10),
	}
	if err := s.UpsertItemCommercial(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err = s.GetItemCommercial(ctx, iid)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnitCostARS == nil || *got.UnitCostARS != 2600 {
		t.Errorf("unit_cost_ars = %v, want 2600", got.UnitCostARS)
	}
	if got.MinMargin == nil || *got.MinMargin != 0.30 {
		t.Errorf("min_margin = %v, want preserved 0.30", got.MinMargin)
	}
	if got.Brand == nil || *got.Brand != "ACME" {
		t.Errorf("brand = %v, want preserved ACME", got.Brand)
	}
}

func TestItemCommercial_MarginRange(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	aid, _ := s.UpsertAuction(ctx, "1", "", "")
	iid, _ := s.UpsertItem(ctx, aid, "1", "RENGLON 1")

	err := s.UpsertItemCommercial(ctx, store.ItemCommercial{
		ItemID:    iid,
		MinMargin: fptr(30), // legacy percentage, must be rejected
	})
	if !errors.Is(err, store.ErrMarginRange) {
		t.Errorf("UpsertItemCommercial(margin=30) error = %v, want ErrMarginRange", err)
	}
}

func TestItemConfig(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	aid, _ := s.UpsertAuction(ctx, "1", "", "")
	iid, _ := s.UpsertItem(ctx, aid, "1", "RENGLON 1")

	if err := s.UpsertItemConfig(ctx, store.ItemConfig{
		ItemID: iid,
		Follow: bptr(true),
	}); err != nil {
		t.Fatal(err)
	}
	// Second write touches a different flag; follow stays set.
	if err := s.UpsertItemConfig(ctx, store.ItemConfig{
		ItemID: iid,
		MyBid:  bptr(true),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetItemConfig(ctx, iid)
	if err != nil {
		t.Fatal(err)
	}
	if got.Follow == nil || !*got.Follow {
		t.Error("follow not preserved")
	}
	if got.MyBid == nil || !*got.MyBid {
		t.Error("my_bid not set")
	}
}

func TestAppendEventAndCleanup(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	aid, _ := s.UpsertAuction(ctx, "1", "", "")
	iid, _ := s.UpsertItem(ctx, aid, "1", "RENGLON 1")
	_ = s.UpsertItemState(ctx, store.ItemState{ItemID: iid})

	if err := s.AppendEvent(ctx, store.LogEntry{
		Level:     "INFO",
		Kind:      "UPDATE",
		Message:   "mejor oferta $ 100",
		AuctionID: &aid,
		ItemID:    &iid,
	}); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}

	if err := s.Cleanup(ctx, store.CleanupLogs); err != nil {
		t.Fatalf("Cleanup(logs) error = %v", err)
	}
	// Auction survives a logs-only purge.
	if _, err := s.GetAuctionByExtID(ctx, "1"); err != nil {
		t.Errorf("auction gone after logs cleanup: %v", err)
	}

	if err := s.Cleanup(ctx, store.CleanupStates); err != nil {
		t.Fatalf("Cleanup(states) error = %v", err)
	}
	if _, err := s.GetAuctionByExtID(ctx, "1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("auction survived states cleanup: %v", err)
	}

	if err := s.Cleanup(ctx, "bogus"); err == nil {
		t.Error("Cleanup(bogus) did not fail")
	}
}

func TestPreferences(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if _, err := s.GetPreference(ctx, "sound"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetPreference(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.SetPreference(ctx, "sound", "on"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPreference(ctx, "sound", "off"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPreference(ctx, "sound")
	if err != nil {
		t.Fatal(err)
	}
	if got != "off" {
		t.Errorf("GetPreference() = %q, want off", got)
	}

	// Preferences survive a states purge, not an all purge.
	if err := s.Cleanup(ctx, store.CleanupStates); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPreference(ctx, "sound"); err != nil {
		t.Errorf("preference gone after states cleanup: %v", err)
	}
	if err := s.Cleanup(ctx, store.CleanupAll); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPreference(ctx, "sound"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("preference survived all cleanup: %v", err)
	}
}

func TestFetchExportRows(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	aid, _ := s.UpsertAuction(ctx, "22053", "", "0,0050")
	iid, _ := s.UpsertItem(ctx, aid, "1", "RENGLON 1")
	_ = s.UpsertItemCommercial(ctx, store.ItemCommercial{
		ItemID:      iid,
		UnitCostARS: fptr(1000),
		Quantity:    fptr(10),
		MinMargin:   fptr(0.30),
	})
	_ = s.UpsertItemState(ctx, store.ItemState{
		ItemID:        iid,
		BestOfferText: "$ 13.000,00",
	})
	// An item with no commercial or state rows still exports.
	if _, err := s.UpsertItem(ctx, aid, "2", "RENGLON 2"); err != nil {
		t.Fatal(err)
	}

	rows, err := s.FetchExportRows(ctx, aid)
	if err != nil {
		t.Fatalf("FetchExportRows() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].AuctionExtID != "22053" || rows[0].LocalID != "1" {
		t.Errorf("rows[0] = %s/%s", rows[0].AuctionExtID, rows[0].LocalID)
	}
	if rows[0].BestOfferText != "$ 13.000,00" {
		t.Errorf("rows[0].BestOfferText = %q", rows[0].BestOfferText)
	}
	if rows[0].UnitCostARS == nil || *rows[0].UnitCostARS != 1000 {
		t.Errorf("rows[0].UnitCostARS = %v", rows[0].UnitCostARS)
	}
	if rows[1].UnitCostARS != nil {
		t.Errorf("rows[1].UnitCostARS = %v, want nil", rows[1].UnitCostARS)
	}
}

func TestOpenMigratesOldFile(t *testing.T) {
	// Opening the same file twice must be idempotent: the second open
	// re-runs the schema script and the additive migration over an
	// already-migrated file.
	dir := t.TempDir()
	cfg := config.DatabaseConfig{Path: filepath.Join(dir, "test.db"), Driver: "sqlite"}
	clk := clock.Real{}

	s, err := sqlite.Open(context.Background(), cfg, clk)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertAuction(context.Background(), "1", "", ""); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := sqlite.Open(context.Background(), cfg, clk)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetAuctionByExtID(context.Background(), "1"); err != nil {
		t.Errorf("data lost across reopen: %v", err)
	}
}
