package collector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/subastamon/subastamon/internal/event"
	"github.com/subastamon/subastamon/internal/queue"
)

const scenarioJSON = `{
  "scenario_name": "outbid-then-end",
  "description": "one item, an outbid, then the portal closes the auction",
  "auction": {"id_cot": "22053", "url": "https://portal.example/SubastaVivoAccesoPublico.aspx", "margin": "0,0050"},
  "items": [
    {"local_id": "101", "text": "Guantes de nitrilo", "quantity": 1000, "reference_total": 12500}
  ],
  "tick_seconds": 0.005,
  "timeline": [
    {"tick": 0, "status": 200, "items": [
      {"local_id": "101", "d": "[{\"monto_a_mostrar\":\"$ 11,00\",\"monto\":11,\"hora\":\"09:00:00\",\"id_proveedor\":\"P1\"}]@@$ 12.500,00@@$ 10,95@@"}
    ]},
    {"tick": 1, "status": 500, "error_message": "backend hiccup"},
    {"tick": 2, "status": 200, "items": [
      {"local_id": "101", "d": "[{\"monto_a_mostrar\":\"$ 10,50\",\"monto\":10.5,\"hora\":\"09:00:05\",\"id_proveedor\":\"P2\"}]@@$ 12.500,00@@$ 10,45@@"}
    ]},
    {"tick": 3, "event": "end", "message": "Subasta Finalizada"}
  ]
}`

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing scenario: %v", err)
	}
	return path
}

func TestLoadScenario(t *testing.T) {
	sc, err := LoadScenario(writeScenario(t, scenarioJSON))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if sc.Name != "outbid-then-end" {
		t.Errorf("Name = %q", sc.Name)
	}
	if sc.Auction.IDCot != "22053" {
		t.Errorf("IDCot = %q", sc.Auction.IDCot)
	}
	if len(sc.Timeline) != 4 {
		t.Errorf("got %d timeline entries, want 4", len(sc.Timeline))
	}
	// max_ticks is omitted, so it derives from the last tick.
	if sc.MaxTicks != 4 {
		t.Errorf("MaxTicks = %d, want 4", sc.MaxTicks)
	}
}

func TestLoadScenarioValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"auction":{"id_cot":"1"},"items":[{"local_id":"1"}]}`},
		{"missing id_cot", `{"scenario_name":"x","auction":{},"items":[{"local_id":"1"}]}`},
		{"no items", `{"scenario_name":"x","auction":{"id_cot":"1"},"items":[]}`},
		{"entry without status or event", `{"scenario_name":"x","auction":{"id_cot":"1"},"items":[{"local_id":"1"}],"timeline":[{"tick":0}]}`},
		{"negative tick", `{"scenario_name":"x","auction":{"id_cot":"1"},"items":[{"local_id":"1"}],"timeline":[{"tick":-1,"status":200}]}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadScenario(writeScenario(t, tt.body)); err == nil {
				t.Errorf("LoadScenario accepted %s", tt.name)
			}
		})
	}
}

func TestMockReplaysTimeline(t *testing.T) {
	sc, err := LoadScenario(writeScenario(t, scenarioJSON))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}

	out := queue.New[event.Event]()
	m := NewMock(sc, out, testLogger())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitEvent(t, out, event.KindStart)

	snap := waitEvent(t, out, event.KindSnapshot)
	if snap.Snapshot == nil || len(snap.Snapshot.Items) != 1 {
		t.Fatalf("snapshot payload = %+v", snap.Snapshot)
	}
	if snap.Snapshot.MarginText != "0,0050" {
		t.Errorf("MarginText = %q", snap.Snapshot.MarginText)
	}
	it := snap.Snapshot.Items[0]
	if it.LocalID != "101" || it.Quantity == nil || *it.Quantity != 1000 {
		t.Errorf("snapshot item = %+v", it)
	}
	if it.ReferenceTotal == nil || *it.ReferenceTotal != 12500 {
		t.Errorf("ReferenceTotal = %v, want 12500", it.ReferenceTotal)
	}

	first := waitEvent(t, out, event.KindUpdate)
	if first.Update.BestProviderID != "P1" || !first.Update.Changed {
		t.Errorf("first update = %+v", first.Update)
	}

	he := waitEvent(t, out, event.KindHTTPError)
	if he.HTTPError == nil || he.HTTPError.Status != 500 || he.HTTPError.Detail != "backend hiccup" {
		t.Errorf("HTTP_ERROR payload = %+v", he.HTTPError)
	}

	second := waitEvent(t, out, event.KindUpdate)
	if second.Update.BestProviderID != "P2" || !second.Update.Changed {
		t.Errorf("second update = %+v", second.Update)
	}

	end := waitEvent(t, out, event.KindEnd)
	if end.End == nil || end.End.Reason != "Subasta Finalizada" {
		t.Errorf("END payload = %+v", end.End)
	}

	waitEvent(t, out, event.KindStop)
	if m.Running() {
		t.Errorf("mock still running after scenario end")
	}
}

func TestMockStopIdempotent(t *testing.T) {
	sc, err := LoadScenario(writeScenario(t, scenarioJSON))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	sc.MaxTicks = 1000 // keep it alive until Stop

	out := queue.New[event.Event]()
	m := NewMock(sc, out, testLogger())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Errorf("second Start: %v", err)
	}
	waitEvent(t, out, event.KindStart)

	m.Stop()
	m.Stop()
	if m.Running() {
		t.Errorf("Running after Stop")
	}
}
