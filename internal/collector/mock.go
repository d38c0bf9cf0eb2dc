package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/subastamon/subastamon/internal/event"
	"github.com/subastamon/subastamon/internal/portal"
	"github.com/subastamon/subastamon/internal/queue"
)

// Scenario is a reproducible portal recording: a captured auction plus
// a tick-indexed timeline of responses.
type Scenario struct {
	Name        string          `json:"scenario_name"`
	Description string          `json:"description"`
	Auction     ScenarioAuction `json:"auction"`
	Items       []ScenarioItem  `json:"items"`
	TickSeconds float64         `json:"tick_seconds"`
	MaxTicks    int             `json:"max_ticks"`
	Timeline    []TimelineEntry `json:"timeline"`
}

// ScenarioAuction identifies the simulated auction.
type ScenarioAuction struct {
	IDCot      string `json:"id_cot"`
	URL        string `json:"url"`
	MarginText string `json:"margin"`
}

// ScenarioItem is one line of the simulated auction.
type ScenarioItem struct {
	LocalID        string   `json:"local_id"`
	Text           string   `json:"text"`
	Quantity       *float64 `json:"quantity,omitempty"`
	ReferenceTotal *float64 `json:"reference_total,omitempty"`
	ReferenceUnit  *float64 `json:"reference_unit,omitempty"`
	Budget         *float64 `json:"budget,omitempty"`
}

// TimelineEntry replays one tick. A 200 status carries per-item "d"
// strings; other statuses become HTTP_ERROR; event "end" finishes the
// auction.
type TimelineEntry struct {
	Tick         int             `json:"tick"`
	Status       int             `json:"status"`
	Items        []TimelineItem  `json:"items,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Event        string          `json:"event,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// TimelineItem is one item response within a tick.
type TimelineItem struct {
	LocalID string `json:"local_id"`
	D       string `json:"d"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}

	var sc Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}

	if sc.Name == "" {
		return nil, fmt.Errorf("scenario %s: scenario_name is required", path)
	}
	if sc.Auction.IDCot == "" {
		return nil, fmt.Errorf("scenario %s: auction.id_cot is required", path)
	}
	if len(sc.Items) == 0 {
		return nil, fmt.Errorf("scenario %s: at least one item is required", path)
	}
	for i, e := range sc.Timeline {
		if e.Tick < 0 {
			return nil, fmt.Errorf("scenario %s: timeline[%d] has negative tick", path, i)
		}
		if e.Event == "" && e.Status == 0 {
			return nil, fmt.Errorf("scenario %s: timeline[%d] needs a status or an event", path, i)
		}
	}
	if sc.TickSeconds <= 0 {
		sc.TickSeconds = 1.0
	}
	if sc.MaxTicks <= 0 {
		last := 0
		for _, e := range sc.Timeline {
			if e.Tick > last {
				last = e.Tick
			}
		}
		sc.MaxTicks = last + 1
	}

	sort.SliceStable(sc.Timeline, func(i, j int) bool {
		return sc.Timeline[i].Tick < sc.Timeline[j].Tick
	})
	return &sc, nil
}

// Mock replays a scenario through the same event stream the real
// collectors produce.
type Mock struct {
	scenario *Scenario
	out      *queue.Queue[event.Event]
	logger   *slog.Logger

	cadenceNs atomic.Int64
	intensive atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMock builds a collector that replays sc.
func NewMock(sc *Scenario, out *queue.Queue[event.Event], logger *slog.Logger) *Mock {
	m := &Mock{scenario: sc, out: out, logger: logger}
	m.cadenceNs.Store(int64(float64(time.Second) * sc.TickSeconds))
	m.intensive.Store(true)
	return m
}

// Start emits the snapshot and replays the timeline. Idempotent.
func (m *Mock) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.run(ctx)
	return nil
}

// Stop halts the replay. Idempotent.
func (m *Mock) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the replay loop is active.
func (m *Mock) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SetCadence overrides the scenario's tick duration.
func (m *Mock) SetCadence(cadence time.Duration) {
	if cadence <= 0 {
		return
	}
	m.cadenceNs.Store(int64(cadence))
}

// SetIntensive is accepted for interface parity.
func (m *Mock) SetIntensive(on bool) {
	m.intensive.Store(on)
}

func (m *Mock) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		close(m.done)
		m.mu.Unlock()
		m.out.Put(event.Info(event.KindStop, "mock collector stopped").For(m.scenario.Auction.IDCot, ""))
	}()

	sc := m.scenario
	idCot := sc.Auction.IDCot

	m.out.Put(event.Info(event.KindStart,
		fmt.Sprintf("mock collector started: scenario %q", sc.Name)).For(idCot, ""))

	snapshot := event.Snapshot{
		MarginText: sc.Auction.MarginText,
		URL:        sc.Auction.URL,
	}
	for _, it := range sc.Items {
		snapshot.Items = append(snapshot.Items, event.SnapshotItem{
			LocalID:        it.LocalID,
			Text:           it.Text,
			Quantity:       it.Quantity,
			ReferenceTotal: it.ReferenceTotal,
			ReferenceUnit:  it.ReferenceUnit,
			Budget:         it.Budget,
		})
	}
	sev := event.Info(event.KindSnapshot,
		fmt.Sprintf("auction %s captured: %d items", idCot, len(snapshot.Items))).For(idCot, "")
	sev.Snapshot = &snapshot
	m.out.Put(sev)

	lastSig := map[string]string{}
	next := 0

	for tick := 0; tick < sc.MaxTicks; tick++ {
		if ctx.Err() != nil {
			return
		}

		for next < len(sc.Timeline) && sc.Timeline[next].Tick == tick {
			if m.replay(sc.Timeline[next], lastSig) {
				return
			}
			next++
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(m.cadenceNs.Load())):
		}
	}
}

// replay publishes one timeline entry and reports whether the replay
// must stop.
func (m *Mock) replay(entry TimelineEntry, lastSig map[string]string) bool {
	idCot := m.scenario.Auction.IDCot

	if entry.Event == "end" {
		ee := event.Info(event.KindEnd, "auction finished (scenario end)").For(idCot, "")
		ee.End = &event.End{Reason: entry.Message}
		m.out.Put(ee)
		return true
	}

	if entry.Status != http.StatusOK {
		status, kind := portal.ClassifyError(entry.Status, nil)
		for _, it := range m.scenario.Items {
			he := event.Warn(event.KindHTTPError,
				fmt.Sprintf("scenario error: status %d, item %s", status, it.LocalID)).
				For(idCot, it.LocalID)
			he.HTTPError = &event.HTTPError{Status: status, Kind: kind, Detail: entry.ErrorMessage}
			m.out.Put(he)
		}
		return false
	}

	for _, ti := range entry.Items {
		r := portal.ParseD(ti.D)
		desc := ""
		for _, it := range m.scenario.Items {
			if it.LocalID == ti.LocalID {
				desc = it.Text
				break
			}
		}
		upd := buildUpdate(SessionItem{LocalID: ti.LocalID, Description: desc}, r, http.StatusOK)

		sig := changeSignature(upd.BestOfferText, upd.OfferToBeatText, upd.PortalMessage)
		upd.Changed = lastSig[ti.LocalID] != sig
		lastSig[ti.LocalID] = sig

		ue := event.Info(event.KindUpdate, fmt.Sprintf("item %s update", ti.LocalID)).
			For(idCot, ti.LocalID)
		ue.Update = &upd
		m.out.Put(ue)
	}
	return false
}
