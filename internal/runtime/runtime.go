// Package runtime assembles the monitor: it owns the queues, drives
// the engine, routes control actions back to the active collector and
// exposes the operator-facing actions.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/subastamon/subastamon/internal/clock"
	"github.com/subastamon/subastamon/internal/collector"
	"github.com/subastamon/subastamon/internal/config"
	"github.com/subastamon/subastamon/internal/engine"
	"github.com/subastamon/subastamon/internal/event"
	"github.com/subastamon/subastamon/internal/excel"
	"github.com/subastamon/subastamon/internal/health"
	"github.com/subastamon/subastamon/internal/notify"
	"github.com/subastamon/subastamon/internal/queue"
	"github.com/subastamon/subastamon/internal/security"
	"github.com/subastamon/subastamon/internal/store"
)

// providerPrefKey stores the operator's provider id across restarts.
const providerPrefKey = "mi_id_proveedor"

// Options are the runtime's dependencies.
type Options struct {
	Config   *config.Config
	Store    store.Store
	Clock    clock.Clock
	Logger   *slog.Logger
	Tracer   trace.TracerProvider
	Meter    metric.MeterProvider
	Notifier *notify.Notifier
}

// Runtime wires collectors, engine and store together.
type Runtime struct {
	cfg      *config.Config
	st       store.Store
	clk      clock.Clock
	logger   *slog.Logger
	tracer   trace.TracerProvider
	notifier *notify.Notifier

	eng    *engine.Engine
	events *queue.Queue[event.Event]
	out    *queue.Queue[event.Event]
	ctrl   *queue.Queue[event.Control]

	mu      sync.Mutex
	coll    collector.Collector
	browser *collector.Browser
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the runtime and its engine. The collector is created on
// Start, or injected with SetCollector before it.
func New(o Options) (*Runtime, error) {
	events := queue.New[event.Event]()
	out := queue.New[event.Event]()
	ctrl := queue.New[event.Control]()

	eng, err := engine.New(engine.Options{
		Engine:  o.Config.Engine,
		Poll:    o.Config.Poll,
		Policy:  security.FromConfig(o.Config.Security),
		Store:   o.Store,
		Clock:   o.Clock,
		Out:     out,
		Control: ctrl,
		Logger:  o.Logger,
		Meter:   o.Meter,
	})
	if err != nil {
		return nil, fmt.Errorf("building engine: %w", err)
	}

	return &Runtime{
		cfg:      o.Config,
		st:       o.Store,
		clk:      o.Clock,
		logger:   o.Logger,
		tracer:   o.Tracer,
		notifier: o.Notifier,
		eng:      eng,
		events:   events,
		out:      out,
		ctrl:     ctrl,
	}, nil
}

// Events is the collector-facing queue; injected collectors publish
// into it.
func (r *Runtime) Events() *queue.Queue[event.Event] { return r.events }

// Out is the enriched event stream for consumers (UI, log followers).
func (r *Runtime) Out() *queue.Queue[event.Event] { return r.out }

// SetCollector injects a collector before Start. Used by mock setups
// and tests.
func (r *Runtime) SetCollector(c collector.Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coll = c
}

// Start builds the mode's collector when none was injected, launches
// the processing loops and starts collecting.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	if r.coll == nil {
		if err := r.buildCollector(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(2)
	go r.engineLoop(ctx)
	go r.outLoop(ctx)

	if err := r.coll.Start(ctx); err != nil {
		cancel()
		r.running = false
		return fmt.Errorf("starting collector: %w", err)
	}
	return nil
}

// Stop halts the collector and both loops.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	coll, cancel := r.coll, r.cancel
	r.mu.Unlock()

	if coll != nil {
		coll.Stop()
	}
	cancel()
	r.wg.Wait()
}

func (r *Runtime) buildCollector(ctx context.Context) error {
	switch r.cfg.Mode {
	case "mock":
		sc, err := collector.LoadScenario(r.cfg.Mock.ScenarioPath)
		if err != nil {
			return fmt.Errorf("loading scenario: %w", err)
		}
		r.coll = collector.NewMock(sc, r.events, r.logger)
		return nil

	case "browser", "direct-http":
		page, err := collector.NewChromePage(ctx, r.cfg.Portal)
		if err != nil {
			return fmt.Errorf("launching browser: %w", err)
		}
		b := collector.NewBrowser(r.cfg.Portal, r.cfg.Poll, page, r.events, r.logger, r.tracer)
		r.coll = b
		r.browser = b
		return nil

	default:
		return fmt.Errorf("unsupported mode %q", r.cfg.Mode)
	}
}

// engineLoop feeds events into the engine and routes its control
// actions back to the collector.
func (r *Runtime) engineLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if ev, ok := r.events.Get(50 * time.Millisecond); ok {
			r.eng.HandleEvent(ctx, ev)
		} else {
			r.eng.Tick(ctx)
		}
		r.drainControls()
	}
}

func (r *Runtime) drainControls() {
	for {
		c, ok := r.ctrl.TryGet()
		if !ok {
			return
		}
		r.mu.Lock()
		coll := r.coll
		r.mu.Unlock()
		if coll == nil {
			continue
		}

		switch c.Action {
		case event.ControlBackoff:
			d := time.Duration(c.Seconds * float64(time.Second))
			r.logger.Info("adjusting cadence",
				slog.String("auction", c.AuctionExtID),
				slog.Duration("cadence", d),
				slog.String("reason", c.Reason))
			coll.SetCadence(d)

		case event.ControlStop:
			r.logger.Warn("stopping collector",
				slog.String("auction", c.AuctionExtID),
				slog.String("reason", c.Reason))
			coll.Stop()
		}
	}
}

// outLoop logs the enriched stream and pushes notifications.
func (r *Runtime) outLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		ev, ok := r.out.Get(100 * time.Millisecond)
		if !ok {
			continue
		}

		attrs := []any{
			slog.String("kind", string(ev.Kind)),
		}
		if ev.AuctionExtID != "" {
			attrs = append(attrs, slog.String("auction", ev.AuctionExtID))
		}
		if ev.ItemLocalID != "" {
			attrs = append(attrs, slog.String("item", ev.ItemLocalID))
		}

		switch ev.Level {
		case event.LevelError:
			r.logger.Error(ev.Message, attrs...)
		case event.LevelWarn:
			r.logger.Warn(ev.Message, attrs...)
		case event.LevelDebug:
			r.logger.Debug(ev.Message, attrs...)
		default:
			r.logger.Info(ev.Message, attrs...)
		}

		if r.notifier != nil {
			r.notifier.Notify(ev)
		}
	}
}

// CaptureCurrent reads the auction the operator is browsing and starts
// monitoring it. In direct-http mode the pooled client takes over
// right after the capture.
func (r *Runtime) CaptureCurrent(ctx context.Context) error {
	r.mu.Lock()
	b := r.browser
	r.mu.Unlock()
	if b == nil {
		return fmt.Errorf("capture requires browser mode")
	}
	if err := b.Capture(ctx); err != nil {
		return err
	}
	if r.cfg.Mode == "direct-http" {
		return r.SwitchToDirect(ctx)
	}
	return nil
}

// SwitchToDirect hands the captured session to the pooled HTTP client
// and retires the browser.
func (r *Runtime) SwitchToDirect(ctx context.Context) error {
	r.mu.Lock()
	b := r.browser
	r.mu.Unlock()
	if b == nil {
		return fmt.Errorf("no browser session to take over")
	}

	session := b.Session()
	if session.IDCot == "" {
		return fmt.Errorf("no auction captured yet")
	}

	d, err := collector.NewDirectHTTP(r.cfg.Poll, r.cfg.Portal.InsecureTLS, session, r.events, r.logger, r.tracer)
	if err != nil {
		return fmt.Errorf("building direct client: %w", err)
	}

	b.Stop()
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting direct client: %w", err)
	}

	r.mu.Lock()
	r.coll = d
	r.browser = nil
	r.mu.Unlock()
	return nil
}

// SetCadence overrides the polling cadence.
func (r *Runtime) SetCadence(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coll != nil {
		r.coll.SetCadence(d)
	}
}

// SetIntensive switches between all-items and rotating polls.
func (r *Runtime) SetIntensive(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coll != nil {
		r.coll.SetIntensive(on)
	}
}

// CollectorRunning reports whether the active collector is polling.
func (r *Runtime) CollectorRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coll != nil && r.coll.Running()
}

// SetProvider stores the operator's provider id and feeds it to the
// engine for "my offer" detection.
func (r *Runtime) SetProvider(ctx context.Context, auctionExtID, providerID string) error {
	if err := r.st.SetPreference(ctx, providerPrefKey, providerID); err != nil {
		return err
	}
	if auctionExtID == "" {
		return nil
	}
	return r.eng.SetProvider(ctx, auctionExtID, providerID)
}

// Provider returns the stored provider id; empty when never set.
func (r *Runtime) Provider(ctx context.Context) (string, error) {
	v, err := r.st.GetPreference(ctx, providerPrefKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// Cleanup purges stored data.
func (r *Runtime) Cleanup(ctx context.Context, mode store.CleanupMode) error {
	return r.st.Cleanup(ctx, mode)
}

// UpdateItemConfig merges operator flags for one item.
func (r *Runtime) UpdateItemConfig(ctx context.Context, auctionExtID, localID string, c store.ItemConfig) error {
	pk, err := r.resolveItem(ctx, auctionExtID, localID)
	if err != nil {
		return err
	}
	c.ItemID = pk
	return r.st.UpsertItemConfig(ctx, c)
}

// UpdateItemCommercial merges operator-supplied figures for one item.
func (r *Runtime) UpdateItemCommercial(ctx context.Context, auctionExtID, localID string, c store.ItemCommercial) error {
	pk, err := r.resolveItem(ctx, auctionExtID, localID)
	if err != nil {
		return err
	}
	c.ItemID = pk
	return r.st.UpsertItemCommercial(ctx, c)
}

// ExportWorkbook writes the auction's costing spreadsheet to w.
func (r *Runtime) ExportWorkbook(ctx context.Context, auctionExtID string, w io.Writer) error {
	a, err := r.st.GetAuctionByExtID(ctx, auctionExtID)
	if err != nil {
		return fmt.Errorf("resolving auction %s: %w", auctionExtID, err)
	}
	rows, err := r.st.FetchExportRows(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("collecting export rows: %w", err)
	}
	f, err := excel.Export(rows)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// ImportWorkbook applies the operator-editable fields of a costing
// spreadsheet. Rows referencing unknown auctions or items are skipped
// with a warning; the count of applied rows is returned.
func (r *Runtime) ImportWorkbook(ctx context.Context, src io.Reader) (int, error) {
	rows, err := excel.Import(src)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, row := range rows {
		pk, err := r.resolveItem(ctx, row.AuctionExtID, row.LocalID)
		if err != nil {
			r.logger.Warn("skipping import row",
				slog.String("auction", row.AuctionExtID),
				slog.String("item", row.LocalID),
				slog.String("error", err.Error()))
			continue
		}
		if err := r.st.UpsertItemCommercial(ctx, row.Commercial(pk)); err != nil {
			return applied, fmt.Errorf("item %s/%s: %w", row.AuctionExtID, row.LocalID, err)
		}
		applied++
	}
	return applied, nil
}

// Checkers are the runtime's readiness probes.
func (r *Runtime) Checkers() []health.Checker {
	return []health.Checker{
		health.StoreChecker(r.st),
		{
			Name: "collector",
			Check: func(ctx context.Context) error {
				// A stopped collector is normal before capture; only a
				// missing one means the runtime never started.
				r.mu.Lock()
				defer r.mu.Unlock()
				if r.coll == nil {
					return fmt.Errorf("no collector configured")
				}
				return nil
			},
		},
	}
}

func (r *Runtime) resolveItem(ctx context.Context, auctionExtID, localID string) (int64, error) {
	a, err := r.st.GetAuctionByExtID(ctx, auctionExtID)
	if err != nil {
		return 0, fmt.Errorf("resolving auction %s: %w", auctionExtID, err)
	}
	items, err := r.st.ListItems(ctx, a.ID)
	if err != nil {
		return 0, fmt.Errorf("listing items of %s: %w", auctionExtID, err)
	}
	for _, it := range items {
		if it.LocalID == localID {
			return it.ID, nil
		}
	}
	return 0, fmt.Errorf("item %s of auction %s: %w", localID, auctionExtID, store.ErrNotFound)
}
