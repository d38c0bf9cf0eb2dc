// Package engine consumes the collector event stream, persists what it
// sees, enriches updates with commercial figures and alert decisions,
// and answers transport trouble with control actions for the runtime.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/subastamon/subastamon/internal/clock"
	"github.com/subastamon/subastamon/internal/config"
	"github.com/subastamon/subastamon/internal/event"
	"github.com/subastamon/subastamon/internal/queue"
	"github.com/subastamon/subastamon/internal/security"
	"github.com/subastamon/subastamon/internal/store"
)

// Options are the engine's dependencies.
type Options struct {
	Engine config.EngineConfig
	Poll   config.PollConfig
	Policy security.Policy

	Store   store.Store
	Clock   clock.Clock
	Out     *queue.Queue[event.Event]
	Control *queue.Queue[event.Control]
	Logger  *slog.Logger
	Meter   metric.MeterProvider
}

// itemState is the engine's per-item cache.
type itemState struct {
	pk       int64
	sig      string
	sigKnown bool
	bestAuto bool
}

// auctionState is the engine's per-auction cache.
type auctionState struct {
	pk         int64
	providerID string
	marginText string
	state      string

	streak    int
	lastOK    time.Time
	lastErrAt time.Time
	cadence   time.Duration
	stopSent  bool
	ended     bool

	items map[string]*itemState
}

// Engine is single-threaded with respect to HandleEvent; the runtime
// drives it from one goroutine. Operator-facing methods take the lock.
type Engine struct {
	cfg     config.EngineConfig
	base    time.Duration
	policy  security.Policy
	st      store.Store
	clk     clock.Clock
	out     *queue.Queue[event.Event]
	ctrl    *queue.Queue[event.Control]
	logger  *slog.Logger

	updates    metric.Int64Counter
	changed    metric.Int64Counter
	httpErrors metric.Int64Counter
	ends       metric.Int64Counter

	auctions map[string]*auctionState

	winStart   time.Time
	winUpdates int
	winChanged int
	winErrors  int
	winEnds    int
}

// New builds the engine and registers its meters.
func New(o Options) (*Engine, error) {
	m := o.Meter.Meter("subastamon/engine")

	updates, err := m.Int64Counter("subastamon.updates",
		metric.WithDescription("poll results processed"))
	if err != nil {
		return nil, fmt.Errorf("creating updates counter: %w", err)
	}
	changed, err := m.Int64Counter("subastamon.updates.changed",
		metric.WithDescription("poll results that changed the observed state"))
	if err != nil {
		return nil, fmt.Errorf("creating changed counter: %w", err)
	}
	httpErrors, err := m.Int64Counter("subastamon.http_errors",
		metric.WithDescription("failed portal fetches"))
	if err != nil {
		return nil, fmt.Errorf("creating http_errors counter: %w", err)
	}
	ends, err := m.Int64Counter("subastamon.auction_ends",
		metric.WithDescription("auctions the portal reported finished"))
	if err != nil {
		return nil, fmt.Errorf("creating auction_ends counter: %w", err)
	}

	return &Engine{
		cfg:        o.Engine,
		base:       o.Poll.BaseCadence,
		policy:     o.Policy,
		st:         o.Store,
		clk:        o.Clock,
		out:        o.Out,
		ctrl:       o.Control,
		logger:     o.Logger,
		updates:    updates,
		changed:    changed,
		httpErrors: httpErrors,
		ends:       ends,
		auctions:   map[string]*auctionState{},
	}, nil
}

// HandleEvent processes one collector event. Events without an auction
// scope pass through unchanged.
func (e *Engine) HandleEvent(ctx context.Context, ev event.Event) {
	e.maybeHeartbeat()

	switch ev.Kind {
	case event.KindSnapshot:
		e.handleSnapshot(ctx, ev)
	case event.KindUpdate:
		e.handleUpdate(ctx, ev)
	case event.KindHTTPError:
		e.handleHTTPError(ctx, ev)
	case event.KindEnd:
		e.handleEnd(ctx, ev)
	default:
		e.persist(ctx, ev)
		e.out.Put(ev)
	}
}

// Tick lets the runtime flush the heartbeat when no events arrive.
func (e *Engine) Tick(ctx context.Context) {
	_ = ctx
	e.maybeHeartbeat()
}

// SetProvider records the operator's provider id for an auction so
// "my offer is best" detection works. Safe before the first snapshot.
func (e *Engine) SetProvider(ctx context.Context, extID, providerID string) error {
	as, ok := e.auctions[extID]
	if ok {
		if err := e.st.SetAuctionProvider(ctx, as.pk, providerID); err != nil {
			return err
		}
		as.providerID = providerID
		return nil
	}

	a, err := e.st.GetAuctionByExtID(ctx, extID)
	if err != nil {
		return err
	}
	if err := e.st.SetAuctionProvider(ctx, a.ID, providerID); err != nil {
		return err
	}
	return nil
}

func (e *Engine) handleSnapshot(ctx context.Context, ev event.Event) {
	snap := ev.Snapshot
	if snap == nil || ev.AuctionExtID == "" {
		return
	}

	pk, err := e.st.UpsertAuction(ctx, ev.AuctionExtID, snap.URL, snap.MarginText)
	if err != nil {
		e.logger.Error("persisting auction", slog.String("auction", ev.AuctionExtID), slog.String("error", err.Error()))
		return
	}
	if err := e.st.SetAuctionState(ctx, pk, store.StateRunning); err != nil {
		e.logger.Error("marking auction running", slog.String("auction", ev.AuctionExtID), slog.String("error", err.Error()))
	}

	as := &auctionState{
		pk:         pk,
		marginText: snap.MarginText,
		state:      store.StateRunning,
		cadence:    e.base,
		items:      map[string]*itemState{},
	}
	if a, err := e.st.GetAuctionByExtID(ctx, ev.AuctionExtID); err == nil {
		as.providerID = a.ProviderID
	}
	e.auctions[ev.AuctionExtID] = as

	for _, it := range snap.Items {
		itemPK, err := e.st.UpsertItem(ctx, pk, it.LocalID, it.Text)
		if err != nil {
			e.logger.Error("persisting item",
				slog.String("auction", ev.AuctionExtID),
				slog.String("item", it.LocalID),
				slog.String("error", err.Error()))
			continue
		}
		as.items[it.LocalID] = &itemState{pk: itemPK}

		com := store.ItemCommercial{
			ItemID:         itemPK,
			Quantity:       it.Quantity,
			ReferenceTotal: it.ReferenceTotal,
			ReferenceUnit:  referenceUnit(it),
		}
		if err := e.st.UpsertItemCommercial(ctx, com); err != nil {
			e.logger.Error("persisting item figures",
				slog.String("auction", ev.AuctionExtID),
				slog.String("item", it.LocalID),
				slog.String("error", err.Error()))
		}
	}

	e.persist(ctx, ev)
	e.out.Put(ev)
}

// referenceUnit prefers total/quantity over the table's unit column,
// which the portal rounds.
func referenceUnit(it event.SnapshotItem) *float64 {
	if it.ReferenceTotal != nil && it.Quantity != nil && *it.Quantity > 0 {
		v := *it.ReferenceTotal / *it.Quantity
		return &v
	}
	return it.ReferenceUnit
}

func (e *Engine) handleUpdate(ctx context.Context, ev event.Event) {
	upd := ev.Update
	if upd == nil || ev.AuctionExtID == "" || ev.ItemLocalID == "" {
		return
	}

	as := e.auction(ctx, ev.AuctionExtID)
	if as == nil {
		return
	}
	// An ended auction is frozen: stragglers reach the log, nothing else.
	if as.ended {
		e.persist(ctx, ev)
		return
	}
	ist := e.item(ctx, as, ev.AuctionExtID, ev.ItemLocalID, upd.Description)
	if ist == nil {
		return
	}

	now := e.clk.Now()
	attrs := metric.WithAttributes(attribute.String("auction", ev.AuctionExtID))
	e.updates.Add(ctx, 1, attrs)
	e.winUpdates++

	// The engine owns the change decision; the collector's flag is only
	// a hint because it forgets state across restarts.
	sig := upd.BestOfferText + "|" + upd.OfferToBeatText + "|" + upd.PortalMessage
	changed := !ist.sigKnown || ist.sig != sig
	ist.sig = sig
	ist.sigKnown = true
	upd.Changed = changed
	if changed {
		e.changed.Add(ctx, 1, attrs)
		e.winChanged++
	}

	nowISO := clock.ISO(now)
	if err := e.st.SetAuctionHealth(ctx, as.pk, 0, &nowISO, upd.Status); err != nil {
		e.logger.Error("persisting auction health", slog.String("auction", ev.AuctionExtID), slog.String("error", err.Error()))
	}
	as.streak = 0
	as.lastOK = now

	// A successful fetch clears an earlier ERROR state.
	if as.state != store.StateRunning {
		if err := e.st.SetAuctionState(ctx, as.pk, store.StateRunning); err != nil {
			e.logger.Error("marking auction running", slog.String("auction", ev.AuctionExtID), slog.String("error", err.Error()))
		}
		as.state = store.StateRunning
	}

	// Recovery: a success after backoff restores the base cadence.
	if as.cadence > e.base {
		as.cadence = e.base
		e.ctrl.Put(event.Control{
			Action:       event.ControlBackoff,
			AuctionExtID: ev.AuctionExtID,
			Seconds:      e.base.Seconds(),
			Reason:       "fetch recovered, restoring base cadence",
		})
	}

	st := store.ItemState{
		ItemID:           ist.pk,
		BestOfferText:    upd.BestOfferText,
		BestOfferValue:   upd.BestOffer,
		OfferToBeatText:  upd.OfferToBeatText,
		OfferToBeatValue: upd.OfferToBeat,
		BudgetText:       upd.BudgetText,
		BudgetValue:      upd.Budget,
		PortalMessage:    upd.PortalMessage,
		LastOfferTime:    upd.LastOfferTime,
		BestProviderID:   upd.BestProviderID,
	}
	if err := e.st.UpsertItemState(ctx, st); err != nil {
		e.logger.Error("persisting item state",
			slog.String("auction", ev.AuctionExtID),
			slog.String("item", ev.ItemLocalID),
			slog.String("error", err.Error()))
	}

	com, err := e.st.GetItemCommercial(ctx, ist.pk)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("reading item figures", slog.String("item", ev.ItemLocalID), slog.String("error", err.Error()))
	}
	icfg, err := e.st.GetItemConfig(ctx, ist.pk)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("reading item flags", slog.String("item", ev.ItemLocalID), slog.String("error", err.Error()))
	}

	ended := e.policy.Terminator != "" &&
		strings.Contains(strings.ToLower(upd.PortalMessage), strings.ToLower(e.policy.Terminator))

	d := derive(*upd, deriveInput{
		Commercial:  com,
		Config:      icfg,
		Engine:      e.cfg,
		ProviderID:  as.providerID,
		WasBestAuto: ist.bestAuto,
		PortalEnded: ended,
	})
	ist.bestAuto = d.OperatorIsBest

	if changed {
		snapText := upd.BestOfferText
		persisted := store.ItemCommercial{
			ItemID:            ist.pk,
			AcceptableUnit:    d.AcceptableUnit,
			AcceptableTotal:   d.AcceptableTotal,
			ReferenceUnit:     d.ReferenceUnit,
			ReferenceMargin:   d.ReferenceMargin,
			ImprovementUnit:   d.ImprovementUnit,
			ImprovementMargin: d.ImprovementMargin,
		}
		if snapText != "" {
			persisted.BestOfferSnapshot = &snapText
		}
		if err := e.st.UpsertItemCommercial(ctx, persisted); err != nil {
			e.logger.Error("persisting derived figures", slog.String("item", ev.ItemLocalID), slog.String("error", err.Error()))
		}
	}

	if d.Outbid {
		ae := event.Warn(event.KindAlert,
			fmt.Sprintf("outbid on item %s: %s now holds the best offer", ev.ItemLocalID, upd.BestProviderID)).
			For(ev.AuctionExtID, ev.ItemLocalID)
		e.persist(ctx, ae)
		e.out.Put(ae)
	}

	de := ev
	de.Update = nil
	de.Derived = &d
	e.persist(ctx, de)
	e.out.Put(de)
}

func (e *Engine) handleHTTPError(ctx context.Context, ev event.Event) {
	he := ev.HTTPError
	if he == nil || ev.AuctionExtID == "" {
		e.out.Put(ev)
		return
	}

	as := e.auction(ctx, ev.AuctionExtID)
	now := e.clk.Now()

	e.httpErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("auction", ev.AuctionExtID),
		attribute.String("kind", string(he.Kind)),
	))
	e.winErrors++

	e.persist(ctx, ev)
	e.out.Put(ev)

	if as == nil || as.ended {
		return
	}

	if as.state != store.StateError {
		if err := e.st.SetAuctionState(ctx, as.pk, store.StateError); err != nil {
			e.logger.Error("marking auction errored", slog.String("auction", ev.AuctionExtID), slog.String("error", err.Error()))
		}
		as.state = store.StateError
	}

	// A failing tick errors every item at once; count the burst as one
	// streak step.
	if !as.lastErrAt.IsZero() && now.Sub(as.lastErrAt) < e.cfg.ErrorBurstWindow {
		return
	}
	as.lastErrAt = now
	as.streak++

	var lastOKISO *string
	if !as.lastOK.IsZero() {
		s := clock.ISO(as.lastOK)
		lastOKISO = &s
	}
	if err := e.st.SetAuctionHealth(ctx, as.pk, as.streak, lastOKISO, he.Status); err != nil {
		e.logger.Error("persisting auction health", slog.String("auction", ev.AuctionExtID), slog.String("error", err.Error()))
	}

	dec := e.policy.Evaluate(security.Input{
		CurrentCadence: as.cadence,
		ErrorStreak:    as.streak,
		LastOKAt:       as.lastOK,
		LastStatus:     he.Status,
		Now:            now,
	})

	switch dec.Action {
	case security.ActionContinue:
		return

	case security.ActionAlert, security.ActionPause:
		se := event.Warn(event.KindSecurity, dec.Reason).For(ev.AuctionExtID, "")
		e.persist(ctx, se)
		e.out.Put(se)

	case security.ActionBackoff:
		if dec.NewCadence <= as.cadence {
			return
		}
		as.cadence = dec.NewCadence
		e.ctrl.Put(event.Control{
			Action:       event.ControlBackoff,
			AuctionExtID: ev.AuctionExtID,
			Seconds:      dec.NewCadence.Seconds(),
			Reason:       dec.Reason,
		})
		se := event.Warn(event.KindSecurity, dec.Reason).For(ev.AuctionExtID, "")
		e.persist(ctx, se)
		e.out.Put(se)

	case security.ActionStop:
		se := event.Error(event.KindSecurity, dec.Reason).For(ev.AuctionExtID, "")
		e.persist(ctx, se)
		e.out.Put(se)

		endEv := event.Error(event.KindEnd, dec.Reason).For(ev.AuctionExtID, "")
		endEv.End = &event.End{Reason: dec.Reason}
		e.handleEnd(ctx, endEv)
	}
}

func (e *Engine) handleEnd(ctx context.Context, ev event.Event) {
	as := e.auction(ctx, ev.AuctionExtID)
	if as == nil {
		e.out.Put(ev)
		return
	}
	if as.ended {
		return
	}
	as.ended = true

	e.ends.Add(ctx, 1, metric.WithAttributes(attribute.String("auction", ev.AuctionExtID)))
	e.winEnds++

	if err := e.st.SetAuctionState(ctx, as.pk, store.StateEnded); err != nil {
		e.logger.Error("marking auction ended", slog.String("auction", ev.AuctionExtID), slog.String("error", err.Error()))
	}
	as.state = store.StateEnded

	e.persist(ctx, ev)
	e.out.Put(ev)

	reason := "auction finished"
	if ev.End != nil && ev.End.Reason != "" {
		reason = ev.End.Reason
	}
	e.sendStop(ev.AuctionExtID, as, reason)
}

func (e *Engine) sendStop(extID string, as *auctionState, reason string) {
	if as.stopSent {
		return
	}
	as.stopSent = true
	e.ctrl.Put(event.Control{
		Action:       event.ControlStop,
		AuctionExtID: extID,
		Reason:       reason,
	})
}

// auction returns the cached state, reloading it from the store when
// the engine restarted after the snapshot.
func (e *Engine) auction(ctx context.Context, extID string) *auctionState {
	if extID == "" {
		return nil
	}
	if as, ok := e.auctions[extID]; ok {
		return as
	}

	a, err := e.st.GetAuctionByExtID(ctx, extID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("loading auction", slog.String("auction", extID), slog.String("error", err.Error()))
		}
		return nil
	}

	as := &auctionState{
		pk:         a.ID,
		providerID: a.ProviderID,
		marginText: a.MarginText,
		state:      a.State,
		streak:     a.ErrorStreak,
		cadence:    e.base,
		ended:      a.State == store.StateEnded,
		items:      map[string]*itemState{},
	}
	if items, err := e.st.ListItems(ctx, a.ID); err == nil {
		for _, it := range items {
			as.items[it.LocalID] = &itemState{pk: it.ID}
		}
	}
	e.auctions[extID] = as
	return as
}

// item resolves the item cache entry, creating the row lazily when the
// collector reports a line the capture missed.
func (e *Engine) item(ctx context.Context, as *auctionState, extID, localID, description string) *itemState {
	if ist, ok := as.items[localID]; ok {
		return ist
	}

	pk, err := e.st.UpsertItem(ctx, as.pk, localID, description)
	if err != nil {
		e.logger.Error("creating item",
			slog.String("auction", extID),
			slog.String("item", localID),
			slog.String("error", err.Error()))
		return nil
	}
	ist := &itemState{pk: pk}

	// Seed the change signature from the persisted state so a restart
	// does not replay stale alerts.
	if prev, err := e.st.GetItemState(ctx, pk); err == nil {
		ist.sig = prev.BestOfferText + "|" + prev.OfferToBeatText + "|" + prev.PortalMessage
		ist.sigKnown = true
	}

	as.items[localID] = ist
	return ist
}

// maybeHeartbeat emits the aggregate once per window. The first window
// only accumulates.
func (e *Engine) maybeHeartbeat() {
	now := e.clk.Now()
	if e.winStart.IsZero() {
		e.winStart = now
		return
	}
	if now.Sub(e.winStart) < e.cfg.AggregateWindow {
		return
	}
	// A fully idle window restarts silently.
	if e.winUpdates == 0 && e.winChanged == 0 && e.winErrors == 0 && e.winEnds == 0 {
		e.winStart = now
		return
	}

	hb := event.Info(event.KindHeartbeat,
		fmt.Sprintf("last %s: %d updates, %d changed, %d errors, %d ends",
			e.cfg.AggregateWindow, e.winUpdates, e.winChanged, e.winErrors, e.winEnds))
	e.out.Put(hb)

	e.winStart = now
	e.winUpdates = 0
	e.winChanged = 0
	e.winErrors = 0
	e.winEnds = 0
}

// persist appends the event to the log; failures are logged, never
// fatal.
func (e *Engine) persist(ctx context.Context, ev event.Event) {
	entry := store.LogEntry{
		Level:   string(ev.Level),
		Kind:    string(ev.Kind),
		Message: ev.Message,
	}
	if as, ok := e.auctions[ev.AuctionExtID]; ok {
		id := as.pk
		entry.AuctionID = &id
		if ist, ok := as.items[ev.ItemLocalID]; ok {
			itemID := ist.pk
			entry.ItemID = &itemID
		}
	}
	if err := e.st.AppendEvent(ctx, entry); err != nil {
		e.logger.Warn("appending event log", slog.String("error", err.Error()))
	}
}
