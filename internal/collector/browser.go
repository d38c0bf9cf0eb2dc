package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/subastamon/subastamon/internal/config"
	"github.com/subastamon/subastamon/internal/event"
	"github.com/subastamon/subastamon/internal/portal"
	"github.com/subastamon/subastamon/internal/queue"
)

const auctionURLPart = "SubastaVivoAccesoPublico.aspx"

const fetchEndpoint = "SubastaVivoAccesoPublico.aspx/BuscarOfertas"

// Page abstracts the live browser tab. The production implementation
// drives Chrome through chromedp; tests supply a fake.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	URL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	// Fetch runs the XHR inside the page so the portal's session and
	// anti-forgery tokens are reused.
	Fetch(ctx context.Context, endpoint string, body map[string]string) (int, []byte, error)
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	Close() error
}

// Browser is the two-phase collector: the operator browses to the
// auction, Capture reads the page and starts the in-page monitor loop.
type Browser struct {
	portalCfg config.PortalConfig
	page      Page
	out       *queue.Queue[event.Event]
	logger    *slog.Logger
	tracer    trace.Tracer

	cadenceNs atomic.Int64
	intensive atomic.Bool

	mu         sync.Mutex
	running    bool
	monitorCxl context.CancelFunc
	monitorEnd chan struct{}
	session    Session
}

// NewBrowser wires the collector around an open page.
func NewBrowser(
	portalCfg config.PortalConfig,
	pollCfg config.PollConfig,
	page Page,
	out *queue.Queue[event.Event],
	logger *slog.Logger,
	tp trace.TracerProvider,
) *Browser {
	b := &Browser{
		portalCfg: portalCfg,
		page:      page,
		out:       out,
		logger:    logger,
		tracer:    tp.Tracer("collector/browser"),
	}
	b.cadenceNs.Store(int64(pollCfg.BaseCadence))
	b.intensive.Store(true)
	return b
}

// Start opens the opportunity listing so the operator can browse to an
// auction. Idempotent.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	if b.portalCfg.BaseURL != "" {
		if err := b.page.Navigate(ctx, b.portalCfg.BaseURL); err != nil {
			return fmt.Errorf("opening portal listing: %w", err)
		}
	}
	b.running = true
	b.out.Put(event.Info(event.KindStart, "browser collector started"))
	return nil
}

// Stop cancels any monitor loop and closes the page. Idempotent.
func (b *Browser) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cxl, end := b.monitorCxl, b.monitorEnd
	b.mu.Unlock()

	if cxl != nil {
		cxl()
		<-end
	}
	if err := b.page.Close(); err != nil {
		b.logger.Warn("closing browser page", slog.String("error", err.Error()))
	}
	b.out.Put(event.Info(event.KindStop, "browser collector stopped"))
}

// Running reports whether the collector has been started.
func (b *Browser) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SetCadence changes the sleep between monitor requests, floored at
// 200ms.
func (b *Browser) SetCadence(cadence time.Duration) {
	if cadence < 200*time.Millisecond {
		cadence = 200 * time.Millisecond
	}
	b.cadenceNs.Store(int64(cadence))
}

// SetIntensive is accepted for interface parity; the in-page loop is
// sequential either way, so the flag only shortens the per-item sleep.
func (b *Browser) SetIntensive(on bool) {
	b.intensive.Store(on)
}

// Session returns the last captured session, including cookies, so the
// direct client can take over the polling loop.
func (b *Browser) Session() Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// Capture reads the auction the operator is looking at and starts the
// monitor loop. Any previous monitor loop is cancelled first.
func (b *Browser) Capture(ctx context.Context) error {
	ctx, span := b.tracer.Start(ctx, "Capture")
	defer span.End()

	session, snapshot, err := b.capture(ctx)
	if err != nil {
		b.out.Put(event.Warn(event.KindException, fmt.Sprintf("capture failed: %v", err)))
		return err
	}

	b.mu.Lock()
	if b.monitorCxl != nil {
		b.monitorCxl()
	}
	prevEnd := b.monitorEnd
	b.mu.Unlock()
	if prevEnd != nil {
		<-prevEnd
	}

	ev := event.Info(event.KindSnapshot,
		fmt.Sprintf("auction %s captured: %d items", session.IDCot, len(snapshot.Items))).
		For(session.IDCot, "")
	ev.Snapshot = &snapshot
	b.out.Put(ev)

	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	end := make(chan struct{})

	b.mu.Lock()
	b.session = session
	b.monitorCxl = cancel
	b.monitorEnd = end
	b.mu.Unlock()

	go func() {
		defer close(end)
		b.monitor(mctx, session)
	}()
	return nil
}

func (b *Browser) capture(ctx context.Context) (Session, event.Snapshot, error) {
	deadline := time.Now().Add(b.portalCfg.CaptureTimeout)

	// Wait for the operator to land on an auction page.
	for {
		u, err := b.page.URL(ctx)
		if err != nil {
			return Session{}, event.Snapshot{}, fmt.Errorf("reading page url: %w", err)
		}
		if strings.Contains(u, auctionURLPart) {
			break
		}
		if time.Now().After(deadline) {
			return Session{}, event.Snapshot{}, fmt.Errorf("no auction page open after %s", b.portalCfg.CaptureTimeout)
		}
		select {
		case <-ctx.Done():
			return Session{}, event.Snapshot{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	if err := b.page.WaitVisible(ctx, selItemSelect); err != nil {
		return Session{}, event.Snapshot{}, fmt.Errorf("item selector never populated: %w", err)
	}

	html, err := b.page.HTML(ctx)
	if err != nil {
		return Session{}, event.Snapshot{}, fmt.Errorf("reading page html: %w", err)
	}

	idCot, ok := portal.ExtractIDCot(html)
	if !ok {
		return Session{}, event.Snapshot{}, fmt.Errorf("auction id not found in page html")
	}

	parsed, err := ParseCapturePage(html)
	if err != nil {
		return Session{}, event.Snapshot{}, err
	}
	items := MatchItems(parsed.Options, parsed.Details)
	if len(items) == 0 {
		return Session{}, event.Snapshot{}, fmt.Errorf("no items matched on the auction page")
	}

	pageURL, err := b.page.URL(ctx)
	if err != nil {
		return Session{}, event.Snapshot{}, fmt.Errorf("reading page url: %w", err)
	}
	cookies, err := b.page.Cookies(ctx)
	if err != nil {
		b.logger.Warn("reading session cookies", slog.String("error", err.Error()))
	}

	session := Session{
		AuctionURL: pageURL,
		IDCot:      idCot,
		MarginText: parsed.MarginText,
		Cookies:    cookies,
	}
	for _, it := range items {
		session.Items = append(session.Items, SessionItem{LocalID: it.LocalID, Description: it.Text})
	}

	snapshot := event.Snapshot{
		MarginText: parsed.MarginText,
		URL:        pageURL,
		Items:      items,
	}
	return session, snapshot, nil
}

// monitor rotates the captured items, issuing the XHR from inside the
// page and publishing one UPDATE per response.
func (b *Browser) monitor(ctx context.Context, session Session) {
	lastSig := map[string]string{}

	for {
		for _, item := range session.Items {
			if ctx.Err() != nil {
				return
			}

			status, body, err := b.page.Fetch(ctx, fetchEndpoint, map[string]string{
				"id_Cotizacion":   session.IDCot,
				"id_Item_Renglon": item.LocalID,
				"Margen_Minimo":   session.MarginText,
			})
			if err != nil || status != http.StatusOK {
				st, kind := portal.ClassifyError(status, err)
				he := event.Warn(event.KindHTTPError,
					fmt.Sprintf("in-page fetch failed: status %d (%s), item %s", st, kind, item.LocalID)).
					For(session.IDCot, item.LocalID)
				he.HTTPError = &event.HTTPError{Status: st, Kind: kind, Detail: errText(err)}
				b.out.Put(he)
				b.sleepCadence(ctx)
				continue
			}

			inner, err := portal.UnwrapD(body)
			if err != nil {
				inner = ""
			}
			r := portal.ParseD(inner)
			upd := buildUpdate(SessionItem{LocalID: item.LocalID, Description: item.Description}, r, status)

			sig := changeSignature(upd.BestOfferText, upd.OfferToBeatText, upd.PortalMessage)
			upd.Changed = lastSig[item.LocalID] != sig
			lastSig[item.LocalID] = sig

			ue := event.Info(event.KindUpdate, fmt.Sprintf("item %s update", item.LocalID)).
				For(session.IDCot, item.LocalID)
			ue.Update = &upd
			b.out.Put(ue)

			if strings.Contains(strings.ToLower(r.Message), "finalizada") {
				ee := event.Info(event.KindEnd,
					fmt.Sprintf("auction finished (item %s)", item.LocalID)).
					For(session.IDCot, item.LocalID)
				ee.End = &event.End{Reason: r.Message}
				b.out.Put(ee)
				return
			}

			b.sleepCadence(ctx)
		}
	}
}

func (b *Browser) sleepCadence(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(b.cadenceNs.Load())):
	}
}
