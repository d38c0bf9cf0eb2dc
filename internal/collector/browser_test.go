package collector

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/subastamon/subastamon/internal/config"
	"github.com/subastamon/subastamon/internal/event"
	"github.com/subastamon/subastamon/internal/queue"
	"github.com/subastamon/subastamon/internal/telemetry"
)

const auctionPage = `
<html><body>
<script>Cargar_Parametro("id_Cotizacion", '22053');</script>
<input id="txtMargenMinimo" value="0,0050" />
<select id="ddlItemRenglon">
  <option value="101">Guantes de nitrilo</option>
</select>
<table id="gvDetalleCotizacion">
  <tr class="Renglon"><td>Guantes de nitrilo</td><td>1.000</td><td>$ 12,50</td><td>$ 12.500,00</td></tr>
</table>
</body></html>`

// fakePage scripts the browser tab for tests.
type fakePage struct {
	mu        sync.Mutex
	url       string
	html      string
	navigated []string
	closed    bool

	fetchStatus int
	fetchBody   string
	fetchErr    error
	fetchCalls  int
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *fakePage) WaitVisible(context.Context, string) error { return nil }

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *fakePage) Fetch(context.Context, string, map[string]string) (int, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	return p.fetchStatus, []byte(p.fetchBody), p.fetchErr
}

func (p *fakePage) Cookies(context.Context) ([]*http.Cookie, error) {
	return []*http.Cookie{{Name: "ASP.NET_SessionId", Value: "abc"}}, nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func newTestBrowser(page Page, out *queue.Queue[event.Event]) *Browser {
	portalCfg := config.PortalConfig{
		BaseURL:        "https://portal.example/Compras",
		CaptureTimeout: time.Second,
	}
	return NewBrowser(portalCfg, fastPollConfig(), page, out, testLogger(), telemetry.NewNopProvider().TracerProvider)
}

func TestBrowserCaptureAndMonitor(t *testing.T) {
	page := &fakePage{
		url:         "https://portal.example/Compras/SubastaVivoAccesoPublico.aspx?x=1",
		html:        auctionPage,
		fetchStatus: http.StatusOK,
		fetchBody:   offersBody(`[{"monto_a_mostrar":"$ 11,00","monto":11,"hora":"09:00:00","id_proveedor":"P1"}]@@$ 12.500,00@@$ 10,95@@`),
	}
	out := queue.New[event.Event]()
	b := newTestBrowser(page, out)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	waitEvent(t, out, event.KindStart)
	if len(page.navigated) != 1 || page.navigated[0] != "https://portal.example/Compras" {
		t.Errorf("navigated = %v", page.navigated)
	}

	if err := b.Capture(context.Background()); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	snap := waitEvent(t, out, event.KindSnapshot)
	if snap.AuctionExtID != "22053" {
		t.Errorf("snapshot AuctionExtID = %q, want 22053", snap.AuctionExtID)
	}
	if snap.Snapshot == nil || len(snap.Snapshot.Items) != 1 {
		t.Fatalf("snapshot payload = %+v", snap.Snapshot)
	}
	if snap.Snapshot.MarginText != "0,0050" {
		t.Errorf("snapshot MarginText = %q", snap.Snapshot.MarginText)
	}
	it := snap.Snapshot.Items[0]
	if it.LocalID != "101" || it.Quantity == nil || *it.Quantity != 1000 {
		t.Errorf("snapshot item = %+v", it)
	}

	upd := waitEvent(t, out, event.KindUpdate)
	if upd.Update.BestOfferText != "$ 11,00" {
		t.Errorf("BestOfferText = %q", upd.Update.BestOfferText)
	}
	if upd.Update.OfferToBeat == nil || *upd.Update.OfferToBeat != 10.95 {
		t.Errorf("OfferToBeat = %v", upd.Update.OfferToBeat)
	}

	sess := b.Session()
	if sess.IDCot != "22053" || len(sess.Items) != 1 || len(sess.Cookies) != 1 {
		t.Errorf("Session = %+v", sess)
	}
}

func TestBrowserCaptureTimesOutOffAuctionPage(t *testing.T) {
	page := &fakePage{url: "https://portal.example/Compras/Listado.aspx"}
	out := queue.New[event.Event]()
	b := newTestBrowser(page, out)
	b.portalCfg.CaptureTimeout = 150 * time.Millisecond

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	if err := b.Capture(context.Background()); err == nil {
		t.Fatal("Capture should fail when no auction page is open")
	}
	ev := waitEvent(t, out, event.KindException)
	if ev.Level != event.LevelWarn {
		t.Errorf("EXCEPTION level = %s", ev.Level)
	}
}

func TestBrowserMonitorEndsOnTerminator(t *testing.T) {
	page := &fakePage{
		url:         "https://portal.example/Compras/SubastaVivoAccesoPublico.aspx",
		html:        auctionPage,
		fetchStatus: http.StatusOK,
		fetchBody:   offersBody(`null@@@@@@Subasta Finalizada`),
	}
	out := queue.New[event.Event]()
	b := newTestBrowser(page, out)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()
	if err := b.Capture(context.Background()); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	ev := waitEvent(t, out, event.KindEnd)
	if ev.End == nil || ev.End.Reason != "Subasta Finalizada" {
		t.Errorf("END payload = %+v", ev.End)
	}
}

func TestBrowserMonitorReportsFetchErrors(t *testing.T) {
	page := &fakePage{
		url:         "https://portal.example/Compras/SubastaVivoAccesoPublico.aspx",
		html:        auctionPage,
		fetchStatus: http.StatusInternalServerError,
	}
	out := queue.New[event.Event]()
	b := newTestBrowser(page, out)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()
	if err := b.Capture(context.Background()); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	ev := waitEvent(t, out, event.KindHTTPError)
	if ev.HTTPError == nil || ev.HTTPError.Status != http.StatusInternalServerError {
		t.Errorf("HTTP_ERROR payload = %+v", ev.HTTPError)
	}
	if ev.HTTPError != nil && ev.HTTPError.Kind != event.ErrHTTP {
		t.Errorf("HTTP_ERROR kind = %s, want http", ev.HTTPError.Kind)
	}
}

func TestBrowserStopClosesPage(t *testing.T) {
	page := &fakePage{
		url:         "https://portal.example/Compras/SubastaVivoAccesoPublico.aspx",
		html:        auctionPage,
		fetchStatus: http.StatusOK,
		fetchBody:   offersBody(`null@@@@@@`),
	}
	out := queue.New[event.Event]()
	b := newTestBrowser(page, out)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Capture(context.Background()); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	b.Stop()
	b.Stop()

	page.mu.Lock()
	closed := page.closed
	page.mu.Unlock()
	if !closed {
		t.Errorf("page not closed on Stop")
	}
	if b.Running() {
		t.Errorf("Running after Stop")
	}
}
