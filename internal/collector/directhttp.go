package collector

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
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

// DirectHTTP polls the portal without a browser, reusing the session
// cookies captured during the browse phase. Intensive mode fetches
// every item per tick under a semaphore; relaxed mode rotates one item
// per tick.
type DirectHTTP struct {
	session Session
	out     *queue.Queue[event.Event]
	logger  *slog.Logger
	tracer  trace.Tracer
	client  *http.Client

	cadenceNs        atomic.Int64
	relaxedCadence   time.Duration
	intensive        atomic.Bool
	intensiveTimeout time.Duration
	relaxedTimeout   time.Duration
	concurrency      int
	authFailuresMax  int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDirectHTTP builds the collector around a pooled HTTP/2-capable
// client. The portal frequently serves a self-signed certificate, so
// verification is relaxed when configured.
func NewDirectHTTP(
	cfg config.PollConfig,
	insecureTLS bool,
	session Session,
	out *queue.Queue[event.Event],
	logger *slog.Logger,
	tp trace.TracerProvider,
) (*DirectHTTP, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	if u, err := url.Parse(session.AuctionURL); err == nil {
		jar.SetCookies(u, session.Cookies)
	}

	concurrency := cfg.ConcurrentRequests
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 30 {
		concurrency = 30
	}

	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: insecureTLS},
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        concurrency + 5,
		MaxIdleConnsPerHost: concurrency,
		IdleConnTimeout:     30 * time.Second,
	}

	d := &DirectHTTP{
		session:          session,
		out:              out,
		logger:           logger,
		tracer:           tp.Tracer("collector/directhttp"),
		client:           &http.Client{Transport: transport, Jar: jar},
		relaxedCadence:   cfg.RelaxedCadence,
		intensiveTimeout: cfg.IntensiveTimeout,
		relaxedTimeout:   cfg.RelaxedTimeout,
		concurrency:      concurrency,
		authFailuresMax:  cfg.AuthFailuresMax,
	}
	d.cadenceNs.Store(int64(cfg.BaseCadence))
	d.intensive.Store(true)
	return d, nil
}

// Start launches the polling loop. Calling Start on a running
// collector is a no-op.
func (d *DirectHTTP) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	if d.session.IDCot == "" || len(d.session.Items) == 0 {
		return fmt.Errorf("cannot start: session has no auction or items")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	d.publish(event.Info(event.KindStart,
		fmt.Sprintf("direct monitor started: auction %s, %d items", d.session.IDCot, len(d.session.Items))).
		For(d.session.IDCot, ""))

	go d.run(ctx)
	return nil
}

// Stop signals the loop and waits for in-flight requests to finish.
func (d *DirectHTTP) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the polling loop is active.
func (d *DirectHTTP) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// SetCadence changes the base tick interval, floored at 200ms.
func (d *DirectHTTP) SetCadence(cadence time.Duration) {
	if cadence < 200*time.Millisecond {
		cadence = 200 * time.Millisecond
	}
	d.cadenceNs.Store(int64(cadence))
}

// SetIntensive switches between all-items and round-robin polling.
func (d *DirectHTTP) SetIntensive(on bool) {
	d.intensive.Store(on)
}

func (d *DirectHTTP) publish(e event.Event) {
	d.out.Put(e)
}

type pollResult struct {
	item   SessionItem
	status int
	kind   event.ErrorKind
	d      string
	err    error
}

func (d *DirectHTTP) run(ctx context.Context) {
	defer func() {
		d.mu.Lock()
		d.running = false
		close(d.done)
		d.mu.Unlock()
		d.publish(event.Info(event.KindStop, "direct monitor stopped").For(d.session.IDCot, ""))
	}()

	cursor := 0
	authFailures := 0
	lastSig := map[string]string{}

	for {
		if ctx.Err() != nil {
			return
		}
		tickStart := time.Now()

		batch := d.session.Items
		timeout := d.intensiveTimeout
		if !d.intensive.Load() {
			batch = []SessionItem{d.session.Items[cursor%len(d.session.Items)]}
			cursor++
			timeout = d.relaxedTimeout
		}

		results := d.fetchBatch(ctx, batch, timeout)

		for _, res := range results {
			if ctx.Err() != nil {
				return
			}
			stop := d.handleResult(res, lastSig, &authFailures)
			if stop {
				return
			}
		}

		cadence := time.Duration(d.cadenceNs.Load())
		if !d.intensive.Load() && d.relaxedCadence > cadence {
			cadence = d.relaxedCadence
		}
		if sleep := cadence - time.Since(tickStart); sleep > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
		}
	}
}

// fetchBatch issues one tick's requests bounded by the semaphore and
// returns the results in batch order.
func (d *DirectHTTP) fetchBatch(ctx context.Context, batch []SessionItem, timeout time.Duration) []pollResult {
	sem := make(chan struct{}, d.concurrency)
	results := make([]pollResult, len(batch))

	var wg sync.WaitGroup
	for i, item := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = d.fetchOne(ctx, item, timeout)
		}()
	}
	wg.Wait()
	return results
}

func (d *DirectHTTP) fetchOne(ctx context.Context, item SessionItem, timeout time.Duration) pollResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "BuscarOfertas")
	defer span.End()

	req, err := portal.NewRequest(ctx, d.session.AuctionURL, portal.Query{
		IDCot:      d.session.IDCot,
		LocalID:    item.LocalID,
		MarginText: d.session.MarginText,
	})
	if err != nil {
		return pollResult{item: item, kind: event.ErrUnknown, err: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		status, kind := portal.ClassifyError(0, err)
		return pollResult{item: item, status: status, kind: kind, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status, kind := portal.ClassifyError(resp.StatusCode, nil)
		return pollResult{item: item, status: status, kind: kind}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		status, kind := portal.ClassifyError(0, err)
		return pollResult{item: item, status: status, kind: kind, err: err}
	}
	inner, err := portal.UnwrapD(body)
	if err != nil {
		// Malformed body still counts as a completed fetch; the
		// parser yields an empty response downstream.
		inner = ""
	}
	return pollResult{item: item, status: http.StatusOK, d: inner}
}

// handleResult publishes the events for one poll outcome and reports
// whether the collector must stop itself.
func (d *DirectHTTP) handleResult(res pollResult, lastSig map[string]string, authFailures *int) bool {
	idCot := d.session.IDCot

	if res.status != http.StatusOK {
		if isAuthFailure(res.status) {
			*authFailures++
		}

		he := event.Warn(event.KindHTTPError,
			fmt.Sprintf("BuscarOfertas failed: status %d (%s), item %s", res.status, res.kind, res.item.LocalID)).
			For(idCot, res.item.LocalID)
		he.HTTPError = &event.HTTPError{Status: res.status, Kind: res.kind, Detail: errText(res.err)}
		d.publish(he)

		if *authFailures >= d.authFailuresMax {
			d.logger.Warn("session expired, stopping direct monitor",
				slog.String("auction", idCot),
				slog.Int("auth_failures", *authFailures))
			d.publish(event.Warn(event.KindException,
				fmt.Sprintf("session expired after %d auth failures, re-capture required", *authFailures)).
				For(idCot, ""))
			return true
		}
		return false
	}

	*authFailures = 0

	r := portal.ParseD(res.d)
	upd := buildUpdate(res.item, r, http.StatusOK)

	sig := changeSignature(upd.BestOfferText, upd.OfferToBeatText, upd.PortalMessage)
	upd.Changed = lastSig[res.item.LocalID] != sig
	lastSig[res.item.LocalID] = sig

	ue := event.Info(event.KindUpdate, fmt.Sprintf("item %s update", res.item.LocalID)).
		For(idCot, res.item.LocalID)
	ue.Update = &upd
	d.publish(ue)

	if strings.Contains(strings.ToLower(r.Message), "finalizada") {
		ee := event.Info(event.KindEnd,
			fmt.Sprintf("auction finished (item %s)", res.item.LocalID)).
			For(idCot, res.item.LocalID)
		ee.End = &event.End{Reason: r.Message}
		d.publish(ee)
		return true
	}
	return false
}

// buildUpdate converts a parsed portal response into the update payload.
func buildUpdate(item SessionItem, r portal.Response, status int) event.Update {
	upd := event.Update{
		Description:     item.Description,
		BudgetText:      r.BudgetText,
		OfferToBeatText: r.OfferToBeatText,
		PortalMessage:   r.Message,
		Offers:          r.Offers,
		Status:          status,
	}
	if v, ok := parseMoney(r.BudgetText); ok {
		upd.Budget = &v
	}
	if v, ok := parseMoney(r.OfferToBeatText); ok {
		upd.OfferToBeat = &v
	}
	if best, ok := r.Best(); ok {
		upd.BestOfferText = best.AmountText
		upd.BestOffer = best.Amount
		upd.LastOfferTime = best.Time
		upd.BestProviderID = best.ProviderID
	}
	return upd
}

// isAuthFailure covers the statuses that count toward session expiry:
// explicit auth rejections and requests that never completed.
func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden || status == 0
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
