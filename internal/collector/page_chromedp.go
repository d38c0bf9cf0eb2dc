package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/subastamon/subastamon/internal/config"
)

// ChromePage implements Page over a real Chrome instance.
type ChromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChromePage launches Chrome. Certificate errors are ignored
// because the portal frequently serves a self-signed certificate.
func NewChromePage(parent context.Context, cfg config.PortalConfig) (*ChromePage, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", true),
	)
	if cfg.BrowserPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.BrowserPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	// Force the browser process up front so a misconfigured path fails
	// here instead of on the first navigation.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	return &ChromePage{
		ctx: tabCtx,
		cancel: func() {
			cancelTab()
			cancelAlloc()
		},
	}, nil
}

// run executes actions against the tab, honoring the caller's deadline.
func (p *ChromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	tab := p.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		tab, cancel = context.WithDeadline(tab, deadline)
		defer cancel()
	}
	return chromedp.Run(tab, actions...)
}

func (p *ChromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *ChromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *ChromePage) URL(ctx context.Context) (string, error) {
	var u string
	err := p.run(ctx, chromedp.Location(&u))
	return u, err
}

func (p *ChromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// Fetch runs the XHR inside the page so ASP.NET session state and
// anti-forgery tokens travel with it.
func (p *ChromePage) Fetch(ctx context.Context, endpoint string, body map[string]string) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding fetch body: %w", err)
	}

	js := fmt.Sprintf(`(async () => {
		const r = await fetch(%q, {
			method: "POST",
			headers: {
				"Content-Type": "application/json; charset=UTF-8",
				"X-Requested-With": "XMLHttpRequest"
			},
			body: %q
		});
		const t = await r.text();
		return { status: r.status, body: t };
	})()`, endpoint, string(payload))

	var res struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}
	err = p.run(ctx, chromedp.Evaluate(js, &res,
		func(params *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return params.WithAwaitPromise(true)
		}))
	if err != nil {
		return 0, nil, fmt.Errorf("in-page fetch: %w", err)
	}
	return res.Status, []byte(res.Body), nil
}

func (p *ChromePage) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var cookies []*http.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cs, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cs {
			cookies = append(cookies, &http.Cookie{
				Name:   c.Name,
				Value:  c.Value,
				Domain: c.Domain,
				Path:   c.Path,
			})
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}
	return cookies, nil
}

func (p *ChromePage) Close() error {
	p.cancel()
	return nil
}
