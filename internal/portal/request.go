package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/subastamon/subastamon/internal/event"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Query identifies one item poll.
type Query struct {
	IDCot      string
	LocalID    string
	MarginText string
}

// NewRequest builds the BuscarOfertas POST for one item. The auction
// URL doubles as the Referer; the Origin is derived from its host.
func NewRequest(ctx context.Context, auctionURL string, q Query) (*http.Request, error) {
	u, err := url.Parse(auctionURL)
	if err != nil {
		return nil, fmt.Errorf("parsing auction url: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"id_Cotizacion":   q.IDCot,
		"id_Item_Renglon": q.LocalID,
		"Margen_Minimo":   q.MarginText,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	endpoint := auctionURL + "/BuscarOfertas"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", auctionURL)
	req.Header.Set("Origin", u.Scheme+"://"+u.Host)
	return req, nil
}

// ClassifyError maps a transport outcome to the error taxonomy and the
// status to report. Requests that never completed report status 0.
func ClassifyError(status int, err error) (int, event.ErrorKind) {
	if err != nil {
		var nerr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			return 0, event.ErrTimeout
		}
		return 0, event.ErrNetwork
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return status, event.ErrAuth
	case status >= 400:
		return status, event.ErrHTTP
	default:
		return status, event.ErrUnknown
	}
}
