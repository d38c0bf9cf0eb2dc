// Package collector contains the portal pollers. All variants publish
// the same event stream and never touch the store; persistence and
// decisions belong to the engine.
package collector

import (
	"context"
	"net/http"
	"time"

	"github.com/subastamon/subastamon/internal/money"
)

// Collector is the common lifecycle every poller implements. Start and
// Stop are idempotent and non-blocking beyond a short join.
type Collector interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	SetCadence(d time.Duration)
	SetIntensive(on bool)
}

// SessionItem is one pollable line of a captured auction.
type SessionItem struct {
	LocalID     string
	Description string
}

// Session is everything the monitor phase needs: the capture output
// plus the browser's cookies so a direct client can take over.
type Session struct {
	AuctionURL string
	IDCot      string
	MarginText string
	Items      []SessionItem
	Cookies    []*http.Cookie
}

// changeSignature is the collector-side change hint: the engine makes
// the authoritative call against persisted state.
func changeSignature(bestText, offerToBeatText, message string) string {
	return bestText + "|" + offerToBeatText + "|" + message
}

func parseMoney(txt string) (float64, bool) {
	return money.Parse(txt)
}
