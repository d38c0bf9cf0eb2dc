// Package event defines the records that flow from collectors to the
// engine and on to consumers. Events are values; once published they
// are never mutated.
package event

// Level classifies an event for logging and persistence.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Kind names what happened.
type Kind string

const (
	KindHeartbeat Kind = "HEARTBEAT"
	KindUpdate    Kind = "UPDATE"
	KindSnapshot  Kind = "SNAPSHOT"
	KindAlert     Kind = "ALERT"
	KindSecurity  Kind = "SECURITY"
	KindHTTPError Kind = "HTTP_ERROR"
	KindException Kind = "EXCEPTION"
	KindStart     Kind = "START"
	KindStop      Kind = "STOP"
	KindEnd       Kind = "END"
)

// ErrorKind is the transport-level failure taxonomy attached to
// HTTP_ERROR events.
type ErrorKind string

const (
	ErrAuth    ErrorKind = "auth"
	ErrTimeout ErrorKind = "timeout"
	ErrNetwork ErrorKind = "network"
	ErrHTTP    ErrorKind = "http"
	ErrUnknown ErrorKind = "unknown"
)

// Offer is one entry of the portal's offer array. The first element of
// the array the portal returns is always the current best offer.
type Offer struct {
	AmountText string
	Amount     *float64
	Time       string
	ProviderID string
}

// SnapshotItem describes one line discovered during capture.
type SnapshotItem struct {
	LocalID        string
	Text           string
	Quantity       *float64
	ReferenceTotal *float64
	ReferenceUnit  *float64
	Budget         *float64
}

// Snapshot is the capture-phase payload: the auction and its lines.
type Snapshot struct {
	MarginText string
	URL        string
	Items      []SnapshotItem
}

// Update carries one poll result for one line.
type Update struct {
	Description     string
	BestOfferText   string
	BestOffer       *float64
	OfferToBeatText string
	OfferToBeat     *float64
	BudgetText      string
	Budget          *float64
	PortalMessage   string
	LastOfferTime   string
	BestProviderID  string
	Offers          []Offer
	Status          int
	Changed         bool
}

// HTTPError carries a failed poll.
type HTTPError struct {
	Status int
	Kind   ErrorKind
	Detail string
}

// End marks an auction as finished.
type End struct {
	Reason string
}

// Derived is the engine's enrichment of an Update: persisted state plus
// the computed commercial figures and the alert decision. Pointer
// fields are nil when the input needed to compute them is missing.
type Derived struct {
	Update Update

	Quantity     *float64
	ItemsPerLine *float64
	UnitCost     *float64
	MinMargin    *float64

	AcceptableUnit  *float64
	AcceptableTotal *float64

	ReferenceTotal    *float64
	ReferenceUnit     *float64
	ReferenceMargin   *float64
	ImprovementUnit   *float64
	ImprovementMargin *float64
	MarginPct         *float64

	Follow         bool
	MyBid          bool
	OperatorIsBest bool
	Outbid         bool

	Style     string
	Sound     string
	Highlight bool
	Hide      bool
}

// Event is the envelope. AuctionExtID and ItemLocalID are set when the
// event concerns a specific auction or line; exactly one payload
// pointer is non-nil for kinds that carry one.
type Event struct {
	Level        Level
	Kind         Kind
	Message      string
	AuctionExtID string
	ItemLocalID  string

	Snapshot  *Snapshot
	Update    *Update
	HTTPError *HTTPError
	End       *End
	Derived   *Derived
}

// ControlAction is an instruction the engine sends back to the runtime
// for the active collector.
type ControlAction string

const (
	ControlBackoff ControlAction = "BACKOFF"
	ControlStop    ControlAction = "STOP"
)

// Control is the engine→runtime channel record.
type Control struct {
	Action       ControlAction
	AuctionExtID string
	Seconds      float64
	Reason       string
}

// Debug builds a DEBUG-level event.
func Debug(kind Kind, msg string) Event { return Event{Level: LevelDebug, Kind: kind, Message: msg} }

// Info builds an INFO-level event.
func Info(kind Kind, msg string) Event { return Event{Level: LevelInfo, Kind: kind, Message: msg} }

// Warn builds a WARN-level event.
func Warn(kind Kind, msg string) Event { return Event{Level: LevelWarn, Kind: kind, Message: msg} }

// Error builds an ERROR-level event.
func Error(kind Kind, msg string) Event { return Event{Level: LevelError, Kind: kind, Message: msg} }

// For returns a copy of e scoped to an auction and, optionally, a line.
func (e Event) For(auctionExtID, itemLocalID string) Event {
	e.AuctionExtID = auctionExtID
	e.ItemLocalID = itemLocalID
	return e
}
