// Package portal implements the auction portal's wire contract: the
// BuscarOfertas request, the "@@"-encoded response string, and the
// transport error taxonomy.
package portal

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/subastamon/subastamon/internal/event"
	"github.com/subastamon/subastamon/internal/money"
)

// idCotPattern locates the external auction id in the page HTML.
var idCotPattern = regexp.MustCompile(`Cargar_Parametro\(\s*"id_Cotizacion"\s*,\s*'(\d+)'`)

// ExtractIDCot pulls the external auction id out of raw page HTML.
func ExtractIDCot(html string) (string, bool) {
	m := idCotPattern.FindStringSubmatch(html)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Response is the normalized BuscarOfertas payload.
type Response struct {
	Offers          []event.Offer
	BudgetText      string
	OfferToBeatText string
	Message         string
}

// Best returns the current best offer, which the portal always places
// first.
func (r Response) Best() (event.Offer, bool) {
	if len(r.Offers) == 0 {
		return event.Offer{}, false
	}
	return r.Offers[0], true
}

// UnwrapD decodes the XHR envelope {"d": "<string>"} and returns the
// inner string.
func UnwrapD(body []byte) (string, error) {
	var envelope struct {
		D string `json:"d"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("decoding response envelope: %w", err)
	}
	return envelope.D, nil
}

// ParseD splits the "@@"-encoded string into its four parts and parses
// the offer array defensively: empty, literal "null" and malformed
// JSON all yield no offers. Missing parts default to "".
func ParseD(d string) Response {
	parts := strings.SplitN(d, "@@", 4)

	var r Response
	r.Offers = parseOffers(parts[0])
	if len(parts) > 1 {
		r.BudgetText = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		r.OfferToBeatText = strings.TrimSpace(parts[2])
	}
	if len(parts) > 3 {
		r.Message = strings.TrimSpace(parts[3])
	}
	return r
}

// rawOffer tolerates the portal's loose typing: numbers arrive as
// numbers or strings depending on the endpoint version.
type rawOffer struct {
	MontoAMostrar any `json:"monto_a_mostrar"`
	Monto         any `json:"monto"`
	Hora          any `json:"hora"`
	IDProveedor   any `json:"id_proveedor"`
}

func parseOffers(txt string) []event.Offer {
	txt = strings.TrimSpace(txt)
	if txt == "" || strings.EqualFold(txt, "null") {
		return nil
	}

	var raw []rawOffer
	if err := json.Unmarshal([]byte(txt), &raw); err != nil {
		return nil
	}

	offers := make([]event.Offer, 0, len(raw))
	for _, ro := range raw {
		o := event.Offer{
			AmountText: asString(ro.MontoAMostrar),
			Time:       asString(ro.Hora),
			ProviderID: asString(ro.IDProveedor),
		}
		if v, ok := asFloat(ro.Monto); ok {
			o.Amount = &v
		} else if v, ok := money.Parse(o.AmountText); ok {
			o.Amount = &v
		}
		offers = append(offers, o)
	}
	return offers
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		return money.Parse(t)
	default:
		return 0, false
	}
}
